// Package caps describes what a remote supports and negotiates it over the Newznab caps API.
package caps

import "strings"

// Param is a search parameter name as used by the Newznab API.
type Param string

const (
	ParamQ         Param = "q"
	ParamSeason    Param = "season"
	ParamEp        Param = "ep"
	ParamImdbID    Param = "imdbid"
	ParamTvdbID    Param = "tvdbid"
	ParamRID       Param = "rid"
	ParamTvMazeID  Param = "tvmazeid"
	ParamTraktID   Param = "traktid"
	ParamTmdbID    Param = "tmdbid"
	ParamDoubanID  Param = "doubanid"
	ParamGenre     Param = "genre"
	ParamYear      Param = "year"
	ParamImdbTitle Param = "imdbtitle"
	ParamImdbYear  Param = "imdbyear"
	ParamAlbum     Param = "album"
	ParamArtist    Param = "artist"
	ParamLabel     Param = "label"
	ParamTrack     Param = "track"
	ParamTitle     Param = "title"
	ParamAuthor    Param = "author"
	ParamPublisher Param = "publisher"
)

// Mode is a search mode as named in caps documents and definition files.
type Mode string

const (
	ModeSearch      Mode = "search"
	ModeTVSearch    Mode = "tv-search"
	ModeMovieSearch Mode = "movie-search"
	ModeMusicSearch Mode = "music-search"
	ModeAudioSearch Mode = "audio-search"
	ModeBookSearch  Mode = "book-search"
)

// vocabularies lists the parameters each mode accepts.
var vocabularies = map[Mode][]Param{
	ModeSearch: {ParamQ},
	ModeTVSearch: {
		ParamQ, ParamSeason, ParamEp, ParamImdbID, ParamTvdbID, ParamRID, ParamTvMazeID,
		ParamTraktID, ParamTmdbID, ParamDoubanID, ParamGenre, ParamYear,
	},
	ModeMovieSearch: {
		ParamQ, ParamImdbID, ParamTmdbID, ParamImdbTitle, ParamImdbYear, ParamTraktID,
		ParamGenre, ParamDoubanID, ParamYear,
	},
	ModeMusicSearch: {ParamQ, ParamAlbum, ParamArtist, ParamLabel, ParamTrack, ParamYear, ParamGenre},
	ModeBookSearch:  {ParamQ, ParamTitle, ParamAuthor, ParamPublisher, ParamGenre, ParamYear},
}

// Vocabulary returns the parameters accepted by mode. audio-search is an alias of music-search.
func Vocabulary(mode Mode) []Param {
	if mode == ModeAudioSearch {
		mode = ModeMusicSearch
	}
	return vocabularies[mode]
}

// ParseParam matches s case-insensitively against the vocabulary of mode.
func ParseParam(mode Mode, s string) (Param, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range Vocabulary(mode) {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}
