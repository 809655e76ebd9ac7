// Package types contains shared type definitions for indexer packages.
package types

import (
	"time"
)

// Protocol represents the download protocol.
type Protocol string

const (
	ProtocolUnknown Protocol = "unknown"
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
)

// Privacy represents indexer privacy level.
type Privacy string

const (
	PrivacyPublic      Privacy = "public"
	PrivacySemiPrivate Privacy = "semi-private"
	PrivacyPrivate     Privacy = "private"
)

// Implementation names the request generator / parser pair used for a remote.
type Implementation string

const (
	ImplementationNewznab   Implementation = "newznab"
	ImplementationTorznab   Implementation = "torznab"
	ImplementationCardigann Implementation = "cardigann"
)

// IndexerDefinition represents a configured remote.
type IndexerDefinition struct {
	ID             int64             `json:"id" mapstructure:"id"`
	Name           string            `json:"name" mapstructure:"name"`
	Implementation Implementation    `json:"implementation" mapstructure:"implementation"`
	DefinitionID   string            `json:"definitionId,omitempty" mapstructure:"definition"` // Cardigann definition ID
	BaseURL        string            `json:"baseUrl,omitempty" mapstructure:"base_url"`
	APIPath        string            `json:"apiPath,omitempty" mapstructure:"api_path"`
	APIKey         string            `json:"-" mapstructure:"api_key"`
	Categories     []int             `json:"categories,omitempty" mapstructure:"categories"`
	Settings       map[string]string `json:"settings,omitempty" mapstructure:"settings"`
	Priority       int               `json:"priority" mapstructure:"priority"`
	Enabled        bool              `json:"enabled" mapstructure:"enabled"`
}

// IndexerFlag marks tracker-specific release properties.
type IndexerFlag string

const (
	FlagFreeleech    IndexerFlag = "freeleech"
	FlagHalfleech    IndexerFlag = "halfleech"
	FlagDoubleUpload IndexerFlag = "doubleupload"
	FlagInternal     IndexerFlag = "internal"
	FlagScene        IndexerFlag = "scene"
	FlagExclusive    IndexerFlag = "exclusive"
	FlagNuked        IndexerFlag = "nuked"
)

// ReleaseInfo is the normalized result every parser produces.
type ReleaseInfo struct {
	GUID        string    `json:"guid"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
	MagnetURL   string    `json:"magnetUrl,omitempty"`
	InfoHash    string    `json:"infoHash,omitempty"`
	InfoURL     string    `json:"infoUrl,omitempty"`
	CommentURL  string    `json:"commentUrl,omitempty"`
	PublishDate time.Time `json:"publishDate"`
	Size        *int64    `json:"size,omitempty"`
	Categories  []int     `json:"categories"`

	Files   *int `json:"files,omitempty"`
	Grabs   *int `json:"grabs,omitempty"`
	Seeders *int `json:"seeders,omitempty"`
	Peers   *int `json:"peers,omitempty"`

	DownloadVolumeFactor float64       `json:"downloadVolumeFactor"` // 0 = freeleech
	UploadVolumeFactor   float64       `json:"uploadVolumeFactor"`   // 2 = double upload
	MinimumRatio         *float64      `json:"minimumRatio,omitempty"`
	MinimumSeedTime      *int64        `json:"minimumSeedTime,omitempty"` // seconds
	IndexerFlags         []IndexerFlag `json:"indexerFlags,omitempty"`

	// External IDs
	ImdbID   int `json:"imdbId,omitempty"`
	TmdbID   int `json:"tmdbId,omitempty"`
	TvdbID   int `json:"tvdbId,omitempty"`
	TvRageID int `json:"tvRageId,omitempty"`
	TvMazeID int `json:"tvMazeId,omitempty"`
	TraktID  int `json:"traktId,omitempty"`
	DoubanID int `json:"doubanId,omitempty"`

	Poster    string   `json:"poster,omitempty"`
	Genres    []string `json:"genres,omitempty"`
	Year      int      `json:"year,omitempty"`
	Author    string   `json:"author,omitempty"`
	BookTitle string   `json:"bookTitle,omitempty"`
	Publisher string   `json:"publisher,omitempty"`
	Artist    string   `json:"artist,omitempty"`
	Album     string   `json:"album,omitempty"`
	Label     string   `json:"label,omitempty"`
	Track     string   `json:"track,omitempty"`

	// Indexer info
	IndexerID       int64    `json:"indexerId"`
	IndexerName     string   `json:"indexer"`
	IndexerPriority int      `json:"indexerPriority,omitempty"`
	Protocol        Protocol `json:"protocol"`
}

// NewReleaseInfo returns a release with neutral volume factors.
func NewReleaseInfo() *ReleaseInfo {
	return &ReleaseInfo{
		DownloadVolumeFactor: 1,
		UploadVolumeFactor:   1,
	}
}

// Link returns the URL a client should grab: the download URL, or the magnet when there is none.
func (r *ReleaseInfo) Link() string {
	if r.DownloadURL != "" {
		return r.DownloadURL
	}
	return r.MagnetURL
}

// HasFlag reports whether the release carries flag.
func (r *ReleaseInfo) HasFlag(flag IndexerFlag) bool {
	for _, f := range r.IndexerFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// AddFlag appends flag unless already present.
func (r *ReleaseInfo) AddFlag(flag IndexerFlag) {
	if !r.HasFlag(flag) {
		r.IndexerFlags = append(r.IndexerFlags, flag)
	}
}

// IndexerStatus represents the health status of an indexer.
type IndexerStatus struct {
	IndexerID         int64             `json:"indexerId"`
	InitialFailure    *time.Time        `json:"initialFailure,omitempty"`
	MostRecentFailure *time.Time        `json:"mostRecentFailure,omitempty"`
	EscalationLevel   int               `json:"escalationLevel"`
	DisabledTill      *time.Time        `json:"disabledTill,omitempty"`
	Cookies           map[string]string `json:"-"`
	CookiesExpiration *time.Time        `json:"cookiesExpiration,omitempty"`
}

// IsDisabled reports whether the remote is quarantined at now.
func (s *IndexerStatus) IsDisabled(now time.Time) bool {
	return s != nil && s.DisabledTill != nil && s.DisabledTill.After(now)
}

// PageInfo records diagnostics for a single executed page request.
type PageInfo struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"statusCode"`
	Elapsed    time.Duration `json:"elapsed"`
	Releases   int           `json:"releases"`
}
