// Package download validates grabbed release files per protocol and builds public magnet links.
package download

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/gabriel-vasile/mimetype"

	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// Strategy checks that a downloaded body is usable for its protocol.
type Strategy interface {
	Protocol() types.Protocol
	// Validate checks body fetched from link. For magnet links body is the link itself.
	Validate(link string, body []byte) error
}

// ForProtocol returns the strategy for p.
func ForProtocol(p types.Protocol) Strategy {
	if p == types.ProtocolUsenet {
		return UsenetStrategy{}
	}
	return TorrentStrategy{}
}

// IsMagnet reports whether link is a magnet URI.
func IsMagnet(link string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(link)), "magnet:")
}

// TorrentStrategy accepts bencoded metainfo files and magnet links.
type TorrentStrategy struct{}

func (TorrentStrategy) Protocol() types.Protocol { return types.ProtocolTorrent }

func (TorrentStrategy) Validate(link string, body []byte) error {
	if IsMagnet(link) {
		if _, err := metainfo.ParseMagnetUri(link); err != nil {
			return types.NewReleaseDownloadError(link, fmt.Errorf("invalid magnet link: %w", err))
		}
		return nil
	}

	if len(body) == 0 || body[0] != 'd' {
		return types.NewReleaseDownloadError(link, fmt.Errorf("response is not a torrent file"))
	}
	mi, err := metainfo.Load(bytes.NewReader(body))
	if err != nil {
		return types.NewReleaseDownloadError(link, fmt.Errorf("invalid torrent file: %w", err))
	}
	if _, err := mi.UnmarshalInfo(); err != nil {
		return types.NewReleaseDownloadError(link, fmt.Errorf("torrent has no valid info dictionary: %w", err))
	}
	return nil
}

// UsenetStrategy accepts NZB documents.
type UsenetStrategy struct{}

func (UsenetStrategy) Protocol() types.Protocol { return types.ProtocolUsenet }

func (UsenetStrategy) Validate(link string, body []byte) error {
	if IsMagnet(link) {
		return types.NewReleaseDownloadError(link, fmt.Errorf("magnet links cannot be used for usenet"))
	}
	mt := mimetype.Detect(body)
	if !mt.Is("text/xml") && !mt.Is("application/xml") {
		return types.NewReleaseDownloadError(link, fmt.Errorf("response is %s, not an NZB", mt.String()))
	}
	if !bytes.Contains(bytes.ToLower(body), []byte("<nzb")) {
		return types.NewReleaseDownloadError(link, fmt.Errorf("XML response has no nzb element"))
	}
	return nil
}
