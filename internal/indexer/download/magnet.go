package download

import (
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// PublicTrackers are announced in magnet links built from a bare info hash.
var PublicTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"https://tracker2.ctix.cn:443/announce",
	"https://tracker1.520.jp:443/announce",
	"udp://opentracker.i2p.rocks:6969/announce",
	"udp://open.tracker.cl:1337/announce",
	"udp://open.demonii.com:1337/announce",
	"http://tracker.openbittorrent.com:80/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://tracker.moeking.me:6969/announce",
	"udp://explodie.org:6969/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://uploads.gamecoast.net:6969/announce",
	"udp://tracker1.bt.moack.co.kr:80/announce",
	"udp://tracker.tiny-vps.com:6969/announce",
	"udp://tracker.theoks.net:6969/announce",
	"udp://tracker.skyts.net:6969/announce",
	"udp://tracker-udp.gbitt.info:80/announce",
	"udp://open.tracker.ink:6969/announce",
	"udp://movies.zsw.ca:6969/announce",
	"https://opentracker.i2p.rocks:443/announce",
}

// BuildMagnet builds a magnet link for a hex info hash announcing PublicTrackers.
func BuildMagnet(infoHash, title string) (string, error) {
	var h metainfo.Hash
	if err := h.FromHexString(strings.TrimSpace(infoHash)); err != nil {
		return "", fmt.Errorf("invalid info hash %q: %w", infoHash, err)
	}
	m := metainfo.Magnet{
		InfoHash:    h,
		DisplayName: title,
		Trackers:    PublicTrackers,
	}
	return m.String(), nil
}

// InfoHashOf returns the lower-case hex info hash of a magnet link.
func InfoHashOf(magnet string) (string, error) {
	m, err := metainfo.ParseMagnetUri(magnet)
	if err != nil {
		return "", err
	}
	return m.InfoHash.HexString(), nil
}
