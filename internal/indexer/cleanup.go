package indexer

import (
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// cleanup removes releases with a duplicate guid (first wins), stamps remote
// identity and derives volume-factor flags.
func (ix *Indexer) cleanup(releases []*types.ReleaseInfo) []*types.ReleaseInfo {
	out := make([]*types.ReleaseInfo, 0, len(releases))
	seen := make(map[string]struct{}, len(releases))

	for _, r := range releases {
		if r == nil {
			continue
		}
		key := r.GUID
		if key == "" {
			key = r.Link()
		}
		if key != "" {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}

		r.IndexerID = ix.def.ID
		r.IndexerName = ix.def.Name
		r.IndexerPriority = ix.def.Priority
		r.Protocol = ix.c.Protocol

		switch r.DownloadVolumeFactor {
		case 0:
			r.AddFlag(types.FlagFreeleech)
		case 0.5:
			r.AddFlag(types.FlagHalfleech)
		}
		if r.UploadVolumeFactor == 2 {
			r.AddFlag(types.FlagDoubleUpload)
		}
		out = append(out, r)
	}
	return out
}
