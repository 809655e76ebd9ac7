package search

import (
	"sort"

	"github.com/slipstream/indexproxy/internal/indexer"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// aggregate combines per-remote results. remotes are in priority order, so the
// first release seen for a GUID comes from the highest priority remote.
func aggregate(remotes []Remote, fetched []*indexer.FetchResult) *Result {
	result := &Result{
		Releases: make([]*types.ReleaseInfo, 0),
		Indexers: make([]IndexerResult, 0, len(remotes)),
	}

	var all []*types.ReleaseInfo
	for i, r := range remotes {
		res := fetched[i]
		ir := IndexerResult{IndexerID: r.ID(), IndexerName: r.Name()}
		if res != nil {
			ir.Releases = len(res.Releases)
			ir.ElapsedMs = res.Elapsed.Milliseconds()
			ir.Skipped = res.Skipped
			if res.Err != nil {
				ir.Error = res.Err.Error()
			}
			all = append(all, res.Releases...)
		}
		result.Indexers = append(result.Indexers, ir)
	}

	result.Releases = deduplicateReleases(all)
	sortReleases(result.Releases)
	result.Total = len(result.Releases)
	return result
}

// deduplicateReleases removes duplicate releases based on GUID, keeping the first.
func deduplicateReleases(releases []*types.ReleaseInfo) []*types.ReleaseInfo {
	seen := make(map[string]struct{}, len(releases))
	out := make([]*types.ReleaseInfo, 0, len(releases))
	for _, r := range releases {
		guid := normalizeGUID(r.GUID)
		if guid != "" {
			if _, dup := seen[guid]; dup {
				continue
			}
			seen[guid] = struct{}{}
		}
		out = append(out, r)
	}
	return out
}

// sortReleases sorts releases by publish date descending (newest first).
func sortReleases(releases []*types.ReleaseInfo) {
	sort.SliceStable(releases, func(i, j int) bool {
		return releases[i].PublishDate.After(releases[j].PublishDate)
	})
}
