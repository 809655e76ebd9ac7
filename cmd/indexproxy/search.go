package main

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/slipstream/indexproxy/internal/indexer/search"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

type searchFlags struct {
	searchType string
	categories string
	indexers   string
	season     int
	episode    string
	imdbID     string
	tvdbID     int
	tmdbID     int
	limit      int
	offset     int
	asJSON     bool
}

// values renders the flags as the query parameters the HTTP API accepts.
func (f searchFlags) values(query string) url.Values {
	v := url.Values{}
	v.Set("t", f.searchType)
	if query != "" {
		v.Set("q", query)
	}
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	setInt := func(key string, value int) {
		if value != 0 {
			v.Set(key, strconv.Itoa(value))
		}
	}
	set("cat", f.categories)
	setInt("season", f.season)
	set("ep", f.episode)
	set("imdbid", f.imdbID)
	setInt("tvdbid", f.tvdbID)
	setInt("tmdbid", f.tmdbID)
	setInt("limit", f.limit)
	setInt("offset", f.offset)
	return v
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var flags searchFlags

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the configured indexers",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			criteria, err := search.ParseCriteria(flags.values(strings.Join(args, " ")))
			if err != nil {
				return err
			}
			ids, err := search.ParseIndexerIDs(flags.indexers)
			if err != nil {
				return err
			}

			return ctx.withApp(cmd.Context(), func(a *app) error {
				if a.indexers.Count() == 0 {
					return errors.New("no indexers configured")
				}
				result := a.search.Search(cmd.Context(), criteria, search.Options{IndexerIDs: ids})
				if flags.asJSON {
					return writeJSON(cmd, result)
				}
				printSearchResult(cmd, result)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&flags.searchType, "type", "t", string(types.SearchTypeBasic), "Search type (search, tvsearch, movie, music, book)")
	cmd.Flags().StringVar(&flags.categories, "cat", "", "Comma separated category ids")
	cmd.Flags().StringVarP(&flags.indexers, "indexer", "i", "", "Comma separated indexer ids")
	cmd.Flags().IntVar(&flags.season, "season", 0, "Season number")
	cmd.Flags().StringVar(&flags.episode, "ep", "", "Episode")
	cmd.Flags().StringVar(&flags.imdbID, "imdbid", "", "IMDb id")
	cmd.Flags().IntVar(&flags.tvdbID, "tvdbid", 0, "TVDB id")
	cmd.Flags().IntVar(&flags.tmdbID, "tmdbid", 0, "TMDb id")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "Maximum results per indexer")
	cmd.Flags().IntVar(&flags.offset, "offset", 0, "Result offset")
	cmd.Flags().BoolVar(&flags.asJSON, "json", false, "Print the raw result as JSON")
	return cmd
}

func printSearchResult(cmd *cobra.Command, result *search.Result) {
	rows := make([][]string, 0, len(result.Releases))
	for _, r := range result.Releases {
		rows = append(rows, []string{
			r.IndexerName,
			truncate(r.Title, 70),
			formatSize(r.Size),
			formatAge(r.PublishDate),
			formatPeers(r),
		})
	}
	renderTable(cmd.OutOrStdout(),
		[]string{"Indexer", "Title", "Size", "Published", "Seeders/Grabs"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight})

	for _, ir := range result.Indexers {
		switch {
		case ir.Error != "":
			printf(cmd, "%s: error: %s\n", ir.IndexerName, ir.Error)
		case ir.Skipped != "":
			printf(cmd, "%s: skipped: %s\n", ir.IndexerName, ir.Skipped)
		}
	}
	printf(cmd, "%d releases from %d indexers\n", result.Total, len(result.Indexers))
}

func formatSize(size *int64) string {
	if size == nil || *size <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(*size))
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func formatPeers(r *types.ReleaseInfo) string {
	switch {
	case r.Protocol == types.ProtocolTorrent && r.Seeders != nil:
		return strconv.Itoa(*r.Seeders)
	case r.Grabs != nil:
		return strconv.Itoa(*r.Grabs)
	}
	return "-"
}
