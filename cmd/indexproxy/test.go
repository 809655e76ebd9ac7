package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

func newTestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test <indexer-id>...",
		Short: "Run a basic search against indexers to check connectivity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, len(args))
			for i, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return err
				}
				ids[i] = id
			}
			return ctx.withApp(cmd.Context(), func(a *app) error {
				rows := make([][]string, 0, len(ids))
				var failed int
				for _, id := range ids {
					name := strconv.FormatInt(id, 10)
					if ix, err := a.indexers.Get(id); err == nil {
						name = ix.Name()
					}
					result := "ok"
					if err := a.indexers.Test(cmd.Context(), id); err != nil {
						result = err.Error()
						failed++
					}
					rows = append(rows, []string{name, result})
				}
				renderTable(cmd.OutOrStdout(), []string{"Indexer", "Result"}, rows, nil)
				if failed > 0 {
					return errTestFailed(failed)
				}
				return nil
			})
		},
	}
}

type errTestFailed int

func (e errTestFailed) Error() string {
	return strconv.Itoa(int(e)) + " indexer test(s) failed"
}
