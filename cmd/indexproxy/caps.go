package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slipstream/indexproxy/internal/indexer/caps"
)

func newCapsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	var showCategories bool

	cmd := &cobra.Command{
		Use:   "caps <indexer-id>",
		Short: "Show the capabilities of an indexer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(a *app) error {
				ix, err := a.indexer(id)
				if err != nil {
					return err
				}
				c, err := ix.Capabilities(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, c)
				}
				printCapabilities(cmd, ix.Name(), c, showCategories)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the capabilities as JSON")
	cmd.Flags().BoolVar(&showCategories, "categories", false, "List the category tree")
	return cmd
}

func printCapabilities(cmd *cobra.Command, name string, c *caps.Capabilities, showCategories bool) {
	title := name
	if c.ServerTitle != "" {
		title += " (" + c.ServerTitle + ")"
	}
	printf(cmd, "%s\nlimits: default %d, max %d, pagination %t\n", title, c.LimitsDefault, c.LimitsMax, c.SupportsPagination)

	modes := []caps.Mode{caps.ModeSearch, caps.ModeTVSearch, caps.ModeMovieSearch, caps.ModeMusicSearch, caps.ModeBookSearch}
	rows := make([][]string, 0, len(modes))
	for _, mode := range modes {
		available := "no"
		if c.Available(mode) {
			available = "yes"
		}
		params := c.Params(mode)
		names := make([]string, len(params))
		for i, p := range params {
			names[i] = string(p)
		}
		rows = append(rows, []string{string(mode), available, strings.Join(names, ", ")})
	}
	renderTable(cmd.OutOrStdout(), []string{"Mode", "Available", "Parameters"}, rows, nil)

	if !showCategories || c.Categories == nil {
		return
	}
	cats := c.Categories.Flatten(true)
	catRows := make([][]string, 0, len(cats))
	for _, cat := range cats {
		catRows = append(catRows, []string{strconv.Itoa(cat.ID), cat.Name})
	}
	renderTable(cmd.OutOrStdout(), []string{"ID", "Category"}, catRows, []columnAlignment{alignRight, alignLeft})
}
