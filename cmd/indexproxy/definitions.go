package main

import (
	"github.com/spf13/cobra"
)

func newDefinitionsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Manage cardigann definitions",
	}
	cmd.AddCommand(newDefinitionsSyncCommand(ctx))
	cmd.AddCommand(newDefinitionsListCommand(ctx))
	return cmd
}

func newDefinitionsSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Download the definition package from the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				n, err := a.repository.Sync(cmd.Context(), a.store)
				if err != nil {
					return err
				}
				printf(cmd, "synced %d definitions into %s\n", n, a.cfg.Definitions.Dir)
				return nil
			})
		},
	}
}

func newDefinitionsListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the definitions on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				list, err := a.store.List()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, list)
				}
				rows := make([][]string, 0, len(list))
				for _, d := range list {
					custom := ""
					if d.Custom {
						custom = "custom"
					}
					rows = append(rows, []string{d.ID, truncate(d.Name, 40), d.Type, d.Language, custom})
				}
				renderTable(cmd.OutOrStdout(), []string{"ID", "Name", "Type", "Language", ""}, rows, nil)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the list as JSON")
	return cmd
}
