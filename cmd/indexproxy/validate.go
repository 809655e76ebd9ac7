package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/slipstream/indexproxy/internal/indexer/cardigann"
)

func newValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [definition.yml...]",
		Short: "Validate the configuration or cardigann definition files",
		Long: "Without arguments the configuration is loaded and every configured indexer is built.\n" +
			"With arguments each file is parsed as a cardigann definition.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return validateDefinitions(cmd, args)
			}
			return ctx.withApp(cmd.Context(), func(a *app) error {
				var errs []error
				for _, def := range a.cfg.Indexers {
					if _, err := a.indexers.Build(cmd.Context(), def); err != nil {
						errs = append(errs, fmt.Errorf("indexer %d (%s): %w", def.ID, def.Name, err))
						continue
					}
					printf(cmd, "ok    %d %s (%s)\n", def.ID, def.Name, def.Implementation)
				}
				if err := errors.Join(errs...); err != nil {
					return err
				}
				printf(cmd, "configuration valid, %d indexers\n", len(a.cfg.Indexers))
				return nil
			})
		},
	}
}

func validateDefinitions(cmd *cobra.Command, paths []string) error {
	var failed int
	for _, path := range paths {
		def, err := cardigann.ParseDefinitionFile(path)
		if err != nil {
			failed++
			printf(cmd, "FAIL  %s: %v\n", path, err)
			continue
		}
		printf(cmd, "ok    %s (%s)\n", path, def.ID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions invalid", failed, len(paths))
	}
	return nil
}
