package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/slipstream/indexproxy/internal/config"
	"github.com/slipstream/indexproxy/internal/logger"
)

type commandContext struct {
	configFlag *string
	verbose    *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// cliLogger logs to stderr so command output on stdout stays parseable.
// Without --verbose only warnings and errors are shown.
func (c *commandContext) cliLogger(cfg *config.Config) *logger.Logger {
	lc := cfg.Logging
	lc.Path = ""
	if c.verbose == nil || !*c.verbose {
		lc.Level = "warn"
	}
	return logger.NewWithWriter(lc, os.Stderr)
}

// serverLogger honours the configured level and log file.
func (c *commandContext) serverLogger(cfg *config.Config) *logger.Logger {
	return logger.New(cfg.Logging)
}

// withApp loads configuration, assembles the services and hands them to fn.
func (c *commandContext) withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	log := c.cliLogger(cfg)
	defer log.Close()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.load(ctx); err != nil {
		log.Warn().Err(err).Msg("Some indexers could not be loaded")
	}
	return fn(a)
}
