package main

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"diffract/internal/config"
	"diffract/internal/logging"
	"diffract/internal/pipeline"
	"diffract/internal/preflight"
	"diffract/internal/runledger"
	"diffract/internal/services/fitkit"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			OutputPaths: []string{
				"stderr",
				filepath.Join(cfg.Paths.LogDir, "diffract.log"),
			},
		})
	})
	return c.logger, c.loggerErr
}

// newPipeline assembles the processing pipeline from the loaded config. The
// returned cleanup closes the run ledger and must be called after the run.
func (c *commandContext) newPipeline() (*pipeline.Pipeline, func(), error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, nil, err
	}
	ledger, err := runledger.Open(cfg.Paths.LedgerDir)
	if err != nil {
		return nil, nil, err
	}

	engineOpts := []fitkit.Option{}
	if cfg.Fitting.Binary != "" {
		engineOpts = append(engineOpts, fitkit.WithBinary(cfg.Fitting.Binary))
	}
	if cfg.Fitting.TimeoutSeconds > 0 {
		engineOpts = append(engineOpts, fitkit.WithTimeout(time.Duration(cfg.Fitting.TimeoutSeconds)*time.Second))
	}

	p := pipeline.New(pipeline.Options{
		Config: cfg,
		Engine: fitkit.NewCLI(engineOpts...),
		Ledger: ledger,
		Logger: logger,
	})
	return p, func() { _ = ledger.Close() }, nil
}

func (c *commandContext) preflight() error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	return preflight.Summarize(preflight.RunAll(cfg))
}

func (c *commandContext) openLedger() (*runledger.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return runledger.Open(cfg.Paths.LedgerDir)
}
