package testsupport

import (
	"path/filepath"
	"testing"

	"diffract/internal/config"
)

// ConfigOption customizes the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.OutputRoot = filepath.Join(base, "out")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.LedgerDir = filepath.Join(base, "ledger")
	cfg.Paths.ScratchDir = filepath.Join(base, "scratch")
	cfg.Processing.Workers = 2
	cfg.Processing.ThetaChannels = 32
	cfg.Storage.ChunkTargetBytes = 1 << 20
	cfg.Cluster.ForceMode = "local"

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithWorkers overrides the local pool size.
func WithWorkers(n int) ConfigOption {
	return func(c *config.Config) {
		c.Processing.Workers = n
	}
}

// WithFrameRetries overrides the frame resubmission bound.
func WithFrameRetries(n int) ConfigOption {
	return func(c *config.Config) {
		c.Processing.FrameRetries = n
	}
}

// WithChunkTarget overrides the chunk size target.
func WithChunkTarget(bytes int64) ConfigOption {
	return func(c *config.Config) {
		c.Storage.ChunkTargetBytes = bytes
	}
}
