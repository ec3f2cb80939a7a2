package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateProcessing(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateCluster(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateProcessing() error {
	if c.Processing.Workers < 0 {
		return errors.New("processing.workers must be zero or positive")
	}
	if c.Processing.FrameRetries < 0 {
		return errors.New("processing.frame_retries must be zero or positive")
	}
	if c.Processing.ChunkRetries < 0 {
		return errors.New("processing.chunk_retries must be zero or positive")
	}
	if c.Processing.ThetaChannels < 16 {
		return errors.New("processing.theta_channels must be at least 16")
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.ChunkTargetBytes < 1<<20 {
		return errors.New("storage.chunk_target_bytes must be at least 1 MiB")
	}
	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 9 {
		return errors.New("storage.compression_level must be between 1 and 9")
	}
	return nil
}

func (c *Config) validateCluster() error {
	switch c.Cluster.ForceMode {
	case "", "local", "cluster":
	default:
		return fmt.Errorf("cluster.force_mode: unsupported value %q", c.Cluster.ForceMode)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
