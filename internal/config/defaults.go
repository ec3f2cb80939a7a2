package config

const (
	defaultOutputRoot       = "~/.local/share/diffract/processed"
	defaultLogDir           = "~/.local/share/diffract/logs"
	defaultLedgerDir        = "~/.local/share/diffract/ledger"
	defaultScratchDir       = "~/.cache/diffract/scratch"
	defaultFrameRetries     = 2
	defaultChunkRetries     = 2
	defaultThetaChannels    = 2500
	defaultChunkTargetBytes = 100 << 20
	defaultCompressionLevel = 3
	defaultDialTimeout      = 30
	defaultFitBinary        = "fitkit"
	defaultFitTimeout       = 300
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputRoot: defaultOutputRoot,
			LogDir:     defaultLogDir,
			LedgerDir:  defaultLedgerDir,
			ScratchDir: defaultScratchDir,
		},
		Processing: Processing{
			Workers:       0,
			FrameRetries:  defaultFrameRetries,
			ChunkRetries:  defaultChunkRetries,
			ThetaChannels: defaultThetaChannels,
		},
		Storage: Storage{
			ChunkTargetBytes: defaultChunkTargetBytes,
			CompressionLevel: defaultCompressionLevel,
		},
		Cluster: Cluster{
			DialTimeout: defaultDialTimeout,
		},
		Fitting: Fitting{
			Binary:         defaultFitBinary,
			TimeoutSeconds: defaultFitTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
