package config

import "time"

// Alyx defaults point at the public IBL database and its read-only account.
const (
	DefaultAlyxBaseURL   = "https://openalyx.internationalbrainlab.org"
	DefaultAlyxUsername  = "intbrainlab"
	DefaultAlyxPassword  = "international"
	DefaultAlyxTimeout   = 30 * time.Second
	DefaultAlyxCacheSize = "64MB"
	DefaultAlyxPageSize  = 250
)

// ONE defaults.
const (
	DefaultONEDataURL  = "https://ibl.flatironinstitute.org/public"
	DefaultONEDownload = true
)

// Conversion defaults.
const (
	DefaultOutputDir       = "nwb"
	DefaultStub            = false
	DefaultStubSamples     = 30000
	DefaultRawSamples      = 300000
	DefaultCompression     = 4
	DefaultChunkRows       = 65536
	DefaultIncludeRawEphys = false
	DefaultIncludeVideo    = true
	DefaultWorkers         = 4
	DefaultOverwrite       = false
)

// Checkpoint defaults.
const (
	DefaultCheckpointEnabled = true
)

// Logging and telemetry defaults.
const (
	DefaultLogLevel     = "info"
	DefaultLogJSON      = false
	DefaultSampleRatio  = 0.1
	DefaultEnvironment  = "dev"
	DefaultOTLPInsecure = false
)

// Paths below the iblnwb home directory.
const (
	homeDirName     = ".iblnwb"
	oneCacheDir     = "ONE"
	restCacheDir    = "rest"
	catalogFileName = "catalog.db"
	checkpointDir   = "checkpoints"
)
