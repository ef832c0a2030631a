// Package config loads the iblnwb configuration from defaults, a YAML file
// and IBLNWB_ environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingBaseURL     = errors.New("alyx base url is required")
	ErrInvalidTimeout     = errors.New("alyx timeout must be positive")
	ErrInvalidCacheSize   = errors.New("invalid alyx cache size")
	ErrInvalidWorkers     = errors.New("conversion workers must be positive")
	ErrInvalidCompression = errors.New("compression level must be between 0 and 9")
	ErrInvalidStubSamples = errors.New("stub samples must be positive")
	ErrInvalidRawSamples  = errors.New("raw samples must be positive")
	ErrInvalidSampleRatio = errors.New("sample ratio must be between 0 and 1")
	ErrInvalidLogLevel    = errors.New("invalid log level")
)

const (
	configName = "iblnwb"
	configType = "yaml"
	envPrefix  = "IBLNWB"

	maxCompression = 9
)

// Config holds all iblnwb configuration.
type Config struct {
	Alyx       AlyxConfig       `mapstructure:"alyx"`
	ONE        ONEConfig        `mapstructure:"one"`
	Conversion ConversionConfig `mapstructure:"conversion"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// AlyxConfig configures the Alyx REST client.
type AlyxConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// CacheSize bounds the in-memory response cache, e.g. "64MB".
	CacheSize    string `mapstructure:"cache_size"`
	PageSize     int    `mapstructure:"page_size"`
	RestCacheDir string `mapstructure:"rest_cache_dir"`
}

// CacheBytes parses CacheSize.
func (a AlyxConfig) CacheBytes() (int64, error) {
	if strings.TrimSpace(a.CacheSize) == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(a.CacheSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidCacheSize, a.CacheSize, err)
	}

	return int64(n), nil //nolint:gosec // cache sizes are far below MaxInt64.
}

// ONEConfig configures dataset loading.
type ONEConfig struct {
	CacheDir string `mapstructure:"cache_dir"`
	DataURL  string `mapstructure:"data_url"`
	Download bool   `mapstructure:"download"`
}

// ConversionConfig tunes conversions.
type ConversionConfig struct {
	OutputDir       string   `mapstructure:"output_dir"`
	Stub            bool     `mapstructure:"stub"`
	StubSamples     int      `mapstructure:"stub_samples"`
	RawSamples      int      `mapstructure:"raw_samples"`
	Compression     int      `mapstructure:"compression_level"`
	ChunkRows       uint64   `mapstructure:"chunk_rows"`
	IncludeRawEphys bool     `mapstructure:"include_raw_ephys"`
	IncludeVideo    bool     `mapstructure:"include_video"`
	Workers         int      `mapstructure:"workers"`
	Overwrite       bool     `mapstructure:"overwrite"`
	Interfaces      []string `mapstructure:"interfaces"`
	// Metadata is a YAML file merged over the metadata of every session.
	Metadata string `mapstructure:"metadata"`
}

// CatalogConfig locates the conversion ledger.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// CheckpointConfig configures batch resumption.
type CheckpointConfig struct {
	Dir     string `mapstructure:"dir"`
	Enabled bool   `mapstructure:"enabled"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	Environment  string  `mapstructure:"environment"`
	MetricsAddr  string  `mapstructure:"metrics_addr"`
}

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise iblnwb.yaml is searched in ., ./config and ~/.iblnwb.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	home := homeDir()
	applyDefaults(viperCfg, home)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath(home)
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	cfg.expandPaths()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper, home string) {
	viperCfg.SetDefault("alyx.base_url", DefaultAlyxBaseURL)
	viperCfg.SetDefault("alyx.username", DefaultAlyxUsername)
	viperCfg.SetDefault("alyx.password", DefaultAlyxPassword)
	viperCfg.SetDefault("alyx.token", "")
	viperCfg.SetDefault("alyx.timeout", DefaultAlyxTimeout)
	viperCfg.SetDefault("alyx.cache_size", DefaultAlyxCacheSize)
	viperCfg.SetDefault("alyx.page_size", DefaultAlyxPageSize)
	viperCfg.SetDefault("alyx.rest_cache_dir", filepath.Join(home, restCacheDir))

	viperCfg.SetDefault("one.cache_dir", filepath.Join(home, oneCacheDir))
	viperCfg.SetDefault("one.data_url", DefaultONEDataURL)
	viperCfg.SetDefault("one.download", DefaultONEDownload)

	viperCfg.SetDefault("conversion.output_dir", DefaultOutputDir)
	viperCfg.SetDefault("conversion.stub", DefaultStub)
	viperCfg.SetDefault("conversion.stub_samples", DefaultStubSamples)
	viperCfg.SetDefault("conversion.raw_samples", DefaultRawSamples)
	viperCfg.SetDefault("conversion.compression_level", DefaultCompression)
	viperCfg.SetDefault("conversion.chunk_rows", DefaultChunkRows)
	viperCfg.SetDefault("conversion.include_raw_ephys", DefaultIncludeRawEphys)
	viperCfg.SetDefault("conversion.include_video", DefaultIncludeVideo)
	viperCfg.SetDefault("conversion.workers", DefaultWorkers)
	viperCfg.SetDefault("conversion.overwrite", DefaultOverwrite)
	viperCfg.SetDefault("conversion.interfaces", []string{})
	viperCfg.SetDefault("conversion.metadata", "")

	viperCfg.SetDefault("catalog.path", filepath.Join(home, catalogFileName))

	viperCfg.SetDefault("checkpoint.dir", filepath.Join(home, checkpointDir))
	viperCfg.SetDefault("checkpoint.enabled", DefaultCheckpointEnabled)

	viperCfg.SetDefault("logging.level", DefaultLogLevel)
	viperCfg.SetDefault("logging.json", DefaultLogJSON)

	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_headers", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", DefaultOTLPInsecure)
	viperCfg.SetDefault("telemetry.sample_ratio", DefaultSampleRatio)
	viperCfg.SetDefault("telemetry.environment", DefaultEnvironment)
	viperCfg.SetDefault("telemetry.metrics_addr", "")
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Alyx.BaseURL) == "" {
		errs = append(errs, ErrMissingBaseURL)
	}

	if c.Alyx.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidTimeout, c.Alyx.Timeout))
	}

	_, err := c.Alyx.CacheBytes()
	if err != nil {
		errs = append(errs, err)
	}

	if c.Conversion.Workers <= 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Conversion.Workers))
	}

	if c.Conversion.Compression < 0 || c.Conversion.Compression > maxCompression {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidCompression, c.Conversion.Compression))
	}

	if c.Conversion.StubSamples <= 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidStubSamples, c.Conversion.StubSamples))
	}

	if c.Conversion.RawSamples <= 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidRawSamples, c.Conversion.RawSamples))
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("%w: %g", ErrInvalidSampleRatio, c.Telemetry.SampleRatio))
	}

	var level slog.Level
	if level.UnmarshalText([]byte(c.Logging.Level)) != nil {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level))
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// expandPaths resolves a leading ~ in every path setting.
func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.Alyx.RestCacheDir,
		&c.ONE.CacheDir,
		&c.Conversion.OutputDir,
		&c.Conversion.Metadata,
		&c.Catalog.Path,
		&c.Checkpoint.Dir,
	} {
		*p = expandHome(*p)
	}
}

func expandHome(p string) string {
	rest, ok := strings.CutPrefix(p, "~")
	if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}

	return filepath.Join(home, rest)
}

// homeDir is ~/.iblnwb, or .iblnwb in the working directory when the home
// directory is unknown.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return homeDirName
	}

	return filepath.Join(home, homeDirName)
}
