// Package config loads the gpm service configuration.
//
// Values are layered: built-in defaults, then the TOML file at
// <user-config>/gpm/config.toml (optional), then environment variables
// prefixed GPM_ with "_" as the section separator
// (e.g. GPM_SERVICE_POLL_INTERVAL_SECS=5).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/gpm-project/gpm/pkg/errdefs"
)

const (
	DefaultPollIntervalSecs = 2
	DefaultRetentionDays    = 7
	DefaultOllamaPort       = 11434
	DefaultOllamaURL        = "http://localhost:11434"
	DefaultMetricsPort      = 9090
	DefaultAPIPort          = 8010
	DefaultOTLPEndpoint     = "http://localhost:4317"
)

type Config struct {
	Service   Service   `mapstructure:"service"`
	GPU       GPU       `mapstructure:"gpu"`
	Ollama    Ollama    `mapstructure:"ollama"`
	Storage   Storage   `mapstructure:"storage"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	Alerts    Alerts    `mapstructure:"alerts"`
}

type Service struct {
	PollIntervalSecs uint64 `mapstructure:"poll_interval_secs"`
	DataDir          string `mapstructure:"data_dir"`
}

type GPU struct {
	EnableNVML          bool `mapstructure:"enable_nvml"`
	FallbackToNvidiaSMI bool `mapstructure:"fallback_to_nvidia_smi"`
}

type Ollama struct {
	Enabled bool   `mapstructure:"enabled"`
	APIPort uint16 `mapstructure:"api_port"`
	APIURL  string `mapstructure:"api_url"`

	// ProxyPort is where the interposing proxy listens. It must differ
	// from the upstream port in APIURL.
	ProxyPort uint16 `mapstructure:"proxy_port"`
}

type Storage struct {
	RetentionDays         uint32 `mapstructure:"retention_days"`
	EnableParquetArchival bool   `mapstructure:"enable_parquet_archival"`
	ArchiveDir            string `mapstructure:"archive_dir"`
}

type Telemetry struct {
	EnableOpenTelemetry bool   `mapstructure:"enable_opentelemetry"`
	OTLPEndpoint        string `mapstructure:"otlp_endpoint"`
	EnablePrometheus    bool   `mapstructure:"enable_prometheus"`
	MetricsPort         uint16 `mapstructure:"metrics_port"`
}

type Alerts struct {
	TempThresholdCelsius   float64 `mapstructure:"temp_threshold_celsius"`
	MemoryThresholdPercent float64 `mapstructure:"memory_threshold_percent"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Service: Service{
			PollIntervalSecs: DefaultPollIntervalSecs,
			DataDir:          defaultDataDir(),
		},
		GPU: GPU{
			EnableNVML:          true,
			FallbackToNvidiaSMI: false,
		},
		Ollama: Ollama{
			Enabled:   true,
			APIPort:   DefaultOllamaPort,
			APIURL:    DefaultOllamaURL,
			ProxyPort: 11435,
		},
		Storage: Storage{
			RetentionDays:         DefaultRetentionDays,
			EnableParquetArchival: true,
			ArchiveDir:            filepath.Join(defaultDataDir(), "archive"),
		},
		Telemetry: Telemetry{
			EnableOpenTelemetry: true,
			OTLPEndpoint:        DefaultOTLPEndpoint,
			EnablePrometheus:    true,
			MetricsPort:         DefaultMetricsPort,
		},
		Alerts: Alerts{
			TempThresholdCelsius:   85.0,
			MemoryThresholdPercent: 90.0,
		},
	}
}

// Load reads the layered configuration. A missing config file is not
// an error; a malformed one is.
func Load() (Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads the layered configuration from an explicit file path.
func LoadFrom(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	setDefaults(v, Default())

	v.SetEnvPrefix("GPM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: read %s: %v", errdefs.ErrConfig, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", errdefs.ErrConfig, err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("service.poll_interval_secs", d.Service.PollIntervalSecs)
	v.SetDefault("service.data_dir", d.Service.DataDir)
	v.SetDefault("gpu.enable_nvml", d.GPU.EnableNVML)
	v.SetDefault("gpu.fallback_to_nvidia_smi", d.GPU.FallbackToNvidiaSMI)
	v.SetDefault("ollama.enabled", d.Ollama.Enabled)
	v.SetDefault("ollama.api_port", d.Ollama.APIPort)
	v.SetDefault("ollama.api_url", d.Ollama.APIURL)
	v.SetDefault("ollama.proxy_port", d.Ollama.ProxyPort)
	v.SetDefault("storage.retention_days", d.Storage.RetentionDays)
	v.SetDefault("storage.enable_parquet_archival", d.Storage.EnableParquetArchival)
	v.SetDefault("storage.archive_dir", d.Storage.ArchiveDir)
	v.SetDefault("telemetry.enable_opentelemetry", d.Telemetry.EnableOpenTelemetry)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.enable_prometheus", d.Telemetry.EnablePrometheus)
	v.SetDefault("telemetry.metrics_port", d.Telemetry.MetricsPort)
	v.SetDefault("alerts.temp_threshold_celsius", d.Alerts.TempThresholdCelsius)
	v.SetDefault("alerts.memory_threshold_percent", d.Alerts.MemoryThresholdPercent)
}

// Path returns the config file location under the user config dir.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "gpm", "config.toml")
}

// DataDir resolves the data directory, honoring relative overrides.
func (c Config) DataDir() string {
	if c.Service.DataDir != "" && filepath.IsAbs(c.Service.DataDir) {
		return c.Service.DataDir
	}
	return defaultDataDir()
}

// DatabasePath returns the SQLite file location.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir(), "gpm.db")
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "gpm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "gpm")
	}
	return filepath.Join(home, ".local", "share", "gpm")
}
