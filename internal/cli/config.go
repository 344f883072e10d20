package cli

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath  = "configs/default.yaml"
	defaultExtractor   = "streaming_extractor_music"
	defaultHost        = "acousticbrainz.org"
	defaultFeaturesDir = "features"
	defaultMetricsPort = 9090
	defaultPacing      = time.Second
	defaultTimeout     = 30 * time.Second
	progressLines      = "lines"
	progressBar        = "bar"
	defaultQueueSize   = 256
)

// Config represents the complete configuration file.
// Maps config file fields through YAML tags.
type Config struct {
	Pipeline struct {
		Workers         int    `yaml:"workers"`
		QueueSize       int    `yaml:"queue_size"`
		Offline         bool   `yaml:"offline"`
		ReprocessFailed bool   `yaml:"reprocess_failed"`
		FeaturesDir     string `yaml:"features_dir"`
		Progress        string `yaml:"progress"`
	} `yaml:"pipeline"`

	Extractor struct {
		Path string `yaml:"path"`
	} `yaml:"extractor"`

	Catalog struct {
		Host           string        `yaml:"host"`
		Scheme         string        `yaml:"scheme"`
		PacingInterval time.Duration `yaml:"pacing_interval"`
		Timeout        time.Duration `yaml:"timeout"`
	} `yaml:"catalog"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// defaultWorkers leaves one CPU for the aggregator and the rest of the system.
func defaultWorkers() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// defaultConfig 所有欄位的預設值
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Pipeline.Workers = defaultWorkers()
	cfg.Pipeline.QueueSize = defaultQueueSize
	cfg.Pipeline.FeaturesDir = defaultFeaturesDir
	cfg.Pipeline.Progress = progressLines
	cfg.Extractor.Path = defaultExtractor
	cfg.Catalog.Host = defaultHost
	cfg.Catalog.Scheme = "https"
	cfg.Catalog.PacingInterval = defaultPacing
	cfg.Catalog.Timeout = defaultTimeout
	cfg.Metrics.Port = defaultMetricsPort
	return cfg
}

// loadConfig 讀取 YAML 設定檔，未設定的欄位保留預設值
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigOrDefault 預設路徑不存在時使用預設值；明確指定的檔案必須存在
func loadConfigOrDefault(path string, explicit bool) (*Config, error) {
	cfg, err := loadConfig(path)
	if err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) validate() error {
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("invalid config: pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	switch c.Pipeline.Progress {
	case progressLines, progressBar:
	default:
		return fmt.Errorf("invalid config: pipeline.progress must be %q or %q, got %q",
			progressLines, progressBar, c.Pipeline.Progress)
	}
	if c.Catalog.PacingInterval < 0 {
		return fmt.Errorf("invalid config: catalog.pacing_interval must not be negative")
	}
	if c.Pipeline.FeaturesDir == "" {
		return fmt.Errorf("invalid config: pipeline.features_dir is required")
	}
	return nil
}

// parseDuration accepts Go durations ("1500ms", "2s") and bare seconds ("2").
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	var seconds float64
	if _, err := fmt.Sscanf(s, "%g", &seconds); err != nil {
		return 0, fmt.Errorf("not a duration: %q", s)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
