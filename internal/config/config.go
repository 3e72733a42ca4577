package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from a YAML string
// ("5s", "250ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Transfer TransferConfig `yaml:"transfer"`
	Demo     DemoConfig     `yaml:"demo"`
}

// StorageConfig holds durable store settings
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// TransferConfig tunes the transfer engine
type TransferConfig struct {
	PageSize            int      `yaml:"page_size"`
	MaxConcurrentChunks int      `yaml:"max_concurrent_chunks"`
	MaxRetries          int      `yaml:"max_retries"`
	RetryDelay          Duration `yaml:"retry_delay"`
	RequestTimeout      Duration `yaml:"request_timeout"`
	StallCheckInterval  Duration `yaml:"stall_check_interval"`
}

// DemoConfig holds settings for the built-in demo endpoints
type DemoConfig struct {
	SourceListen    string `yaml:"source_listen"`
	CollectorListen string `yaml:"collector_listen"`
	SourceItems     int    `yaml:"source_items"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath: "pageferry.db",
		},
		Transfer: TransferConfig{
			PageSize:            100,
			MaxConcurrentChunks: 3,
			MaxRetries:          3,
			RetryDelay:          Duration(time.Second),
			RequestTimeout:      Duration(30 * time.Second),
			StallCheckInterval:  Duration(10 * time.Second),
		},
		Demo: DemoConfig{
			SourceListen:    "127.0.0.1:9180",
			CollectorListen: "127.0.0.1:9181",
			SourceItems:     250,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the config for nonsensical values
func (c *Config) Validate() error {
	if c.Transfer.PageSize <= 0 {
		return fmt.Errorf("transfer.page_size must be positive, got %d", c.Transfer.PageSize)
	}
	if c.Transfer.MaxConcurrentChunks <= 0 {
		return fmt.Errorf("transfer.max_concurrent_chunks must be positive, got %d", c.Transfer.MaxConcurrentChunks)
	}
	if c.Transfer.MaxRetries <= 0 {
		return fmt.Errorf("transfer.max_retries must be positive, got %d", c.Transfer.MaxRetries)
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"pageferry.yaml",
		"/etc/pageferry/pageferry.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "pageferry", "pageferry.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}
