// Package config provides configuration loading and structs for the kagami server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DataDirEnv overrides storage.root_dir when set.
const DataDirEnv = "KAGAMI_DATA_DIR"

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds the data root and the stage directories and files under it.
// Empty paths are derived from RootDir.
type StorageConfig struct {
	RootDir       string `yaml:"root_dir"`
	DropDir       string `yaml:"drop_dir"`
	WorkingDir    string `yaml:"working_dir"`
	VideoDir      string `yaml:"video_dir"`
	QuarantineDir string `yaml:"quarantine_dir"`
	IndexPath     string `yaml:"index_path"`
	MetadataPath  string `yaml:"metadata_path"`
	JournalPath   string `yaml:"journal_path"`
}

// EmbeddingConfig holds frame sampling and model settings.
type EmbeddingConfig struct {
	Backend    string  `yaml:"backend"`
	ModelPath  string  `yaml:"model_path"`
	Dimensions int     `yaml:"dimensions"`
	StartTime  float64 `yaml:"start_time"`
	EndTime    float64 `yaml:"end_time"`
	SampleRate float64 `yaml:"sample_rate"`
	VerifyRate float64 `yaml:"verify_rate"`
	FrameSize  int     `yaml:"frame_size"`
	FFmpegPath string  `yaml:"ffmpeg_path"`
	CacheSize  int     `yaml:"cache_size"`
}

// SearchConfig holds result count settings.
type SearchConfig struct {
	DefaultK int `yaml:"default_k"`
	MaxK     int `yaml:"max_k"`
}

// IngestConfig holds ingestion loop settings.
type IngestConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Workers          int           `yaml:"workers"`
	Extensions       []string      `yaml:"extensions"`
	ExtractTimeout   time.Duration `yaml:"extract_timeout"`
	WatchDrop        *bool         `yaml:"watch_drop"`
	QuarantineFailed bool          `yaml:"quarantine_failed"`
}

// WatchDropOrDefault returns whether to watch the drop directory; defaults to true when unset.
func (c *IngestConfig) WatchDropOrDefault() bool {
	if c.WatchDrop != nil {
		return *c.WatchDrop
	}
	return true
}

// Load reads and parses the config file at path, applies the data dir
// environment override, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(&cfg)

	configDir := filepath.Dir(path)
	s := &cfg.Storage
	for _, p := range []*string{
		&s.RootDir, &s.DropDir, &s.WorkingDir, &s.VideoDir, &s.QuarantineDir,
		&s.IndexPath, &s.MetadataPath, &s.JournalPath, &cfg.Embedding.ModelPath,
	} {
		if *p != "" {
			*p = expandPath(*p, configDir)
		}
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the default configuration with the data dir environment override applied.
func Default() *Config {
	var cfg Config
	applyEnv(&cfg)
	if cfg.Storage.RootDir != "" {
		if abs, err := filepath.Abs(cfg.Storage.RootDir); err == nil {
			cfg.Storage.RootDir = abs
		}
	}
	ApplyDefaults(&cfg)
	return &cfg
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// EnsureDirs creates the stage directories and the parents of the store files.
func (c *Config) EnsureDirs() error {
	s := c.Storage
	dirs := []string{
		s.DropDir, s.WorkingDir, s.VideoDir, s.QuarantineDir,
		filepath.Dir(s.IndexPath), filepath.Dir(s.MetadataPath), filepath.Dir(s.JournalPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if dir := strings.TrimSpace(os.Getenv(DataDirEnv)); dir != "" {
		cfg.Storage.RootDir = dir
	}
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
