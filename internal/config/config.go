// Package config loads ragd configuration from YAML with environment
// overrides. Precedence: defaults, then the config file, then RAGD_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	ragerr "github.com/velumlabs/ragd/internal/errors"
)

// DefaultFileName is the config file looked up inside the data dir.
const DefaultFileName = "ragd.yaml"

// Config is the full ragd configuration tree.
type Config struct {
	// DataDir holds the database, lock file and inbox.
	DataDir string `yaml:"data_dir"`

	// Storage selects the persistence backend: "sqlite" or "memory".
	Storage string `yaml:"storage"`

	LogLevel string `yaml:"log_level"`

	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Indexing  IndexingConfig  `yaml:"indexing"`
	Search    SearchConfig    `yaml:"search"`
	Watcher   WatcherConfig   `yaml:"watcher"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	// Provider is "ollama" or "static".
	Provider string `yaml:"provider"`

	// Host is the Ollama base URL.
	Host string `yaml:"host"`

	// Model is the Ollama embedding model name.
	Model string `yaml:"model"`

	// Dimensions is the vector size. Zero lets Ollama auto-detect; the
	// static provider requires a positive value.
	Dimensions int `yaml:"dimensions"`

	// CacheSize is the embedding LRU capacity.
	CacheSize int `yaml:"cache_size"`

	Timeout time.Duration `yaml:"timeout"`
}

// ChunkingConfig tunes document splitting.
type ChunkingConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	Overlap   int `yaml:"overlap"`
}

// IndexingConfig tunes the queue and background scheduler.
type IndexingConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	ScanInterval  time.Duration `yaml:"scan_interval"`
	BatchSize     int           `yaml:"batch_size"`
	DocTimeout    time.Duration `yaml:"doc_timeout"`
}

// SearchConfig tunes query answering.
type SearchConfig struct {
	Limit     int     `yaml:"limit"`
	Threshold float64 `yaml:"threshold"`

	// UseANN enables the approximate vector index.
	UseANN bool `yaml:"use_ann"`
}

// WatcherConfig tunes inbox directory ingestion.
type WatcherConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir is the watched directory. Defaults to <data_dir>/inbox.
	Dir string `yaml:"dir"`

	Debounce time.Duration `yaml:"debounce"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:  defaultDataDir(),
		Storage:  "sqlite",
		LogLevel: "info",
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Host:      "http://localhost:11434",
			Model:     "nomic-embed-text",
			CacheSize: 512,
			Timeout:   30 * time.Second,
		},
		Chunking: ChunkingConfig{
			ChunkSize: 500,
			Overlap:   50,
		},
		Indexing: IndexingConfig{
			QueueCapacity: 10,
			ScanInterval:  5 * time.Second,
			BatchSize:     5,
			DocTimeout:    15 * time.Second,
		},
		Search: SearchConfig{
			Limit:     5,
			Threshold: 0.25,
		},
		Watcher: WatcherConfig{
			Debounce: 500 * time.Millisecond,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragd"
	}
	return filepath.Join(home, ".ragd")
}

// Load reads configuration from path, layering it over the defaults and
// applying environment overrides. An empty path loads DefaultFileName
// from the default data dir; a missing file there is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.DataDir, DefaultFileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, ragerr.New(ragerr.ErrCodeConfigInvalid, "parse "+path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Optional default file.
	default:
		return cfg, ragerr.New(ragerr.ErrCodeConfigNotFound, "read "+path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from RAGD_* environment variables.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("RAGD_DATA_DIR", &cfg.DataDir)
	setString("RAGD_STORAGE", &cfg.Storage)
	setString("RAGD_LOG_LEVEL", &cfg.LogLevel)
	setString("RAGD_EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	setString("RAGD_OLLAMA_HOST", &cfg.Embedding.Host)
	setString("RAGD_OLLAMA_MODEL", &cfg.Embedding.Model)

	if v := os.Getenv("RAGD_EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("RAGD_USE_ANN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Search.UseANN = b
		}
	}
	if v := os.Getenv("RAGD_WATCHER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Watcher.Enabled = b
		}
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Storage {
	case "sqlite", "memory":
	default:
		return ragerr.New(ragerr.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown storage backend %q", c.Storage), nil)
	}

	switch c.Embedding.Provider {
	case "ollama":
	case "static":
		if c.Embedding.Dimensions <= 0 {
			return ragerr.New(ragerr.ErrCodeConfigInvalid,
				"static embedding provider requires positive dimensions", nil)
		}
	default:
		return ragerr.New(ragerr.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown embedding provider %q", c.Embedding.Provider), nil)
	}

	if c.Chunking.ChunkSize < 0 || c.Chunking.Overlap < 0 {
		return ragerr.New(ragerr.ErrCodeConfigInvalid,
			"chunk size and overlap must not be negative", nil)
	}
	if c.Search.Limit < 0 {
		return ragerr.New(ragerr.ErrCodeConfigInvalid,
			"search limit must not be negative", nil)
	}
	if c.DataDir == "" {
		return ragerr.New(ragerr.ErrCodeConfigInvalid, "data_dir must be set", nil)
	}
	return nil
}

// InboxDir returns the effective watcher directory.
func (c *Config) InboxDir() string {
	if c.Watcher.Dir != "" {
		return c.Watcher.Dir
	}
	return filepath.Join(c.DataDir, "inbox")
}
