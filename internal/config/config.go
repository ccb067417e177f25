package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	kberrors "github.com/kbe-project/kbe/internal/errors"
)

// Config is the complete configuration for a knowledge base instance. It
// mirrors the key/value table in the external interfaces section: every
// field here is independently settable via YAML. KBE_-prefixed environment
// variables override only the embedder's API key, URL, model and dimension,
// the rerank URL and API key, and the log level (see applyEnvOverrides);
// the other fields have no environment override.
type Config struct {
	RootPath  string `yaml:"root_path" json:"root_path"`
	StorePath string `yaml:"store_path" json:"store_path"`

	Embedder Embedder `yaml:"embedder" json:"embedder"`
	Rerank   Rerank   `yaml:"rerank" json:"rerank"`
	Ingest   Ingest   `yaml:"ingest" json:"ingest"`
	Index    Index    `yaml:"index" json:"index"`
	Ignore   Ignore   `yaml:"ignore" json:"ignore"`
	Tags     Tags     `yaml:"tags" json:"tags"`
	Logging  Logging  `yaml:"logging" json:"logging"`
}

// Embedder configures the embedding service client.
type Embedder struct {
	APIKey     string `yaml:"api_key" json:"api_key"`
	APIURL     string `yaml:"api_url" json:"api_url"`
	Model      string `yaml:"embedding_model" json:"embedding_model"`
	Dimension  int    `yaml:"dimension" json:"dimension"`
	Concurrency int   `yaml:"embed_concurrency" json:"embed_concurrency"`
	MaxItems   int    `yaml:"embed_max_items" json:"embed_max_items"`
	MaxTokens  int    `yaml:"embed_max_tokens" json:"embed_max_tokens"`
}

// Rerank configures the optional cross-encoder reranking service.
type Rerank struct {
	URL                string `yaml:"rerank_url" json:"rerank_url"`
	APIKey             string `yaml:"rerank_api_key" json:"rerank_api_key"`
	Model              string `yaml:"rerank_model" json:"rerank_model"`
	MaxTokensPerBatch  int    `yaml:"rerank_max_tokens_per_batch" json:"rerank_max_tokens_per_batch"`
}

// Ingest configures the ingestion pipeline's batching and startup behavior.
type Ingest struct {
	BatchWindowMS     int  `yaml:"batch_window_ms" json:"batch_window_ms"`
	MaxBatchSize      int  `yaml:"max_batch_size" json:"max_batch_size"`
	FullScanOnStartup bool `yaml:"full_scan_on_startup" json:"full_scan_on_startup"`
}

// Index configures save scheduling for the ANN indices.
type Index struct {
	SaveDelayMS int `yaml:"index_save_delay_ms" json:"index_save_delay_ms"`
}

// Ignore configures the path filters applied during discovery and watching.
type Ignore struct {
	Folders  []string `yaml:"ignore_folders" json:"ignore_folders"`
	Prefixes []string `yaml:"ignore_prefixes" json:"ignore_prefixes"`
	Suffixes []string `yaml:"ignore_suffixes" json:"ignore_suffixes"`
}

// Tags configures tag normalization and fusion expansion.
type Tags struct {
	Blacklist      []string `yaml:"tag_blacklist" json:"tag_blacklist"`
	BlacklistSuper []string `yaml:"tag_blacklist_super" json:"tag_blacklist_super"`
	ExpandMaxCount int      `yaml:"tag_expand_max_count" json:"tag_expand_max_count"`
}

// Logging configures the structured logger.
type Logging struct {
	Level         string `yaml:"level" json:"level"`
	WriteToStderr bool   `yaml:"write_to_stderr" json:"write_to_stderr"`
}

// Default returns a Config with sensible defaults rooted at rootPath/storePath.
// Callers then apply a YAML file and environment overrides on top.
func Default(rootPath, storePath string) *Config {
	return &Config{
		RootPath:  rootPath,
		StorePath: storePath,
		Embedder: Embedder{
			Dimension:   768,
			Concurrency: runtime.NumCPU(),
			MaxItems:    64,
			MaxTokens:   8192,
		},
		Rerank: Rerank{
			MaxTokensPerBatch: 4096,
		},
		Ingest: Ingest{
			BatchWindowMS:     2000,
			MaxBatchSize:      50,
			FullScanOnStartup: true,
		},
		Index: Index{
			SaveDelayMS: 60000,
		},
		Ignore: Ignore{
			Folders:  []string{".git", "node_modules", ".obsidian"},
			Prefixes: []string{"."},
			Suffixes: []string{".tmp", ".swp"},
		},
		Tags: Tags{
			ExpandMaxCount: 30,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads defaults, merges a YAML file at dir/kbe.yaml if present, then
// applies KBE_-prefixed environment overrides, and validates the result.
func Load(rootPath, storePath, dir string) (*Config, error) {
	cfg := Default(rootPath, storePath)

	path := filepath.Join(dir, "kbe.yaml")
	if data, err := os.ReadFile(path); err == nil {
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, kberrors.ConfigError(fmt.Sprintf("parsing %s", path), err)
		}
		cfg.mergeWith(&parsed)
	} else if !os.IsNotExist(err) {
		return nil, kberrors.ConfigError(fmt.Sprintf("reading %s", path), err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeWith(other *Config) {
	if other.RootPath != "" {
		c.RootPath = other.RootPath
	}
	if other.StorePath != "" {
		c.StorePath = other.StorePath
	}
	if other.Embedder.APIKey != "" {
		c.Embedder.APIKey = other.Embedder.APIKey
	}
	if other.Embedder.APIURL != "" {
		c.Embedder.APIURL = other.Embedder.APIURL
	}
	if other.Embedder.Model != "" {
		c.Embedder.Model = other.Embedder.Model
	}
	if other.Embedder.Dimension != 0 {
		c.Embedder.Dimension = other.Embedder.Dimension
	}
	if other.Embedder.Concurrency != 0 {
		c.Embedder.Concurrency = other.Embedder.Concurrency
	}
	if other.Embedder.MaxItems != 0 {
		c.Embedder.MaxItems = other.Embedder.MaxItems
	}
	if other.Embedder.MaxTokens != 0 {
		c.Embedder.MaxTokens = other.Embedder.MaxTokens
	}
	if other.Rerank.URL != "" {
		c.Rerank.URL = other.Rerank.URL
	}
	if other.Rerank.APIKey != "" {
		c.Rerank.APIKey = other.Rerank.APIKey
	}
	if other.Rerank.Model != "" {
		c.Rerank.Model = other.Rerank.Model
	}
	if other.Rerank.MaxTokensPerBatch != 0 {
		c.Rerank.MaxTokensPerBatch = other.Rerank.MaxTokensPerBatch
	}
	if other.Ingest.BatchWindowMS != 0 {
		c.Ingest.BatchWindowMS = other.Ingest.BatchWindowMS
	}
	if other.Ingest.MaxBatchSize != 0 {
		c.Ingest.MaxBatchSize = other.Ingest.MaxBatchSize
	}
	c.Ingest.FullScanOnStartup = other.Ingest.FullScanOnStartup
	if other.Index.SaveDelayMS != 0 {
		c.Index.SaveDelayMS = other.Index.SaveDelayMS
	}
	if len(other.Ignore.Folders) > 0 {
		c.Ignore.Folders = other.Ignore.Folders
	}
	if len(other.Ignore.Prefixes) > 0 {
		c.Ignore.Prefixes = other.Ignore.Prefixes
	}
	if len(other.Ignore.Suffixes) > 0 {
		c.Ignore.Suffixes = other.Ignore.Suffixes
	}
	if len(other.Tags.Blacklist) > 0 {
		c.Tags.Blacklist = other.Tags.Blacklist
	}
	if len(other.Tags.BlacklistSuper) > 0 {
		c.Tags.BlacklistSuper = other.Tags.BlacklistSuper
	}
	if other.Tags.ExpandMaxCount != 0 {
		c.Tags.ExpandMaxCount = other.Tags.ExpandMaxCount
	}
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	c.Logging.WriteToStderr = other.Logging.WriteToStderr
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KBE_API_KEY"); v != "" {
		c.Embedder.APIKey = v
	}
	if v := os.Getenv("KBE_API_URL"); v != "" {
		c.Embedder.APIURL = v
	}
	if v := os.Getenv("KBE_EMBEDDING_MODEL"); v != "" {
		c.Embedder.Model = v
	}
	if v := os.Getenv("KBE_DIMENSION"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			c.Embedder.Dimension = d
		}
	}
	if v := os.Getenv("KBE_RERANK_URL"); v != "" {
		c.Rerank.URL = v
	}
	if v := os.Getenv("KBE_RERANK_API_KEY"); v != "" {
		c.Rerank.APIKey = v
	}
	if v := os.Getenv("KBE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for required fields and consistency,
// returning a Configuration-kind error on the first problem found.
func (c *Config) Validate() error {
	if c.RootPath == "" {
		return kberrors.New(kberrors.CodeConfigMissingField, "root_path is required", nil)
	}
	if c.StorePath == "" {
		return kberrors.New(kberrors.CodeConfigMissingField, "store_path is required", nil)
	}
	if c.Embedder.APIURL == "" {
		return kberrors.New(kberrors.CodeConfigMissingField, "embedder.api_url is required", nil)
	}
	if c.Embedder.Model == "" {
		return kberrors.New(kberrors.CodeConfigMissingField, "embedder.embedding_model is required", nil)
	}
	if c.Embedder.Dimension <= 0 {
		return kberrors.New(kberrors.CodeConfigInvalidValue,
			fmt.Sprintf("dimension must be positive, got %d", c.Embedder.Dimension), nil)
	}
	if c.Ingest.BatchWindowMS <= 0 {
		return kberrors.New(kberrors.CodeConfigInvalidValue, "batch_window_ms must be positive", nil)
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return kberrors.New(kberrors.CodeConfigInvalidValue, "max_batch_size must be positive", nil)
	}
	if c.Tags.ExpandMaxCount < 0 {
		return kberrors.New(kberrors.CodeConfigInvalidValue, "tag_expand_max_count must be non-negative", nil)
	}
	if strings.ToLower(c.Logging.Level) != "" {
		valid := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !valid[strings.ToLower(c.Logging.Level)] {
			return kberrors.New(kberrors.CodeConfigInvalidValue,
				fmt.Sprintf("logging.level must be debug/info/warn/error, got %q", c.Logging.Level), nil)
		}
	}
	return nil
}

// WriteYAML writes the configuration to path, for operators bootstrapping a
// kbe.yaml from a running instance's effective config.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return kberrors.Wrap(kberrors.CodeConfigInvalidValue, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return kberrors.Wrap(kberrors.CodeConfigInvalidValue, err)
	}
	return nil
}
