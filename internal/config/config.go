// Package config loads uciagent settings from YAML files and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectConfigName is the per-directory configuration file.
const ProjectConfigName = ".uciagent.yaml"

// Config is the complete uciagent configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	DataDir    string           `yaml:"data_dir" json:"data_dir"`
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Index      IndexConfig      `yaml:"index" json:"index"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	Annotator  AnnotatorConfig  `yaml:"annotator" json:"annotator"`
	Source     SourceConfig     `yaml:"source" json:"source"`
	Sync       SyncConfig       `yaml:"sync" json:"sync"`
	Watch      WatchConfig      `yaml:"watch" json:"watch"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
}

// ChunkingConfig configures how exported UCI text is split.
type ChunkingConfig struct {
	// MaxChunkSize is the byte budget for a chunk body.
	MaxChunkSize int `yaml:"max_chunk_size" json:"max_chunk_size"`
	// Overlap is the number of trailing lines repeated at the head of the next chunk.
	Overlap       int    `yaml:"overlap" json:"overlap"`
	ModulePattern string `yaml:"module_pattern" json:"module_pattern"`
	UnitPattern   string `yaml:"unit_pattern" json:"unit_pattern"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "static" (offline hashing).
	Provider  string `yaml:"provider" json:"provider"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	Model     string `yaml:"model" json:"model"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
	// Dimension is fixed for the lifetime of an index.
	Dimension int    `yaml:"embedding_dimension" json:"embedding_dimension"`
	CacheSize int    `yaml:"cache_size" json:"cache_size"`
	Timeout   string `yaml:"timeout" json:"timeout"`
}

// IndexConfig configures the HNSW graph.
type IndexConfig struct {
	Metric   string `yaml:"metric" json:"metric"`
	M        int    `yaml:"m" json:"m"`
	EfSearch int    `yaml:"ef_search" json:"ef_search"`
}

// RetrievalConfig configures query-time behavior.
type RetrievalConfig struct {
	TopKDefault int `yaml:"top_k_default" json:"top_k_default"`
	// MinScore drops results scoring below it. 0 disables the cutoff.
	MinScore float64 `yaml:"min_score" json:"min_score"`
}

// AnnotatorConfig configures chunk summarization.
type AnnotatorConfig struct {
	// Provider is "openai" or "none". With "none" every chunk gets the fallback annotation.
	Provider       string `yaml:"provider" json:"provider"`
	BaseURL        string `yaml:"base_url" json:"base_url"`
	Model          string `yaml:"model" json:"model"`
	APIKeyEnv      string `yaml:"api_key_env" json:"api_key_env"`
	Timeout        string `yaml:"timeout" json:"timeout"`
	WorkerPoolSize int    `yaml:"worker_pool_size" json:"worker_pool_size"`
}

// SourceConfig configures where UCI exports come from.
type SourceConfig struct {
	// Kind is "ssh" (live device) or "dir" (one exported file per package).
	Kind                  string `yaml:"kind" json:"kind"`
	Host                  string `yaml:"host" json:"host"`
	Port                  int    `yaml:"port" json:"port"`
	User                  string `yaml:"user" json:"user"`
	KeyFile               string `yaml:"key_file" json:"key_file"`
	PasswordEnv           string `yaml:"password_env" json:"password_env"`
	KnownHosts            string `yaml:"known_hosts" json:"known_hosts"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key" json:"insecure_ignore_host_key"`
	Dir                   string `yaml:"dir" json:"dir"`
	Timeout               string `yaml:"timeout" json:"timeout"`
}

// SyncConfig configures persistence and locking during a sync.
type SyncConfig struct {
	PersistRetries    int    `yaml:"persist_retries" json:"persist_retries"`
	PersistRetryDelay string `yaml:"persist_retry_delay" json:"persist_retry_delay"`
	LockTimeout       string `yaml:"lock_timeout" json:"lock_timeout"`
}

// WatchConfig configures the export directory watcher.
type WatchConfig struct {
	Debounce string `yaml:"debounce" json:"debounce"`
}

// LoggingConfig configures the file logger.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// NewConfig creates a Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: "data",
		Chunking: ChunkingConfig{
			MaxChunkSize:  500,
			Overlap:       20,
			ModulePattern: `^package\s+(\S+)`,
			UnitPattern:   `^config\s+(\S+)(\s+'?([^'\s]+)'?)?`,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "openai",
			BaseURL:   "http://localhost:11434/v1",
			Model:     "bge-m3",
			APIKeyEnv: "OPENAI_API_KEY",
			Dimension: 1024,
			CacheSize: 1000,
			Timeout:   "30s",
		},
		Index: IndexConfig{
			Metric:   "cos",
			M:        32,
			EfSearch: 64,
		},
		Retrieval: RetrievalConfig{
			TopKDefault: 2,
		},
		Annotator: AnnotatorConfig{
			Provider:       "openai",
			BaseURL:        "http://localhost:11434/v1",
			Model:          "qwen2.5-coder:7b",
			APIKeyEnv:      "OPENAI_API_KEY",
			Timeout:        "30s",
			WorkerPoolSize: runtime.NumCPU(),
		},
		Source: SourceConfig{
			Kind:        "ssh",
			Host:        "192.168.1.1",
			Port:        22,
			User:        "root",
			KeyFile:     "~/.ssh/id_rsa",
			PasswordEnv: "UCIAGENT_SSH_PASSWORD",
			KnownHosts:  "~/.ssh/known_hosts",
			Dir:         "exports",
			Timeout:     "30s",
		},
		Sync: SyncConfig{
			PersistRetries:    3,
			PersistRetryDelay: "200ms",
			LockTimeout:       "30s",
		},
		Watch: WatchConfig{
			Debounce: "500ms",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// GetUserConfigPath returns the user-level config file:
// $XDG_CONFIG_HOME/uciagent/config.yaml or ~/.config/uciagent/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "uciagent", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "uciagent", "config.yaml")
	}
	return filepath.Join(home, ".config", "uciagent", "config.yaml")
}

// Load loads configuration for the given working directory, in order of
// increasing precedence:
//  1. Hardcoded defaults
//  2. User config (~/.config/uciagent/config.yaml)
//  3. Project config (.uciagent.yaml in dir)
//  4. Environment variables (UCIAGENT_*)
//
// A relative data_dir is resolved against dir.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if projectPath := filepath.Join(dir, ProjectConfigName); fileExists(projectPath) {
		if err := cfg.loadYAML(projectPath); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.DataDir = resolvePath(dir, cfg.DataDir)
	cfg.Source.Dir = resolvePath(dir, cfg.Source.Dir)
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	mergeString(&c.DataDir, other.DataDir)

	mergeInt(&c.Chunking.MaxChunkSize, other.Chunking.MaxChunkSize)
	mergeInt(&c.Chunking.Overlap, other.Chunking.Overlap)
	mergeString(&c.Chunking.ModulePattern, other.Chunking.ModulePattern)
	mergeString(&c.Chunking.UnitPattern, other.Chunking.UnitPattern)

	mergeString(&c.Embeddings.Provider, other.Embeddings.Provider)
	mergeString(&c.Embeddings.BaseURL, other.Embeddings.BaseURL)
	mergeString(&c.Embeddings.Model, other.Embeddings.Model)
	mergeString(&c.Embeddings.APIKeyEnv, other.Embeddings.APIKeyEnv)
	mergeInt(&c.Embeddings.Dimension, other.Embeddings.Dimension)
	mergeInt(&c.Embeddings.CacheSize, other.Embeddings.CacheSize)
	mergeString(&c.Embeddings.Timeout, other.Embeddings.Timeout)

	mergeString(&c.Index.Metric, other.Index.Metric)
	mergeInt(&c.Index.M, other.Index.M)
	mergeInt(&c.Index.EfSearch, other.Index.EfSearch)

	mergeInt(&c.Retrieval.TopKDefault, other.Retrieval.TopKDefault)
	if other.Retrieval.MinScore != 0 {
		c.Retrieval.MinScore = other.Retrieval.MinScore
	}

	mergeString(&c.Annotator.Provider, other.Annotator.Provider)
	mergeString(&c.Annotator.BaseURL, other.Annotator.BaseURL)
	mergeString(&c.Annotator.Model, other.Annotator.Model)
	mergeString(&c.Annotator.APIKeyEnv, other.Annotator.APIKeyEnv)
	mergeString(&c.Annotator.Timeout, other.Annotator.Timeout)
	mergeInt(&c.Annotator.WorkerPoolSize, other.Annotator.WorkerPoolSize)

	mergeString(&c.Source.Kind, other.Source.Kind)
	mergeString(&c.Source.Host, other.Source.Host)
	mergeInt(&c.Source.Port, other.Source.Port)
	mergeString(&c.Source.User, other.Source.User)
	mergeString(&c.Source.KeyFile, other.Source.KeyFile)
	mergeString(&c.Source.PasswordEnv, other.Source.PasswordEnv)
	mergeString(&c.Source.KnownHosts, other.Source.KnownHosts)
	// only an explicit opt-in can disable host key checking
	if other.Source.InsecureIgnoreHostKey {
		c.Source.InsecureIgnoreHostKey = true
	}
	mergeString(&c.Source.Dir, other.Source.Dir)
	mergeString(&c.Source.Timeout, other.Source.Timeout)

	mergeInt(&c.Sync.PersistRetries, other.Sync.PersistRetries)
	mergeString(&c.Sync.PersistRetryDelay, other.Sync.PersistRetryDelay)
	mergeString(&c.Sync.LockTimeout, other.Sync.LockTimeout)

	mergeString(&c.Watch.Debounce, other.Watch.Debounce)

	mergeString(&c.Logging.Level, other.Logging.Level)
	mergeString(&c.Logging.File, other.Logging.File)
	mergeInt(&c.Logging.MaxSizeMB, other.Logging.MaxSizeMB)
	mergeInt(&c.Logging.MaxFiles, other.Logging.MaxFiles)

	mergeString(&c.Metrics.Addr, other.Metrics.Addr)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies UCIAGENT_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("UCIAGENT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("UCIAGENT_MAX_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Chunking.MaxChunkSize = n
		}
	}
	if v := os.Getenv("UCIAGENT_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Chunking.Overlap = n
		}
	}
	if v := os.Getenv("UCIAGENT_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("UCIAGENT_EMBEDDINGS_BASE_URL"); v != "" {
		c.Embeddings.BaseURL = v
	}
	if v := os.Getenv("UCIAGENT_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("UCIAGENT_ANNOTATOR_PROVIDER"); v != "" {
		c.Annotator.Provider = v
	}
	if v := os.Getenv("UCIAGENT_ANNOTATOR_MODEL"); v != "" {
		c.Annotator.Model = v
	}
	if v := os.Getenv("UCIAGENT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Annotator.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("UCIAGENT_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retrieval.TopKDefault = n
		}
	}
	if v := os.Getenv("UCIAGENT_MIN_SCORE"); v != "" {
		if f, err := parseFloat64(v); err == nil && f >= 0 && f <= 1 {
			c.Retrieval.MinScore = f
		}
	}
	if v := os.Getenv("UCIAGENT_SOURCE_KIND"); v != "" {
		c.Source.Kind = v
	}
	if v := os.Getenv("UCIAGENT_SOURCE_HOST"); v != "" {
		c.Source.Host = v
	}
	if v := os.Getenv("UCIAGENT_SOURCE_DIR"); v != "" {
		c.Source.Dir = v
	}
	if v := os.Getenv("UCIAGENT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("UCIAGENT_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

func parseFloat64(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// Validate returns an error describing the first invalid setting.
func (c *Config) Validate() error {
	if c.Chunking.MaxChunkSize <= 0 {
		return fmt.Errorf("chunking.max_chunk_size must be positive, got %d", c.Chunking.MaxChunkSize)
	}
	if c.Chunking.Overlap < 0 {
		return fmt.Errorf("chunking.overlap must be non-negative, got %d", c.Chunking.Overlap)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings.embedding_dimension must be positive, got %d", c.Embeddings.Dimension)
	}
	if c.Retrieval.TopKDefault <= 0 {
		return fmt.Errorf("retrieval.top_k_default must be positive, got %d", c.Retrieval.TopKDefault)
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		return fmt.Errorf("retrieval.min_score must be between 0 and 1, got %f", c.Retrieval.MinScore)
	}
	if c.Annotator.WorkerPoolSize <= 0 {
		return fmt.Errorf("annotator.worker_pool_size must be positive, got %d", c.Annotator.WorkerPoolSize)
	}
	if c.Sync.PersistRetries < 0 {
		return fmt.Errorf("sync.persist_retries must be non-negative, got %d", c.Sync.PersistRetries)
	}

	if err := oneOf("embeddings.provider", c.Embeddings.Provider, "openai", "static"); err != nil {
		return err
	}
	if err := oneOf("annotator.provider", c.Annotator.Provider, "openai", "none"); err != nil {
		return err
	}
	if err := oneOf("index.metric", c.Index.Metric, "cos", "l2"); err != nil {
		return err
	}
	if err := oneOf("source.kind", c.Source.Kind, "ssh", "dir"); err != nil {
		return err
	}
	if err := oneOf("logging.level", c.Logging.Level, "debug", "info", "warn", "error"); err != nil {
		return err
	}

	for name, v := range map[string]string{
		"embeddings.timeout":       c.Embeddings.Timeout,
		"annotator.timeout":        c.Annotator.Timeout,
		"source.timeout":           c.Source.Timeout,
		"sync.persist_retry_delay": c.Sync.PersistRetryDelay,
		"sync.lock_timeout":        c.Sync.LockTimeout,
		"watch.debounce":           c.Watch.Debounce,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}

	return nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), value)
}

// Duration parses s, returning def when s is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func resolvePath(base, path string) string {
	path = ExpandHome(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
