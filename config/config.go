// Package config provides configuration loading and management for webdigest.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config enumerates every recognized webdigest option. Unknown keys in a
// config file are a load-time error, not silently ignored.
type Config struct {
	Fetch      FetchConfig      `yaml:"fetch"`
	Cache      CacheConfig      `yaml:"cache"`
	Pool       PoolConfig       `yaml:"pool"`
	Chunk      ChunkConfig      `yaml:"chunk"`
	Summary    SummaryConfig    `yaml:"summary"`
	LLM        LLMConfig        `yaml:"llm"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
}

// FetchConfig configures the tiered fetcher.
type FetchConfig struct {
	// Timeout bounds a single direct-client fetch attempt.
	Timeout time.Duration `yaml:"timeout" env:"WEBDIGEST_FETCH_TIMEOUT"`
	// BrowserTimeout bounds a single pooled-browser render. It is enforced
	// independently of Timeout so a slow direct attempt cannot starve the
	// fallback's budget.
	BrowserTimeout time.Duration `yaml:"browser_timeout" env:"WEBDIGEST_FETCH_BROWSER_TIMEOUT"`
	// MaxConcurrent caps in-flight fetches across all pipeline calls.
	MaxConcurrent int `yaml:"max_concurrent" env:"WEBDIGEST_FETCH_MAX_CONCURRENT"`
	// UserAgent is sent on direct-client requests.
	UserAgent string `yaml:"user_agent" env:"WEBDIGEST_USER_AGENT"`
}

// CacheConfig configures the disk-backed store.
type CacheConfig struct {
	// Directory is the cache root. A missing directory is an empty cache.
	Directory string `yaml:"directory" env:"WEBDIGEST_CACHE_DIR"`
	// TTL is the default entry lifetime.
	TTL time.Duration `yaml:"ttl" env:"WEBDIGEST_CACHE_TTL"`
	// MaxBytes caps total store size; least-recently-accessed entries are
	// evicted to stay under it.
	MaxBytes int64 `yaml:"max_bytes" env:"WEBDIGEST_CACHE_MAX_BYTES"`
}

// PoolConfig configures the browser pool.
type PoolConfig struct {
	// MaxSize caps simultaneously live browser handles.
	MaxSize int `yaml:"max_size" env:"WEBDIGEST_POOL_MAX_SIZE"`
	// AcquireTimeout bounds how long a caller waits for an idle handle.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"WEBDIGEST_POOL_ACQUIRE_TIMEOUT"`
}

// ChunkConfig configures text chunking.
type ChunkConfig struct {
	// TargetTokens is the ideal chunk size.
	TargetTokens int `yaml:"target_tokens" env:"WEBDIGEST_CHUNK_TARGET_TOKENS"`
	// OverlapTokens is the trailing context carried into the next chunk.
	OverlapTokens int `yaml:"overlap_tokens" env:"WEBDIGEST_CHUNK_OVERLAP_TOKENS"`
}

// SummaryConfig configures the summarizer.
type SummaryConfig struct {
	// MapReduceThresholdTokens selects map-reduce over a direct call when the
	// total chunk volume exceeds it.
	MapReduceThresholdTokens int `yaml:"map_reduce_threshold_tokens" env:"WEBDIGEST_SUMMARY_MAPREDUCE_THRESHOLD"`
	// MaxConcurrent caps concurrent map-phase calls.
	MaxConcurrent int `yaml:"max_concurrent" env:"WEBDIGEST_SUMMARY_MAX_CONCURRENT"`
}

// LLMEndpoint describes one model endpoint in the fallback chain.
type LLMEndpoint struct {
	// Provider is the registered provider name ("ollama", "openai", "anthropic").
	Provider string `yaml:"provider"`
	// URL is the API base URL (empty = provider default).
	URL string `yaml:"url"`
	// Model is the model identifier.
	Model string `yaml:"model"`
	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int `yaml:"max_tokens"`
}

// LLMConfig configures the LLM client.
type LLMConfig struct {
	// Endpoints is the fallback chain, tried in order.
	Endpoints []LLMEndpoint `yaml:"endpoints"`
	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `yaml:"temperature" env:"WEBDIGEST_LLM_TEMPERATURE"`
	// Timeout is the maximum time to wait for model responses.
	Timeout time.Duration `yaml:"timeout" env:"WEBDIGEST_LLM_TIMEOUT"`
}

// FilesystemConfig configures local-file acquisition.
type FilesystemConfig struct {
	// AllowedDirectories is the allow-list of readable roots. Doublestar
	// patterns are accepted. Empty means filesystem targets are rejected.
	AllowedDirectories []string `yaml:"allowed_directories" env:"WEBDIGEST_FS_ALLOWED_DIRS" envSeparator:":"`
	// MaxFileBytes rejects larger files before reading them.
	MaxFileBytes int64 `yaml:"max_file_bytes" env:"WEBDIGEST_FS_MAX_FILE_BYTES"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Fetch: FetchConfig{
			Timeout:        30 * time.Second,
			BrowserTimeout: 60 * time.Second,
			MaxConcurrent:  4,
			UserAgent:      "webdigest/" + Version,
		},
		Cache: CacheConfig{
			Directory: defaultCacheDir(),
			TTL:       7 * 24 * time.Hour,
			MaxBytes:  512 << 20, // 512MB
		},
		Pool: PoolConfig{
			MaxSize:        2,
			AcquireTimeout: 30 * time.Second,
		},
		Chunk: ChunkConfig{
			TargetTokens:  512,
			OverlapTokens: 50,
		},
		Summary: SummaryConfig{
			MapReduceThresholdTokens: 6000,
			MaxConcurrent:            4,
		},
		LLM: LLMConfig{
			Endpoints: []LLMEndpoint{
				{Provider: "ollama", URL: "http://localhost:11434/v1", Model: "qwen2.5:14b"},
			},
			Temperature: 0.2,
			Timeout:     3 * time.Minute,
		},
		Filesystem: FilesystemConfig{
			AllowedDirectories: nil, // Reject all filesystem targets
			MaxFileBytes:       16 << 20,
		},
	}
}

// Version is the webdigest version string.
const Version = "0.1.0"

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if c.Fetch.MaxConcurrent <= 0 {
		return fmt.Errorf("fetch.max_concurrent must be positive")
	}
	if c.Cache.Directory == "" {
		return fmt.Errorf("cache.directory is required")
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be positive")
	}
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be positive")
	}
	if c.Chunk.TargetTokens <= 0 {
		return fmt.Errorf("chunk.target_tokens must be positive")
	}
	if c.Chunk.OverlapTokens < 0 || c.Chunk.OverlapTokens >= c.Chunk.TargetTokens {
		return fmt.Errorf("chunk.overlap_tokens (%d) must be in [0, target_tokens)", c.Chunk.OverlapTokens)
	}
	if c.Summary.MapReduceThresholdTokens <= 0 {
		return fmt.Errorf("summary.map_reduce_threshold_tokens must be positive")
	}
	if c.Summary.MaxConcurrent <= 0 {
		return fmt.Errorf("summary.max_concurrent must be positive")
	}
	if len(c.LLM.Endpoints) == 0 {
		return fmt.Errorf("llm.endpoints requires at least one endpoint")
	}
	for i, ep := range c.LLM.Endpoints {
		if ep.Provider == "" {
			return fmt.Errorf("llm.endpoints[%d].provider is required", i)
		}
		if ep.Model == "" {
			return fmt.Errorf("llm.endpoints[%d].model is required", i)
		}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1")
	}
	if c.Filesystem.MaxFileBytes <= 0 {
		return fmt.Errorf("filesystem.max_file_bytes must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Unknown keys are an
// error so misspelled options fail loudly instead of falling back to defaults.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	config := &Config{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Fetch
	if other.Fetch.Timeout != 0 {
		c.Fetch.Timeout = other.Fetch.Timeout
	}
	if other.Fetch.BrowserTimeout != 0 {
		c.Fetch.BrowserTimeout = other.Fetch.BrowserTimeout
	}
	if other.Fetch.MaxConcurrent != 0 {
		c.Fetch.MaxConcurrent = other.Fetch.MaxConcurrent
	}
	if other.Fetch.UserAgent != "" {
		c.Fetch.UserAgent = other.Fetch.UserAgent
	}

	// Cache
	if other.Cache.Directory != "" {
		c.Cache.Directory = other.Cache.Directory
	}
	if other.Cache.TTL != 0 {
		c.Cache.TTL = other.Cache.TTL
	}
	if other.Cache.MaxBytes != 0 {
		c.Cache.MaxBytes = other.Cache.MaxBytes
	}

	// Pool
	if other.Pool.MaxSize != 0 {
		c.Pool.MaxSize = other.Pool.MaxSize
	}
	if other.Pool.AcquireTimeout != 0 {
		c.Pool.AcquireTimeout = other.Pool.AcquireTimeout
	}

	// Chunk
	if other.Chunk.TargetTokens != 0 {
		c.Chunk.TargetTokens = other.Chunk.TargetTokens
	}
	if other.Chunk.OverlapTokens != 0 {
		c.Chunk.OverlapTokens = other.Chunk.OverlapTokens
	}

	// Summary
	if other.Summary.MapReduceThresholdTokens != 0 {
		c.Summary.MapReduceThresholdTokens = other.Summary.MapReduceThresholdTokens
	}
	if other.Summary.MaxConcurrent != 0 {
		c.Summary.MaxConcurrent = other.Summary.MaxConcurrent
	}

	// LLM
	if len(other.LLM.Endpoints) > 0 {
		c.LLM.Endpoints = other.LLM.Endpoints
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}

	// Filesystem
	if len(other.Filesystem.AllowedDirectories) > 0 {
		c.Filesystem.AllowedDirectories = other.Filesystem.AllowedDirectories
	}
	if other.Filesystem.MaxFileBytes != 0 {
		c.Filesystem.MaxFileBytes = other.Filesystem.MaxFileBytes
	}
}

// defaultCacheDir returns the platform cache directory for webdigest.
func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "webdigest")
	}
	return filepath.Join(base, "webdigest")
}
