package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMProvider selects the chat-model backend.
type LLMProvider string

const (
	ProviderAzure  LLMProvider = "azure"
	ProviderOpenAI LLMProvider = "openai"
	ProviderLocal  LLMProvider = "local"
)

// EmbeddingMode selects the embedding backend path.
type EmbeddingMode string

const (
	EmbeddingRemote EmbeddingMode = "openai"
	EmbeddingLocal  EmbeddingMode = "local"
	EmbeddingHybrid EmbeddingMode = "hybrid"
)

// ProjectionMethod selects how embeddings are mapped onto the target dimension.
type ProjectionMethod string

const (
	ProjectionLearned     ProjectionMethod = "learned"
	ProjectionInterpolate ProjectionMethod = "interpolate"
	ProjectionPad         ProjectionMethod = "pad"
)

// Config holds all configuration for the LLM access layer.
type Config struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	LogLevel   string `json:"log_level" yaml:"log_level"`

	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Token      TokenConfig      `json:"token" yaml:"token"`
	Azure      AzureConfig      `json:"azure" yaml:"azure"`
	OpenAI     OpenAIConfig     `json:"openai" yaml:"openai"`
	Local      LocalConfig      `json:"local" yaml:"local"`
	Embedding  EmbeddingConfig  `json:"embedding" yaml:"embedding"`
	Projection ProjectionConfig `json:"projection" yaml:"projection"`
}

// LLMConfig holds chat-model selection, sampling and caching settings.
type LLMConfig struct {
	Provider     LLMProvider   `json:"provider" yaml:"provider"`
	Model        string        `json:"model" yaml:"model"`
	Temperature  float32       `json:"temperature" yaml:"temperature"`
	MaxTokens    int           `json:"max_tokens" yaml:"max_tokens"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay   time.Duration `json:"retry_delay" yaml:"retry_delay"`
	CacheEnabled bool          `json:"cache_enabled" yaml:"cache_enabled"`
	CacheTTL     time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// TokenConfig holds the OAuth2 client-credentials settings for the gated provider.
type TokenConfig struct {
	URL          string        `json:"url" yaml:"url"`
	ClientID     string        `json:"client_id" yaml:"client_id"`
	ClientSecret string        `json:"client_secret" yaml:"client_secret"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	CacheEnabled bool          `json:"cache_enabled" yaml:"cache_enabled"`
	CacheTTL     time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// AzureConfig holds the gated Azure OpenAI endpoint settings.
type AzureConfig struct {
	Endpoint   string `json:"endpoint" yaml:"endpoint"`
	APIVersion string `json:"api_version" yaml:"api_version"`
	AppKey     string `json:"app_key" yaml:"app_key"`
	UserID     string `json:"user_id" yaml:"user_id"`
}

// OpenAIConfig holds OpenAI-specific configuration
type OpenAIConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	FallbackModel  string `json:"fallback_model" yaml:"fallback_model"`
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model"`
}

// LocalConfig holds local embedding server configuration
type LocalConfig struct {
	ServerURL  string        `json:"server_url" yaml:"server_url"`
	ServerType string        `json:"server_type" yaml:"server_type"` // "tei", "ollama", "custom", "huggingface"
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	CacheDir   string        `json:"cache_dir" yaml:"cache_dir"`
	HFToken    string        `json:"hf_token" yaml:"hf_token"`
	ChatModel  string        `json:"chat_model" yaml:"chat_model"`
	Workers    int           `json:"workers" yaml:"workers"`
}

// EmbeddingConfig holds embedding backend selection and cache settings.
type EmbeddingConfig struct {
	Provider        EmbeddingMode `json:"provider" yaml:"provider"`
	FallbackModel   string        `json:"fallback_model" yaml:"fallback_model"`
	TertiaryModel   string        `json:"tertiary_model" yaml:"tertiary_model"`
	CacheEnabled    bool          `json:"cache_enabled" yaml:"cache_enabled"`
	CacheTTL        time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	CacheMaxSize    int           `json:"cache_max_size" yaml:"cache_max_size"`
	TargetDimension int           `json:"target_dimension" yaml:"target_dimension"`
}

// ProjectionConfig holds dimension projection settings.
type ProjectionConfig struct {
	Enabled    bool             `json:"enabled" yaml:"enabled"`
	Method     ProjectionMethod `json:"method" yaml:"method"`
	CacheKey   string           `json:"cache_key" yaml:"cache_key"`
	Store      string           `json:"store" yaml:"store"` // "redis", "sqlite", "none"
	RedisURL   string           `json:"redis_url" yaml:"redis_url"`
	SQLitePath string           `json:"sqlite_path" yaml:"sqlite_path"`
}

// Default returns a Config with the service defaults.
func Default() *Config {
	return &Config{
		ListenAddr: ":8090",
		LogLevel:   "info",
		LLM: LLMConfig{
			Provider:     ProviderAzure,
			Model:        "gpt-4.1",
			Temperature:  0,
			MaxTokens:    1000,
			MaxRetries:   3,
			RetryDelay:   2 * time.Second,
			CacheEnabled: true,
			CacheTTL:     time.Hour,
		},
		Token: TokenConfig{
			Timeout:      30 * time.Second,
			CacheEnabled: true,
			CacheTTL:     55 * time.Minute,
		},
		Azure: AzureConfig{
			Endpoint:   "https://chat-ai.cisco.com",
			APIVersion: "2023-08-01-preview",
		},
		OpenAI: OpenAIConfig{
			FallbackModel:  "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		Local: LocalConfig{
			ServerURL:  "http://localhost:8080",
			ServerType: "tei",
			Timeout:    30 * time.Second,
			CacheDir:   "/models",
			ChatModel:  "llama3.1",
			Workers:    4,
		},
		Embedding: EmbeddingConfig{
			Provider:        EmbeddingHybrid,
			FallbackModel:   "sentence-transformers/all-mpnet-base-v2",
			TertiaryModel:   "sentence-transformers/all-MiniLM-L6-v2",
			CacheEnabled:    true,
			CacheTTL:        time.Hour,
			CacheMaxSize:    1000,
			TargetDimension: 1536,
		},
		Projection: ProjectionConfig{
			Enabled:    true,
			Method:     ProjectionLearned,
			CacheKey:   "embedding:projection:weights",
			Store:      "redis",
			RedisURL:   "redis://localhost:6379/0",
			SQLitePath: "projection.db",
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file named
// by LLM_CONFIG_FILE, and environment variables, in that order of precedence.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(os.Getenv("LLM_CONFIG_FILE"))
}

// LoadConfigFrom is LoadConfig with an explicit YAML path. An empty path skips the file.
func LoadConfigFrom(path string) (*Config, error) {
	config := Default()

	if path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []string
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			*dst = strings.EqualFold(strings.TrimSpace(v), "true")
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = n
		}
	}
	// Durations are given in (possibly fractional) seconds, e.g. TOKEN_CACHE_TTL=3300.
	seconds := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = time.Duration(f * float64(time.Second))
		}
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("LOG_LEVEL", &c.LogLevel)

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = LLMProvider(strings.ToLower(strings.TrimSpace(v)))
	}
	str("GRAPH_LLM_MODEL", &c.LLM.Model)
	if v := os.Getenv("GRAPH_LLM_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
		if err != nil {
			errs = append(errs, fmt.Sprintf("GRAPH_LLM_TEMPERATURE: %v", err))
		} else {
			c.LLM.Temperature = float32(f)
		}
	}
	integer("GRAPH_LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	integer("LLM_MAX_RETRIES", &c.LLM.MaxRetries)
	seconds("LLM_RETRY_DELAY", &c.LLM.RetryDelay)
	flag("ENABLE_LLM_CACHING", &c.LLM.CacheEnabled)
	seconds("LLM_CACHE_TTL", &c.LLM.CacheTTL)

	str("TOKEN_URL", &c.Token.URL)
	str("CLIENT_ID", &c.Token.ClientID)
	str("CLIENT_SECRET", &c.Token.ClientSecret)
	seconds("TOKEN_TIMEOUT", &c.Token.Timeout)
	flag("ENABLE_TOKEN_CACHING", &c.Token.CacheEnabled)
	seconds("TOKEN_CACHE_TTL", &c.Token.CacheTTL)

	str("AZURE_ENDPOINT", &c.Azure.Endpoint)
	str("AZURE_API_VERSION", &c.Azure.APIVersion)
	str("AZURE_OPENAI_APP_KEY", &c.Azure.AppKey)
	str("AZURE_USER_ID", &c.Azure.UserID)

	str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("OPENAI_API_URL", &c.OpenAI.BaseURL)
	str("OPENAI_FALLBACK_MODEL", &c.OpenAI.FallbackModel)
	str("OPENAI_EMBEDDING_MODEL", &c.OpenAI.EmbeddingModel)

	str("LOCAL_EMBEDDING_URL", &c.Local.ServerURL)
	if v := os.Getenv("LOCAL_EMBEDDING_SERVER_TYPE"); v != "" {
		c.Local.ServerType = strings.ToLower(strings.TrimSpace(v))
	}
	seconds("LOCAL_EMBEDDING_TIMEOUT", &c.Local.Timeout)
	str("LOCAL_MODEL_CACHE_DIR", &c.Local.CacheDir)
	str("LOCAL_CHAT_MODEL", &c.Local.ChatModel)
	integer("LOCAL_EMBEDDING_WORKERS", &c.Local.Workers)
	// Get API token from environment; public models work without one.
	str("HUGGINGFACEHUB_API_TOKEN", &c.Local.HFToken)
	if c.Local.HFToken == "" {
		str("HF_TOKEN", &c.Local.HFToken)
	}

	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		mode := EmbeddingMode(strings.ToLower(strings.TrimSpace(v)))
		if mode == "remote" {
			mode = EmbeddingRemote
		}
		c.Embedding.Provider = mode
	}
	str("FALLBACK_EMBEDDING_MODEL", &c.Embedding.FallbackModel)
	str("TERTIARY_EMBEDDING_MODEL", &c.Embedding.TertiaryModel)
	flag("ENABLE_EMBEDDING_CACHING", &c.Embedding.CacheEnabled)
	seconds("EMBEDDING_CACHE_TTL", &c.Embedding.CacheTTL)
	integer("EMBEDDING_CACHE_MAX_SIZE", &c.Embedding.CacheMaxSize)
	integer("TARGET_EMBEDDING_DIMENSION", &c.Embedding.TargetDimension)

	flag("ENABLE_DIMENSION_PROJECTION", &c.Projection.Enabled)
	if v := os.Getenv("PROJECTION_METHOD"); v != "" {
		c.Projection.Method = ProjectionMethod(strings.ToLower(strings.TrimSpace(v)))
	}
	str("PROJECTION_CACHE_KEY", &c.Projection.CacheKey)
	if v := os.Getenv("PROJECTION_STORE"); v != "" {
		c.Projection.Store = strings.ToLower(strings.TrimSpace(v))
	}
	str("REDIS_URL", &c.Projection.RedisURL)
	str("PROJECTION_SQLITE_PATH", &c.Projection.SQLitePath)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderAzure, ProviderOpenAI, ProviderLocal:
	default:
		return fmt.Errorf("invalid llm provider: %s (must be 'azure', 'openai', or 'local')", c.LLM.Provider)
	}

	switch c.Embedding.Provider {
	case EmbeddingRemote, EmbeddingLocal, EmbeddingHybrid:
	default:
		return fmt.Errorf("invalid embedding provider: %s (must be 'openai', 'local', or 'hybrid')", c.Embedding.Provider)
	}

	switch c.Projection.Method {
	case ProjectionLearned, ProjectionInterpolate, ProjectionPad:
	default:
		return fmt.Errorf("invalid projection method: %s (must be 'learned', 'interpolate', or 'pad')", c.Projection.Method)
	}

	validStores := []string{"redis", "sqlite", "none"}
	if !contains(validStores, c.Projection.Store) {
		return fmt.Errorf("invalid projection store: %s (must be one of: %s)",
			c.Projection.Store, strings.Join(validStores, ", "))
	}

	validServerTypes := []string{"tei", "ollama", "custom", "huggingface"}
	if !contains(validServerTypes, c.Local.ServerType) {
		return fmt.Errorf("invalid server type: %s (must be one of: %s)",
			c.Local.ServerType, strings.Join(validServerTypes, ", "))
	}

	if c.Embedding.TargetDimension <= 0 {
		return fmt.Errorf("target embedding dimension must be positive")
	}
	if c.Embedding.CacheMaxSize <= 0 {
		return fmt.Errorf("embedding cache max size must be positive")
	}
	if c.LLM.MaxRetries < 1 {
		return fmt.Errorf("llm max retries must be at least 1")
	}
	if c.LLM.RetryDelay < 0 {
		return fmt.Errorf("llm retry delay must be non-negative")
	}
	if c.Token.Timeout <= 0 {
		return fmt.Errorf("token timeout must be positive")
	}
	if c.Local.Timeout <= 0 {
		return fmt.Errorf("local embedding timeout must be positive")
	}
	if c.Local.Workers <= 0 {
		return fmt.Errorf("local embedding workers must be positive")
	}
	return nil
}

// Warnings lists settings that pass validation but will fail at first use.
// They indicate deployment misconfiguration and are logged at startup.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.LLM.Provider == ProviderAzure {
		if c.Token.URL == "" {
			warnings = append(warnings, "LLM_PROVIDER=azure but TOKEN_URL is not set")
		}
		if c.Token.ClientID == "" || c.Token.ClientSecret == "" {
			warnings = append(warnings, "LLM_PROVIDER=azure but CLIENT_ID/CLIENT_SECRET are not set")
		}
		if c.Azure.AppKey == "" {
			warnings = append(warnings, "AZURE_OPENAI_APP_KEY is not set")
		}
	}
	if c.LLM.Provider == ProviderOpenAI && c.OpenAI.APIKey == "" {
		warnings = append(warnings, "LLM_PROVIDER=openai but OPENAI_API_KEY is not set")
	}
	if c.Embedding.Provider == EmbeddingRemote && c.OpenAI.APIKey == "" {
		warnings = append(warnings, "EMBEDDING_PROVIDER=openai but OPENAI_API_KEY is not set")
	}
	if !c.Projection.Enabled && c.Embedding.Provider != EmbeddingRemote {
		warnings = append(warnings, "dimension projection disabled; local embeddings keep their native size")
	}
	return warnings
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
