package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// 后端名称常量。
const (
	AuthBackendSupabase = "supabase"
	AuthBackendMemory   = "memory"

	ProviderDify = "dify"
	ProviderArk  = "ark"

	ModeStreaming = "streaming"
	ModeBlocking  = "blocking"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Session    SessionConfig
	Auth       AuthConfig
	Completion CompletionConfig
	AI         AIConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	addr, err := normalizeAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}
	cfg.AI = ai

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Auth.Provider() {
	case AuthBackendSupabase, AuthBackendMemory:
	default:
		return fmt.Errorf("invalid AUTH_BACKEND value: %q", c.Auth.Backend)
	}

	switch c.Completion.Provider {
	case ProviderDify, ProviderArk:
	default:
		return fmt.Errorf("invalid COMPLETION_PROVIDER value: %q", c.Completion.Provider)
	}

	switch c.Completion.Mode {
	case ModeStreaming, ModeBlocking:
	default:
		return fmt.Errorf("invalid COMPLETION_MODE value: %q", c.Completion.Mode)
	}

	if c.Completion.Timeout < 0 {
		return fmt.Errorf("invalid COMPLETION_TIMEOUT value: %s", c.Completion.Timeout)
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("invalid SESSION_IDLE_TIMEOUT value: %s", c.Session.IdleTimeout)
	}
	if c.Session.RatePerMinute < 0 || (c.Session.RatePerMinute > 0 && c.Session.RateBurst <= 0) {
		return fmt.Errorf("invalid CHAT_RATE_LIMIT/CHAT_RATE_BURST values: %v/%d", c.Session.RatePerMinute, c.Session.RateBurst)
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port        string   `env:"PORT" envDefault:"8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	// Addr is derived from Port.
	Addr string `env:"-"`
}

// normalizeAddr 解析服务器监听地址。
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"console"`
}

// SessionConfig 描述浏览器会话配置。
type SessionConfig struct {
	CookieName  string        `env:"SESSION_COOKIE" envDefault:"chat_session"`
	IdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	// RatePerMinute bounds chat requests per session, zero (the default)
	// disables the limit.
	RatePerMinute float64 `env:"CHAT_RATE_LIMIT" envDefault:"0"`
	RateBurst     int     `env:"CHAT_RATE_BURST" envDefault:"10"`
}

// AuthConfig 描述身份后端配置。
type AuthConfig struct {
	Backend     string `env:"AUTH_BACKEND"`
	SupabaseURL string `env:"SUPABASE_URL"`
	SupabaseKey string `env:"SUPABASE_KEY"`
}

// Provider resolves the identity backend, defaulting to supabase when a URL is
// configured and to the in-process backend otherwise.
func (c AuthConfig) Provider() string {
	backend := strings.ToLower(strings.TrimSpace(c.Backend))
	if backend != "" {
		return backend
	}
	if c.SupabaseURL != "" {
		return AuthBackendSupabase
	}
	return AuthBackendMemory
}

// CheckSupabase reports a human readable problem with the Supabase settings,
// or an empty string when both URL and key are present.
func (c AuthConfig) CheckSupabase() string {
	if strings.TrimSpace(c.SupabaseURL) == "" || strings.TrimSpace(c.SupabaseKey) == "" {
		return "SUPABASE_URL or SUPABASE_KEY is not configured"
	}
	return ""
}

// CompletionConfig 描述对话补全后端配置。
type CompletionConfig struct {
	Provider string        `env:"COMPLETION_PROVIDER" envDefault:"dify"`
	URL      string        `env:"COMPLETION_URL" envDefault:"https://api.dify.ai/v1/chat-messages"`
	APIKey   string        `env:"COMPLETION_API_KEY"`
	Mode     string        `env:"COMPLETION_MODE" envDefault:"streaming"`
	Timeout  time.Duration `env:"COMPLETION_TIMEOUT" envDefault:"2m"`
}

// Streaming reports whether streaming mode is the default.
func (c CompletionConfig) Streaming() bool {
	return c.Mode == ModeStreaming
}

// AIConfig 描述 Ark 大模型相关配置。
type AIConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	SystemPrompt string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("Model")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		SystemPrompt: getEnvOrDefault("ARK_SYSTEM_PROMPT", "You are a helpful assistant."),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
