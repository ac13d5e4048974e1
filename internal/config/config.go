package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	AI         AIConfig
	Cache      CacheConfig
	Router     RouterConfig
	Storage    StorageConfig
	Assistants AssistantsConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	cache, err := loadCacheConfig()
	if err != nil {
		return nil, err
	}

	router, err := loadRouterConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		AI:         ai,
		Cache:      cache,
		Router:     router,
		Storage:    loadStorageConfig(),
		Assistants: AssistantsConfig{File: strings.TrimSpace(os.Getenv("ASSISTANTS_FILE"))},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr             string
	LogMode          string
	StreamRatePerMin int
	AllowedOrigins   []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	rate := 60
	if override, err := parseOptionalIntEnv("STREAM_RATE_PER_MIN"); err != nil {
		return ServerConfig{}, err
	} else if override != nil {
		rate = *override
	}

	cfg := ServerConfig{
		LogMode:          getEnvOrDefault("LOG_MODE", "dev"),
		StreamRatePerMin: rate,
		AllowedOrigins:   splitList(os.Getenv("CORS_ORIGINS")),
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		cfg.Addr = port
		return cfg, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	cfg.Addr = ":" + port
	return cfg, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + Model or an AK/SK pair")
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

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
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

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
	}, nil
}

// CacheConfig 描述语义缓存配置。
type CacheConfig struct {
	Threshold   float64
	TTL         time.Duration
	RedisAddr   string
	RedisPrefix string
}

func loadCacheConfig() (CacheConfig, error) {
	threshold := 0.92
	if override, err := parseOptionalFloatEnv("CACHE_SIMILARITY_THRESHOLD"); err != nil {
		return CacheConfig{}, err
	} else if override != nil {
		if *override <= 0 || *override > 1 {
			return CacheConfig{}, fmt.Errorf("invalid CACHE_SIMILARITY_THRESHOLD value %v: must be in (0, 1]", *override)
		}
		threshold = *override
	}

	ttl, err := parseDurationEnv("CACHE_TTL", 24*time.Hour)
	if err != nil {
		return CacheConfig{}, err
	}

	return CacheConfig{
		Threshold:   threshold,
		TTL:         ttl,
		RedisAddr:   strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPrefix: getEnvOrDefault("REDIS_CACHE_PREFIX", "semcache"),
	}, nil
}

// RouterConfig 描述路由器的多跳配置。
type RouterConfig struct {
	MaxHops       int
	ParallelTools int
}

func loadRouterConfig() (RouterConfig, error) {
	cfg := RouterConfig{MaxHops: 3, ParallelTools: 4}

	if hops, err := parseOptionalIntEnv("ROUTER_MAX_HOPS"); err != nil {
		return RouterConfig{}, err
	} else if hops != nil {
		if *hops < 1 {
			return RouterConfig{}, fmt.Errorf("invalid ROUTER_MAX_HOPS value %d: must be >= 1", *hops)
		}
		cfg.MaxHops = *hops
	}

	if parallel, err := parseOptionalIntEnv("ROUTER_PARALLEL_TOOLS"); err != nil {
		return RouterConfig{}, err
	} else if parallel != nil && *parallel > 0 {
		cfg.ParallelTools = *parallel
	}

	return cfg, nil
}

// StorageConfig 描述持久化、分析库与向量库连接。
type StorageConfig struct {
	DatabaseDSN    string
	AnalyticsDSN   string
	WeaviateURL    string
	WeaviateClass  string
	WeaviateAPIKey string
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		DatabaseDSN:    strings.TrimSpace(os.Getenv("DATABASE_DSN")),
		AnalyticsDSN:   strings.TrimSpace(os.Getenv("ANALYTICS_DSN")),
		WeaviateURL:    strings.TrimSpace(os.Getenv("WEAVIATE_URL")),
		WeaviateClass:  getEnvOrDefault("WEAVIATE_CLASS", "Document"),
		WeaviateAPIKey: strings.TrimSpace(os.Getenv("WEAVIATE_API_KEY")),
	}
}

// AssistantsConfig points at the YAML assistant catalog. Empty means the built-in seed.
type AssistantsConfig struct {
	File string
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
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
