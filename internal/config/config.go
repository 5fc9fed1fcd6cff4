package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合客户端与参考服务端的配置项。
type Config struct {
	Env      string // development 或 production
	LogLevel string
	LogJSON  bool // 输出 JSON 日志，默认仅在 production 下开启
	Client   ClientConfig
	Server   ServerConfig
}

// Development 报告是否为开发环境。
func (c *Config) Development() bool {
	return c.Env != "production"
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	client, err := loadClientConfig()
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	env := getEnvOrDefault("CHAT_ENV", "development")
	logJSON, err := parseBoolEnv("CHAT_LOG_JSON", env == "production")
	if err != nil {
		return nil, err
	}

	return &Config{
		Env:      env,
		LogLevel: getEnvOrDefault("CHAT_LOG_LEVEL", "info"),
		LogJSON:  logJSON,
		Client:   client,
		Server:   server,
	}, nil
}

// ClientConfig 描述聊天客户端配置。
type ClientConfig struct {
	APIBaseURL        string
	WSBaseURL         string
	Token             string
	UserID            int64
	Username          string
	HistoryLimit      int
	EchoTolerance     time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffRetries    int
	HandshakeTimeout  time.Duration
	AuthTimeout       time.Duration
}

func loadClientConfig() (ClientConfig, error) {
	cfg := ClientConfig{
		APIBaseURL:        strings.TrimRight(getEnvOrDefault("CHAT_API_URL", "http://localhost:8080"), "/"),
		Token:             strings.TrimSpace(os.Getenv("CHAT_TOKEN")),
		Username:          strings.TrimSpace(os.Getenv("CHAT_USERNAME")),
		HistoryLimit:      50,
		BackoffMultiplier: 2,
		BackoffRetries:    8,
	}
	// 未配置时实时地址沿用 REST 地址，由会话层换成 ws(s)。
	cfg.WSBaseURL = strings.TrimRight(getEnvOrDefault("CHAT_WS_URL", cfg.APIBaseURL), "/")

	userID, err := parseOptionalIntEnv("CHAT_USER_ID")
	if err != nil {
		return ClientConfig{}, err
	}
	if userID != nil {
		if *userID <= 0 {
			return ClientConfig{}, fmt.Errorf("invalid CHAT_USER_ID value %d: must be positive", *userID)
		}
		cfg.UserID = int64(*userID)
	}

	limit, err := parseOptionalIntEnv("CHAT_HISTORY_LIMIT")
	if err != nil {
		return ClientConfig{}, err
	}
	if limit != nil {
		if *limit < 1 || *limit > 200 {
			return ClientConfig{}, fmt.Errorf("invalid CHAT_HISTORY_LIMIT value %d: must be between 1 and 200", *limit)
		}
		cfg.HistoryLimit = *limit
	}

	retries, err := parseOptionalIntEnv("CHAT_BACKOFF_RETRIES")
	if err != nil {
		return ClientConfig{}, err
	}
	if retries != nil {
		if *retries < 1 {
			return ClientConfig{}, fmt.Errorf("invalid CHAT_BACKOFF_RETRIES value %d: must be at least 1", *retries)
		}
		cfg.BackoffRetries = *retries
	}

	multiplier, err := parseOptionalFloatEnv("CHAT_BACKOFF_MULTIPLIER")
	if err != nil {
		return ClientConfig{}, err
	}
	if multiplier != nil {
		if *multiplier < 1 {
			return ClientConfig{}, fmt.Errorf("invalid CHAT_BACKOFF_MULTIPLIER value %v: must be at least 1", *multiplier)
		}
		cfg.BackoffMultiplier = *multiplier
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"CHAT_ECHO_TOLERANCE", &cfg.EchoTolerance, time.Second},
		{"CHAT_BACKOFF_MIN", &cfg.BackoffMin, 500 * time.Millisecond},
		{"CHAT_BACKOFF_MAX", &cfg.BackoffMax, 30 * time.Second},
		{"CHAT_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout, 10 * time.Second},
		{"CHAT_AUTH_TIMEOUT", &cfg.AuthTimeout, 10 * time.Second},
	}
	for _, d := range durations {
		val, err := parseDurationEnv(d.key, d.def)
		if err != nil {
			return ClientConfig{}, err
		}
		*d.dst = val
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		return ClientConfig{}, fmt.Errorf("CHAT_BACKOFF_MAX (%s) must not be below CHAT_BACKOFF_MIN (%s)", cfg.BackoffMax, cfg.BackoffMin)
	}

	return cfg, nil
}

// ServerConfig 描述参考服务端配置。
type ServerConfig struct {
	Addr     string
	DataPath string // 为空时不持久化
	Tokens   string // token:userID:username,...
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	cfg := ServerConfig{
		DataPath: strings.TrimSpace(os.Getenv("CHAT_DATA_PATH")),
		Tokens:   getEnvOrDefault("CHAT_TOKENS", "dev-token:1:dev"),
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
