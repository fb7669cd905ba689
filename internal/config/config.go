// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DataDir         string
	Store           StoreConfig
	LLM             LLMConfig
	Speech          SpeechConfig
	Credentials     CredentialsConfig
	ConversationLog ConversationLogConfig
	SSE             SSEConfig
	GRPCHealthPort  string // empty disables the gRPC health service
	MetricsEnabled  bool
}

// StoreConfig selects and locates the conversation store.
type StoreConfig struct {
	Backend      string // "sqlite" or "json"
	DBPath       string
	SettingsPath string
	HistoryPath  string
}

// LLMConfig configures the chat-completion endpoint.
type LLMConfig struct {
	BaseURL        string
	Model          string
	RequestTimeout time.Duration // gates and other one-shot calls
	StreamTimeout  time.Duration // ceiling for a whole streamed response
	RateInterval   time.Duration // spacing between streams under shared keys
	PromptsFile    string
}

// SpeechConfig configures the transcription endpoint.
type SpeechConfig struct {
	TokenURL       string
	ASRURL         string
	ModelID        int
	ClientID       string
	RequestTimeout time.Duration
}

// CredentialsConfig locates the user credential file and setup guide.
type CredentialsConfig struct {
	SecretsPath string
	GuidePath   string
	Watch       bool
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// SSEConfig tunes server-sent event responses.
type SSEConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := getEnv("DATA_DIR", "./data")

	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "7860"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DataDir:     dataDir,
		Store: StoreConfig{
			Backend:      strings.ToLower(getEnv("STORE_BACKEND", "sqlite")),
			DBPath:       getEnv("DB_PATH", filepath.Join(dataDir, "chat.db")),
			SettingsPath: getEnv("SETTINGS_PATH", filepath.Join(dataDir, "chat_config.json")),
			HistoryPath:  getEnv("HISTORY_PATH", filepath.Join(dataDir, "chat_history.json")),
		},
		LLM: LLMConfig{
			BaseURL:        strings.TrimRight(getEnv("LLM_BASE_URL", "https://api.siliconflow.cn/v1"), "/"),
			Model:          getEnv("LLM_MODEL", "deepseek-ai/DeepSeek-V3"),
			RequestTimeout: getEnvDuration("LLM_REQUEST_TIMEOUT", 10*time.Second),
			StreamTimeout:  getEnvDuration("LLM_STREAM_TIMEOUT", 30*time.Second),
			RateInterval:   getEnvDuration("RATE_INTERVAL", 3*time.Second),
			PromptsFile:    getEnv("PROMPTS_FILE", ""),
		},
		Speech: SpeechConfig{
			TokenURL:       getEnv("SPEECH_TOKEN_URL", "https://aip.baidubce.com/oauth/2.0/token"),
			ASRURL:         getEnv("SPEECH_ASR_URL", "http://vop.baidu.com/server_api"),
			ModelID:        getEnvInt("SPEECH_MODEL_ID", 1537),
			ClientID:       getEnv("SPEECH_CLIENT_ID", "moodchat"),
			RequestTimeout: getEnvDuration("SPEECH_REQUEST_TIMEOUT", 30*time.Second),
		},
		Credentials: CredentialsConfig{
			SecretsPath: getEnv("SECRETS_PATH", filepath.Join(dataDir, "secrets.json")),
			GuidePath:   getEnv("KEY_GUIDE_PATH", filepath.Join(dataDir, "API_KEY_SETUP_GUIDE.txt")),
			Watch:       getEnvBool("SECRETS_WATCH", true),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", filepath.Join(dataDir, "logs", "conversations")),
			QueueSize: queueSize,
		},
		SSE: SSEConfig{
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 32<<20)),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
		},
		GRPCHealthPort: getEnv("GRPC_HEALTH_PORT", ""),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "json":
		if c.Store.SettingsPath == "" || c.Store.HistoryPath == "" {
			return fmt.Errorf("SETTINGS_PATH and HISTORY_PATH cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be sqlite or json, got %q", c.Store.Backend)
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("LLM_BASE_URL cannot be empty")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM_MODEL cannot be empty")
	}
	if c.LLM.RequestTimeout <= 0 || c.LLM.StreamTimeout <= 0 {
		return fmt.Errorf("LLM timeouts must be > 0")
	}
	if c.LLM.RateInterval < 0 {
		return fmt.Errorf("RATE_INTERVAL cannot be negative")
	}
	if c.Credentials.SecretsPath == "" {
		return fmt.Errorf("SECRETS_PATH cannot be empty")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the API.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
