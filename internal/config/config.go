// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	ShutdownTimeout time.Duration
	MetricsEnabled  bool

	StoreBackend string // "sqlite" or "memory"
	DBPath       string

	Provider        ProviderConfig
	Stream          StreamConfig
	RateLimit       RateLimitConfig
	Executor        ExecutorConfig
	Sandbox         SandboxConfig
	ConversationLog ConversationLogConfig
}

// ProviderConfig selects the model backend.
type ProviderConfig struct {
	Name           string // "local", "gemini" or "grpc"
	Model          string
	APIKey         string
	GRPCAddr       string
	SystemPrompt   string
	RequestTimeout time.Duration
	SuggestTimeout time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration

	// Local provider pacing.
	TypingSpeed time.Duration
	ThinkPause  time.Duration
	JitterMax   time.Duration
}

// StreamConfig tunes chat streaming.
type StreamConfig struct {
	BufferSize         int
	HistorySize        int
	HistoryLimit       int
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
	MaxWait            time.Duration
}

// RateLimitConfig throttles chat and suggestion requests per client.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// ExecutorConfig bounds side effects.
type ExecutorConfig struct {
	Timeout             time.Duration
	BackgroundTimeout   time.Duration
	PollInterval        time.Duration
	ReaperInterval      time.Duration
	WebhookTimeout      time.Duration
	WebhookAllowedHosts []string
}

// SandboxConfig controls the Docker sandbox used by shell_command actions.
type SandboxConfig struct {
	Enabled   bool
	Image     string
	Container string // fixed container instead of per-session sandboxes
	Runtime   string // Docker runtime: "" = default (runc), "runsc" = gVisor
	TTL       time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("frontend_url", "")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("metrics_enabled", true)

	v.SetDefault("store_backend", "sqlite")
	v.SetDefault("db_path", "./data/actions.db")

	v.SetDefault("provider", "local")
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("google_api_key", "")
	v.SetDefault("agent_grpc_addr", "")
	v.SetDefault("system_prompt", "")
	v.SetDefault("provider_timeout", 2*time.Minute)
	v.SetDefault("suggest_timeout", 30*time.Second)
	v.SetDefault("provider_retry_attempts", 2)
	v.SetDefault("provider_retry_base_delay", 250*time.Millisecond)
	v.SetDefault("local_typing_speed", 75*time.Millisecond)
	v.SetDefault("local_think_pause", 500*time.Millisecond)
	v.SetDefault("local_jitter_max", 25*time.Millisecond)

	v.SetDefault("stream_buffer_size", 64)
	v.SetDefault("stream_history_size", 1024)
	v.SetDefault("history_limit", 50)
	v.SetDefault("sse_keepalive_interval", 10*time.Second)
	v.SetDefault("max_request_body_size", 1<<20)
	v.SetDefault("action_max_wait", 60*time.Second)

	v.SetDefault("rate_limit_requests", 10)
	v.SetDefault("rate_limit_window", time.Minute)

	v.SetDefault("exec_timeout", 60*time.Second)
	v.SetDefault("exec_background_timeout", 30*time.Minute)
	v.SetDefault("exec_poll_interval", 2*time.Second)
	v.SetDefault("exec_reaper_interval", time.Minute)
	v.SetDefault("webhook_timeout", 15*time.Second)
	v.SetDefault("webhook_allowed_hosts", "")

	v.SetDefault("sandbox_enabled", false)
	v.SetDefault("sandbox_image", "shsh-sandbox:latest")
	v.SetDefault("sandbox_container", "")
	v.SetDefault("container_runtime", "")
	v.SetDefault("sandbox_ttl", 60*time.Minute)

	v.SetDefault("conversation_log_enabled", true)
	v.SetDefault("conversation_log_dir", "./data/logs/conversations")
	v.SetDefault("conversation_log_global_enabled", false)
	v.SetDefault("conversation_log_global_path", "./data/logs/conversations/all.ndjson")
	v.SetDefault("conversation_log_queue_size", 1000)
}

// Load reads configuration from defaults, an optional CONFIG_FILE and
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:            v.GetString("port"),
		FrontendURL:     v.GetString("frontend_url"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		MetricsEnabled:  v.GetBool("metrics_enabled"),
		StoreBackend:    strings.ToLower(v.GetString("store_backend")),
		DBPath:          v.GetString("db_path"),
		Provider: ProviderConfig{
			Name:           strings.ToLower(v.GetString("provider")),
			Model:          v.GetString("model_name"),
			APIKey:         v.GetString("google_api_key"),
			GRPCAddr:       v.GetString("agent_grpc_addr"),
			SystemPrompt:   v.GetString("system_prompt"),
			RequestTimeout: v.GetDuration("provider_timeout"),
			SuggestTimeout: v.GetDuration("suggest_timeout"),
			RetryAttempts:  v.GetInt("provider_retry_attempts"),
			RetryBaseDelay: v.GetDuration("provider_retry_base_delay"),
			TypingSpeed:    v.GetDuration("local_typing_speed"),
			ThinkPause:     v.GetDuration("local_think_pause"),
			JitterMax:      v.GetDuration("local_jitter_max"),
		},
		Stream: StreamConfig{
			BufferSize:         v.GetInt("stream_buffer_size"),
			HistorySize:        v.GetInt("stream_history_size"),
			HistoryLimit:       v.GetInt("history_limit"),
			KeepaliveInterval:  v.GetDuration("sse_keepalive_interval"),
			MaxRequestBodySize: v.GetInt64("max_request_body_size"),
			MaxWait:            v.GetDuration("action_max_wait"),
		},
		RateLimit: RateLimitConfig{
			Requests: v.GetInt("rate_limit_requests"),
			Window:   v.GetDuration("rate_limit_window"),
		},
		Executor: ExecutorConfig{
			Timeout:             v.GetDuration("exec_timeout"),
			BackgroundTimeout:   v.GetDuration("exec_background_timeout"),
			PollInterval:        v.GetDuration("exec_poll_interval"),
			ReaperInterval:      v.GetDuration("exec_reaper_interval"),
			WebhookTimeout:      v.GetDuration("webhook_timeout"),
			WebhookAllowedHosts: splitList(v.GetString("webhook_allowed_hosts")),
		},
		Sandbox: SandboxConfig{
			Enabled:   v.GetBool("sandbox_enabled"),
			Image:     v.GetString("sandbox_image"),
			Container: v.GetString("sandbox_container"),
			Runtime:   v.GetString("container_runtime"),
			TTL:       v.GetDuration("sandbox_ttl"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       v.GetBool("conversation_log_enabled"),
			Dir:           v.GetString("conversation_log_dir"),
			GlobalEnabled: v.GetBool("conversation_log_global_enabled"),
			GlobalPath:    v.GetString("conversation_log_global_path"),
			QueueSize:     v.GetInt("conversation_log_queue_size"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}

	switch c.StoreBackend {
	case "sqlite":
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH cannot be empty"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be sqlite or memory, got %q", c.StoreBackend))
	}

	switch c.Provider.Name {
	case "local":
	case "gemini":
		if c.Provider.APIKey == "" {
			errs = append(errs, errors.New("GOOGLE_API_KEY is required for the gemini provider"))
		}
	case "grpc":
		if c.Provider.GRPCAddr == "" {
			errs = append(errs, errors.New("AGENT_GRPC_ADDR is required for the grpc provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("PROVIDER must be local, gemini or grpc, got %q", c.Provider.Name))
	}
	if c.Provider.RetryAttempts < 0 {
		errs = append(errs, errors.New("PROVIDER_RETRY_ATTEMPTS must be >= 0"))
	}

	if c.Stream.BufferSize <= 0 {
		errs = append(errs, errors.New("STREAM_BUFFER_SIZE must be > 0"))
	}
	if c.Stream.HistorySize <= 0 {
		errs = append(errs, errors.New("STREAM_HISTORY_SIZE must be > 0"))
	}
	if c.Stream.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("SSE_KEEPALIVE_INTERVAL must be > 0"))
	}
	if c.Stream.MaxRequestBodySize <= 0 {
		errs = append(errs, errors.New("MAX_REQUEST_BODY_SIZE must be > 0"))
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0"))
	}
	if c.Executor.Timeout <= 0 {
		errs = append(errs, errors.New("EXEC_TIMEOUT must be > 0"))
	}
	if c.Executor.ReaperInterval <= 0 {
		errs = append(errs, errors.New("EXEC_REAPER_INTERVAL must be > 0"))
	}
	if c.Sandbox.Enabled && c.Sandbox.Image == "" && c.Sandbox.Container == "" {
		errs = append(errs, errors.New("SANDBOX_IMAGE or SANDBOX_CONTAINER is required when the sandbox is enabled"))
	}

	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		errs = append(errs, errors.New("CONVERSATION_LOG_DIR cannot be empty"))
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		errs = append(errs, errors.New("CONVERSATION_LOG_GLOBAL_PATH cannot be empty"))
	}
	if c.ConversationLog.QueueSize <= 0 {
		errs = append(errs, errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins: everything in development,
// otherwise the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return splitList(c.FrontendURL)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
