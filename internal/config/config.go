// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level
	Automation  AutomationConfig
	Operator    OperatorConfig
	Feedback    FeedbackConfig
	Probe       ProbeConfig
	API         APIConfig
	Timings     Timings
}

// ChannelConfig holds the connection settings shared by both realtime channels.
type ChannelConfig struct {
	ServerURL      string
	SocketPath     string
	MaxAttempts    int
	ConnectTimeout time.Duration
	RetryDelay     time.Duration
	RetryDelayMax  time.Duration
}

// AutomationConfig configures the automated-agent channel.
type AutomationConfig struct {
	ChannelConfig
	InboundEvent  string
	OutboundEvent string
}

// OperatorConfig configures the live-operator channel.
type OperatorConfig struct {
	ChannelConfig
}

// FeedbackConfig configures post-conversation feedback submission.
type FeedbackConfig struct {
	Endpoint string
	Timeout  time.Duration
	// OnOperatorUserEnd shows the feedback form when the user ends an operator chat.
	OnOperatorUserEnd bool
}

// ProbeConfig configures the optional connectivity probe. A zero interval disables it.
type ProbeConfig struct {
	URL      string
	Interval time.Duration
}

// Enabled reports whether the probe should run.
func (p ProbeConfig) Enabled() bool {
	return p.URL != "" && p.Interval > 0
}

// APIConfig configures the public HTTP surface.
type APIConfig struct {
	MessageRate  float64
	MessageBurst int
}

// Timings are protocol delays. They are not read from the environment.
type Timings struct {
	HandoffSettle     time.Duration
	RestartDelay      time.Duration
	SessionStartDelay time.Duration
	EndGrace          time.Duration
	FeedbackHold      time.Duration
	DedupWindow       time.Duration
}

// DefaultTimings returns the protocol delays the chat servers expect.
func DefaultTimings() Timings {
	return Timings{
		HandoffSettle:     50 * time.Millisecond,
		RestartDelay:      500 * time.Millisecond,
		SessionStartDelay: 300 * time.Millisecond,
		EndGrace:          2 * time.Second,
		FeedbackHold:      2 * time.Second,
		DedupWindow:       2 * time.Second,
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/chat.db"),
		LogLevel:    level,
		Automation: AutomationConfig{
			ChannelConfig: ChannelConfig{
				ServerURL:      getEnv("AUTOMATION_SERVER_URL", "http://localhost:5005"),
				SocketPath:     getEnv("AUTOMATION_SOCKET_PATH", "/ws"),
				MaxAttempts:    getEnvInt("AUTOMATION_MAX_ATTEMPTS", 5),
				ConnectTimeout: getEnvDuration("AUTOMATION_CONNECT_TIMEOUT", 20*time.Second),
				RetryDelay:     getEnvDuration("AUTOMATION_RETRY_DELAY", 2*time.Second),
				RetryDelayMax:  getEnvDuration("AUTOMATION_RETRY_DELAY_MAX", 10*time.Second),
			},
			InboundEvent:  getEnv("AUTOMATION_INBOUND_EVENT", "bot_uttered"),
			OutboundEvent: getEnv("AUTOMATION_OUTBOUND_EVENT", "user_uttered"),
		},
		Operator: OperatorConfig{
			ChannelConfig: ChannelConfig{
				ServerURL:      getEnv("OPERATOR_SERVER_URL", "http://localhost:5501"),
				SocketPath:     getEnv("OPERATOR_SOCKET_PATH", "/ws"),
				MaxAttempts:    getEnvInt("OPERATOR_MAX_ATTEMPTS", 3),
				ConnectTimeout: getEnvDuration("OPERATOR_CONNECT_TIMEOUT", 10*time.Second),
				RetryDelay:     getEnvDuration("OPERATOR_RETRY_DELAY", time.Second),
				RetryDelayMax:  getEnvDuration("OPERATOR_RETRY_DELAY_MAX", 3*time.Second),
			},
		},
		Feedback: FeedbackConfig{
			Endpoint:          getEnv("FEEDBACK_ENDPOINT", "http://localhost:5500/api/v1/feedback/public"),
			Timeout:           getEnvDuration("FEEDBACK_TIMEOUT", 10*time.Second),
			OnOperatorUserEnd: getEnvBool("FEEDBACK_ON_OPERATOR_USER_END", false),
		},
		Probe: ProbeConfig{
			URL:      getEnv("NETWORK_PROBE_URL", ""),
			Interval: getEnvDuration("NETWORK_PROBE_INTERVAL", 0),
		},
		API: APIConfig{
			MessageRate:  getEnvFloat("API_MESSAGE_RATE", 2),
			MessageBurst: getEnvInt("API_MESSAGE_BURST", 5),
		},
		Timings: DefaultTimings(),
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if err := c.Automation.validate("AUTOMATION"); err != nil {
		return err
	}
	if c.Automation.InboundEvent == "" || c.Automation.OutboundEvent == "" {
		return fmt.Errorf("AUTOMATION_INBOUND_EVENT and AUTOMATION_OUTBOUND_EVENT cannot be empty")
	}
	if err := c.Operator.validate("OPERATOR"); err != nil {
		return err
	}
	if c.Feedback.Endpoint == "" {
		return fmt.Errorf("FEEDBACK_ENDPOINT cannot be empty")
	}
	if c.Feedback.Timeout <= 0 {
		return fmt.Errorf("FEEDBACK_TIMEOUT must be > 0")
	}
	if c.Probe.Interval < 0 {
		return fmt.Errorf("NETWORK_PROBE_INTERVAL cannot be negative")
	}
	if c.API.MessageRate <= 0 {
		return fmt.Errorf("API_MESSAGE_RATE must be > 0")
	}
	if c.API.MessageBurst <= 0 {
		return fmt.Errorf("API_MESSAGE_BURST must be > 0")
	}
	return nil
}

func (c ChannelConfig) validate(prefix string) error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s_SERVER_URL must be an absolute URL: %q", prefix, c.ServerURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%s_SERVER_URL has unsupported scheme %q", prefix, u.Scheme)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%s_MAX_ATTEMPTS must be > 0", prefix)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%s_CONNECT_TIMEOUT must be > 0", prefix)
	}
	if c.RetryDelay <= 0 || c.RetryDelayMax < c.RetryDelay {
		return fmt.Errorf("%s_RETRY_DELAY must be > 0 and not above %s_RETRY_DELAY_MAX", prefix, prefix)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("1500ms", "2s") or a bare number of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
