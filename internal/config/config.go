package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// ServerConfig 描述 HTTP 与 WebSocket 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	MaxMessageSize int64
	SendBuffer     int
	HistoryLimit   int
}

// StoreConfig selects the message store backend.
type StoreConfig struct {
	URL string
}

// LogConfig 控制日志级别与格式。
type LogConfig struct {
	Level  slog.Level
	Format string
}

// TelemetryConfig enables OTLP tracing when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string
	ServiceName string
}

type rawEnv struct {
	Port           string     `env:"PORT"             envDefault:"5000"`
	AllowedOrigins []string   `env:"ALLOWED_ORIGINS"  envSeparator:","`
	ClientOrigin   string     `env:"CLIENT_ORIGIN"`
	StoreURL       string     `env:"STORE_URL"        envDefault:"badger://./data/chat"`
	MaxMessageSize int64      `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	SendBuffer     int        `env:"SEND_BUFFER"      envDefault:"64"`
	HistoryLimit   int        `env:"HISTORY_LIMIT"    envDefault:"50"`
	LogLevel       slog.Level `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat      string     `env:"LOG_FORMAT"       envDefault:"text"`
	OTelEndpoint   string     `env:"OTEL_ENDPOINT"`
	ServiceName    string     `env:"OTEL_SERVICE_NAME" envDefault:"chatrelay"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	var raw rawEnv
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	addr, err := normalizeAddr(raw.Port)
	if err != nil {
		return nil, err
	}

	if raw.MaxMessageSize <= 0 {
		return nil, fmt.Errorf("invalid MAX_MESSAGE_SIZE value: %d", raw.MaxMessageSize)
	}
	if raw.SendBuffer <= 0 {
		return nil, fmt.Errorf("invalid SEND_BUFFER value: %d", raw.SendBuffer)
	}
	if raw.HistoryLimit <= 0 || raw.HistoryLimit > 200 {
		return nil, fmt.Errorf("invalid HISTORY_LIMIT value: %d (want 1-200)", raw.HistoryLimit)
	}

	format := strings.ToLower(strings.TrimSpace(raw.LogFormat))
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("invalid LOG_FORMAT value: %q", raw.LogFormat)
	}

	storeURL := strings.TrimSpace(raw.StoreURL)
	if storeURL == "" {
		return nil, fmt.Errorf("STORE_URL must not be empty")
	}

	return &Config{
		Server: ServerConfig{
			Addr:           addr,
			AllowedOrigins: resolveOrigins(raw.AllowedOrigins, raw.ClientOrigin),
			MaxMessageSize: raw.MaxMessageSize,
			SendBuffer:     raw.SendBuffer,
			HistoryLimit:   raw.HistoryLimit,
		},
		Store: StoreConfig{URL: storeURL},
		Log:   LogConfig{Level: raw.LogLevel, Format: format},
		Telemetry: TelemetryConfig{
			Endpoint:    strings.TrimSpace(raw.OTelEndpoint),
			ServiceName: raw.ServiceName,
		},
	}, nil
}

// normalizeAddr 解析服务器监听地址。
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "5000"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":5000" 或 "127.0.0.1:5000"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// resolveOrigins prefers ALLOWED_ORIGINS, falls back to CLIENT_ORIGIN and
// finally to allowing every origin.
func resolveOrigins(allowed []string, clientOrigin string) []string {
	out := make([]string, 0, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) > 0 {
		return out
	}
	if o := strings.TrimSpace(clientOrigin); o != "" {
		return []string{o}
	}
	return []string{"*"}
}
