package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	DefaultRelayHost = "smtp.hostinger.com"
	DefaultRelayPort = 465
	DefaultHTTPPort  = 3001
)

// Default returns a config that runs against the stock relay once the
// credentials and destination are supplied through the environment.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            fmt.Sprintf(":%d", DefaultHTTPPort),
			AllowedOrigins:  []string{"*"},
			MaxBodyBytes:    64 << 10,
			ReadTimeout:     "10s",
			WriteTimeout:    "3m",
			IdleTimeout:     "60s",
			RequestTimeout:  "2m",
			ShutdownTimeout: "15s",
		},
		Relay: RelayConfig{
			Host:            DefaultRelayHost,
			Port:            DefaultRelayPort,
			Security:        "ssl",
			Auth:            "plain",
			FromName:        "Website Inquiry",
			ConnectTimeout:  "10s",
			GreetingTimeout: "10s",
			SocketTimeout:   "30s",
		},
		Pool: PoolConfig{
			MaxConnections: 1,
			MaxMessages:    100,
			RateLimit:      10,
			RateDelta:      "1m",
			IdleTimeout:    "30s",
		},
		Delivery: DeliveryConfig{
			MaxRetries:    3,
			RetryBase:     "1s",
			RetryMaxDelay: "30s",
			HistorySize:   50,
		},
		Admission: AdmissionConfig{
			Burst:      WindowConfig{Window: "60s", Limit: 5},
			Abuse:      WindowConfig{Window: "15m", Limit: 20},
			MaxClients: 10000,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		DeliveryLog: DeliveryLogConfig{
			Driver:        "file",
			Path:          "./data/deliveries.jsonl",
			BusyTimeout:   "5s",
			Retention:     "720h",
			PruneSchedule: "@every 6h",
		},
		Pprof: PprofConfig{
			Addr: "127.0.0.1:6060",
		},
	}
}

// ApplyEnv overlays the process environment onto cfg. Empty variables are
// ignored so a blank line in .env never clears a file value.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("SMTP_HOST"); ok {
		cfg.Relay.Host = v
	}
	if v, ok := get("SMTP_PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SMTP_PORT: invalid port %q", v)
		}
		cfg.Relay.Port = p
	}
	if v, ok := get("SMTP_SECURE"); ok {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "ssl", "tls":
			cfg.Relay.Security = "ssl"
		case "starttls":
			cfg.Relay.Security = "starttls"
		case "false", "0", "no", "none":
			cfg.Relay.Security = "none"
		default:
			return fmt.Errorf("SMTP_SECURE: unknown mode %q", v)
		}
	}
	if v, ok := get("SMTP_USER"); ok {
		cfg.Relay.Username = v
	}
	if v, ok := lookup("SMTP_PASSWORD"); ok && v != "" {
		cfg.Relay.Password = v
	}
	if v, ok := get("OWNER_EMAIL"); ok {
		cfg.Relay.To = v
	}
	if v, ok := get("PORT"); ok {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("PORT: invalid port %q", v)
		}
		cfg.HTTP.Addr = ":" + v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get("DELIVERY_LOG"); ok {
		cfg.DeliveryLog.Path = v
	}
	return nil
}

// Sender resolves the envelope sender. Relays usually insist it matches the
// authenticated user.
func (c RelayConfig) Sender() string {
	if s := strings.TrimSpace(c.From); s != "" {
		return s
	}
	return strings.TrimSpace(c.Username)
}
