package config

import (
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strings"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		add("http.addr: required")
	}
	if cfg.HTTP.MaxBodyBytes < 0 {
		add("http.max_body_bytes: must be >= 0")
	}
	for _, d := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"http.request_timeout", cfg.HTTP.RequestTimeout},
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
		{"relay.connect_timeout", cfg.Relay.ConnectTimeout},
		{"relay.greeting_timeout", cfg.Relay.GreetingTimeout},
		{"relay.socket_timeout", cfg.Relay.SocketTimeout},
		{"pool.rate_delta", cfg.Pool.RateDelta},
		{"pool.idle_timeout", cfg.Pool.IdleTimeout},
		{"delivery.retry_base", cfg.Delivery.RetryBase},
		{"delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay},
		{"admission.burst.window", cfg.Admission.Burst.Window},
		{"admission.abuse.window", cfg.Admission.Abuse.Window},
		{"delivery_log.busy_timeout", cfg.DeliveryLog.BusyTimeout},
		{"delivery_log.retention", cfg.DeliveryLog.Retention},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	r := cfg.Relay
	if strings.TrimSpace(r.Host) == "" {
		add("relay.host: required")
	}
	if r.Port < 1 || r.Port > 65535 {
		add("relay.port: out of range (%d)", r.Port)
	}
	switch strings.ToLower(r.Security) {
	case "ssl", "starttls", "none":
	default:
		add("relay.security: unknown mode %q", r.Security)
	}
	switch strings.ToLower(r.Auth) {
	case "", "plain", "login", "cram-md5", "none":
	default:
		add("relay.auth: unknown mechanism %q", r.Auth)
	}
	if strings.TrimSpace(r.To) == "" {
		add("relay.to: destination mailbox required (OWNER_EMAIL)")
	} else if _, err := mail.ParseAddress(r.To); err != nil {
		add("relay.to: %v", err)
	}
	if s := r.Sender(); s == "" {
		add("relay.from: sender required (relay.from or SMTP_USER)")
	} else if _, err := mail.ParseAddress(s); err != nil {
		add("relay.from: %v", err)
	}

	if cfg.Pool.MaxConnections < 1 {
		add("pool.max_connections: must be >= 1")
	}
	if cfg.Pool.MaxMessages < 1 {
		add("pool.max_messages: must be >= 1")
	}
	if cfg.Pool.RateLimit < 0 {
		add("pool.rate_limit: must be >= 0")
	}
	if cfg.Delivery.MaxRetries < 1 {
		add("delivery.max_retries: must be >= 1")
	}
	if cfg.Delivery.HistorySize < 0 {
		add("delivery.history_size: must be >= 0")
	}
	if cfg.Admission.Burst.Limit < 1 {
		add("admission.burst.limit: must be >= 1")
	}
	if cfg.Admission.Abuse.Limit < 1 {
		add("admission.abuse.limit: must be >= 1")
	}
	if cfg.Admission.MaxClients < 0 {
		add("admission.max_clients: must be >= 0")
	}

	switch strings.ToLower(cfg.DeliveryLog.Driver) {
	case "", "file", "sqlite", "none":
	default:
		add("delivery_log.driver: unknown driver %q", cfg.DeliveryLog.Driver)
	}
	if p := cfg.Pprof; p.Enabled {
		if _, _, err := net.SplitHostPort(p.Addr); err != nil {
			add("pprof.addr: %v", err)
		} else if p.Token == "" && !p.AllowInsecure && !IsLoopbackAddr(p.Addr) {
			add("pprof.addr: %q is not loopback; set pprof.token or pprof.allow_insecure", p.Addr)
		}
	}
	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a host:port binds only to loopback. An
// empty host means every interface.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
