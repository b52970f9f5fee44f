package app

import (
	"fmt"
	"strings"
	"time"

	"mailgate/internal/admission"
	"mailgate/internal/config"
	"mailgate/internal/delivery"
	"mailgate/internal/httpapi"
	"mailgate/internal/inquiry"
	"mailgate/internal/relay"
	"mailgate/internal/storage"
	logx "mailgate/pkg/logx"
)

// Mapping from the on-disk config onto each component's own config type.
// Validate has already checked every duration, so the defaults below only
// apply to empty values.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	dl := cfg.DeliveryLog
	driver := strings.ToLower(strings.TrimSpace(dl.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(dl.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("delivery_log.path is required when delivery_log.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("delivery_log.busy_timeout", dl.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown delivery_log.driver: %s", dl.Driver)
	}
}

func mapSMTPConfig(cfg *config.Config) relay.SMTPConfig {
	r := cfg.Relay
	return relay.SMTPConfig{
		Host:            r.Host,
		Port:            r.Port,
		Security:        relay.Security(strings.ToLower(r.Security)),
		Auth:            strings.ToLower(r.Auth),
		Username:        r.Username,
		Password:        r.Password,
		HELO:            r.HELO,
		ConnectTimeout:  config.DurationOr(r.ConnectTimeout, 10*time.Second),
		GreetingTimeout: config.DurationOr(r.GreetingTimeout, 10*time.Second),
		SocketTimeout:   config.DurationOr(r.SocketTimeout, 30*time.Second),
	}
}

func mapPoolConfig(cfg *config.Config) relay.PoolConfig {
	p := cfg.Pool
	return relay.PoolConfig{
		MaxConnections: p.MaxConnections,
		MaxMessages:    p.MaxMessages,
		RateLimit:      p.RateLimit,
		RateDelta:      config.DurationOr(p.RateDelta, time.Minute),
		IdleTimeout:    config.DurationOr(p.IdleTimeout, 0),
	}
}

func mapDeliveryConfig(cfg *config.Config) delivery.Config {
	d := cfg.Delivery
	return delivery.Config{
		MaxRetries:    d.MaxRetries,
		RetryBase:     config.DurationOr(d.RetryBase, time.Second),
		RetryMaxDelay: config.DurationOr(d.RetryMaxDelay, 0),
	}
}

func mapLimits(cfg *config.Config) admission.Limits {
	a := cfg.Admission
	return admission.Limits{
		BurstWindow: config.DurationOr(a.Burst.Window, 60*time.Second),
		BurstLimit:  a.Burst.Limit,
		AbuseWindow: config.DurationOr(a.Abuse.Window, 15*time.Minute),
		AbuseLimit:  a.Abuse.Limit,
		MaxClients:  a.MaxClients,
	}
}

func mapBuilder(cfg *config.Config) inquiry.Builder {
	return inquiry.Builder{
		To:       cfg.Relay.To,
		From:     cfg.Relay.Sender(),
		FromName: cfg.Relay.FromName,
	}
}

func mapServerConfig(cfg *config.Config) httpapi.ServerConfig {
	h := cfg.HTTP
	return httpapi.ServerConfig{
		Addr:            h.Addr,
		ReadTimeout:     config.DurationOr(h.ReadTimeout, 10*time.Second),
		WriteTimeout:    config.DurationOr(h.WriteTimeout, 0),
		IdleTimeout:     config.DurationOr(h.IdleTimeout, 0),
		ShutdownTimeout: config.DurationOr(h.ShutdownTimeout, 15*time.Second),
	}
}

func mapHandlerOptions(cfg *config.Config) httpapi.Options {
	h := cfg.HTTP
	return httpapi.Options{
		TrustProxy:     h.TrustProxy,
		AllowedOrigins: h.AllowedOrigins,
		MaxBodyBytes:   h.MaxBodyBytes,
		RequestTimeout: config.DurationOr(h.RequestTimeout, 0),
	}
}

func mapRelayInfo(cfg *config.Config) httpapi.RelayInfo {
	r := cfg.Relay
	auth := strings.ToLower(r.Auth)
	if auth == "" {
		auth = "plain"
	}
	return httpapi.RelayInfo{
		Host:     r.Host,
		Port:     r.Port,
		Security: strings.ToLower(r.Security),
		Auth:     auth,
		From:     r.Sender(),
		To:       r.To,
	}
}
