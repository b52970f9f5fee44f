package config

import (
	"reflect"

	logx "mailgate/pkg/logx"
)

// Change is the result of comparing two configs.
type Change struct {
	// Sections lists every top-level section that differs.
	Sections []string
	// Live lists sections that are applied without a restart.
	Live []string
	// Restart lists sections whose new values only take effect after a restart.
	Restart []string
	// Fields are safe to log; they never carry the relay password.
	Fields []logx.Field
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares oldCfg and newCfg section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, live bool, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if live {
			ch.Live = append(ch.Live, section)
		} else {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", true,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Admission != newCfg.Admission {
		a := newCfg.Admission
		mark("admission", true,
			logx.String("admission.burst", a.Burst.Window),
			logx.Int("admission.burst_limit", a.Burst.Limit),
			logx.String("admission.abuse", a.Abuse.Window),
			logx.Int("admission.abuse_limit", a.Abuse.Limit),
		)
	}

	// Password changes are detected but only reported as a flag.
	o, n := oldCfg.Relay, newCfg.Relay
	pwChanged := o.Password != n.Password
	o.Password, n.Password = "", ""
	if pwChanged || !reflect.DeepEqual(o, n) {
		mark("relay", false,
			logx.String("relay.host", n.Host),
			logx.Int("relay.port", n.Port),
			logx.String("relay.security", n.Security),
			logx.Bool("relay.password_changed", pwChanged),
		)
	}
	if oldCfg.Pool != newCfg.Pool {
		mark("pool", false,
			logx.Int("pool.max_connections", newCfg.Pool.MaxConnections),
			logx.Int("pool.max_messages", newCfg.Pool.MaxMessages),
		)
	}
	if oldCfg.Delivery != newCfg.Delivery {
		mark("delivery", false, logx.Int("delivery.max_retries", newCfg.Delivery.MaxRetries))
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http", false, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.DeliveryLog != newCfg.DeliveryLog {
		mark("delivery_log", false, logx.String("delivery_log.driver", newCfg.DeliveryLog.Driver))
	}
	if oldCfg.Systemd != newCfg.Systemd {
		mark("systemd", false)
	}
	if oldCfg.Pprof != newCfg.Pprof {
		mark("pprof", false, logx.Bool("pprof.enabled", newCfg.Pprof.Enabled), logx.String("pprof.addr", newCfg.Pprof.Addr))
	}
	return ch
}
