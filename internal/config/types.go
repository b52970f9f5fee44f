package config

// Config is the on-disk shape of mailgate's configuration. Durations are Go
// duration strings ("30s", "15m") and are resolved by the consumer with
// ParseDurationOrDefault so a bad value names its own path.
type Config struct {
	HTTP        HTTPConfig        `json:"http"`
	Relay       RelayConfig       `json:"relay"`
	Pool        PoolConfig        `json:"pool"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Admission   AdmissionConfig   `json:"admission"`
	Logging     LoggingConfig     `json:"logging"`
	DeliveryLog DeliveryLogConfig `json:"delivery_log"`
	Systemd     SystemdConfig     `json:"systemd"`
	Pprof       PprofConfig       `json:"pprof"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
	// TrustProxy enables X-Forwarded-For / X-Real-IP as the client identifier.
	TrustProxy      bool     `json:"trust_proxy"`
	AllowedOrigins  []string `json:"allowed_origins"`
	MaxBodyBytes    int64    `json:"max_body_bytes"`
	ReadTimeout     string   `json:"read_timeout"`
	WriteTimeout    string   `json:"write_timeout"`
	IdleTimeout     string   `json:"idle_timeout"`
	RequestTimeout  string   `json:"request_timeout"`
	ShutdownTimeout string   `json:"shutdown_timeout"`
}

type RelayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Security is one of "ssl" (implicit TLS), "starttls" or "none".
	Security string `json:"security"`
	// Auth is one of "plain", "login", "cram-md5" or "none".
	Auth     string `json:"auth"`
	Username string `json:"username"`
	Password string `json:"password"`
	HELO     string `json:"helo"`

	From     string `json:"from"`
	FromName string `json:"from_name"`
	To       string `json:"to"`

	ConnectTimeout  string `json:"connect_timeout"`
	GreetingTimeout string `json:"greeting_timeout"`
	SocketTimeout   string `json:"socket_timeout"`

	VerifyOnStart *bool `json:"verify_on_start,omitempty"`
}

type PoolConfig struct {
	MaxConnections int    `json:"max_connections"`
	MaxMessages    int    `json:"max_messages"`
	RateLimit      int    `json:"rate_limit"`
	RateDelta      string `json:"rate_delta"`
	IdleTimeout    string `json:"idle_timeout"`
}

type DeliveryConfig struct {
	MaxRetries    int    `json:"max_retries"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	HistorySize   int    `json:"history_size"`
}

type AdmissionConfig struct {
	Burst      WindowConfig `json:"burst"`
	Abuse      WindowConfig `json:"abuse"`
	MaxClients int          `json:"max_clients"`
}

type WindowConfig struct {
	Window string `json:"window"`
	Limit  int    `json:"limit"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	JSON    bool           `json:"json"`
	File    LoggingFileCfg `json:"file"`
}

type LoggingFileCfg struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type DeliveryLogConfig struct {
	// Driver is "file" (jsonl), "sqlite" or "none".
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout"`
	Retention     string `json:"retention"`
	PruneSchedule string `json:"prune_schedule"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// PprofConfig controls the debug profiling listener. A non-loopback Addr
// needs a Token or AllowInsecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Token         string `json:"token"`
	AllowInsecure bool   `json:"allow_insecure"`
}

// VerifyOnStartEnabled defaults to true when unset.
func (c RelayConfig) VerifyOnStartEnabled() bool {
	return c.VerifyOnStart == nil || *c.VerifyOnStart
}
