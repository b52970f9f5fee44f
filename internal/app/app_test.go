package app

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mailgate/internal/admission"
	"mailgate/internal/config"
	"mailgate/internal/relay"
	"mailgate/internal/storage"
	logx "mailgate/pkg/logx"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Relay.Host = "127.0.0.1"
	cfg.Relay.Port = 2525
	cfg.Relay.Security = "none"
	cfg.Relay.Username = "relay@example.com"
	cfg.Relay.To = "owner@example.com"
	off := false
	cfg.Relay.VerifyOnStart = &off
	cfg.Logging.Console = false
	cfg.DeliveryLog.Driver = "sqlite"
	cfg.DeliveryLog.Path = filepath.Join(t.TempDir(), "deliveries.db")
	return cfg
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		log     config.DeliveryLogConfig
		want    storage.Config
		enabled bool
		wantErr bool
	}{
		{name: "none", log: config.DeliveryLogConfig{Driver: "none"}},
		{name: "empty", log: config.DeliveryLogConfig{}},
		{name: "file", log: config.DeliveryLogConfig{Driver: "File", Path: " d.jsonl "},
			want: storage.Config{Driver: "file", Path: "d.jsonl"}, enabled: true},
		{name: "sqlite default busy", log: config.DeliveryLogConfig{Driver: "sqlite", Path: "d.db"},
			want: storage.Config{Driver: "sqlite", Path: "d.db", BusyTimeout: 5 * time.Second}, enabled: true},
		{name: "sqlite busy", log: config.DeliveryLogConfig{Driver: "sqlite", Path: "d.db", BusyTimeout: "2s"},
			want: storage.Config{Driver: "sqlite", Path: "d.db", BusyTimeout: 2 * time.Second}, enabled: true},
		{name: "sqlite without path", log: config.DeliveryLogConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", log: config.DeliveryLogConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, enabled, err := mapStorageConfig(&config.Config{DeliveryLog: tt.log})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if enabled != tt.enabled {
				t.Fatalf("enabled = %v", enabled)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("config (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Relay.Username = "relay@example.com"
	cfg.Relay.To = "owner@example.com"

	wantLimits := admission.Limits{
		BurstWindow: time.Minute, BurstLimit: 5,
		AbuseWindow: 15 * time.Minute, AbuseLimit: 20,
		MaxClients: 10000,
	}
	if diff := cmp.Diff(wantLimits, mapLimits(cfg)); diff != "" {
		t.Fatalf("limits (-want +got):\n%s", diff)
	}

	wantPool := relay.PoolConfig{
		MaxConnections: 1, MaxMessages: 100,
		RateLimit: 10, RateDelta: time.Minute,
		IdleTimeout: 30 * time.Second,
	}
	if diff := cmp.Diff(wantPool, mapPoolConfig(cfg)); diff != "" {
		t.Fatalf("pool (-want +got):\n%s", diff)
	}

	d := mapDeliveryConfig(cfg)
	if d.MaxRetries != 3 || d.RetryBase != time.Second {
		t.Fatalf("delivery = %+v", d)
	}

	s := mapSMTPConfig(cfg)
	if s.Security != relay.SecuritySSL || s.ConnectTimeout != 10*time.Second || s.SocketTimeout != 30*time.Second {
		t.Fatalf("smtp = %+v", s)
	}

	b := mapBuilder(cfg)
	if b.From != "relay@example.com" || b.To != "owner@example.com" {
		t.Fatalf("builder = %+v", b)
	}
	if info := mapRelayInfo(cfg); info.Auth != "plain" || info.Security != "ssl" {
		t.Fatalf("relay info = %+v", info)
	}
}

func TestPruneJob(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "d.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.DeliveryLog.Retention = "24h"
	cfg.DeliveryLog.PruneSchedule = "@every 1h"
	job, err := newPruneJob(cfg, st, logx.Nop())
	if err != nil || job == nil {
		t.Fatalf("newPruneJob = %v, %v", job, err)
	}
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	ctx := context.Background()
	for i, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(-time.Hour)} {
		if err := st.AppendDelivery(ctx, storage.DeliveryEntry{At: at, ID: []string{"old", "new"}[i]}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := job.runOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("runOnce = %d, %v", n, err)
	}
	left, err := st.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].ID != "new" {
		t.Fatalf("left = %+v", left)
	}
}

func TestPruneJobDisabled(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	if job, err := newPruneJob(cfg, nil, logx.Nop()); job != nil || err != nil {
		t.Fatalf("no store: %v, %v", job, err)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "d.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg.DeliveryLog.PruneSchedule = "not a schedule"
	if _, err := newPruneJob(cfg, st, logx.Nop()); err == nil {
		t.Fatal("bad schedule accepted")
	}
	cfg.DeliveryLog.PruneSchedule = ""
	if job, err := newPruneJob(cfg, st, logx.Nop()); job != nil || err != nil {
		t.Fatalf("no schedule: %v, %v", job, err)
	}
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfgm := config.NewConfigManager("")
	cfgm.Commit(cfg)

	a, err := build(cfgm, cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + a.Addr() + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	var health struct {
		Status string `json:"status"`
	}
	err = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK || health.Status != "ok" {
		t.Fatalf("health = %d %+v %v", resp.StatusCode, health, err)
	}

	// A live section is applied in place.
	next := *cfg
	next.Admission.Burst.Limit = 9
	a.applyConfig(cfg, &next)
	if got := a.admission.Stats().Limits.BurstLimit; got != 9 {
		t.Fatalf("burst limit after reload = %d, want 9", got)
	}
	rotated := next
	rotated.Relay.Password = "rotated-relay-secret"
	a.applyConfig(&next, &rotated)
	if diff := cmp.Diff([]string{cfg.Relay.Password, "rotated-relay-secret"}, a.secrets); diff != "" {
		t.Fatalf("redacted passwords (-want +got):\n%s", diff)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if _, err := a.pool.Verify(context.Background()); err == nil {
		t.Fatal("pool still usable after Stop")
	}
}
