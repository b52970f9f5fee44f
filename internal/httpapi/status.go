package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"mailgate/internal/delivery"
	"mailgate/internal/eventbus"
	"mailgate/internal/relay"
	"mailgate/internal/storage"
	logx "mailgate/pkg/logx"
)

const recentLogEntries = 5

type windowView struct {
	Window string `json:"window"`
	Limit  int    `json:"limit"`
}

type emailStatus struct {
	Status string    `json:"status"`
	Relay  RelayInfo `json:"relay"`
	Pool   struct {
		MaxConnections int         `json:"maxConnections"`
		MaxMessages    int         `json:"maxMessages"`
		RateLimit      int         `json:"rateLimit"`
		RateDelta      string      `json:"rateDelta"`
		Stats          relay.Stats `json:"stats"`
	} `json:"pool"`
	Limits struct {
		Burst          windowView `json:"burst"`
		Abuse          windowView `json:"abuse"`
		BurstUsed      int        `json:"burstUsed"`
		TrackedClients int        `json:"trackedClients"`
		Admitted       uint64     `json:"admitted"`
		RejectedBurst  uint64     `json:"rejectedBurst"`
		RejectedAbuse  uint64     `json:"rejectedAbuse"`
	} `json:"limits"`
	Retry struct {
		MaxRetries  int    `json:"maxRetries"`
		BackoffUnit string `json:"backoffUnit"`
		MaxDelay    string `json:"maxDelay,omitempty"`
	} `json:"retry"`
	Verification *relay.VerifyResult `json:"verification"`
	Delivery     delivery.Stats      `json:"delivery"`
	Recent       []recentOutcome     `json:"recent,omitempty"`
	// EventsDropped counts events a full subscriber missed; a rising value
	// means Recent is incomplete.
	EventsDropped uint64                  `json:"eventsDropped"`
	DeliveryLog   []storage.DeliveryEntry `json:"deliveryLog,omitempty"`
}

type recentOutcome struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	delivery.Outcome
}

// emailStatus reports configuration and counters. It has no side effects.
func (h *handler) emailStatus(w http.ResponseWriter, r *http.Request) {
	var st emailStatus
	st.Status = "unverified"
	st.Relay = h.Relay

	pc := h.Pool.Config()
	st.Pool.MaxConnections = pc.MaxConnections
	st.Pool.MaxMessages = pc.MaxMessages
	st.Pool.RateLimit = pc.RateLimit
	if pc.RateLimit > 0 {
		st.Pool.RateDelta = pc.RateDelta.String()
	}
	st.Pool.Stats = h.Pool.Stats()

	as := h.Admission.Stats()
	st.Limits.Burst = windowView{Window: as.Limits.BurstWindow.String(), Limit: as.Limits.BurstLimit}
	st.Limits.Abuse = windowView{Window: as.Limits.AbuseWindow.String(), Limit: as.Limits.AbuseLimit}
	st.Limits.BurstUsed = as.Burst.Count
	if as.Burst.Start.IsZero() || h.Now().Sub(as.Burst.Start) >= as.Burst.Period {
		st.Limits.BurstUsed = 0
	}
	st.Limits.TrackedClients = as.TrackedClients
	st.Limits.Admitted = as.Admitted
	st.Limits.RejectedBurst = as.RejectedBurst
	st.Limits.RejectedAbuse = as.RejectedAbuse

	dc := h.Dispatcher.Config()
	st.Retry.MaxRetries = dc.MaxRetries
	st.Retry.BackoffUnit = dc.RetryBase.String()
	if dc.RetryMaxDelay > 0 {
		st.Retry.MaxDelay = dc.RetryMaxDelay.String()
	}

	if v := h.Pool.LastVerify(); v != nil {
		st.Verification = v
		st.Status = "error"
		if v.OK {
			st.Status = "ok"
		}
	}
	st.Delivery = h.Dispatcher.Stats()

	if h.History != nil {
		for _, e := range h.History.Recent(20) {
			o, ok := e.Data.(delivery.Outcome)
			if !ok {
				continue
			}
			st.Recent = append(st.Recent, recentOutcome{Type: e.Type, At: e.Time, Outcome: o})
		}
	}
	if h.Bus != nil {
		st.EventsDropped = eventbus.Dropped(h.Bus)
	}
	if h.Store != nil {
		entries, err := h.Store.Recent(r.Context(), recentLogEntries)
		if err != nil {
			h.Log.Warn("delivery log read failed", logx.Err(err))
		} else {
			st.DeliveryLog = entries
		}
	}
	writeJSON(w, http.StatusOK, st)
}

type healthStatus struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Uptime        string    `json:"uptime"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	StartedAt     time.Time `json:"startedAt"`
	Goroutines    int       `json:"goroutines"`
	Memory        struct {
		Alloc      string `json:"alloc"`
		HeapInuse  string `json:"heapInuse"`
		Sys        string `json:"sys"`
		AllocBytes uint64 `json:"allocBytes"`
		NumGC      uint32 `json:"numGC"`
	} `json:"memory"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	now := h.Now()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	up := now.Sub(h.Started)
	st := healthStatus{
		Status:        "ok",
		Timestamp:     now.UTC(),
		Uptime:        up.Round(time.Second).String(),
		UptimeSeconds: int64(up.Seconds()),
		StartedAt:     h.Started.UTC(),
		Goroutines:    runtime.NumGoroutine(),
	}
	st.Memory.Alloc = humanize.IBytes(ms.Alloc)
	st.Memory.HeapInuse = humanize.IBytes(ms.HeapInuse)
	st.Memory.Sys = humanize.IBytes(ms.Sys)
	st.Memory.AllocBytes = ms.Alloc
	st.Memory.NumGC = ms.NumGC
	writeJSON(w, http.StatusOK, st)
}
