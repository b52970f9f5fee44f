// Package admission gates inbound requests with two fixed-window limiters:
// a global burst window that protects the shared relay credential, and a
// per-client abuse window that keeps one origin from eating the burst
// budget. Rejected requests are never queued.
package admission

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"mailgate/internal/eventbus"
	logx "mailgate/pkg/logx"
)

// Limiter names reported on rejection.
const (
	LimiterBurst = "burst"
	LimiterAbuse = "abuse"
)

// Limits configures both windows.
type Limits struct {
	BurstWindow time.Duration
	BurstLimit  int
	AbuseWindow time.Duration
	AbuseLimit  int
	// MaxClients bounds the per-client map. 0 means unbounded.
	MaxClients int
}

func DefaultLimits() Limits {
	return Limits{
		BurstWindow: 60 * time.Second,
		BurstLimit:  5,
		AbuseWindow: 900 * time.Second,
		AbuseLimit:  20,
		MaxClients:  10000,
	}
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed    bool
	Limiter    string
	RetryAfter time.Duration
}

// Err returns nil for an admitted request and a *RejectedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RejectedError{Limiter: d.Limiter, RetryAfter: d.RetryAfter}
}

// RejectedError reports which limiter tripped and when to try again.
type RejectedError struct {
	Limiter    string
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s): retry in %s", e.Limiter, e.RetryAfter.Round(time.Second))
}

// RetryAfterSeconds rounds up so a client never retries early.
func (e *RejectedError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

type Option func(*Controller)

func WithLogger(log logx.Logger) Option { return func(c *Controller) { c.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(c *Controller) { c.bus = bus } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// Controller owns the burst window and the per-client abuse windows.
type Controller struct {
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	mu      sync.Mutex
	limits  Limits
	burst   *Window
	clients map[string]*Window
	calls   uint64

	admitted      atomic.Uint64
	rejectedBurst atomic.Uint64
	rejectedAbuse atomic.Uint64
}

func New(l Limits, opts ...Option) *Controller {
	c := &Controller{
		now:     time.Now,
		limits:  l,
		burst:   NewWindow(l.BurstWindow, l.BurstLimit),
		clients: map[string]*Window{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Admit runs the burst check, then the abuse check for clientID. Each
// check-and-increment is atomic; a request rejected by burst never touches
// its abuse window.
func (c *Controller) Admit(clientID string) Decision {
	now := c.now()

	if ok, wait := c.burst.Hit(now); !ok {
		c.rejectedBurst.Add(1)
		return c.reject(LimiterBurst, clientID, wait)
	}
	if ok, wait := c.hitClient(clientID, now); !ok {
		c.rejectedAbuse.Add(1)
		return c.reject(LimiterAbuse, clientID, wait)
	}
	c.admitted.Add(1)
	return Decision{Allowed: true}
}

func (c *Controller) reject(limiter, clientID string, wait time.Duration) Decision {
	c.log.Warn("request rejected",
		logx.String("limiter", limiter),
		logx.String("client", clientID),
		logx.Duration("retry_after", wait),
	)
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Type: eventbus.TypeAdmissionReject,
			Time: c.now(),
			Data: map[string]any{"limiter": limiter, "client": clientID},
		})
	}
	return Decision{Limiter: limiter, RetryAfter: wait}
}

// hitClient counts against clientID's abuse window under c.mu so a sweep
// cannot drop the window between lookup and hit.
func (c *Controller) hitClient(clientID string, now time.Time) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.calls%256 == 0 {
		c.sweepLocked(now)
	}
	w, ok := c.clients[clientID]
	if ok {
		return w.Hit(now)
	}
	if limit := c.limits.MaxClients; limit > 0 && len(c.clients) >= limit {
		c.sweepLocked(now)
		if len(c.clients) >= limit {
			c.evictOldestLocked()
		}
	}
	w = NewWindow(c.limits.AbuseWindow, c.limits.AbuseLimit)
	c.clients[clientID] = w
	return w.Hit(now)
}

func (c *Controller) sweepLocked(now time.Time) {
	for id, w := range c.clients {
		if w.expired(now) {
			delete(c.clients, id)
		}
	}
}

func (c *Controller) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, w := range c.clients {
		st := w.State()
		if oldestID == "" || st.Start.Before(oldest) {
			oldestID, oldest = id, st.Start
		}
	}
	delete(c.clients, oldestID)
}

// Apply swaps in new limits. Open windows keep their counts and adopt the
// new period and ceiling.
func (c *Controller) Apply(l Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = l
	c.burst.Reconfigure(l.BurstWindow, l.BurstLimit)
	for _, w := range c.clients {
		w.Reconfigure(l.AbuseWindow, l.AbuseLimit)
	}
}

// Stats is served by the status endpoint.
type Stats struct {
	Limits         Limits `json:"-"`
	Burst          State  `json:"burst"`
	TrackedClients int    `json:"tracked_clients"`
	Admitted       uint64 `json:"admitted"`
	RejectedBurst  uint64 `json:"rejected_burst"`
	RejectedAbuse  uint64 `json:"rejected_abuse"`
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	l := c.limits
	n := len(c.clients)
	c.mu.Unlock()
	return Stats{
		Limits:         l,
		Burst:          c.burst.State(),
		TrackedClients: n,
		Admitted:       c.admitted.Load(),
		RejectedBurst:  c.rejectedBurst.Load(),
		RejectedAbuse:  c.rejectedAbuse.Load(),
	}
}
