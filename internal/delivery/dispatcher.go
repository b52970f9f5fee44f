// Package delivery sends one formatted inquiry through the relay pool,
// retrying transient failures with exponential backoff and giving up at
// once on failures no retry can fix.
package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mailgate/internal/eventbus"
	"mailgate/internal/inquiry"
	"mailgate/internal/relay"
	"mailgate/internal/storage"
	logx "mailgate/pkg/logx"
)

// Config is the retry policy.
type Config struct {
	// MaxRetries is the total attempt budget, including the first try.
	MaxRetries int
	// RetryBase is one backoff unit. After failed attempt i the dispatcher
	// sleeps 2^i units.
	RetryBase time.Duration
	// RetryMaxDelay caps a single sleep. 0 means uncapped.
	RetryMaxDelay time.Duration
}

func DefaultConfig() Config {
	return Config{MaxRetries: 3, RetryBase: time.Second, RetryMaxDelay: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 1 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	return c
}

// Backoff returns the sleep after failed attempt i (1-indexed).
func (c Config) Backoff(attempt int) time.Duration {
	d := c.RetryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if c.RetryMaxDelay > 0 && d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	return d
}

// Pool is the part of *relay.Pool the dispatcher needs.
type Pool interface {
	WithConnection(ctx context.Context, fn func(ctx context.Context, s relay.Session) error) error
}

// Result describes an accepted message.
type Result struct {
	ID          string    `json:"id"`
	DeliveredAt time.Time `json:"delivered_at"`
	RelayID     string    `json:"relay_id,omitempty"`
	// MessageID is the Message-ID header without angle brackets.
	MessageID string `json:"message_id"`
	Attempts  int    `json:"attempts"`
}

// Outcome is the payload of delivery events.
type Outcome struct {
	ID       string           `json:"id"`
	Category inquiry.Category `json:"category"`
	Attempts int              `json:"attempts"`
	Kind     relay.Kind       `json:"kind,omitempty"`
	Error    string           `json:"error,omitempty"`
	Delay    time.Duration    `json:"delay,omitempty"`
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = bus } }

// WithStore sets the delivery log. Without one, successes are not recorded.
func WithStore(st storage.Store) Option { return func(d *Dispatcher) { d.store = st } }

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func WithIDFunc(fn func() string) Option { return func(d *Dispatcher) { d.newID = fn } }

// Dispatcher is safe for concurrent use; each Deliver call owns its own
// attempt loop and shares only the pool.
type Dispatcher struct {
	cfg   Config
	pool  Pool
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	newID func() string

	attempts  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	exhausted atomic.Uint64
	retries   atomic.Uint64

	lastMu      sync.Mutex
	lastSuccess time.Time
	lastFailure time.Time
	lastKind    relay.Kind
}

func New(cfg Config, pool Pool, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:   cfg.withDefaults(),
		pool:  pool,
		sleep: sleepCtx,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Config() Config { return d.cfg }

// Deliver attempts m up to MaxRetries times. It returns a *DeliveryError on
// every failure path.
func (d *Dispatcher) Deliver(ctx context.Context, m inquiry.Message) (Result, error) {
	id := d.newID()
	log := d.log.With(logx.String("delivery_id", id), logx.String("category", string(m.Category)))

	msg, err := relay.Compose(m, id)
	if err != nil {
		return Result{}, d.fail(log, m, failure(id, 0, relay.Classify("compose", err)))
	}

	budget := d.cfg.MaxRetries
	for attempt := 1; attempt <= budget; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, d.fail(log, m, aborted(id, attempt-1, err))
		}
		d.attempts.Add(1)

		err := d.pool.WithConnection(ctx, func(ctx context.Context, s relay.Session) error {
			return s.Send(ctx, msg)
		})
		if err == nil {
			res := Result{ID: id, DeliveredAt: d.now(), RelayID: relay.RelayID(msg), MessageID: relay.MessageID(msg), Attempts: attempt}
			d.succeed(ctx, log, m, res)
			if ctxErr := ctx.Err(); ctxErr != nil {
				// The relay took it, but nobody is waiting for the answer.
				return Result{}, aborted(id, attempt, ctxErr)
			}
			return res, nil
		}
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return Result{}, d.fail(log, m, aborted(id, attempt, ctx.Err()))
		}

		re := relay.Classify("send", err)
		if !re.Transient() {
			return Result{}, d.fail(log, m, failure(id, attempt, re))
		}
		if attempt == budget {
			de := failure(id, attempt, re)
			de.Exhausted = true
			d.exhausted.Add(1)
			return Result{}, d.fail(log, m, de)
		}

		delay := d.cfg.Backoff(attempt)
		d.retries.Add(1)
		log.Warn("delivery attempt failed, retrying",
			logx.Int("attempt", attempt),
			logx.Int("max", budget),
			logx.String("kind", string(re.Kind)),
			logx.Duration("backoff", delay),
			logx.Err(re),
		)
		d.publish(eventbus.TypeDeliveryRetry, Outcome{ID: id, Category: m.Category, Attempts: attempt, Kind: re.Kind, Error: re.Error(), Delay: delay})
		if err := d.sleep(ctx, delay); err != nil {
			return Result{}, d.fail(log, m, aborted(id, attempt, err))
		}
	}
	// Unreachable: the loop returns on its last iteration.
	return Result{}, d.fail(log, m, aborted(id, budget, errors.New("no attempts made")))
}

func (d *Dispatcher) succeed(ctx context.Context, log logx.Logger, m inquiry.Message, res Result) {
	d.delivered.Add(1)
	d.lastMu.Lock()
	d.lastSuccess = res.DeliveredAt
	d.lastMu.Unlock()

	log.Info("inquiry delivered",
		logx.Int("attempts", res.Attempts),
		logx.String("relay_id", res.RelayID),
		logx.String("message_id", res.MessageID),
		logx.String("to", m.To),
		logx.Mailbox("reply_to", m.ReplyTo),
	)
	d.publish(eventbus.TypeDeliverySent, Outcome{ID: res.ID, Category: m.Category, Attempts: res.Attempts})

	if d.store == nil {
		return
	}
	// The message is already with the relay; a caller hanging up must not
	// lose the record.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	entry := storage.DeliveryEntry{
		At:       res.DeliveredAt,
		ID:       res.ID,
		To:       m.To,
		Subject:  m.Subject,
		Category: string(m.Category),
		Attempts: res.Attempts,
		RelayID:  res.RelayID,
	}
	if err := d.store.AppendDelivery(wctx, entry); err != nil {
		log.Error("delivery log write failed", logx.Err(err))
	}
}

func (d *Dispatcher) fail(log logx.Logger, m inquiry.Message, de *DeliveryError) *DeliveryError {
	if de.Canceled() {
		log.Info("delivery abandoned by caller", logx.Int("attempts", de.Attempts))
		return de
	}
	d.failed.Add(1)
	d.lastMu.Lock()
	d.lastFailure = d.now()
	d.lastKind = de.Kind
	d.lastMu.Unlock()

	log.Error("inquiry delivery failed",
		logx.Int("attempts", de.Attempts),
		logx.String("kind", string(de.Kind)),
		logx.Bool("exhausted", de.Exhausted),
		logx.Err(de.Err),
	)
	d.publish(eventbus.TypeDeliveryFailed, Outcome{ID: de.ID, Category: m.Category, Attempts: de.Attempts, Kind: de.Kind, Error: de.Err.Error()})
	return de
}

func (d *Dispatcher) publish(typ string, o Outcome) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: o})
}

// Stats are cumulative counters since start.
type Stats struct {
	Attempts    uint64     `json:"attempts"`
	Delivered   uint64     `json:"delivered"`
	Failed      uint64     `json:"failed"`
	Exhausted   uint64     `json:"exhausted"`
	Retries     uint64     `json:"retries"`
	LastSuccess time.Time  `json:"last_success,omitempty"`
	LastFailure time.Time  `json:"last_failure,omitempty"`
	LastKind    relay.Kind `json:"last_failure_kind,omitempty"`
}

func (d *Dispatcher) Stats() Stats {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	return Stats{
		Attempts:    d.attempts.Load(),
		Delivered:   d.delivered.Load(),
		Failed:      d.failed.Load(),
		Exhausted:   d.exhausted.Load(),
		Retries:     d.retries.Load(),
		LastSuccess: d.lastSuccess,
		LastFailure: d.lastFailure,
		LastKind:    d.lastKind,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
