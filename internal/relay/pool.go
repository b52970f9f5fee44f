package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	mail "github.com/wneessen/go-mail"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	logx "mailgate/pkg/logx"
)

// Session is one open, authenticated relay connection.
type Session interface {
	Send(ctx context.Context, msg *mail.Msg) error
	Close() error
}

// unsentError marks a Send that gave up before writing anything, so the
// session can be reused.
type unsentError struct{ Err error }

func (e *unsentError) Error() string { return e.Err.Error() }
func (e *unsentError) Unwrap() error { return e.Err }

// Dialer opens sessions. *SMTPDialer is the production implementation.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

type PoolConfig struct {
	// MaxConnections is N, the number of slots. Each slot holds at most one
	// open session.
	MaxConnections int
	// MaxMessages is M. A session that has carried M messages is closed.
	MaxMessages int
	// RateLimit messages per RateDelta, per slot. RateLimit <= 0 disables
	// the governor.
	RateLimit int
	RateDelta time.Duration
	// IdleTimeout closes a parked session before reuse once it has sat
	// unused this long. 0 disables the check.
	IdleTimeout time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConnections < 1 {
		c.MaxConnections = 1
	}
	if c.MaxMessages < 1 {
		c.MaxMessages = 100
	}
	if c.RateLimit > 0 && c.RateDelta <= 0 {
		c.RateDelta = time.Minute
	}
	return c
}

type slot struct {
	id       int
	sess     Session
	sent     int
	lastUsed time.Time
	governor *rate.Limiter
}

// Pool is the process-wide set of relay connection slots. A slot is a token
// in a buffered channel; holding the token is the only way to touch the
// slot's session, so at most MaxConnections sessions exist at once.
type Pool struct {
	cfg    PoolConfig
	dialer Dialer
	log    logx.Logger
	now    func() time.Time

	slots     chan *slot
	closed    chan struct{}
	closeOnce sync.Once

	open    atomic.Int64
	peak    atomic.Int64
	inUse   atomic.Int64
	dialed  atomic.Uint64
	retired atomic.Uint64
	sent    atomic.Uint64

	verifyGroup singleflight.Group
	verifyMu    sync.Mutex
	lastVerify  *VerifyResult
}

type PoolOption func(*Pool)

func WithPoolLogger(log logx.Logger) PoolOption { return func(p *Pool) { p.log = log } }

// WithPoolClock replaces time.Now for the idle check, for tests.
func WithPoolClock(now func() time.Time) PoolOption { return func(p *Pool) { p.now = now } }

func NewPool(cfg PoolConfig, dialer Dialer, opts ...PoolOption) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:    cfg,
		dialer: dialer,
		now:    time.Now,
		slots:  make(chan *slot, cfg.MaxConnections),
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	for i := 0; i < cfg.MaxConnections; i++ {
		s := &slot{id: i}
		if cfg.RateLimit > 0 {
			s.governor = rate.NewLimiter(rate.Every(cfg.RateDelta/time.Duration(cfg.RateLimit)), 1)
		}
		p.slots <- s
	}
	return p
}

func (p *Pool) Config() PoolConfig { return p.cfg }

func (p *Pool) acquire(ctx context.Context) (*slot, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}
	select {
	case s := <-p.slots:
		p.inUse.Add(1)
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPoolClosed
	}
}

func (p *Pool) release(s *slot) {
	p.inUse.Add(-1)
	p.slots <- s
}

// WithConnection runs fn with a session from a free slot, dialing one if
// the slot is empty. The slot is released on every path. A session is
// dropped when fn fails and retired once it has carried MaxMessages.
func (p *Pool) WithConnection(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	s, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer p.release(s)

	if s.sess != nil && p.cfg.IdleTimeout > 0 && p.now().Sub(s.lastUsed) >= p.cfg.IdleTimeout {
		p.drop(s, "idle")
	}
	if s.sess == nil {
		sess, err := p.dialer.Dial(ctx)
		if err != nil {
			return Classify("dial", err)
		}
		p.adopt(s, sess)
	}

	// Tokens pay for messages, not dials: a failed dial never reaches the
	// governor, so the caller's backoff alone spaces its retries.
	if s.governor != nil {
		if err := s.governor.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// Wait refuses up front when the token would arrive after the
			// deadline.
			return &Error{Kind: KindTimeout, Op: "rate wait", Err: err}
		}
	}

	err = fn(ctx, s.sess)
	s.lastUsed = p.now()
	if err != nil {
		var unsent *unsentError
		if errors.As(err, &unsent) {
			// Nothing reached the wire; the session is still in sync.
			return unsent.Err
		}
		p.drop(s, "error")
		return err
	}
	s.sent++
	p.sent.Add(1)
	if s.sent >= p.cfg.MaxMessages {
		p.retired.Add(1)
		p.drop(s, "retired")
	}
	return nil
}

func (p *Pool) adopt(s *slot, sess Session) {
	s.sess = sess
	s.sent = 0
	s.lastUsed = p.now()
	p.dialed.Add(1)
	n := p.open.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
}

func (p *Pool) drop(s *slot, reason string) {
	if s.sess == nil {
		return
	}
	if err := s.sess.Close(); err != nil {
		p.log.Debug("relay session close failed", logx.Int("slot", s.id), logx.String("reason", reason), logx.Err(err))
	}
	p.log.Debug("relay session closed", logx.Int("slot", s.id), logx.String("reason", reason), logx.Int("sent", s.sent))
	s.sess = nil
	s.sent = 0
	p.open.Add(-1)
}

// Close stops new acquisitions and closes every parked session, waiting
// for in-flight users to release their slots until ctx ends.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.closed) })
	for i := 0; i < p.cfg.MaxConnections; i++ {
		select {
		case s := <-p.slots:
			p.drop(s, "shutdown")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Slots       int    `json:"slots"`
	MaxMessages int    `json:"max_messages"`
	Open        int64  `json:"open"`
	PeakOpen    int64  `json:"peak_open"`
	InUse       int64  `json:"in_use"`
	Dialed      uint64 `json:"dialed"`
	Retired     uint64 `json:"retired"`
	Sent        uint64 `json:"sent"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Slots:       p.cfg.MaxConnections,
		MaxMessages: p.cfg.MaxMessages,
		Open:        p.open.Load(),
		PeakOpen:    p.peak.Load(),
		InUse:       p.inUse.Load(),
		Dialed:      p.dialed.Load(),
		Retired:     p.retired.Load(),
		Sent:        p.sent.Load(),
	}
}

// VerifyResult records the outcome of the last handshake check.
type VerifyResult struct {
	At   time.Time     `json:"at"`
	OK   bool          `json:"ok"`
	Took time.Duration `json:"took"`
	Kind Kind          `json:"kind,omitempty"`
	Err  string        `json:"error,omitempty"`
}

// Verify dials a fresh session through a slot, then closes it with QUIT.
// Concurrent calls share one handshake.
func (p *Pool) Verify(ctx context.Context) (VerifyResult, error) {
	v, err, _ := p.verifyGroup.Do("verify", func() (any, error) {
		res, err := p.verify(ctx)
		p.verifyMu.Lock()
		p.lastVerify = &res
		p.verifyMu.Unlock()
		return res, err
	})
	res, _ := v.(VerifyResult)
	return res, err
}

func (p *Pool) verify(ctx context.Context) (VerifyResult, error) {
	start := time.Now()
	res := VerifyResult{At: start}

	s, err := p.acquire(ctx)
	if err != nil {
		res.Took = time.Since(start)
		res.Err = err.Error()
		return res, err
	}
	defer p.release(s)
	p.drop(s, "verify")

	sess, err := p.dialer.Dial(ctx)
	res.Took = time.Since(start)
	if err != nil {
		re := Classify("verify", err)
		res.Kind = re.Kind
		res.Err = re.Error()
		return res, re
	}
	p.dialed.Add(1)
	if err := sess.Close(); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Debug("verify session close failed", logx.Err(err))
	}
	res.OK = true
	return res, nil
}

// LastVerify returns the most recent Verify outcome, or nil before the first.
func (p *Pool) LastVerify() *VerifyResult {
	p.verifyMu.Lock()
	defer p.verifyMu.Unlock()
	if p.lastVerify == nil {
		return nil
	}
	r := *p.lastVerify
	return &r
}
