package delivery

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	mail "github.com/wneessen/go-mail"

	"mailgate/internal/eventbus"
	"mailgate/internal/inquiry"
	"mailgate/internal/relay"
	"mailgate/internal/storage"
	logx "mailgate/pkg/logx"
)

// scriptedPool answers each attempt with the next scripted error; nil means
// the relay accepted the message.
type scriptedPool struct {
	mu    sync.Mutex
	steps []error
	calls int
}

type nopSession struct{ err error }

func (s nopSession) Send(context.Context, *mail.Msg) error { return s.err }
func (s nopSession) Close() error                          { return nil }

func (p *scriptedPool) WithConnection(ctx context.Context, fn func(context.Context, relay.Session) error) error {
	p.mu.Lock()
	var err error
	if p.calls < len(p.steps) {
		err = p.steps[p.calls]
	}
	p.calls++
	p.mu.Unlock()
	return fn(ctx, nopSession{err: err})
}

func (p *scriptedPool) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	slept  []time.Duration
	cancel context.CancelFunc
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.slept = append(r.slept, d)
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return ctx.Err()
}

func timeoutErr() error {
	return &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}
}

func testMessage() inquiry.Message {
	return inquiry.Message{
		To:       "owner@example.com",
		From:     "relay@example.com",
		FromName: "Website Inquiry",
		ReplyTo:  "a@b.com",
		Subject:  "New Inquiry from Website",
		Text:     "hi",
		Category: inquiry.CategoryGeneral,
	}
}

func newTestDispatcher(pool Pool, rec *sleepRecorder, opts ...Option) *Dispatcher {
	opts = append([]Option{
		WithSleep(rec.sleep),
		WithIDFunc(func() string { return "test-id" }),
		WithLogger(logx.Nop()),
	}, opts...)
	return New(DefaultConfig(), pool, opts...)
}

func TestDeliverSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	pool := &scriptedPool{steps: []error{
		&textproto.Error{Code: 451, Msg: "try later"},
		timeoutErr(),
		nil,
	}}
	rec := &sleepRecorder{}
	d := newTestDispatcher(pool, rec)

	res, err := d.Deliver(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.Attempts != 3 || pool.attempts() != 3 || res.ID != "test-id" || res.MessageID != "test-id@example.com" {
		t.Fatalf("result = %+v, pool attempts = %d", res, pool.attempts())
	}
	if diff := cmp.Diff([]time.Duration{2 * time.Second, 4 * time.Second}, rec.slept); diff != "" {
		t.Fatalf("backoff sleeps (-want +got):\n%s", diff)
	}
	if st := d.Stats(); st.Delivered != 1 || st.Retries != 2 || st.Attempts != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDeliverStopsOnFatalFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		kind relay.Kind
	}{
		{name: "auth", err: &relay.Error{Kind: relay.KindAuth, Code: 535, Op: "dial"}, kind: relay.KindAuth},
		{name: "hard bounce", err: &textproto.Error{Code: 550, Msg: "no such user"}, kind: relay.KindRejected},
		{name: "tls", err: &relay.Error{Kind: relay.KindTLS, Op: "dial"}, kind: relay.KindTLS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pool := &scriptedPool{steps: []error{tt.err, nil}}
			rec := &sleepRecorder{}
			d := newTestDispatcher(pool, rec)

			_, err := d.Deliver(context.Background(), testMessage())
			var de *DeliveryError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *DeliveryError", err)
			}
			if de.Kind != tt.kind || de.Attempts != 1 || de.Exhausted || errors.Is(err, ErrExhausted) {
				t.Fatalf("err = %+v", de)
			}
			if pool.attempts() != 1 || len(rec.slept) != 0 {
				t.Fatalf("attempts = %d, sleeps = %v", pool.attempts(), rec.slept)
			}
		})
	}
}

func TestDeliverExhaustsRetries(t *testing.T) {
	t.Parallel()
	last := &textproto.Error{Code: 421, Msg: "closing"}
	pool := &scriptedPool{steps: []error{timeoutErr(), timeoutErr(), last}}
	rec := &sleepRecorder{}
	d := newTestDispatcher(pool, rec)

	_, err := d.Deliver(context.Background(), testMessage())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, last) {
		t.Fatalf("err = %v, want it to carry the last attempt's error", err)
	}
	var de *DeliveryError
	if !errors.As(err, &de) || de.Kind != relay.KindNetwork || de.Code != 421 || de.Attempts != 3 {
		t.Fatalf("err = %+v", de)
	}
	if st := d.Stats(); st.Exhausted != 1 || st.Failed != 1 || st.LastKind != relay.KindNetwork {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDeliverTimeoutEveryAttempt(t *testing.T) {
	t.Parallel()
	pool := &scriptedPool{steps: []error{timeoutErr(), timeoutErr(), timeoutErr(), nil}}
	rec := &sleepRecorder{}
	d := newTestDispatcher(pool, rec)

	_, err := d.Deliver(context.Background(), testMessage())
	var de *DeliveryError
	if !errors.As(err, &de) || de.Kind != relay.KindTimeout || !de.Exhausted {
		t.Fatalf("err = %v, want exhausted timeout", err)
	}
	if pool.attempts() != 3 {
		t.Fatalf("attempts = %d, want 3", pool.attempts())
	}
	var total time.Duration
	for _, s := range rec.slept {
		total += s
	}
	if total != 6*time.Second {
		t.Fatalf("cumulative backoff = %v, want 2s+4s", total)
	}
}

// refusingDialer refuses the first n dials, then hands out sessions that
// accept everything.
type refusingDialer struct {
	mu    sync.Mutex
	n     int
	dials int
}

func (d *refusingDialer) Dial(context.Context) (relay.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.n {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	}
	return nopSession{}, nil
}

func TestDeliverBackoffThroughRateLimitedPool(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		refusals  int
		wantErr   bool
		wantSleep []time.Duration
	}{
		{name: "recovers on last attempt", refusals: 2, wantSleep: []time.Duration{2 * time.Second, 4 * time.Second}},
		{name: "relay never answers", refusals: 3, wantErr: true, wantSleep: []time.Duration{2 * time.Second, 4 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dialer := &refusingDialer{n: tt.refusals}
			pool := relay.NewPool(relay.PoolConfig{MaxConnections: 1, MaxMessages: 10, RateLimit: 1, RateDelta: time.Minute}, dialer)
			defer pool.Close(context.Background())
			rec := &sleepRecorder{}
			d := newTestDispatcher(pool, rec)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := d.Deliver(ctx, testMessage())
			if tt.wantErr {
				var de *DeliveryError
				if !errors.As(err, &de) || !de.Exhausted || de.Kind != relay.KindNetwork {
					t.Fatalf("err = %v, want exhausted network failure", err)
				}
			} else if err != nil || res.Attempts != 3 {
				t.Fatalf("Deliver = %+v, %v; refused dials must not spend the rate token", res, err)
			}
			if diff := cmp.Diff(tt.wantSleep, rec.slept); diff != "" {
				t.Fatalf("backoff sleeps (-want +got):\n%s", diff)
			}
			if dialer.dials != 3 {
				t.Fatalf("dials = %d, want one per attempt", dialer.dials)
			}
		})
	}
}

func TestDeliverAbandonsBackoffOnCancel(t *testing.T) {
	t.Parallel()
	pool := &scriptedPool{steps: []error{timeoutErr(), nil}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &sleepRecorder{cancel: cancel}
	d := newTestDispatcher(pool, rec)

	_, err := d.Deliver(ctx, testMessage())
	var de *DeliveryError
	if !errors.As(err, &de) || !de.Canceled() || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
	if pool.attempts() != 1 {
		t.Fatalf("attempts = %d, want no attempt after cancel", pool.attempts())
	}
	if st := d.Stats(); st.Failed != 0 {
		t.Fatalf("a canceled request is not a delivery failure: %+v", st)
	}
}

func TestDeliverComposeErrorIsFatal(t *testing.T) {
	t.Parallel()
	pool := &scriptedPool{}
	d := newTestDispatcher(pool, &sleepRecorder{})
	m := testMessage()
	m.To = "not an address"

	_, err := d.Deliver(context.Background(), m)
	var de *DeliveryError
	if !errors.As(err, &de) || de.Kind != relay.KindConfig || de.Attempts != 0 {
		t.Fatalf("err = %v, want config error before any attempt", err)
	}
	if pool.attempts() != 0 {
		t.Fatal("pool used for an unbuildable message")
	}
}

func TestDeliverRecordsAndPublishes(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "log.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDispatcher(&scriptedPool{}, &sleepRecorder{},
		WithStore(st), WithBus(bus), WithClock(func() time.Time { return at }))

	res, err := d.Deliver(context.Background(), testMessage())
	if err != nil {
		t.Fatal(err)
	}
	if !res.DeliveredAt.Equal(at) {
		t.Fatalf("DeliveredAt = %v", res.DeliveredAt)
	}

	entries, err := st.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []storage.DeliveryEntry{{
		At: at, ID: "test-id", To: "owner@example.com", Subject: "New Inquiry from Website",
		Category: "general", Attempts: 1,
	}}
	if diff := cmp.Diff(want, entries, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Fatalf("delivery log (-want +got):\n%s", diff)
	}

	select {
	case e := <-events:
		o, ok := e.Data.(Outcome)
		if e.Type != eventbus.TypeDeliverySent || !ok || o.ID != "test-id" {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("no delivery.sent event")
	}
}

func TestBackoffCap(t *testing.T) {
	t.Parallel()
	c := Config{MaxRetries: 6, RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}
	var got []time.Duration
	for i := 1; i <= 5; i++ {
		got = append(got, c.Backoff(i))
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Backoff (-want +got):\n%s", diff)
	}
}
