package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"mailgate/internal/inquiry"
	logx "mailgate/pkg/logx"
)

// fakeRelay is a minimal SMTP responder. It speaks just enough of the
// protocol for go-mail to dial, authenticate, send and quit.
type fakeRelay struct {
	ln net.Listener

	authReply string
	rcptReply string
	silent    bool

	mu       sync.Mutex
	conns    []net.Conn
	messages []string
	wg       sync.WaitGroup
}

func startFakeRelay(t *testing.T, setup func(r *fakeRelay)) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := &fakeRelay{ln: ln, authReply: "235 2.7.0 accepted", rcptReply: "250 2.1.5 ok"}
	if setup != nil {
		setup(r)
	}
	r.wg.Add(1)
	go r.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		r.mu.Lock()
		for _, c := range r.conns {
			_ = c.Close()
		}
		r.mu.Unlock()
		r.wg.Wait()
	})
	return r
}

func (r *fakeRelay) port() int { return r.ln.Addr().(*net.TCPAddr).Port }

func (r *fakeRelay) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *fakeRelay) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *fakeRelay) serve() {
	defer r.wg.Done()
	for {
		c, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, c)
		r.mu.Unlock()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(c)
		}()
	}
}

func (r *fakeRelay) handle(c net.Conn) {
	defer c.Close()
	if r.silent {
		_, _ = io.Copy(io.Discard, c)
		return
	}
	tp := textproto.NewConn(c)
	reply := func(lines ...string) {
		for _, l := range lines {
			_ = tp.PrintfLine("%s", l)
		}
	}
	reply("220 fake.relay ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb, _, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "EHLO":
			reply("250-fake.relay", "250-8BITMIME", "250 AUTH PLAIN LOGIN")
		case "HELO":
			reply("250 fake.relay")
		case "AUTH":
			reply(r.authReply)
		case "*":
			reply("501 5.0.0 cancelled")
		case "NOOP", "RSET", "MAIL":
			reply("250 2.0.0 ok")
		case "RCPT":
			reply(r.rcptReply)
		case "DATA":
			reply("354 go ahead")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			r.mu.Lock()
			r.messages = append(r.messages, strings.Join(lines, "\n"))
			n := len(r.messages)
			r.mu.Unlock()
			reply("250 2.0.0 Ok: queued as FAKE" + strconv.Itoa(n))
		case "QUIT":
			reply("221 2.0.0 bye")
			return
		default:
			reply("502 5.5.2 unknown command")
		}
	}
}

func testDialer(t *testing.T, r *fakeRelay, mutate func(c *SMTPConfig)) *SMTPDialer {
	t.Helper()
	cfg := SMTPConfig{
		Host:            "127.0.0.1",
		Port:            r.port(),
		Security:        SecurityNone,
		Auth:            "plain",
		Username:        "relay-user",
		Password:        "secret",
		ConnectTimeout:  time.Second,
		GreetingTimeout: time.Second,
		SocketTimeout:   time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewSMTPDialer(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("NewSMTPDialer: %v", err)
	}
	return d
}

func testMessage(t *testing.T, id string) inquiry.Message {
	t.Helper()
	return inquiry.Message{
		To:       "owner@example.com",
		From:     "relay@example.com",
		FromName: "Website Inquiry",
		ReplyTo:  "ann@example.org",
		Subject:  "New Inquiry from Website",
		Text:     "hello " + id,
		HTML:     "<p>hello " + id + "</p>",
		Category: inquiry.CategoryGeneral,
	}
}

func TestSMTPSessionSendsOverOneConnection(t *testing.T) {
	t.Parallel()
	r := startFakeRelay(t, nil)
	d := testDialer(t, r, nil)

	ctx := context.Background()
	sess, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	for i, id := range []string{"one", "two"} {
		msg, err := Compose(testMessage(t, id), id)
		if err != nil {
			t.Fatal(err)
		}
		if err := sess.Send(ctx, msg); err != nil {
			t.Fatalf("Send %s: %v", id, err)
		}
		if got, want := RelayID(msg), "FAKE"+strconv.Itoa(i+1); got != want {
			t.Fatalf("RelayID = %q, want %q", got, want)
		}
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := r.received()
	if len(got) != 2 || r.connCount() != 1 {
		t.Fatalf("received %d messages over %d connections", len(got), r.connCount())
	}
	for _, want := range []string{"Subject: New Inquiry from Website", "Reply-To: <ann@example.org>", "Message-ID: <one@example.com>"} {
		if !strings.Contains(got[0], want) {
			t.Errorf("message missing %q:\n%s", want, got[0])
		}
	}
}

func TestSMTPDialerFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(r *fakeRelay)
		kind  Kind
		code  int
	}{
		{name: "bad credentials", setup: func(r *fakeRelay) { r.authReply = "535 5.7.8 authentication failed" }, kind: KindAuth, code: 535},
		{name: "silent server", setup: func(r *fakeRelay) { r.silent = true }, kind: KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := startFakeRelay(t, tt.setup)
			d := testDialer(t, r, func(c *SMTPConfig) { c.GreetingTimeout = 100 * time.Millisecond })
			_, err := d.Dial(context.Background())
			var re *Error
			if !errors.As(err, &re) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if re.Kind != tt.kind || re.Code != tt.code {
				t.Fatalf("err = %v, want %s/%d", err, tt.kind, tt.code)
			}
		})
	}
}

func TestSMTPDialerConnectionRefused(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	d, err := NewSMTPDialer(SMTPConfig{Host: "127.0.0.1", Port: port, Security: SecurityNone, ConnectTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Dial(context.Background())
	if KindOf(err) != KindNetwork || !IsTransient(err) {
		t.Fatalf("err = %v, want transient network error", err)
	}
}

func TestSMTPSessionReplyCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		reply     string
		kind      Kind
		transient bool
	}{
		{reply: "451 4.3.0 try again later", kind: KindRelayBusy, transient: true},
		{reply: "550 5.1.1 mailbox unavailable", kind: KindRejected},
	}
	for _, tt := range tests {
		t.Run(tt.reply[:3], func(t *testing.T) {
			t.Parallel()
			r := startFakeRelay(t, func(r *fakeRelay) { r.rcptReply = tt.reply })
			d := testDialer(t, r, nil)
			sess, err := d.Dial(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			defer sess.Close()

			msg, err := Compose(testMessage(t, "x"), "x")
			if err != nil {
				t.Fatal(err)
			}
			err = sess.Send(context.Background(), msg)
			if KindOf(err) != tt.kind || IsTransient(err) != tt.transient {
				t.Fatalf("err = %v, want %s", err, tt.kind)
			}
		})
	}
}

func TestSMTPThroughPool(t *testing.T) {
	t.Parallel()
	r := startFakeRelay(t, nil)
	p := NewPool(PoolConfig{MaxConnections: 1, MaxMessages: 2}, testDialer(t, r, nil))

	for i := 0; i < 3; i++ {
		msg, err := Compose(testMessage(t, "p"), "")
		if err != nil {
			t.Fatal(err)
		}
		if err := p.WithConnection(context.Background(), func(ctx context.Context, s Session) error {
			return s.Send(ctx, msg)
		}); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(r.received()); n != 3 {
		t.Fatalf("relay received %d messages", n)
	}
	if n := r.connCount(); n != 2 {
		t.Fatalf("relay saw %d connections, want 2 after retirement", n)
	}
}

func TestSMTPCanceledSendKeepsPooledConnection(t *testing.T) {
	t.Parallel()
	r := startFakeRelay(t, nil)
	p := NewPool(PoolConfig{MaxConnections: 1, MaxMessages: 10}, testDialer(t, r, nil))
	defer p.Close(context.Background())

	sendOne := func(ctx context.Context, id string) error {
		msg, err := Compose(testMessage(t, id), id)
		if err != nil {
			t.Fatal(err)
		}
		return p.WithConnection(ctx, func(ctx context.Context, s Session) error {
			return s.Send(ctx, msg)
		})
	}
	if err := sendOne(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	err := p.WithConnection(ctx, func(c context.Context, s Session) error {
		cancel()
		msg, err := Compose(testMessage(t, "gone"), "gone")
		if err != nil {
			t.Fatal(err)
		}
		return s.Send(c, msg)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if st := p.Stats(); st.Open != 1 {
		t.Fatalf("stats = %+v, want the session kept after an unsent cancel", st)
	}

	if err := sendOne(context.Background(), "second"); err != nil {
		t.Fatal(err)
	}
	if n := r.connCount(); n != 1 {
		t.Fatalf("relay saw %d connections, want the first one reused", n)
	}
	if n := len(r.received()); n != 2 {
		t.Fatalf("relay received %d messages, want 2", n)
	}
}

func TestSMTPClosedSessionReportsLost(t *testing.T) {
	t.Parallel()
	r := startFakeRelay(t, nil)
	sess, err := testDialer(t, r, nil).Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	msg, err := Compose(testMessage(t, "late"), "late")
	if err != nil {
		t.Fatal(err)
	}
	err = sess.Send(context.Background(), msg)
	if !errors.Is(err, ErrSessionLost) || KindOf(err) != KindNetwork {
		t.Fatalf("err = %v, want a network-kind ErrSessionLost", err)
	}
}

func TestComposeRejectsBadAddresses(t *testing.T) {
	t.Parallel()
	m := testMessage(t, "x")
	m.To = "not an address"
	if _, err := Compose(m, "x"); KindOf(err) != KindConfig {
		t.Fatalf("err = %v, want config error", err)
	}

	m = testMessage(t, "x")
	msg, err := Compose(m, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if got := MessageID(msg); got != "abc@example.com" {
		t.Fatalf("MessageID = %q", got)
	}
}
