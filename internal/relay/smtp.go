package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"
	"github.com/wneessen/go-mail/smtp"

	logx "mailgate/pkg/logx"
)

// Security selects how the relay connection is encrypted.
type Security string

const (
	SecuritySSL      Security = "ssl"
	SecuritySTARTTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// SMTPConfig describes the relay endpoint and its three timeouts.
type SMTPConfig struct {
	Host     string
	Port     int
	Security Security
	// Auth is "plain", "login", "cram-md5" or "none". Empty means plain
	// when a username is set.
	Auth     string
	Username string
	Password string
	HELO     string

	// ConnectTimeout bounds TCP connect plus the implicit TLS handshake.
	ConnectTimeout time.Duration
	// GreetingTimeout bounds the banner, EHLO, STARTTLS and AUTH exchange.
	GreetingTimeout time.Duration
	// SocketTimeout is the per-command deadline once the session is up.
	SocketTimeout time.Duration

	// TLSConfig overrides the verified default; tests use it to trust a
	// local certificate.
	TLSConfig *tls.Config
}

func (c SMTPConfig) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

func (c SMTPConfig) withDefaults() SMTPConfig {
	if c.Security == "" {
		c.Security = SecuritySSL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.GreetingTimeout <= 0 {
		c.GreetingTimeout = 10 * time.Second
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = 30 * time.Second
	}
	return c
}

// SMTPDialer opens authenticated relay sessions with go-mail.
type SMTPDialer struct {
	cfg    SMTPConfig
	tls    *tls.Config
	client *mail.Client
	log    logx.Logger
}

func NewSMTPDialer(cfg SMTPConfig, log logx.Logger) (*SMTPDialer, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, &Error{Kind: KindConfig, Op: "configure", Err: errors.New("relay host is empty")}
	}

	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = cfg.Host
	}

	d := &SMTPDialer{cfg: cfg, tls: tlsCfg, log: log}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.SocketTimeout),
		mail.WithTLSConfig(tlsCfg),
		mail.WithDialContextFunc(d.dialConn),
	}
	switch cfg.Security {
	case SecuritySSL:
		opts = append(opts, mail.WithSSL())
	case SecuritySTARTTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case SecurityNone:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		return nil, &Error{Kind: KindConfig, Op: "configure", Err: fmt.Errorf("unknown security mode %q", cfg.Security)}
	}
	if cfg.HELO != "" {
		opts = append(opts, mail.WithHELO(cfg.HELO))
	}
	auth, err := authType(cfg.Auth, cfg.Username)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Op: "configure", Err: err}
	}
	opts = append(opts, mail.WithSMTPAuth(auth))
	if auth != mail.SMTPAuthNoAuth {
		opts = append(opts, mail.WithUsername(cfg.Username), mail.WithPassword(cfg.Password))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Op: "configure", Err: err}
	}
	d.client = client
	return d, nil
}

func authType(mech, user string) (mail.SMTPAuthType, error) {
	if strings.TrimSpace(user) == "" {
		return mail.SMTPAuthNoAuth, nil
	}
	switch strings.ToLower(strings.TrimSpace(mech)) {
	case "", "plain":
		return mail.SMTPAuthPlain, nil
	case "login":
		return mail.SMTPAuthLogin, nil
	case "cram-md5":
		return mail.SMTPAuthCramMD5, nil
	case "none":
		return mail.SMTPAuthNoAuth, nil
	}
	return "", fmt.Errorf("unknown auth mechanism %q", mech)
}

func (d *SMTPDialer) Config() SMTPConfig { return d.cfg }

// dialConn connects, performs the implicit TLS handshake when configured,
// and arms the greeting deadline that covers the handshake go-mail runs
// next. go-mail replaces the deadline with the socket timeout before
// every send.
func (d *SMTPDialer) dialConn(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if d.cfg.Security == SecuritySSL {
		tc := tls.Client(conn, d.tls)
		hctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tc
	}
	if err := conn.SetDeadline(time.Now().Add(d.cfg.GreetingTimeout)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if h, ok := ctx.Value(connHolderKey{}).(*connHolder); ok {
		h.conn = conn
	}
	return conn, nil
}

// connHolder lets Dial close a socket go-mail abandons when the handshake
// fails after the connection was made.
type connHolder struct{ conn net.Conn }

type connHolderKey struct{}

// Dial opens one authenticated session.
func (d *SMTPDialer) Dial(ctx context.Context) (Session, error) {
	start := time.Now()
	holder := &connHolder{}
	c, err := d.client.DialToSMTPClientWithContext(context.WithValue(ctx, connHolderKey{}, holder))
	if err != nil {
		if holder.conn != nil {
			_ = holder.conn.Close()
		}
		return nil, Classify("dial", err)
	}
	d.log.Debug("relay session opened", logx.String("addr", d.cfg.Addr()), logx.Duration("took", time.Since(start)))
	return &smtpSession{d: d, c: c}, nil
}

type smtpSession struct {
	d      *SMTPDialer
	c      *smtp.Client
	closed bool
}

func (s *smtpSession) Send(ctx context.Context, m *mail.Msg) error {
	if s.closed {
		return &Error{Kind: KindNetwork, Op: "send", Err: ErrSessionLost}
	}
	if err := ctx.Err(); err != nil {
		return &unsentError{Err: err}
	}
	if err := s.d.client.SendWithSMTPClient(s.c, m); err != nil {
		return Classify("send", err)
	}
	return nil
}

// Close says QUIT and closes the socket.
func (s *smtpSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.d.client.CloseWithSMTPClient(s.c); err != nil {
		_ = s.c.Close()
		return err
	}
	return nil
}
