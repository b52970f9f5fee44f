package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strings"
	"syscall"

	mail "github.com/wneessen/go-mail"
	"github.com/wneessen/go-mail/smtp"
)

// Kind is the closed set of delivery failure classes.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindNetwork   Kind = "network"
	KindRelayBusy Kind = "relay_busy"
	KindAuth      Kind = "auth"
	KindRejected  Kind = "rejected"
	KindTLS       Kind = "tls"
	KindConfig    Kind = "config"
	KindUnknown   Kind = "unknown"
)

// Transient reports whether a retry can plausibly succeed.
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRelayBusy:
		return true
	}
	return false
}

var (
	ErrPoolClosed = errors.New("relay: pool closed")
	// ErrSessionLost is returned when a pooled session is no longer usable.
	ErrSessionLost = errors.New("relay: session lost")
)

// Error is a classified relay failure.
type Error struct {
	Kind Kind
	// Code is the SMTP reply code, 0 when the failure had none.
	Code int
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("relay")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	fmt.Fprintf(&b, " (%s", e.Kind)
	if e.Code != 0 {
		fmt.Fprintf(&b, " %d", e.Code)
	}
	b.WriteString(")")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Transient() bool { return e.Kind.Transient() }

// KindOf classifies err; nil yields "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify("", err).Kind
}

// IsTransient reports whether err is a retryable relay failure.
func IsTransient(err error) bool {
	return err != nil && Classify("", err).Transient()
}

// Classify maps err onto a Kind. An error that is already an *Error keeps
// its classification.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	kind, code := classify(err)
	return &Error{Kind: kind, Code: code, Op: op, Err: err}
}

func classify(err error) (Kind, int) {
	// Server replies carry the most precise signal.
	var se *mail.SendError
	if errors.As(err, &se) {
		if code := se.ErrorCode(); code != 0 {
			return kindForCode(code), code
		}
		switch se.Reason {
		case mail.ErrGetSender, mail.ErrGetRcpts, mail.ErrNoUnencoded:
			return KindConfig, 0
		case mail.ErrConnCheck, mail.ErrSMTPMailFrom, mail.ErrSMTPRcptTo, mail.ErrSMTPData,
			mail.ErrSMTPDataClose, mail.ErrWriteContent, mail.ErrSMTPReset:
			// No reply code means the connection failed mid-command.
			return KindNetwork, 0
		}
		if se.IsTemp() {
			return KindRelayBusy, 0
		}
		return KindUnknown, 0
	}
	var tpe *textproto.Error
	if errors.As(err, &tpe) {
		return kindForCode(tpe.Code), tpe.Code
	}

	if isTimeout(err) {
		return KindTimeout, 0
	}

	if isTLSFailure(err) {
		return KindTLS, 0
	}

	switch {
	case errors.Is(err, smtp.ErrUnencrypted),
		errors.Is(err, smtp.ErrWrongHostname),
		errors.Is(err, mail.ErrPlainAuthNotSupported),
		errors.Is(err, mail.ErrLoginAuthNotSupported),
		errors.Is(err, mail.ErrCramMD5AuthNotSupported),
		errors.Is(err, mail.ErrNoSupportedAuthDiscovered):
		return KindAuth, 0
	case errors.Is(err, mail.ErrNoFromAddress),
		errors.Is(err, mail.ErrNoRcptAddresses),
		errors.Is(err, mail.ErrInvalidPort),
		errors.Is(err, mail.ErrNoHostname):
		return KindConfig, 0
	case errors.Is(err, mail.ErrNoActiveConnection),
		errors.Is(err, mail.ErrDeadlineExtendFailed),
		errors.Is(err, smtp.ErrNoConnection),
		errors.Is(err, ErrSessionLost),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return KindNetwork, 0
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return KindNetwork, 0
	}

	// go-mail reports these two without a sentinel or reply code.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "does not support STARTTLS"):
		return KindTLS, 0
	case strings.Contains(msg, "does not support SMTP AUTH"):
		return KindAuth, 0
	}
	return KindUnknown, 0
}

// kindForCode maps an SMTP reply code (RFC 5321 section 4.2) to a Kind.
func kindForCode(code int) Kind {
	switch code {
	case 421:
		// Service closing the channel.
		return KindNetwork
	case 454:
		// Temporary authentication failure.
		return KindRelayBusy
	case 530, 534, 535, 538:
		return KindAuth
	}
	switch {
	case code >= 400 && code < 500:
		return KindRelayBusy
	case code >= 500 && code < 600:
		return KindRejected
	}
	return KindUnknown
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isTLSFailure(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &alertErr)
}
