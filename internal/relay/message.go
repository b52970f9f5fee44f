package relay

import (
	"strings"

	mail "github.com/wneessen/go-mail"

	"mailgate/internal/inquiry"
)

const userAgent = "mailgate"

// Compose converts a formatted inquiry into a MIME message. id becomes the
// local part of the Message-ID so the delivery log and relay logs line up.
// Address problems are classified as config errors.
func Compose(m inquiry.Message, id string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.FromFormat(m.FromName, m.From); err != nil {
		return nil, &Error{Kind: KindConfig, Op: "compose", Err: err}
	}
	if err := msg.To(m.To); err != nil {
		return nil, &Error{Kind: KindConfig, Op: "compose", Err: err}
	}
	// The customer address passed form validation, but the relay-side
	// parser is stricter. An unparsable Reply-To is dropped, not fatal.
	if m.ReplyTo != "" {
		_ = msg.ReplyTo(m.ReplyTo)
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextPlain, m.Text)
	if m.HTML != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, m.HTML)
	}
	msg.SetDate()
	msg.SetUserAgent(userAgent)
	if id != "" {
		msg.SetMessageIDWithValue(id + "@" + domainOf(m.From))
	} else {
		msg.SetMessageID()
	}
	return msg, nil
}

// MessageID returns the Message-ID header without angle brackets.
func MessageID(msg *mail.Msg) string {
	return strings.Trim(msg.GetMessageID(), "<>")
}

func domainOf(addr string) string {
	if _, d, ok := strings.Cut(addr, "@"); ok && d != "" {
		return strings.Trim(d, "> ")
	}
	return "mailgate.invalid"
}

// RelayID extracts the queue id from the relay's final DATA reply, as in
// "2.0.0 Ok: queued as 4Xb1k". Replies without one are returned whole.
func RelayID(msg *mail.Msg) string {
	resp := strings.TrimSpace(msg.ServerResponse())
	const marker = "queued as "
	if i := strings.Index(strings.ToLower(resp), marker); i >= 0 {
		if f := strings.Fields(resp[i+len(marker):]); len(f) > 0 {
			return f[0]
		}
	}
	return resp
}
