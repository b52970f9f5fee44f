package logx

import (
	"bytes"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const redacted = "***"

// Shorter values would mask ordinary words in every line.
const minSecretLen = 4

// redactor holds the values Service.Redact registered. Entries are matched
// on the encoded JSON line, before any sink formats it.
type redactor struct {
	secrets atomic.Pointer[[][]byte]
}

func (r *redactor) set(values []string) {
	seen := map[string]bool{}
	var list [][]byte
	add := func(v string) {
		if len(v) < minSecretLen || seen[v] {
			return
		}
		seen[v] = true
		list = append(list, []byte(v))
	}
	for _, v := range values {
		add(v)
		add(jsonEscaped(v))
	}
	r.secrets.Store(&list)
}

func (r *redactor) apply(p []byte) []byte {
	list := r.secrets.Load()
	if list == nil {
		return p
	}
	for _, s := range *list {
		if bytes.Contains(p, s) {
			p = bytes.ReplaceAll(p, s, []byte(redacted))
		}
	}
	return p
}

// jsonEscaped is v as it appears inside a JSON string written by zerolog.
func jsonEscaped(v string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return v
	}
	b := bytes.TrimSpace(buf.Bytes())
	return string(b[1 : len(b)-1])
}

type redactWriter struct {
	w zerolog.LevelWriter
	r *redactor
}

// Write reports len(p) on success; callers never see the rewritten length.
func (w redactWriter) Write(p []byte) (int, error) {
	if _, err := w.w.Write(w.r.apply(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w redactWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if _, err := w.w.WriteLevel(l, w.r.apply(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
