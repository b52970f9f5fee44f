// Package httpapi exposes the inquiry endpoints over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"mailgate/internal/admission"
	"mailgate/internal/delivery"
	"mailgate/internal/eventbus"
	"mailgate/internal/inquiry"
	"mailgate/internal/relay"
	"mailgate/internal/storage"
	logx "mailgate/pkg/logx"
)

// Options are the HTTP-facing knobs from the http config section.
type Options struct {
	TrustProxy     bool
	AllowedOrigins []string
	MaxBodyBytes   int64
	// RequestTimeout bounds one send-email call, retries included.
	RequestTimeout time.Duration
}

// RelayInfo is the static relay description shown by /api/email-status.
type RelayInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Security string `json:"security"`
	Auth     string `json:"auth"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// Deps are the components the handlers call.
type Deps struct {
	Log        logx.Logger
	Admission  *admission.Controller
	Dispatcher *delivery.Dispatcher
	Pool       *relay.Pool
	Builder    inquiry.Builder
	Relay      RelayInfo
	// History feeds the recent outcomes in /api/email-status. Optional.
	History *eventbus.History
	// Bus is read for its drop counter. Optional.
	Bus eventbus.Bus
	// Store lists the latest delivery log entries. Optional.
	Store   storage.Store
	Started time.Time
	Now     func() time.Time
}

type handler struct {
	Deps
	opts Options
}

// NewHandler builds the router.
func NewHandler(d Deps, opts Options) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Started.IsZero() {
		d.Started = d.Now()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	d.Log = d.Log.Component("http")
	h := &handler{Deps: d, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(h.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Requested-With"},
		MaxAge:         300,
	}))

	r.Post("/api/send-email", h.sendEmail)
	r.Get("/api/email-status", h.emailStatus)
	r.Get("/api/health", h.health)

	r.NotFound(h.notFound)
	r.MethodNotAllowed(h.notFound)
	return r
}

func (h *handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.Log.Error("handler panic",
					logx.String("request_id", middleware.GetReqID(r.Context())),
					logx.String("path", r.URL.Path),
					logx.Any("panic", rec),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error", Code: "internal"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Success    bool                 `json:"success"`
	Error      string               `json:"error"`
	Code       string               `json:"code,omitempty"`
	Fields     []inquiry.FieldError `json:"details,omitempty"`
	RetryAfter int                  `json:"retryAfter,omitempty"`
	Attempts   int                  `json:"attempts,omitempty"`
	RequestID  string               `json:"requestId,omitempty"`
}

type sendResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
	Attempts  int       `json:"attempts"`
	RelayID   string    `json:"relayId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
}

func (h *handler) sendEmail(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	client := clientID(r)
	log := h.Log.With(logx.String("request_id", reqID), logx.String("client", client))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "Request body too large", Code: "too_large", RequestID: reqID})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Could not read request body", Code: "validation", RequestID: reqID})
		return
	}

	req, err := inquiry.Decode(bytes.NewReader(body))
	if err == nil {
		req.Normalize()
		err = req.Validate()
	}
	if err != nil {
		var verr *inquiry.ValidationError
		if !errors.As(err, &verr) {
			log.Error("validation failed unexpectedly", logx.Err(err))
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error", Code: "internal", RequestID: reqID})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:     "Missing or invalid required fields",
			Code:      "validation",
			Fields:    verr.Fields,
			RequestID: reqID,
		})
		return
	}

	if d := h.Admission.Admit(client); !d.Allowed {
		var rej *admission.RejectedError
		errors.As(d.Err(), &rej)
		secs := rej.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:      "Too many requests. Please try again later.",
			Code:       "rate_limited",
			RetryAfter: secs,
			RequestID:  reqID,
		})
		return
	}

	msg, err := h.Builder.Build(req)
	if err != nil {
		log.Error("message build failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to prepare email", Code: "internal", RequestID: reqID})
		return
	}

	ctx := r.Context()
	if h.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.RequestTimeout)
		defer cancel()
	}
	res, err := h.Dispatcher.Deliver(ctx, msg)
	if err != nil {
		var de *delivery.DeliveryError
		if !errors.As(err, &de) {
			de = &delivery.DeliveryError{Kind: relay.KindUnknown, Err: err}
		}
		if de.Canceled() && r.Context().Err() != nil {
			// Client went away; there is nobody to answer.
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:     FailureText(de.Kind),
			Code:      string(de.Kind),
			Attempts:  de.Attempts,
			RequestID: reqID,
		})
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		Success:   true,
		Message:   "Email sent successfully",
		Timestamp: res.DeliveredAt.UTC(),
		ID:        res.ID,
		Attempts:  res.Attempts,
		RelayID:   res.RelayID,
		MessageID: res.MessageID,
	})
}

// FailureText is the caller-facing message for a failure kind. Each names
// what an operator should check.
func FailureText(k relay.Kind) string {
	switch k {
	case relay.KindAuth:
		return "Email service authentication failed. Check the relay username and password."
	case relay.KindTimeout:
		return "The email relay did not respond in time. Please try again shortly."
	case relay.KindNetwork:
		return "Could not reach the email relay. Please try again shortly."
	case relay.KindRelayBusy:
		return "The email relay is temporarily refusing messages. Please try again later."
	case relay.KindRejected:
		return "The email relay rejected the message."
	case relay.KindTLS:
		return "Secure connection to the email relay failed. Check the relay TLS settings."
	case relay.KindConfig:
		return "Email service is misconfigured. Check the sender and destination addresses."
	}
	return "Failed to send email"
}

func (h *handler) notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found", Code: "not_found"})
}

// clientID is the remote host. RealIP has already rewritten RemoteAddr when
// proxy headers are trusted.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
