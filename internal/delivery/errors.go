package delivery

import (
	"context"
	"errors"
	"fmt"

	"mailgate/internal/relay"
)

// ErrExhausted marks a delivery that used every attempt on transient
// failures. errors.Is(err, ErrExhausted) holds for such a *DeliveryError.
var ErrExhausted = errors.New("delivery: retries exhausted")

// DeliveryError is the terminal failure of one Deliver call. Kind comes
// from the last relay error, never from the attempt count.
type DeliveryError struct {
	ID        string
	Kind      relay.Kind
	Code      int
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *DeliveryError) Error() string {
	what := "failed"
	if e.Exhausted {
		what = "gave up"
	}
	return fmt.Sprintf("delivery %s %s after %d attempt(s): %v", e.ID, what, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Exhausted {
		return []error{ErrExhausted, e.Err}
	}
	return []error{e.Err}
}

// Canceled reports whether the caller went away before an outcome.
func (e *DeliveryError) Canceled() bool { return errors.Is(e.Err, context.Canceled) }

func failure(id string, attempts int, re *relay.Error) *DeliveryError {
	return &DeliveryError{ID: id, Kind: re.Kind, Code: re.Code, Attempts: attempts, Err: re}
}

// aborted wraps a context error seen at a suspension point.
func aborted(id string, attempts int, err error) *DeliveryError {
	kind := relay.KindUnknown
	if errors.Is(err, context.DeadlineExceeded) {
		kind = relay.KindTimeout
	}
	return &DeliveryError{ID: id, Kind: kind, Attempts: attempts, Err: err}
}
