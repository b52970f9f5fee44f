package inquiry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Request is the body of POST /api/send-email.
type Request struct {
	Name         string   `json:"name" validate:"required,max=200"`
	Email        string   `json:"email" validate:"required,max=254,inquiry_email"`
	Phone        string   `json:"phone" validate:"required,max=40,phone_digits"`
	Message      string   `json:"message" validate:"max=10000"`
	Company      string   `json:"company" validate:"max=200"`
	Address      string   `json:"address" validate:"max=500"`
	Quantity     Quantity `json:"quantity" validate:"max=40"`
	Model        string   `json:"model" validate:"max=200"`
	Type         string   `json:"type" validate:"max=64"`
	Subject      string   `json:"subject" validate:"max=200"`
	ShippingTerm string   `json:"shippingTerm" validate:"max=200"`
}

// Quantity accepts both JSON numbers and strings; web forms send either.
type Quantity string

func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*q = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*q = Quantity(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("quantity must be a number or string")
	}
	*q = Quantity(n.String())
	return nil
}

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for malformed or incomplete requests.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}

var (
	emailRe  = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("inquiry_email", func(fl validator.FieldLevel) bool {
		return emailRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("phone_digits", func(fl validator.FieldLevel) bool {
		return countDigits(fl.Field().String()) >= 10
	})
	return v
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// Decode reads a JSON request body. Unknown fields are ignored.
func Decode(r io.Reader) (Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, &ValidationError{Fields: []FieldError{{Field: "body", Message: "request body is empty"}}}
		}
		return req, &ValidationError{Fields: []FieldError{{Field: "body", Message: "request body is not valid JSON: " + err.Error()}}}
	}
	return req, nil
}

// Normalize trims every field in place.
func (r *Request) Normalize() {
	for _, p := range []*string{&r.Name, &r.Email, &r.Phone, &r.Message, &r.Company,
		&r.Address, &r.Model, &r.Type, &r.Subject, &r.ShippingTerm} {
		*p = strings.TrimSpace(*p)
	}
	r.Quantity = Quantity(strings.TrimSpace(string(r.Quantity)))
}

// Validate checks r and returns a *ValidationError listing every bad field.
func (r Request) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Message: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "inquiry_email":
		return "email must be a valid email address"
	case "phone_digits":
		return "phone must contain at least 10 digits"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	}
	return fe.Field() + " is invalid"
}
