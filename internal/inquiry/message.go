package inquiry

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
)

// Category tags a message for logging. It never changes delivery.
type Category string

const (
	CategoryProduct Category = "product_inquiry"
	CategoryBanner  Category = "banner_inquiry"
	CategoryFooter  Category = "footer_inquiry"
	CategoryGeneral Category = "general"
)

// CategoryOf maps the request's type field onto the closed category set.
func CategoryOf(kind string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(kind))) {
	case CategoryProduct:
		return CategoryProduct
	case CategoryBanner:
		return CategoryBanner
	case CategoryFooter:
		return CategoryFooter
	}
	return CategoryGeneral
}

// Message is one formatted inquiry, ready for the relay. It is immutable
// once built.
type Message struct {
	To       string
	From     string
	FromName string
	ReplyTo  string
	Subject  string
	Text     string
	HTML     string
	Category Category
}

//go:embed templates/*.tmpl
var templatesFS embed.FS

var (
	textTmpl = texttemplate.Must(texttemplate.ParseFS(templatesFS, "templates/inquiry.txt.tmpl"))
	htmlTmpl = htmltemplate.Must(htmltemplate.ParseFS(templatesFS, "templates/inquiry.html.tmpl"))
)

// Builder formats requests into messages addressed to the fixed mailbox.
type Builder struct {
	To       string
	From     string
	FromName string
}

type row struct{ Label, Value string }

type view struct {
	Request
	Heading string
	Product bool
	Rows    []row
}

// Build formats req. req should already be normalized and validated.
func (b Builder) Build(req Request) (Message, error) {
	cat := CategoryOf(req.Type)
	v := view{Request: req, Heading: heading(cat), Product: cat == CategoryProduct}
	v.Rows = []row{
		{"Name", req.Name},
		{"Email", req.Email},
		{"Phone", orDefault(req.Phone, "Not provided")},
	}
	if req.Company != "" {
		v.Rows = append(v.Rows, row{"Company", req.Company})
	}
	if v.Product {
		v.Rows = append(v.Rows, row{"Address", orDefault(req.Address, "Not provided")})
	}

	var text, html bytes.Buffer
	if err := textTmpl.Execute(&text, v); err != nil {
		return Message{}, fmt.Errorf("render text body: %w", err)
	}
	if err := htmlTmpl.Execute(&html, v); err != nil {
		return Message{}, fmt.Errorf("render html body: %w", err)
	}
	return Message{
		To:       b.To,
		From:     b.From,
		FromName: b.FromName,
		ReplyTo:  req.Email,
		Subject:  subject(cat, req),
		Text:     text.String(),
		HTML:     html.String(),
		Category: cat,
	}, nil
}

func heading(cat Category) string {
	switch cat {
	case CategoryProduct:
		return "PRODUCT INQUIRY"
	case CategoryBanner:
		return "BANNER INQUIRY"
	case CategoryFooter:
		return "FOOTER INQUIRY"
	}
	return "NEW INQUIRY"
}

func subject(cat Category, req Request) string {
	var s string
	switch cat {
	case CategoryProduct:
		s = fmt.Sprintf("Product Inquiry: %s (%s units)", req.Model, req.Quantity)
	case CategoryBanner:
		s = orDefault(req.Subject, "Banner Inquiry from Website")
	case CategoryFooter:
		s = orDefault(req.Subject, "Footer Inquiry from Website")
	default:
		s = orDefault(req.Subject, "New Inquiry from Website")
	}
	// Header values must stay on one line.
	return strings.Join(strings.Fields(s), " ")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
