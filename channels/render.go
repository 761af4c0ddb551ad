package channels

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"
)

// Template is the source of one named message. Subject is ignored by
// channels without a subject line.
type Template struct {
	Subject string
	Body    string
}

// DefaultTemplates covers the template names the engine uses by default.
var DefaultTemplates = map[string]Template{
	"mfa_email_otp": {
		Subject: "Your verification code",
		Body:    "Your verification code is {{.code}}.\r\nIt expires in {{.expires_minutes}} minutes. If you did not request it, ignore this message.\r\n",
	},
	"mfa_whatsapp_otp": {
		Body: "{{.code}} is your verification code. It expires in {{.expires_minutes}} minutes.",
	},
}

// Renderer holds parsed templates keyed by name.
type Renderer struct {
	mu       sync.RWMutex
	subjects map[string]*template.Template
	bodies   map[string]*template.Template
}

// NewRenderer parses sources. A nil map uses DefaultTemplates.
func NewRenderer(sources map[string]Template) (*Renderer, error) {
	if sources == nil {
		sources = DefaultTemplates
	}
	r := &Renderer{
		subjects: make(map[string]*template.Template, len(sources)),
		bodies:   make(map[string]*template.Template, len(sources)),
	}
	for name, src := range sources {
		if err := r.add(name, src); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRenderer is NewRenderer for static sources.
func MustRenderer(sources map[string]Template) *Renderer {
	r, err := NewRenderer(sources)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Renderer) add(name string, src Template) error {
	body, err := template.New(name).Option("missingkey=error").Parse(src.Body)
	if err != nil {
		return fmt.Errorf("parse template %q: %w", name, err)
	}
	subject, err := template.New(name + ".subject").Option("missingkey=error").Parse(src.Subject)
	if err != nil {
		return fmt.Errorf("parse template %q subject: %w", name, err)
	}
	r.mu.Lock()
	r.bodies[name] = body
	r.subjects[name] = subject
	r.mu.Unlock()
	return nil
}

// Render executes the named template with params.
func (r *Renderer) Render(name string, params map[string]string) (subject, body string, err error) {
	r.mu.RLock()
	bt, ok := r.bodies[name]
	st := r.subjects[name]
	r.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	var buf bytes.Buffer
	if err := st.Execute(&buf, params); err != nil {
		return "", "", fmt.Errorf("render %q subject: %w", name, err)
	}
	subject = buf.String()
	buf.Reset()
	if err := bt.Execute(&buf, params); err != nil {
		return "", "", fmt.Errorf("render %q: %w", name, err)
	}
	return subject, buf.String(), nil
}
