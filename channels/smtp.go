package channels

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// SMTPConfig configures an SMTPSender.
type SMTPConfig struct {
	// Addr is host:port of the submission server.
	Addr string
	From string
	// Username and Password enable AUTH PLAIN when Username is set.
	Username string
	Password string
	// ImplicitTLS dials TLS directly (port 465). Otherwise STARTTLS is used
	// when the server offers it.
	ImplicitTLS bool
}

// SMTPSender delivers email codes through an SMTP submission server.
type SMTPSender struct {
	cfg       SMTPConfig
	from      *mail.Address
	templates *Renderer
	send      func(addr string, a sasl.Client, from string, to []string, r *strings.Reader) error
	now       func() time.Time
}

var _ goMFA.ChannelSender = (*SMTPSender)(nil)

// NewSMTPSender validates cfg. A nil renderer uses DefaultTemplates.
func NewSMTPSender(cfg SMTPConfig, templates *Renderer) (*SMTPSender, error) {
	if cfg.Addr == "" {
		return nil, errors.New("smtp sender requires Addr")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("smtp sender From: %w", err)
	}
	if templates == nil {
		templates = MustRenderer(nil)
	}

	s := &SMTPSender{cfg: cfg, from: from, templates: templates, now: time.Now}
	s.send = func(addr string, a sasl.Client, from string, to []string, r *strings.Reader) error {
		if cfg.ImplicitTLS {
			return smtp.SendMailTLS(addr, a, from, to, r)
		}
		return smtp.SendMail(addr, a, from, to, r)
	}
	return s, nil
}

// Send implements goMFA.ChannelSender. The SMTP client has no context
// support, so a cancelled ctx abandons the in-flight session.
func (s *SMTPSender) Send(ctx context.Context, msg goMFA.Message) error {
	to, err := mail.ParseAddress(msg.Destination)
	if err != nil || strings.ContainsAny(msg.Destination, "\r\n") {
		return fmt.Errorf("%w: email", ErrInvalidDestination)
	}
	subject, body, err := s.templates.Render(msg.Template, msg.Params)
	if err != nil {
		return err
	}

	var auth sasl.Client
	if s.cfg.Username != "" {
		auth = sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	}
	raw := s.compose(to, subject, body)

	done := make(chan error, 1)
	go func() {
		done <- s.send(s.cfg.Addr, auth, s.from.Address, []string{to.Address}, strings.NewReader(raw))
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SMTPSender) compose(to *mail.Address, subject, body string) string {
	domain := "localhost"
	if at := strings.LastIndexByte(s.from.Address, '@'); at >= 0 {
		domain = s.from.Address[at+1:]
	}

	var b strings.Builder
	b.WriteString("From: " + s.from.String() + "\r\n")
	b.WriteString("To: " + to.String() + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + s.now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("Message-ID: <" + uuid.NewString() + "@" + domain + ">\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Auto-Submitted: auto-generated\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return b.String()
}
