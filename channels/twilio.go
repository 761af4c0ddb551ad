package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
)

const twilioBaseURL = "https://api.twilio.com"

// TwilioConfig configures a TwilioWhatsApp sender.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// From is the WhatsApp-enabled sender number in E.164 form.
	From string
	// BaseURL overrides the API host, mainly for tests.
	BaseURL string
	Client  *http.Client
}

// TwilioWhatsApp delivers codes through the Twilio Messages API.
type TwilioWhatsApp struct {
	cfg       TwilioConfig
	endpoint  string
	templates *Renderer
	client    *http.Client
}

var _ goMFA.ChannelSender = (*TwilioWhatsApp)(nil)

// NewTwilioWhatsApp validates cfg. A nil renderer uses DefaultTemplates.
func NewTwilioWhatsApp(cfg TwilioConfig, templates *Renderer) (*TwilioWhatsApp, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio sender requires AccountSID and AuthToken")
	}
	if !isE164(cfg.From) {
		return nil, fmt.Errorf("twilio sender From %q is not E.164", cfg.From)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = twilioBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if templates == nil {
		templates = MustRenderer(nil)
	}
	return &TwilioWhatsApp{
		cfg:       cfg,
		endpoint:  base + "/2010-04-01/Accounts/" + url.PathEscape(cfg.AccountSID) + "/Messages.json",
		templates: templates,
		client:    client,
	}, nil
}

// Send implements goMFA.ChannelSender.
func (t *TwilioWhatsApp) Send(ctx context.Context, msg goMFA.Message) error {
	if !isE164(msg.Destination) {
		return fmt.Errorf("%w: msisdn", ErrInvalidDestination)
	}
	_, body, err := t.templates.Render(msg.Template, msg.Params)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("From", "whatsapp:"+t.cfg.From)
	form.Set("To", "whatsapp:"+msg.Destination)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	perr := &ProviderError{Provider: "twilio", Status: resp.StatusCode}
	var payload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err == nil {
		perr.Code = payload.Code
		perr.Message = payload.Message
	}
	return perr
}

func isE164(s string) bool {
	if len(s) < 9 || len(s) > 16 || s[0] != '+' {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
