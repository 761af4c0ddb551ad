package channels

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whatsappMessage(dest string) goMFA.Message {
	return goMFA.Message{
		UserID:      "u1",
		Factor:      goMFA.FactorWhatsApp,
		Destination: dest,
		Template:    "mfa_whatsapp_otp",
		Params:      map[string]string{"code": "424242", "expires_minutes": "5"},
	}
}

func TestTwilioSendPostsForm(t *testing.T) {
	var got http.Header
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		got = r.Header.Clone()
		form = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1"}`))
	}))
	defer srv.Close()

	s, err := NewTwilioWhatsApp(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "secret",
		From:       "+14155238886",
		BaseURL:    srv.URL,
		Client:     srv.Client(),
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), whatsappMessage("+447700900123")))
	assert.Equal(t, []string{"whatsapp:+447700900123"}, form["To"])
	assert.Equal(t, []string{"whatsapp:+14155238886"}, form["From"])
	assert.Contains(t, form["Body"][0], "424242")
	assert.Contains(t, got.Get("Authorization"), "Basic ")
}

func TestTwilioProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":63016,"message":"outside session window"}`))
	}))
	defer srv.Close()

	s, err := NewTwilioWhatsApp(TwilioConfig{AccountSID: "AC1", AuthToken: "t", From: "+14155238886", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	err = s.Send(context.Background(), whatsappMessage("+447700900123"))
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadRequest, perr.Status)
	assert.Equal(t, 63016, perr.Code)
}

func TestTwilioRejectsBadDestination(t *testing.T) {
	s, err := NewTwilioWhatsApp(TwilioConfig{AccountSID: "AC1", AuthToken: "t", From: "+14155238886"}, nil)
	require.NoError(t, err)
	err = s.Send(context.Background(), whatsappMessage("07700 900123"))
	assert.True(t, errors.Is(err, ErrInvalidDestination))
}

func TestNewTwilioValidates(t *testing.T) {
	_, err := NewTwilioWhatsApp(TwilioConfig{AccountSID: "AC1", AuthToken: "t", From: "123"}, nil)
	require.Error(t, err)
	_, err = NewTwilioWhatsApp(TwilioConfig{From: "+14155238886"}, nil)
	require.Error(t, err)
}
