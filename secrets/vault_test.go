package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransit mimics the encrypt/decrypt endpoints closely enough for the
// client: ciphertext is the base64 plaintext tagged with the context.
type fakeTransit struct {
	mu       sync.Mutex
	contexts []string
}

func (f *fakeTransit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"errors":["bad json"]}`, http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.contexts = append(f.contexts, body["context"])
	f.mu.Unlock()

	var data map[string]string
	switch {
	case strings.HasSuffix(r.URL.Path, "/transit/encrypt/mfa"):
		data = map[string]string{"ciphertext": "vault:v1:" + body["context"] + "." + body["plaintext"]}
	case strings.HasSuffix(r.URL.Path, "/transit/decrypt/mfa"):
		rest := strings.TrimPrefix(body["ciphertext"], "vault:v1:")
		ctxPart, pt, _ := strings.Cut(rest, ".")
		if ctxPart != body["context"] {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":["cipher: message authentication failed"]}`))
			return
		}
		data = map[string]string{"plaintext": pt}
	default:
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func newTestTransit(t *testing.T, derived bool) (*VaultTransit, *fakeTransit) {
	t.Helper()
	fake := &fakeTransit{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := vaultapi.DefaultConfig()
	cfg.Address = srv.URL
	client, err := vaultapi.NewClient(cfg)
	require.NoError(t, err)
	client.SetToken("test-token")
	return NewVaultTransitFromClient(client, VaultConfig{KeyName: "mfa", Derived: derived}), fake
}

func TestVaultTransitRoundTrip(t *testing.T) {
	store, fake := newTestTransit(t, true)
	ctx := context.Background()

	sealed, err := store.Seal(ctx, "u1", []byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(sealed), "vault:v1:"))

	pt, err := store.Open(ctx, "u1", sealed)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", string(pt))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.contexts, 2)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("u1")), fake.contexts[0])
}

func TestVaultTransitDerivedContextBindsUser(t *testing.T) {
	store, _ := newTestTransit(t, true)
	sealed, err := store.Seal(context.Background(), "u1", []byte("secret"))
	require.NoError(t, err)

	_, err = store.Open(context.Background(), "u2", sealed)
	require.Error(t, err)
}

func TestVaultTransitRejectsForeignCiphertext(t *testing.T) {
	store, _ := newTestTransit(t, false)
	_, err := store.Open(context.Background(), "u1", []byte("not-vault"))
	require.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestNewVaultTransitRequiresKey(t *testing.T) {
	_, err := NewVaultTransit(VaultConfig{Address: "http://127.0.0.1:8200"})
	require.Error(t, err)
}
