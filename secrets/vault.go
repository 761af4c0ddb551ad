package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	goMFA "github.com/MrEthical07/goMFA"
	vaultapi "github.com/hashicorp/vault/api"
)

// VaultConfig configures a VaultTransit store.
type VaultConfig struct {
	// Address and Token override VAULT_ADDR and VAULT_TOKEN when set.
	Address string
	Token   string
	// Mount is the transit engine mount path. Default "transit".
	Mount string
	// KeyName is the transit key.
	KeyName string
	// Derived must match the key's "derived" flag. When true, the user ID is
	// sent as key-derivation context.
	Derived bool
}

// VaultTransit seals through the Vault transit secrets engine. Ciphertext
// is stored as the "vault:vN:..." string Vault returns.
type VaultTransit struct {
	logical *vaultapi.Logical
	mount   string
	key     string
	derived bool
}

var _ goMFA.SecretStore = (*VaultTransit)(nil)

// NewVaultTransit builds a client from the environment plus cfg.
func NewVaultTransit(cfg VaultConfig) (*VaultTransit, error) {
	if cfg.KeyName == "" {
		return nil, errors.New("vault transit requires KeyName")
	}
	vcfg := vaultapi.DefaultConfig()
	if vcfg.Error != nil {
		return nil, fmt.Errorf("vault config: %w", vcfg.Error)
	}
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}
	client, err := vaultapi.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	return NewVaultTransitFromClient(client, cfg), nil
}

// NewVaultTransitFromClient uses an existing client.
func NewVaultTransitFromClient(client *vaultapi.Client, cfg VaultConfig) *VaultTransit {
	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "transit"
	}
	return &VaultTransit{
		logical: client.Logical(),
		mount:   mount,
		key:     cfg.KeyName,
		derived: cfg.Derived,
	}
}

// Seal implements goMFA.SecretStore.
func (v *VaultTransit) Seal(ctx context.Context, userID string, plaintext []byte) ([]byte, error) {
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	v.addContext(data, userID)

	secret, err := v.logical.WriteWithContext(ctx, v.mount+"/encrypt/"+v.key, data)
	if err != nil {
		return nil, fmt.Errorf("vault encrypt: %w", err)
	}
	ct, err := field(secret, "ciphertext")
	if err != nil {
		return nil, err
	}
	return []byte(ct), nil
}

// Open implements goMFA.SecretStore.
func (v *VaultTransit) Open(ctx context.Context, userID string, sealed []byte) ([]byte, error) {
	if !strings.HasPrefix(string(sealed), "vault:v") {
		return nil, ErrMalformedCiphertext
	}
	data := map[string]interface{}{
		"ciphertext": string(sealed),
	}
	v.addContext(data, userID)

	secret, err := v.logical.WriteWithContext(ctx, v.mount+"/decrypt/"+v.key, data)
	if err != nil {
		return nil, fmt.Errorf("vault decrypt: %w", err)
	}
	encoded, err := field(secret, "plaintext")
	if err != nil {
		return nil, err
	}
	pt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault decrypt: %w", err)
	}
	return pt, nil
}

func (v *VaultTransit) addContext(data map[string]interface{}, userID string) {
	if v.derived {
		data["context"] = base64.StdEncoding.EncodeToString([]byte(userID))
	}
}

func field(secret *vaultapi.Secret, name string) (string, error) {
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault transit: empty response")
	}
	s, ok := secret.Data[name].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("vault transit: response missing %s", name)
	}
	return s, nil
}
