// Package secrets provides goMFA.SecretStore implementations for sealing
// TOTP secrets at rest.
//
// AESGCM keeps a local versioned keyring so keys can be rotated without
// re-encrypting old rows. VaultTransit delegates to a Vault transit key.
// AESGCM always binds ciphertext to the owning user, and VaultTransit does
// so for derived keys, so a row copied to another user fails to open.
package secrets
