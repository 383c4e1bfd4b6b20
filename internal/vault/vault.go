// Package vault provides authenticated encryption for secrets at rest:
// OAuth access/refresh tokens and webhook signing secrets. It is the only
// package permitted to hold plaintext secret bytes outside the provider
// and oauthcoord call sites that produce or consume them directly.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Vault seals and opens secrets with AES-256-GCM under a single key,
// identified by KeyID. Callers store KeyID alongside each ciphertext so
// that, after rotation, a ciphertext sealed under a retired key can be
// opened by a Vault built on that key; Open itself takes no key ID.
type Vault struct {
	keyID string
	aead  cipher.AEAD
}

// New constructs a Vault from a base64-encoded 32-byte AES-256 key.
func New(keyID, keyBase64 string) (*Vault, error) {
	raw, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("vault: decode key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("vault: key must be 32 bytes, got %d", len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	return &Vault{keyID: keyID, aead: aead}, nil
}

// KeyID returns the identifier this vault seals new ciphertexts under.
func (v *Vault) KeyID() string {
	return v.keyID
}

// Seal encrypts plaintext and returns the ciphertext. The nonce is
// prepended to the output; callers persist KeyID() alongside the returned
// bytes so a future Vault built on a rotated key can still identify which
// key to use (multi-key support is added by constructing the matching
// Vault for that KeyID, not by this type).
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: read nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// Open decrypts ciphertext produced by Seal. It fails if the ciphertext
// was sealed under a different key or has been tampered with.
func (v *Vault) Open(ciphertext []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("vault: ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: open: %w", err)
	}
	return plaintext, nil
}

// GenerateSecret returns n cryptographically random bytes, used for
// webhook signing secrets (the Webhook Manager calls this with n=32).
func GenerateSecret(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("vault: generate secret: %w", err)
	}
	return b, nil
}
