package manifest

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sync"
)

// Keyring maps publisher key ids to ed25519 public keys. Signatures
// cover the package content hash string (e.g. "sha256:<hex>").
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]ed25519.PublicKey)}
}

// Add registers a public key under keyID, replacing any previous key.
func (k *Keyring) Add(keyID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = pub
}

// Verify checks a base64 signature over message against the key
// registered for keyID.
func (k *Keyring) Verify(keyID string, message []byte, signature string) error {
	k.mu.RLock()
	pub, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown signature key id %q", keyID)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("signature is not valid base64: %w", err)
	}
	if !ed25519.Verify(pub, message, sig) {
		return fmt.Errorf("signature verification failed for key id %q", keyID)
	}
	return nil
}

// Sign produces a base64 ed25519 signature over message. Used by
// publisher tooling and tests; the host only verifies.
func Sign(priv ed25519.PrivateKey, message []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, message))
}
