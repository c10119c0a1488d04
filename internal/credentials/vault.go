// Package credentials seals tenant connector credentials with NaCl
// secretbox. Plaintext exists only inside Credentials lookups feeding a
// connector call and is never logged.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/meridianhq/meridian/internal/connectors"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	// ErrNoCredentials is returned when a tenant has nothing stored for a
	// platform.
	ErrNoCredentials = errors.New("no credentials stored")
	// ErrOpenFailed is returned when a sealed blob does not authenticate,
	// from a wrong key or a tampered ciphertext.
	ErrOpenFailed = errors.New("credential blob failed to open")
)

// ParseKey decodes a hex or base64 encoded 32-byte sealing key.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if raw, err := hex.DecodeString(encoded); err == nil && len(raw) == keySize {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(raw) == keySize {
		return raw, nil
	}
	return nil, fmt.Errorf("sealing key must decode to %d bytes", keySize)
}

// Vault holds sealed per-(tenant, platform) credential blobs in memory and
// opens them on demand. It satisfies the orchestrator's credential source.
type Vault struct {
	key    [keySize]byte
	logger *zap.Logger

	mu     sync.RWMutex
	sealed map[string][]byte
}

func NewVault(key []byte, logger *zap.Logger) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", keySize, len(key))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Vault{logger: logger, sealed: make(map[string][]byte)}
	copy(v.key[:], key)
	return v, nil
}

// Seal encrypts a credential set under the vault key. The random nonce is
// prepended to the ciphertext.
func (v *Vault) Seal(creds connectors.Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &v.key), nil
}

// Open decrypts a sealed blob produced by Seal.
func (v *Vault) Open(blob []byte) (connectors.Credentials, error) {
	if len(blob) <= nonceSize {
		return nil, ErrOpenFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])
	plaintext, ok := secretbox.Open(nil, blob[nonceSize:], &nonce, &v.key)
	if !ok {
		return nil, ErrOpenFailed
	}
	var creds connectors.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// Put seals and stores a tenant's credentials for one platform, replacing
// any previous set.
func (v *Vault) Put(tenantID, platform string, creds connectors.Credentials) error {
	blob, err := v.Seal(creds)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.sealed[vaultKey(tenantID, platform)] = blob
	v.mu.Unlock()
	v.logger.Info("Credentials stored",
		zap.String("tenant_id", tenantID),
		zap.String("platform", platform))
	return nil
}

// Credentials opens the tenant's sealed set for a platform.
func (v *Vault) Credentials(_ context.Context, tenantID, platform string) (connectors.Credentials, error) {
	v.mu.RLock()
	blob, ok := v.sealed[vaultKey(tenantID, platform)]
	v.mu.RUnlock()
	if !ok {
		return nil, ErrNoCredentials
	}
	return v.Open(blob)
}

// Delete removes a tenant's credentials for one platform.
func (v *Vault) Delete(tenantID, platform string) {
	v.mu.Lock()
	delete(v.sealed, vaultKey(tenantID, platform))
	v.mu.Unlock()
}

// Platforms lists the platforms a tenant has credentials for.
func (v *Vault) Platforms(tenantID string) []string {
	prefix := tenantID + "|"
	v.mu.RLock()
	var out []string
	for key := range v.sealed {
		if strings.HasPrefix(key, prefix) {
			out = append(out, strings.TrimPrefix(key, prefix))
		}
	}
	v.mu.RUnlock()
	sort.Strings(out)
	return out
}

func vaultKey(tenantID, platform string) string {
	return tenantID + "|" + strings.ToLower(platform)
}
