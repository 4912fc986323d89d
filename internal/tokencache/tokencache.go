// Package tokencache caches OAuth2 bearer tokens keyed by credential
// fingerprint until shortly before they expire.
package tokencache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ExpirySkew is how long before expiry a cached token stops being served.
const ExpirySkew = 60 * time.Second

// Cache stores tokens. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (*oauth2.Token, bool, error)
	Set(ctx context.Context, key string, token *oauth2.Token) error
}

// Fingerprint identifies a service account credential without exposing it.
func Fingerprint(clientEmail, privateKeyID string) string {
	sum := sha256.Sum256([]byte(clientEmail + "\x00" + privateKeyID))
	return hex.EncodeToString(sum[:16])
}

func usable(tok *oauth2.Token, now time.Time) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || now.Add(ExpirySkew).Before(tok.Expiry)
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*oauth2.Token
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*oauth2.Token), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (*oauth2.Token, bool, error) {
	m.mu.RLock()
	tok, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || !usable(tok, m.now()) {
		return nil, false, nil
	}
	return tok, true, nil
}

func (m *Memory) Set(_ context.Context, key string, token *oauth2.Token) error {
	m.mu.Lock()
	m.entries[key] = token
	m.mu.Unlock()
	return nil
}
