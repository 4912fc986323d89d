package tokencache

import (
	"context"
	"fmt"
	"sync"

	"github.com/timmy/tabport/internal/logger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// FetchFunc obtains a fresh token from the provider.
type FetchFunc func(ctx context.Context) (*oauth2.Token, error)

// TokenProvider serves tokens from a Cache and refreshes them on a miss.
// Concurrent misses for the same provider trigger a single fetch.
type TokenProvider struct {
	key   string
	cache Cache
	fetch FetchFunc
	mu    sync.Mutex
}

// NewTokenProvider wraps fetch with cache under key.
func NewTokenProvider(key string, cache Cache, fetch FetchFunc) *TokenProvider {
	if cache == nil {
		cache = NewMemory()
	}
	return &TokenProvider{key: key, cache: cache, fetch: fetch}
}

// NewServiceAccountProvider uses the JWT assertion flow of a Google service
// account key. tokenURL overrides the key file's token endpoint when set.
func NewServiceAccountProvider(credentialsJSON []byte, tokenURL string, cache Cache, scopes ...string) (*TokenProvider, error) {
	cfg, err := google.JWTConfigFromJSON(credentialsJSON, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if tokenURL != "" {
		cfg.TokenURL = tokenURL
	}
	fetch := func(ctx context.Context) (*oauth2.Token, error) {
		return cfg.TokenSource(ctx).Token()
	}
	return NewTokenProvider(Fingerprint(cfg.Email, cfg.PrivateKeyID), cache, fetch), nil
}

// Key returns the credential fingerprint the provider caches under.
func (p *TokenProvider) Key() string {
	return p.key
}

// Token returns a cached token or fetches a new one.
func (p *TokenProvider) Token(ctx context.Context) (*oauth2.Token, error) {
	if tok, ok, err := p.cache.Get(ctx, p.key); err == nil && ok {
		return tok, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tok, ok, err := p.cache.Get(ctx, p.key); err == nil && ok {
		return tok, nil
	}
	tok, err := p.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	if err := p.cache.Set(ctx, p.key, tok); err != nil {
		logger.CtxWarn(ctx, "token cache write failed: %v", err)
	}
	return tok, nil
}
