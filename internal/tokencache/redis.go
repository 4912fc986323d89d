package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

const redisKeyPrefix = "tabport:token:"

// Redis shares tokens between processes. Entries expire ExpirySkew before
// the token does.
type Redis struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, now: time.Now}
}

type storedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	Expiry      time.Time `json:"expiry"`
}

func (r *Redis) Get(ctx context.Context, key string) (*oauth2.Token, bool, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get token: %w", err)
	}
	var st storedToken
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, nil
	}
	tok := &oauth2.Token{AccessToken: st.AccessToken, TokenType: st.TokenType, Expiry: st.Expiry}
	if !usable(tok, r.now()) {
		return nil, false, nil
	}
	return tok, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, token *oauth2.Token) error {
	var ttl time.Duration
	if !token.Expiry.IsZero() {
		ttl = token.Expiry.Sub(r.now()) - ExpirySkew
		if ttl <= 0 {
			return nil
		}
	}
	raw, err := json.Marshal(storedToken{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		Expiry:      token.Expiry,
	})
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set token: %w", err)
	}
	return nil
}
