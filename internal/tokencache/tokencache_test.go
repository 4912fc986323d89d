package tokencache

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestCaches(t *testing.T) {
	client, _ := setupTestRedis(t)
	caches := map[string]Cache{
		"memory": NewMemory(),
		"redis":  NewRedis(client),
	}
	for name, cache := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := cache.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)

			fresh := &oauth2.Token{AccessToken: "fresh", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}
			require.NoError(t, cache.Set(ctx, "k", fresh))
			got, ok, err := cache.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "fresh", got.AccessToken)

			nearExpiry := &oauth2.Token{AccessToken: "stale", Expiry: time.Now().Add(30 * time.Second)}
			require.NoError(t, cache.Set(ctx, "k2", nearExpiry))
			_, ok, err = cache.Get(ctx, "k2")
			require.NoError(t, err)
			assert.False(t, ok, "tokens within the skew are not served")
		})
	}
}

func TestRedisTTL(t *testing.T) {
	client, mr := setupTestRedis(t)
	cache := NewRedis(client)
	tok := &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(10 * time.Minute)}
	require.NoError(t, cache.Set(context.Background(), "k", tok))

	ttl := mr.TTL(redisKeyPrefix + "k")
	assert.True(t, ttl > 8*time.Minute && ttl <= 9*time.Minute, "ttl %s", ttl)

	mr.FastForward(10 * time.Minute)
	_, ok, err := cache.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProviderSingleFetch(t *testing.T) {
	var calls int32
	p := NewTokenProvider("fp", NewMemory(), func(ctx context.Context) (*oauth2.Token, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return &oauth2.Token{AccessToken: "t", Expiry: time.Now().Add(time.Hour)}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := p.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "t", tok.AccessToken)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestServiceAccountProvider(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"sa-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	creds, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"client_email":   "ingest@example.iam.gserviceaccount.com",
		"private_key_id": "kid-1",
		"private_key":    string(keyPEM),
		"token_uri":      "https://oauth2.googleapis.com/token",
	})
	require.NoError(t, err)

	p, err := NewServiceAccountProvider(creds, srv.URL, NewMemory(), "https://www.googleapis.com/auth/drive.readonly")
	require.NoError(t, err)
	assert.Equal(t, Fingerprint("ingest@example.iam.gserviceaccount.com", "kid-1"), p.Key())

	for i := 0; i < 3; i++ {
		tok, err := p.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "sa-token", tok.AccessToken)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}
