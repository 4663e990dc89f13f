package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/ledger"
	"github.com/vizual/metering-plane/pkg/cache"
	"github.com/vizual/metering-plane/pkg/models"
)

const apiKeyCacheTTL = 5 * time.Minute

// Authenticator validates API keys against the ledger, caching lookups
// in Redis so the hot path does not hit Postgres on every request.
type Authenticator struct {
	store  ledger.Store
	cache  *cache.Cache
	logger *zap.Logger
}

func NewAuthenticator(store ledger.Store, cacheClient *cache.Cache, logger *zap.Logger) *Authenticator {
	return &Authenticator{store: store, cache: cacheClient, logger: logger}
}

type cachedCredentials struct {
	Key     models.APIKey  `json:"key"`
	Account models.Account `json:"account"`
}

// ValidateAPIKey resolves an API key to its key record and account.
// A cache miss or cache failure falls through to the ledger.
func (a *Authenticator) ValidateAPIKey(ctx context.Context, key string) (*models.APIKey, *models.Account, error) {
	if key == "" {
		return nil, nil, errors.New("missing API key")
	}

	if a.cache != nil {
		if raw, err := a.cache.Get(ctx, cacheKeyFor(key)); err == nil {
			var creds cachedCredentials
			if err := json.Unmarshal([]byte(raw), &creds); err == nil {
				return &creds.Key, &creds.Account, nil
			}
		}
	}

	apiKey, err := a.store.LookupAPIKey(ctx, key)
	if err != nil {
		return nil, nil, errors.New("invalid API key")
	}
	account, err := a.store.Account(ctx, apiKey.AccountID)
	if err != nil {
		return nil, nil, errors.New("account not found for API key")
	}

	if a.cache != nil {
		raw, err := json.Marshal(cachedCredentials{Key: *apiKey, Account: *account})
		if err == nil {
			if err := a.cache.Set(ctx, cacheKeyFor(key), raw, apiKeyCacheTTL); err != nil {
				a.logger.Debug("failed to cache API key", zap.Error(err))
			}
		}
	}

	return apiKey, account, nil
}

// Invalidate drops a key from the cache, e.g. after revocation.
func (a *Authenticator) Invalidate(ctx context.Context, key string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Delete(ctx, cacheKeyFor(key)); err != nil {
		a.logger.Debug("failed to invalidate cached API key", zap.Error(err))
	}
}

func cacheKeyFor(key string) string {
	return "apikey:" + key
}

// bearerToken extracts the API key from the Authorization header,
// accepting both "Bearer sk-..." and a bare key.
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return strings.TrimSpace(token)
}
