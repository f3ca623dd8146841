package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/relaymesh/gateway/common"
	"github.com/relaymesh/gateway/common/logger"
)

// In-process TTL cache backed by an optional Redis layer
// (common/redis.go) for cross-instance visibility, falling back to the
// database on any miss, following the calling convention observed from
// middleware/distributor.go and controller/relay.go.

const localCacheTTL = 60 * time.Second

type cacheEntry struct {
	value   any
	expires time.Time
}

var (
	localCacheMu sync.RWMutex
	localCache   = map[string]cacheEntry{}
)

func localCacheGet(key string) (any, bool) {
	localCacheMu.RLock()
	defer localCacheMu.RUnlock()
	e, ok := localCache[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

func localCacheSet(key string, value any) {
	localCacheMu.Lock()
	defer localCacheMu.Unlock()
	localCache[key] = cacheEntry{value: value, expires: time.Now().Add(localCacheTTL)}
}

func localCacheDel(key string) {
	localCacheMu.Lock()
	defer localCacheMu.Unlock()
	delete(localCache, key)
}

// CacheGetTokenByKey resolves an AccessToken by its plaintext key, trying
// the in-process cache, then Redis, then the database. A database hit is
// written back to both cache layers.
func CacheGetTokenByKey(ctx context.Context, key string) (*AccessToken, error) {
	cacheKey := fmt.Sprintf("token:%s", key)

	if v, ok := localCacheGet(cacheKey); ok {
		t := v.(AccessToken)
		return &t, nil
	}

	if common.IsRedisEnabled() {
		if raw, err := common.RedisGet(ctx, cacheKey); err == nil {
			var t AccessToken
			if jsonErr := json.Unmarshal([]byte(raw), &t); jsonErr == nil {
				localCacheSet(cacheKey, t)
				return &t, nil
			}
		}
	}

	var token AccessToken
	if err := DB.First(&token, "key = ?", key).Error; err != nil {
		return nil, errors.Wrapf(err, "lookup token by key")
	}

	localCacheSet(cacheKey, token)
	if common.IsRedisEnabled() {
		if raw, err := json.Marshal(token); err == nil {
			if err := common.RedisSet(ctx, cacheKey, string(raw), localCacheTTL); err != nil {
				logger.Logger.Warn("failed to populate redis token cache", zap.Error(err))
			}
		}
	}
	return &token, nil
}

func invalidateTokenCache(ctx context.Context, key string) {
	localCacheDel(fmt.Sprintf("token:%s", key))
	clearTokenCache(ctx, key)
}

// CacheGetEnabledAccountsForProvider resolves the candidate accounts for a
// single provider. Not cached across instances: account last-used-at and
// counters churn too fast for a TTL cache to be useful, and account
// selection tolerates stale reads.
func CacheGetEnabledAccountsForProvider(providerID int) ([]*Account, error) {
	var accounts []*Account
	if err := DB.Where("provider_id = ? AND enabled = ?", providerID, true).Find(&accounts).Error; err != nil {
		return nil, errors.Wrapf(err, "list accounts for provider=%d", providerID)
	}
	return accounts, nil
}

// CacheGetProvidersForModel resolves the providers whose supported-model
// set contains canonicalModel. Providers change rarely (admin-managed),
// so this is safe to cache with a short TTL.
func CacheGetProvidersForModel(canonicalModel string) ([]*Provider, error) {
	cacheKey := fmt.Sprintf("providers_for_model:%s", canonicalModel)
	if v, ok := localCacheGet(cacheKey); ok {
		return v.([]*Provider), nil
	}

	var all []*Provider
	if err := DB.Where("enabled = ?", true).Order("priority desc").Find(&all).Error; err != nil {
		return nil, errors.Wrapf(err, "list enabled providers")
	}

	matched := make([]*Provider, 0, len(all))
	for _, p := range all {
		if p.SupportsModel(canonicalModel) {
			matched = append(matched, p)
		}
	}
	localCacheSet(cacheKey, matched)
	return matched, nil
}

func invalidateProviderCache() {
	localCacheMu.Lock()
	defer localCacheMu.Unlock()
	for k := range localCache {
		if len(k) > 19 && k[:19] == "providers_for_model" {
			delete(localCache, k)
		}
	}
}
