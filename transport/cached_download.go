package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const credentialCacheKeyPrefix = "go-pairing::credential::v1"

// CachedDownloader memoizes downloads for the cache TTL. Bundles are
// immutable once uploaded, so there is nothing to invalidate.
type CachedDownloader struct {
	base  Downloader
	cache repositorycache.CacheService
}

func NewCredentialCache(ttl time.Duration) (repositorycache.CacheService, error) {
	config := repositorycache.DefaultConfig()
	if ttl > 0 {
		config.TTL = ttl
	}
	return repositorycache.NewCacheService(config)
}

func NewCachedDownloader(base Downloader, cacheService repositorycache.CacheService) (*CachedDownloader, error) {
	if base == nil {
		return nil, fmt.Errorf("transport: base downloader is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("transport: credential cache service is required")
	}
	return &CachedDownloader{base: base, cache: cacheService}, nil
}

// CredentialCacheKey returns go-pairing::credential::v1::<escaped id>.
func CredentialCacheKey(credentialID string) string {
	return credentialCacheKeyPrefix + "::" + url.PathEscape(strings.TrimSpace(credentialID))
}

func (d *CachedDownloader) Download(ctx context.Context, credentialID string) (Credential, error) {
	if d == nil || d.base == nil || d.cache == nil {
		return Credential{}, fmt.Errorf("transport: cached downloader is not configured")
	}
	credentialID = strings.TrimSpace(credentialID)
	credential, err := repositorycache.GetOrFetch(ctx, d.cache, CredentialCacheKey(credentialID), func(ctx context.Context) (Credential, error) {
		return d.base.Download(ctx, credentialID)
	})
	if err != nil {
		return Credential{}, err
	}
	credential.Data = append([]byte(nil), credential.Data...)
	return credential, nil
}

var _ Downloader = (*CachedDownloader)(nil)
