// Package cache is a small read-through cache: xsync map for storage,
// singleflight so concurrent misses for one key resolve with a single
// fetch. Entries past their TTL are refreshed in the background while the
// stale value keeps being served; Invalidate forces the next read to fetch.
package cache

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
)

type Entry[T any] struct {
	value     T
	fetchedAt time.Time
}

func Single[T any](
	cache *xsync.Map[string, Entry[T]],
	sfg *singleflight.Group,
	key string,
	fn func() (T, error),
) (T, error) {
	return SingleWithTTL(cache, sfg, key, 3*time.Second, fn)
}

func SingleWithTTL[T any](
	cache *xsync.Map[string, Entry[T]],
	sfg *singleflight.Group,
	key string,
	ttl time.Duration,
	fn func() (T, error),
) (T, error) {
	entry, ok := cache.Load(key)
	if ok {
		if time.Since(entry.fetchedAt) > ttl {
			go func() {
				sfg.Do(key, func() (any, error) {
					result, err := fn()
					if err == nil {
						cache.Store(key, Entry[T]{value: result, fetchedAt: time.Now()})
					}
					return nil, nil
				})
			}()
		}
		return entry.value, nil
	}

	v, err, _ := sfg.Do(key, func() (any, error) {
		if e, ok := cache.Load(key); ok {
			return e, nil
		}
		res, err := fn()
		if err != nil {
			return nil, err
		}
		newEntry := Entry[T]{value: res, fetchedAt: time.Now()}
		cache.Store(key, newEntry)
		return newEntry, nil
	})

	if err != nil {
		var zero T
		return zero, err
	}
	return v.(Entry[T]).value, nil
}

// Invalidate drops the entry for key, forcing the next Single call to hit
// the fetcher. The in-flight singleflight call is forgotten too, so a caller
// that just changed the upstream state cannot be served a result computed
// before the change.
func Invalidate[T any](
	cache *xsync.Map[string, Entry[T]],
	sfg *singleflight.Group,
	key string,
) {
	sfg.Forget(key)
	cache.Delete(key)
}
