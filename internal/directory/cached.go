package directory

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/drblury/idflow/internal/runtime/identity"
)

// CachedDirectory remembers lookups from another Directory for a TTL. Both
// hits and misses are cached; errors never are.
type CachedDirectory struct {
	next  Directory
	cache *gocache.Cache
}

// NewCachedDirectory wraps next. Expired entries are swept every 2*ttl.
func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedDirectory) Supports(kind identity.Kind) bool {
	return c.next.Supports(kind)
}

func (c *CachedDirectory) Lookup(ctx context.Context, kind identity.Kind, subjectID *int64) (Entry, error) {
	if subjectID == nil {
		return c.next.Lookup(ctx, kind, subjectID)
	}

	key := cacheKey(kind, *subjectID)
	if value, found := c.cache.Get(key); found {
		if entry, ok := value.(Entry); ok {
			return entry, nil
		}
	}

	entry, err := c.next.Lookup(ctx, kind, subjectID)
	if err != nil {
		return Entry{}, err
	}
	c.cache.SetDefault(key, entry)
	return entry, nil
}

// Forget drops a cached entry so the next lookup reaches the wrapped directory.
func (c *CachedDirectory) Forget(kind identity.Kind, id int64) {
	c.cache.Delete(cacheKey(kind, id))
}

// Len returns the number of cached entries, including expired ones not yet swept.
func (c *CachedDirectory) Len() int {
	return c.cache.ItemCount()
}

func cacheKey(kind identity.Kind, id int64) string {
	return kind.String() + ":" + strconv.FormatInt(id, 10)
}
