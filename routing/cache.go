package routing

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"claimflow/taxonomy"
)

// Lookup is the resolver contract shared by Resolver and CachedResolver.
type Lookup interface {
	Resolve(ctx context.Context, triple taxonomy.Triple) (Decision, error)
}

type cachedOutcome struct {
	decision Decision
	err      error
}

// CachedResolver memoises decisions (and path/not-found outcomes) for a short
// TTL. The matrix is read-mostly; writes through AdminService call Invalidate.
// Each Invalidate starts a new generation: lookups begun in an older one are
// neither stored nor shared with callers arriving after the flush.
type CachedResolver struct {
	next       Lookup
	cache      *gocache.Cache
	group      singleflight.Group
	mu         sync.Mutex // orders stores against Invalidate
	generation atomic.Uint64
}

// NewCachedResolver wraps next with an in-memory cache.
func NewCachedResolver(next Lookup, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedResolver{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Resolve returns the cached outcome for the triple or resolves it once for
// all concurrent callers.
func (c *CachedResolver) Resolve(ctx context.Context, triple taxonomy.Triple) (Decision, error) {
	key := cacheKey(triple)
	if v, ok := c.cache.Get(key); ok {
		out := v.(cachedOutcome)
		return cloneDecision(out.decision), out.err
	}

	gen := c.generation.Load()
	v, err, _ := c.group.Do(strconv.FormatUint(gen, 10)+"|"+key, func() (any, error) {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		d, err := c.next.Resolve(ctx, triple)
		if err != nil && !cacheable(err) {
			return nil, err
		}
		out := cachedOutcome{decision: d, err: err}
		c.store(gen, key, out)
		return out, nil
	})
	if err != nil {
		return Decision{}, err
	}
	out := v.(cachedOutcome)
	return cloneDecision(out.decision), out.err
}

// Invalidate drops every cached outcome.
func (c *CachedResolver) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation.Add(1)
	c.cache.Flush()
}

func (c *CachedResolver) store(gen uint64, key string, out cachedOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation.Load() != gen {
		return
	}
	c.cache.Set(key, out, gocache.DefaultExpiration)
}

func cacheable(err error) bool {
	return errors.Is(err, ErrMatrixEntryNotFound) || errors.Is(err, ErrInvalidTaxonomyPath)
}

func cacheKey(t taxonomy.Triple) string {
	return t.ClassificationID + "/" + t.ClassID + "/" + t.CauseID
}

func cloneDecision(d Decision) Decision {
	d.FirstContactOwnerIDs = append([]string(nil), d.FirstContactOwnerIDs...)
	if d.InitialAttentionDays != nil {
		v := *d.InitialAttentionDays
		d.InitialAttentionDays = &v
	}
	return d
}
