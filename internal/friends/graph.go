package friends

import (
	"context"
	"sync"
	"time"
)

// Graph exposes the read-only friend relationships the engine consumes for
// presence fan-out. The authoritative graph lives in the account service.
type Graph interface {
	FriendsOf(ctx context.Context, identityID string) ([]string, error)
}

// StaticGraph is an in-memory graph used by single-node deployments and tests.
type StaticGraph struct {
	mu      sync.RWMutex
	friends map[string]map[string]struct{}
}

// NewStaticGraph constructs an empty graph.
func NewStaticGraph() *StaticGraph {
	return &StaticGraph{friends: make(map[string]map[string]struct{})}
}

// Link records a mutual friendship between two identities.
func (g *StaticGraph) Link(a, b string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.friends[a] == nil {
		g.friends[a] = make(map[string]struct{})
	}
	if g.friends[b] == nil {
		g.friends[b] = make(map[string]struct{})
	}
	g.friends[a][b] = struct{}{}
	g.friends[b][a] = struct{}{}
}

// FriendsOf returns a snapshot of the identity's friends.
func (g *StaticGraph) FriendsOf(_ context.Context, identityID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set := g.friends[identityID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

// CachedGraph memoises lookups against a slower backing graph.
type CachedGraph struct {
	backing Graph
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	friends []string
	at      time.Time
}

// NewCachedGraph wraps a graph with a TTL cache.
func NewCachedGraph(backing Graph, ttl time.Duration) *CachedGraph {
	return &CachedGraph{
		backing: backing,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

// FriendsOf serves from cache when fresh, refreshing from the backing graph
// otherwise. Stale entries are served on backing failures.
func (g *CachedGraph) FriendsOf(ctx context.Context, identityID string) ([]string, error) {
	g.mu.Lock()
	entry, ok := g.cache[identityID]
	g.mu.Unlock()

	if ok && g.now().Sub(entry.at) < g.ttl {
		return entry.friends, nil
	}

	friends, err := g.backing.FriendsOf(ctx, identityID)
	if err != nil {
		if ok {
			return entry.friends, nil
		}
		return nil, err
	}

	g.mu.Lock()
	g.cache[identityID] = cacheEntry{friends: friends, at: g.now()}
	g.mu.Unlock()

	return friends, nil
}
