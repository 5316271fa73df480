package pool

import (
	"slices"
	"strings"
	"sync"

	"github.com/ashureev/tripstake/internal/domain"
)

// Registry holds the live pools keyed by id.
type Registry struct {
	mu            sync.RWMutex
	pools         map[string]*Pool
	quorum        int
	autoNegotiate bool
}

// NewRegistry creates an empty registry. New pools get quorum and the
// auto-negotiate setting.
func NewRegistry(quorum int, autoNegotiate bool) *Registry {
	return &Registry{
		pools:         make(map[string]*Pool),
		quorum:        quorum,
		autoNegotiate: autoNegotiate,
	}
}

// Get returns the pool with id.
func (r *Registry) Get(id string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	return p, ok
}

// GetOrCreate returns the pool with id, creating a waiting pool if needed.
// created reports whether this call created it.
func (r *Registry) GetOrCreate(id string) (p *Pool, created bool) {
	if p, ok := r.Get(id); ok {
		return p, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[id]; ok {
		return p, false
	}
	p = New(id, r.quorum, r.autoNegotiate)
	r.pools[id] = p
	return p, true
}

// Restore adds a stored pool unless one with the same id is already live.
func (r *Registry) Restore(snap *domain.PoolSnapshot) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[snap.ID]; ok {
		return p
	}
	p := Restore(snap, r.autoNegotiate)
	r.pools[snap.ID] = p
	return p
}

// Reset closes and drops the pool with id so the id can be reused. The
// close and the removal happen under the registry lock, so no caller can
// look the pool up in between. It returns the dropped pool, or nil if no
// pool had that id.
func (r *Registry) Reset(id string) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[id]
	if !ok {
		return nil, nil
	}
	if err := p.Close(); err != nil {
		return nil, err
	}
	delete(r.pools, id)
	return p, nil
}

// All returns the live pools ordered by id.
func (r *Registry) All() []*Pool {
	r.mu.RLock()
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Pool) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}
