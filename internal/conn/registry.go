package conn

import (
	"sync"
)

// Registry shares pools between clients by name. Each Open takes a
// reference; the pool is closed when the last reference is released.
type Registry struct {
	mu    sync.Mutex
	pools map[string]*shared
}

type shared struct {
	pool *Pool
	refs int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*shared)}
}

// Open returns a reference to the pool registered under name, creating it
// from cfg if absent. cfg is ignored when the pool already exists.
func (r *Registry) Open(name string, cfg Config) *PoolRef {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.pools[name]
	if !ok {
		s = &shared{pool: NewPool(cfg)}
		r.pools[name] = s
	}
	s.refs++
	return &PoolRef{Pool: s.pool, registry: r, name: name}
}

// Refs returns the reference count for name
func (r *Registry) Refs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.pools[name]; ok {
		return s.refs
	}
	return 0
}

func (r *Registry) release(name string) error {
	r.mu.Lock()
	s, ok := r.pools[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	s.refs--
	if s.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.pools, name)
	r.mu.Unlock()

	return s.pool.Close()
}

// PoolRef is one reference to a shared Pool
type PoolRef struct {
	*Pool
	registry *Registry
	name     string
	once     sync.Once
}

// Close drops this reference. Only the last reference closes the pool.
func (p *PoolRef) Close() error {
	var err error
	p.once.Do(func() {
		err = p.registry.release(p.name)
	})
	return err
}
