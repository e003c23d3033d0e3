package buffer

import (
	"sync"
	"sync/atomic"
)

// BytePool provides object pooling for socket read chunks and transfer
// buffers to reduce GC pressure
type BytePool struct {
	pools map[int]*sync.Pool
	sizes []int
	mu    sync.RWMutex

	gets   atomic.Int64
	puts   atomic.Int64
	misses atomic.Int64
}

// NewBytePool creates a new byte pool with predefined size buckets
func NewBytePool() *BytePool {
	// Socket reads and upload pumps rarely exceed the write queue size
	sizes := []int{
		1024,    // 1KB
		4096,    // 4KB
		8192,    // 8KB
		16384,   // 16KB
		32768,   // 32KB
		65536,   // 64KB
		131072,  // 128KB
		262144,  // 256KB
		1048576, // 1MB
	}

	return NewBytePoolWithSizes(sizes)
}

// NewBytePoolWithSizes creates a pool with the given ascending bucket sizes
func NewBytePoolWithSizes(sizes []int) *BytePool {
	pools := make(map[int]*sync.Pool, len(sizes))
	for _, size := range sizes {
		size := size
		pools[size] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		}
	}

	return &BytePool{
		pools: pools,
		sizes: append([]int(nil), sizes...),
	}
}

// Get retrieves a byte slice of exactly size bytes, backed by the smallest
// bucket that fits
func (p *BytePool) Get(size int) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	p.gets.Add(1)
	for _, bucketSize := range p.sizes {
		if bucketSize >= size {
			buf := p.pools[bucketSize].Get().([]byte)
			return buf[:size]
		}
	}

	p.misses.Add(1)
	return make([]byte, size)
}

// Put returns a byte slice to the pool for reuse. Slices whose capacity is
// not a bucket size are left to the GC.
func (p *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if pool, exists := p.pools[cap(buf)]; exists {
		p.puts.Add(1)
		// nolint:staticcheck // SA6002: sync.Pool.Put requires interface{}
		pool.Put(buf[:cap(buf)])
	}
}

// PoolStats reports pool usage
type PoolStats struct {
	PoolSizes     []int `json:"pool_sizes"`
	MaxBufferSize int   `json:"max_buffer_size"`
	MinBufferSize int   `json:"min_buffer_size"`
	Gets          int64 `json:"gets"`
	Puts          int64 `json:"puts"`
	Misses        int64 `json:"misses"`
}

// GetStats returns current pool statistics
func (p *BytePool) GetStats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		PoolSizes: make([]int, len(p.sizes)),
		Gets:      p.gets.Load(),
		Puts:      p.puts.Load(),
		Misses:    p.misses.Load(),
	}
	copy(stats.PoolSizes, p.sizes)

	if len(p.sizes) > 0 {
		stats.MinBufferSize = p.sizes[0]
		stats.MaxBufferSize = p.sizes[len(p.sizes)-1]
	}

	return stats
}

var defaultBytePool = NewBytePool()

// Default returns the process-wide pool
func Default() *BytePool {
	return defaultBytePool
}
