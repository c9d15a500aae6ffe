// Package memory provides the two allocation lifetimes used by the driver:
// durable contexts that outlive a request and request contexts that are
// reclaimed when the request ends. Go's runtime does the actual allocation;
// a MemoryContext accounts for every driver object so partial-construction
// unwinding and leaks can be verified, and so failures can be injected.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Allocator hands out accounted blocks from one lifetime
type Allocator interface {
	Alloc(kind Kind, size int64) (*Block, error)
	Free(b *Block)
	Persistent() bool
}

// MemoryContext accounts allocations hierarchically: usage is charged to
// the context and every ancestor, and a limit anywhere on the chain rejects
// the allocation.
type MemoryContext struct {
	parent     *MemoryContext
	name       string
	persistent bool
	limit      int64
	allocated  int64
	seq        uint64
	tracing    bool

	live      sync.Map // map[uint64]*Block
	liveCount int64

	stats    MemoryStats
	statsMu  sync.Mutex
	injector atomic.Pointer[FaultInjector]
}

// MemoryStats tracks allocation statistics for one context
type MemoryStats struct {
	AllocationCount   uint64
	DeallocationCount uint64
	FailedCount       uint64
	ReclaimedCount    uint64
	PeakUsage         int64
	LastPeakTime      time.Time
}

// MemoryContextOption configures a MemoryContext
type MemoryContextOption func(*MemoryContext)

// WithName sets the name of the memory context
func WithName(name string) MemoryContextOption {
	return func(mc *MemoryContext) {
		mc.name = name
	}
}

// Persistent marks the context as durable
func Persistent() MemoryContextOption {
	return func(mc *MemoryContext) {
		mc.persistent = true
	}
}

// WithTracing records the allocating stack of every block
func WithTracing() MemoryContextOption {
	return func(mc *MemoryContext) {
		mc.tracing = true
	}
}

// WithFaultInjector installs a fault injector at construction
func WithFaultInjector(f FaultInjector) MemoryContextOption {
	return func(mc *MemoryContext) {
		mc.SetFaultInjector(f)
	}
}

// NewMemoryContext creates a new memory context with the specified parent and limit
func NewMemoryContext(parent *MemoryContext, limit int64, opts ...MemoryContextOption) *MemoryContext {
	mc := &MemoryContext{
		parent: parent,
		limit:  limit,
	}
	for _, opt := range opts {
		opt(mc)
	}
	if mc.name == "" {
		mc.name = fmt.Sprintf("mc-%d", time.Now().UnixNano())
	}
	return mc
}

// SetFaultInjector replaces the fault injector; nil disables injection
func (mc *MemoryContext) SetFaultInjector(f FaultInjector) {
	if f == nil {
		mc.injector.Store(nil)
		return
	}
	mc.injector.Store(&f)
}

// Alloc accounts a block of size bytes for an object of kind
func (mc *MemoryContext) Alloc(kind Kind, size int64) (*Block, error) {
	seq := atomic.AddUint64(&mc.seq, 1)

	if f := mc.injector.Load(); f != nil && (*f)(kind, seq) {
		atomic.AddUint64(&mc.stats.FailedCount, 1)
		return nil, fmt.Errorf("%s: %s block of %d bytes: %w", mc.name, kind, size, ErrInjectedFailure)
	}

	if err := mc.reserve(size); err != nil {
		atomic.AddUint64(&mc.stats.FailedCount, 1)
		return nil, err
	}

	b := &Block{
		id:          seq,
		kind:        kind,
		size:        size,
		owner:       mc,
		allocatedAt: time.Now(),
	}
	if mc.tracing {
		b.stackTrace = stackTrace()
	}
	mc.live.Store(b.id, b)
	atomic.AddInt64(&mc.liveCount, 1)
	atomic.AddUint64(&mc.stats.AllocationCount, 1)
	return b, nil
}

// Free returns a block. Freeing nil, a foreign block, or an already freed
// block is a no-op so teardown paths can call it unconditionally.
func (mc *MemoryContext) Free(b *Block) {
	if b == nil || b.owner != mc || !b.freed.CompareAndSwap(false, true) {
		return
	}
	mc.live.Delete(b.id)
	atomic.AddInt64(&mc.liveCount, -1)
	atomic.AddUint64(&mc.stats.DeallocationCount, 1)
	mc.release(b.size)
}

// Persistent reports whether blocks from this context outlive a request
func (mc *MemoryContext) Persistent() bool {
	return mc.persistent
}

// Reclaim frees every live block, as happens to request memory when the
// request ends, and returns the blocks that were still live
func (mc *MemoryContext) Reclaim() []*Block {
	var reclaimed []*Block
	mc.live.Range(func(_, value any) bool {
		reclaimed = append(reclaimed, value.(*Block))
		return true
	})
	for _, b := range reclaimed {
		mc.Free(b)
	}
	atomic.AddUint64(&mc.stats.ReclaimedCount, uint64(len(reclaimed)))
	return reclaimed
}

func (mc *MemoryContext) reserve(size int64) error {
	current := atomic.AddInt64(&mc.allocated, size)
	if mc.limit > 0 && current > mc.limit {
		atomic.AddInt64(&mc.allocated, -size)
		return &MemoryLimitExceededError{
			Context: mc.name,
			Current: current - size,
			Request: size,
			Limit:   mc.limit,
		}
	}
	if mc.parent != nil {
		if err := mc.parent.reserve(size); err != nil {
			atomic.AddInt64(&mc.allocated, -size)
			return err
		}
	}
	mc.updatePeak(current)
	return nil
}

func (mc *MemoryContext) release(size int64) {
	atomic.AddInt64(&mc.allocated, -size)
	if mc.parent != nil {
		mc.parent.release(size)
	}
}

func (mc *MemoryContext) updatePeak(usage int64) {
	mc.statsMu.Lock()
	defer mc.statsMu.Unlock()
	if usage > mc.stats.PeakUsage {
		mc.stats.PeakUsage = usage
		mc.stats.LastPeakTime = time.Now()
	}
}

// Name returns the name of this context
func (mc *MemoryContext) Name() string {
	return mc.name
}

// Live returns the number of blocks allocated from this context and not freed
func (mc *MemoryContext) Live() int {
	return int(atomic.LoadInt64(&mc.liveCount))
}

// LiveBytes returns the bytes charged to this context, including children
func (mc *MemoryContext) LiveBytes() int64 {
	return atomic.LoadInt64(&mc.allocated)
}

// LiveByKind counts live blocks per kind
func (mc *MemoryContext) LiveByKind() map[Kind]int {
	counts := make(map[Kind]int)
	mc.live.Range(func(_, value any) bool {
		counts[value.(*Block).kind]++
		return true
	})
	return counts
}

// Limit returns the memory limit for this context
func (mc *MemoryContext) Limit() int64 {
	return mc.limit
}

// Stats returns a copy of the current memory statistics
func (mc *MemoryContext) Stats() MemoryStats {
	mc.statsMu.Lock()
	defer mc.statsMu.Unlock()

	return MemoryStats{
		AllocationCount:   atomic.LoadUint64(&mc.stats.AllocationCount),
		DeallocationCount: atomic.LoadUint64(&mc.stats.DeallocationCount),
		FailedCount:       atomic.LoadUint64(&mc.stats.FailedCount),
		ReclaimedCount:    atomic.LoadUint64(&mc.stats.ReclaimedCount),
		PeakUsage:         mc.stats.PeakUsage,
		LastPeakTime:      mc.stats.LastPeakTime,
	}
}

// MemoryLimitExceededError represents an error when memory limit is exceeded
type MemoryLimitExceededError struct {
	Context string
	Current int64
	Request int64
	Limit   int64
}

func (e *MemoryLimitExceededError) Error() string {
	return fmt.Sprintf("memory limit exceeded in %s: current=%d, request=%d, limit=%d",
		e.Context, e.Current, e.Request, e.Limit)
}
