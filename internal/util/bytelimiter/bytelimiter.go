package bytelimiter

import (
	"context"
	"sync"
)

// ByteLimiter is a byte-weighted semaphore bounding how much frame payload the
// relay holds in memory at once. A nil limiter admits everything.
type ByteLimiter struct {
	max  int
	mu   sync.Mutex
	cond *sync.Cond
	used int
}

// New returns a limiter allowing up to max bytes in flight, or nil when max <= 0.
func New(max int) *ByteLimiter {
	if max <= 0 {
		return nil
	}
	bl := &ByteLimiter{max: max}
	bl.cond = sync.NewCond(&bl.mu)
	return bl
}

// Acquire blocks until n bytes can be reserved or ctx ends. Requests larger than
// the limit are clamped so a single oversized frame can still pass alone.
func (b *ByteLimiter) Acquire(ctx context.Context, n int) error {
	if b == nil || n <= 0 {
		return nil
	}
	n = b.clamp(n)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+n <= b.max {
		b.used += n
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()
	for b.used+n > b.max {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.cond.Wait()
	}
	b.used += n
	return nil
}

// TryAcquire reserves n bytes without blocking.
func (b *ByteLimiter) TryAcquire(n int) bool {
	if b == nil || n <= 0 {
		return true
	}
	n = b.clamp(n)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+n > b.max {
		return false
	}
	b.used += n
	return true
}

// Release returns n bytes reserved by Acquire or TryAcquire.
func (b *ByteLimiter) Release(n int) {
	if b == nil || n <= 0 {
		return
	}
	n = b.clamp(n)
	b.mu.Lock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *ByteLimiter) InUse() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *ByteLimiter) clamp(n int) int {
	if n > b.max {
		return b.max
	}
	return n
}
