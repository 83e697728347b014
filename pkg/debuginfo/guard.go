package debuginfo

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Guard admits one debug info session at a time.
type Guard struct {
	sem *semaphore.Weighted
}

// DefaultGuard is the process wide guard used by extractors that are not
// given one.
var DefaultGuard = NewGuard()

// NewGuard returns a guard with no session admitted.
func NewGuard() *Guard {
	return &Guard{sem: semaphore.NewWeighted(1)}
}

// TryAcquire admits a session if none is running. The returned release
// function may be called more than once.
func (g *Guard) TryAcquire() (release func(), ok bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	return g.releaser(), true
}

// Acquire waits until no session is running or ctx is done.
func (g *Guard) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return g.releaser(), nil
}

func (g *Guard) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() { g.sem.Release(1) })
	}
}
