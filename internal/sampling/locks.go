// internal/sampling/locks.go
package sampling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/millrun/samplegate/internal/types"
)

// scopeLocks serializes decision and outcome processing per scope. Each scope
// gets a one-slot channel acting as a mutex, which lets acquisition race a
// deadline and the caller's context instead of blocking indefinitely. Entries
// are never removed; the map holds one channel per scope ever touched, and a
// scope key is three short strings.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[types.ScopeKey]chan struct{}
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{
		locks: make(map[types.ScopeKey]chan struct{}),
	}
}

func (l *scopeLocks) lock(scope types.ScopeKey) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[scope]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[scope] = ch
	}
	return ch
}

// acquire takes the lock for scope, waiting at most timeout. A nonpositive
// timeout waits until the context is done. The returned release function must
// be called exactly once.
func (l *scopeLocks) acquire(ctx context.Context, scope types.ScopeKey, timeout time.Duration) (func(), error) {
	ch := l.lock(scope)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-deadline:
		return nil, fmt.Errorf("%w: scope %s held for over %s", types.ErrEngineBusy, scope, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
