package eventledger

import (
	"context"
	"sync"
)

// partitionLocks hands out one lock per partition key. Entries are reference
// counted and removed once no goroutine holds or waits on them.
type partitionLocks struct {
	mu    sync.Mutex
	locks map[string]*partitionLock
}

type partitionLock struct {
	sem  chan struct{}
	refs int
}

func newPartitionLocks() *partitionLocks {
	return &partitionLocks{locks: make(map[string]*partitionLock)}
}

// lock blocks until key is held or ctx is done. On success it returns the
// matching unlock function.
func (l *partitionLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	pl, ok := l.locks[key]
	if !ok {
		pl = &partitionLock{sem: make(chan struct{}, 1)}
		l.locks[key] = pl
	}
	pl.refs++
	l.mu.Unlock()

	select {
	case pl.sem <- struct{}{}:
		return func() {
			<-pl.sem
			l.release(key, pl)
		}, nil
	case <-ctx.Done():
		l.release(key, pl)
		return nil, ctx.Err()
	}
}

func (l *partitionLocks) release(key string, pl *partitionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, key)
	}
}
