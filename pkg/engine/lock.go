package engine

import (
	"context"
	"sync"
)

type briefLock struct {
	ch   chan struct{}
	refs int // holder plus waiters
}

// briefLocks is a set of per-brief, context-aware mutexes. An entry lives only
// while someone holds or waits for it.
type briefLocks struct {
	mu    sync.Mutex
	locks map[string]*briefLock
}

func newBriefLocks() *briefLocks {
	return &briefLocks{locks: make(map[string]*briefLock)}
}

// acquire blocks until the brief is free or ctx is done. The returned func releases it.
func (l *briefLocks) acquire(ctx context.Context, briefID string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[briefID]
	if !ok {
		lk = &briefLock{ch: make(chan struct{}, 1)}
		l.locks[briefID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
		return func() {
			<-lk.ch
			l.unref(briefID, lk)
		}, nil
	case <-ctx.Done():
		l.unref(briefID, lk)
		return nil, ctx.Err()
	}
}

func (l *briefLocks) unref(briefID string, lk *briefLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, briefID)
	}
}

func (l *briefLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
