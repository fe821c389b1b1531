package locker

import (
	"context"
	"sync"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"golang.org/x/sync/semaphore"
)

const maxReaders = 1 << 16

// LocalLocker is a process-local reader/writer lock keyed by session id.
// Readers take one unit of the session's semaphore, writers take all of
// them. Acquisition is FIFO, so a waiting writer holds back later readers.
// Entries live only while someone holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sem  *semaphore.Weighted
	refs int
}

var _ port.SessionLocker = (*LocalLocker)(nil)

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sessionLock)}
}

func (l *LocalLocker) RLock(ctx context.Context, sessionID string) (func(), error) {
	return l.acquire(ctx, sessionID, 1)
}

func (l *LocalLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	return l.acquire(ctx, sessionID, maxReaders)
}

func (l *LocalLocker) acquire(ctx context.Context, sessionID string, weight int64) (func(), error) {
	sl := l.ref(sessionID)
	if err := sl.sem.Acquire(ctx, weight); err != nil {
		l.unref(sessionID)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			sl.sem.Release(weight)
			l.unref(sessionID)
		})
	}, nil
}

func (l *LocalLocker) ref(sessionID string) *sessionLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl, ok := l.locks[sessionID]
	if !ok {
		sl = &sessionLock{sem: semaphore.NewWeighted(maxReaders)}
		l.locks[sessionID] = sl
	}
	sl.refs++
	return sl
}

func (l *LocalLocker) unref(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl, ok := l.locks[sessionID]
	if !ok {
		return
	}
	if sl.refs--; sl.refs == 0 {
		delete(l.locks, sessionID)
	}
}

// held reports how many sessions currently have a lock entry.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
