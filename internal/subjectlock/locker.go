package subjectlock

import (
	"context"
	"errors"
	"sync"
)

var ErrLockTimeout = errors.New("subject_lock_timeout")

// Locker grants mutual exclusion per subject. Different subjects never
// contend with each other.
type Locker interface {
	Lock(ctx context.Context, subject string) (unlock func(), err error)
}

type entry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process keyed lock. Entries are dropped once no
// goroutine holds or waits for them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewLocal() *LocalLocker {
	return &LocalLocker{locks: map[string]*entry{}}
}

func (l *LocalLocker) Lock(ctx context.Context, subject string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[subject]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[subject] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(subject, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(subject, e)
		})
	}, nil
}

func (l *LocalLocker) release(subject string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, subject)
	}
	l.mu.Unlock()
}

// size reports tracked subjects; used by tests.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
