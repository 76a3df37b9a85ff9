package session

import (
	"context"
	"fmt"
	"sync"
)

// chatLocks serializes units of work per chat id. Entries are reference
// counted and dropped once no goroutine holds or waits for them, so the map
// only grows with concurrently active chats.
type chatLocks struct {
	mu    sync.Mutex
	locks map[int64]*chatLock
}

type chatLock struct {
	sem  chan struct{}
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[int64]*chatLock)}
}

// acquire blocks until the chat is free or ctx ends.
func (l *chatLocks) acquire(ctx context.Context, chatID int64) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[chatID]
	if !ok {
		lk = &chatLock{sem: make(chan struct{}, 1)}
		l.locks[chatID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(chatID, lk, false)
		return nil, fmt.Errorf("%w: chat %d: %w", ErrBusy, chatID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(chatID, lk, true) })
	}, nil
}

func (l *chatLocks) release(chatID int64, lk *chatLock, held bool) {
	if held {
		<-lk.sem
	}

	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, chatID)
	}
	l.mu.Unlock()
}

func (l *chatLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
