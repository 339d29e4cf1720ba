package relay

import (
	"context"
	"sync"
)

// lanes serializes deliveries per recipient. A lane is dropped once nobody
// holds or waits for it.
type lanes struct {
	mu sync.Mutex
	m  map[int64]*lane
}

type lane struct {
	sem  chan struct{}
	refs int
}

func newLanes() *lanes {
	return &lanes{m: make(map[int64]*lane)}
}

// acquire blocks until the lane of userID is free. The returned release may be
// called from any goroutine, at most once taking effect.
func (l *lanes) acquire(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	ln, ok := l.m[userID]
	if !ok {
		ln = &lane{sem: make(chan struct{}, 1)}
		l.m[userID] = ln
	}
	ln.refs++
	l.mu.Unlock()

	select {
	case ln.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(userID, ln)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ln.sem
			l.drop(userID, ln)
		})
	}, nil
}

func (l *lanes) drop(userID int64, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.m, userID)
	}
}

func (l *lanes) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
