// Package registry tracks which authenticated user owns which live
// connections.
package registry

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrAlreadyAuthenticated = errors.New("connection already bound to another user")
	ErrConnectionGone       = errors.New("connection is no longer registered")
)

type binding struct {
	userID int64

	// mu orders transmissions on this connection against its removal.
	mu     sync.Mutex
	closed bool
}

// Registry indexes live connections by user (multi-device) and by connection
// id. All map access happens under mu; per-connection sends are ordered by the
// binding's own lock so a slow socket never holds up the index.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]map[string]struct{}
	byConn map[string]*binding
}

func New() *Registry {
	return &Registry{
		byUser: make(map[int64]map[string]struct{}),
		byConn: make(map[string]*binding),
	}
}

// Register binds connID to userID. Re-registering the same pair is a no-op.
// It reports whether this is the user's first live connection.
func (r *Registry) Register(connID string, userID int64) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.byConn[connID]; ok {
		if b.userID != userID {
			return false, ErrAlreadyAuthenticated
		}
		return false, nil
	}

	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	first = len(conns) == 0
	conns[connID] = struct{}{}
	r.byConn[connID] = &binding{userID: userID}
	return first, nil
}

// Unregister removes connID. It returns the user the connection was bound to,
// whether that user has no connections left, and ok=false when connID was
// never registered.
//
// When Unregister returns, any transmission started through Guard has
// finished and no new one can start.
func (r *Registry) Unregister(connID string) (userID int64, last bool, ok bool) {
	r.mu.Lock()
	b, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return 0, false, false
	}
	delete(r.byConn, connID)
	conns := r.byUser[b.userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, b.userID)
		last = true
	}
	r.mu.Unlock()

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	return b.userID, last, true
}

// ConnectionsFor returns the user's live connection ids in a stable order.
// An empty result means the user is offline.
func (r *Registry) ConnectionsFor(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UserFor returns the user bound to connID.
func (r *Registry) UserFor(connID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byConn[connID]
	if !ok {
		return 0, false
	}
	return b.userID, true
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Guard runs send while connID is guaranteed to stay registered. It returns
// ErrConnectionGone without calling send if the connection was already
// unregistered.
func (r *Registry) Guard(connID string, send func() error) error {
	r.mu.RLock()
	b, ok := r.byConn[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionGone
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrConnectionGone
	}
	return send()
}

// Stats returns the number of registered connections and online users.
func (r *Registry) Stats() (connections, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn), len(r.byUser)
}

// Users returns every online user id in ascending order.
func (r *Registry) Users() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
