// Package relay keeps the live session registry with copy-on-write snapshots
// indexed by session and user.
package relay

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrDuplicateSession is returned by Registry.Add when a session with the
// same identifier is already registered.
var ErrDuplicateSession = errors.New("relay: duplicate session id")

// membership is an immutable view of the registry. It is never modified
// after publication.
type membership struct {
	byID   map[string]*Session
	byUser map[string][]*Session
	order  []*Session
}

var emptyMembership = &membership{
	byID:   map[string]*Session{},
	byUser: map[string][]*Session{},
}

// Registry is the process-wide set of live sessions. Reads load the current
// snapshot without locking; writers rebuild and publish a new snapshot under
// a writer-only mutex, so an iteration in progress keeps the view it started
// with.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[membership]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(emptyMembership)
	return r
}

func (r *Registry) load() *membership {
	return r.current.Load()
}

// Add registers s.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.load()
	if _, exists := old.byID[s.ID()]; exists {
		return ErrDuplicateSession
	}

	next := &membership{
		byID:   make(map[string]*Session, len(old.byID)+1),
		byUser: make(map[string][]*Session, len(old.byUser)+1),
		order:  make([]*Session, 0, len(old.order)+1),
	}
	for id, sess := range old.byID {
		next.byID[id] = sess
	}
	for user, sessions := range old.byUser {
		next.byUser[user] = sessions
	}
	next.order = append(next.order, old.order...)

	next.byID[s.ID()] = s
	userSessions := make([]*Session, 0, len(old.byUser[s.UserID()])+1)
	userSessions = append(userSessions, old.byUser[s.UserID()]...)
	next.byUser[s.UserID()] = append(userSessions, s)
	next.order = append(next.order, s)

	r.current.Store(next)
	return nil
}

// Remove unregisters the session with the given id. It returns the removed
// session and true only for the call that actually removed it.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.load()
	s, exists := old.byID[id]
	if !exists {
		return nil, false
	}

	next := &membership{
		byID:   make(map[string]*Session, len(old.byID)),
		byUser: make(map[string][]*Session, len(old.byUser)),
		order:  make([]*Session, 0, len(old.order)),
	}
	for sid, sess := range old.byID {
		if sid != id {
			next.byID[sid] = sess
		}
	}
	for user, sessions := range old.byUser {
		if user != s.UserID() {
			next.byUser[user] = sessions
			continue
		}
		remaining := make([]*Session, 0, len(sessions))
		for _, sess := range sessions {
			if sess.ID() != id {
				remaining = append(remaining, sess)
			}
		}
		if len(remaining) > 0 {
			next.byUser[user] = remaining
		}
	}
	for _, sess := range old.order {
		if sess.ID() != id {
			next.order = append(next.order, sess)
		}
	}

	r.current.Store(next)
	return s, true
}

// Get returns the registered session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.load().byID[id]
	return s, ok
}

// FindByUserID returns every registered session authenticated as userID.
// The returned slice belongs to the caller.
func (r *Registry) FindByUserID(userID string) []*Session {
	sessions := r.load().byUser[userID]
	if len(sessions) == 0 {
		return nil
	}
	return append([]*Session(nil), sessions...)
}

// All returns a point-in-time snapshot of every registered session in
// registration order.
func (r *Registry) All() []*Session {
	return append([]*Session(nil), r.load().order...)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return len(r.load().order)
}
