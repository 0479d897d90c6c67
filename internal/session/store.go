package session

import "sync"

// Store is the shared session registry. The gateway server is the only
// writer; the heartbeat monitor and relay router read through it and
// tolerate a just-removed session being looked up once more.
type Store struct {
	sessions sync.Map // session id -> *Session
	count    int64
	mu       sync.Mutex
}

func NewStore() *Store {
	return &Store{}
}

// Add registers a session under its id.
func (st *Store) Add(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, loaded := st.sessions.LoadOrStore(s.ID, s); !loaded {
		st.count++
	}
}

// Get looks a session up by id.
func (st *Store) Get(id string) (*Session, bool) {
	val, ok := st.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return val.(*Session), true
}

// Remove drops a session from the registry and reports whether it was
// present. Removing an unknown id is a no-op.
func (st *Store) Remove(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions.LoadAndDelete(id); ok {
		st.count--
		return true
	}
	return false
}

// Range calls fn for every live session until it returns false.
func (st *Store) Range(fn func(s *Session) bool) {
	st.sessions.Range(func(_, value interface{}) bool {
		return fn(value.(*Session))
	})
}

// Count returns the number of registered sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return int(st.count)
}
