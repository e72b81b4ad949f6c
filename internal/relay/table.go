package relay

import (
	"sync"
	"sync/atomic"
)

// sessionTable indexes relaying sessions by id. It exists for diagnostics and
// bulk shutdown; sessions run correctly without it.
type sessionTable struct {
	sessions sync.Map // map[uint64]*relaySession
	count    atomic.Int64
}

func newSessionTable() *sessionTable {
	return &sessionTable{}
}

func (t *sessionTable) insert(s *relaySession) error {
	if _, loaded := t.sessions.LoadOrStore(s.id, s); loaded {
		return ErrDuplicateSession
	}
	t.count.Add(1)
	return nil
}

// remove deletes s if it is still the session registered under its id.
func (t *sessionTable) remove(s *relaySession) bool {
	if t.sessions.CompareAndDelete(s.id, s) {
		t.count.Add(-1)
		return true
	}
	return false
}

func (t *sessionTable) lookup(id uint64) (*relaySession, bool) {
	value, ok := t.sessions.Load(id)
	if !ok {
		return nil, false
	}
	session, ok := value.(*relaySession)
	return session, ok
}

func (t *sessionTable) contains(id uint64) bool {
	_, ok := t.sessions.Load(id)
	return ok
}

// each visits live sessions until fn returns false. Sessions added or removed
// during the walk may or may not be seen.
func (t *sessionTable) each(fn func(*relaySession) bool) {
	t.sessions.Range(func(_, value any) bool {
		session, ok := value.(*relaySession)
		if !ok {
			return true
		}
		return fn(session)
	})
}

func (t *sessionTable) len() int {
	return int(t.count.Load())
}

func (t *sessionTable) closeAll(reason error) {
	t.each(func(s *relaySession) bool {
		s.closeWith(reason)
		return true
	})
}
