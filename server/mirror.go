package server

import (
	"fmt"
	"sort"
	"sync"

	mgerr "mudgate/internal/errors"
	"mudgate/internal/session"
)

type mirrored struct {
	info    session.Info
	lastIn  uint64 // last seq accepted from the Portal
	lastOut uint64 // last seq sent to the Portal
}

// Mirror is the Server's copy of the Portal's session table.  It is
// rebuilt from portal-sync after every attach and kept current by the
// CONNECT and DISCONNECT envelopes in between.
type Mirror struct {
	mu       sync.Mutex
	sessions map[string]*mirrored
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{sessions: make(map[string]*mirrored)}
}

// Sync replaces the mirror with infos.  Seq counters of sessions the
// mirror already knew are kept when they are ahead of the Portal's, so
// a link blip does not replay work this process already did.  It
// returns the sessions that vanished.
func (m *Mirror) Sync(infos []session.Info) (gone []session.Info) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*mirrored, len(infos))
	for _, info := range infos {
		e := &mirrored{info: info, lastIn: info.LastAcked, lastOut: info.LastOutSeq}
		if old, ok := m.sessions[info.ID]; ok {
			e.lastIn = max(e.lastIn, old.lastIn)
			e.lastOut = max(e.lastOut, old.lastOut)
		}
		next[info.ID] = e
	}
	for id, old := range m.sessions {
		if _, ok := next[id]; !ok {
			gone = append(gone, old.info)
		}
	}
	m.sessions = next
	sortInfos(gone)
	return gone
}

// Connect records a CONNECT with seq.  It reports false when the
// session is already known at or beyond seq.
func (m *Mirror) Connect(info session.Info, seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[info.ID]; ok {
		if seq <= e.lastIn {
			return false
		}
		e.lastIn = seq
		e.info = info
		return true
	}
	m.sessions[info.ID] = &mirrored{info: info, lastIn: seq, lastOut: info.LastOutSeq}
	return true
}

// Accept reports whether seq is new for the session and records it.
func (m *Mirror) Accept(id string, seq uint64) (session.Info, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return session.Info{}, false, fmt.Errorf("session %s: %w", id, mgerr.ErrUnknownSession)
	}
	if seq <= e.lastIn {
		return e.info, false, nil
	}
	e.lastIn = seq
	return e.info, true, nil
}

// LastIn returns the last seq accepted for the session.
func (m *Mirror) LastIn(id string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		return e.lastIn
	}
	return 0
}

// Remove drops a session.
func (m *Mirror) Remove(id string) (session.Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return session.Info{}, false
	}
	delete(m.sessions, id)
	return e.info, true
}

// Get returns the mirrored info for a session.
func (m *Mirror) Get(id string) (session.Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return session.Info{}, false
	}
	return e.info, true
}

// NextOut allocates the next outbound seq for a session.
func (m *Mirror) NextOut(id string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return 0, fmt.Errorf("session %s: %w", id, mgerr.ErrUnknownSession)
	}
	e.lastOut++
	e.info.LastOutSeq = e.lastOut
	return e.lastOut, nil
}

// SetTokens updates the opaque tokens and returns the new info.  A nil
// pointer leaves that token unchanged.
func (m *Mirror) SetTokens(id string, auth, puppet *string) (session.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return session.Info{}, fmt.Errorf("session %s: %w", id, mgerr.ErrUnknownSession)
	}
	if auth != nil {
		e.info.AuthToken = *auth
	}
	if puppet != nil {
		e.info.PuppetToken = *puppet
	}
	return e.info, nil
}

// List returns every mirrored session, oldest first.
func (m *Mirror) List() []session.Info {
	m.mu.Lock()
	out := make([]session.Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.info)
	}
	m.mu.Unlock()
	sortInfos(out)
	return out
}

// Len returns the number of mirrored sessions.
func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func sortInfos(list []session.Info) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ConnectedAt.Equal(list[j].ConnectedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].ConnectedAt.Before(list[j].ConnectedAt)
	})
}
