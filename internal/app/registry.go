package app

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/parlorchat/parlor/internal/domain"
)

// SignalConn is the send side of one client connection. Implemented
// by the websocket adapter; fakes stand in for it in tests.
type SignalConn interface {
	TrySend(v any) error
	Close()
}

type sessionEntry struct {
	sess   *Session
	conn   SignalConn
	cancel context.CancelFunc
}

// SessionRegistry is the single source of truth for live presence.
// It is an injected, process-scoped store: construct one per process
// (or per test), never share sessions by pointer outside it.
type SessionRegistry struct {
	mu      sync.RWMutex
	entries map[domain.ConnectionID]*sessionEntry
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{entries: make(map[domain.ConnectionID]*sessionEntry)}
}

// Bind records a new connection with a placeholder session.
func (r *SessionRegistry) Bind(cid domain.ConnectionID, conn SignalConn, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cid] = &sessionEntry{
		sess:   &Session{ConnectionID: cid},
		conn:   conn,
		cancel: cancel,
	}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("bound connection")
}

// Unbind removes the connection's session entirely.
func (r *SessionRegistry) Unbind(cid domain.ConnectionID) {
	r.mu.Lock()
	delete(r.entries, cid)
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("unbound connection")
}

// Get returns a copy of the session. Mutations must go through
// Mutate so they happen under the registry lock.
func (r *SessionRegistry) Get(cid domain.ConnectionID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[cid]
	if !ok {
		return Session{}, false
	}
	return *e.sess, true
}

// Mutate applies fn to the session under the registry lock. Returns
// false if the connection is gone, which callers must tolerate since
// any suspension point may race a disconnect.
func (r *SessionRegistry) Mutate(cid domain.ConnectionID, fn func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[cid]
	if !ok {
		return false
	}
	fn(e.sess)
	if e.sess.HasJoinedChannel && e.sess.VoiceChannelID == "" {
		e.sess.HasJoinedChannel = false
	}
	return true
}

// Promote assigns a verified identity to the session.
func (r *SessionRegistry) Promote(cid domain.ConnectionID, m domain.Member, credential string) bool {
	return r.Mutate(cid, func(s *Session) {
		s.ExternalID = m.ExternalID
		s.InternalID = m.ID
		s.Nickname = m.Nickname
		s.DisplayColor = m.DisplayColor
		s.Role = m.Role
		s.AccessCredential = credential
	})
}

// ClearVoice resets all voice fields on the session.
func (r *SessionRegistry) ClearVoice(cid domain.ConnectionID) bool {
	return r.Mutate(cid, func(s *Session) { s.clearVoice() })
}

// Verified returns copies of all admitted sessions sorted by
// connection id, the canonical projection broadcasts are built from.
func (r *SessionRegistry) Verified() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.entries))
	for _, e := range r.entries {
		if e.sess.Verified() {
			out = append(out, *e.sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// ByExternal returns the connection ids currently bound to an
// identity, normally zero or one, more during a device switch.
func (r *SessionRegistry) ByExternal(ext domain.ExternalID) []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ConnectionID
	for cid, e := range r.entries {
		if e.sess.ExternalID == ext {
			out = append(out, cid)
		}
	}
	return out
}

// InVoice returns copies of all sessions that have joined a voice
// channel, used by gateway reconciliation.
func (r *SessionRegistry) InVoice() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, e := range r.entries {
		if e.sess.HasJoinedChannel {
			out = append(out, *e.sess)
		}
	}
	return out
}

// Send delivers one message to one connection, best effort.
func (r *SessionRegistry) Send(cid domain.ConnectionID, v any) {
	r.mu.RLock()
	e, ok := r.entries[cid]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := e.conn.TrySend(v); err != nil {
		log.Warn().Str("module", "app.registry").Str("cid", string(cid)).Err(err).Msg("send dropped")
	}
}

// SendVerified fans one message out to every admitted connection.
func (r *SessionRegistry) SendVerified(v any) {
	r.mu.RLock()
	conns := make([]SignalConn, 0, len(r.entries))
	for _, e := range r.entries {
		if e.sess.Verified() {
			conns = append(conns, e.conn)
		}
	}
	r.mu.RUnlock()
	for _, c := range conns {
		_ = c.TrySend(v)
	}
}

// Cancel tears the connection down via its lifecycle context.
func (r *SessionRegistry) Cancel(cid domain.ConnectionID) bool {
	r.mu.RLock()
	e, ok := r.entries[cid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	// Closing the socket unblocks the read pump so teardown runs even
	// when the peer never sends another frame.
	e.conn.Close()
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("canceled connection")
	return true
}

// Count reports the number of live connections, verified or not.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
