package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parlorchat/parlor/internal/domain"
)

// State is the link lifecycle phase.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

const maxBackoff = 30 * time.Second

// Config tunes the gateway link.
type Config struct {
	URL            string
	ServerID       string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	SyncInterval   time.Duration
}

// wireConn is the subset of *websocket.Conn the manager uses; tests
// substitute a scripted fake.
type wireConn interface {
	WriteJSON(v any) error
	ReadMessage() (int, []byte, error)
	Close() error
}

type dialFunc func(ctx context.Context) (wireConn, error)

// Manager owns exactly one outbound gateway connection. All gateway
// calls are best-effort sends: a failed send is logged and surfaces
// to users only when a new voice room is requested while the link is
// down.
type Manager struct {
	cfg      Config
	handlers Handlers
	dial     dialFunc

	mu         sync.Mutex
	state      State
	healthy    bool
	conn       wireConn
	registered map[domain.RoomID]bool
	// pending holds rooms awaiting (re-)registration. A room always
	// enters pending before the registration send, so a disconnect
	// mid-registration still retries on reconnect.
	pending map[domain.RoomID]bool
	active  map[domain.ExternalID]ActiveConnection
	retries int

	connDone chan struct{}
}

func NewManager(cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 60 * time.Second
	}
	m := &Manager{
		cfg:        cfg,
		registered: make(map[domain.RoomID]bool),
		pending:    make(map[domain.RoomID]bool),
		active:     make(map[domain.ExternalID]ActiveConnection),
	}
	m.dial = m.dialWebsocket
	return m
}

// SetHandlers wires the reconciliation callbacks. Must be called
// before Start.
func (m *Manager) SetHandlers(h Handlers) {
	m.handlers = h
}

func (m *Manager) dialWebsocket(ctx context.Context) (wireConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Start runs the connect/read/reconnect loop until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go m.connectionLoop(ctx)
}

func (m *Manager) connectionLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		m.state = Connecting
		retries := m.retries
		m.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		conn, err := m.dial(dialCtx)
		cancel()
		if err != nil {
			m.mu.Lock()
			m.state = Disconnected
			m.retries++
			m.mu.Unlock()
			backoff := time.Second << uint(min(retries, 5))
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			log.Warn().Str("module", "gateway").Err(err).Dur("retry_in", backoff).Msg("gateway connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		m.onConnected(ctx, conn)
		m.readLoop(ctx, conn)
		m.onDisconnected()
	}
}

// onConnected marks the link healthy, starts the periodic tasks, and
// replays every pending room registration before requesting a full
// sync.
func (m *Manager) onConnected(ctx context.Context, conn wireConn) {
	m.mu.Lock()
	m.conn = conn
	m.state = Connected
	m.healthy = true
	m.retries = 0
	m.connDone = make(chan struct{})
	done := m.connDone
	rooms := make([]domain.RoomID, 0, len(m.pending))
	for room := range m.pending {
		rooms = append(rooms, room)
	}
	m.mu.Unlock()

	log.Info().Str("module", "gateway").Str("url", m.cfg.URL).Int("pending_rooms", len(rooms)).Msg("gateway connected")

	go m.keepAliveLoop(ctx, done)
	go m.syncLoop(ctx, done)

	for _, room := range rooms {
		m.RegisterRoom(room)
	}
	m.RequestSync()
}

// onDisconnected moves every registered room back to pending. No
// session state is touched: only a gateway peer-left event or the
// next sync reconciliation evicts stale voice sessions, which
// tolerates brief gateway restarts without kicking users.
func (m *Manager) onDisconnected() {
	m.mu.Lock()
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	for room := range m.registered {
		m.pending[room] = true
	}
	m.registered = make(map[domain.RoomID]bool)
	m.state = Disconnected
	m.healthy = false
	m.mu.Unlock()
	if m.handlers.OnDisconnect != nil {
		m.handlers.OnDisconnect()
	}
	log.Warn().Str("module", "gateway").Msg("gateway disconnected")
}

func (m *Manager) keepAliveLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(m.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := m.send(EventKeepAlive, nil); err != nil {
				log.Warn().Str("module", "gateway").Err(err).Msg("keepalive failed, dropping link")
				m.mu.Lock()
				m.healthy = false
				conn := m.conn
				m.mu.Unlock()
				// Closing the socket unwinds the read loop, which
				// stops the sync ticker and drives the reconnect.
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
		}
	}
}

func (m *Manager) syncLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			m.RequestSync()
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn wireConn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Str("module", "gateway").Err(err).Msg("gateway read error")
			return
		}
		m.handleMessage(data)
	}
}

func (m *Manager) handleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Str("module", "gateway").Err(err).Msg("bad gateway frame")
		return
	}
	switch env.Event {
	case EventKeepAlive:
		// Liveness ack, nothing to do.
	case EventRoomJoined:
		log.Debug().Str("module", "gateway").RawJSON("data", env.Data).Msg("room joined ack")
	case EventRoomError:
		log.Warn().Str("module", "gateway").RawJSON("data", env.Data).Msg("gateway room error")
	case EventPeerJoined:
		var ev PeerEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			log.Error().Str("module", "gateway").Err(err).Msg("bad peer_joined payload")
			return
		}
		m.mu.Lock()
		m.active[ev.UserID] = ActiveConnection{RoomID: ev.RoomID, ConnectedAt: time.Now()}
		m.mu.Unlock()
		if m.handlers.OnPeerJoined != nil {
			m.handlers.OnPeerJoined(ev)
		}
	case EventPeerLeft:
		var ev PeerEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			log.Error().Str("module", "gateway").Err(err).Msg("bad peer_left payload")
			return
		}
		m.mu.Lock()
		delete(m.active, ev.UserID)
		m.mu.Unlock()
		if m.handlers.OnPeerLeft != nil {
			m.handlers.OnPeerLeft(ev)
		}
	case EventSyncResponse:
		var report SyncReport
		if err := json.Unmarshal(env.Data, &report); err != nil {
			log.Error().Str("module", "gateway").Err(err).Msg("bad sync_response payload")
			return
		}
		m.applySyncReport(report)
		if m.handlers.OnSyncResponse != nil {
			m.handlers.OnSyncResponse(report)
		}
	default:
		log.Warn().Str("module", "gateway").Str("event", env.Event).Msg("unknown gateway event")
	}
}

// applySyncReport refreshes the active-connection map from the
// gateway's authoritative snapshot.
func (m *Manager) applySyncReport(report SyncReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, room := range report.Rooms {
		for _, uid := range room.Members {
			entry, ok := m.active[uid]
			if !ok || entry.RoomID != room.RoomID {
				m.active[uid] = ActiveConnection{RoomID: room.RoomID, ConnectedAt: time.Now()}
			}
		}
	}
}

func (m *Manager) send(event string, payload any) error {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = b
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return domain.NewSignalError(domain.CodeGatewayUnavailable, "media gateway is not connected")
	}
	return conn.WriteJSON(Envelope{Event: event, Data: data})
}

// Ready reports whether new voice rooms can be requested: connected
// and the keepalive has not flagged the link unhealthy.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected && m.healthy
}

// State returns the current link phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RegisterRoom registers a room with the gateway, at most once per
// link. The room enters the pending set before the send so a drop
// mid-registration still retries on reconnect.
func (m *Manager) RegisterRoom(roomID domain.RoomID) {
	m.mu.Lock()
	m.pending[roomID] = true
	if m.registered[roomID] {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.send(EventServerRegister, registerPayload{RoomID: roomID, ServerID: m.cfg.ServerID}); err != nil {
		log.Warn().Str("module", "gateway").Str("room", string(roomID)).Err(err).Msg("room registration send failed")
		return
	}
	m.mu.Lock()
	m.registered[roomID] = true
	m.mu.Unlock()
	log.Info().Str("module", "gateway").Str("room", string(roomID)).Msg("room registered")
}

// UnregisterRoom forgets a room locally. Best effort.
func (m *Manager) UnregisterRoom(roomID domain.RoomID) {
	m.mu.Lock()
	delete(m.registered, roomID)
	delete(m.pending, roomID)
	m.mu.Unlock()
}

// TrackConnection records an identity's media session. Returns false
// without mutating when the identity already has one; this is the
// authoritative duplicate-connection guard.
func (m *Manager) TrackConnection(roomID domain.RoomID, userID domain.ExternalID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.active[userID]; exists {
		return false
	}
	m.active[userID] = ActiveConnection{RoomID: roomID, ConnectedAt: time.Now()}
	return true
}

// UntrackConnection forgets an identity's media session.
func (m *Manager) UntrackConnection(userID domain.ExternalID) {
	m.mu.Lock()
	delete(m.active, userID)
	m.mu.Unlock()
}

// ActiveFor returns the tracked media session for an identity.
func (m *Manager) ActiveFor(userID domain.ExternalID) (ActiveConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.active[userID]
	return c, ok
}

// UpdateAudioState pushes mute/deafen state, fire-and-forget. Dropped
// silently when the link is down; voice state is best effort.
func (m *Manager) UpdateAudioState(roomID domain.RoomID, userID domain.ExternalID, muted, deafened bool) {
	if m.State() != Connected {
		return
	}
	if err := m.send(EventUserAudioControl, audioControlPayload{
		RoomID: roomID, UserID: userID, Muted: muted, Deafened: deafened,
	}); err != nil {
		log.Debug().Str("module", "gateway").Err(err).Msg("audio state send dropped")
	}
}

// RequestSync asks for the gateway's complete snapshot,
// fire-and-forget; the response arrives via OnSyncResponse.
func (m *Manager) RequestSync() {
	if err := m.send(EventSyncRequest, nil); err != nil {
		log.Debug().Str("module", "gateway").Err(err).Msg("sync request dropped")
	}
}

// DisconnectUser asks the gateway to terminate an identity's media
// session, used by moderation.
func (m *Manager) DisconnectUser(roomID domain.RoomID, userID domain.ExternalID) {
	if err := m.send(EventDisconnectUser, disconnectPayload{RoomID: roomID, UserID: userID}); err != nil {
		log.Warn().Str("module", "gateway").Err(err).Msg("disconnect user send failed")
	}
}
