package app

import (
	"context"
	"sync"
	"time"

	"github.com/parlorchat/parlor/internal/domain"
	"github.com/parlorchat/parlor/internal/gateway"
)

// captureConn records everything sent to it.
type captureConn struct {
	mu     sync.Mutex
	msgs   []any
	closed bool
}

func (c *captureConn) TrySend(v any) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, v)
	c.mu.Unlock()
	return nil
}

func (c *captureConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *captureConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *captureConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *captureConn) last() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return nil
	}
	return c.msgs[len(c.msgs)-1]
}

// fakeDirectory is an in-memory Directory / MemberLister /
// ModerationStore.
type fakeDirectory struct {
	mu      sync.Mutex
	members map[domain.ExternalID]domain.Member
	bans    map[domain.ExternalID]bool
	invites map[string]*domain.Invite
	owner   domain.ExternalID
	version int64
	refresh map[string]domain.RefreshToken
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		members: make(map[domain.ExternalID]domain.Member),
		bans:    make(map[domain.ExternalID]bool),
		invites: make(map[string]*domain.Invite),
		version: 1,
		refresh: make(map[string]domain.RefreshToken),
	}
}

func (d *fakeDirectory) MemberByExternal(_ context.Context, ext domain.ExternalID) (domain.Member, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[ext]
	return m, ok, nil
}

func (d *fakeDirectory) UpsertMember(_ context.Context, m domain.Member) (domain.Member, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.members[m.ExternalID]; ok {
		existing.Nickname = m.Nickname
		d.members[m.ExternalID] = existing
		return existing, false, nil
	}
	d.members[m.ExternalID] = m
	return m, true, nil
}

func (d *fakeDirectory) IsBanned(_ context.Context, ext domain.ExternalID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bans[ext], nil
}

func (d *fakeDirectory) ConsumeInvite(_ context.Context, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv, ok := d.invites[code]
	if !ok || inv.Revoked || inv.UsesRemaining <= 0 {
		return domain.NewSignalError(domain.CodeInvalidInvite, "invite code is not valid")
	}
	inv.UsesRemaining--
	return nil
}

func (d *fakeDirectory) OwnerExternalID(_ context.Context) (domain.ExternalID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner, nil
}

func (d *fakeDirectory) ClaimOwnership(_ context.Context, ext domain.ExternalID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner != "" {
		return false, nil
	}
	d.owner = ext
	return true, nil
}

func (d *fakeDirectory) TokenVersion(_ context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version, nil
}

func (d *fakeDirectory) CreateRefreshToken(_ context.Context, t domain.RefreshToken) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refresh[t.ID] = t
	return nil
}

func (d *fakeDirectory) RefreshTokenByID(_ context.Context, id string) (domain.RefreshToken, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.refresh[id]
	return t, ok, nil
}

func (d *fakeDirectory) RevokeRefreshTokens(_ context.Context, ext domain.ExternalID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.refresh {
		if t.ExternalID == ext {
			t.Revoked = true
			d.refresh[id] = t
		}
	}
	return nil
}

func (d *fakeDirectory) ListMembers(_ context.Context) ([]domain.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Member, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m)
	}
	return out, nil
}

func (d *fakeDirectory) Ban(_ context.Context, ext domain.ExternalID, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bans[ext] = true
	return nil
}

func (d *fakeDirectory) Unban(_ context.Context, ext domain.ExternalID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bans, ext)
	return nil
}

type audioUpdate struct {
	roomID   domain.RoomID
	userID   domain.ExternalID
	muted    bool
	deafened bool
}

// fakeGateway is an in-memory GatewayLink.
type fakeGateway struct {
	mu          sync.Mutex
	ready       bool
	registered  []domain.RoomID
	active      map[domain.ExternalID]gateway.ActiveConnection
	disconnects []domain.ExternalID
	audio       []audioUpdate
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		ready:  true,
		active: make(map[domain.ExternalID]gateway.ActiveConnection),
	}
}

func (g *fakeGateway) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *fakeGateway) RegisterRoom(roomID domain.RoomID) {
	g.mu.Lock()
	g.registered = append(g.registered, roomID)
	g.mu.Unlock()
}

func (g *fakeGateway) UnregisterRoom(domain.RoomID) {}

func (g *fakeGateway) TrackConnection(roomID domain.RoomID, userID domain.ExternalID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.active[userID]; exists {
		return false
	}
	g.active[userID] = gateway.ActiveConnection{RoomID: roomID, ConnectedAt: time.Now()}
	return true
}

func (g *fakeGateway) UntrackConnection(userID domain.ExternalID) {
	g.mu.Lock()
	delete(g.active, userID)
	g.mu.Unlock()
}

func (g *fakeGateway) ActiveFor(userID domain.ExternalID) (gateway.ActiveConnection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.active[userID]
	return c, ok
}

func (g *fakeGateway) UpdateAudioState(roomID domain.RoomID, userID domain.ExternalID, muted, deafened bool) {
	g.mu.Lock()
	g.audio = append(g.audio, audioUpdate{roomID: roomID, userID: userID, muted: muted, deafened: deafened})
	g.mu.Unlock()
}

func (g *fakeGateway) RequestSync() {}

func (g *fakeGateway) DisconnectUser(_ domain.RoomID, userID domain.ExternalID) {
	g.mu.Lock()
	g.disconnects = append(g.disconnects, userID)
	g.mu.Unlock()
}
