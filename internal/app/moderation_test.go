package app

import (
	"context"
	"testing"

	"github.com/parlorchat/parlor/internal/domain"
)

type moderationHarness struct {
	reg  *SessionRegistry
	dir  *fakeDirectory
	gw   *fakeGateway
	gate *AuthGate
	mod  *Moderation
}

func newModerationHarness(t *testing.T) *moderationHarness {
	t.Helper()
	h := &moderationHarness{
		reg: NewSessionRegistry(),
		dir: newFakeDirectory(),
		gw:  newFakeGateway(),
	}
	h.gate = newTestGate(t, newTestAuthority(t), "identity.example.org")
	bc := NewBroadcastCoordinator(h.reg, h.dir)
	voice := &VoiceCoordinator{
		ServerID:  "srv1",
		Registry:  h.reg,
		Broadcast: bc,
		Gateway:   h.gw,
	}
	h.mod = &Moderation{
		Registry:  h.reg,
		Broadcast: bc,
		Voice:     voice,
		Gate:      h.gate,
		Store:     h.dir,
	}
	return h
}

// bindWithRole binds a session holding a freshly minted credential at
// the current token version.
func (h *moderationHarness) bindWithRole(t *testing.T, cid domain.ConnectionID, ext domain.ExternalID, role domain.Role) *captureConn {
	t.Helper()
	conn := &captureConn{}
	h.reg.Bind(cid, conn, nil)
	m := domain.Member{
		ID:         domain.UserID("u-" + string(ext)),
		ExternalID: ext,
		Nickname:   string(ext),
		Role:       role,
	}
	version, _ := h.dir.TokenVersion(context.Background())
	cred, err := h.gate.MintCredential(m, "chat.example.org", version)
	if err != nil {
		t.Fatal(err)
	}
	if !h.reg.Promote(cid, m, cred) {
		t.Fatalf("Promote(%s) failed", cid)
	}
	return conn
}

func framesOfType(conn *captureConn, typ string) []map[string]any {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	var out []map[string]any
	for _, m := range conn.msgs {
		if f, ok := m.(map[string]any); ok && f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestAuthorizeRoleChecks(t *testing.T) {
	h := newModerationHarness(t)
	ctx := context.Background()
	h.bindWithRole(t, "admin", "ext-admin", domain.RoleAdmin)
	h.bindWithRole(t, "member", "ext-member", domain.RoleMember)
	h.bindWithRole(t, "mod", "ext-mod", domain.RoleMod)

	if _, err := h.mod.Authorize(ctx, "admin", domain.RoleAdmin); err != nil {
		t.Errorf("admin rejected: %v", err)
	}
	_, err := h.mod.Authorize(ctx, "member", domain.RoleAdmin)
	wantCode(t, err, domain.CodeForbidden)
	_, err = h.mod.Authorize(ctx, "mod", domain.RoleAdmin)
	wantCode(t, err, domain.CodeForbidden)
	_, err = h.mod.Authorize(ctx, "gone", domain.RoleAdmin)
	wantCode(t, err, domain.CodeAuthRequired)
}

func TestAuthorizeRejectsStaleCredential(t *testing.T) {
	h := newModerationHarness(t)
	ctx := context.Background()
	h.bindWithRole(t, "admin", "ext-admin", domain.RoleAdmin)

	// The token version moves after the credential was minted.
	h.dir.mu.Lock()
	h.dir.version++
	h.dir.mu.Unlock()

	_, err := h.mod.Authorize(ctx, "admin", domain.RoleAdmin)
	wantCode(t, err, domain.CodeTokenStale)
}

func TestKick(t *testing.T) {
	h := newModerationHarness(t)
	ctx := context.Background()
	h.bindWithRole(t, "admin", "ext-admin", domain.RoleAdmin)
	targetConn := h.bindWithRole(t, "c1", "ext-target", domain.RoleMember)
	cancelCtx, cancel := context.WithCancel(context.Background())
	h.reg.Bind("c1", targetConn, cancel)
	h.reg.Promote("c1", domain.Member{ID: "u-ext-target", ExternalID: "ext-target", Nickname: "t"}, "")

	if err := h.mod.Kick(ctx, "admin", "ext-target", "spam"); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if got := framesOfType(targetConn, "kicked"); len(got) != 1 || got[0]["reason"] != "spam" {
		t.Errorf("kicked frames = %v", got)
	}
	select {
	case <-cancelCtx.Done():
	default:
		t.Error("target connection not canceled")
	}
	// An idle kicked client must still be torn down; the close is what
	// unblocks its read pump.
	if !targetConn.wasClosed() {
		t.Error("target connection not closed")
	}
}

func TestBan(t *testing.T) {
	h := newModerationHarness(t)
	ctx := context.Background()
	h.bindWithRole(t, "admin", "ext-admin", domain.RoleAdmin)
	targetConn := h.bindWithRole(t, "c1", "ext-target", domain.RoleMember)
	h.dir.CreateRefreshToken(ctx, domain.RefreshToken{ID: "rt1", ExternalID: "ext-target"})

	if err := h.mod.Ban(ctx, "admin", "ext-target", "spam"); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	if banned, _ := h.dir.IsBanned(ctx, "ext-target"); !banned {
		t.Error("target not recorded as banned")
	}
	if tok, _, _ := h.dir.RefreshTokenByID(ctx, "rt1"); !tok.Revoked {
		t.Error("refresh token not revoked")
	}
	if got := framesOfType(targetConn, "token_revoked"); len(got) != 1 {
		t.Errorf("token_revoked frames = %d, want 1", len(got))
	}
	if got := framesOfType(targetConn, "kicked"); len(got) != 1 {
		t.Errorf("kicked frames = %d, want 1", len(got))
	}
}

func TestBanSelfForbidden(t *testing.T) {
	h := newModerationHarness(t)
	h.bindWithRole(t, "admin", "ext-admin", domain.RoleAdmin)

	err := h.mod.Ban(context.Background(), "admin", "ext-admin", "oops")
	wantCode(t, err, domain.CodeForbidden)
	if banned, _ := h.dir.IsBanned(context.Background(), "ext-admin"); banned {
		t.Error("self-ban was recorded")
	}
}

func TestUnban(t *testing.T) {
	h := newModerationHarness(t)
	ctx := context.Background()
	h.bindWithRole(t, "admin", "ext-admin", domain.RoleAdmin)
	h.dir.Ban(ctx, "ext-target", "spam")

	if err := h.mod.Unban(ctx, "admin", "ext-target"); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	if banned, _ := h.dir.IsBanned(ctx, "ext-target"); banned {
		t.Error("target still banned")
	}
}

func TestSetServerMute(t *testing.T) {
	h := newModerationHarness(t)
	ctx := context.Background()
	h.bindWithRole(t, "admin", "ext-admin", domain.RoleAdmin)
	targetConn := h.bindWithRole(t, "c1", "ext-target", domain.RoleMember)
	h.reg.Mutate("c1", func(s *Session) {
		s.HasJoinedChannel = true
		s.VoiceChannelID = "general"
	})

	if err := h.mod.SetServerMute(ctx, "admin", "ext-target", true); err != nil {
		t.Fatalf("SetServerMute: %v", err)
	}
	s, _ := h.reg.Get("c1")
	if !s.ServerMuted {
		t.Error("ServerMuted not set")
	}
	if got := framesOfType(targetConn, "muted"); len(got) != 1 || got[0]["muted"] != true {
		t.Errorf("muted frames = %v", got)
	}
	if len(h.gw.audio) != 1 || !h.gw.audio[0].muted {
		t.Errorf("gateway audio updates = %+v", h.gw.audio)
	}

	if err := h.mod.SetServerMute(ctx, "admin", "ext-target", false); err != nil {
		t.Fatal(err)
	}
	s, _ = h.reg.Get("c1")
	if s.ServerMuted {
		t.Error("ServerMuted not lifted")
	}
}

func TestSetServerDeafen(t *testing.T) {
	h := newModerationHarness(t)
	ctx := context.Background()
	h.bindWithRole(t, "admin", "ext-admin", domain.RoleAdmin)
	h.bindWithRole(t, "c1", "ext-target", domain.RoleMember)

	if err := h.mod.SetServerDeafen(ctx, "admin", "ext-target", true); err != nil {
		t.Fatalf("SetServerDeafen: %v", err)
	}
	s, _ := h.reg.Get("c1")
	if !s.ServerDeafened {
		t.Error("ServerDeafened not set")
	}
}

func TestVoiceDisconnect(t *testing.T) {
	h := newModerationHarness(t)
	ctx := context.Background()
	h.bindWithRole(t, "admin", "ext-admin", domain.RoleAdmin)
	targetConn := h.bindWithRole(t, "c1", "ext-target", domain.RoleMember)
	h.reg.Mutate("c1", func(s *Session) {
		s.HasJoinedChannel = true
		s.VoiceChannelID = "general"
		s.ConnectedToVoice = true
	})
	h.gw.TrackConnection("srv1_general", "ext-target")

	if err := h.mod.VoiceDisconnect(ctx, "admin", "ext-target"); err != nil {
		t.Fatalf("VoiceDisconnect: %v", err)
	}
	s, ok := h.reg.Get("c1")
	if !ok {
		t.Fatal("target connection closed, voice disconnect should keep it")
	}
	if s.HasJoinedChannel || s.ConnectedToVoice {
		t.Errorf("target still in voice: %+v", s)
	}
	if _, active := h.gw.ActiveFor("ext-target"); active {
		t.Error("gateway still tracks the target")
	}
	if got := framesOfType(targetConn, "voice_removed"); len(got) != 1 || got[0]["reason"] != "moderation" {
		t.Errorf("voice_removed frames = %v", got)
	}
}
