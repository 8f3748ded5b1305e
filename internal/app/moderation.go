package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/parlorchat/parlor/internal/domain"
)

// ModerationStore is the durable surface moderation needs.
type ModerationStore interface {
	Ban(ctx context.Context, ext domain.ExternalID, reason string) error
	Unban(ctx context.Context, ext domain.ExternalID) error
	RevokeRefreshTokens(ctx context.Context, ext domain.ExternalID) error
	TokenVersion(ctx context.Context) (int64, error)
}

// Moderation executes privileged actions. Every call re-validates the
// actor's credential against the current token version; a stale
// credential is rejected, not trusted from an earlier check.
type Moderation struct {
	Registry  *SessionRegistry
	Broadcast *BroadcastCoordinator
	Voice     *VoiceCoordinator
	Gate      *AuthGate
	Store     ModerationStore
}

// Authorize verifies the actor's credential and role rank. Returns
// the actor's verified claims.
func (m *Moderation) Authorize(ctx context.Context, actor domain.ConnectionID, want domain.Role) (Session, error) {
	s, ok := m.Registry.Get(actor)
	if !ok || !s.Verified() {
		return Session{}, domain.NewSignalError(domain.CodeAuthRequired, "authentication required")
	}
	version, err := m.Store.TokenVersion(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("token version: %w", err)
	}
	if _, err := m.Gate.VerifyCredential(s.AccessCredential, version); err != nil {
		return Session{}, err
	}
	if err := RequireRole(s.Role, want); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Kick closes every connection held by the target identity.
func (m *Moderation) Kick(ctx context.Context, actor domain.ConnectionID, target domain.ExternalID, reason string) error {
	act, err := m.Authorize(ctx, actor, domain.RoleAdmin)
	if err != nil {
		return err
	}
	log.Info().Str("module", "app.moderation").
		Str("actor", string(act.ExternalID)).
		Str("target", string(target)).
		Str("action", "kick").Msg("moderation action")

	for _, cid := range m.Registry.ByExternal(target) {
		m.Registry.Send(cid, map[string]any{"type": "kicked", "reason": reason})
		m.Voice.DropConnection(cid)
		m.Registry.Cancel(cid)
	}
	m.Broadcast.SyncPresence()
	m.Broadcast.BroadcastMembers(ctx)
	return nil
}

// Ban records the ban, revokes the target's refresh tokens, and
// kicks every live connection.
func (m *Moderation) Ban(ctx context.Context, actor domain.ConnectionID, target domain.ExternalID, reason string) error {
	act, err := m.Authorize(ctx, actor, domain.RoleAdmin)
	if err != nil {
		return err
	}
	if act.ExternalID == target {
		return domain.NewSignalError(domain.CodeForbidden, "cannot ban yourself")
	}
	if err := m.Store.Ban(ctx, target, reason); err != nil {
		return fmt.Errorf("ban: %w", err)
	}
	if err := m.Store.RevokeRefreshTokens(ctx, target); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	for _, cid := range m.Registry.ByExternal(target) {
		m.Registry.Send(cid, map[string]any{"type": "token_revoked"})
	}
	return m.Kick(ctx, actor, target, reason)
}

// Unban lifts a ban.
func (m *Moderation) Unban(ctx context.Context, actor domain.ConnectionID, target domain.ExternalID) error {
	if _, err := m.Authorize(ctx, actor, domain.RoleAdmin); err != nil {
		return err
	}
	return m.Store.Unban(ctx, target)
}

// SetServerMute applies a server-side mute to every connection of the
// target identity.
func (m *Moderation) SetServerMute(ctx context.Context, actor domain.ConnectionID, target domain.ExternalID, muted bool) error {
	if _, err := m.Authorize(ctx, actor, domain.RoleAdmin); err != nil {
		return err
	}
	for _, cid := range m.Registry.ByExternal(target) {
		m.Registry.Mutate(cid, func(s *Session) { s.ServerMuted = muted })
		m.Registry.Send(cid, map[string]any{"type": "muted", "muted": muted})
		if s, ok := m.Registry.Get(cid); ok && s.HasJoinedChannel {
			roomID := domain.MakeRoomID(m.Voice.ServerID, s.VoiceChannelID)
			m.Voice.Gateway.UpdateAudioState(roomID, s.ExternalID, s.Muted || s.ServerMuted, s.Deafened || s.ServerDeafened)
		}
	}
	m.Broadcast.SyncPresence()
	return nil
}

// SetServerDeafen applies a server-side deafen to every connection of
// the target identity.
func (m *Moderation) SetServerDeafen(ctx context.Context, actor domain.ConnectionID, target domain.ExternalID, deafened bool) error {
	if _, err := m.Authorize(ctx, actor, domain.RoleAdmin); err != nil {
		return err
	}
	for _, cid := range m.Registry.ByExternal(target) {
		m.Registry.Mutate(cid, func(s *Session) { s.ServerDeafened = deafened })
		m.Registry.Send(cid, map[string]any{"type": "deafened", "deafened": deafened})
		if s, ok := m.Registry.Get(cid); ok && s.HasJoinedChannel {
			roomID := domain.MakeRoomID(m.Voice.ServerID, s.VoiceChannelID)
			m.Voice.Gateway.UpdateAudioState(roomID, s.ExternalID, s.Muted || s.ServerMuted, s.Deafened || s.ServerDeafened)
		}
	}
	m.Broadcast.SyncPresence()
	return nil
}

// VoiceDisconnect forcibly removes the target from voice without
// closing their connection.
func (m *Moderation) VoiceDisconnect(ctx context.Context, actor domain.ConnectionID, target domain.ExternalID) error {
	if _, err := m.Authorize(ctx, actor, domain.RoleAdmin); err != nil {
		return err
	}
	for _, cid := range m.Registry.ByExternal(target) {
		s, ok := m.Registry.Get(cid)
		if !ok || !s.HasJoinedChannel {
			continue
		}
		m.Voice.DropConnection(cid)
		m.Registry.Send(cid, map[string]any{"type": "voice_removed", "reason": "moderation"})
	}
	m.Broadcast.SyncPresence()
	return nil
}
