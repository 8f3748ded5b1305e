package app

import (
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/parlorchat/parlor/internal/domain"
	"github.com/parlorchat/parlor/internal/gateway"
)

// GatewayLink is the surface of the media-gateway connection the
// voice layer uses. Implemented by gateway.Manager; tests use a fake.
type GatewayLink interface {
	Ready() bool
	RegisterRoom(domain.RoomID)
	UnregisterRoom(domain.RoomID)
	TrackConnection(domain.RoomID, domain.ExternalID) bool
	UntrackConnection(domain.ExternalID)
	ActiveFor(domain.ExternalID) (gateway.ActiveConnection, bool)
	UpdateAudioState(roomID domain.RoomID, userID domain.ExternalID, muted, deafened bool)
	RequestSync()
	DisconnectUser(roomID domain.RoomID, userID domain.ExternalID)
}

// RoomGrant is the response to a granted voice room request.
type RoomGrant struct {
	RoomID      domain.RoomID `json:"roomId"`
	JoinToken   string        `json:"joinToken"`
	GatewayURLs []string      `json:"gatewayUrls"`
}

// VoiceCoordinator keeps the session registry and the media gateway's
// view of voice membership consistent.
type VoiceCoordinator struct {
	ServerID    string
	GatewayURLs []string

	Registry  *SessionRegistry
	Broadcast *BroadcastCoordinator
	Gateway   GatewayLink
}

func (v *VoiceCoordinator) channelOf(roomID domain.RoomID) domain.ChannelID {
	return domain.ChannelID(strings.TrimPrefix(string(roomID), v.ServerID+"_"))
}

// RequestRoom grants access to a gateway room for a channel. The
// gateway must be connected and healthy, else the request rejects
// with a retryable error.
func (v *VoiceCoordinator) RequestRoom(cid domain.ConnectionID, channel domain.ChannelID) (RoomGrant, error) {
	s, ok := v.Registry.Get(cid)
	if !ok || !s.Verified() {
		return RoomGrant{}, domain.NewSignalError(domain.CodeAuthRequired, "voice requires a verified session")
	}
	if channel == "" {
		return RoomGrant{}, domain.NewSignalError(domain.CodeBadPayload, "channel id required")
	}
	if !v.Gateway.Ready() {
		return RoomGrant{}, domain.NewSignalError(domain.CodeGatewayUnavailable, "voice service temporarily unavailable")
	}

	roomID := domain.MakeRoomID(v.ServerID, channel)
	v.Gateway.RegisterRoom(roomID)
	v.Registry.Mutate(cid, func(s *Session) { s.VoiceChannelID = channel })

	return RoomGrant{
		RoomID:      roomID,
		JoinToken:   uuid.NewString(),
		GatewayURLs: v.GatewayURLs,
	}, nil
}

// SetChannelJoined marks a session in or out of its voice channel.
func (v *VoiceCoordinator) SetChannelJoined(cid domain.ConnectionID, joined bool) error {
	s, ok := v.Registry.Get(cid)
	if !ok || !s.Verified() {
		return domain.NewSignalError(domain.CodeAuthRequired, "voice requires a verified session")
	}
	if joined {
		if s.VoiceChannelID == "" {
			return domain.NewSignalError(domain.CodeBadPayload, "no voice room granted")
		}
		v.Registry.Mutate(cid, func(s *Session) { s.HasJoinedChannel = true })
	} else {
		v.leaveVoice(cid, s, "left")
	}
	v.Broadcast.SyncPresence()
	return nil
}

// SetStream records the session's media stream id and tracks the
// connection with the gateway. A second connection for the same
// identity forces the first out of voice before its own tracking
// proceeds (device switch).
func (v *VoiceCoordinator) SetStream(cid domain.ConnectionID, streamID domain.StreamID) error {
	s, ok := v.Registry.Get(cid)
	if !ok || !s.Verified() {
		return domain.NewSignalError(domain.CodeAuthRequired, "voice requires a verified session")
	}
	if s.VoiceChannelID == "" {
		return domain.NewSignalError(domain.CodeBadPayload, "no voice room granted")
	}
	roomID := domain.MakeRoomID(v.ServerID, s.VoiceChannelID)

	// Device switch: evict any other connection for this identity
	// before tracking, so the duplicate guard admits the new one.
	for _, otherCID := range v.Registry.ByExternal(s.ExternalID) {
		if otherCID == cid {
			continue
		}
		other, ok := v.Registry.Get(otherCID)
		if !ok || (!other.HasJoinedChannel && !other.ConnectedToVoice) {
			continue
		}
		log.Info().Str("module", "app.voice").
			Str("old_cid", string(otherCID)).
			Str("new_cid", string(cid)).
			Str("external_id", string(s.ExternalID)).
			Msg("device switch, evicting prior voice connection")
		v.Registry.Send(otherCID, map[string]any{
			"type":   "voice_removed",
			"reason": "device_switch",
		})
		v.Registry.ClearVoice(otherCID)
		v.Gateway.UntrackConnection(s.ExternalID)
	}

	if !v.Gateway.TrackConnection(roomID, s.ExternalID) {
		return domain.NewSignalError(domain.CodeDuplicateConnection, "identity already has an active voice connection")
	}
	v.Registry.Mutate(cid, func(s *Session) {
		s.MediaStreamID = streamID
		s.ConnectedToVoice = true
	})
	v.Broadcast.SyncPresence()
	return nil
}

// UpdateVoiceState applies mute/deafen/afk flags and mirrors the
// audio state to the gateway, best effort.
func (v *VoiceCoordinator) UpdateVoiceState(cid domain.ConnectionID, muted, deafened, afk bool) {
	ok := v.Registry.Mutate(cid, func(s *Session) {
		s.Muted = muted
		s.Deafened = deafened
		s.AFK = afk
	})
	if !ok {
		return
	}
	if s, ok := v.Registry.Get(cid); ok && s.HasJoinedChannel {
		roomID := domain.MakeRoomID(v.ServerID, s.VoiceChannelID)
		v.Gateway.UpdateAudioState(roomID, s.ExternalID, s.Muted || s.ServerMuted, s.Deafened || s.ServerDeafened)
	}
	v.Broadcast.SyncPresence()
}

// SetCameraState toggles the camera stream on a session.
func (v *VoiceCoordinator) SetCameraState(cid domain.ConnectionID, enabled bool, streamID domain.StreamID) {
	v.Registry.Mutate(cid, func(s *Session) {
		s.CameraEnabled = enabled
		if enabled {
			s.CameraStreamID = streamID
		} else {
			s.CameraStreamID = ""
		}
	})
	v.Broadcast.SyncPresence()
}

// SetScreenShareState toggles the screen share streams on a session.
func (v *VoiceCoordinator) SetScreenShareState(cid domain.ConnectionID, enabled bool, videoStream, audioStream domain.StreamID) {
	v.Registry.Mutate(cid, func(s *Session) {
		s.ScreenShareEnabled = enabled
		if enabled {
			s.ScreenShareVideoStreamID = videoStream
			s.ScreenShareAudioStreamID = audioStream
		} else {
			s.ScreenShareVideoStreamID = ""
			s.ScreenShareAudioStreamID = ""
		}
	})
	v.Broadcast.SyncPresence()
}

// DropConnection cleans a session's voice presence on leave or
// disconnect.
func (v *VoiceCoordinator) DropConnection(cid domain.ConnectionID) {
	s, ok := v.Registry.Get(cid)
	if !ok {
		return
	}
	if s.HasJoinedChannel || s.ConnectedToVoice {
		v.leaveVoice(cid, s, "disconnected")
	}
	v.Broadcast.SyncPresence()
}

func (v *VoiceCoordinator) leaveVoice(cid domain.ConnectionID, s Session, reason string) {
	if s.VoiceChannelID != "" {
		roomID := domain.MakeRoomID(v.ServerID, s.VoiceChannelID)
		v.Gateway.DisconnectUser(roomID, s.ExternalID)
	}
	v.Gateway.UntrackConnection(s.ExternalID)
	v.Registry.ClearVoice(cid)
	v.Registry.SendVerified(map[string]any{
		"type":   "voice_peer_left",
		"userId": s.ExternalID,
		"reason": reason,
	})
}

// HandlePeerJoined relays a gateway peer arrival to clients.
func (v *VoiceCoordinator) HandlePeerJoined(ev gateway.PeerEvent) {
	v.Registry.SendVerified(map[string]any{
		"type":    "voice_peer_joined",
		"userId":  ev.UserID,
		"channel": v.channelOf(ev.RoomID),
	})
	v.Broadcast.SyncPresence()
}

// HandlePeerLeft clears voice state for sessions the gateway says are
// gone. This and sync reconciliation are the only paths that evict
// stale voice sessions; link loss alone never does.
func (v *VoiceCoordinator) HandlePeerLeft(ev gateway.PeerEvent) {
	for _, cid := range v.Registry.ByExternal(ev.UserID) {
		s, ok := v.Registry.Get(cid)
		if !ok || !s.HasJoinedChannel {
			continue
		}
		v.Registry.ClearVoice(cid)
		v.Registry.Send(cid, map[string]any{
			"type":   "voice_removed",
			"reason": "gateway_reported_left",
		})
	}
	v.Registry.SendVerified(map[string]any{
		"type":    "voice_peer_left",
		"userId":  ev.UserID,
		"channel": v.channelOf(ev.RoomID),
	})
	v.Broadcast.SyncPresence()
}

// Reconcile applies a gateway sync report: drift-correct sessions the
// gateway still sees, evict the ones it does not, and always finish
// with one broadcast pass so downstream consumers can no-op cheaply.
func (v *VoiceCoordinator) Reconcile(report gateway.SyncReport) {
	reported := make(map[domain.ExternalID]domain.RoomID)
	for _, room := range report.Rooms {
		for _, uid := range room.Members {
			reported[uid] = room.RoomID
		}
	}

	for _, s := range v.Registry.InVoice() {
		roomID, present := reported[s.ExternalID]
		if present {
			channel := v.channelOf(roomID)
			if s.VoiceChannelID != channel {
				log.Warn().Str("module", "app.voice").
					Str("cid", string(s.ConnectionID)).
					Str("have", string(s.VoiceChannelID)).
					Str("gateway", string(channel)).
					Msg("voice channel drift corrected")
				v.Registry.Mutate(s.ConnectionID, func(sess *Session) { sess.VoiceChannelID = channel })
			}
			continue
		}
		log.Info().Str("module", "app.voice").
			Str("cid", string(s.ConnectionID)).
			Str("external_id", string(s.ExternalID)).
			Msg("evicting stale voice session")
		v.Gateway.UntrackConnection(s.ExternalID)
		v.Registry.ClearVoice(s.ConnectionID)
		v.Registry.Send(s.ConnectionID, map[string]any{
			"type":   "voice_removed",
			"reason": "gateway_sync",
		})
	}

	v.Broadcast.SyncPresence()
}
