package app

import (
	"github.com/parlorchat/parlor/internal/domain"
)

// LatencyStats is the most recent round-trip report from a client.
type LatencyStats struct {
	RTTMs      int64 `json:"rttMs"`
	ReportedAt int64 `json:"reportedAt"`
}

// Session is the live presence record for one connection. Owned
// exclusively by the SessionRegistry; handlers mutate it only through
// registry methods so invariants hold at a single point.
//
// A session with no InternalID is anonymous: excluded from all
// broadcasts and from voice admission.
type Session struct {
	ConnectionID domain.ConnectionID `json:"connectionId"`
	ExternalID   domain.ExternalID   `json:"externalUserId,omitempty"`
	InternalID   domain.UserID       `json:"internalUserId,omitempty"`
	Nickname     string              `json:"nickname,omitempty"`
	DisplayColor string              `json:"displayColor,omitempty"`
	Role         domain.Role         `json:"role,omitempty"`

	Muted          bool `json:"muted"`
	Deafened       bool `json:"deafened"`
	AFK            bool `json:"afk"`
	ServerMuted    bool `json:"serverMuted"`
	ServerDeafened bool `json:"serverDeafened"`

	CameraEnabled            bool            `json:"cameraEnabled"`
	CameraStreamID           domain.StreamID `json:"cameraStreamId,omitempty"`
	ScreenShareEnabled       bool            `json:"screenShareEnabled"`
	ScreenShareVideoStreamID domain.StreamID `json:"screenShareVideoStreamId,omitempty"`
	ScreenShareAudioStreamID domain.StreamID `json:"screenShareAudioStreamId,omitempty"`

	// HasJoinedChannel implies VoiceChannelID is non-empty; the
	// registry clears all four voice fields together.
	HasJoinedChannel bool             `json:"hasJoinedChannel"`
	VoiceChannelID   domain.ChannelID `json:"voiceChannelId,omitempty"`
	MediaStreamID    domain.StreamID  `json:"mediaStreamId,omitempty"`
	ConnectedToVoice bool             `json:"connectedToVoice"`

	AccessCredential string        `json:"-"`
	Latency          *LatencyStats `json:"latencyStats,omitempty"`
}

// Verified reports whether the session completed admission.
func (s *Session) Verified() bool {
	return s.InternalID != ""
}

// clearVoice resets every voice-related field, restoring the
// joined-implies-channel invariant.
func (s *Session) clearVoice() {
	s.HasJoinedChannel = false
	s.VoiceChannelID = ""
	s.MediaStreamID = ""
	s.ConnectedToVoice = false
	s.CameraEnabled = false
	s.CameraStreamID = ""
	s.ScreenShareEnabled = false
	s.ScreenShareVideoStreamID = ""
	s.ScreenShareAudioStreamID = ""
}
