package signal

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parlorchat/parlor/internal/app"
	"github.com/parlorchat/parlor/internal/domain"
)

// Voice state flaps are frequent but cheap; the scored rule lets
// bursts through and only bans sustained flooding.
var voiceStateRule = app.Rule{
	Limit:          120,
	Window:         10 * time.Second,
	ScorePerAction: 1,
	MaxScore:       90,
	ScoreDecay:     250 * time.Millisecond,
	Ban:            10 * time.Second,
}

var roomRequestRule = app.Rule{
	Limit:          10,
	Window:         time.Minute,
	ScorePerAction: 10,
	MaxScore:       60,
	ScoreDecay:     5 * time.Second,
}

func (ctl *Controller) checkVoiceLimit(cl *client, action string, rule app.Rule) bool {
	s, _ := ctl.Registry.Get(cl.cid)
	if err := ctl.Limiter.Check(action, string(s.ExternalID), cl.ip, rule); err != nil {
		if ctl.Metrics != nil {
			ctl.Metrics.RateLimitedTotal.WithLabelValues(action).Inc()
		}
		ctl.sendError(cl.conn, err)
		return false
	}
	return true
}

func (ctl *Controller) handleVoiceRoomRequest(cl *client, data []byte) {
	var p struct {
		ChannelID string `json:"channelId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	if !ctl.checkVoiceLimit(cl, "voice_room_request", roomRequestRule) {
		return
	}

	grant, err := ctl.Voice.RequestRoom(cl.cid, domain.ChannelID(p.ChannelID))
	if err != nil {
		se := domain.AsSignalError(err)
		ctl.sendJSON(cl.conn, map[string]any{
			"type":         "room_error",
			"error":        se.Code,
			"message":      se.Message,
			"retryAfterMs": se.RetryAfter,
		})
		return
	}
	ctl.sendJSON(cl.conn, map[string]any{
		"type":        "room_granted",
		"roomId":      grant.RoomID,
		"joinToken":   grant.JoinToken,
		"gatewayUrls": grant.GatewayURLs,
	})
}

func (ctl *Controller) handleVoiceChannelJoined(cl *client, data []byte) {
	var p struct {
		Joined bool `json:"joined"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	if err := ctl.Voice.SetChannelJoined(cl.cid, p.Joined); err != nil {
		ctl.sendError(cl.conn, err)
	}
}

func (ctl *Controller) handleVoiceStreamSet(cl *client, data []byte) {
	var p struct {
		StreamID string `json:"streamId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	if err := ctl.Voice.SetStream(cl.cid, domain.StreamID(p.StreamID)); err != nil {
		ctl.sendError(cl.conn, err)
	}
}

func (ctl *Controller) handleVoiceStateUpdate(cl *client, data []byte) {
	var p struct {
		Muted    bool `json:"muted"`
		Deafened bool `json:"deafened"`
		AFK      bool `json:"afk"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad voice state payload")
		return
	}
	if !ctl.checkVoiceLimit(cl, "voice_state_update", voiceStateRule) {
		return
	}
	ctl.Voice.UpdateVoiceState(cl.cid, p.Muted, p.Deafened, p.AFK)
}

func (ctl *Controller) handleVoiceCameraState(cl *client, data []byte) {
	var p struct {
		Enabled  bool   `json:"enabled"`
		StreamID string `json:"streamId,omitempty"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	if !ctl.checkVoiceLimit(cl, "voice_camera_state", voiceStateRule) {
		return
	}
	ctl.Voice.SetCameraState(cl.cid, p.Enabled, domain.StreamID(p.StreamID))
}

func (ctl *Controller) handleVoiceScreenState(cl *client, data []byte) {
	var p struct {
		Enabled       bool   `json:"enabled"`
		VideoStreamID string `json:"videoStreamId,omitempty"`
		AudioStreamID string `json:"audioStreamId,omitempty"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	if !ctl.checkVoiceLimit(cl, "voice_screen_state", voiceStateRule) {
		return
	}
	ctl.Voice.SetScreenShareState(cl.cid, p.Enabled, domain.StreamID(p.VideoStreamID), domain.StreamID(p.AudioStreamID))
}
