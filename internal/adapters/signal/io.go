package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parlorchat/parlor/internal/app"
)

func (ctl *Controller) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cl *client) {
	defer func() {
		log.Info().Str("module", "signal").Str("cid", string(cl.cid)).Msg("readPump closing")
		ctl.teardown(cl)
		cl.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := cl.conn.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("cid", string(cl.cid)).Msg("readPump read error")
				return
			}
			ctl.handleFrame(cl, data)
		}
	}
}

func (ctl *Controller) handleFrame(cl *client, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "join":
		ctl.handleJoin(cl, data)
	case "verify":
		ctl.handleVerify(cl, data)
	case "leave":
		ctl.handleLeave(cl)
	case "token_refresh":
		ctl.handleTokenRefresh(cl, data)
	case "voice_room_request":
		ctl.handleVoiceRoomRequest(cl, data)
	case "voice_channel_joined":
		ctl.handleVoiceChannelJoined(cl, data)
	case "voice_stream_set":
		ctl.handleVoiceStreamSet(cl, data)
	case "voice_state_update":
		ctl.handleVoiceStateUpdate(cl, data)
	case "voice_camera_state":
		ctl.handleVoiceCameraState(cl, data)
	case "voice_screen_state":
		ctl.handleVoiceScreenState(cl, data)
	case "kick", "ban", "unban", "mute", "deafen", "voice_disconnect_user":
		ctl.handleModeration(cl, env.Type, data)
	case "ping":
		ctl.handlePing(cl, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *Controller) handlePing(cl *client, data []byte) {
	var p struct {
		RTTMs int64 `json:"rttMs"`
	}
	if json.Unmarshal(data, &p) == nil && p.RTTMs > 0 {
		ctl.Registry.Mutate(cl.cid, func(s *app.Session) {
			s.Latency = &app.LatencyStats{RTTMs: p.RTTMs, ReportedAt: time.Now().UnixMilli()}
		})
	}
	ctl.sendJSON(cl.conn, map[string]any{"type": "pong"})
}
