package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/parlorchat/parlor/internal/app"
	"github.com/parlorchat/parlor/internal/domain"
)

var moderationRule = app.Rule{
	Limit:          30,
	Window:         time.Minute,
	ScorePerAction: 2,
	MaxScore:       40,
	ScoreDecay:     2 * time.Second,
}

func (ctl *Controller) handleModeration(cl *client, action string, data []byte) {
	var p struct {
		UserID   string `json:"userId"`
		Reason   string `json:"reason,omitempty"`
		Muted    bool   `json:"muted"`
		Deafened bool   `json:"deafened"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	if p.UserID == "" {
		ctl.sendError(cl.conn, domain.NewSignalError(domain.CodeBadPayload, "target user id required"))
		return
	}
	if !ctl.checkVoiceLimit(cl, "moderation", moderationRule) {
		return
	}

	ctx := context.Background()
	target := domain.ExternalID(p.UserID)
	var err error
	switch action {
	case "kick":
		err = ctl.Moderation.Kick(ctx, cl.cid, target, p.Reason)
	case "ban":
		err = ctl.Moderation.Ban(ctx, cl.cid, target, p.Reason)
	case "unban":
		err = ctl.Moderation.Unban(ctx, cl.cid, target)
	case "mute":
		err = ctl.Moderation.SetServerMute(ctx, cl.cid, target, p.Muted)
	case "deafen":
		err = ctl.Moderation.SetServerDeafen(ctx, cl.cid, target, p.Deafened)
	case "voice_disconnect_user":
		err = ctl.Moderation.VoiceDisconnect(ctx, cl.cid, target)
	}
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	if ctl.Metrics != nil {
		ctl.Metrics.ModerationActions.WithLabelValues(action).Inc()
	}
	ctl.sendJSON(cl.conn, map[string]any{"type": "ack", "action": action})
}
