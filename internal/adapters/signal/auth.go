package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parlorchat/parlor/internal/app"
)

// Admission attempts are cheap to rate limit per ip: a legitimate
// client performs two per connection.
var admissionRule = app.Rule{
	Limit:          20,
	Window:         time.Minute,
	ScorePerAction: 5,
	MaxScore:       60,
	ScoreDecay:     2 * time.Second,
	Ban:            30 * time.Second,
}

func (ctl *Controller) handleJoin(cl *client, data []byte) {
	var p struct {
		Nickname   string `json:"nickname"`
		InviteCode string `json:"inviteCode,omitempty"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(cl.conn, err)
		return
	}
	if err := ctl.Limiter.Check("join", "", cl.ip, admissionRule); err != nil {
		if ctl.Metrics != nil {
			ctl.Metrics.RateLimitedTotal.WithLabelValues("join").Inc()
		}
		ctl.sendError(cl.conn, err)
		return
	}

	ch, err := ctl.Join.Begin(cl.cid, p.Nickname, p.InviteCode)
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	ctl.sendJSON(cl.conn, map[string]any{
		"type":       "challenge",
		"nonce":      ch.Nonce,
		"serverHost": ch.ServerHost,
	})
}

func (ctl *Controller) handleVerify(cl *client, data []byte) {
	var p struct {
		Certificate string `json:"certificate"`
		Assertion   string `json:"assertion"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad verify payload")
		ctl.sendError(cl.conn, err)
		return
	}
	if err := ctl.Limiter.Check("verify", "", cl.ip, admissionRule); err != nil {
		if ctl.Metrics != nil {
			ctl.Metrics.RateLimitedTotal.WithLabelValues("verify").Inc()
		}
		ctl.sendError(cl.conn, err)
		return
	}

	adm, err := ctl.Join.Complete(context.Background(), cl.cid, cl.ip, p.Certificate, p.Assertion)
	if err != nil {
		if ctl.Metrics != nil {
			ctl.Metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()
		}
		ctl.sendError(cl.conn, err)
		return
	}
	if ctl.Metrics != nil {
		ctl.Metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	}
	ctl.sendJSON(cl.conn, map[string]any{
		"type":             "joined",
		"accessCredential": adm.Credential,
		"refreshToken":     adm.RefreshToken,
		"nickname":         adm.Member.Nickname,
		"isOwner":          adm.IsOwner,
		"setupRequired":    adm.SetupRequired,
	})
}

// handleLeave signs the session out without dropping the websocket.
func (ctl *Controller) handleLeave(cl *client) {
	log.Info().Str("module", "signal").Str("cid", string(cl.cid)).Msg("leave")
	ctl.Voice.DropConnection(cl.cid)
	ctl.Registry.Mutate(cl.cid, func(s *app.Session) {
		*s = app.Session{ConnectionID: s.ConnectionID}
	})
	ctl.sendJSON(cl.conn, map[string]any{"type": "left"})
	ctl.Broadcast.SyncPresence()
	ctl.Broadcast.BroadcastMembers(context.Background())
}

func (ctl *Controller) handleTokenRefresh(cl *client, data []byte) {
	var p struct {
		RefreshToken     string `json:"refreshToken,omitempty"`
		AccessCredential string `json:"accessCredential,omitempty"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, err)
		return
	}

	credential, err := ctl.Join.Refresh(context.Background(), cl.cid, p.RefreshToken, p.AccessCredential)
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	ctl.sendJSON(cl.conn, map[string]any{
		"type":             "refreshed",
		"accessCredential": credential,
	})
}
