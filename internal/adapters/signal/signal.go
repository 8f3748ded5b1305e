package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parlorchat/parlor/internal/app"
	"github.com/parlorchat/parlor/internal/domain"
	"github.com/parlorchat/parlor/internal/metrics"
)

var ErrBackpressure = errors.New("backpressure")

// Controller owns the client-facing websocket endpoint and dispatches
// envelope frames to the protocol engines.
type Controller struct {
	Join       *app.JoinProtocol
	Voice      *app.VoiceCoordinator
	Moderation *app.Moderation
	Registry   *app.SessionRegistry
	Broadcast  *app.BroadcastCoordinator
	Challenges *app.ChallengeStore
	Limiter    *app.RateLimiter
	Metrics    *metrics.Metrics
}

// client is one connection's handler context.
type client struct {
	cid  domain.ConnectionID
	ip   string
	conn *WsSignalConn
}

// WsSignalConn wraps a websocket with a bounded send queue. TrySend
// never blocks; a full queue surfaces as backpressure and the frame
// is dropped.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until it
// closes. Each connection gets a fresh id; identity attaches only
// after the challenge-response admission completes.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	cid := domain.ConnectionID(uuid.NewString())
	ip := c.ClientIP()
	log.Info().Str("module", "signal").Str("cid", string(cid)).Str("ip", ip).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	cl := &client{cid: cid, ip: ip, conn: conn}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.Bind(cid, conn, cancel)
	if ctl.Metrics != nil {
		ctl.Metrics.ConnectionsLive.Inc()
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cl)
}

// teardown runs when the read pump exits, for both clean leaves and
// dropped connections.
func (ctl *Controller) teardown(cl *client) {
	ctl.Voice.DropConnection(cl.cid)
	ctl.Challenges.Drop(cl.cid)
	ctl.Registry.Unbind(cl.cid)
	if ctl.Metrics != nil {
		ctl.Metrics.ConnectionsLive.Dec()
	}
	ctl.Broadcast.SyncPresence()
	ctl.Broadcast.BroadcastMembers(context.Background())
}

func (ctl *Controller) sendJSON(conn *WsSignalConn, v any) {
	if err := conn.TrySend(v); err != nil {
		log.Warn().Str("module", "signal").Err(err).Msg("send dropped")
	}
}

func (ctl *Controller) sendError(conn *WsSignalConn, err error) {
	se := domain.AsSignalError(err)
	ctl.sendJSON(conn, map[string]any{
		"type":         "error",
		"error":        se.Code,
		"message":      se.Message,
		"retryAfterMs": se.RetryAfter,
	})
}
