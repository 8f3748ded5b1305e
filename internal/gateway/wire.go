// Package gateway owns the single outbound link to the media
// forwarding server and keeps room membership synchronized with it
// across disconnects. It negotiates only who is in which room; media
// itself never touches this process.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/parlorchat/parlor/internal/domain"
)

// Envelope is the wire frame both directions share.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Wire event names, server and gateway.
const (
	EventServerRegister   = "server_register"
	EventUserAudioControl = "user_audio_control"
	EventDisconnectUser   = "disconnect_user"
	EventSyncRequest      = "sync_request"
	EventKeepAlive        = "keep_alive"
	EventRoomJoined       = "room_joined"
	EventRoomError        = "room_error"
	EventPeerJoined       = "peer_joined"
	EventPeerLeft         = "peer_left"
	EventSyncResponse     = "sync_response"
)

type registerPayload struct {
	RoomID   domain.RoomID `json:"roomId"`
	ServerID string        `json:"serverId"`
}

type audioControlPayload struct {
	RoomID   domain.RoomID     `json:"roomId"`
	UserID   domain.ExternalID `json:"userId"`
	Muted    bool              `json:"muted"`
	Deafened bool              `json:"deafened"`
}

type disconnectPayload struct {
	RoomID domain.RoomID     `json:"roomId"`
	UserID domain.ExternalID `json:"userId"`
}

// PeerEvent is a gateway-originated room membership change.
type PeerEvent struct {
	RoomID domain.RoomID     `json:"roomId"`
	UserID domain.ExternalID `json:"userId"`
}

// RoomReport is one room's member list in a sync response.
type RoomReport struct {
	RoomID  domain.RoomID       `json:"roomId"`
	Members []domain.ExternalID `json:"members"`
}

// SyncReport is the gateway's complete room/member snapshot.
type SyncReport struct {
	Rooms []RoomReport `json:"rooms"`
}

// ActiveConnection mirrors the gateway's authoritative view of one
// identity's media session.
type ActiveConnection struct {
	RoomID      domain.RoomID
	ConnectedAt time.Time
}

// Handlers wires gateway-originated events to the session layer. Set
// once before Start; all callbacks run on the read loop goroutine.
type Handlers struct {
	OnPeerJoined   func(PeerEvent)
	OnPeerLeft     func(PeerEvent)
	OnSyncResponse func(SyncReport)

	// OnDisconnect fires once per link loss, before the reconnect
	// attempt starts.
	OnDisconnect func()
}
