// Package domain contains entity types without logic, just meta-data
// and the shared error vocabulary.
package domain

import "fmt"

type (
	// ConnectionID identifies one live client connection. Assigned on
	// connection open, never reused within a process lifetime.
	ConnectionID string

	// ExternalID is the stable identity issued by the identity
	// authority. Empty until the connection has been verified.
	ExternalID string

	// UserID is the server-local member identity. Empty until
	// admission completes.
	UserID string

	// ChannelID names a voice channel on this server.
	ChannelID string

	// RoomID names a room on the media gateway. Namespaced by server
	// id so independently operated servers can share one gateway.
	RoomID string

	// StreamID identifies a media stream within a gateway room.
	StreamID string
)

// MakeRoomID derives the gateway room identifier for a channel.
func MakeRoomID(serverID string, channel ChannelID) RoomID {
	return RoomID(fmt.Sprintf("%s_%s", serverID, channel))
}
