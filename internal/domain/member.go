package domain

import (
	"errors"
	"time"
)

const MaxNicknameLen = 36

var (
	ErrNicknameEmpty   = errors.New("nickname empty")
	ErrNicknameTooLong = errors.New("nickname too long")
)

// Member is the durable membership record. Live presence is layered
// on top of it by the session registry; this struct carries only what
// survives a restart.
type Member struct {
	ID           UserID     `json:"id"`
	ExternalID   ExternalID `json:"externalId"`
	Nickname     string     `json:"nickname"`
	DisplayColor string     `json:"displayColor"`
	Role         Role       `json:"role"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// ValidNickname rejects empty and oversized display names before they
// reach the store.
func ValidNickname(name string) error {
	if len(name) == 0 {
		return ErrNicknameEmpty
	}
	if len(name) > MaxNicknameLen {
		return ErrNicknameTooLong
	}
	return nil
}

// Invite is a consumable admission code.
type Invite struct {
	Code          string
	UsesRemaining int
	Revoked       bool
	ExpiresAt     time.Time
}

// RefreshToken is the opaque long-lived credential resolvable in the
// durable store. Distinct from the short-lived signed access
// credential.
type RefreshToken struct {
	ID         string
	ExternalID ExternalID
	InternalID UserID
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Revoked    bool
}
