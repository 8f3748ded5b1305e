package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parlorchat/parlor/internal/domain"
)

const (
	presenceMinInterval = 100 * time.Millisecond
	membersMinInterval  = 200 * time.Millisecond
)

// MemberLister is the durable roster the members broadcast merges
// with live presence. Implemented by the sqlite store.
type MemberLister interface {
	ListMembers(ctx context.Context) ([]domain.Member, error)
}

// MemberStatus is the derived per-member presence state.
type MemberStatus string

const (
	StatusAFK     MemberStatus = "afk"
	StatusInVoice MemberStatus = "in_voice"
	StatusOnline  MemberStatus = "online"
	StatusOffline MemberStatus = "offline"
)

type rosterEntry struct {
	domain.Member
	Status MemberStatus `json:"status"`
}

type debounceTrack struct {
	lastHash  string
	lastSent  time.Time
	scheduled bool
}

// BroadcastCoordinator fans presence changes out to all verified
// connections. Each broadcast kind keeps an independent debounce
// track: a send is suppressed when the content hash is unchanged or
// the minimum interval has not elapsed. Over-calling is safe; a send
// suppressed only by the interval is rescheduled so the latest state
// is never permanently starved.
type BroadcastCoordinator struct {
	registry *SessionRegistry
	members  MemberLister

	mu            sync.Mutex
	presence      debounceTrack
	membersTrack  debounceTrack
	presenceEvery time.Duration
	membersEvery  time.Duration
	now           func() time.Time
	schedule      func(d time.Duration, fn func())
	onSend        func(kind string)
}

func NewBroadcastCoordinator(registry *SessionRegistry, members MemberLister) *BroadcastCoordinator {
	return &BroadcastCoordinator{
		registry:      registry,
		members:       members,
		presenceEvery: presenceMinInterval,
		membersEvery:  membersMinInterval,
		now:           time.Now,
		schedule:      func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// OnSend registers a hook invoked after every delivered broadcast,
// used for metrics.
func (b *BroadcastCoordinator) OnSend(fn func(kind string)) {
	b.onSend = fn
}

func (b *BroadcastCoordinator) sent(kind string) {
	if b.onSend != nil {
		b.onSend(kind)
	}
}

func snapshotHash(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SyncPresence broadcasts the full presence snapshot to all verified
// connections unless nothing changed or a send went out too recently.
func (b *BroadcastCoordinator) SyncPresence() {
	sessions := b.registry.Verified()
	hash := snapshotHash(sessions)

	b.mu.Lock()
	if hash == b.presence.lastHash {
		b.mu.Unlock()
		return
	}
	now := b.now()
	if wait := b.presenceEvery - now.Sub(b.presence.lastSent); wait > 0 {
		// State changed inside the debounce window: re-run once the
		// window closes so the latest snapshot still goes out.
		if !b.presence.scheduled {
			b.presence.scheduled = true
			b.schedule(wait, func() {
				b.mu.Lock()
				b.presence.scheduled = false
				b.mu.Unlock()
				b.SyncPresence()
			})
		}
		b.mu.Unlock()
		return
	}
	b.presence.lastHash = hash
	b.presence.lastSent = now
	b.mu.Unlock()

	b.registry.SendVerified(map[string]any{
		"type":    "clients",
		"clients": sessions,
	})
	b.sent("presence")
}

// BroadcastMembers merges the durable roster with live presence and
// broadcasts it, on an independent debounce track.
func (b *BroadcastCoordinator) BroadcastMembers(ctx context.Context) {
	members, err := b.members.ListMembers(ctx)
	if err != nil {
		log.Error().Str("module", "app.broadcast").Err(err).Msg("list members")
		return
	}

	live := make(map[domain.UserID]Session)
	for _, s := range b.registry.Verified() {
		// Prefer the session that is in voice when one identity has
		// several connections.
		if prev, ok := live[s.InternalID]; ok && prev.HasJoinedChannel {
			continue
		}
		live[s.InternalID] = s
	}

	roster := make([]rosterEntry, 0, len(members))
	for _, m := range members {
		entry := rosterEntry{Member: m, Status: StatusOffline}
		if s, ok := live[m.ID]; ok {
			switch {
			case s.AFK:
				entry.Status = StatusAFK
			case s.HasJoinedChannel:
				entry.Status = StatusInVoice
			default:
				entry.Status = StatusOnline
			}
		}
		roster = append(roster, entry)
	}
	hash := snapshotHash(roster)

	b.mu.Lock()
	if hash == b.membersTrack.lastHash {
		b.mu.Unlock()
		return
	}
	now := b.now()
	if wait := b.membersEvery - now.Sub(b.membersTrack.lastSent); wait > 0 {
		if !b.membersTrack.scheduled {
			b.membersTrack.scheduled = true
			b.schedule(wait, func() {
				b.mu.Lock()
				b.membersTrack.scheduled = false
				b.mu.Unlock()
				b.BroadcastMembers(context.Background())
			})
		}
		b.mu.Unlock()
		return
	}
	b.membersTrack.lastHash = hash
	b.membersTrack.lastSent = now
	b.mu.Unlock()

	b.registry.SendVerified(map[string]any{
		"type":    "members_list",
		"members": roster,
	})
	b.sent("members")
}
