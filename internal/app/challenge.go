package app

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/parlorchat/parlor/internal/domain"
)

// ChallengeTTL bounds how long a client has between requesting a
// challenge and presenting the signed proof.
const ChallengeTTL = 60 * time.Second

// Challenge is a single-use nonce bound to the admission parameters
// the client declared when requesting it.
type Challenge struct {
	Nonce      string
	ServerHost string
	Nickname   string
	InviteCode string
	CreatedAt  time.Time
}

// ChallengeStore keeps pending challenges keyed by connection id.
// Issuing a new challenge for a connection replaces any prior one;
// consuming removes it so a captured proof cannot be replayed.
type ChallengeStore struct {
	mu      sync.Mutex
	pending map[domain.ConnectionID]Challenge
	ttl     time.Duration
	now     func() time.Time
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{
		pending: make(map[domain.ConnectionID]Challenge),
		ttl:     ChallengeTTL,
		now:     time.Now,
	}
}

// Issue creates and stores a fresh challenge for the connection.
func (s *ChallengeStore) Issue(cid domain.ConnectionID, serverHost, nickname, inviteCode string) (Challenge, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return Challenge{}, err
	}
	ch := Challenge{
		Nonce:      hex.EncodeToString(buf),
		ServerHost: serverHost,
		Nickname:   nickname,
		InviteCode: inviteCode,
		CreatedAt:  s.now(),
	}
	s.mu.Lock()
	s.pending[cid] = ch
	s.mu.Unlock()
	return ch, nil
}

// Consume removes and returns the pending challenge for the
// connection. Returns false if none exists or it has expired; the
// challenge is deleted either way.
func (s *ChallengeStore) Consume(cid domain.ConnectionID) (Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[cid]
	if !ok {
		return Challenge{}, false
	}
	delete(s.pending, cid)
	if s.now().Sub(ch.CreatedAt) > s.ttl {
		return Challenge{}, false
	}
	return ch, true
}

// Drop discards any pending challenge for the connection, used on
// disconnect.
func (s *ChallengeStore) Drop(cid domain.ConnectionID) {
	s.mu.Lock()
	delete(s.pending, cid)
	s.mu.Unlock()
}

// Sweep removes expired challenges. Called from a background ticker
// so abandoned connections do not accumulate nonces.
func (s *ChallengeStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for cid, ch := range s.pending {
		if now.Sub(ch.CreatedAt) > s.ttl {
			delete(s.pending, cid)
			removed++
		}
	}
	return removed
}
