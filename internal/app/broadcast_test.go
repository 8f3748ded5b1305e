package app

import (
	"context"
	"testing"
	"time"

	"github.com/parlorchat/parlor/internal/domain"
)

type broadcastHarness struct {
	reg  *SessionRegistry
	dir  *fakeDirectory
	bc   *BroadcastCoordinator
	conn *captureConn
	now  time.Time

	pending []func()
}

func newBroadcastHarness(t *testing.T) *broadcastHarness {
	t.Helper()
	h := &broadcastHarness{
		reg: NewSessionRegistry(),
		dir: newFakeDirectory(),
		now: time.Unix(1000, 0),
	}
	h.bc = NewBroadcastCoordinator(h.reg, h.dir)
	h.bc.now = func() time.Time { return h.now }
	h.bc.schedule = func(_ time.Duration, fn func()) {
		h.pending = append(h.pending, fn)
	}
	h.conn = bindVerified(t, h.reg, "c1", "ext1")
	return h
}

// runPending fires all deferred re-broadcasts, simulating the timers
// elapsing.
func (h *broadcastHarness) runPending() {
	fns := h.pending
	h.pending = nil
	for _, fn := range fns {
		fn()
	}
}

func clientsFrames(conn *captureConn) int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	n := 0
	for _, m := range conn.msgs {
		if f, ok := m.(map[string]any); ok && f["type"] == "clients" {
			n++
		}
	}
	return n
}

func TestSyncPresenceSendsOnChange(t *testing.T) {
	h := newBroadcastHarness(t)

	h.bc.SyncPresence()
	if got := clientsFrames(h.conn); got != 1 {
		t.Fatalf("clients frames = %d, want 1", got)
	}
}

func TestSyncPresenceSuppressesUnchangedState(t *testing.T) {
	h := newBroadcastHarness(t)

	h.bc.SyncPresence()
	h.now = h.now.Add(time.Second)
	h.bc.SyncPresence()
	h.bc.SyncPresence()
	if got := clientsFrames(h.conn); got != 1 {
		t.Errorf("clients frames = %d, want 1 for unchanged state", got)
	}
	if len(h.pending) != 0 {
		t.Error("unchanged state scheduled a re-broadcast")
	}
}

func TestSyncPresenceDebouncesRapidChanges(t *testing.T) {
	h := newBroadcastHarness(t)

	h.bc.SyncPresence()

	// Change state inside the debounce window several times.
	for i := 0; i < 3; i++ {
		h.reg.Mutate("c1", func(s *Session) { s.AFK = !s.AFK })
		h.now = h.now.Add(10 * time.Millisecond)
		h.bc.SyncPresence()
	}
	if got := clientsFrames(h.conn); got != 1 {
		t.Fatalf("clients frames = %d, want 1 during debounce window", got)
	}
	if len(h.pending) != 1 {
		t.Fatalf("scheduled re-broadcasts = %d, want exactly 1", len(h.pending))
	}

	// Window closes; the deferred run delivers the latest snapshot.
	h.now = h.now.Add(presenceMinInterval)
	h.runPending()
	if got := clientsFrames(h.conn); got != 2 {
		t.Errorf("clients frames = %d, want 2 after window closed", got)
	}

	last, ok := h.conn.last().(map[string]any)
	if !ok {
		t.Fatalf("last frame is %T", h.conn.last())
	}
	sessions, ok := last["clients"].([]Session)
	if !ok || len(sessions) != 1 {
		t.Fatalf("last clients payload = %v", last["clients"])
	}
	if !sessions[0].AFK {
		t.Error("deferred broadcast carried a stale snapshot")
	}
}

func TestSyncPresenceChangeIsNeverStarved(t *testing.T) {
	h := newBroadcastHarness(t)
	h.bc.SyncPresence()

	h.reg.Mutate("c1", func(s *Session) { s.AFK = true })
	h.now = h.now.Add(10 * time.Millisecond)
	h.bc.SyncPresence()
	if got := clientsFrames(h.conn); got != 1 {
		t.Fatalf("clients frames = %d, want change still held", got)
	}

	// No further calls arrive; the scheduled run alone must flush it.
	h.now = h.now.Add(presenceMinInterval)
	h.runPending()
	if got := clientsFrames(h.conn); got != 2 {
		t.Errorf("clients frames = %d, want 2, change was starved", got)
	}
}

func TestSyncPresenceIntervalElapsedSendsImmediately(t *testing.T) {
	h := newBroadcastHarness(t)
	h.bc.SyncPresence()

	h.reg.Mutate("c1", func(s *Session) { s.Muted = true })
	h.now = h.now.Add(presenceMinInterval + time.Millisecond)
	h.bc.SyncPresence()
	if got := clientsFrames(h.conn); got != 2 {
		t.Errorf("clients frames = %d, want 2", got)
	}
	if len(h.pending) != 0 {
		t.Error("immediate send also scheduled a re-broadcast")
	}
}

func membersFrames(conn *captureConn) []map[string]any {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	var out []map[string]any
	for _, m := range conn.msgs {
		if f, ok := m.(map[string]any); ok && f["type"] == "members_list" {
			out = append(out, f)
		}
	}
	return out
}

func TestBroadcastMembersStatus(t *testing.T) {
	h := newBroadcastHarness(t)
	ctx := context.Background()

	// ext1 is live via c1; offline has no session.
	h.dir.UpsertMember(ctx, domain.Member{ID: "u-ext1", ExternalID: "ext1", Nickname: "ext1"})
	h.dir.UpsertMember(ctx, domain.Member{ID: "u-gone", ExternalID: "gone", Nickname: "gone"})

	h.bc.BroadcastMembers(ctx)
	frames := membersFrames(h.conn)
	if len(frames) != 1 {
		t.Fatalf("members_list frames = %d, want 1", len(frames))
	}
	roster, ok := frames[0]["members"].([]rosterEntry)
	if !ok {
		t.Fatalf("members payload is %T", frames[0]["members"])
	}
	status := make(map[domain.UserID]MemberStatus)
	for _, e := range roster {
		status[e.ID] = e.Status
	}
	if status["u-ext1"] != StatusOnline {
		t.Errorf("live member status = %q, want %q", status["u-ext1"], StatusOnline)
	}
	if status["u-gone"] != StatusOffline {
		t.Errorf("absent member status = %q, want %q", status["u-gone"], StatusOffline)
	}

	// Voice trumps online, AFK trumps voice.
	h.reg.Mutate("c1", func(s *Session) {
		s.HasJoinedChannel = true
		s.VoiceChannelID = "ch1"
	})
	h.now = h.now.Add(membersMinInterval + time.Millisecond)
	h.bc.BroadcastMembers(ctx)
	roster = membersFrames(h.conn)[1]["members"].([]rosterEntry)
	for _, e := range roster {
		if e.ID == "u-ext1" && e.Status != StatusInVoice {
			t.Errorf("in-voice member status = %q, want %q", e.Status, StatusInVoice)
		}
	}

	h.reg.Mutate("c1", func(s *Session) { s.AFK = true })
	h.now = h.now.Add(membersMinInterval + time.Millisecond)
	h.bc.BroadcastMembers(ctx)
	roster = membersFrames(h.conn)[2]["members"].([]rosterEntry)
	for _, e := range roster {
		if e.ID == "u-ext1" && e.Status != StatusAFK {
			t.Errorf("afk member status = %q, want %q", e.Status, StatusAFK)
		}
	}
}

func TestBroadcastTracksAreIndependent(t *testing.T) {
	h := newBroadcastHarness(t)
	ctx := context.Background()
	h.dir.UpsertMember(ctx, domain.Member{ID: "u-ext1", ExternalID: "ext1", Nickname: "ext1"})

	h.bc.SyncPresence()
	h.bc.BroadcastMembers(ctx)
	if clientsFrames(h.conn) != 1 || len(membersFrames(h.conn)) != 1 {
		t.Fatal("initial sends on both tracks expected")
	}

	// A presence change 150ms later: past the presence interval but
	// inside the members interval.
	h.reg.Mutate("c1", func(s *Session) { s.AFK = true })
	h.now = h.now.Add(150 * time.Millisecond)
	h.bc.SyncPresence()
	h.bc.BroadcastMembers(ctx)
	if got := clientsFrames(h.conn); got != 2 {
		t.Errorf("clients frames = %d, want 2", got)
	}
	if got := len(membersFrames(h.conn)); got != 1 {
		t.Errorf("members_list frames = %d, want still 1", got)
	}
	if len(h.pending) != 1 {
		t.Errorf("scheduled re-broadcasts = %d, want 1 on the members track", len(h.pending))
	}
}
