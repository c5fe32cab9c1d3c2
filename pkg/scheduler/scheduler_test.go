package scheduler

import (
	"testing"

	"github.com/swarmfs/swarmfs/pkg/peer"
)

type fakeStates struct {
	states []ChunkState
}

func newFakeStates(n int) *fakeStates {
	return &fakeStates{states: make([]ChunkState, n)}
}

func (f *fakeStates) State(i int) ChunkState { return f.states[i] }
func (f *fakeStates) Total() int             { return len(f.states) }

func TestNextChunksRarestFirst(t *testing.T) {
	peers := peer.NewManager(3, 8)
	peers.AddPeer("p1", 4)
	peers.AddPeer("p2", 4)
	peers.AddPeer("p3", 4)

	// chunk 0: rarest (1 holder), chunk 1: 2 holders, chunk 2: 3 holders
	peers.MarkHave("p1", 0)
	peers.MarkHave("p1", 1)
	peers.MarkHave("p2", 1)
	peers.MarkHave("p1", 2)
	peers.MarkHave("p2", 2)
	peers.MarkHave("p3", 2)

	sched := New(peers, DefaultConfig())
	states := newFakeStates(3)

	next := sched.NextChunks(states, 2)
	if len(next) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(next))
	}
	if next[0] != 0 {
		t.Fatalf("expected rarest chunk 0 first, got %v", next)
	}
}

func TestNextChunksSkipsNonMissing(t *testing.T) {
	peers := peer.NewManager(2, 8)
	peers.AddPeer("p1", 4)
	peers.MarkHave("p1", 0)
	peers.MarkHave("p1", 1)

	sched := New(peers, DefaultConfig())
	states := newFakeStates(2)
	states.states[0] = Verified

	next := sched.NextChunks(states, 5)
	if len(next) != 1 || next[0] != 1 {
		t.Fatalf("expected only chunk 1 (still missing), got %v", next)
	}
}

func TestTallyAndEndgame(t *testing.T) {
	peers := peer.NewManager(25, 8)
	peers.AddPeer("p1", 4)
	for i := 0; i < 5; i++ {
		peers.MarkHave("p1", i)
	}

	sched := New(peers, DefaultConfig())
	states := newFakeStates(25)
	for i := 0; i < 20; i++ {
		states.states[i] = Verified
	}
	// 5 missing remain, all below the 20-remaining endgame threshold

	counts := sched.Tally(states)
	if counts.Verified != 20 || counts.Missing != 5 {
		t.Fatalf("unexpected tally: %+v", counts)
	}
	if !counts.InEndgame(DefaultConfig()) {
		t.Fatalf("expected endgame with only 5 chunks remaining")
	}
}

func TestStuckSwarmHeuristic(t *testing.T) {
	peers := peer.NewManager(3, 8)
	sched := New(peers, DefaultConfig())
	states := newFakeStates(3)
	// no peers at all: every missing chunk is unavailable

	counts := sched.Tally(states)
	if !counts.Stuck() {
		t.Fatalf("expected stuck-swarm heuristic to trigger with zero availability")
	}
}

func TestNotStuckWhenSomeChunksAvailable(t *testing.T) {
	peers := peer.NewManager(2, 8)
	peers.AddPeer("p1", 4)
	peers.MarkHave("p1", 0)

	sched := New(peers, DefaultConfig())
	states := newFakeStates(2)

	counts := sched.Tally(states)
	if counts.Stuck() {
		t.Fatalf("should not be stuck when at least one missing chunk has a holder")
	}
}

func TestEndgameCandidatesCapDuplicates(t *testing.T) {
	peers := peer.NewManager(1, 8)
	peers.AddPeer("p1", 4)
	peers.MarkHave("p1", 0)
	// only 1 holder, config wants 2 duplicates -> capped at 1

	sched := New(peers, DefaultConfig())
	states := newFakeStates(1)

	cands := sched.EndgameCandidates(states)
	if cands[0] != 1 {
		t.Fatalf("expected duplicate count capped at holder count 1, got %d", cands[0])
	}
}
