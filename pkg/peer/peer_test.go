package peer

import "testing"

func TestAvailabilityTracksBitfieldAndHave(t *testing.T) {
	m := NewManager(4, 8)
	m.AddPeer("p1", 4)
	m.AddPeer("p2", 4)

	m.SetBitfield("p1", []int{0, 1})
	if m.Availability(0) != 1 || m.Availability(1) != 1 {
		t.Fatalf("expected availability 1 for chunks 0 and 1")
	}

	m.MarkHave("p2", 1)
	if m.Availability(1) != 2 {
		t.Fatalf("expected availability 2 for chunk 1 after HAVE, got %d", m.Availability(1))
	}
	if m.Availability(2) != 0 {
		t.Fatalf("chunk 2 should have no known holders")
	}
}

func TestRemovePeerEvictsAvailability(t *testing.T) {
	m := NewManager(2, 8)
	m.AddPeer("p1", 4)
	m.SetBitfield("p1", []int{0, 1})

	m.RemovePeer("p1")
	if m.Availability(0) != 0 || m.Availability(1) != 0 {
		t.Fatalf("expected availability back to 0 after peer removal")
	}
	if m.Connected() != 0 {
		t.Fatalf("expected 0 connected peers after removal")
	}
}

func TestRarestFirstOrdering(t *testing.T) {
	m := NewManager(3, 8)
	m.AddPeer("p1", 4)
	m.AddPeer("p2", 4)
	m.AddPeer("p3", 4)

	// chunk 0: 1 holder, chunk 1: 2 holders, chunk 2: 3 holders
	m.MarkHave("p1", 0)
	m.MarkHave("p1", 1)
	m.MarkHave("p2", 1)
	m.MarkHave("p1", 2)
	m.MarkHave("p2", 2)
	m.MarkHave("p3", 2)

	order := m.RarestFirst()
	if len(order) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(order))
	}
	if order[0] != 0 {
		t.Fatalf("expected chunk 0 (rarest) first, got %v", order)
	}
	if order[len(order)-1] != 2 {
		t.Fatalf("expected chunk 2 (most common) last, got %v", order)
	}
}

func TestSelectRespectsConcurrencyCap(t *testing.T) {
	m := NewManager(1, 8)
	m.AddPeer("p1", 1)
	m.MarkHave("p1", 0)

	m.BeginRequest("p1")
	if _, ok := m.Select(0); ok {
		t.Fatalf("peer at its concurrency cap should not be selected")
	}
	m.EndRequest("p1")
	if _, ok := m.Select(0); !ok {
		t.Fatalf("peer under its concurrency cap should be selectable")
	}
}

func TestSelectFallsBackToAnyConnectedPeer(t *testing.T) {
	m := NewManager(2, 8)
	m.AddPeer("p1", 4)
	// No peer advertises chunk 1 via bitfield/have.
	id, ok := m.Select(1)
	if !ok || id != "p1" {
		t.Fatalf("expected fallback to the only connected peer, got %q ok=%v", id, ok)
	}
}

func TestScoreFormula(t *testing.T) {
	m := NewManager(1, 8)
	m.AddPeer("p1", 4)

	for i := 0; i < 8; i++ {
		m.RecordResult("p1", OutcomeSuccess, 5)
	}
	for i := 0; i < 2; i++ {
		m.RecordResult("p1", OutcomeFailure, 0)
	}
	score := m.Score("p1")
	if score <= 0 {
		t.Fatalf("expected positive score, got %f", score)
	}
}

func TestBanningOnLowSuccessRate(t *testing.T) {
	m := NewManager(1, 8)
	m.AddPeer("p1", 4)
	m.MarkHave("p1", 0)

	for i := 0; i < 4; i++ {
		m.RecordResult("p1", OutcomeSuccess, 1)
	}
	for i := 0; i < 6; i++ {
		m.RecordResult("p1", OutcomeFailure, 0)
	}

	info, ok := m.Get("p1")
	if ok {
		t.Fatalf("banned peer should have been evicted, got %+v", info)
	}
	if m.Availability(0) != 0 {
		t.Fatalf("banned peer's availability entries should be evicted")
	}
}

func TestBanningOnExcessiveTimeouts(t *testing.T) {
	m := NewManager(1, 8)
	m.AddPeer("p1", 4)

	for i := 0; i < 6; i++ {
		m.RecordResult("p1", OutcomeTimeout, 0)
	}
	if _, ok := m.Get("p1"); ok {
		t.Fatalf("peer with more than 5 timeouts should be banned")
	}
}
