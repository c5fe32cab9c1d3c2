package protocol

import (
	"sync"
	"testing"
	"time"

	"github.com/swarmfs/swarmfs/pkg/swarmhash"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string][][]byte)}
}

func (s *recordingSender) Send(peerID string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[peerID] = append(s.sent[peerID], frame)
	return nil
}

func (s *recordingSender) count(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent[peerID])
}

func TestEnqueueDeliversInOrder(t *testing.T) {
	sender := newRecordingSender()
	d := New(sender)
	defer d.Close()

	d.RegisterPeer("p1")
	for i := 0; i < 5; i++ {
		d.Enqueue("p1", []byte{byte(i)})
	}

	deadline := time.Now().Add(time.Second)
	for sender.count("p1") < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sender.count("p1") != 5 {
		t.Fatalf("expected 5 frames delivered, got %d", sender.count("p1"))
	}
}

func TestEnqueueToUnregisteredPeerIsNoop(t *testing.T) {
	sender := newRecordingSender()
	d := New(sender)
	defer d.Close()

	d.Enqueue("ghost", []byte{1})
	time.Sleep(10 * time.Millisecond)
	if sender.count("ghost") != 0 {
		t.Fatalf("expected no delivery to unregistered peer")
	}
}

func TestRequestLifecycle(t *testing.T) {
	d := New(newRecordingSender())
	defer d.Close()

	id := NewRequestID()
	hash := swarmhash.Sum([]byte("chunk"))
	d.BeginRequest(id, hash, []byte("topic"))

	entry, ok := d.RecordOffer(id)
	if !ok || entry.Offers != 1 {
		t.Fatalf("expected offer recorded, got %+v ok=%v", entry, ok)
	}

	if d.Pending().Requests != 1 {
		t.Fatalf("expected 1 pending request")
	}
	d.EndRequest(id)
	if d.Pending().Requests != 0 {
		t.Fatalf("expected request removed after EndRequest")
	}
}

func TestDownloadLifecycle(t *testing.T) {
	d := New(newRecordingSender())
	defer d.Close()

	id := NewRequestID()
	hash := swarmhash.Sum([]byte("chunk"))
	d.BeginDownload(id, hash, "peer-1", 1024)

	entry, ok := d.Download(id)
	if !ok || entry.PeerID != "peer-1" {
		t.Fatalf("expected download entry, got %+v ok=%v", entry, ok)
	}
	d.EndDownload(id)
	if _, ok := d.Download(id); ok {
		t.Fatalf("expected download entry removed")
	}
}

func TestSweepDiscardsExpiredEntries(t *testing.T) {
	d := New(newRecordingSender())
	defer d.Close()

	id := NewRequestID()
	d.BeginRequest(id, swarmhash.Sum([]byte("x")), nil)

	// Force the entry to look old enough for the sweeper to discard it.
	d.mu.Lock()
	d.requests[id].StartedAt = time.Now().Add(-2 * sweepMaxAge)
	d.mu.Unlock()

	d.sweep()

	if d.Pending().Requests != 0 {
		t.Fatalf("expected sweep to discard the stale entry")
	}
}

func TestNewRequestIDIsRandomized(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	if a == b {
		t.Fatalf("expected distinct request ids")
	}
}
