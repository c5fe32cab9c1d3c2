package protocol

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/swarmfs/swarmfs/pkg/swarmhash"
)

// requestTTL is how long an in-flight table entry is honored before being
// treated as lost (§4.4 default).
const requestTTL = 30 * time.Second

// sweepInterval is how often the dispatcher scans its in-flight tables
// for expired entries.
const sweepInterval = 30 * time.Second

// sweepMaxAge is how old an entry must be before the sweeper discards it.
const sweepMaxAge = 60 * time.Second

// NewRequestID generates a random 16-byte request correlation id.
func NewRequestID() RequestID {
	var id RequestID
	_, _ = rand.Read(id[:])
	return id
}

// RequestEntry is an outstanding REQUEST awaiting OFFER/CHUNK_DATA.
type RequestEntry struct {
	ChunkHash swarmhash.Hash
	TopicKey  []byte
	Offers    int
	StartedAt time.Time
}

// DownloadEntry is an outstanding download whose bytes are arriving.
type DownloadEntry struct {
	ChunkHash    swarmhash.Hash
	PeerID       string
	ExpectedSize uint32
	ReceivedSize uint32
	StartedAt    time.Time
}

// FileListEntry is an outstanding FILE_LIST_REQ.
type FileListEntry struct {
	TopicKey  []byte
	StartedAt time.Time
}

// MetadataEntry is an outstanding METADATA_REQ.
type MetadataEntry struct {
	MerkleRoot swarmhash.Hash
	StartedAt  time.Time
}

// SubtreeEntry is an outstanding SUBTREE_REQ.
type SubtreeEntry struct {
	MerkleRoot swarmhash.Hash
	StartChunk uint32
	ChunkCount uint32
	StartedAt  time.Time
}

// Sender writes one complete frame to a peer. Implementations must
// deliver bytes in enqueue order; Send may block while the underlying
// stream applies backpressure.
type Sender interface {
	Send(peerID string, frame []byte) error
}

type sendQueue struct {
	frames chan []byte
	stop   chan struct{}
}

// Dispatcher owns the protocol's in-flight request tables and the
// per-connection send queues that serialize outgoing writes. It never
// blocks callers of Enqueue on the underlying transport: frames are
// queued and drained by a per-peer goroutine.
type Dispatcher struct {
	mu sync.Mutex

	requests  map[RequestID]*RequestEntry
	downloads map[RequestID]*DownloadEntry
	fileLists map[RequestID]*FileListEntry
	metadata  map[RequestID]*MetadataEntry
	subtrees  map[RequestID]*SubtreeEntry

	sender Sender
	queues map[string]*sendQueue

	stopSweep chan struct{}
	now       func() time.Time
}

// New creates a Dispatcher that writes outgoing frames through sender and
// starts its background sweeper.
func New(sender Sender) *Dispatcher {
	d := &Dispatcher{
		requests:  make(map[RequestID]*RequestEntry),
		downloads: make(map[RequestID]*DownloadEntry),
		fileLists: make(map[RequestID]*FileListEntry),
		metadata:  make(map[RequestID]*MetadataEntry),
		subtrees:  make(map[RequestID]*SubtreeEntry),
		sender:    sender,
		queues:    make(map[string]*sendQueue),
		stopSweep: make(chan struct{}),
		now:       time.Now,
	}
	go d.sweepLoop()
	return d
}

// Close stops the sweeper and every per-peer send queue goroutine.
func (d *Dispatcher) Close() {
	close(d.stopSweep)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		close(q.stop)
	}
}

// RegisterPeer starts a send queue for peerID. Enqueue is a no-op for
// peers that were never registered.
func (d *Dispatcher) RegisterPeer(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[peerID]; ok {
		return
	}
	q := &sendQueue{frames: make(chan []byte, 256), stop: make(chan struct{})}
	d.queues[peerID] = q
	go d.drain(peerID, q)
}

// UnregisterPeer stops and removes a peer's send queue, for use on
// disconnect.
func (d *Dispatcher) UnregisterPeer(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[peerID]; ok {
		close(q.stop)
		delete(d.queues, peerID)
	}
}

func (d *Dispatcher) drain(peerID string, q *sendQueue) {
	for {
		select {
		case frame := <-q.frames:
			_ = d.sender.Send(peerID, frame) // backpressure: Send blocks until drained
		case <-q.stop:
			return
		}
	}
}

// Enqueue queues a frame for peerID without blocking on the transport.
// Dispatch never suspends: when the peer's queue (256 frames) is full,
// the new frame is dropped and the caller is not told.
func (d *Dispatcher) Enqueue(peerID string, frame []byte) {
	d.mu.Lock()
	q, ok := d.queues[peerID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case q.frames <- frame:
	default:
		// queue full: drop rather than block dispatch
	}
}

// BeginRequest records a new outstanding REQUEST.
func (d *Dispatcher) BeginRequest(id RequestID, chunkHash swarmhash.Hash, topicKey []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests[id] = &RequestEntry{ChunkHash: chunkHash, TopicKey: topicKey, StartedAt: d.now()}
}

// RecordOffer increments the offer count for an outstanding request.
func (d *Dispatcher) RecordOffer(id RequestID) (*RequestEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.requests[id]
	if ok {
		e.Offers++
	}
	return e, ok
}

// EndRequest removes a completed, cancelled, or timed-out request.
func (d *Dispatcher) EndRequest(id RequestID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.requests, id)
}

// BeginDownload records a new outstanding download once data has started
// arriving (an OFFER acts as an implicit DOWNLOAD-accepted, per §4.4).
func (d *Dispatcher) BeginDownload(id RequestID, chunkHash swarmhash.Hash, peerID string, expectedSize uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.downloads[id] = &DownloadEntry{ChunkHash: chunkHash, PeerID: peerID, ExpectedSize: expectedSize, StartedAt: d.now()}
}

// Download returns the in-flight download entry for id, if any.
func (d *Dispatcher) Download(id RequestID) (*DownloadEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.downloads[id]
	return e, ok
}

// EndDownload removes a completed, cancelled, or timed-out download.
func (d *Dispatcher) EndDownload(id RequestID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.downloads, id)
}

// BeginFileListRequest records a new outstanding FILE_LIST_REQ.
func (d *Dispatcher) BeginFileListRequest(id RequestID, topicKey []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fileLists[id] = &FileListEntry{TopicKey: topicKey, StartedAt: d.now()}
}

// EndFileListRequest removes a FILE_LIST_REQ entry.
func (d *Dispatcher) EndFileListRequest(id RequestID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fileLists, id)
}

// BeginMetadataRequest records a new outstanding METADATA_REQ.
func (d *Dispatcher) BeginMetadataRequest(id RequestID, root swarmhash.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metadata[id] = &MetadataEntry{MerkleRoot: root, StartedAt: d.now()}
}

// EndMetadataRequest removes a METADATA_REQ entry.
func (d *Dispatcher) EndMetadataRequest(id RequestID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.metadata, id)
}

// BeginSubtreeRequest records a new outstanding SUBTREE_REQ.
func (d *Dispatcher) BeginSubtreeRequest(id RequestID, root swarmhash.Hash, start, count uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subtrees[id] = &SubtreeEntry{MerkleRoot: root, StartChunk: start, ChunkCount: count, StartedAt: d.now()}
}

// SubtreeRequest returns the in-flight subtree request entry for id, if
// any.
func (d *Dispatcher) SubtreeRequest(id RequestID) (*SubtreeEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.subtrees[id]
	return e, ok
}

// EndSubtreeRequest removes a SUBTREE_REQ entry.
func (d *Dispatcher) EndSubtreeRequest(id RequestID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subtrees, id)
}

// PendingCounts reports how many entries each in-flight table currently
// holds, for diagnostics.
type PendingCounts struct {
	Requests  int
	Downloads int
	FileLists int
	Metadata  int
	Subtrees  int
}

// Pending reports the current size of every in-flight table.
func (d *Dispatcher) Pending() PendingCounts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return PendingCounts{
		Requests:  len(d.requests),
		Downloads: len(d.downloads),
		FileLists: len(d.fileLists),
		Metadata:  len(d.metadata),
		Subtrees:  len(d.subtrees),
	}
}

func (d *Dispatcher) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stopSweep:
			return
		}
	}
}

func (d *Dispatcher) sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-sweepMaxAge)
	for id, e := range d.requests {
		if e.StartedAt.Before(cutoff) {
			delete(d.requests, id)
		}
	}
	for id, e := range d.downloads {
		if e.StartedAt.Before(cutoff) {
			delete(d.downloads, id)
		}
	}
	for id, e := range d.fileLists {
		if e.StartedAt.Before(cutoff) {
			delete(d.fileLists, id)
		}
	}
	for id, e := range d.metadata {
		if e.StartedAt.Before(cutoff) {
			delete(d.metadata, id)
		}
	}
	for id, e := range d.subtrees {
		if e.StartedAt.Before(cutoff) {
			delete(d.subtrees, id)
		}
	}
}
