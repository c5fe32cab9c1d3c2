// Package session implements the download-session state machine: startup
// and resume, a cooperative scheduler-driven download loop, chunk and
// subtree verification, endgame duplicate requesting, and finalization.
// Its shape is grounded on content.ContentFetcher's backpressure
// semaphore and mutex-guarded stats, generalized from "fetch every chunk
// of a manifest concurrently" to the full resumable state machine.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	swarmfs "github.com/swarmfs/swarmfs"
	"github.com/swarmfs/swarmfs/pkg/bitfield"
	"github.com/swarmfs/swarmfs/pkg/merkle"
	"github.com/swarmfs/swarmfs/pkg/peer"
	"github.com/swarmfs/swarmfs/pkg/protocol"
	"github.com/swarmfs/swarmfs/pkg/scheduler"
	"github.com/swarmfs/swarmfs/pkg/store"
	"github.com/swarmfs/swarmfs/pkg/swarmhash"
	"github.com/swarmfs/swarmfs/pkg/swarmtransport"
	"github.com/swarmfs/swarmfs/pkg/swarmtransport/noisepsk"
)

// Progress reports download loop advancement to the host application.
type Progress struct {
	Verified        int
	Total           int
	BytesDownloaded uint64
	FileSize        uint64
}

// chunkSlot is one chunk's position and expected hash, copied out of the
// store's chunk layout at session construction time.
type chunkSlot struct {
	hash   swarmhash.Hash
	offset uint64
	size   uint32
}

type inFlightKind int

const (
	kindChunk inFlightKind = iota
	kindSubtree
)

type inFlightEntry struct {
	kind      inFlightKind
	chunks    []int
	peerID    string
	timer     *time.Timer
	startedAt time.Time
	endgame   bool
}

// Session owns one file's download: its output file handle, chunk-state
// table, and a peer manager (per spec.md §4.6, the peer manager is owned
// exclusively by the session that uses it).
type Session struct {
	cfg *swarmfs.Config

	db       *store.Store
	adapter  swarmtransport.Adapter
	dispatch *protocol.Dispatcher
	peers    *peer.Manager
	sched    *scheduler.Scheduler

	fileID    uint64
	path      string
	root      swarmhash.Hash
	fileSize  uint64
	chunkSize uint32
	chunks    []chunkSlot
	tree      *merkle.Tree

	topicName string
	topicKey  [noisepsk.KeySize]byte

	file *os.File

	mu              sync.Mutex
	ready           bool // true once the chunk layout (tree/chunks/states/bf/peers) is established
	states          []scheduler.ChunkState
	retries         []int
	bf              *bitfield.Bitfield
	inFlight        map[protocol.RequestID]*inFlightEntry
	endgameRequests map[int]map[protocol.RequestID]struct{}
	endgame         bool
	verified        int
	bytesDownloaded uint64
	reassemblers    map[string]*protocol.Reassembler
	pendingMetadata map[protocol.RequestID]chan protocol.MetadataResponseBody

	onProgress func(Progress)
	log        *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	doneErr  error
}

// Params bundles everything needed to construct a Session for one file.
type Params struct {
	Store      *store.Store
	Adapter    swarmtransport.Adapter
	Config     *swarmfs.Config
	Path       string
	MerkleRoot swarmhash.Hash
	FileSize   uint64
	ChunkSize  uint32
	// ChunkHashes, when supplied, short-circuits the METADATA_REQ/RESP
	// round trip Start would otherwise perform: the caller already knows
	// the chunk layout (a local directory scan, or a test harness). Leave
	// it nil to have Start fetch the layout from a swarm peer instead.
	ChunkHashes []swarmhash.Hash // ordered, one per chunk
	TopicName   string
	TopicKey    [noisepsk.KeySize]byte
	OnProgress  func(Progress)
	Logger      *slog.Logger
}

// New builds a Session. It does not touch the filesystem or network; call
// Start to run the startup sequence and begin the download loop. If
// Params.ChunkHashes is empty, the returned Session has no layout yet;
// Start performs a METADATA_REQ/RESP round trip to obtain one before
// opening the output file.
func New(p Params) (*Session, error) {
	cfg := p.Config
	if cfg == nil {
		cfg = swarmfs.DefaultConfig()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		cfg:             cfg,
		db:              p.Store,
		adapter:         p.Adapter,
		fileID:          0,
		path:            p.Path,
		root:            p.MerkleRoot,
		fileSize:        p.FileSize,
		chunkSize:       p.ChunkSize,
		topicName:       p.TopicName,
		topicKey:        p.TopicKey,
		inFlight:        make(map[protocol.RequestID]*inFlightEntry),
		endgameRequests: make(map[int]map[protocol.RequestID]struct{}),
		reassemblers:    make(map[string]*protocol.Reassembler),
		pendingMetadata: make(map[protocol.RequestID]chan protocol.MetadataResponseBody),
		onProgress:      p.OnProgress,
		log:             logger,
		stopped:         make(chan struct{}),
	}

	if len(p.ChunkHashes) > 0 {
		chunks := make([]chunkSlot, len(p.ChunkHashes))
		var offset uint64
		for i, h := range p.ChunkHashes {
			size := p.ChunkSize
			if offset+uint64(size) > p.FileSize {
				size = uint32(p.FileSize - offset)
			}
			chunks[i] = chunkSlot{hash: h, offset: offset, size: size}
			offset += uint64(size)
		}
		if err := s.establishLayout(chunks); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// establishLayout builds the Merkle tree, chunk-state table, bitfield, and
// peer manager from a resolved chunk layout, validating it against the
// session's expected Merkle root. It is called either synchronously from
// New (when Params.ChunkHashes was supplied) or once from Start after a
// METADATA_RESP arrives.
func (s *Session) establishLayout(chunks []chunkSlot) error {
	if len(chunks) == 0 {
		return swarmfs.NewInvalidArgumentError("session: file has no chunks", nil)
	}
	hashes := make([]swarmhash.Hash, len(chunks))
	for i, c := range chunks {
		hashes[i] = c.hash
	}
	tree, err := merkle.Build(hashes)
	if err != nil {
		return swarmfs.NewInvalidArgumentError("session: build merkle tree", err)
	}
	if tree.Root() != s.root {
		return swarmfs.NewIntegrityError("session: chunk hash list does not match merkle root", "", nil)
	}

	total := len(chunks)
	peers := peer.NewManager(total, 256)
	sched := scheduler.New(peers, scheduler.Config{
		EndgameRatio:              0.95,
		EndgameRemainingThreshold: s.cfg.EndgameThreshold,
		EndgameDuplicatesPerChunk: s.cfg.EndgameDuplicatesPerChunk,
	})

	s.mu.Lock()
	s.chunks = chunks
	s.tree = tree
	s.states = make([]scheduler.ChunkState, total)
	s.retries = make([]int, total)
	s.bf = bitfield.New(total)
	s.peers = peers
	s.sched = sched
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Session) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// State implements scheduler.ChunkStates.
func (s *Session) State(chunkIndex int) scheduler.ChunkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[chunkIndex]
}

// Total implements scheduler.ChunkStates.
func (s *Session) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Start runs the §4.5 startup sequence (metadata fetch if needed,
// preallocate, resume rehash, subscribe to transport events) and launches
// the cooperative download loop in a new goroutine.
func (s *Session) Start(ctx context.Context) error {
	s.adapter.OnPeerConnected(s.handlePeerConnected)
	s.adapter.OnPeerDisconnected(s.handlePeerDisconnected)
	s.adapter.OnPeerData(s.handlePeerData)
	if err := s.adapter.Join(s.topicName, s.topicKey); err != nil {
		return swarmfs.NewTransportError("session: join topic", "", err)
	}
	s.dispatch = protocol.New(s.adapter)
	for peerID := range s.adapter.Connections(s.topicKey) {
		s.dispatch.RegisterPeer(peerID)
	}

	if !s.isReady() {
		if err := s.fetchMetadata(ctx); err != nil {
			return fmt.Errorf("session: fetch metadata: %w", err)
		}
	}

	if err := s.openAndPreallocate(); err != nil {
		return err
	}
	if err := s.resumeRehash(); err != nil {
		s.file.Close()
		return err
	}

	for peerID := range s.adapter.Connections(s.topicKey) {
		s.peers.AddPeer(peerID, s.cfg.MaxConcurrentRequestsPerPeer)
		s.requestBitfield(peerID)
	}

	if err := s.registerFile(); err != nil {
		s.file.Close()
		return fmt.Errorf("session: register file: %w", err)
	}

	s.log.Info("session: started", "path", s.path, "chunks", len(s.chunks), "verified", s.verified)
	go s.run(ctx)
	return nil
}

// fetchMetadata performs the METADATA_REQ/RESP round trip (spec.md §2:
// "a session requests the file's metadata via the protocol") against the
// first available peer, blocking until a response establishes the chunk
// layout or cfg.MetadataTimeout elapses.
func (s *Session) fetchMetadata(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.MetadataTimeout)
	peerID, err := s.awaitPeer(waitCtx)
	cancel()
	if err != nil {
		return swarmfs.NewTimeoutError("session: no peer available for metadata fetch", "")
	}

	id := protocol.NewRequestID()
	payload, err := protocol.EncodeBody(protocol.MetadataRequestBody{RequestID: id, MerkleRoot: s.root})
	if err != nil {
		return swarmfs.NewFramingError("session: encode metadata request", err)
	}
	raw, err := protocol.Encode(protocol.Frame{Type: protocol.TypeMetadataRequest, Payload: payload})
	if err != nil {
		return swarmfs.NewFramingError("session: frame metadata request", err)
	}

	ch := make(chan protocol.MetadataResponseBody, 1)
	s.mu.Lock()
	s.pendingMetadata[id] = ch
	s.mu.Unlock()

	s.dispatch.BeginMetadataRequest(id, s.root)
	s.dispatch.Enqueue(peerID, raw)

	defer func() {
		s.mu.Lock()
		delete(s.pendingMetadata, id)
		s.mu.Unlock()
		s.dispatch.EndMetadataRequest(id)
	}()

	select {
	case resp := <-ch:
		chunks := make([]chunkSlot, len(resp.Chunks))
		for i, c := range resp.Chunks {
			chunks[i] = chunkSlot{hash: c.Hash, offset: c.Offset, size: c.Size}
		}
		s.fileSize = resp.FileSize
		s.chunkSize = resp.ChunkSize
		return s.establishLayout(chunks)
	case <-time.After(s.cfg.MetadataTimeout):
		return swarmfs.NewTimeoutError("session: metadata request timed out", peerID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitPeer blocks until at least one peer is connected for the session's
// topic, polling at the configured tick interval, until ctx ends.
func (s *Session) awaitPeer(ctx context.Context) (string, error) {
	for {
		for peerID := range s.adapter.Connections(s.topicKey) {
			return peerID, nil
		}
		select {
		case <-time.After(s.cfg.TickInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Wait blocks until the session's download loop has finished, returning
// the finalization error (nil on success).
func (s *Session) Wait() error {
	<-s.stopped
	return s.doneErr
}

// Cancel stops the download loop, sends CANCEL for every in-flight
// request, and closes the file handle, leaving the partially-filled file
// on disk so the incomplete-download registry entry can later resume it
// (spec.md §4.5 Cancellation).
func (s *Session) Cancel() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		entries := s.inFlight
		s.inFlight = make(map[protocol.RequestID]*inFlightEntry)
		s.mu.Unlock()

		for id, e := range entries {
			if e.timer != nil {
				e.timer.Stop()
			}
			s.cancelWire(id, e.peerID)
			s.peers.EndRequest(e.peerID)
			switch e.kind {
			case kindChunk:
				s.dispatch.EndRequest(id)
				s.dispatch.EndDownload(id)
			case kindSubtree:
				s.dispatch.EndSubtreeRequest(id)
			}
		}
		s.saveIncomplete()
		if s.file != nil {
			s.file.Close()
		}
		s.log.Info("session: cancelled", "path", s.path, "verified", s.verified, "total", len(s.chunks))
		s.doneErr = fmt.Errorf("session: cancelled")
		close(s.stopped)
	})
}

func (s *Session) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Cancel()
			return
		case <-s.stopped:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		done := s.verified == len(s.chunks)
		s.mu.Unlock()
		if done {
			s.finalize()
			return
		}

		counts := s.sched.Tally(s)
		if counts.Missing > 0 && counts.Unavailable == counts.Missing {
			select {
			case <-time.After(s.cfg.StuckRetryDelay):
			case <-ctx.Done():
				s.Cancel()
				return
			case <-s.stopped:
				return
			}
			continue
		}

		s.mu.Lock()
		enterEndgame := !s.endgame && counts.InEndgame(scheduler.Config{
			EndgameRatio:              0.95,
			EndgameRemainingThreshold: s.cfg.EndgameThreshold,
		})
		if enterEndgame {
			s.endgame = true
		}
		endgame := s.endgame
		s.mu.Unlock()

		if endgame {
			s.fillEndgameSlots()
		} else {
			s.fillSlots()
		}
	}
}

func (s *Session) fillSlots() {
	s.mu.Lock()
	slots := s.cfg.MaxConcurrentInFlight - len(s.inFlight)
	s.mu.Unlock()
	if slots <= 0 {
		return
	}
	indices := s.sched.NextChunks(s, slots)
	for _, idx := range indices {
		peerID, ok := s.peers.Select(idx)
		if !ok {
			continue
		}
		s.issueRequest(idx, peerID)
	}
}

// issueRequest picks between a fallback single-chunk request and an
// aligned subtree request covering idx, per §4.5.
func (s *Session) issueRequest(idx int, peerID string) {
	start, count := s.subtreeRange(idx)
	if count > 1 {
		s.sendSubtreeRequest(start, count, peerID)
		return
	}
	s.sendChunkRequest(idx, peerID)
}

func (s *Session) fillEndgameSlots() {
	s.mu.Lock()
	candidates := s.sched.EndgameCandidates(s)
	s.mu.Unlock()
	for idx, want := range candidates {
		s.mu.Lock()
		have := len(s.endgameRequests[idx])
		s.mu.Unlock()
		for have < want {
			peerID, ok := s.peers.Select(idx)
			if !ok {
				break
			}
			id := s.sendChunkRequest(idx, peerID)
			if id == nil {
				break
			}
			have++
		}
	}
}
