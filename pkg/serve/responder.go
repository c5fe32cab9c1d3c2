// Package serve implements the source-peer half of the wire protocol: the
// responder that answers REQUEST, SUBTREE_REQ, FILE_LIST_REQ, and
// METADATA_REQ from peers asking for chunks and files this node holds, while
// pkg/session drives the requester half on the same swarmtransport.Node
// (spec.md §1's "a peer downloads a file while simultaneously serving
// chunks it already holds"). Its shape mirrors pkg/session/wire.go: a
// per-peer reassembler feeding a type switch, and a protocol.Dispatcher
// owning its own send queues so its outgoing frames never contend with a
// concurrently running session's.
package serve

import (
	"log/slog"
	"os"
	"sync"
	"time"

	swarmfs "github.com/swarmfs/swarmfs"
	"github.com/swarmfs/swarmfs/pkg/protocol"
	"github.com/swarmfs/swarmfs/pkg/store"
	"github.com/swarmfs/swarmfs/pkg/swarmhash"
	"github.com/swarmfs/swarmfs/pkg/swarmtransport"
	"github.com/swarmfs/swarmfs/pkg/swarmtransport/noisepsk"
)

// pendingOffer records a REQUEST this responder has answered with an
// OFFER, awaiting the peer's DOWNLOAD before it streams the actual bytes
// (spec.md §4.4's two-step request/accept for single-chunk transfers).
type pendingOffer struct {
	peerID    string
	path      string
	offset    uint64
	size      uint32
	hash      swarmhash.Hash
	casHash   swarmhash.Hash
	fromCAS   bool
	createdAt time.Time
}

// Responder answers incoming chunk, subtree, file-list, and metadata
// requests out of db, optionally backed by a content-addressed chunk
// store instead of reading tracked files directly.
type Responder struct {
	db       *store.Store
	adapter  swarmtransport.Adapter
	cas      *store.CASStore
	dispatch *protocol.Dispatcher
	log      *slog.Logger

	mu           sync.Mutex
	reassemblers map[string]*protocol.Reassembler
	offers       map[protocol.RequestID]*pendingOffer
}

// New builds a Responder. cas may be nil, in which case every chunk is
// served by reading it out of its tracked file's on-disk bytes.
func New(db *store.Store, adapter swarmtransport.Adapter, cas *store.CASStore, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		db:           db,
		adapter:      adapter,
		cas:          cas,
		log:          logger,
		reassemblers: make(map[string]*protocol.Reassembler),
		offers:       make(map[protocol.RequestID]*pendingOffer),
	}
}

// Start subscribes the responder to the shared node's peer-connect,
// disconnect, and data events. It may be called alongside an unrelated
// *session.Session registered on the same Adapter: swarmtransport.Node's
// callbacks fan out to every subscriber in registration order.
func (r *Responder) Start() {
	r.dispatch = protocol.New(r.adapter)
	r.adapter.OnPeerConnected(r.handlePeerConnected)
	r.adapter.OnPeerDisconnected(r.handlePeerDisconnected)
	r.adapter.OnPeerData(r.handlePeerData)
}

func (r *Responder) handlePeerConnected(conn swarmtransport.Conn, peerID string, topicKey [noisepsk.KeySize]byte) {
	r.dispatch.RegisterPeer(peerID)
}

func (r *Responder) handlePeerDisconnected(peerID string, topicKey [noisepsk.KeySize]byte) {
	r.dispatch.UnregisterPeer(peerID)
	r.mu.Lock()
	delete(r.reassemblers, peerID)
	for id, o := range r.offers {
		if o.peerID == peerID {
			delete(r.offers, id)
		}
	}
	r.mu.Unlock()
}

func (r *Responder) handlePeerData(conn swarmtransport.Conn, peerID string, data []byte) {
	r.mu.Lock()
	rb, ok := r.reassemblers[peerID]
	if !ok {
		rb = protocol.NewReassembler()
		r.reassemblers[peerID] = rb
	}
	r.mu.Unlock()

	frames, err := rb.Feed(data)
	if err != nil {
		return
	}
	for _, f := range frames {
		r.handleFrame(peerID, f)
	}
}

func (r *Responder) handleFrame(peerID string, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeRequest:
		var body protocol.RequestBody
		if protocol.DecodeBody(f.Payload, &body) != nil {
			return
		}
		r.handleRequest(peerID, body)

	case protocol.TypeDownload:
		var body protocol.DownloadBody
		if protocol.DecodeBody(f.Payload, &body) != nil {
			return
		}
		r.handleDownload(peerID, body)

	case protocol.TypeCancel:
		var body protocol.CancelBody
		if protocol.DecodeBody(f.Payload, &body) != nil {
			return
		}
		r.mu.Lock()
		delete(r.offers, body.RequestID)
		r.mu.Unlock()

	case protocol.TypeSubtreeRequest:
		var body protocol.SubtreeRequestBody
		if protocol.DecodeBody(f.Payload, &body) != nil {
			return
		}
		r.handleSubtreeRequest(peerID, body)

	case protocol.TypeFileListRequest:
		var body protocol.FileListRequestBody
		if protocol.DecodeBody(f.Payload, &body) != nil {
			return
		}
		r.handleFileListRequest(peerID, body)

	case protocol.TypeMetadataRequest:
		var body protocol.MetadataRequestBody
		if protocol.DecodeBody(f.Payload, &body) != nil {
			return
		}
		r.handleMetadataRequest(peerID, body)
	}
}

func (r *Responder) sendError(peerID string, requestID protocol.RequestID, kind swarmfs.Kind, reason string) {
	payload, err := protocol.EncodeBody(protocol.ErrorBody{RequestID: requestID, Code: string(kind), Reason: reason})
	if err != nil {
		return
	}
	raw, err := protocol.Encode(protocol.Frame{Type: protocol.TypeError, Payload: payload})
	if err != nil {
		return
	}
	r.dispatch.Enqueue(peerID, raw)
}

// handleRequest implements §4.4's "Serving a request": locate a candidate
// holder for the chunk, validate it's still good, and answer with OFFER
// (the peer follows up with DOWNLOAD to actually pull the bytes) or
// ERROR if no candidate survives validation.
func (r *Responder) handleRequest(peerID string, body protocol.RequestBody) {
	if r.cas != nil {
		if data, err := r.cas.Get(body.ChunkHash); err == nil {
			r.mu.Lock()
			r.offers[body.RequestID] = &pendingOffer{peerID: peerID, hash: body.ChunkHash, casHash: body.ChunkHash, fromCAS: true, size: uint32(len(data)), createdAt: time.Now()}
			r.mu.Unlock()
			r.sendOffer(peerID, body.RequestID, uint32(len(data)))
			return
		}
	}

	locations, err := r.db.ResolveChunk(body.ChunkHash)
	if err != nil {
		r.log.Warn("serve: resolve chunk failed", "peer", peerID, "err", err)
		r.sendError(peerID, body.RequestID, swarmfs.KindFatal, "internal error")
		return
	}
	if len(locations) == 0 {
		r.sendError(peerID, body.RequestID, swarmfs.KindResourceNotFound, "chunk not held")
		return
	}

	for _, loc := range locations {
		if !r.validateLocation(loc, body.ChunkHash) {
			continue
		}
		r.mu.Lock()
		r.offers[body.RequestID] = &pendingOffer{
			peerID:    peerID,
			path:      loc.FilePath,
			offset:    loc.ChunkOffset,
			size:      loc.ChunkSize,
			hash:      body.ChunkHash,
			createdAt: time.Now(),
		}
		r.mu.Unlock()
		r.sendOffer(peerID, body.RequestID, loc.ChunkSize)
		return
	}

	r.sendError(peerID, body.RequestID, swarmfs.KindStale, "no surviving copy of this chunk")
}

// validateLocation checks loc's file still has the mtime it had when the
// chunk record was written; if it has changed, the chunk is rehashed from
// disk before being trusted (spec.md §4.4: validate mtime, rehash-or-skip).
func (r *Responder) validateLocation(loc store.ServeLocation, want swarmhash.Hash) bool {
	fi, err := os.Stat(loc.FilePath)
	if err != nil {
		return false
	}
	if fi.ModTime().Unix() == loc.ModifiedAt {
		return true
	}
	data, err := readChunkAt(loc.FilePath, loc.ChunkOffset, loc.ChunkSize)
	if err != nil {
		return false
	}
	return swarmhash.Sum(data) == want
}

func readChunkAt(path string, offset uint64, size uint32) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Responder) sendOffer(peerID string, requestID protocol.RequestID, size uint32) {
	payload, err := protocol.EncodeBody(protocol.OfferBody{RequestID: requestID, Size: size})
	if err != nil {
		return
	}
	raw, err := protocol.Encode(protocol.Frame{Type: protocol.TypeOffer, Payload: payload})
	if err != nil {
		return
	}
	r.dispatch.Enqueue(peerID, raw)
}

// handleDownload streams the bytes for a previously offered chunk once
// the peer accepts it.
func (r *Responder) handleDownload(peerID string, body protocol.DownloadBody) {
	r.mu.Lock()
	o, ok := r.offers[body.RequestID]
	if ok {
		delete(r.offers, body.RequestID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	var data []byte
	var err error
	if o.fromCAS {
		data, err = r.cas.Get(o.casHash)
	} else {
		data, err = readChunkAt(o.path, o.offset, o.size)
	}
	if err != nil {
		r.sendError(peerID, body.RequestID, swarmfs.KindStale, "chunk no longer readable")
		return
	}

	raw, err := protocol.Encode(protocol.Frame{
		Type:    protocol.TypeChunkData,
		Payload: protocol.EncodeBinaryPayload(protocol.BinaryPayload{RequestID: body.RequestID, Hash: o.hash, Data: data}),
	})
	if err != nil {
		return
	}
	r.dispatch.Enqueue(peerID, raw)
}

// handleSubtreeRequest answers a batched aligned-subtree transfer
// directly with SUBTREE_DATA, without an offer/accept round trip: the
// requester already committed to the whole window by sending SUBTREE_REQ
// (mirrored by pkg/session.sendSubtreeRequest's matching requester side).
func (r *Responder) handleSubtreeRequest(peerID string, body protocol.SubtreeRequestBody) {
	file, err := r.db.GetFileByRoot(body.MerkleRoot)
	if err != nil {
		r.sendError(peerID, body.RequestID, swarmfs.KindResourceNotFound, "file not held")
		return
	}
	chunks, err := r.db.ChunksForFile(file.ID)
	if err != nil {
		r.sendError(peerID, body.RequestID, swarmfs.KindFatal, "internal error")
		return
	}
	start, count := int(body.StartChunk), int(body.ChunkCount)
	if start < 0 || count <= 0 || start+count > len(chunks) {
		r.sendError(peerID, body.RequestID, swarmfs.KindInvalidArgument, "subtree window out of range")
		return
	}

	f, err := os.Open(file.Path)
	if err != nil {
		r.sendError(peerID, body.RequestID, swarmfs.KindStale, "file no longer readable")
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	staleCheck := err == nil && fi.ModTime().Unix() != file.ModifiedAt

	var out []byte
	for _, c := range chunks[start : start+count] {
		buf := make([]byte, c.Size)
		if _, err := f.ReadAt(buf, int64(c.Offset)); err != nil {
			r.sendError(peerID, body.RequestID, swarmfs.KindStale, "chunk no longer readable")
			return
		}
		if staleCheck && swarmhash.Sum(buf) != c.Hash {
			r.sendError(peerID, body.RequestID, swarmfs.KindStale, "chunk content changed on disk")
			return
		}
		out = append(out, buf...)
	}

	raw, err := protocol.Encode(protocol.Frame{
		Type:    protocol.TypeSubtreeData,
		Payload: protocol.EncodeBinaryPayload(protocol.BinaryPayload{RequestID: body.RequestID, Hash: body.MerkleRoot, Data: out}),
	})
	if err != nil {
		return
	}
	r.dispatch.Enqueue(peerID, raw)
}

func (r *Responder) handleFileListRequest(peerID string, body protocol.FileListRequestBody) {
	files, err := r.db.ListFilesByTopic(body.TopicKey)
	if err != nil {
		r.sendError(peerID, body.RequestID, swarmfs.KindFatal, "internal error")
		return
	}
	entries := make([]protocol.FileEntry, len(files))
	for i, rec := range files {
		entries[i] = protocol.FileEntry{MerkleRoot: rec.MerkleRoot, Path: rec.Path, Size: rec.FileSize}
	}
	payload, err := protocol.EncodeBody(protocol.FileListResponseBody{RequestID: body.RequestID, Files: entries})
	if err != nil {
		return
	}
	raw, err := protocol.Encode(protocol.Frame{Type: protocol.TypeFileListResponse, Payload: payload})
	if err != nil {
		return
	}
	r.dispatch.Enqueue(peerID, raw)
}

func (r *Responder) handleMetadataRequest(peerID string, body protocol.MetadataRequestBody) {
	file, err := r.db.GetFileByRoot(body.MerkleRoot)
	if err != nil {
		r.sendError(peerID, body.RequestID, swarmfs.KindResourceNotFound, "file not held")
		return
	}
	if file.ModifiedAt <= 0 {
		// still downloading ourselves: don't hand out a layout for a
		// file we can't yet serve any chunk of.
		r.sendError(peerID, body.RequestID, swarmfs.KindResourceNotFound, "file not yet complete")
		return
	}
	chunks, err := r.db.ChunksForFile(file.ID)
	if err != nil {
		r.sendError(peerID, body.RequestID, swarmfs.KindFatal, "internal error")
		return
	}
	entries := make([]protocol.ChunkLayoutEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = protocol.ChunkLayoutEntry{Index: c.Index, Hash: c.Hash, Offset: c.Offset, Size: c.Size}
	}
	payload, err := protocol.EncodeBody(protocol.MetadataResponseBody{
		RequestID:  body.RequestID,
		MerkleRoot: file.MerkleRoot,
		FileSize:   file.FileSize,
		ChunkSize:  file.ChunkSize,
		Chunks:     entries,
	})
	if err != nil {
		return
	}
	raw, err := protocol.Encode(protocol.Frame{Type: protocol.TypeMetadataResponse, Payload: payload})
	if err != nil {
		return
	}
	r.dispatch.Enqueue(peerID, raw)
}

// Close stops the responder's send-queue dispatcher.
func (r *Responder) Close() {
	if r.dispatch != nil {
		r.dispatch.Close()
	}
}
