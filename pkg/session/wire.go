package session

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	swarmfs "github.com/swarmfs/swarmfs"
	"github.com/swarmfs/swarmfs/pkg/bitfield"
	"github.com/swarmfs/swarmfs/pkg/peer"
	"github.com/swarmfs/swarmfs/pkg/protocol"
	"github.com/swarmfs/swarmfs/pkg/scheduler"
	"github.com/swarmfs/swarmfs/pkg/swarmtransport"
	"github.com/swarmfs/swarmfs/pkg/swarmtransport/noisepsk"
)

// subtreeRange computes the aligned [start, start+count) subtree window
// covering idx: the configured target chunk count, halved until its
// byte span fits the atomic-write cap, rounded down to a power of two,
// and clamped to 1 for tail chunks that don't fill a whole window
// (spec.md §4.5 Subtree sizing).
func (s *Session) subtreeRange(idx int) (start, count int) {
	target := s.cfg.SubtreeTargetChunks
	if target < 1 {
		target = 1
	}
	target = roundDownPow2(target)
	for target > 1 && uint64(target)*uint64(s.chunkSize) > uint64(s.cfg.AtomicWriteCap) {
		target /= 2
	}

	total := len(s.chunks)
	aligned := (idx / target) * target
	remaining := total - aligned
	if remaining < target {
		return idx, 1
	}

	// A subtree request spanning the whole file yields a trivially empty
	// proof (the requested node already is the root). Unless the caller
	// opted into that via AcceptEmptyProofs, split it so the response
	// carries at least one real proof step chaining up to the root.
	for aligned == 0 && target == total && target > 1 && !s.cfg.AcceptEmptyProofs {
		target /= 2
		aligned = (idx / target) * target
	}

	return aligned, target
}

func roundDownPow2(n int) int {
	if n < 1 {
		return 1
	}
	return 1 << uint(bits.Len(uint(n))-1)
}

func (s *Session) sendChunkRequest(idx int, peerID string) *protocol.RequestID {
	id := protocol.NewRequestID()
	body := protocol.RequestBody{RequestID: id, ChunkHash: s.chunks[idx].hash, TopicKey: s.topicKey[:]}
	payload, err := protocol.EncodeBody(body)
	if err != nil {
		return nil
	}
	raw, err := protocol.Encode(protocol.Frame{Type: protocol.TypeRequest, Payload: payload})
	if err != nil {
		return nil
	}

	s.mu.Lock()
	s.states[idx] = scheduler.Requested
	entry := &inFlightEntry{kind: kindChunk, chunks: []int{idx}, peerID: peerID, startedAt: time.Now(), endgame: s.endgame}
	entry.timer = time.AfterFunc(s.cfg.RequestTimeout, func() { s.onTimeout(id) })
	s.inFlight[id] = entry
	if s.endgame {
		if s.endgameRequests[idx] == nil {
			s.endgameRequests[idx] = make(map[protocol.RequestID]struct{})
		}
		s.endgameRequests[idx][id] = struct{}{}
	}
	s.mu.Unlock()

	s.dispatch.BeginRequest(id, body.ChunkHash, body.TopicKey)
	s.peers.BeginRequest(peerID)
	s.dispatch.Enqueue(peerID, raw)
	return &id
}

func (s *Session) sendSubtreeRequest(start, count int, peerID string) {
	id := protocol.NewRequestID()
	body := protocol.SubtreeRequestBody{RequestID: id, MerkleRoot: s.root, StartChunk: uint32(start), ChunkCount: uint32(count)}
	payload, err := protocol.EncodeBody(body)
	if err != nil {
		return
	}
	raw, err := protocol.Encode(protocol.Frame{Type: protocol.TypeSubtreeRequest, Payload: payload})
	if err != nil {
		return
	}

	chunks := make([]int, count)
	s.mu.Lock()
	for i := 0; i < count; i++ {
		chunks[i] = start + i
		s.states[start+i] = scheduler.Requested
	}
	entry := &inFlightEntry{kind: kindSubtree, chunks: chunks, peerID: peerID, startedAt: time.Now()}
	entry.timer = time.AfterFunc(s.cfg.RequestTimeout, func() { s.onTimeout(id) })
	s.inFlight[id] = entry
	s.mu.Unlock()

	s.dispatch.BeginSubtreeRequest(id, s.root, uint32(start), uint32(count))
	s.peers.BeginRequest(peerID)
	s.dispatch.Enqueue(peerID, raw)
}

func (s *Session) cancelWire(id protocol.RequestID, peerID string) {
	payload, err := protocol.EncodeBody(protocol.CancelBody{RequestID: id})
	if err != nil {
		return
	}
	raw, err := protocol.Encode(protocol.Frame{Type: protocol.TypeCancel, Payload: payload})
	if err != nil {
		return
	}
	s.dispatch.Enqueue(peerID, raw)
}

// onTimeout fires when a request's timer expires without a verified
// result. It is guarded against double decrement by removing the
// in-flight entry first: a result that arrives concurrently will find no
// entry and discard itself as late.
func (s *Session) onTimeout(id protocol.RequestID) {
	s.mu.Lock()
	entry, ok := s.inFlight[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.log.Debug("session: request timed out", "peer", entry.peerID,
		"err", swarmfs.NewTimeoutError("session: chunk request timed out", entry.peerID))
	delete(s.inFlight, id)
	for _, idx := range entry.chunks {
		if s.states[idx] != scheduler.Verified {
			s.states[idx] = scheduler.Missing
		}
	}
	if entry.kind == kindChunk && entry.endgame {
		delete(s.endgameRequests[entry.chunks[0]], id)
	}
	s.mu.Unlock()

	s.peers.EndRequest(entry.peerID)
	s.peers.RecordResult(entry.peerID, peer.OutcomeTimeout, 0)
	switch entry.kind {
	case kindChunk:
		s.dispatch.EndRequest(id)
		s.dispatch.EndDownload(id)
	case kindSubtree:
		s.dispatch.EndSubtreeRequest(id)
	}
}

func (s *Session) handlePeerConnected(conn swarmtransport.Conn, peerID string, topicKey [noisepsk.KeySize]byte) {
	if topicKey != s.topicKey {
		return
	}
	s.dispatch.RegisterPeer(peerID)
	if !s.isReady() {
		// The chunk layout isn't established yet (a METADATA_REQ/RESP
		// round trip is in flight, or about to start): Start backfills
		// peers.AddPeer/requestBitfield for every currently connected
		// peer once establishLayout returns.
		return
	}
	s.peers.AddPeer(peerID, s.cfg.MaxConcurrentRequestsPerPeer)
	s.requestBitfield(peerID)
}

func (s *Session) handlePeerDisconnected(peerID string, topicKey [noisepsk.KeySize]byte) {
	if topicKey != s.topicKey {
		return
	}
	s.dispatch.UnregisterPeer(peerID)
	if !s.isReady() {
		s.mu.Lock()
		delete(s.reassemblers, peerID)
		s.mu.Unlock()
		return
	}
	s.peers.RemovePeer(peerID)

	s.mu.Lock()
	for id, entry := range s.inFlight {
		if entry.peerID != peerID {
			continue
		}
		delete(s.inFlight, id)
		entry.timer.Stop()
		for _, idx := range entry.chunks {
			if s.states[idx] != scheduler.Verified {
				s.states[idx] = scheduler.Missing
			}
		}
		if entry.kind == kindChunk && entry.endgame {
			delete(s.endgameRequests[entry.chunks[0]], id)
		}
	}
	delete(s.reassemblers, peerID)
	s.mu.Unlock()
}

func (s *Session) requestBitfield(peerID string) {
	payload, err := protocol.EncodeBody(protocol.BitfieldRequestBody{MerkleRoot: s.root})
	if err != nil {
		return
	}
	raw, err := protocol.Encode(protocol.Frame{Type: protocol.TypeBitfieldRequest, Payload: payload})
	if err != nil {
		return
	}
	s.dispatch.Enqueue(peerID, raw)
}

func (s *Session) sendBitfield(peerID string) {
	s.mu.Lock()
	bf := s.bf.Clone()
	s.mu.Unlock()
	payload, err := protocol.EncodeBody(protocol.BitfieldBody{MerkleRoot: s.root, Size: bf.Size(), Bits: bf.EncodeBase64()})
	if err != nil {
		return
	}
	raw, err := protocol.Encode(protocol.Frame{Type: protocol.TypeBitfield, Payload: payload})
	if err != nil {
		return
	}
	s.dispatch.Enqueue(peerID, raw)
}

func (s *Session) handlePeerData(conn swarmtransport.Conn, peerID string, data []byte) {
	s.mu.Lock()
	r, ok := s.reassemblers[peerID]
	if !ok {
		r = protocol.NewReassembler()
		s.reassemblers[peerID] = r
	}
	s.mu.Unlock()

	frames, err := r.Feed(data)
	if err != nil {
		return
	}
	for _, f := range frames {
		s.handleFrame(peerID, f)
	}
}

func (s *Session) handleFrame(peerID string, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeOffer:
		var body protocol.OfferBody
		if protocol.DecodeBody(f.Payload, &body) != nil {
			return
		}
		if entry, ok := s.dispatch.RecordOffer(body.RequestID); ok {
			s.dispatch.BeginDownload(body.RequestID, entry.ChunkHash, peerID, body.Size)
			payload, err := protocol.EncodeBody(protocol.DownloadBody{RequestID: body.RequestID})
			if err != nil {
				return
			}
			raw, err := protocol.Encode(protocol.Frame{Type: protocol.TypeDownload, Payload: payload})
			if err != nil {
				return
			}
			s.dispatch.Enqueue(peerID, raw)
		}

	case protocol.TypeChunkData:
		payload, err := protocol.DecodeBinaryPayload(f.Payload)
		if err != nil {
			return
		}
		s.handleChunkData(payload, peerID)

	case protocol.TypeSubtreeData:
		payload, err := protocol.DecodeBinaryPayload(f.Payload)
		if err != nil {
			return
		}
		s.handleSubtreeData(payload, peerID)

	case protocol.TypeError:
		var body protocol.ErrorBody
		if protocol.DecodeBody(f.Payload, &body) != nil {
			return
		}
		s.handleRequestFailure(body, peerID)

	case protocol.TypeHave:
		var body protocol.HaveBody
		if protocol.DecodeBody(f.Payload, &body) != nil {
			return
		}
		if body.MerkleRoot == s.root && s.isReady() {
			s.peers.MarkHave(peerID, int(body.ChunkIndex))
		}

	case protocol.TypeBitfield:
		var body protocol.BitfieldBody
		if protocol.DecodeBody(f.Payload, &body) != nil {
			return
		}
		if body.MerkleRoot != s.root || !s.isReady() {
			return
		}
		remote, err := decodeHaveList(body.Size, body.Bits)
		if err != nil {
			return
		}
		s.peers.SetBitfield(peerID, remote)

	case protocol.TypeBitfieldRequest:
		var body protocol.BitfieldRequestBody
		if protocol.DecodeBody(f.Payload, &body) != nil {
			return
		}
		if body.MerkleRoot == s.root && s.isReady() {
			s.sendBitfield(peerID)
		}

	case protocol.TypeMetadataResponse:
		var body protocol.MetadataResponseBody
		if protocol.DecodeBody(f.Payload, &body) != nil {
			return
		}
		s.mu.Lock()
		ch, ok := s.pendingMetadata[body.RequestID]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- body:
			default:
			}
		}
	}
}

// requestFailureError translates a peer's ERROR.code into the local *Error
// Kind it corresponds to, so a remote Stale/Overflow/NotFound answer is
// observable through the same swarmfs.IsKind/IsRetryable classifiers a
// locally-detected failure would be.
func requestFailureError(body protocol.ErrorBody, peerID string) error {
	switch body.Code {
	case "STALE":
		return swarmfs.NewStaleError(body.Reason)
	case "RESOURCE_NOT_FOUND":
		return swarmfs.NewResourceNotFoundError(body.Reason)
	case "OVERFLOW":
		return swarmfs.NewOverflowError(body.Reason)
	case "INTEGRITY":
		return swarmfs.NewIntegrityError(body.Reason, peerID, nil)
	default:
		return swarmfs.NewTransportError(fmt.Sprintf("session: peer %s reported %s", peerID, body.Code), peerID, errors.New(body.Reason))
	}
}

func (s *Session) handleRequestFailure(body protocol.ErrorBody, peerID string) {
	id := body.RequestID
	s.log.Warn("session: peer reported error", "peer", peerID, "err", requestFailureError(body, peerID))

	s.mu.Lock()
	entry, ok := s.inFlight[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inFlight, id)
	entry.timer.Stop()
	for _, idx := range entry.chunks {
		if s.states[idx] != scheduler.Verified {
			s.states[idx] = scheduler.Missing
			s.retries[idx]++
		}
	}
	if entry.kind == kindChunk && entry.endgame {
		delete(s.endgameRequests[entry.chunks[0]], id)
	}
	s.mu.Unlock()

	// Peer accounting targets entry.peerID, the peer the request was
	// actually issued to, not the frame sender: an ERROR frame naming a
	// stale or forged request_id could otherwise arrive from a
	// different connected peer and skew the wrong peer's stats.
	s.peers.EndRequest(entry.peerID)
	s.peers.RecordResult(entry.peerID, peer.OutcomeFailure, 0)
	switch entry.kind {
	case kindChunk:
		s.dispatch.EndRequest(id)
		s.dispatch.EndDownload(id)
	case kindSubtree:
		s.dispatch.EndSubtreeRequest(id)
	}
}

func decodeHaveList(size int, encoded string) ([]int, error) {
	bf, err := bitfield.DecodeBase64(size, encoded)
	if err != nil {
		return nil, err
	}
	var have []int
	for i := 0; i < size; i++ {
		if bf.Test(i) {
			have = append(have, i)
		}
	}
	return have, nil
}
