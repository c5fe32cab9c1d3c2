package session

import (
	"fmt"
	"math/bits"
	"os"
	"time"

	swarmfs "github.com/swarmfs/swarmfs"
	"github.com/swarmfs/swarmfs/pkg/merkle"
	"github.com/swarmfs/swarmfs/pkg/peer"
	"github.com/swarmfs/swarmfs/pkg/protocol"
	"github.com/swarmfs/swarmfs/pkg/scheduler"
	"github.com/swarmfs/swarmfs/pkg/swarmhash"
)

func (s *Session) openAndPreallocate() error {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return swarmfs.NewFatalError(fmt.Sprintf("session: open %s", s.path), err)
	}
	if err := f.Truncate(int64(s.fileSize)); err != nil {
		f.Close()
		return swarmfs.NewFatalError(fmt.Sprintf("session: preallocate %s", s.path), err)
	}
	s.file = f
	return nil
}

// resumeRehash rehashes every chunk range against the file already on
// disk. A chunk whose on-disk bytes already hash to the expected value
// transitions MISSING -> VERIFIED and its bitfield bit is set, so a
// previously interrupted download picks up where it left off without
// refetching anything it already has (spec.md §4.5 resume path). A fresh
// sparse file's zero-filled chunks simply fail to match and stay
// MISSING, so the same pass works for a brand new download too.
func (s *Session) resumeRehash() error {
	buf := make([]byte, s.chunkSize)
	for i, c := range s.chunks {
		n, err := s.file.ReadAt(buf[:c.size], int64(c.offset))
		if err != nil && n != int(c.size) {
			continue
		}
		if swarmhash.Sum(buf[:c.size]) == c.hash {
			s.states[i] = scheduler.Verified
			s.bf.Set(i)
			s.verified++
			s.bytesDownloaded += uint64(c.size)
		}
	}
	return nil
}

func (s *Session) handleChunkData(payload protocol.BinaryPayload, peerID string) {
	s.mu.Lock()
	entry, ok := s.inFlight[payload.RequestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	idx := entry.chunks[0]
	if s.states[idx] == scheduler.Verified {
		// late duplicate delivered after this chunk already verified
		// (common in endgame): discard.
		delete(s.inFlight, payload.RequestID)
		s.mu.Unlock()
		entry.timer.Stop()
		s.dispatch.EndDownload(payload.RequestID)
		s.dispatch.EndRequest(payload.RequestID)
		s.peers.EndRequest(entry.peerID)
		return
	}
	expected := s.chunks[idx].hash
	s.mu.Unlock()

	if swarmhash.Sum(payload.Data) != expected {
		s.failChunks(payload.RequestID, []int{idx}, peerID,
			swarmfs.NewIntegrityError(fmt.Sprintf("session: chunk %d hash mismatch", idx), peerID, nil))
		return
	}

	if uint64(len(payload.Data)) != uint64(s.chunks[idx].size) || s.chunks[idx].offset+uint64(len(payload.Data)) > s.fileSize {
		s.failChunks(payload.RequestID, []int{idx}, peerID,
			swarmfs.NewOverflowError(fmt.Sprintf("session: chunk %d response size out of bounds from %s", idx, peerID)))
		return
	}

	if _, err := s.file.WriteAt(payload.Data, int64(s.chunks[idx].offset)); err != nil {
		s.failChunks(payload.RequestID, []int{idx}, peerID,
			swarmfs.NewFatalError(fmt.Sprintf("session: write chunk %d", idx), err))
		return
	}

	s.completeChunks(payload.RequestID, []int{idx}, peerID, entry, len(payload.Data))
}

func (s *Session) handleSubtreeData(payload protocol.BinaryPayload, peerID string) {
	s.mu.Lock()
	entry, ok := s.inFlight[payload.RequestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	idxs := append([]int{}, entry.chunks...)
	s.mu.Unlock()

	var wantSize uint64
	for _, idx := range idxs {
		wantSize += uint64(s.chunks[idx].size)
	}
	if uint64(len(payload.Data)) != wantSize {
		s.failChunks(payload.RequestID, idxs, peerID,
			swarmfs.NewOverflowError(fmt.Sprintf("session: subtree response size out of bounds from %s", peerID)))
		return
	}

	subHashes := make([]swarmhash.Hash, len(idxs))
	var off uint64
	for i, idx := range idxs {
		c := s.chunks[idx]
		chunkBytes := payload.Data[off : off+uint64(c.size)]
		off += uint64(c.size)
		subHashes[i] = swarmhash.Sum(chunkBytes)
		if subHashes[i] != c.hash {
			s.failChunks(payload.RequestID, idxs, peerID,
				swarmfs.NewIntegrityError(fmt.Sprintf("session: subtree chunk %d hash mismatch", idx), peerID, nil))
			return
		}
	}

	subRoot, err := merkle.RootOf(subHashes)
	if err != nil {
		s.failChunks(payload.RequestID, idxs, peerID,
			swarmfs.NewIntegrityError("session: subtree root derivation failed", peerID, err))
		return
	}
	level := bits.Len(uint(len(idxs))) - 1
	index := idxs[0] / len(idxs)
	proof, err := s.tree.SubtreeProof(level, index)
	if err != nil || !merkle.VerifySubtreeProof(subRoot, proof, s.root) {
		s.failChunks(payload.RequestID, idxs, peerID,
			swarmfs.NewIntegrityError("session: subtree proof verification failed", peerID, err))
		return
	}

	off = 0
	for _, idx := range idxs {
		c := s.chunks[idx]
		if _, err := s.file.WriteAt(payload.Data[off:off+uint64(c.size)], int64(c.offset)); err != nil {
			s.failChunks(payload.RequestID, idxs, peerID,
				swarmfs.NewFatalError(fmt.Sprintf("session: write subtree chunk %d", idx), err))
			return
		}
		off += uint64(c.size)
	}

	s.completeChunks(payload.RequestID, idxs, peerID, entry, len(payload.Data))
}

// failChunks reverts idxs to MISSING so the scheduler reissues them, and
// logs cause (always a *swarmfs.Error, carrying the Kind a caller watching
// session-level logs needs to distinguish a hash mismatch from a timeout
// or a bounds violation).
func (s *Session) failChunks(id protocol.RequestID, idxs []int, peerID string, cause error) {
	s.log.Warn("session: chunk request failed", "peer", peerID, "err", cause)

	s.mu.Lock()
	entry, ok := s.inFlight[id]
	if ok {
		delete(s.inFlight, id)
		entry.timer.Stop()
	}
	for _, idx := range idxs {
		if s.states[idx] != scheduler.Verified {
			s.retries[idx]++
			s.states[idx] = scheduler.Missing
		}
	}
	s.mu.Unlock()

	// Charge the peer the request was issued to (entry.peerID), not
	// whichever peer this frame arrived from, so a frame referencing a
	// stale or foreign request_id can't skew an uninvolved peer's stats
	// or leak the real responder's in-flight slot.
	acctPeer := peerID
	if ok {
		acctPeer = entry.peerID
	}
	s.peers.EndRequest(acctPeer)
	s.peers.RecordResult(acctPeer, peer.OutcomeFailure, 0)
	if ok {
		switch entry.kind {
		case kindChunk:
			s.dispatch.EndRequest(id)
			s.dispatch.EndDownload(id)
		case kindSubtree:
			s.dispatch.EndSubtreeRequest(id)
		}
	}
}

func (s *Session) completeChunks(id protocol.RequestID, idxs []int, peerID string, entry *inFlightEntry, n int) {
	elapsed := time.Since(entry.startedAt).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	speedMiBps := float64(n) / (1024 * 1024) / elapsed

	s.mu.Lock()
	delete(s.inFlight, id)
	for _, idx := range idxs {
		s.states[idx] = scheduler.Verified
		s.bf.Set(idx)
		s.verified++
		s.bytesDownloaded += uint64(s.chunks[idx].size)
	}
	var duplicates []protocol.RequestID
	if entry.kind == kindChunk {
		idx := idxs[0]
		for dupID := range s.endgameRequests[idx] {
			if dupID != id {
				duplicates = append(duplicates, dupID)
			}
		}
		delete(s.endgameRequests, idx)
	}
	progress := Progress{Verified: s.verified, Total: len(s.chunks), BytesDownloaded: s.bytesDownloaded, FileSize: s.fileSize}
	s.mu.Unlock()

	// entry.peerID, not the frame sender's peerID, identifies who this
	// request was actually issued to (see failChunks).
	s.peers.EndRequest(entry.peerID)
	s.peers.RecordResult(entry.peerID, peer.OutcomeSuccess, speedMiBps)
	switch entry.kind {
	case kindChunk:
		s.dispatch.EndDownload(id)
		s.dispatch.EndRequest(id)
	case kindSubtree:
		s.dispatch.EndSubtreeRequest(id)
	}

	for _, dupID := range duplicates {
		s.mu.Lock()
		dupEntry, ok := s.inFlight[dupID]
		if ok {
			delete(s.inFlight, dupID)
			dupEntry.timer.Stop()
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		s.peers.EndRequest(dupEntry.peerID)
		s.dispatch.EndRequest(dupID)
		s.dispatch.EndDownload(dupID)
		s.cancelWire(dupID, dupEntry.peerID)
	}

	s.saveIncomplete()

	if s.onProgress != nil {
		s.onProgress(progress)
	}
}

// finalize runs the §4.5 finalization sequence once every chunk has
// verified: fsync and close the output file, recompute the whole-file
// Merkle root from disk, and mark the session's outcome.
func (s *Session) finalize() {
	s.mu.Lock()
	for id, e := range s.inFlight {
		e.timer.Stop()
		delete(s.inFlight, id)
	}
	s.mu.Unlock()

	var finalErr error
	if err := s.file.Sync(); err != nil {
		finalErr = swarmfs.NewFatalError("session: fsync", err)
	}
	if err := s.file.Close(); err != nil && finalErr == nil {
		finalErr = swarmfs.NewFatalError("session: close", err)
	}

	if finalErr == nil {
		root, err := s.recomputeRoot()
		if err != nil {
			finalErr = err
		} else if root != s.root {
			mismatch := s.findFirstChunkMismatch()
			finalErr = swarmfs.NewIntegrityError(fmt.Sprintf("session: finalize: root mismatch after download, first bad chunk %d", mismatch), "", nil)
		}
	}

	if finalErr == nil {
		if err := s.markComplete(); err != nil {
			finalErr = fmt.Errorf("session: mark complete: %w", err)
		}
	}

	if finalErr != nil {
		s.log.Error("session: finalize failed", "path", s.path, "err", finalErr)
	} else {
		s.log.Info("session: finalize complete", "path", s.path, "size", s.fileSize)
	}

	s.doneErr = finalErr
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *Session) recomputeRoot() (swarmhash.Hash, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return swarmhash.Hash{}, swarmfs.NewFatalError("session: reopen for root check", err)
	}
	defer f.Close()

	hashes := make([]swarmhash.Hash, len(s.chunks))
	buf := make([]byte, s.chunkSize)
	for i, c := range s.chunks {
		if _, err := f.ReadAt(buf[:c.size], int64(c.offset)); err != nil {
			return swarmhash.Hash{}, swarmfs.NewFatalError(fmt.Sprintf("session: read chunk %d for root check", i), err)
		}
		hashes[i] = swarmhash.Sum(buf[:c.size])
	}
	return merkle.RootOf(hashes)
}

// findFirstChunkMismatch linearly scans the on-disk file against the
// expected per-chunk hashes, returning the first disagreeing chunk index
// (or -1 if every chunk actually matches, meaning the corruption is
// structural rather than per-chunk). Used only as an operator diagnostic
// once finalization's whole-file root check has already failed.
func (s *Session) findFirstChunkMismatch() int {
	f, err := os.Open(s.path)
	if err != nil {
		return -1
	}
	defer f.Close()

	buf := make([]byte, s.chunkSize)
	for i, c := range s.chunks {
		if _, err := f.ReadAt(buf[:c.size], int64(c.offset)); err != nil {
			return i
		}
		if swarmhash.Sum(buf[:c.size]) != c.hash {
			return i
		}
	}
	return -1
}
