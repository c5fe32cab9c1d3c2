package session

import (
	"time"

	"github.com/swarmfs/swarmfs/pkg/store"
)

// registerFile upserts the file's metadata row and chunk layout and
// records an incomplete-download entry so the file is resumable if the
// process dies mid-download. A Session constructed without a Store (as
// in tests that only exercise the wire protocol) skips persistence
// entirely.
func (s *Session) registerFile() error {
	if s.db == nil {
		return nil
	}

	rec := &store.FileRecord{
		Path:       s.path,
		MerkleRoot: s.root,
		FileSize:   s.fileSize,
		ChunkSize:  s.chunkSize,
		ChunkCount: uint32(len(s.chunks)),
	}
	id, err := s.db.UpsertFile(rec)
	if err != nil {
		return err
	}
	s.fileID = id

	chunks := make([]store.ChunkRecord, len(s.chunks))
	for i, c := range s.chunks {
		chunks[i] = store.ChunkRecord{Index: uint32(i), Hash: c.hash, Offset: c.offset, Size: c.size}
	}
	if err := s.db.InsertChunks(id, chunks); err != nil {
		return err
	}

	return s.saveIncomplete()
}

// saveIncomplete snapshots the current bitfield into the incomplete
// registry so a later resume (openAndPreallocate + resumeRehash) knows
// the file is mid-download and which topic to rejoin.
func (s *Session) saveIncomplete() error {
	if s.db == nil {
		return nil
	}
	s.mu.Lock()
	bits := s.bf.Bytes()
	size := s.bf.Size()
	s.mu.Unlock()

	return s.db.PutIncomplete(&store.IncompleteRecord{
		FileID:       s.fileID,
		MerkleRoot:   s.root,
		Bitfield:     bits,
		BitfieldSize: size,
		StartedAt:    time.Now().Unix(),
		TopicKey:     s.topicKey[:],
	})
}

// markComplete flips the file record's ModifiedAt to now, making it
// eligible to be served, and clears the incomplete-download entry. Called
// only after finalize has verified the whole-file root.
func (s *Session) markComplete() error {
	if s.db == nil {
		return nil
	}
	rec, err := s.db.GetFileByID(s.fileID)
	if err != nil {
		return err
	}
	rec.ModifiedAt = time.Now().Unix()
	if _, err := s.db.UpsertFile(rec); err != nil {
		return err
	}
	return s.db.DeleteIncomplete(s.fileID)
}
