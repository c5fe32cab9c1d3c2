// Package store is the durable metadata engine behind a swarmfs node: file
// records, per-file chunk layout, topic membership, inbound shares, and
// the incomplete-download registry. It is backed by bbolt, a single-file
// embedded KV store, following the bucket-per-entity layout the rest of
// the pack uses for its own persistence layers.
package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	swarmfs "github.com/swarmfs/swarmfs"
	"github.com/swarmfs/swarmfs/pkg/swarmhash"
)

var (
	bucketFiles        = []byte("files")         // file_id -> cbor(FileRecord)
	bucketFilesByRoot  = []byte("files_by_root")  // merkle_root -> file_id
	bucketFilesByPath  = []byte("files_by_path")  // path -> file_id
	bucketChunksPrefix = []byte("chunks/")        // chunks/<file_id> -> bucket of index -> cbor(ChunkRecord)
	bucketTopics       = []byte("topics")         // topic_key -> cbor(TopicRecord)
	bucketShares       = []byte("shares")         // file_id -> cbor(ShareRecord)
	bucketIncomplete   = []byte("incomplete")     // file_id -> cbor(IncompleteRecord)
	bucketMeta         = []byte("meta")           // next_file_id counter, etc.
)

// K is the maximum number of candidate serve locations ResolveChunk
// returns for a given chunk hash.
const K = 8

// FileRecord is the canonical record for one tracked file.
type FileRecord struct {
	ID         uint64        `cbor:"id"`
	Path       string        `cbor:"path"`
	MerkleRoot swarmhash.Hash `cbor:"merkle_root"`
	FileSize   uint64        `cbor:"file_size"`
	ChunkSize  uint32        `cbor:"chunk_size"`
	ChunkCount uint32        `cbor:"chunk_count"`
	ModifiedAt int64         `cbor:"modified_at"` // 0 while still downloading
}

// ChunkRecord describes one chunk's position within its file.
type ChunkRecord struct {
	Index  uint32         `cbor:"index"`
	Hash   swarmhash.Hash `cbor:"hash"`
	Offset uint64         `cbor:"offset"`
	Size   uint32         `cbor:"size"`
}

// TopicRecord tracks a swarm topic's membership state.
type TopicRecord struct {
	Key      []byte `cbor:"key"` // 32-byte topic key
	Name     string `cbor:"name"`
	AutoJoin bool   `cbor:"auto_join"`
	JoinedAt int64  `cbor:"joined_at"`
}

// ShareRecord tracks which files are offered into which topics.
type ShareRecord struct {
	FileID uint64   `cbor:"file_id"`
	Topics [][]byte `cbor:"topics"`
}

// IncompleteRecord tracks an in-progress download's resumption state.
type IncompleteRecord struct {
	FileID       uint64   `cbor:"file_id"`
	MerkleRoot   swarmhash.Hash `cbor:"merkle_root"`
	Bitfield     []byte   `cbor:"bitfield"`
	BitfieldSize int      `cbor:"bitfield_size"`
	StartedAt    int64    `cbor:"started_at"`
	TopicKey     []byte   `cbor:"topic_key"`
}

// ServeLocation is a resolved answer to "where can this chunk be read
// from".
type ServeLocation struct {
	FileID     uint64
	FilePath   string
	MerkleRoot swarmhash.Hash
	ModifiedAt int64
	ChunkIndex uint32
	ChunkOffset uint64
	ChunkSize  uint32
}

// Stats summarizes store contents for the IPC node.status call.
type Stats struct {
	FileCount  int
	TopicCount int
	TotalBytes uint64
}

// Store is the metadata engine. It is safe for concurrent use; bbolt
// serializes writers internally and allows concurrent readers.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and
// ensures every top-level bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, swarmfs.NewFatalError(fmt.Sprintf("store: open %s", path), err)
	}
	s := &Store{db: db}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketFiles, bucketFilesByRoot, bucketFilesByPath, bucketTopics, bucketShares, bucketIncomplete, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, swarmfs.NewFatalError(fmt.Sprintf("store: init buckets at %s", path), err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func chunksBucketName(fileID uint64) []byte {
	name := make([]byte, len(bucketChunksPrefix)+8)
	copy(name, bucketChunksPrefix)
	binary.BigEndian.PutUint64(name[len(bucketChunksPrefix):], fileID)
	return name
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// UpsertFile inserts a new file record, or updates the existing one for
// the same path, returning the assigned file ID.
func (s *Store) UpsertFile(rec *FileRecord) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		byPath := tx.Bucket(bucketFilesByPath)
		byRoot := tx.Bucket(bucketFilesByRoot)

		if existing := byPath.Get([]byte(rec.Path)); existing != nil {
			id = decodeUint64(existing)
		} else {
			seq, err := files.NextSequence()
			if err != nil {
				return err
			}
			id = seq
		}
		rec.ID = id

		buf, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode file record: %w", err)
		}
		if err := files.Put(encodeUint64(id), buf); err != nil {
			return err
		}
		if err := byPath.Put([]byte(rec.Path), encodeUint64(id)); err != nil {
			return err
		}
		if !rec.MerkleRoot.IsZero() {
			if err := byRoot.Put(rec.MerkleRoot.Bytes(), encodeUint64(id)); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

// GetFileByPath looks up a file record by its path.
func (s *Store) GetFileByPath(path string) (*FileRecord, error) {
	var rec *FileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		idBytes := tx.Bucket(bucketFilesByPath).Get([]byte(path))
		if idBytes == nil {
			return nil
		}
		r, err := getFileRecord(tx, decodeUint64(idBytes))
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, swarmfs.NewResourceNotFoundError(fmt.Sprintf("store: no file at path %q", path))
	}
	return rec, nil
}

// GetFileByID looks up a file record by its numeric ID.
func (s *Store) GetFileByID(id uint64) (*FileRecord, error) {
	var rec *FileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		r, err := getFileRecord(tx, id)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}

// GetFileByRoot looks up a file record by its Merkle root.
func (s *Store) GetFileByRoot(root swarmhash.Hash) (*FileRecord, error) {
	var rec *FileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		idBytes := tx.Bucket(bucketFilesByRoot).Get(root.Bytes())
		if idBytes == nil {
			return nil
		}
		r, err := getFileRecord(tx, decodeUint64(idBytes))
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, swarmfs.NewResourceNotFoundError(fmt.Sprintf("store: no file with root %x", root))
	}
	return rec, nil
}

func getFileRecord(tx *bbolt.Tx, id uint64) (*FileRecord, error) {
	buf := tx.Bucket(bucketFiles).Get(encodeUint64(id))
	if buf == nil {
		return nil, swarmfs.NewResourceNotFoundError(fmt.Sprintf("store: no file with id %d", id))
	}
	var rec FileRecord
	if err := cbor.Unmarshal(buf, &rec); err != nil {
		return nil, fmt.Errorf("decode file record: %w", err)
	}
	return &rec, nil
}

// InsertChunks replaces the full chunk layout for fileID in a single
// transaction: either every chunk record is written or none are. Offsets
// must be strictly increasing and the chunks contiguous 0..count-1,
// matching the store invariant.
func (s *Store) InsertChunks(fileID uint64, chunks []ChunkRecord) error {
	if err := validateContiguous(chunks); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		name := chunksBucketName(fileID)
		if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			buf, err := cbor.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode chunk record: %w", err)
			}
			key := make([]byte, 4)
			binary.BigEndian.PutUint32(key, c.Index)
			if err := bucket.Put(key, buf); err != nil {
				return err
			}
		}
		return nil
	})
}

func validateContiguous(chunks []ChunkRecord) error {
	sorted := append([]ChunkRecord{}, chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	var wantOffset uint64
	for i, c := range sorted {
		if uint32(i) != c.Index {
			return fmt.Errorf("store: chunk index %d out of contiguous order (expected %d)", c.Index, i)
		}
		if c.Offset != wantOffset {
			return fmt.Errorf("store: chunk %d offset %d does not continue from previous chunk end %d", c.Index, c.Offset, wantOffset)
		}
		wantOffset += uint64(c.Size)
	}
	return nil
}

// ChunksForFile returns the full, ordered chunk layout for a file.
func (s *Store) ChunksForFile(fileID uint64) ([]ChunkRecord, error) {
	var out []ChunkRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(chunksBucketName(fileID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var c ChunkRecord
			if err := cbor.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decode chunk record: %w", err)
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// ResolveChunk returns up to K serve locations for a chunk hash, ordered
// by modified_at descending, restricted to files that have finished
// downloading (modified_at > 0).
func (s *Store) ResolveChunk(hash swarmhash.Hash) ([]ServeLocation, error) {
	return s.resolveChunk(hash, false)
}

// ResolveChunkForWrite is like ResolveChunk but additionally includes
// in-progress files (modified_at == 0), for write-path deduplication
// against content already partially on disk.
func (s *Store) ResolveChunkForWrite(hash swarmhash.Hash) ([]ServeLocation, error) {
	return s.resolveChunk(hash, true)
}

func (s *Store) resolveChunk(hash swarmhash.Hash, includeInProgress bool) ([]ServeLocation, error) {
	var candidates []ServeLocation
	err := s.db.View(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		return files.ForEach(func(k, v []byte) error {
			var rec FileRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode file record: %w", err)
			}
			if rec.ModifiedAt <= 0 && !includeInProgress {
				return nil
			}
			bucket := tx.Bucket(chunksBucketName(rec.ID))
			if bucket == nil {
				return nil
			}
			return bucket.ForEach(func(_, cv []byte) error {
				var c ChunkRecord
				if err := cbor.Unmarshal(cv, &c); err != nil {
					return fmt.Errorf("decode chunk record: %w", err)
				}
				if c.Hash != hash {
					return nil
				}
				candidates = append(candidates, ServeLocation{
					FileID:      rec.ID,
					FilePath:    rec.Path,
					MerkleRoot:  rec.MerkleRoot,
					ModifiedAt:  rec.ModifiedAt,
					ChunkIndex:  c.Index,
					ChunkOffset: c.Offset,
					ChunkSize:   c.Size,
				})
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ModifiedAt > candidates[j].ModifiedAt })
	if len(candidates) > K {
		candidates = candidates[:K]
	}
	return candidates, nil
}

// PutTopic upserts a topic record.
func (s *Store) PutTopic(rec *TopicRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buf, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode topic record: %w", err)
		}
		return tx.Bucket(bucketTopics).Put(rec.Key, buf)
	})
}

// GetTopic retrieves a topic record by key.
func (s *Store) GetTopic(key []byte) (*TopicRecord, error) {
	var rec *TopicRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(bucketTopics).Get(key)
		if buf == nil {
			return nil
		}
		var r TopicRecord
		if err := cbor.Unmarshal(buf, &r); err != nil {
			return fmt.Errorf("decode topic record: %w", err)
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, swarmfs.NewResourceNotFoundError(fmt.Sprintf("store: no topic %x", key))
	}
	return rec, nil
}

// DeleteTopic removes a topic record.
func (s *Store) DeleteTopic(key []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTopics).Delete(key)
	})
}

// ListTopics returns every tracked topic.
func (s *Store) ListTopics() ([]TopicRecord, error) {
	var out []TopicRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTopics).ForEach(func(_, v []byte) error {
			var r TopicRecord
			if err := cbor.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode topic record: %w", err)
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// SetAutoJoin bulk-toggles the auto-join flag across every tracked topic.
func (s *Store) SetAutoJoin(enabled bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTopics)
		return bucket.ForEach(func(k, v []byte) error {
			var r TopicRecord
			if err := cbor.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode topic record: %w", err)
			}
			r.AutoJoin = enabled
			buf, err := cbor.Marshal(&r)
			if err != nil {
				return err
			}
			return bucket.Put(k, buf)
		})
	})
}

// PutIncomplete upserts an incomplete-download registry entry.
func (s *Store) PutIncomplete(rec *IncompleteRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buf, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode incomplete record: %w", err)
		}
		return tx.Bucket(bucketIncomplete).Put(encodeUint64(rec.FileID), buf)
	})
}

// GetIncomplete retrieves an incomplete-download registry entry.
func (s *Store) GetIncomplete(fileID uint64) (*IncompleteRecord, error) {
	var rec *IncompleteRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(bucketIncomplete).Get(encodeUint64(fileID))
		if buf == nil {
			return nil
		}
		var r IncompleteRecord
		if err := cbor.Unmarshal(buf, &r); err != nil {
			return fmt.Errorf("decode incomplete record: %w", err)
		}
		rec = &r
		return nil
	})
	return rec, err
}

// DeleteIncomplete removes an incomplete-download registry entry,
// typically once the download finalizes.
func (s *Store) DeleteIncomplete(fileID uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIncomplete).Delete(encodeUint64(fileID))
	})
}

// ListIncomplete returns every tracked incomplete download, used on
// startup to resume sessions.
func (s *Store) ListIncomplete() ([]IncompleteRecord, error) {
	var out []IncompleteRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIncomplete).ForEach(func(_, v []byte) error {
			var r IncompleteRecord
			if err := cbor.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode incomplete record: %w", err)
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// PutShare upserts a file's topic-sharing record.
func (s *Store) PutShare(rec *ShareRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buf, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode share record: %w", err)
		}
		return tx.Bucket(bucketShares).Put(encodeUint64(rec.FileID), buf)
	})
}

// GetShare retrieves a file's topic-sharing record.
func (s *Store) GetShare(fileID uint64) (*ShareRecord, error) {
	var rec *ShareRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(bucketShares).Get(encodeUint64(fileID))
		if buf == nil {
			return nil
		}
		var r ShareRecord
		if err := cbor.Unmarshal(buf, &r); err != nil {
			return fmt.Errorf("decode share record: %w", err)
		}
		rec = &r
		return nil
	})
	return rec, err
}

// ListFilesByTopic returns every finished file record shared into
// topicKey, for answering a FILE_LIST_REQ.
func (s *Store) ListFilesByTopic(topicKey []byte) ([]FileRecord, error) {
	var out []FileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		shares := tx.Bucket(bucketShares)
		return shares.ForEach(func(k, v []byte) error {
			var rec ShareRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode share record: %w", err)
			}
			shared := false
			for _, t := range rec.Topics {
				if string(t) == string(topicKey) {
					shared = true
					break
				}
			}
			if !shared {
				return nil
			}
			file, err := getFileRecord(tx, rec.FileID)
			if err != nil {
				if swarmfs.IsKind(err, swarmfs.KindResourceNotFound) {
					return nil
				}
				return err
			}
			if file.ModifiedAt <= 0 {
				return nil // still downloading, not yet serveable
			}
			out = append(out, *file)
			return nil
		})
	})
	return out, err
}

// Vacuum reclaims space left by overwritten and deleted records by
// copying every bucket into a fresh file and swapping it in for the
// original, the same compaction strategy bbolt's own "compact" command
// uses. Callers must not run Vacuum concurrently with other Store
// operations; the incomplete-download sweep and session writers should
// be quiesced first.
func (s *Store) Vacuum(dbPath string) error {
	tmpPath := dbPath + ".compact"
	dst, err := bbolt.Open(tmpPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return swarmfs.NewFatalError(fmt.Sprintf("store: vacuum: open %s", tmpPath), err)
	}

	copyErr := s.db.View(func(srcTx *bbolt.Tx) error {
		return dst.Update(func(dstTx *bbolt.Tx) error {
			return srcTx.ForEach(func(name []byte, srcBucket *bbolt.Bucket) error {
				dstBucket, err := dstTx.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				dstBucket.FillPercent = 0.9
				return srcBucket.ForEach(func(k, v []byte) error {
					return dstBucket.Put(append([]byte{}, k...), append([]byte{}, v...))
				})
			})
		})
	})
	if copyErr != nil {
		dst.Close()
		os.Remove(tmpPath)
		return swarmfs.NewFatalError("store: vacuum: copy buckets", copyErr)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return swarmfs.NewFatalError("store: vacuum: close compacted db", err)
	}
	if err := s.db.Close(); err != nil {
		return swarmfs.NewFatalError("store: vacuum: close original db", err)
	}
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return swarmfs.NewFatalError("store: vacuum: replace original db", err)
	}

	reopened, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return swarmfs.NewFatalError("store: vacuum: reopen compacted db", err)
	}
	s.db = reopened
	return nil
}

// Stats reports a summary of everything currently tracked by the store.
func (s *Store) Stats() (*Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		return files.ForEach(func(_, v []byte) error {
			var rec FileRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode file record: %w", err)
			}
			st.FileCount++
			st.TotalBytes += rec.FileSize
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	topics, err := s.ListTopics()
	if err != nil {
		return nil, err
	}
	st.TopicCount = len(topics)
	return &st, nil
}
