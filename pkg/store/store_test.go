package store

import (
	"path/filepath"
	"testing"

	"github.com/swarmfs/swarmfs/pkg/swarmhash"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndLookupFile(t *testing.T) {
	s := openTestStore(t)
	root := swarmhash.Sum([]byte("file contents"))

	id, err := s.UpsertFile(&FileRecord{
		Path:       "/shared/a.txt",
		MerkleRoot: root,
		FileSize:   11,
		ChunkSize:  1024,
		ChunkCount: 1,
		ModifiedAt: 100,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	byPath, err := s.GetFileByPath("/shared/a.txt")
	if err != nil {
		t.Fatalf("by path: %v", err)
	}
	if byPath.ID != id {
		t.Fatalf("expected id %d, got %d", id, byPath.ID)
	}

	byID, err := s.GetFileByID(id)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if byID.Path != "/shared/a.txt" {
		t.Fatalf("unexpected path %q", byID.Path)
	}

	byRoot, err := s.GetFileByRoot(root)
	if err != nil {
		t.Fatalf("by root: %v", err)
	}
	if byRoot.ID != id {
		t.Fatalf("expected id %d by root, got %d", id, byRoot.ID)
	}
}

func TestUpsertSamePathUpdatesRecord(t *testing.T) {
	s := openTestStore(t)
	id1, err := s.UpsertFile(&FileRecord{Path: "/f", FileSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.UpsertFile(&FileRecord{Path: "/f", FileSize: 20})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected same id for same path, got %d and %d", id1, id2)
	}
	rec, err := s.GetFileByID(id1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.FileSize != 20 {
		t.Fatalf("expected updated size 20, got %d", rec.FileSize)
	}
}

func TestInsertChunksAtomicAndContiguous(t *testing.T) {
	s := openTestStore(t)
	id, err := s.UpsertFile(&FileRecord{Path: "/c", FileSize: 30})
	if err != nil {
		t.Fatal(err)
	}

	chunks := []ChunkRecord{
		{Index: 0, Hash: swarmhash.Sum([]byte("a")), Offset: 0, Size: 10},
		{Index: 1, Hash: swarmhash.Sum([]byte("b")), Offset: 10, Size: 10},
		{Index: 2, Hash: swarmhash.Sum([]byte("c")), Offset: 20, Size: 10},
	}
	if err := s.InsertChunks(id, chunks); err != nil {
		t.Fatalf("insert chunks: %v", err)
	}

	got, err := s.ChunksForFile(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	for i, c := range got {
		if c.Index != uint32(i) {
			t.Fatalf("chunk %d out of order", i)
		}
	}
}

func TestInsertChunksRejectsNonContiguous(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.UpsertFile(&FileRecord{Path: "/d", FileSize: 20})

	bad := []ChunkRecord{
		{Index: 0, Offset: 0, Size: 10},
		{Index: 1, Offset: 15, Size: 10}, // gap: should start at 10
	}
	if err := s.InsertChunks(id, bad); err == nil {
		t.Fatalf("expected error for non-contiguous offsets")
	}
}

func TestResolveChunkServeVsWrite(t *testing.T) {
	s := openTestStore(t)
	hash := swarmhash.Sum([]byte("shared-chunk"))

	doneID, _ := s.UpsertFile(&FileRecord{Path: "/done", FileSize: 10, ModifiedAt: 1000})
	_ = s.InsertChunks(doneID, []ChunkRecord{{Index: 0, Hash: hash, Offset: 0, Size: 10}})

	inProgressID, _ := s.UpsertFile(&FileRecord{Path: "/partial", FileSize: 10, ModifiedAt: 0})
	_ = s.InsertChunks(inProgressID, []ChunkRecord{{Index: 0, Hash: hash, Offset: 0, Size: 10}})

	serveLocs, err := s.ResolveChunk(hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(serveLocs) != 1 || serveLocs[0].FileID != doneID {
		t.Fatalf("ResolveChunk should only return finished files, got %+v", serveLocs)
	}

	writeLocs, err := s.ResolveChunkForWrite(hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(writeLocs) != 2 {
		t.Fatalf("ResolveChunkForWrite should include in-progress files, got %d", len(writeLocs))
	}
}

func TestResolveChunkOrderedByRecency(t *testing.T) {
	s := openTestStore(t)
	hash := swarmhash.Sum([]byte("popular"))

	older, _ := s.UpsertFile(&FileRecord{Path: "/old", FileSize: 10, ModifiedAt: 100})
	_ = s.InsertChunks(older, []ChunkRecord{{Index: 0, Hash: hash, Offset: 0, Size: 10}})
	newer, _ := s.UpsertFile(&FileRecord{Path: "/new", FileSize: 10, ModifiedAt: 200})
	_ = s.InsertChunks(newer, []ChunkRecord{{Index: 0, Hash: hash, Offset: 0, Size: 10}})

	locs, err := s.ResolveChunk(hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 2 || locs[0].FileID != newer {
		t.Fatalf("expected newest file first, got %+v", locs)
	}
}

func TestTopicCRUDAndAutoJoin(t *testing.T) {
	s := openTestStore(t)
	key := []byte("0123456789abcdef0123456789abcdef")[:32]

	if err := s.PutTopic(&TopicRecord{Key: key, Name: "demo", AutoJoin: false}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTopic(key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "demo" {
		t.Fatalf("unexpected topic name %q", got.Name)
	}

	if err := s.SetAutoJoin(true); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTopic(key)
	if !got.AutoJoin {
		t.Fatalf("expected auto_join to be toggled on")
	}

	if err := s.DeleteTopic(key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTopic(key); err == nil {
		t.Fatalf("expected error looking up deleted topic")
	}
}

func TestIncompleteRegistry(t *testing.T) {
	s := openTestStore(t)
	rec := &IncompleteRecord{FileID: 7, StartedAt: 1}
	if err := s.PutIncomplete(rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetIncomplete(7)
	if err != nil {
		t.Fatal(err)
	}
	if got.FileID != 7 {
		t.Fatalf("unexpected file id %d", got.FileID)
	}
	list, err := s.ListIncomplete()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 incomplete entry, got %d", len(list))
	}
	if err := s.DeleteIncomplete(7); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetIncomplete(7); err != nil {
		t.Fatalf("GetIncomplete after delete should not error, got %v", err)
	}
}

func TestStatsReflectsTrackedFiles(t *testing.T) {
	s := openTestStore(t)
	_, _ = s.UpsertFile(&FileRecord{Path: "/a", FileSize: 100})
	_, _ = s.UpsertFile(&FileRecord{Path: "/b", FileSize: 50})
	_ = s.PutTopic(&TopicRecord{Key: []byte("topic-key-32-bytes-long-exactly"), Name: "t"})

	st, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.FileCount != 2 {
		t.Fatalf("expected 2 files, got %d", st.FileCount)
	}
	if st.TotalBytes != 150 {
		t.Fatalf("expected 150 total bytes, got %d", st.TotalBytes)
	}
	if st.TopicCount != 1 {
		t.Fatalf("expected 1 topic, got %d", st.TopicCount)
	}
}
