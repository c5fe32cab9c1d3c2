package protocol

import (
	"github.com/swarmfs/swarmfs/pkg/codec/cborcanon"
	"github.com/swarmfs/swarmfs/pkg/swarmhash"
)

// RequestID is a 16-byte random correlation id shared by a request and
// every response it produces.
type RequestID [16]byte

// RequestBody is REQUEST's payload: ask a peer for a chunk by hash.
type RequestBody struct {
	RequestID  RequestID      `cbor:"request_id"`
	ChunkHash  swarmhash.Hash `cbor:"chunk_hash"`
	TopicKey   []byte         `cbor:"topic_key"`
}

// OfferBody is OFFER's payload: announce that the sender has the
// requested chunk and its size.
type OfferBody struct {
	RequestID RequestID `cbor:"request_id"`
	Size      uint32    `cbor:"size"`
}

// DownloadBody is DOWNLOAD's payload: accept a previously received offer.
type DownloadBody struct {
	RequestID RequestID `cbor:"request_id"`
}

// CancelBody is CANCEL's payload: abandon an in-flight request.
type CancelBody struct {
	RequestID RequestID `cbor:"request_id"`
}

// ErrorBody is ERROR's payload: a negative response with a machine
// classification and human-readable reason.
type ErrorBody struct {
	RequestID RequestID `cbor:"request_id"`
	Code      string    `cbor:"code"`
	Reason    string    `cbor:"reason"`
}

// FileListRequestBody is FILE_LIST_REQ's payload.
type FileListRequestBody struct {
	RequestID RequestID `cbor:"request_id"`
	TopicKey  []byte    `cbor:"topic_key"`
}

// FileEntry describes one file offered within a topic.
type FileEntry struct {
	MerkleRoot swarmhash.Hash `cbor:"merkle_root"`
	Path       string         `cbor:"path"`
	Size       uint64         `cbor:"size"`
}

// FileListResponseBody is FILE_LIST_RESP's payload.
type FileListResponseBody struct {
	RequestID RequestID   `cbor:"request_id"`
	Files     []FileEntry `cbor:"files"`
}

// MetadataRequestBody is METADATA_REQ's payload.
type MetadataRequestBody struct {
	RequestID  RequestID      `cbor:"request_id"`
	MerkleRoot swarmhash.Hash `cbor:"merkle_root"`
}

// ChunkLayoutEntry describes one chunk's position for METADATA_RESP.
type ChunkLayoutEntry struct {
	Index  uint32         `cbor:"index"`
	Hash   swarmhash.Hash `cbor:"hash"`
	Offset uint64         `cbor:"offset"`
	Size   uint32         `cbor:"size"`
}

// MetadataResponseBody is METADATA_RESP's payload: the full chunk layout
// for a file.
type MetadataResponseBody struct {
	RequestID  RequestID          `cbor:"request_id"`
	MerkleRoot swarmhash.Hash     `cbor:"merkle_root"`
	FileSize   uint64             `cbor:"file_size"`
	ChunkSize  uint32             `cbor:"chunk_size"`
	Chunks     []ChunkLayoutEntry `cbor:"chunks"`
}

// HaveBody is HAVE's payload: a single newly-available chunk.
type HaveBody struct {
	MerkleRoot swarmhash.Hash `cbor:"merkle_root"`
	ChunkIndex uint32         `cbor:"chunk_index"`
}

// BitfieldBody is BITFIELD's payload: a peer's full availability bitmap
// for a file, base64-encoded per pkg/bitfield's wire form.
type BitfieldBody struct {
	MerkleRoot swarmhash.Hash `cbor:"merkle_root"`
	Size       int            `cbor:"size"`
	Bits       string         `cbor:"bits"`
}

// BitfieldRequestBody is BITFIELD_REQ's payload.
type BitfieldRequestBody struct {
	MerkleRoot swarmhash.Hash `cbor:"merkle_root"`
}

// SubtreeRequestBody is SUBTREE_REQ's payload: a batched aligned-subtree
// transfer request.
type SubtreeRequestBody struct {
	RequestID  RequestID      `cbor:"request_id"`
	MerkleRoot swarmhash.Hash `cbor:"merkle_root"`
	StartChunk uint32         `cbor:"start_chunk"`
	ChunkCount uint32         `cbor:"chunk_count"`
}

// EncodeBody canonically CBOR-encodes a structured message body.
func EncodeBody(v interface{}) ([]byte, error) {
	return cborcanon.Marshal(v)
}

// DecodeBody decodes a structured message body into v.
func DecodeBody(data []byte, v interface{}) error {
	return cborcanon.Unmarshal(data, v)
}
