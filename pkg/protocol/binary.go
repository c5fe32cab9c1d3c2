package protocol

import (
	"encoding/binary"
	"fmt"

	swarmfs "github.com/swarmfs/swarmfs"
	"github.com/swarmfs/swarmfs/pkg/swarmhash"
)

// binaryMagic identifies a hand-packed CHUNK_DATA/SUBTREE_DATA payload,
// distinguishing it from the self-describing CBOR bodies every other
// message type carries.
const binaryMagic byte = 0x01

// binaryHeaderLen is magic:u8 | request_id:16B | hash:32B | length:u32_be.
const binaryHeaderLen = 1 + 16 + swarmhash.Size + 4

// BinaryPayload is the decoded form of a CHUNK_DATA or SUBTREE_DATA
// message: a correlated request id, the chunk (or subtree) hash the
// bytes are claimed to belong to, and the raw bytes themselves.
type BinaryPayload struct {
	RequestID RequestID
	Hash      swarmhash.Hash
	Data      []byte
}

// EncodeBinaryPayload packs a BinaryPayload into the wire's hand-packed
// binary form.
func EncodeBinaryPayload(p BinaryPayload) []byte {
	out := make([]byte, binaryHeaderLen+len(p.Data))
	out[0] = binaryMagic
	copy(out[1:17], p.RequestID[:])
	copy(out[17:17+swarmhash.Size], p.Hash.Bytes())
	binary.BigEndian.PutUint32(out[17+swarmhash.Size:binaryHeaderLen], uint32(len(p.Data)))
	copy(out[binaryHeaderLen:], p.Data)
	return out
}

// DecodeBinaryPayload unpacks a CHUNK_DATA/SUBTREE_DATA payload,
// rejecting a declared length that disagrees with the structural length
// of the fixed fields plus the actual trailing byte count.
func DecodeBinaryPayload(raw []byte) (BinaryPayload, error) {
	var p BinaryPayload
	if len(raw) < binaryHeaderLen {
		return p, swarmfs.NewFramingError(fmt.Sprintf("protocol: binary payload too short: %d bytes", len(raw)), nil)
	}
	if raw[0] != binaryMagic {
		return p, swarmfs.NewFramingError(fmt.Sprintf("protocol: bad binary magic byte 0x%02x", raw[0]), nil)
	}
	copy(p.RequestID[:], raw[1:17])
	h, ok := swarmhash.FromBytes(raw[17 : 17+swarmhash.Size])
	if !ok {
		return p, swarmfs.NewFramingError("protocol: malformed hash field", nil)
	}
	p.Hash = h

	declared := binary.BigEndian.Uint32(raw[17+swarmhash.Size : binaryHeaderLen])
	rest := raw[binaryHeaderLen:]
	if int(declared) != len(rest) {
		return p, swarmfs.NewFramingError(fmt.Sprintf("protocol: declared payload length %d does not match actual %d", declared, len(rest)), nil)
	}
	p.Data = make([]byte, len(rest))
	copy(p.Data, rest)
	return p, nil
}
