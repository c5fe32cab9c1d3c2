// Package protocol implements the swarmfs wire protocol: binary framing,
// per-peer reassembly, the REQUEST/OFFER/DOWNLOAD/CHUNK_DATA message set,
// and the in-flight request tables a dispatcher uses to correlate
// responses with the requests that triggered them. It follows the
// version|kind|length framing idiom the rest of the pack's base protocol
// uses, adapted to a binary length-prefixed frame instead of a signed
// CBOR envelope, since authentication here is delegated to the
// transport's handshake rather than per-message signatures.
package protocol

import (
	"encoding/binary"
	"fmt"

	swarmfs "github.com/swarmfs/swarmfs"
)

// Version is the only framing version this build emits or accepts.
const Version uint8 = 1

// frameHeaderLen is version:u8 | type:u8 | length:u32_be.
const frameHeaderLen = 1 + 1 + 4

// MaxFrameLength bounds a single frame's payload, matching the
// atomic-write cap (16 MiB - 1B) so no legitimately constructed message
// ever exceeds what the transport can carry in one logical write.
const MaxFrameLength = 16*1024*1024 - 1

// Type identifies a wire message's kind.
type Type uint8

const (
	TypeRequest          Type = 0x01
	TypeOffer            Type = 0x02
	TypeDownload         Type = 0x03
	TypeChunkData        Type = 0x04
	TypeCancel           Type = 0x05
	TypeError            Type = 0x06
	TypeFileListRequest  Type = 0x07
	TypeFileListResponse Type = 0x08
	TypeMetadataRequest  Type = 0x09
	TypeMetadataResponse Type = 0x0a
	TypeHave             Type = 0x0b
	TypeBitfield         Type = 0x0c
	TypeBitfieldRequest  Type = 0x0d
	TypeSubtreeRequest   Type = 0x0e
	TypeSubtreeData      Type = 0x0f
)

// Frame is one decoded wire message: a type tag and its raw payload.
// Structured message types carry CBOR-encoded payloads; CHUNK_DATA and
// SUBTREE_DATA carry hand-packed binary payloads (see binary.go).
type Frame struct {
	Type    Type
	Payload []byte
}

// Encode packs a Frame into version|type|length|payload. It fails if the
// payload exceeds MaxFrameLength.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxFrameLength {
		return nil, swarmfs.NewOverflowError(fmt.Sprintf("protocol: frame payload %d bytes exceeds max %d", len(f.Payload), MaxFrameLength))
	}
	out := make([]byte, frameHeaderLen+len(f.Payload))
	out[0] = Version
	out[1] = byte(f.Type)
	binary.BigEndian.PutUint32(out[2:6], uint32(len(f.Payload)))
	copy(out[frameHeaderLen:], f.Payload)
	return out, nil
}

// Reassembler buffers arbitrary byte fragments from one connection and
// yields whole frames as they become available. The transport may
// deliver a frame split across many reads, or several frames in a single
// read; the reassembler handles both.
type Reassembler struct {
	buf []byte
}

// NewReassembler creates an empty per-connection reassembly buffer.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed appends newly received bytes and returns every whole frame now
// available, in order. A version mismatch on any frame causes that frame
// to be dropped (not returned) without aborting extraction of frames
// after it.
func (r *Reassembler) Feed(data []byte) ([]Frame, error) {
	r.buf = append(r.buf, data...)

	var frames []Frame
	for {
		if len(r.buf) < frameHeaderLen {
			break
		}
		length := binary.BigEndian.Uint32(r.buf[2:6])
		if length > MaxFrameLength {
			return frames, swarmfs.NewFramingError(fmt.Sprintf("protocol: declared frame length %d exceeds max %d", length, MaxFrameLength), nil)
		}
		total := frameHeaderLen + int(length)
		if len(r.buf) < total {
			break // wait for more bytes
		}

		version := r.buf[0]
		typ := Type(r.buf[1])
		payload := make([]byte, length)
		copy(payload, r.buf[frameHeaderLen:total])
		r.buf = r.buf[total:]

		if version != Version {
			continue // drop: version mismatch
		}
		frames = append(frames, Frame{Type: typ, Payload: payload})
	}
	return frames, nil
}

// Pending returns the number of bytes currently buffered awaiting a
// complete frame.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}
