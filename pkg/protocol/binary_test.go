package protocol

import (
	"bytes"
	"testing"

	"github.com/swarmfs/swarmfs/pkg/swarmhash"
)

func TestBinaryPayloadRoundTrip(t *testing.T) {
	var reqID RequestID
	copy(reqID[:], []byte("0123456789abcdef"))
	hash := swarmhash.Sum([]byte("chunk bytes"))

	raw := EncodeBinaryPayload(BinaryPayload{
		RequestID: reqID,
		Hash:      hash,
		Data:      []byte("the actual chunk payload"),
	})

	decoded, err := DecodeBinaryPayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestID != reqID {
		t.Fatalf("request id mismatch")
	}
	if decoded.Hash != hash {
		t.Fatalf("hash mismatch")
	}
	if !bytes.Equal(decoded.Data, []byte("the actual chunk payload")) {
		t.Fatalf("data mismatch: %s", decoded.Data)
	}
}

func TestDecodeBinaryPayloadRejectsBadMagic(t *testing.T) {
	raw := EncodeBinaryPayload(BinaryPayload{Data: []byte("x")})
	raw[0] = 0xee
	if _, err := DecodeBinaryPayload(raw); err == nil {
		t.Fatalf("expected error for bad magic byte")
	}
}

func TestDecodeBinaryPayloadRejectsLengthMismatch(t *testing.T) {
	raw := EncodeBinaryPayload(BinaryPayload{Data: []byte("hello")})
	raw = append(raw, 0xff) // trailing garbage makes declared != actual
	if _, err := DecodeBinaryPayload(raw); err == nil {
		t.Fatalf("expected error for declared/actual length mismatch")
	}
}

func TestDecodeBinaryPayloadRejectsTooShort(t *testing.T) {
	if _, err := DecodeBinaryPayload([]byte{0x01, 0x02}); err == nil {
		t.Fatalf("expected error for too-short payload")
	}
}
