// Package noisepsk secures a raw byte-stream connection with a
// Noise NNpsk0 handshake keyed by a swarm topic's 32-byte key.
//
// Unlike the identity-bound Noise IK handshake used elsewhere for
// session authentication, topic admission has no durable identity to
// authenticate against: possessing the topic key is the entire
// capability. NNpsk0 mixes the pre-shared key into the symmetric state
// before either side sends an ephemeral public key, so a peer that
// guesses the wrong key fails the handshake's authentication tag
// immediately rather than completing a connection it can't use.
package noisepsk

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"

	swarmfs "github.com/swarmfs/swarmfs"
)

// KeySize is the length in bytes of a topic key.
const KeySize = 32

// maxMessage is the largest single transport record, bounded by the
// wire's 2-byte length prefix.
const maxMessage = 65535

// maxPlaintext leaves room for the Poly1305 tag appended to every
// encrypted record.
const maxPlaintext = maxMessage - 16

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

func newState(initiator bool, topicKey []byte) (*noise.HandshakeState, error) {
	if len(topicKey) != KeySize {
		return nil, swarmfs.NewInvalidArgumentError(fmt.Sprintf("noisepsk: topic key must be %d bytes, got %d", KeySize, len(topicKey)), nil)
	}
	cfg := noise.Config{
		CipherSuite:           cipherSuite,
		Pattern:               noise.HandshakeNN,
		Initiator:             initiator,
		PresharedKey:          topicKey,
		PresharedKeyPlacement: 0,
	}
	return noise.NewHandshakeState(cfg)
}

func writeFramed(w io.Writer, msg []byte) error {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Conn is a Noise-secured byte stream built on top of an underlying
// io.ReadWriter. Reads and writes are framed and encrypted in both
// directions independently of whatever record boundaries the caller
// uses.
type Conn struct {
	rw      io.ReadWriter
	send    *noise.CipherState
	recv    *noise.CipherState
	readBuf []byte

	// writeMu serializes Write: a session's dispatcher and the serving
	// responder's dispatcher both hold independent send queues that
	// drain onto the same Conn, and the cipher's nonce sequencing isn't
	// safe for concurrent Encrypt calls.
	writeMu sync.Mutex
}

// Read implements io.Reader, decrypting one or more underlying framed
// records as needed to satisfy p.
func (c *Conn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		framed, err := readFramed(c.rw)
		if err != nil {
			return 0, err
		}
		pt, err := c.recv.Decrypt(nil, nil, framed)
		if err != nil {
			return 0, swarmfs.NewIntegrityError("noisepsk: decrypt failed", "", err)
		}
		c.readBuf = pt
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write implements io.Writer, chunking p into records no larger than
// the wire can frame and encrypting each independently.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		ct := c.send.Encrypt(nil, nil, chunk)
		if err := writeFramed(c.rw, ct); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Close closes the underlying stream if it supports it.
func (c *Conn) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// HandshakeInitiator performs the NNpsk0 handshake as the dialing side
// for a known topicKey, returning the secured connection once both
// handshake messages have completed.
func HandshakeInitiator(rw io.ReadWriter, topicKey []byte) (*Conn, error) {
	state, err := newState(true, topicKey)
	if err != nil {
		return nil, err
	}
	msg1, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, swarmfs.NewTransportError("noisepsk: write message 1", "", err)
	}
	if err := writeFramed(rw, msg1); err != nil {
		return nil, err
	}
	raw2, err := readFramed(rw)
	if err != nil {
		return nil, err
	}
	_, cs1, cs2, err := state.ReadMessage(nil, raw2)
	if err != nil {
		return nil, swarmfs.NewTransportError("noisepsk: read message 2", "", err)
	}
	return &Conn{rw: rw, send: cs1, recv: cs2}, nil
}

// AcceptAny performs the NNpsk0 handshake as the listening side against
// an unknown incoming peer, trying each candidate key in turn. The
// connection is provisionally unattributed until one key's derived
// state successfully authenticates the first handshake message, at
// which point the matching key is returned alongside the secured
// connection. A peer presenting a key outside candidates never
// completes the handshake.
func AcceptAny(rw io.ReadWriter, candidates [][]byte) (*Conn, []byte, error) {
	msg1, err := readFramed(rw)
	if err != nil {
		return nil, nil, err
	}
	for _, key := range candidates {
		state, err := newState(false, key)
		if err != nil {
			continue
		}
		if _, _, _, err := state.ReadMessage(nil, msg1); err != nil {
			continue
		}
		msg2, cs1, cs2, err := state.WriteMessage(nil, nil)
		if err != nil {
			return nil, nil, swarmfs.NewTransportError("noisepsk: write message 2", "", err)
		}
		if err := writeFramed(rw, msg2); err != nil {
			return nil, nil, err
		}
		return &Conn{rw: rw, send: cs2, recv: cs1}, key, nil
	}
	return nil, nil, swarmfs.NewTransportError("noisepsk: no candidate topic key matched the incoming handshake", "", nil)
}
