package noisepsk

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func randKey(b byte) []byte {
	k := make([]byte, KeySize)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestHandshakeRoundTripAndTransport(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	key := randKey(0x42)

	type result struct {
		conn *Conn
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, _, err := AcceptAny(server, [][]byte{key})
		serverCh <- result{c, err}
	}()

	clientConn, err := HandshakeInitiator(client, key)
	if err != nil {
		t.Fatalf("initiator handshake failed: %v", err)
	}

	res := <-serverCh
	if res.err != nil {
		t.Fatalf("responder handshake failed: %v", res.err)
	}
	serverConn := res.conn

	msg := []byte("hello over a secured stream")
	go func() {
		if _, err := clientConn.Write(msg); err != nil {
			t.Errorf("client write: %v", err)
		}
	}()

	buf := make([]byte, len(msg))
	if _, err := readAll(serverConn, buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("payload mismatch: got %q want %q", buf, msg)
	}
}

func readAll(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestAcceptAnyRejectsWrongKey(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientKey := randKey(0x01)
	serverKeys := [][]byte{randKey(0x02), randKey(0x03)}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := AcceptAny(server, serverKeys)
		errCh <- err
	}()

	go func() {
		// The initiator writes its first message without error (nothing
		// has been received to fail against yet) and then waits for a reply
		// that never comes; the responder must reject the message since no
		// candidate key matches.
		_, _ = HandshakeInitiator(client, clientKey)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected AcceptAny to fail for a non-matching key")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for AcceptAny")
	}
}

func TestAcceptAnyPicksMatchingCandidate(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	key := randKey(0x77)
	other := randKey(0x88)

	type result struct {
		matched []byte
		err     error
	}
	serverCh := make(chan result, 1)
	go func() {
		_, matched, err := AcceptAny(server, [][]byte{other, key})
		serverCh <- result{matched, err}
	}()

	if _, err := HandshakeInitiator(client, key); err != nil {
		t.Fatalf("initiator handshake failed: %v", err)
	}

	res := <-serverCh
	if res.err != nil {
		t.Fatalf("responder handshake failed: %v", res.err)
	}
	if !bytes.Equal(res.matched, key) {
		t.Fatalf("expected responder to attribute the connection to the matching key")
	}
}

func TestLargeWriteIsChunkedAndReassembled(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	key := randKey(0x10)

	type result struct {
		conn *Conn
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, _, err := AcceptAny(server, [][]byte{key})
		serverCh <- result{c, err}
	}()
	clientConn, err := HandshakeInitiator(client, key)
	if err != nil {
		t.Fatalf("initiator handshake failed: %v", err)
	}
	res := <-serverCh
	if res.err != nil {
		t.Fatalf("responder handshake failed: %v", res.err)
	}
	serverConn := res.conn

	payload := bytes.Repeat([]byte("x"), maxPlaintext*2+17)
	go func() {
		if _, err := clientConn.Write(payload); err != nil {
			t.Errorf("client write: %v", err)
		}
	}()

	buf := make([]byte, len(payload))
	if _, err := readAll(serverConn, buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("payload mismatch after chunked reassembly")
	}
}
