package swarmtransport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/swarmfs/swarmfs/pkg/swarmtransport/noisepsk"
	"github.com/swarmfs/swarmfs/pkg/transport/tcp"
)

func testTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"swarmfs test"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:         []string{"swarmfs/1"},
		InsecureSkipVerify: true,
	}
}

func topicKeyFor(b byte) [noisepsk.KeySize]byte {
	var k [noisepsk.KeySize]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func TestJoinDialBroadcastAndSend(t *testing.T) {
	server := New(tcp.New(), testTLSConfig())
	client := New(tcp.New(), testTLSConfig())
	defer server.Close()
	defer client.Close()

	key := topicKeyFor(0x5a)
	if err := server.Join("swarm-a", key); err != nil {
		t.Fatal(err)
	}
	if err := client.Join("swarm-a", key); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var serverGotPeer string
	var serverGotData []byte
	connected := make(chan struct{}, 1)
	received := make(chan struct{}, 1)

	server.OnPeerConnected(func(conn Conn, peerID string, topicKey [noisepsk.KeySize]byte) {
		mu.Lock()
		serverGotPeer = peerID
		mu.Unlock()
		connected <- struct{}{}
	})
	server.OnPeerData(func(conn Conn, peerID string, data []byte) {
		mu.Lock()
		serverGotData = append([]byte{}, data...)
		mu.Unlock()
		received <- struct{}{}
	})

	ctx := context.Background()
	if err := server.Listen(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := server.Addr().String()

	if err := client.Dial(ctx, addr, key); err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for peer_connected")
	}

	sent, err := client.Broadcast(key, []byte("hello swarm"))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 recipient, got %d", sent)
	}

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for peer_data")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(serverGotData) != "hello swarm" {
		t.Fatalf("expected server to receive broadcast payload, got %q", serverGotData)
	}
	if serverGotPeer == "" {
		t.Fatalf("expected a peer id to be recorded")
	}

	conns := server.Connections(key)
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection in topic table, got %d", len(conns))
	}

	if err := server.Send("not-a-peer", []byte("x")); err == nil {
		t.Fatalf("expected Send to an unknown peer to fail")
	}
	for peerID := range conns {
		if err := server.Send(peerID, []byte("reply")); err != nil {
			t.Fatalf("Send to known peer failed: %v", err)
		}
	}
}

func TestInboundConnectionRejectedWithoutMatchingTopic(t *testing.T) {
	server := New(tcp.New(), testTLSConfig())
	client := New(tcp.New(), testTLSConfig())
	defer server.Close()
	defer client.Close()

	serverKey := topicKeyFor(0x01)
	clientKey := topicKeyFor(0x02)

	if err := server.Join("swarm-a", serverKey); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := server.Listen(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := server.Addr().String()

	if err := client.Dial(ctx, addr, clientKey); err == nil {
		t.Fatalf("expected dial to fail when no joined topic key matches")
	}

	if conns := server.Connections(serverKey); len(conns) != 0 {
		t.Fatalf("expected no connections attributed, got %d", len(conns))
	}
}

func TestLeaveClosesTopicConnections(t *testing.T) {
	server := New(tcp.New(), testTLSConfig())
	client := New(tcp.New(), testTLSConfig())
	defer server.Close()
	defer client.Close()

	key := topicKeyFor(0x99)
	server.Join("swarm-a", key)
	client.Join("swarm-a", key)

	disconnected := make(chan struct{}, 1)
	server.OnPeerDisconnected(func(peerID string, topicKey [noisepsk.KeySize]byte) {
		disconnected <- struct{}{}
	})

	ctx := context.Background()
	if err := server.Listen(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := client.Dial(ctx, server.Addr().String(), key); err != nil {
		t.Fatalf("dial: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := server.Leave("swarm-a", key); err != nil {
		t.Fatalf("leave: %v", err)
	}

	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for peer_disconnected after Leave")
	}

	if conns := server.Connections(key); len(conns) != 0 {
		t.Fatalf("expected topic table empty after Leave, got %d", len(conns))
	}
}
