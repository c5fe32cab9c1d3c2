// Package swarmtransport implements the pluggable transport adapter the
// core engine consumes: per-topic join/leave, a connection table keyed
// by topic, unicast/broadcast writes, and connection lifecycle events.
// It is built on the generic byte-stream Transport abstraction
// (pkg/transport, with concrete tcp and quic implementations) plus a
// topic-key-gated Noise handshake (pkg/swarmtransport/noisepsk) layered
// on top of every connection before it is attributed to a topic.
package swarmtransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	swarmfs "github.com/swarmfs/swarmfs"
	"github.com/swarmfs/swarmfs/pkg/swarmtransport/noisepsk"
	"github.com/swarmfs/swarmfs/pkg/transport"
)

var _ Adapter = (*Node)(nil)

// Conn is the byte-stream connection exposed to the core for a given
// peer. It is the Noise-secured stream, not the raw transport
// connection.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// PeerConnectedFunc is invoked once a connection has been attributed to
// a topic, either by completing an outbound handshake or by an inbound
// handshake matching one of the node's joined topic keys.
type PeerConnectedFunc func(conn Conn, peerID string, topicKey [noisepsk.KeySize]byte)

// PeerDisconnectedFunc is invoked when a peer's connection for a topic
// is torn down, whether by error, Leave, or Close.
type PeerDisconnectedFunc func(peerID string, topicKey [noisepsk.KeySize]byte)

// PeerDataFunc is invoked for every decrypted record read from a peer's
// connection.
type PeerDataFunc func(conn Conn, peerID string, data []byte)

// Adapter is the transport surface the core engine consumes (§4.7): it
// never sees raw sockets, only topic-scoped connections and the events
// that attach or detach them.
type Adapter interface {
	Join(topicName string, topicKey [noisepsk.KeySize]byte) error
	Leave(topicName string, topicKey [noisepsk.KeySize]byte) error
	Broadcast(topicKey [noisepsk.KeySize]byte, data []byte) (sentCount int, err error)
	Connections(topicKey [noisepsk.KeySize]byte) map[string]Conn
	Send(peerID string, frame []byte) error
	OnPeerConnected(fn PeerConnectedFunc)
	OnPeerDisconnected(fn PeerDisconnectedFunc)
	OnPeerData(fn PeerDataFunc)
	Close() error
}

type peerConn struct {
	raw    transport.Conn
	secure *noisepsk.Conn
}

type topicState struct {
	name  string
	peers map[string]*peerConn
}

// Node is the concrete Adapter. A single Node can listen on one
// underlying transport (tcp or quic) and participate in many topics
// simultaneously; an inbound connection is provisionally unattributed
// until its handshake matches one of the node's currently joined topic
// keys, at which point it is attached to that topic's connection table.
type Node struct {
	lower   transport.Transport
	tlsConf *tls.Config

	mu       sync.RWMutex
	topics   map[[noisepsk.KeySize]byte]*topicState
	listener transport.Listener

	// Each event has multiple independent subscribers: a download
	// session and a serving responder both register on the same Node,
	// and neither registration may clobber the other's.
	onConnected    []PeerConnectedFunc
	onDisconnected []PeerDisconnectedFunc
	onData         []PeerDataFunc

	log *slog.Logger

	closeOnce sync.Once
	stop      chan struct{}
}

// New creates a Node over the given lower-level transport (tcp.New() or
// quic.New()). tlsConf is passed straight through to the transport's
// Listen/Dial; it secures the raw byte stream, while noisepsk secures
// and gates admission to it on top.
func New(lower transport.Transport, tlsConf *tls.Config) *Node {
	return &Node{
		lower:   lower,
		tlsConf: tlsConf,
		topics:  make(map[[noisepsk.KeySize]byte]*topicState),
		stop:    make(chan struct{}),
		log:     slog.Default(),
	}
}

// SetLogger overrides the node's logger, used for handshake and
// connection lifecycle events. Passing nil restores slog.Default().
func (n *Node) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	n.log = l
}

// OnPeerConnected adds a callback invoked when a connection is
// attributed to a topic. Multiple subscribers (e.g. a download session
// and a serving responder) may each register their own and are all
// invoked, in registration order.
func (n *Node) OnPeerConnected(fn PeerConnectedFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onConnected = append(n.onConnected, fn)
}

// OnPeerDisconnected adds a callback invoked when a peer's connection
// for a topic is torn down.
func (n *Node) OnPeerDisconnected(fn PeerDisconnectedFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDisconnected = append(n.onDisconnected, fn)
}

// OnPeerData adds a callback invoked for every decrypted record read
// from any attributed connection.
func (n *Node) OnPeerData(fn PeerDataFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onData = append(n.onData, fn)
}

// Listen starts accepting inbound connections on addr. Each accepted
// connection runs the NNpsk0 handshake against the node's currently
// joined topic keys before being attributed.
func (n *Node) Listen(ctx context.Context, addr string) error {
	l, err := n.lower.Listen(ctx, addr, n.tlsConf)
	if err != nil {
		return err
	}
	n.listener = l
	go n.acceptLoop(ctx)
	return nil
}

// Addr returns the listener's bound address, or nil if Listen was never
// called.
func (n *Node) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

func (n *Node) acceptLoop(ctx context.Context) {
	for {
		conn, err := n.listener.Accept(ctx)
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
				continue
			}
		}
		go n.handleInbound(conn)
	}
}

func (n *Node) joinedKeys() [][]byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	keys := make([][]byte, 0, len(n.topics))
	for k := range n.topics {
		k := k
		keys = append(keys, k[:])
	}
	return keys
}

func (n *Node) handleInbound(conn transport.Conn) {
	secure, matched, err := noisepsk.AcceptAny(conn, n.joinedKeys())
	if err != nil {
		n.log.Debug("swarmtransport: inbound handshake rejected", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	var topicKey [noisepsk.KeySize]byte
	copy(topicKey[:], matched)
	peerID := conn.RemoteAddr().String()
	n.attach(topicKey, peerID, conn, secure)
}

// Dial establishes an outbound connection to addr, performs the
// NNpsk0 handshake as initiator for topicKey, and attaches the result
// to topicKey's connection table.
func (n *Node) Dial(ctx context.Context, addr string, topicKey [noisepsk.KeySize]byte) error {
	conn, err := n.lower.Dial(ctx, addr, n.tlsConf)
	if err != nil {
		return swarmfs.NewTransportError(fmt.Sprintf("swarmtransport: dial %s", addr), "", err)
	}
	secure, err := noisepsk.HandshakeInitiator(conn, topicKey[:])
	if err != nil {
		n.log.Debug("swarmtransport: outbound handshake failed", "addr", addr, "err", err)
		conn.Close()
		return swarmfs.NewTransportError(fmt.Sprintf("swarmtransport: handshake to %s failed", addr), "", err)
	}
	n.attach(topicKey, conn.RemoteAddr().String(), conn, secure)
	return nil
}

func (n *Node) attach(topicKey [noisepsk.KeySize]byte, peerID string, raw transport.Conn, secure *noisepsk.Conn) {
	n.mu.Lock()
	ts, ok := n.topics[topicKey]
	if !ok {
		n.mu.Unlock()
		raw.Close()
		return
	}
	if existing, dup := ts.peers[peerID]; dup {
		existing.raw.Close()
	}
	pc := &peerConn{raw: raw, secure: secure}
	ts.peers[peerID] = pc
	n.mu.Unlock()

	n.log.Info("swarmtransport: peer attached", "peer", peerID)
	n.mu.RLock()
	subscribers := append([]PeerConnectedFunc(nil), n.onConnected...)
	n.mu.RUnlock()
	for _, fn := range subscribers {
		fn(secure, peerID, topicKey)
	}
	go n.readLoop(topicKey, peerID, pc)
}

func (n *Node) readLoop(topicKey [noisepsk.KeySize]byte, peerID string, pc *peerConn) {
	buf := make([]byte, 64*1024)
	for {
		read, err := pc.secure.Read(buf)
		if read > 0 {
			data := make([]byte, read)
			copy(data, buf[:read])
			n.mu.RLock()
			subscribers := append([]PeerDataFunc(nil), n.onData...)
			n.mu.RUnlock()
			for _, fn := range subscribers {
				fn(pc.secure, peerID, data)
			}
		}
		if err != nil {
			n.detach(topicKey, peerID)
			return
		}
	}
}

func (n *Node) detach(topicKey [noisepsk.KeySize]byte, peerID string) {
	n.mu.Lock()
	ts, ok := n.topics[topicKey]
	var found bool
	if ok {
		if pc, exists := ts.peers[peerID]; exists {
			pc.raw.Close()
			delete(ts.peers, peerID)
			found = true
		}
	}
	n.mu.Unlock()
	if found {
		n.log.Info("swarmtransport: peer detached", "peer", peerID)
		n.mu.RLock()
		subscribers := append([]PeerDisconnectedFunc(nil), n.onDisconnected...)
		n.mu.RUnlock()
		for _, fn := range subscribers {
			fn(peerID, topicKey)
		}
	}
}

// Join registers interest in a topic so inbound handshakes bearing its
// key are accepted and attributed. Joining an already-joined topic is a
// no-op.
func (n *Node) Join(topicName string, topicKey [noisepsk.KeySize]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.topics[topicKey]; ok {
		return nil
	}
	n.topics[topicKey] = &topicState{name: topicName, peers: make(map[string]*peerConn)}
	return nil
}

// Leave closes every connection attributed to topicKey and stops
// accepting inbound handshakes bearing it.
func (n *Node) Leave(topicName string, topicKey [noisepsk.KeySize]byte) error {
	n.mu.Lock()
	ts, ok := n.topics[topicKey]
	if !ok {
		n.mu.Unlock()
		return nil
	}
	delete(n.topics, topicKey)
	n.mu.Unlock()

	n.mu.RLock()
	subscribers := append([]PeerDisconnectedFunc(nil), n.onDisconnected...)
	n.mu.RUnlock()
	for peerID, pc := range ts.peers {
		pc.raw.Close()
		for _, fn := range subscribers {
			fn(peerID, topicKey)
		}
	}
	return nil
}

// Broadcast writes data to every connection currently attributed to
// topicKey, returning how many sends succeeded.
func (n *Node) Broadcast(topicKey [noisepsk.KeySize]byte, data []byte) (int, error) {
	n.mu.RLock()
	ts, ok := n.topics[topicKey]
	if !ok {
		n.mu.RUnlock()
		return 0, swarmfs.NewInvalidArgumentError("swarmtransport: not joined to topic", nil)
	}
	peers := make([]*peerConn, 0, len(ts.peers))
	for _, pc := range ts.peers {
		peers = append(peers, pc)
	}
	n.mu.RUnlock()

	sent := 0
	for _, pc := range peers {
		if _, err := pc.secure.Write(data); err == nil {
			sent++
		}
	}
	return sent, nil
}

// Connections returns the peer_id -> conn table for topicKey, empty if
// the topic isn't joined.
func (n *Node) Connections(topicKey [noisepsk.KeySize]byte) map[string]Conn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]Conn)
	ts, ok := n.topics[topicKey]
	if !ok {
		return out
	}
	for id, pc := range ts.peers {
		out[id] = pc.secure
	}
	return out
}

// Send writes frame to peerID's connection regardless of which topic it
// was attributed to. It satisfies pkg/protocol.Sender so a Dispatcher
// can enqueue directly against a Node.
func (n *Node) Send(peerID string, frame []byte) error {
	n.mu.RLock()
	var target *peerConn
	for _, ts := range n.topics {
		if pc, ok := ts.peers[peerID]; ok {
			target = pc
			break
		}
	}
	n.mu.RUnlock()
	if target == nil {
		return swarmfs.NewResourceNotFoundError(fmt.Sprintf("swarmtransport: unknown peer %q", peerID))
	}
	_, err := target.secure.Write(frame)
	if err != nil {
		return swarmfs.NewTransportError(fmt.Sprintf("swarmtransport: write to %s", peerID), peerID, err)
	}
	return nil
}

// Close tears down every topic's connections and the listener.
func (n *Node) Close() error {
	n.closeOnce.Do(func() { close(n.stop) })
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ts := range n.topics {
		for _, pc := range ts.peers {
			pc.raw.Close()
		}
	}
	n.topics = make(map[[noisepsk.KeySize]byte]*topicState)
	if n.listener != nil {
		return n.listener.Close()
	}
	return nil
}
