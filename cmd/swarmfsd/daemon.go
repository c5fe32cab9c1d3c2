package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	swarmfs "github.com/swarmfs/swarmfs"
	"github.com/swarmfs/swarmfs/pkg/ipc"
	"github.com/swarmfs/swarmfs/pkg/serve"
	"github.com/swarmfs/swarmfs/pkg/store"
	"github.com/swarmfs/swarmfs/pkg/swarmhash"
	"github.com/swarmfs/swarmfs/pkg/swarmtransport"
	"github.com/swarmfs/swarmfs/pkg/swarmtransport/noisepsk"
)

// daemon bridges the running engine (metadata store, transport node,
// active sessions) to pkg/ipc.Backend. It is the concrete counterpart
// of the teacher's agent.Agent, which cmd/bee's control.NewServer wraps
// the same way.
type daemon struct {
	cfg       *swarmfs.Config
	db        *store.Store
	node      *swarmtransport.Node
	ring      *ipc.RingBuffer
	started   time.Time
	responder *serve.Responder

	connMu    sync.Mutex
	connected map[string]struct{}

	bytesRecv atomic.Uint64
	bytesSent atomic.Uint64

	shutdownCh chan struct{}
	shutdownOn sync.Once
}

// newDaemon wires up the node's serving half (pkg/serve.Responder)
// alongside its own connection bookkeeping: both subscribe to the same
// Node's peer events, which fan out to every subscriber independently.
func newDaemon(cfg *swarmfs.Config, db *store.Store, node *swarmtransport.Node, ring *ipc.RingBuffer) *daemon {
	var cas *store.CASStore
	if cfg.ChunkCASDir != "" {
		var err error
		cas, err = store.NewCASStore(cfg.ChunkCASDir)
		if err != nil {
			cas = nil
		}
	}

	d := &daemon{
		cfg:        cfg,
		db:         db,
		node:       node,
		ring:       ring,
		started:    time.Now(),
		connected:  make(map[string]struct{}),
		shutdownCh: make(chan struct{}),
		responder:  serve.New(db, node, cas, slog.Default()),
	}
	node.OnPeerConnected(d.handlePeerConnected)
	node.OnPeerDisconnected(d.handlePeerDisconnected)
	d.responder.Start()
	return d
}

func (d *daemon) handlePeerConnected(conn swarmtransport.Conn, peerID string, topicKey [noisepsk.KeySize]byte) {
	d.connMu.Lock()
	d.connected[peerID] = struct{}{}
	d.connMu.Unlock()
}

func (d *daemon) handlePeerDisconnected(peerID string, topicKey [noisepsk.KeySize]byte) {
	d.connMu.Lock()
	delete(d.connected, peerID)
	d.connMu.Unlock()
}

func (d *daemon) Status() (ipc.NodeStatus, error) {
	stats, err := d.db.Stats()
	if err != nil {
		return ipc.NodeStatus{}, fmt.Errorf("daemon: stats: %w", err)
	}
	return ipc.NodeStatus{
		FileCount:  stats.FileCount,
		TopicCount: stats.TopicCount,
		TotalBytes: stats.TotalBytes,
		Uptime:     time.Since(d.started).Round(time.Second).String(),
	}, nil
}

func (d *daemon) NetworkStats() ipc.NetworkStats {
	d.connMu.Lock()
	peers := len(d.connected)
	d.connMu.Unlock()
	return ipc.NetworkStats{
		ConnectedPeers: peers,
		BytesRecv:      d.bytesRecv.Load(),
		BytesSent:      d.bytesSent.Load(),
	}
}

func (d *daemon) TopicList() ([]ipc.TopicInfo, error) {
	recs, err := d.db.ListTopics()
	if err != nil {
		return nil, fmt.Errorf("daemon: list topics: %w", err)
	}
	out := make([]ipc.TopicInfo, len(recs))
	for i, r := range recs {
		out[i] = ipc.TopicInfo{
			Name:     r.Name,
			Key:      hex.EncodeToString(r.Key),
			AutoJoin: r.AutoJoin,
			JoinedAt: r.JoinedAt,
		}
	}
	return out, nil
}

// deriveTopicKey implements the default topic key mode (a) from §6:
// hash(topic_name), a deterministic publicly guessable key.
func deriveTopicKey(name string) [noisepsk.KeySize]byte {
	sum := swarmhash.Sum([]byte(name))
	var key [noisepsk.KeySize]byte
	copy(key[:], sum.Bytes())
	return key
}

func (d *daemon) TopicJoin(name string, keyHex string) error {
	var key [noisepsk.KeySize]byte
	if keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("daemon: invalid topic key: %w", err)
		}
		if len(raw) != noisepsk.KeySize {
			return fmt.Errorf("daemon: topic key must be %d bytes, got %d", noisepsk.KeySize, len(raw))
		}
		copy(key[:], raw)
	} else {
		key = deriveTopicKey(name)
	}

	if err := d.node.Join(name, key); err != nil {
		return fmt.Errorf("daemon: join: %w", err)
	}

	return d.db.PutTopic(&store.TopicRecord{
		Key:      key[:],
		Name:     name,
		JoinedAt: time.Now().Unix(),
	})
}

func (d *daemon) TopicLeave(name string) error {
	recs, err := d.db.ListTopics()
	if err != nil {
		return fmt.Errorf("daemon: list topics: %w", err)
	}
	for _, r := range recs {
		if r.Name != name {
			continue
		}
		var key [noisepsk.KeySize]byte
		copy(key[:], r.Key)
		if err := d.node.Leave(name, key); err != nil {
			return fmt.Errorf("daemon: leave: %w", err)
		}
		return d.db.DeleteTopic(r.Key)
	}
	return fmt.Errorf("daemon: topic %q not joined", name)
}

func (d *daemon) LogTail(n int) []string {
	if d.ring == nil {
		return nil
	}
	return d.ring.Tail(n)
}

func (d *daemon) Shutdown() error {
	d.shutdownOn.Do(func() {
		d.responder.Close()
		close(d.shutdownCh)
	})
	return nil
}

// Done returns a channel closed once daemon.shutdown has been invoked.
func (d *daemon) Done() <-chan struct{} {
	return d.shutdownCh
}
