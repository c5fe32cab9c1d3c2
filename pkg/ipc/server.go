package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
)

// Server is the IPC listener: one goroutine accepts connections, one
// goroutine per connection reads request lines and dispatches them, and
// one goroutine per connection drains that connection's event queue —
// the per-connection send-queue/drain split mirrors
// pkg/protocol.Dispatcher's per-peer sendQueue.
type Server struct {
	backend Backend
	log     *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn    net.Conn
	w       *bufio.Writer
	wmu     sync.Mutex
	events  chan Event
	subsMu  sync.Mutex
	subs    map[string]bool
	closeCh chan struct{}
	once    sync.Once
}

func (c *client) subscribe(channel string) {
	c.subsMu.Lock()
	c.subs[channel] = true
	c.subsMu.Unlock()
}

func (c *client) subscribed(channel string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.subs[channel]
}

func newClient(conn net.Conn) *client {
	return &client{
		conn:    conn,
		w:       bufio.NewWriter(conn),
		events:  make(chan Event, 64),
		subs:    make(map[string]bool),
		closeCh: make(chan struct{}),
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.closeCh)
		c.conn.Close()
	})
}

func (c *client) write(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeJSONLine(c.w, v)
}

func (c *client) drain() {
	for {
		select {
		case ev := <-c.events:
			if c.write(ev) != nil {
				c.close()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// NewServer builds an IPC server backed by the given Backend. logger
// defaults to slog.Default() if nil.
func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: backend,
		log:     logger,
		clients: make(map[*client]struct{}),
	}
}

// Serve accepts connections on listener until ctx is cancelled or Accept
// fails unrecoverably.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	c := newClient(conn)

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.close()
	}()

	go c.drain()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			c.write(errResponsef("", "invalid request: %v", err))
			continue
		}
		resp := s.dispatch(c, req)
		if err := c.write(resp); err != nil {
			return
		}
	}
}

// Publish pushes an event to every connection currently subscribed to
// channel. Connections whose event queue is full drop the event rather
// than block the publisher.
func (s *Server) Publish(channel string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !c.subscribed(channel) {
			continue
		}
		select {
		case c.events <- ev:
		default:
			s.log.Warn("ipc: dropping event, client queue full", "channel", channel)
		}
	}
}
