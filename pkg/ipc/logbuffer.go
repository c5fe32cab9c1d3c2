package ipc

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// RingBuffer keeps the last max formatted log lines for logs.tail.
type RingBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

// NewRingBuffer creates a ring buffer holding at most max lines.
func NewRingBuffer(max int) *RingBuffer {
	if max < 1 {
		max = 1
	}
	return &RingBuffer{max: max}
}

func (b *RingBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

// Tail returns up to the last n lines, oldest first.
func (b *RingBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

// Handler is an slog.Handler that tees every record into a RingBuffer
// (for logs.tail) and publishes it on the IPC server's "log" event
// channel, in addition to forwarding to a wrapped handler (typically a
// slog.TextHandler writing to stdout).
type Handler struct {
	next   slog.Handler
	ring   *RingBuffer
	server *Server
}

// NewHandler wraps next, a normal output handler, adding ring-buffer
// capture and live event publishing. server may be nil if no IPC server
// is running yet.
func NewHandler(next slog.Handler, ring *RingBuffer, server *Server) *Handler {
	return &Handler{next: next, ring: ring, server: server}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var buf bytes.Buffer
	line := slog.NewTextHandler(&buf, nil)
	if err := line.Handle(ctx, r); err == nil {
		formatted := buf.String()
		h.ring.add(formatted)
		if h.server != nil {
			h.server.Publish("log", Event{Type: "evt", Event: "log", Data: formatted})
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs), ring: h.ring, server: h.server}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), ring: h.ring, server: h.server}
}

var _ slog.Handler = (*Handler)(nil)
