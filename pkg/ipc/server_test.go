package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

type fakeBackend struct {
	shutdownCalled bool
}

func (b *fakeBackend) Status() (NodeStatus, error) {
	return NodeStatus{FileCount: 2, TopicCount: 1, TotalBytes: 4096}, nil
}

func (b *fakeBackend) NetworkStats() NetworkStats {
	return NetworkStats{ConnectedPeers: 3}
}

func (b *fakeBackend) TopicList() ([]TopicInfo, error) {
	return []TopicInfo{{Name: "swarm-test", Key: "42"}}, nil
}

func (b *fakeBackend) TopicJoin(name, keyHex string) error { return nil }
func (b *fakeBackend) TopicLeave(name string) error         { return nil }
func (b *fakeBackend) LogTail(n int) []string                { return []string{"line1", "line2"} }

func (b *fakeBackend) Shutdown() error {
	b.shutdownCalled = true
	return nil
}

func startTestServer(t *testing.T, backend Backend) (*Server, net.Listener, func(t *testing.T) net.Conn) {
	t.Helper()
	srv := NewServer(backend, nil)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, listener)

	dial := func(t *testing.T) net.Conn {
		conn, err := net.Dial("tcp", listener.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	return srv, listener, dial
}

func roundTrip(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	buf, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := conn.Write(append(buf, '\n')); err != nil {
		t.Fatalf("write request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestDaemonPing(t *testing.T) {
	_, _, dial := startTestServer(t, &fakeBackend{})
	conn := dial(t)

	resp := roundTrip(t, conn, Request{ID: "1", Type: "req", Method: "daemon.ping"})
	if !resp.OK {
		t.Fatalf("expected ok response, got error %q", resp.Error)
	}
	if resp.ID != "1" {
		t.Fatalf("expected response id to match request id, got %q", resp.ID)
	}
}

func TestNodeStatus(t *testing.T) {
	_, _, dial := startTestServer(t, &fakeBackend{})
	conn := dial(t)

	resp := roundTrip(t, conn, Request{ID: "2", Type: "req", Method: "node.status"})
	if !resp.OK {
		t.Fatalf("expected ok response, got error %q", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, _, dial := startTestServer(t, &fakeBackend{})
	conn := dial(t)

	resp := roundTrip(t, conn, Request{ID: "3", Type: "req", Method: "bogus.method"})
	if resp.OK {
		t.Fatalf("expected error response for unknown method")
	}
}

func TestTopicJoinRequiresName(t *testing.T) {
	_, _, dial := startTestServer(t, &fakeBackend{})
	conn := dial(t)

	resp := roundTrip(t, conn, Request{ID: "4", Type: "req", Method: "topic.join", Params: json.RawMessage(`{"key":"abc"}`)})
	if resp.OK {
		t.Fatalf("expected error response for missing name")
	}
}

func TestEventsSubscribeAndPublish(t *testing.T) {
	srv, _, dial := startTestServer(t, &fakeBackend{})
	conn := dial(t)

	resp := roundTrip(t, conn, Request{ID: "5", Type: "req", Method: "events.subscribe", Params: json.RawMessage(`{"channel":"log"}`)})
	if !resp.OK {
		t.Fatalf("subscribe failed: %s", resp.Error)
	}

	srv.Publish("log", Event{Type: "evt", Event: "log", Data: "hello"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("expected a pushed event: %v", scanner.Err())
	}
	var ev Event
	if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != "evt" || ev.Event != "log" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestShutdown(t *testing.T) {
	backend := &fakeBackend{}
	_, _, dial := startTestServer(t, backend)
	conn := dial(t)

	resp := roundTrip(t, conn, Request{ID: "6", Type: "req", Method: "daemon.shutdown"})
	if !resp.OK {
		t.Fatalf("expected ok response, got error %q", resp.Error)
	}
	if !backend.shutdownCalled {
		t.Fatalf("expected backend.Shutdown to be called")
	}
}
