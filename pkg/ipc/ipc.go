// Package ipc implements the daemon's local control surface: a
// newline-delimited JSON request/response/event protocol served over a
// Unix domain socket, one connection per client; Windows named pipes are
// not supported. Its request/response dispatch shape is grounded on
// pkg/control/api.go's Request/Response/handleRequest idiom, generalized
// from the teacher's agent-backed method set to swarmfs.db/network
// methods, and extended with an `evt` frame kind for subscribed log and
// network channels.
package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
)

// Request is one client-issued call, identified by ID so its Response
// can be matched on the other end of the stream.
type Request struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"` // always "req"
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request with the same ID.
type Response struct {
	ID     string      `json:"id"`
	Type   string      `json:"type"` // always "res"
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Event is an unsolicited push on a subscribed channel.
type Event struct {
	Type  string      `json:"type"` // always "evt"
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func okResponse(id string, result interface{}) Response {
	return Response{ID: id, Type: "res", OK: true, Result: result}
}

func errResponse(id string, err error) Response {
	return Response{ID: id, Type: "res", OK: false, Error: err.Error()}
}

func errResponsef(id, format string, args ...interface{}) Response {
	return Response{ID: id, Type: "res", OK: false, Error: fmt.Sprintf(format, args...)}
}

// writeJSONLine encodes v as a single newline-terminated JSON line. A
// plain json.Encoder is not used here because multiple goroutines
// (request replies and event pushes) write to the same connection
// concurrently; the caller must hold the connection's write lock.
func writeJSONLine(w *bufio.Writer, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
