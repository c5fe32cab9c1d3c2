// Package main implements the swarmfs daemon and its local CLI, the
// entrypoint the control surface in §6 is served from. Its subcommand
// dispatch is grounded on cmd/bee/main.go's switch over os.Args[1] and
// TCP-dial status/ping round trips, adapted to the newline-delimited
// JSON protocol in pkg/ipc served over a Unix domain socket.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	swarmfs "github.com/swarmfs/swarmfs"
	"github.com/swarmfs/swarmfs/pkg/ipc"
	"github.com/swarmfs/swarmfs/pkg/store"
	"github.com/swarmfs/swarmfs/pkg/swarmtransport"
	"github.com/swarmfs/swarmfs/pkg/transport"
	"github.com/swarmfs/swarmfs/pkg/transport/quic"
	"github.com/swarmfs/swarmfs/pkg/transport/tcp"
)

// registerTransports populates the shared transport registry with
// every lower-level transport this build supports, so selectTransport
// can pick one by name (SWARMFS_TRANSPORT) instead of hardcoding TCP.
func registerTransports() {
	transport.DefaultRegistry.Register("tcp", tcp.New())
	transport.DefaultRegistry.Register("quic", quic.New())
}

func selectTransport() transport.Transport {
	name := os.Getenv("SWARMFS_TRANSPORT")
	if name == "" {
		name = "tcp"
	}
	t, ok := transport.DefaultRegistry.Get(name)
	if !ok {
		t, _ = transport.DefaultRegistry.Get("tcp")
	}
	return t
}

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	registerTransports()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "start":
		err = startCommand()
	case "ping":
		err = pingCommand()
	case "status":
		err = statusCommand()
	case "shutdown":
		err = shutdownCommand()
	case "logs":
		err = logsCommand()
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("swarmfsd %s (built %s)\n", version, buildTime)
}

func printUsage() {
	fmt.Println("usage: swarmfsd <command>")
	fmt.Println()
	fmt.Println("commands:")
	fmt.Println("  start     run the daemon in the foreground")
	fmt.Println("  ping      check whether the daemon is reachable")
	fmt.Println("  status    print node and network status")
	fmt.Println("  shutdown  ask a running daemon to exit")
	fmt.Println("  logs      print the daemon's recent log lines")
	fmt.Println("  version   print the build version")
}

func dataDir() string {
	if d := os.Getenv("SWARMFS_DATA_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarmfs"
	}
	return filepath.Join(home, ".swarmfs")
}

func socketPath() string {
	return filepath.Join(dataDir(), "swarmfs.sock")
}

// startCommand runs the daemon in the foreground: opens the metadata
// store, brings up the transport node, and serves the IPC control
// surface on a Unix domain socket until interrupted or asked to shut
// down over that same socket.
func startCommand() error {
	dir := dataDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("swarmfsd: create data dir: %w", err)
	}

	ring := ipc.NewRingBuffer(1000)
	var srv *ipc.Server
	baseHandler := slog.NewTextHandler(os.Stdout, nil)
	logger := slog.New(ipc.NewHandler(baseHandler, ring, nil))
	slog.SetDefault(logger)

	db, err := store.Open(filepath.Join(dir, "swarmfs.db"))
	if err != nil {
		return fmt.Errorf("swarmfsd: open store: %w", err)
	}
	defer db.Close()

	cfg := swarmfs.DefaultConfig()

	node := swarmtransport.New(selectTransport(), &tls.Config{InsecureSkipVerify: true})
	defer node.Close()

	d := newDaemon(cfg, db, node, ring)

	srv = ipc.NewServer(d, logger)
	logger = slog.New(ipc.NewHandler(baseHandler, ring, srv))
	slog.SetDefault(logger)
	node.SetLogger(logger)

	sockPath := socketPath()
	os.Remove(sockPath)
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("swarmfsd: listen on %s: %w", sockPath, err)
	}
	defer os.Remove(sockPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listenAddr := fmt.Sprintf("0.0.0.0:%d", cfg.DefaultPort)
	if err := node.Listen(ctx, listenAddr); err != nil {
		return fmt.Errorf("swarmfsd: transport listen: %w", err)
	}

	logger.Info("swarmfsd: listening", "socket", sockPath, "transport", node.Addr())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, listener) }()

	select {
	case <-ctx.Done():
	case <-d.Done():
		stop()
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("swarmfsd: ipc serve: %w", err)
		}
	}

	logger.Info("swarmfsd: shutting down")
	return nil
}

func dialDaemon() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", socketPath(), 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("daemon is not running: %w", err)
	}
	return conn, nil
}

func callDaemon(method string, params interface{}) (ipc.Response, error) {
	conn, err := dialDaemon()
	if err != nil {
		return ipc.Response{}, err
	}
	defer conn.Close()

	var raw json.RawMessage
	if params != nil {
		raw, err = json.Marshal(params)
		if err != nil {
			return ipc.Response{}, fmt.Errorf("encode params: %w", err)
		}
	}

	req := ipc.Request{ID: "cli", Type: "req", Method: method, Params: raw}
	buf, err := json.Marshal(req)
	if err != nil {
		return ipc.Response{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(append(buf, '\n')); err != nil {
		return ipc.Response{}, fmt.Errorf("write request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return ipc.Response{}, fmt.Errorf("no response from daemon: %w", scanner.Err())
	}

	var resp ipc.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return ipc.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func pingCommand() error {
	resp, err := callDaemon("daemon.ping", nil)
	if err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	if !resp.OK {
		return fmt.Errorf("ping error: %s", resp.Error)
	}
	fmt.Println("daemon is running")
	return nil
}

func statusCommand() error {
	resp, err := callDaemon("node.status", nil)
	if err != nil {
		fmt.Println(err)
		return nil
	}
	if !resp.OK {
		return fmt.Errorf("status error: %s", resp.Error)
	}
	buf, _ := json.MarshalIndent(resp.Result, "", "  ")
	fmt.Println(string(buf))

	netResp, err := callDaemon("network.stats", nil)
	if err == nil && netResp.OK {
		buf, _ := json.MarshalIndent(netResp.Result, "", "  ")
		fmt.Println(string(buf))
	}
	return nil
}

func shutdownCommand() error {
	resp, err := callDaemon("daemon.shutdown", nil)
	if err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	if !resp.OK {
		return fmt.Errorf("shutdown error: %s", resp.Error)
	}
	fmt.Println("shutdown requested")
	return nil
}

func logsCommand() error {
	resp, err := callDaemon("logs.tail", map[string]int{"lines": 100})
	if err != nil {
		fmt.Println(err)
		return nil
	}
	if !resp.OK {
		return fmt.Errorf("logs error: %s", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected logs response shape")
	}
	lines, _ := result["lines"].([]interface{})
	for _, l := range lines {
		fmt.Print(l)
	}
	return nil
}
