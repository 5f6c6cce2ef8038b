package zkproxy

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Listen:           "127.0.0.1:0",
		Servers:          "127.0.0.1:1",
		Chroot:           "/app1",
		DialTimeout:      100 * time.Millisecond,
		DialAttempts:     1,
		HandshakeTimeout: time.Second,
		MaxFrameSize:     1 << 20,
		ExpireDetached:   true,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chroot = "relative"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for relative chroot")
	}
}

func TestServeAnswersRuokAndStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.TraceFile = filepath.Join(t.TempDir(), "trace.jsonl")

	p, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, ln) }()

	nc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := nc.Write([]byte("ruok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, err := io.ReadAll(nc)
	nc.Close()
	if err != nil || string(b) != "imok" {
		t.Fatalf("expected imok, got %q (%v)", b, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
	if _, err := os.Stat(cfg.TraceFile); err != nil {
		t.Fatalf("trace file not created: %v", err)
	}
}

func TestServersFileIsLoaded(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "servers")
	if err := os.WriteFile(path, []byte("10.0.0.1:2181\n10.0.0.2:2181\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg.ServersFile = path

	p, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	if got := p.dialer.Servers(); len(got) != 2 || got[0] != "10.0.0.1:2181" {
		t.Fatalf("unexpected servers %v", got)
	}
}
