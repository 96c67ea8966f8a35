package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stockapp/crawlsync/internal/config"
)

func TestServerLifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.ServerConfig{Port: "0", ReadTimeout: time.Second, WriteTimeout: time.Second, ShutdownTimeout: time.Second}
	srv := New(cfg, logger, Routes(nil, nil))

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	_, port, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("unexpected bound address %q: %v", srv.Addr(), err)
	}
	resp, err := http.Get("http://127.0.0.1:" + port + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve returned error after shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestListenReportsPortInUse(t *testing.T) {
	taken, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	defer taken.Close()
	_, port, _ := net.SplitHostPort(taken.Addr().String())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(config.ServerConfig{Port: port}, logger, http.NotFoundHandler())
	if err := srv.Listen(); err == nil {
		t.Error("expected Listen to fail on a bound port")
	}
}
