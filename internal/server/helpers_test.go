package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/chatrelay/internal/client"
)

// recordingSink keeps every event so tests can assert on them.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSink) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recordingSink) count(kind EventKind) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// waitFor returns the first event of kind that matches, polling until timeout.
func (r *recordingSink) waitFor(t *testing.T, kind EventKind, match func(Event) bool, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		for _, e := range r.snapshot() {
			if e.Kind == kind && (match == nil || match(e)) {
				return e
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s event; got %+v", kind, r.snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.IdleTimeout = 5 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.AllowedOrigins = []string{"http://localhost:8081"}
	return cfg
}

// startServer binds on a loopback port and runs the accept loop until the
// test ends.
func startServer(t *testing.T, cfg Config) (*Server, *recordingSink) {
	t.Helper()

	sink := &recordingSink{}
	s, err := Bind("127.0.0.1:0", WithConfig(cfg), WithEventSink(sink), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run()
	}()

	t.Cleanup(func() {
		_ = s.Shutdown(2 * time.Second)
		select {
		case err := <-runErr:
			if !errors.Is(err, ErrServerClosed) {
				t.Errorf("Run returned %v, want ErrServerClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after Shutdown")
		}
	})

	return s, sink
}

func connectClient(t *testing.T, s *Server) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitForSubscribers blocks until the hub has n live subscriptions, which
// means n pumps are ready to receive broadcasts.
func waitForSubscribers(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().Stats().Subscribers != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d subscribers, have %d", n, s.Hub().Stats().Subscribers)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, c *client.Client) client.Broadcast {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return b
}

// expectClosed reads until the server closes the connection.
func expectClosed(t *testing.T, c *client.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		_, err := c.ReceiveLine(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) {
			t.Fatal("Connection was not closed by the server")
		}
		return
	}
}
