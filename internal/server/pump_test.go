package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/chatrelay/internal/hub"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

type pipeHarness struct {
	pump   *pump
	hub    *hub.Hub
	peer   net.Conn
	reader *bufio.Reader
	sink   *recordingSink
	done   chan error
}

// startPipePump runs a pump over one end of an in-memory pipe; the test plays
// the client on the other end.
func startPipePump(t *testing.T, cfg Config, h *hub.Hub) *pipeHarness {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	sink := &recordingSink{}
	p := newPump(newTCPStream(serverSide, cfg.MaxFrameSize), "session-1", h, h.Subscribe(), cfg, sink)

	hs := &pipeHarness{
		pump:   p,
		hub:    h,
		peer:   clientSide,
		reader: bufio.NewReader(clientSide),
		sink:   sink,
		done:   make(chan error, 1),
	}
	go func() {
		hs.done <- p.run(context.Background())
	}()

	t.Cleanup(func() {
		_ = clientSide.Close()
		select {
		case <-hs.done:
		case <-time.After(3 * time.Second):
			t.Error("Pump did not stop after the peer closed")
		}
	})
	return hs
}

func (hs *pipeHarness) send(t *testing.T, text string) {
	t.Helper()
	if err := hs.peer.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetWriteDeadline: %v", err)
	}
	if _, err := hs.peer.Write([]byte(text)); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func (hs *pipeHarness) readLine(t *testing.T) string {
	t.Helper()
	if err := hs.peer.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	line, err := hs.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func (hs *pipeHarness) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-hs.done:
		hs.done <- err
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Pump did not finish")
		return nil
	}
}

func pipeConfig() Config {
	cfg := testConfig().sanitize()
	return cfg
}

// TestPumpPublishesInboundMessages verifies that a legacy line is parsed,
// re-serialized, tagged with the peer address and broadcast, including back
// to the sender.
func TestPumpPublishesInboundMessages(t *testing.T) {
	h := hub.New(8)
	observer := h.Subscribe()
	hs := startPipePump(t, pipeConfig(), h)

	hs.send(t, "avery: hello there\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := observer.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	want := `pipe: {"sender":"avery","content":"hello there"}`
	if string(got) != want {
		t.Errorf("Expected broadcast %q, got %q", want, got)
	}

	if echo := hs.readLine(t); echo != want {
		t.Errorf("Expected echo %q, got %q", want, echo)
	}

	e := hs.sink.waitFor(t, EventBroadcast, nil, time.Second)
	if e.Session != "session-1" || e.Peer != "pipe" || e.Transport != TransportTCP {
		t.Errorf("Unexpected broadcast event %+v", e)
	}
}

func TestPumpSplitsFramesOnNewlines(t *testing.T) {
	h := hub.New(8)
	observer := h.Subscribe()
	hs := startPipePump(t, pipeConfig(), h)

	go func() { _, _ = io.Copy(io.Discard, hs.peer) }()
	hs.send(t, "a: one\n\n   \nb: two\n{\"sender\":\"c\",\"content\":\"three\"}\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, want := range []string{"one", "two", "three"} {
		got, err := observer.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if !strings.Contains(string(got), `"content":"`+want+`"`) {
			t.Errorf("Expected content %q in %q", want, got)
		}
	}
}

func TestPumpWritesBroadcastsVerbatim(t *testing.T) {
	h := hub.New(8)
	hs := startPipePump(t, pipeConfig(), h)

	waitForHubSubscribers(t, h, 1)
	if err := h.Publish([]byte("10.0.0.1:4000: {\"sender\":\"x\",\"content\":\"y\"}")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := hs.readLine(t); got != `10.0.0.1:4000: {"sender":"x","content":"y"}` {
		t.Errorf("Unexpected line %q", got)
	}
}

func TestPumpClosesOnMalformedMessage(t *testing.T) {
	h := hub.New(8)
	hs := startPipePump(t, pipeConfig(), h)

	hs.send(t, "this line has no separator\n")

	err := hs.result(t)
	if !errors.Is(err, protocol.ErrMalformedMessage) {
		t.Fatalf("Expected ErrMalformedMessage, got %v", err)
	}

	// The pump closed its end before returning, so this read cannot block.
	if _, err := hs.reader.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected the connection to be closed, got %v", err)
	}

	closed := hs.sink.waitFor(t, EventClosed, nil, time.Second)
	if !errors.Is(closed.Err, protocol.ErrMalformedMessage) {
		t.Errorf("Expected close event to carry the parse error, got %v", closed.Err)
	}
	if got := h.Stats().Subscribers; got != 0 {
		t.Errorf("Expected subscription to be released, have %d subscribers", got)
	}
}

func TestPumpIdleTimeout(t *testing.T) {
	cfg := pipeConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	hs := startPipePump(t, cfg, hub.New(8))

	start := time.Now()
	if err := hs.result(t); !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("Expected ErrReadTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Idle connection took %v to close", elapsed)
	}
}

func TestPumpIdleTimeoutResetsOnEachRead(t *testing.T) {
	cfg := pipeConfig()
	cfg.IdleTimeout = 150 * time.Millisecond
	h := hub.New(16)
	hs := startPipePump(t, cfg, h)
	go func() { _, _ = io.Copy(io.Discard, hs.peer) }()

	// Partial line bytes count as activity.
	for i := 0; i < 6; i++ {
		hs.send(t, "a")
		time.Sleep(60 * time.Millisecond)
	}
	hs.send(t, ": still alive\n")

	select {
	case err := <-hs.done:
		hs.done <- err
		t.Fatalf("Pump closed an active connection: %v", err)
	default:
	}
}

func TestPumpPeerCloseIsClean(t *testing.T) {
	hs := startPipePump(t, pipeConfig(), hub.New(8))

	_ = hs.peer.Close()
	if err := hs.result(t); err != nil {
		t.Errorf("Expected nil error on clean close, got %v", err)
	}
	closed := hs.sink.waitFor(t, EventClosed, nil, time.Second)
	if closed.Err != nil {
		t.Errorf("Expected close event without error, got %v", closed.Err)
	}
}

func TestPumpStopsWhenHubCloses(t *testing.T) {
	h := hub.New(8)
	hs := startPipePump(t, pipeConfig(), h)

	waitForHubSubscribers(t, h, 1)
	h.Close()

	if err := hs.result(t); err != nil {
		t.Errorf("Expected nil error when hub closes, got %v", err)
	}
}

// TestPumpReportsLagAndContinues verifies that a client too slow for the hub
// backlog is told nothing, loses the oldest messages, and keeps receiving.
func TestPumpReportsLagAndContinues(t *testing.T) {
	h := hub.New(2)
	hs := startPipePump(t, pipeConfig(), h)
	waitForHubSubscribers(t, h, 1)

	const total = 10
	for i := 0; i < total; i++ {
		if err := h.Publish([]byte(fmt.Sprintf("m-%d", i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var received []int
	for {
		line := hs.readLine(t)
		var n int
		if _, err := fmt.Sscanf(line, "m-%d", &n); err != nil {
			t.Fatalf("Unexpected line %q", line)
		}
		received = append(received, n)
		if n == total-1 {
			break
		}
	}

	if len(received) >= total {
		t.Errorf("Expected some messages to be skipped, received %v", received)
	}
	for i := 1; i < len(received); i++ {
		if received[i] <= received[i-1] {
			t.Errorf("Messages out of order: %v", received)
		}
	}

	hs.sink.waitFor(t, EventLagged, nil, time.Second)
	var skipped uint64
	for _, e := range hs.sink.snapshot() {
		if e.Kind == EventLagged {
			skipped += e.Skipped
		}
	}
	if skipped == 0 {
		t.Error("Expected lag events to report skipped messages")
	}
	if int(skipped)+len(received) != total {
		t.Errorf("Skipped %d plus received %d should cover %d messages", skipped, len(received), total)
	}

	if err := h.Publish([]byte("m-after")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := hs.readLine(t); got != "m-after" {
		t.Errorf("Expected delivery to resume, got %q", got)
	}
}

func TestPumpRateLimit(t *testing.T) {
	cfg := pipeConfig()
	cfg.RateLimit = RateLimitConfig{Burst: 1, RefillInterval: time.Hour}
	h := hub.New(8)
	observer := h.Subscribe()
	hs := startPipePump(t, cfg, h)
	go func() { _, _ = io.Copy(io.Discard, hs.peer) }()

	hs.send(t, "a: 1\nb: 2\nc: 3\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := observer.Recv(ctx); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	hs.sink.waitFor(t, EventRateLimited, nil, time.Second)
	deadline := time.Now().Add(time.Second)
	for hs.sink.count(EventRateLimited) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := hs.sink.count(EventRateLimited); got != 2 {
		t.Errorf("Expected 2 rate limited events, got %d", got)
	}
	if got := h.Stats().Published; got != 1 {
		t.Errorf("Expected 1 published message, got %d", got)
	}
}

func TestPumpRejectsOversizedFrame(t *testing.T) {
	cfg := pipeConfig()
	cfg.MaxFrameSize = 32
	hs := startPipePump(t, cfg, hub.New(8))

	go func() {
		_ = hs.peer.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_, _ = hs.peer.Write([]byte(strings.Repeat("x", 100)))
	}()

	if err := hs.result(t); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestPumpAcceptsFrameAtSizeLimit(t *testing.T) {
	cfg := pipeConfig()
	cfg.MaxFrameSize = 32
	h := hub.New(8)
	observer := h.Subscribe()
	hs := startPipePump(t, cfg, h)
	go func() { _, _ = io.Copy(io.Discard, hs.peer) }()

	frame := "a:" + strings.Repeat("x", 30)
	hs.send(t, frame+"\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := observer.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !strings.Contains(string(got), strings.Repeat("x", 30)) {
		t.Errorf("Unexpected broadcast %q", got)
	}

	select {
	case err := <-hs.done:
		hs.done <- err
		t.Fatalf("Pump closed on a frame at the limit: %v", err)
	default:
	}
}

func TestPumpEnforcesSmallFrameLimit(t *testing.T) {
	cfg := pipeConfig()
	cfg.MaxFrameSize = 4
	hs := startPipePump(t, cfg, hub.New(8))

	hs.send(t, "a:bcd\n")

	if err := hs.result(t); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge for a 5 byte frame over a 4 byte limit, got %v", err)
	}
}

func waitForHubSubscribers(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Subscribers != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d subscribers, have %d", n, h.Stats().Subscribers)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
