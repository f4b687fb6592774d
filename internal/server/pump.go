// Package server runs one pump per connection, moving inbound frames into the
// hub and hub broadcasts back out to the connection.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/hub"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// pump owns a Stream and its hub Subscription for the lifetime of the
// connection. Only the goroutine running run reacts to events; the reader and
// receiver goroutines just wait and hand results over.
type pump struct {
	stream       Stream
	peer         string
	session      string
	hub          *hub.Hub
	sub          *hub.Subscription
	events       EventSink
	idleTimeout  time.Duration
	writeTimeout time.Duration
	limiter      *rateLimiter
}

type inbound struct {
	frame []byte
	err   error
}

type delivery struct {
	msg []byte
	err error
}

func newPump(stream Stream, session string, h *hub.Hub, sub *hub.Subscription, cfg Config, events EventSink) *pump {
	return &pump{
		stream:       stream,
		peer:         stream.RemoteAddr(),
		session:      session,
		hub:          h,
		sub:          sub,
		events:       events,
		idleTimeout:  cfg.IdleTimeout,
		writeTimeout: cfg.WriteTimeout,
		limiter:      newRateLimiter(cfg.RateLimit),
	}
}

// run pumps messages until the connection ends and returns the reason. A nil
// error means the peer closed cleanly or the hub shut down.
func (p *pump) run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)

	frames := make(chan inbound)
	deliveries := make(chan delivery)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.readFrames(ctx, frames)
	}()
	go func() {
		defer wg.Done()
		p.receiveBroadcasts(ctx, deliveries)
	}()

	defer func() {
		cancel()
		if closeErr := p.stream.Close(); closeErr != nil && !isExpectedCloseError(closeErr) && err == nil {
			err = fmt.Errorf("close: %w", closeErr)
		}
		wg.Wait()
		p.sub.Close()
		p.emit(Event{Kind: EventClosed, Err: err})
	}()

	for {
		var done bool
		select {
		case in := <-frames:
			done, err = p.handleInbound(in)
		case out := <-deliveries:
			done, err = p.handleDelivery(out)
		case <-ctx.Done():
			return nil
		}
		if done {
			return err
		}
	}
}

func (p *pump) readFrames(ctx context.Context, frames chan<- inbound) {
	for {
		frame, err := p.stream.ReadFrame(p.idleTimeout)
		select {
		case frames <- inbound{frame: frame, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (p *pump) receiveBroadcasts(ctx context.Context, deliveries chan<- delivery) {
	for {
		msg, err := p.sub.Recv(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case deliveries <- delivery{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil && !errors.Is(err, hub.ErrLagged) {
			return
		}
	}
}

// handleInbound reports whether the connection is finished and why.
func (p *pump) handleInbound(in inbound) (bool, error) {
	if in.err != nil {
		if errors.Is(in.err, io.EOF) {
			return true, nil
		}
		return true, in.err
	}

	trimmed := bytes.TrimSpace(in.frame)
	if len(trimmed) == 0 {
		return false, nil
	}

	if !p.limiter.allow() {
		p.emit(Event{Kind: EventRateLimited, Bytes: len(trimmed)})
		return false, nil
	}

	msg, err := protocol.Parse(trimmed)
	if err != nil {
		return true, err
	}
	payload, err := protocol.Serialize(msg)
	if err != nil {
		return true, err
	}

	line := protocol.Format(p.peer, payload)
	if err := p.hub.Publish(line); err != nil {
		if errors.Is(err, hub.ErrClosed) {
			return true, nil
		}
		return true, err
	}

	p.emit(Event{Kind: EventBroadcast, Bytes: len(line)})
	return false, nil
}

func (p *pump) handleDelivery(out delivery) (bool, error) {
	if out.err != nil {
		var lagged *hub.LaggedError
		if errors.As(out.err, &lagged) {
			p.emit(Event{Kind: EventLagged, Skipped: lagged.Skipped})
			return false, nil
		}
		if errors.Is(out.err, hub.ErrClosed) {
			return true, nil
		}
		return true, out.err
	}

	if err := p.stream.WriteFrame(out.msg, p.writeTimeout); err != nil {
		return true, fmt.Errorf("write: %w", err)
	}
	return false, nil
}

func (p *pump) emit(e Event) {
	e.Transport = p.stream.Transport()
	e.Peer = p.peer
	e.Session = p.session
	p.events.Emit(e)
}
