// Package hub implements the broadcast fan-out shared by every connection.
//
// A Hub keeps the most recent messages in a fixed-size ring. Each Subscription
// owns a cursor into the global sequence of publishes, so publishers never
// wait on subscribers: a subscriber that falls more than a ring's worth behind
// is moved forward to the oldest retained message and told how many it lost.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the number of messages retained for slow subscribers.
const DefaultCapacity = 100

var (
	// ErrClosed is returned by Publish after Close, and by Recv once a closed
	// hub has no more retained messages for the subscriber.
	ErrClosed = errors.New("hub closed")

	// ErrLagged matches any *LaggedError via errors.Is.
	ErrLagged = errors.New("subscriber lagged")
)

// LaggedError reports that a subscriber skipped messages it was too slow to
// receive. The subscription stays usable.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged: skipped %d messages", e.Skipped)
}

// Is lets errors.Is(err, ErrLagged) match.
func (e *LaggedError) Is(target error) bool {
	return target == ErrLagged
}

// Stats is a point-in-time snapshot of hub counters.
type Stats struct {
	Capacity    int    `json:"capacity"`
	Published   uint64 `json:"published"`
	Subscribers int    `json:"subscribers"`
	LagEvents   uint64 `json:"lag_events"`
	Skipped     uint64 `json:"skipped"`
	Closed      bool   `json:"closed"`
}

// Hub is a multi-producer, multi-consumer broadcast channel. The zero value is
// not usable; create one with New.
type Hub struct {
	mu          sync.Mutex
	ring        [][]byte
	head        uint64 // sequence number of the next publish
	notify      chan struct{}
	closed      bool
	subscribers int
	lagEvents   uint64
	skipped     uint64
}

// New creates a hub retaining up to capacity messages. Non-positive values
// select DefaultCapacity.
func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		ring:   make([][]byte, capacity),
		notify: make(chan struct{}),
	}
}

// Subscribe returns a subscription that receives every message published
// after this call returns.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribers++
	return &Subscription{hub: h, next: h.head}
}

// Publish appends text to the ring and wakes all waiting subscribers. It never
// blocks on slow subscribers. The hub keeps its own copy of text.
func (h *Hub) Publish(text []byte) error {
	msg := append([]byte(nil), text...)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	h.ring[h.head%uint64(len(h.ring))] = msg
	h.head++
	h.wakeLocked()
	return nil
}

// Close marks the hub closed. Subscribers drain what is still retained and
// then receive ErrClosed. Close is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.wakeLocked()
}

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Stats{
		Capacity:    len(h.ring),
		Published:   h.head,
		Subscribers: h.subscribers,
		LagEvents:   h.lagEvents,
		Skipped:     h.skipped,
		Closed:      h.closed,
	}
}

func (h *Hub) wakeLocked() {
	close(h.notify)
	h.notify = make(chan struct{})
}

// Subscription is a receive-only cursor into a Hub. A Subscription must not be
// used from more than one goroutine at a time.
type Subscription struct {
	hub    *Hub
	next   uint64
	closed bool
}

// Recv blocks until the next message is available, the hub is closed, or ctx
// is done. A *LaggedError is returned once when messages were skipped; the
// following call resumes with the oldest retained message.
func (s *Subscription) Recv(ctx context.Context) ([]byte, error) {
	for {
		msg, wait, err := s.poll()
		if err != nil || wait == nil {
			return msg, err
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryRecv is the non-blocking form of Recv. It reports false when nothing is
// pending.
func (s *Subscription) TryRecv() ([]byte, bool, error) {
	msg, wait, err := s.poll()
	if err != nil {
		return nil, false, err
	}
	if wait != nil {
		return nil, false, nil
	}
	return msg, true, nil
}

// poll returns either a message, an error, or a channel to wait on.
func (s *Subscription) poll() ([]byte, <-chan struct{}, error) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return nil, nil, ErrClosed
	}

	if s.next < h.head {
		capacity := uint64(len(h.ring))
		if h.head-s.next > capacity {
			oldest := h.head - capacity
			skipped := oldest - s.next
			s.next = oldest
			h.lagEvents++
			h.skipped += skipped
			return nil, nil, &LaggedError{Skipped: skipped}
		}

		msg := h.ring[s.next%capacity]
		s.next++
		return msg, nil, nil
	}

	if h.closed {
		return nil, nil, ErrClosed
	}
	return nil, h.notify, nil
}

// Close detaches the subscription from its hub. It is safe to call more than
// once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	h.subscribers--
}
