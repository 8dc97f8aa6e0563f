// Package queue buffers inbound messages per logical upstream while the
// agent server is down, then drains them sequentially once it comes back.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

const (
	// DefaultPollInterval is how often a drain loop re-probes health.
	DefaultPollInterval = 3 * time.Second
	// DefaultMaxWait bounds how long queued messages wait for the upstream.
	DefaultMaxWait = 90 * time.Second
)

// ErrNotReady rejects queued messages when the upstream never recovered.
var ErrNotReady = errors.New("agent server did not become ready")

// ErrRequeued marks an item that was handed back to the queue instead of
// being processed. The fresh queue entry reports the eventual outcome; the
// original result channel must not treat this as success.
var ErrRequeued = errors.New("message re-queued while upstream not ready")

// HealthChecker is the slice of the agent client the queue probes.
type HealthChecker interface {
	IsReady(ctx context.Context) bool
}

// ProcessFunc is the engine callback a drain loop feeds messages into.
type ProcessFunc func(ctx context.Context, msg *channels.NormalizedMessage, cfg *channels.ChannelConfig) error

type item struct {
	msg    *channels.NormalizedMessage
	cfg    *channels.ChannelConfig
	client HealthChecker
	done   chan error
}

// Readiness is the per-key message buffer. At most one drain loop runs per
// key; within a key, items drain strictly FIFO and sequentially.
type Readiness struct {
	mu       sync.Mutex
	queues   map[string][]*item
	draining map[string]bool

	onProcess ProcessFunc

	// PollInterval and MaxWait govern the readiness wait. Set before the
	// first Enqueue.
	PollInterval time.Duration
	MaxWait      time.Duration
}

// New creates a Readiness queue with the default poll cadence.
func New() *Readiness {
	return &Readiness{
		queues:       make(map[string][]*item),
		draining:     make(map[string]bool),
		PollInterval: DefaultPollInterval,
		MaxWait:      DefaultMaxWait,
	}
}

// OnProcess registers the engine callback drain loops invoke. Must be set
// before the first Enqueue.
func (q *Readiness) OnProcess(fn ProcessFunc) { q.onProcess = fn }

// Enqueue buffers a message under a queue key and returns a channel that
// yields the item's eventual processing result (nil, a processing error,
// ErrNotReady, or ErrRequeued when the callback handed the message back).
// Starts a drain loop for the key if none is running.
func (q *Readiness) Enqueue(key string, msg *channels.NormalizedMessage, cfg *channels.ChannelConfig, client HealthChecker) <-chan error {
	it := &item{msg: msg, cfg: cfg, client: client, done: make(chan error, 1)}

	q.mu.Lock()
	q.queues[key] = append(q.queues[key], it)
	start := !q.draining[key]
	if start {
		q.draining[key] = true
	}
	size := len(q.queues[key])
	q.mu.Unlock()

	slog.Info("message queued for upstream readiness", "key", key, "queue_size", size)
	if start {
		go q.drain(key)
	}
	return it.done
}

// QueueSize reports the number of buffered items for a key.
func (q *Readiness) QueueSize(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[key])
}

// TotalQueueSize reports the number of buffered items across all keys.
func (q *Readiness) TotalQueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, items := range q.queues {
		total += len(items)
	}
	return total
}

func (q *Readiness) drain(key string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("drain loop panicked", "key", key, "panic", r)
			q.rejectAll(key, fmt.Errorf("drain failed: %v", r))
		}
	}()

	for {
		q.mu.Lock()
		items := q.queues[key]
		if len(items) == 0 {
			delete(q.queues, key)
			delete(q.draining, key)
			q.mu.Unlock()
			return
		}
		it := items[0]
		q.mu.Unlock()

		// The upstream can drop mid-drain. Re-apply the readiness wait with
		// a fresh deadline before every item; when ready the first probe
		// answers immediately.
		if !q.awaitReady(it.client) {
			slog.Warn("upstream never became ready, rejecting queue", "key", key)
			q.rejectAll(key, ErrNotReady)
			return
		}

		q.mu.Lock()
		items = q.queues[key]
		if len(items) == 0 {
			delete(q.queues, key)
			delete(q.draining, key)
			q.mu.Unlock()
			return
		}
		it = items[0]
		q.queues[key] = items[1:]
		q.mu.Unlock()

		it.done <- q.process(it)
	}
}

func (q *Readiness) process(it *item) error {
	if q.onProcess == nil {
		return errors.New("no process callback registered")
	}
	return q.onProcess(context.Background(), it.msg, it.cfg)
}

// awaitReady polls health until the upstream answers or the deadline passes.
func (q *Readiness) awaitReady(client HealthChecker) bool {
	deadline := time.Now().Add(q.MaxWait)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), q.PollInterval)
		ready := client.IsReady(ctx)
		cancel()
		if ready {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(q.PollInterval)
	}
}

// rejectAll fails every buffered item for a key and drops the queue.
func (q *Readiness) rejectAll(key string, err error) {
	q.mu.Lock()
	items := q.queues[key]
	delete(q.queues, key)
	delete(q.draining, key)
	q.mu.Unlock()

	for _, it := range items {
		it.done <- err
	}
}
