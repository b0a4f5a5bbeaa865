// Package events implements the optional progress push channel described in
// §4.I: an in-process chan Event fan-out plus, for callers that want to
// observe a run from another process, a WebSocket broadcaster. Nothing in
// the orchestrator depends on a listener being attached — Publish is
// non-blocking and a Bus with zero subscribers is a no-op sink.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kilnforge/kiln"
)

// Type classifies an Event.
type Type string

const (
	TypeScanStarted    Type = "scan_started"
	TypeScanProgress   Type = "scan_progress"
	TypeFileProcessed  Type = "file_processed"
	TypePhaseCompleted Type = "phase_completed"
	TypeRunCompleted   Type = "run_completed"
	TypeError          Type = "error"
)

// Event is one progress notification emitted during a scan_and_process run.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Phase names the pipeline stage this event concerns ("scan",
	// "classify", "process" or "delete").
	Phase string `json:"phase,omitempty"`

	// DocID identifies the file a TypeFileProcessed event concerns.
	DocID string `json:"doc_id,omitempty"`

	// Done/Total describe coarse progress within Phase, for TypeScanProgress
	// and TypePhaseCompleted events. Total is 0 when not yet known (e.g. a
	// scan still walking the tree).
	Done  int `json:"done,omitempty"`
	Total int `json:"total,omitempty"`

	Message string `json:"message,omitempty"`

	// Err carries the failure for a TypeError event. Not serialized
	// directly to JSON (error isn't Marshaler-friendly); ErrText is.
	Err     error  `json:"-"`
	ErrText string `json:"error,omitempty"`

	// Result is set only on TypeRunCompleted.
	Result *kiln.ProcessingResult `json:"result,omitempty"`
}

const broadcastChannelSize = 256

// Bus fans out Events to in-process subscribers and to WebSocket clients
// attached through ServeHTTP. The zero value is not usable; use
// NewBus.
type Bus struct {
	logger *slog.Logger

	publish chan Event

	subMu sync.RWMutex
	subs  map[chan Event]struct{}

	clients *clientRegistry

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewBus constructs a Bus and starts its dispatch loop. Call Close when the
// run (or server) is shutting down.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:  logger,
		publish: make(chan Event, broadcastChannelSize),
		subs:    make(map[chan Event]struct{}),
		clients: newClientRegistry(),
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Publish enqueues an Event for delivery. Non-blocking: if the internal
// channel is full, the event is dropped and logged, matching the teacher's
// "drop rather than block the publisher" broadcast policy.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Err != nil && e.ErrText == "" {
		e.ErrText = e.Err.Error()
	}
	select {
	case b.publish <- e:
	default:
		b.logger.Warn("event bus publish channel full, dropping event", "type", e.Type, "phase", e.Phase)
	}
}

// Subscribe registers an in-process listener. The returned channel receives
// every Event published after this call; the returned func unsubscribes and
// closes the channel. Callers must drain the channel promptly — delivery is
// non-blocking and slow subscribers miss events rather than stall the bus.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, broadcastChannelSize)
	b.subMu.Lock()
	b.subs[ch] = struct{}{}
	b.subMu.Unlock()

	unsubscribe := func() {
		b.subMu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.subMu.Unlock()
	}
	return ch, unsubscribe
}

// dispatchLoop reads published events and fans them out to subscribers and
// WebSocket clients until Close is called.
func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case e := <-b.publish:
			b.fanOutToSubscribers(e)
			b.clients.broadcast(e, b.logger)
		}
	}
}

func (b *Bus) fanOutToSubscribers(e Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event subscriber channel full, dropping event", "type", e.Type)
		}
	}
}

// Close stops the dispatch loop and closes any attached WebSocket clients.
// Safe to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.clients.closeAll(b.logger)
	})
}
