package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferrydb/ferry/telemetry"
	"github.com/rs/zerolog/log"
)

// defaultSignalBufferSize is the buffer size for transition channels.
// Subscribers that can't keep up will have transitions dropped
// (non-blocking send); recovery tolerates missed edges because the queue
// worker drains backlog for any healthy node regardless of triggers.
const defaultSignalBufferSize = 16

// Transition is a node health edge observed by the tracker.
type Transition struct {
	NodeID  uint64
	Healthy bool
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	ch     chan Transition
	closed atomic.Bool
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Tracker polls the oracle for a fixed set of nodes and fans out health
// transitions to subscribers. It keeps no state beyond the last observed
// answer per node; the oracle remains the source of truth.
type Tracker struct {
	oracle       Oracle
	nodes        []uint64
	interval     time.Duration
	probeTimeout time.Duration

	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64

	last map[uint64]bool

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewTracker creates a tracker over the given nodes.
func NewTracker(oracle Oracle, nodes []uint64, interval, probeTimeout time.Duration) *Tracker {
	return &Tracker{
		oracle:        oracle,
		nodes:         nodes,
		interval:      interval,
		probeTimeout:  probeTimeout,
		subscriptions: make(map[uint64]*subscription),
		last:          make(map[uint64]bool),
	}
}

// Subscribe returns a transition channel and a cancel function.
// The channel is buffered; slow subscribers lose transitions silently.
// The cancel function is idempotent.
func (t *Tracker) Subscribe() (<-chan Transition, func()) {
	sub := &subscription{
		id: t.nextID.Add(1),
		ch: make(chan Transition, defaultSignalBufferSize),
	}

	t.mu.Lock()
	t.subscriptions[sub.id] = sub
	t.mu.Unlock()

	cancel := func() {
		t.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

func (t *Tracker) unsubscribe(id uint64) {
	t.mu.Lock()
	sub, ok := t.subscriptions[id]
	if ok {
		delete(t.subscriptions, id)
	}
	t.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Start begins polling. Safe to call once per Stop.
func (t *Tracker) Start() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if t.running.Load() {
		return
	}

	t.running.Store(true)
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	log.Info().
		Int("nodes", len(t.nodes)).
		Dur("interval", t.interval).
		Msg("Starting health tracker")

	go t.pollLoop()
}

// Stop stops polling and closes all subscriber channels.
func (t *Tracker) Stop() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if !t.running.Load() {
		return
	}

	close(t.stopCh)
	<-t.doneCh
	t.running.Store(false)

	t.mu.Lock()
	for id, sub := range t.subscriptions {
		delete(t.subscriptions, id)
		sub.close()
	}
	t.mu.Unlock()

	log.Info().Msg("Health tracker stopped")
}

func (t *Tracker) pollLoop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	// Prime the last-seen map so the first tick only reports real edges.
	t.probeAll(false)

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.probeAll(true)
		}
	}
}

// probeAll probes every tracked node once and (optionally) signals edges.
func (t *Tracker) probeAll(signal bool) {
	for _, nodeID := range t.nodes {
		ctx, cancel := context.WithTimeout(context.Background(), t.probeTimeout)
		healthy := t.oracle.IsHealthy(ctx, nodeID)
		cancel()

		if healthy {
			telemetry.HealthProbes.With("healthy").Inc()
		} else {
			telemetry.HealthProbes.With("unhealthy").Inc()
		}

		prev, seen := t.last[nodeID]
		t.last[nodeID] = healthy

		if !signal || (seen && prev == healthy) {
			continue
		}

		telemetry.HealthTransitions.Inc()

		log.Info().
			Uint64("target_node", nodeID).
			Bool("healthy", healthy).
			Msg("Node health transition")

		t.broadcast(Transition{NodeID: nodeID, Healthy: healthy})
	}
}

func (t *Tracker) broadcast(tr Transition) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, sub := range t.subscriptions {
		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- tr:
		default:
		}
	}
}
