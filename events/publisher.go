package events

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ferrydb/ferry/cfg"
	"github.com/ferrydb/ferry/encoding"
	"github.com/rs/zerolog/log"
)

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.EventsConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

func createSink(config cfg.EventsConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Sink]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Sink)
	}

	return factory(config)
}

// Publisher fans lifecycle events out to a configured sink without ever
// blocking the emitting code path. Events are dropped when the buffer is
// full; the drop count is logged on Stop.
type Publisher struct {
	sink        Sink
	filter      Filter
	topicPrefix string

	ch      chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	dropped atomic.Uint64
	running atomic.Bool

	lifecycleMu sync.Mutex
}

// NewPublisher builds a publisher from the events configuration.
// Returns (nil, nil) when events are disabled.
func NewPublisher(config cfg.EventsConfiguration) (*Publisher, error) {
	if !config.Enabled {
		return nil, nil
	}

	snk, err := createSink(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create events sink: %w", err)
	}

	filter, err := NewGlobFilter(config.KindPatterns)
	if err != nil {
		snk.Close()
		return nil, fmt.Errorf("failed to create events filter: %w", err)
	}

	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}

	return &Publisher{
		sink:        snk,
		filter:      filter,
		topicPrefix: config.TopicPrefix,
		ch:          make(chan Event, bufferSize),
	}, nil
}

// Emit queues an event for publishing. Never blocks; nil receiver and
// full buffer are both safe.
func (p *Publisher) Emit(event Event) {
	if p == nil || !p.running.Load() {
		return
	}

	if !p.filter.Match(event.Kind) {
		return
	}

	select {
	case p.ch <- event:
	default:
		p.dropped.Add(1)
	}
}

// Start launches the publishing goroutine
func (p *Publisher) Start() {
	if p == nil {
		return
	}

	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running.Load() {
		return
	}

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.running.Store(true)

	go p.run()

	log.Info().Str("topic_prefix", p.topicPrefix).Msg("Events publisher started")
}

// Stop drains buffered events, closes the sink and waits for the goroutine
func (p *Publisher) Stop() {
	if p == nil {
		return
	}

	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running.Load() {
		return
	}

	p.running.Store(false)
	close(p.stopCh)
	<-p.doneCh

	if err := p.sink.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close events sink")
	}

	if dropped := p.dropped.Load(); dropped > 0 {
		log.Warn().Uint64("dropped", dropped).Msg("Events dropped due to full buffer")
	}

	log.Info().Msg("Events publisher stopped")
}

func (p *Publisher) run() {
	defer close(p.doneCh)

	for {
		select {
		case event := <-p.ch:
			p.publish(event)
		case <-p.stopCh:
			// Drain whatever is still buffered before exiting
			for {
				select {
				case event := <-p.ch:
					p.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(event Event) {
	payload, err := encoding.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("kind", event.Kind).Msg("Failed to encode event")
		return
	}

	topic := p.topicPrefix + "." + event.Kind
	key := strconv.FormatUint(event.NodeID, 10)

	if err := p.sink.Publish(topic, key, payload); err != nil {
		log.Error().
			Err(err).
			Str("kind", event.Kind).
			Uint64("node_id", event.NodeID).
			Msg("Failed to publish event")
	}
}
