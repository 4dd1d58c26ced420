// Package progress fans pipeline events out to live subscribers.
package progress

import (
	"sync"

	"retratai/internal/infra"
	"retratai/internal/pipeline"
)

const defaultBuffer = 32

// Broker delivers events per submission id. Slow subscribers miss events
// instead of blocking the pipeline.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	logger *infra.Logger
}

type subscriber struct {
	ch     chan pipeline.Event
	closed bool
}

// NewBroker builds a broker whose subscriber channels hold buffer events.
func NewBroker(buffer int, logger *infra.Logger) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		nop := infra.NopLogger()
		logger = &nop
	}
	return &Broker{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Observe implements pipeline.Observer. Subscribers of a run are closed
// after its terminal event.
func (b *Broker) Observe(ev pipeline.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[ev.SubmissionID]
	for s := range set {
		select {
		case s.ch <- ev:
		default:
			b.logger.Warn().Str("submission_id", ev.SubmissionID).Str("state", string(ev.State)).Msg("progress: subscriber buffer full, event dropped")
		}
		if ev.State.Terminal() {
			s.closed = true
			close(s.ch)
		}
	}
	if ev.State.Terminal() {
		delete(b.subs, ev.SubmissionID)
	}
}

// Subscribe returns a channel of events for id and a function that releases
// it. The channel is closed on the terminal event or on release.
func (b *Broker) Subscribe(id string) (<-chan pipeline.Event, func()) {
	s := &subscriber{ch: make(chan pipeline.Event, b.buffer)}
	b.mu.Lock()
	set, ok := b.subs[id]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[id] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[id]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(b.subs, id)
				}
			}
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		})
	}
	return s.ch, release
}

// Watchers reports the live subscriptions across all runs.
func (b *Broker) Watchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

func (b *Broker) subscribers(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}
