// SPDX-License-Identifier: MIT

// Package bus is the in-process event fan-out between the ingest pipeline,
// the detection scheduler, the decision engine and the stream hub.
// Delivery is at-least-once while publish contexts remain active; it is
// not durable.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/metrics"
	"github.com/stellwerk/railwatch/internal/model"
)

// Topics. Subscribers pick the slice of the event stream they care about.
const (
	TopicPositions = "positions" // PositionUpdate, SectionEntry, SectionExit
	TopicConflicts = "conflicts" // ConflictDetected, ConflictUpdated, ConflictResolved, ConflictAlert
	TopicDecisions = "decisions" // DecisionLogged, DecisionExecuted
	TopicSystem    = "system"    // SectionStatus, SystemMessage
)

const subBuffer = 64

const dropLogEvery = 100

var dropCount atomic.Uint64

// Subscriber is one attached consumer. Close detaches it; the channel is
// closed afterwards.
type Subscriber interface {
	C() <-chan model.Event
	Close() error
}

// Bus is the in-memory pub/sub.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan model.Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]chan model.Event)}
}

func publishDropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

// Publish delivers an event to every subscriber of the topic, blocking on
// full subscriber buffers until the context ends.
func (b *Bus) Publish(ctx context.Context, topic string, ev model.Event) error {
	b.mu.RLock()
	chs := append([]chan model.Event(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			reason := publishDropReason(ctx.Err())
			metrics.IncBusDrop(topic, reason)
			count := dropCount.Add(1)
			if count%dropLogEvery == 0 {
				logger := log.WithComponent("bus")
				logger.Warn().
					Str("topic", topic).
					Str("reason", reason).
					Uint64("dropped", count).
					Msg("publish dropped on context cancellation")
			}
			return fmt.Errorf("publish topic %q: %w", topic, ctx.Err())
		}
	}
	return nil
}

// Subscribe attaches a consumer to a topic.
func (b *Bus) Subscribe(topic string) Subscriber {
	ch := make(chan model.Event, subBuffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	return &memSub{b: b, topic: topic, ch: ch}
}

type memSub struct {
	b     *Bus
	topic string
	ch    chan model.Event
	once  sync.Once
}

func (s *memSub) C() <-chan model.Event { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		chs := s.b.subs[s.topic]
		for i, ch := range chs {
			if ch == s.ch {
				s.b.subs[s.topic] = append(chs[:i], chs[i+1:]...)
				break
			}
		}
		s.b.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// TopicFor routes an event kind onto its topic.
func TopicFor(kind model.EventKind) string {
	switch kind {
	case model.EventPositionUpdate, model.EventSectionEntry, model.EventSectionExit:
		return TopicPositions
	case model.EventConflictDetected, model.EventConflictUpdated, model.EventConflictResolved, model.EventConflictAlert:
		return TopicConflicts
	case model.EventDecisionLogged, model.EventDecisionExecuted:
		return TopicDecisions
	default:
		return TopicSystem
	}
}
