package orchestrator

import "github.com/dmarkov/agentflow/pkg/models"

// EventSink receives progress events. The orchestrator emits synchronously
// at each state transition, in execution order; how events are delivered
// beyond the sink (pub/sub, push, log) is up to the implementation.
// Implementations must be safe for concurrent use.
type EventSink interface {
	Emit(ev models.ProgressEvent)
}

// ChannelSink buffers events on a channel for an external consumer. When
// the consumer lags behind the buffer, events are dropped rather than
// stalling orchestration.
type ChannelSink struct {
	ch chan models.ProgressEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan models.ProgressEvent, buffer)}
}

func (s *ChannelSink) Emit(ev models.ProgressEvent) {
	select {
	case s.ch <- ev:
	default:
	}
}

// Events exposes the consumer side of the sink.
func (s *ChannelSink) Events() <-chan models.ProgressEvent { return s.ch }

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(models.ProgressEvent) {}
