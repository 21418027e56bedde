package service

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event types published by the sync orchestrator.
const (
	EventTransactionUpserted = "transaction.upserted"
	EventBalanceUpdated      = "balance.updated"
)

// Event describes one sync-side change. TransactionID is set for
// transaction events, BalanceCents for balance events.
type Event struct {
	Type          string
	ConnectionID  string
	TransactionID string
	Created       bool
	BalanceCents  int64
	At            time.Time
}

// EventBus is a bounded fan-in channel between the sync orchestrator and
// the categorization consumer. Publishing never blocks: when the buffer
// is full the event is dropped and counted, and the periodic
// uncategorized sweep picks up whatever was missed.
type EventBus struct {
	ch      chan Event
	log     *zap.Logger
	dropped atomic.Int64
}

func NewEventBus(size int, log *zap.Logger) *EventBus {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EventBus{ch: make(chan Event, size), log: log}
}

// Publish enqueues the event or drops it when the buffer is full.
func (b *EventBus) Publish(ev Event) {
	select {
	case b.ch <- ev:
	default:
		n := b.dropped.Add(1)
		b.log.Warn("event buffer full, dropping event",
			zap.String("type", ev.Type),
			zap.String("connection_id", ev.ConnectionID),
			zap.Int64("dropped_total", n))
	}
}

// Events is the consumer side of the bus.
func (b *EventBus) Events() <-chan Event { return b.ch }

// Dropped reports how many events were lost to a full buffer.
func (b *EventBus) Dropped() int64 { return b.dropped.Load() }

// Close stops the bus. Publish must not be called afterwards.
func (b *EventBus) Close() { close(b.ch) }
