package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contaflux/contaflux/internal/database"
)

func TestEventBusDeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(8, nil)
	for i := 0; i < 3; i++ {
		bus.Publish(Event{Type: EventTransactionUpserted, TransactionID: string(rune('a' + i)), At: database.Now()})
	}
	bus.Close()

	var got []string
	for ev := range bus.Events() {
		got = append(got, ev.TransactionID)
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
	require.Zero(t, bus.Dropped())
}

func TestEventBusDropsWhenFull(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(2, nil)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventTransactionUpserted, ConnectionID: "conn-1"})
	}
	require.Equal(t, int64(3), bus.Dropped())
	bus.Close()

	delivered := 0
	for range bus.Events() {
		delivered++
	}
	require.Equal(t, 2, delivered)
}

func TestEventBusDefaultSize(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(0, nil)
	for i := 0; i < 256; i++ {
		bus.Publish(Event{Type: EventBalanceUpdated})
	}
	require.Zero(t, bus.Dropped(), "default buffer holds 256 events")
	bus.Publish(Event{Type: EventBalanceUpdated})
	require.Equal(t, int64(1), bus.Dropped())
}
