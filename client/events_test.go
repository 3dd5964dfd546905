package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatcherDeliversToAllSubscribers(t *testing.T) {
	d := &Dispatcher{}
	var a, b []Event
	d.Subscribe(func(e Event) { a = append(a, e) })
	d.Subscribe(func(e Event) { b = append(b, e) })

	d.publish(Event{Kind: EventCreated, DocumentID: "doc-1"})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	require.Equal(t, "doc-1", a[0].DocumentID)
}

func TestDispatcherSubscribeDuringPublishDoesNotRace(t *testing.T) {
	d := &Dispatcher{}
	calls := 0
	d.Subscribe(func(e Event) {
		calls++
		d.Subscribe(func(Event) {})
	})
	d.publish(Event{Kind: EventUpdated})
	d.publish(Event{Kind: EventUpdated})
	require.Equal(t, 2, calls)
}
