package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHub_PublishFansOutToEverySubscriber(t *testing.T) {
	hub := NewHub(4)
	a := hub.Subscribe()
	b := hub.Subscribe()

	hub.Publish(NewProgress("run1", "sess1", "hello"))

	evA := <-a.Events
	evB := <-b.Events
	require.Equal(t, EventProgress, evA.Type())
	require.Equal(t, EventProgress, evB.Type())
}

func TestHub_SubscriberJoiningMidTurnMissesEarlierEvents(t *testing.T) {
	hub := NewHub(4)
	a := hub.Subscribe()

	hub.Publish(NewProgress("run1", "sess1", "before"))

	b := hub.Subscribe()
	hub.Publish(NewProgress("run1", "sess1", "after"))

	first := <-a.Events
	require.Equal(t, "before", first.Payload().(ProgressPayload).Text)
	second := <-a.Events
	require.Equal(t, "after", second.Payload().(ProgressPayload).Text)

	onlyLate := <-b.Events
	require.Equal(t, "after", onlyLate.Payload().(ProgressPayload).Text)
}

func TestHub_FullBufferDropsSubscriberWithoutBlockingPublish(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe()
	other := hub.Subscribe()

	hub.Publish(NewProgress("r", "s", "one"))
	// other drains immediately so its buffer never fills; sub never drains.
	first := <-other.Events
	require.Equal(t, "one", first.Payload().(ProgressPayload).Text)

	hub.Publish(NewProgress("r", "s", "two")) // sub's buffer of 1 is already full: sub is dropped
	second := <-other.Events
	require.Equal(t, "two", second.Payload().(ProgressPayload).Text)

	require.EqualValues(t, 1, sub.Dropped())

	ev := <-sub.Events
	require.Equal(t, "one", ev.Payload().(ProgressPayload).Text)
	_, ok := <-sub.Events
	require.False(t, ok, "a dropped subscriber's channel must be closed")
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(4)
	sub := hub.Subscribe()
	hub.Unsubscribe(sub)

	_, ok := <-sub.Events
	require.False(t, ok)

	// Unsubscribing twice must not panic.
	hub.Unsubscribe(sub)
}

func TestHub_CloseDrainsAllSubscribers(t *testing.T) {
	hub := NewHub(4)
	a := hub.Subscribe()
	b := hub.Subscribe()

	hub.Close()

	_, okA := <-a.Events
	_, okB := <-b.Events
	require.False(t, okA)
	require.False(t, okB)
}

func TestHub_EventTypesCarryExpectedPayloads(t *testing.T) {
	final := NewFinal("r", "s", "chunk")
	require.Equal(t, EventFinal, final.Type())
	require.Equal(t, "chunk", final.Payload().(FinalPayload).Text)

	img := NewImage("r", "s", ImagePayload{Base64: "abc", Width: 10, Height: 20})
	require.Equal(t, EventImage, img.Type())
	require.Equal(t, 10, img.Payload().(ImagePayload).Width)

	stats := NewStats("r", "s", StatsPayload{PromptTokens: 5, CompletionTokens: 2, Cost: 0.01})
	require.Equal(t, EventStats, stats.Type())
	require.Equal(t, 5, stats.Payload().(StatsPayload).PromptTokens)
}
