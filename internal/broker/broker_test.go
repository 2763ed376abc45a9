package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/core/internal/types"
)

func newTestBroker() *Broker {
	return New(Options{
		HeartbeatInterval: time.Hour, // effectively disabled for these tests
		PublishTimeout:    20 * time.Millisecond,
		RecentBufferSize:  4,
	})
}

func TestSubscribe_SendsConnectionFrameFirst(t *testing.T) {
	b := newTestBroker()
	_, events, cancel := b.Subscribe("default", "")
	defer cancel()

	evt := <-events
	assert.Equal(t, types.EventConnection, evt.Type)

	var data types.ConnectionFrameData
	require.NoError(t, json.Unmarshal(evt.Data, &data))
	assert.Equal(t, 1, data.ConnectionCount)
}

func TestPublish_FansOutToAllSubscribers(t *testing.T) {
	b := newTestBroker()
	_, eventsA, cancelA := b.Subscribe("default", "")
	defer cancelA()
	_, eventsB, cancelB := b.Subscribe("default", "")
	defer cancelB()

	<-eventsA // connection frame
	<-eventsB

	b.Publish("default", types.Event{ID: "e1", Type: types.EventFolderCreated, Namespace: "default"})

	gotA := <-eventsA
	gotB := <-eventsB
	assert.Equal(t, "e1", gotA.ID)
	assert.Equal(t, "e1", gotB.ID)
}

func TestConnectionCount_TracksSubscribeAndCancel(t *testing.T) {
	b := newTestBroker()
	assert.Equal(t, 0, b.ConnectionCount("default"))

	_, _, cancel := b.Subscribe("default", "")
	assert.Equal(t, 1, b.ConnectionCount("default"))

	cancel()
	assert.Eventually(t, func() bool {
		return b.ConnectionCount("default") == 0
	}, time.Second, time.Millisecond)
}

func TestPublish_ReplaysSinceLastEventID(t *testing.T) {
	b := newTestBroker()
	_, events, cancel := b.Subscribe("default", "")
	defer cancel()
	<-events // connection frame

	b.Publish("default", types.Event{ID: "e1", Type: types.EventFolderCreated, Namespace: "default"})
	<-events
	b.Publish("default", types.Event{ID: "e2", Type: types.EventFolderCreated, Namespace: "default"})
	<-events

	// e2 was published before this subscription existed, so it can only
	// arrive through the replay of buffered events after e1.
	_, replayed, cancel2 := b.Subscribe("default", "e1")
	defer cancel2()
	first := <-replayed
	assert.Equal(t, types.EventConnection, first.Type)

	second := <-replayed
	assert.Equal(t, "e2", second.ID)
}

func TestForceClose_ClosesAllSubscribersInNamespace(t *testing.T) {
	b := newTestBroker()
	_, eventsA, cancelA := b.Subscribe("default", "")
	defer cancelA()
	_, eventsB, cancelB := b.Subscribe("default", "")
	defer cancelB()
	<-eventsA // connection frame
	<-eventsB

	b.ForceClose("default")

	closeA := <-eventsA
	assert.Equal(t, types.EventClose, closeA.Type)
	closeB := <-eventsB
	assert.Equal(t, types.EventClose, closeB.Type)

	_, ok := <-eventsA
	assert.False(t, ok)
	assert.Equal(t, 0, b.ConnectionCount("default"))
}

func TestPublish_EvictsSlowSubscriber(t *testing.T) {
	b := newTestBroker()
	id, events, cancel := b.Subscribe("default", "")
	defer cancel()
	<-events // drain connection frame

	// The channel holds subscriberChanBuffer+1 events (the extra slot is
	// the connection frame's, drained above). Fill it without draining,
	// then publish one more past the timeout so the broker evicts the
	// subscriber instead of blocking forever.
	for i := 0; i < subscriberChanBuffer+2; i++ {
		b.Publish("default", types.Event{ID: "flood", Type: types.EventFolderCreated, Namespace: "default"})
	}

	assert.Eventually(t, func() bool {
		return b.ConnectionCount("default") == 0
	}, time.Second, 5*time.Millisecond)
	_ = id
}
