package tabports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_FirstPortForNamespace(t *testing.T) {
	r := NewRegistry()
	r.Register("p1")

	isFirst, ok := r.Connect("p1", "default")
	require.True(t, ok)
	assert.True(t, isFirst)

	r.Register("p2")
	isFirst, ok = r.Connect("p2", "default")
	require.True(t, ok)
	assert.False(t, isFirst, "second port attaching to an already-live namespace is not first")
}

func TestDisconnect_LastPortTriggersClose(t *testing.T) {
	r := NewRegistry()
	r.Register("p1")
	r.Connect("p1", "default")

	ns, wasLast, hadNS := r.Disconnect("p1")
	require.True(t, hadNS)
	assert.Equal(t, "default", string(ns))
	assert.True(t, wasLast)
}

func TestDisconnect_NotLastWhenOtherPortsRemain(t *testing.T) {
	r := NewRegistry()
	r.Register("p1")
	r.Register("p2")
	r.Connect("p1", "default")
	r.Connect("p2", "default")

	_, wasLast, _ := r.Disconnect("p1")
	assert.False(t, wasLast)
	assert.Equal(t, 1, r.PortCount("default"))
}

func TestRemove_ClosesSink(t *testing.T) {
	r := NewRegistry()
	sink := r.Register("p1")
	r.Connect("p1", "default")

	_, wasLast, hadNS := r.Remove("p1")
	assert.True(t, wasLast)
	assert.True(t, hadNS)

	_, ok := <-sink
	assert.False(t, ok)
}

func TestBroadcast_DeliversToAttachedPortsOnly(t *testing.T) {
	r := NewRegistry()
	sinkA := r.Register("a")
	sinkB := r.Register("b")
	r.Connect("a", "default")
	r.Connect("b", "other")

	r.Broadcast("default", OutboundMessage{Type: OutEvent})

	msg := <-sinkA
	assert.Equal(t, OutEvent, msg.Type)

	select {
	case <-sinkB:
		t.Fatal("port b is attached to a different namespace and should not receive this broadcast")
	default:
	}
}

func TestSend_DeliversToSinglePort(t *testing.T) {
	r := NewRegistry()
	sink := r.Register("a")
	r.Send("a", OutboundMessage{Type: OutAck})
	msg := <-sink
	assert.Equal(t, OutAck, msg.Type)
}
