package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/treesync/core/internal/types"
)

func newConnectionEvent(subID string, ns types.Namespace, count int) types.Event {
	data, _ := json.Marshal(types.ConnectionFrameData{
		SubID:           subID,
		Namespace:       ns,
		ConnectionCount: count,
	})
	return types.Event{
		ID:        uuid.NewString(),
		Type:      types.EventConnection,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Namespace: ns,
	}
}

func newHeartbeatEvent(ns types.Namespace) types.Event {
	return types.Event{
		ID:        uuid.NewString(),
		Type:      types.EventHeartbeat,
		Data:      json.RawMessage(`{}`),
		Timestamp: time.Now().UnixMilli(),
		Namespace: ns,
	}
}

func newCloseEvent(ns types.Namespace) types.Event {
	return types.Event{
		ID:        uuid.NewString(),
		Type:      types.EventClose,
		Data:      json.RawMessage(`{}`),
		Timestamp: time.Now().UnixMilli(),
		Namespace: ns,
	}
}

// NewApplicationEvent builds an Event for one of the application event
// types, wrapping data. Used by the applicator after a commit.
func NewApplicationEvent(ns types.Namespace, evtType types.EventType, data any) (types.Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return types.Event{}, err
	}
	return types.Event{
		ID:        uuid.NewString(),
		Type:      evtType,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		Namespace: ns,
	}, nil
}
