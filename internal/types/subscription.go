package types

import "time"

// Subscription is a server-side record of one open HTTP SSE response
// stream. Owned by the broker; destroyed on close or drain.
type Subscription struct {
	SubID           string
	Namespace       Namespace
	OpenedAt        time.Time
	LastHeartbeatAt time.Time
}

// TabPort is a client-side record of one tab's message channel. Owned by
// the shared coordinator (realized here as the tab port registry of the
// coordinator daemon).
type TabPort struct {
	PortID    string
	Namespace *Namespace // nil until connect{namespace}
}
