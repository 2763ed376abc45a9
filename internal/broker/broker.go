// Package broker is the server-side SSE fan-out engine: C4 of the
// tree-sync core. One Broker instance multiplexes every namespace;
// subscribers are per-connection channels fed by Publish. The drop-slow-
// subscriber policy is adapted from the donor's dispatchIssueEvent, but
// generalized from an immediate non-blocking drop into a bounded-timeout
// send so a briefly slow reader (a TCP write stall, not a dead one) isn't
// evicted on the very first contended publish.
package broker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/treesync/core/internal/types"
)

// Options configures a Broker. Zero values fall back to the defaults below.
type Options struct {
	HeartbeatInterval time.Duration
	PublishTimeout    time.Duration
	RecentBufferSize  int
	Logger            *slog.Logger
	Registerer        prometheus.Registerer // nil disables metrics registration
}

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultPublishTimeout    = 100 * time.Millisecond
	defaultRecentBufferSize  = 256
	subscriberChanBuffer     = 32
)

// Broker owns every namespace's subscriber table and recent-event replay
// buffer.
type Broker struct {
	heartbeatInterval time.Duration
	publishTimeout    time.Duration
	recentBufferSize  int
	log               *slog.Logger

	connGauge *prometheus.GaugeVec

	mu     sync.RWMutex
	nsSubs map[types.Namespace]map[string]*subscriber
	recent map[types.Namespace]*ringBuffer
}

type subscriber struct {
	id     string
	ch     chan types.Event
	cancel chan struct{}
	closed atomic.Bool
}

// New constructs a Broker. If opts.Registerer is non-nil the connection
// count gauge is registered against it.
func New(opts Options) *Broker {
	b := &Broker{
		heartbeatInterval: opts.HeartbeatInterval,
		publishTimeout:    opts.PublishTimeout,
		recentBufferSize:  opts.RecentBufferSize,
		log:               opts.Logger,
		nsSubs:            map[types.Namespace]map[string]*subscriber{},
		recent:            map[types.Namespace]*ringBuffer{},
	}
	if b.heartbeatInterval == 0 {
		b.heartbeatInterval = defaultHeartbeatInterval
	}
	if b.publishTimeout == 0 {
		b.publishTimeout = defaultPublishTimeout
	}
	if b.recentBufferSize == 0 {
		b.recentBufferSize = defaultRecentBufferSize
	}
	if b.log == nil {
		b.log = slog.Default()
	}

	b.connGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "treesync",
		Subsystem: "broker",
		Name:      "connections",
		Help:      "Open SSE subscriptions per namespace.",
	}, []string{"namespace"})
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(b.connGauge)
	}
	return b
}

// Subscribe opens a new subscription for ns. lastEventID, if non-empty,
// replays any buffered events strictly after it before live events flow.
// The returned cancel func must be called exactly once when the caller is
// done (request context cancellation, typically).
func (b *Broker) Subscribe(ns types.Namespace, lastEventID string) (subID string, events <-chan types.Event, cancel func()) {
	b.mu.Lock()
	buffered := b.recentSince(ns, lastEventID)
	// sized so the connection frame plus the full replay burst below can be
	// pushed synchronously, before handleEvents has started draining —
	// otherwise a reconnect with a long replay would block here forever.
	sub := &subscriber{
		id:     uuid.NewString(),
		ch:     make(chan types.Event, subscriberChanBuffer+len(buffered)+1),
		cancel: make(chan struct{}),
	}
	if b.nsSubs[ns] == nil {
		b.nsSubs[ns] = map[string]*subscriber{}
	}
	b.nsSubs[ns][sub.id] = sub
	count := len(b.nsSubs[ns])
	b.mu.Unlock()

	b.connGauge.WithLabelValues(string(ns)).Set(float64(count))

	connEvt := newConnectionEvent(sub.id, ns, count)
	sub.ch <- connEvt
	for _, evt := range buffered {
		sub.ch <- evt
	}

	stop := make(chan struct{})
	go b.heartbeatLoop(ns, sub, stop)

	once := sync.Once{}
	return sub.id, sub.ch, func() {
		once.Do(func() {
			close(stop)
			b.remove(ns, sub.id)
		})
	}
}

func (b *Broker) heartbeatLoop(ns types.Namespace, sub *subscriber, stop <-chan struct{}) {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-sub.cancel:
			return
		case <-ticker.C:
			b.send(ns, sub, newHeartbeatEvent(ns))
		}
	}
}

// Publish fans evt out to every subscriber of ns and appends it to the
// namespace's replay buffer. Called by the applicator after a commit.
func (b *Broker) Publish(ns types.Namespace, evt types.Event) {
	b.mu.Lock()
	if b.recent[ns] == nil {
		b.recent[ns] = newRingBuffer(b.recentBufferSize)
	}
	b.recent[ns].push(evt)
	subs := make([]*subscriber, 0, len(b.nsSubs[ns]))
	for _, sub := range b.nsSubs[ns] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.send(ns, sub, evt)
	}
}

// send delivers evt to sub, evicting it if the publish doesn't complete
// within the broker's publish timeout — the subscriber is treated as a
// slow/stalled reader and closed rather than allowed to back-pressure the
// whole namespace's fan-out. sub.ch can be closed concurrently by remove
// (the client disconnecting mid-publish), so the send is guarded by
// recover rather than relying solely on the closed flag, which is only a
// fast-path check and can't protect a goroutine already committed to the
// select below.
func (b *Broker) send(ns types.Namespace, sub *subscriber, evt types.Event) {
	if sub.closed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("broker: send to closed subscriber", "namespace", ns, "subId", sub.id)
		}
	}()
	select {
	case sub.ch <- evt:
	case <-time.After(b.publishTimeout):
		b.log.Warn("broker: evicting slow subscriber", "namespace", ns, "subId", sub.id)
		b.remove(ns, sub.id)
	}
}

func (b *Broker) remove(ns types.Namespace, subID string) {
	b.mu.Lock()
	sub, ok := b.nsSubs[ns][subID]
	if ok {
		delete(b.nsSubs[ns], subID)
	}
	count := len(b.nsSubs[ns])
	b.mu.Unlock()

	if !ok {
		return
	}
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.cancel)
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Warn("broker: close panic on subscriber", "namespace", ns, "subId", subID, "err", r)
				}
			}()
			close(sub.ch)
		}()
	}
	b.connGauge.WithLabelValues(string(ns)).Set(float64(count))
}

// ForceClose sends every subscription of ns a final connection_closing
// frame, then removes and closes them all. Exposed as a local-only admin
// control (SPEC_FULL's supplemented feature 4), not an HTTP route.
func (b *Broker) ForceClose(ns types.Namespace) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.nsSubs[ns]))
	for id := range b.nsSubs[ns] {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	closeEvt := newCloseEvent(ns)
	for _, id := range ids {
		b.mu.RLock()
		sub, ok := b.nsSubs[ns][id]
		b.mu.RUnlock()
		if !ok {
			continue
		}
		b.send(ns, sub, closeEvt)
		b.remove(ns, id)
	}
}

// ConnectionCount reports the number of open subscriptions for ns.
func (b *Broker) ConnectionCount(ns types.Namespace) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nsSubs[ns])
}

func (b *Broker) recentSince(ns types.Namespace, lastEventID string) []types.Event {
	rb := b.recent[ns]
	if rb == nil || lastEventID == "" {
		return nil
	}
	return rb.since(lastEventID)
}
