package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/treesync/core/internal/tabports"
	"github.com/treesync/core/internal/types"
)

// State is one of the ConnectionManager's five states (§4.6.1).
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// BackoffConfig parameterizes the reconnect delay formula
// delay(attempt) = min(cap, d ± jitter*d) with d = min(base*mult^attempt, cap).
// The jittered delay may fall below base.
type BackoffConfig struct {
	Base            time.Duration
	Cap             time.Duration
	Multiplier      float64
	Jitter          float64
	StableThreshold time.Duration
}

// DefaultBackoffConfig matches spec.md §6.4's defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:            1 * time.Second,
		Cap:             60 * time.Second,
		Multiplier:      2,
		Jitter:          0.3,
		StableThreshold: 30 * time.Second,
	}
}

// connectionManager owns one namespace's upstream SSE connection and its
// reconnect state machine. One goroutine runs its whole lifecycle, so
// state transitions never race against each other — only against reads
// from State().
type connectionManager struct {
	ns    types.Namespace
	coord *Coordinator

	mu          sync.Mutex
	state       State
	attempt     int
	lastEventID string
	cancel      context.CancelFunc
	bo          *backoff.ExponentialBackOff
	stableTimer *time.Timer
}

func newConnectionManager(ns types.Namespace, coord *Coordinator) *connectionManager {
	cfg := coord.opts.Backoff
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Base
	bo.MaxInterval = cfg.Cap
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0 // infinite reconnection, no attempt cap
	bo.Reset()

	return &connectionManager{ns: ns, coord: coord, state: StateIdle, bo: bo}
}

func (cm *connectionManager) getState() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

func (cm *connectionManager) setState(s State) {
	cm.mu.Lock()
	cm.state = s
	cm.mu.Unlock()
}

func (cm *connectionManager) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	cm.mu.Lock()
	cm.cancel = cancel
	cm.mu.Unlock()
	go cm.run(ctx)
}

// stop cancels the in-flight stream (if any) and the reconnect timer,
// transitioning to Closed. Per §5's resource discipline, the cancel must
// clear both the stream and any pending reconnect wait atomically with
// respect to run's select loop — cancelling ctx covers both, since run
// selects on ctx.Done() in every wait point.
func (cm *connectionManager) stop() {
	cm.mu.Lock()
	cancel := cm.cancel
	if cm.stableTimer != nil {
		cm.stableTimer.Stop()
	}
	cm.state = StateClosed
	cm.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (cm *connectionManager) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		cm.setState(StateConnecting)
		cm.coord.broadcast(cm.ns, tabports.OutboundMessage{Type: tabports.OutConnecting, Namespace: cm.ns})

		cm.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		cm.mu.Lock()
		cm.state = StateReconnecting
		attempt := cm.attempt
		cm.attempt++
		delay := cm.bo.NextBackOff()
		if capd := cm.coord.opts.Backoff.Cap; capd > 0 && delay > capd {
			delay = capd
		}
		cm.mu.Unlock()

		nextRetryAt := time.Now().Add(delay)
		cm.coord.broadcast(cm.ns, tabports.OutboundMessage{
			Type:      tabports.OutReconnecting,
			Namespace: cm.ns,
			Data: map[string]any{
				"attempt":     attempt,
				"delayMs":     delay.Milliseconds(),
				"nextRetryAt": nextRetryAt.UnixMilli(),
			},
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// streamOnce opens one upstream SSE connection and blocks until it ends
// (server close, network error, or ctx cancellation).
func (cm *connectionManager) streamOnce(ctx context.Context) {
	url := fmt.Sprintf("%s/api/events?namespace=%s", cm.coord.opts.BaseURL, cm.ns)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if cm.coord.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cm.coord.opts.Token)
	}
	cm.mu.Lock()
	lastEventID := cm.lastEventID
	cm.mu.Unlock()
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := cm.coord.opts.HTTPClient.Do(req)
	if err != nil {
		cm.coord.opts.Logger.Warn("coordinator: sse connect failed", "namespace", cm.ns, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cm.coord.opts.Logger.Warn("coordinator: sse unexpected status", "namespace", cm.ns, "status", resp.StatusCode)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	connected := false
	defer func() {
		cm.mu.Lock()
		if cm.stableTimer != nil {
			cm.stableTimer.Stop()
			cm.stableTimer = nil
		}
		cm.mu.Unlock()
		if connected {
			cm.coord.broadcast(cm.ns, tabports.OutboundMessage{Type: tabports.OutDisconnected, Namespace: cm.ns})
		}
	}()

	_ = scanSSE(scanner, func(f rawFrame) bool {
		if ctx.Err() != nil {
			return true
		}
		if f.id != "" {
			cm.mu.Lock()
			cm.lastEventID = f.id
			cm.mu.Unlock()
		}

		switch eventTypeOf(f.event) {
		case types.EventConnection:
			if !connected {
				connected = true
				cm.setState(StateConnected)
				cm.coord.broadcast(cm.ns, tabports.OutboundMessage{Type: tabports.OutConnected, Namespace: cm.ns})
				cm.armStabilityTimer()
			}
			var frame types.ConnectionFrameData
			if json.Unmarshal([]byte(f.data), &frame) == nil {
				cm.coord.broadcast(cm.ns, tabports.OutboundMessage{
					Type: tabports.OutConnectionCount, Namespace: cm.ns,
					Data: map[string]any{"count": frame.ConnectionCount},
				})
			}
		case types.EventHeartbeat:
			// liveness only; nothing to forward
		case types.EventClose:
			return true
		default:
			cm.coord.broadcast(cm.ns, tabports.OutboundMessage{
				Type: tabports.OutEvent, Namespace: cm.ns,
				Data: map[string]any{"eventType": f.event, "data": json.RawMessage(f.data)},
			})
			cm.coord.broadcast(cm.ns, tabports.OutboundMessage{Type: tabports.OutDataChanged, Namespace: cm.ns})
		}
		return false
	})
}

// armStabilityTimer resets the reconnect attempt counter once the stream
// has stayed Connected continuously for StableThreshold (§4.6.2).
func (cm *connectionManager) armStabilityTimer() {
	threshold := cm.coord.opts.Backoff.StableThreshold
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.stableTimer != nil {
		cm.stableTimer.Stop()
	}
	cm.stableTimer = time.AfterFunc(threshold, func() {
		cm.mu.Lock()
		cm.attempt = 0
		cm.bo.Reset()
		cm.mu.Unlock()
	})
}
