// Package syncengine is the client-side Sync Engine: C7 of the tree-sync
// core. It batches pending envelopes per namespace, drains them to the
// server, and processes the applied/mappings/serverTimestamp response.
// Grounded on the donor's cmd/bd daemon_sync.go/sync_bridge.go drain-and-
// push shape (read pending work, push to a remote, reconcile the
// response), generalized from its git-branch sync model to namespace-
// scoped HTTP batches. Batch coalescing uses golang.org/x/sync/singleflight
// (a pack dependency, adopted here since the donor itself doesn't need
// per-key coalescing for its own sync loop).
package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/treesync/core/internal/oplog"
	"github.com/treesync/core/internal/replica"
	"github.com/treesync/core/internal/types"
)

// Options configures an Engine. Zero values fall back to the defaults
// below (spec.md §6.4).
type Options struct {
	BaseURL     string
	Token       string
	ClientID    string
	HTTPClient  *http.Client
	BatchWindow time.Duration
	RetryDelays []time.Duration
	Logger      *slog.Logger
	Registerer  prometheus.Registerer

	// OnStatus, if set, is called whenever a namespace's sync status
	// changes, mirroring syncStatus{status,error?} of §4.6.4.
	OnStatus func(ns types.Namespace, status string, errMsg string)
}

const defaultBatchWindow = 100 * time.Millisecond

func defaultRetryDelays() []time.Duration {
	return []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
}

// Engine drains pending envelopes from a Log to the server, one namespace
// batch at a time.
type Engine struct {
	opts Options
	log  *oplog.Log

	mu        sync.Mutex
	timers    map[types.Namespace]*time.Timer
	online    bool
	namespace map[types.Namespace]struct{} // every namespace ever touched, for resume-on-reconnect

	replicasMu sync.RWMutex
	replicas   map[types.Namespace]*replica.Replica

	sf           singleflight.Group
	pendingGauge prometheus.Gauge
}

// New constructs an Engine backed by log.
func New(log *oplog.Log, opts Options) *Engine {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.BatchWindow == 0 {
		opts.BatchWindow = defaultBatchWindow
	}
	if len(opts.RetryDelays) == 0 {
		opts.RetryDelays = defaultRetryDelays()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}

	e := &Engine{
		opts:      opts,
		log:       log,
		timers:    map[types.Namespace]*time.Timer{},
		online:    true,
		namespace: map[types.Namespace]struct{}{},
		replicas:  map[types.Namespace]*replica.Replica{},
	}

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "treesync",
		Subsystem: "syncengine",
		Name:      "pending_envelopes",
		Help:      "Total pending envelopes across all namespaces awaiting sync.",
	})
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(gauge)
	}
	e.pendingGauge = gauge

	return e
}

// RegisterReplica wires ns's local replica so a successful batch's id
// mappings get applied to it (§4.7.2: "rewrite node IDs in the local
// replica").
func (e *Engine) RegisterReplica(ns types.Namespace, rep *replica.Replica) {
	e.replicasMu.Lock()
	defer e.replicasMu.Unlock()
	e.replicas[ns] = rep
}

// EnqueueOperation appends a new envelope to the log and schedules ns's
// batch timer if one isn't already pending (§4.7.1: "if already
// scheduled, no reset").
func (e *Engine) EnqueueOperation(ctx context.Context, ns types.Namespace, op types.Op, tsMillis int64) (types.OperationEnvelope, error) {
	return e.EnqueueEnvelope(ctx, types.NewEnvelope(ns, op, tsMillis))
}

// EnqueueEnvelope is EnqueueOperation for a caller that has already minted
// the envelope (e.g. to apply the same id to a local replica before it is
// durably recorded).
func (e *Engine) EnqueueEnvelope(ctx context.Context, env types.OperationEnvelope) (types.OperationEnvelope, error) {
	if err := e.log.Append(ctx, env); err != nil {
		return types.OperationEnvelope{}, err
	}

	e.mu.Lock()
	e.namespace[env.Namespace] = struct{}{}
	e.mu.Unlock()

	e.updatePendingGauge(ctx)
	e.scheduleBatch(env.Namespace)
	return env, nil
}

func (e *Engine) scheduleBatch(ns types.Namespace) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, scheduled := e.timers[ns]; scheduled {
		return
	}
	e.timers[ns] = time.AfterFunc(e.opts.BatchWindow, func() {
		e.mu.Lock()
		delete(e.timers, ns)
		e.mu.Unlock()
		e.drain(ns)
	})
}

// SyncNow forces an immediate drain of ns, resetting any terminally-failed
// envelope's retry count first (§4.7.4: "user-initiated syncNow resets
// retryCount and re-queues").
func (e *Engine) SyncNow(ctx context.Context, ns types.Namespace) {
	failed, err := e.log.ListFailed(ctx, ns)
	if err == nil {
		for _, env := range failed {
			_ = e.log.ForceRetry(ctx, env.ID)
		}
	}
	e.drain(ns)
}

// OnConnectivityChanged is the hook the Reachability Monitor (C8) calls on
// every online/offline transition. Transitioning online resumes every
// namespace with pending work (§4.8, §4.7.3).
func (e *Engine) OnConnectivityChanged(ctx context.Context, isOnline bool) {
	e.mu.Lock()
	e.online = isOnline
	namespaces := make([]types.Namespace, 0, len(e.namespace))
	for ns := range e.namespace {
		namespaces = append(namespaces, ns)
	}
	e.mu.Unlock()

	if !isOnline {
		return
	}
	for _, ns := range namespaces {
		count, err := e.log.CountPending(ctx, ns)
		if err == nil && count > 0 {
			e.drain(ns)
		}
	}
}

func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// drain coalesces overlapping drain requests for the same namespace into
// one in-flight batch (§4.7.3: "Only one batch per namespace is in flight
// at a time; overlapping requests are coalesced.").
func (e *Engine) drain(ns types.Namespace) {
	_, _, _ = e.sf.Do(string(ns), func() (any, error) {
		e.drainOnce(context.Background(), ns)
		return nil, nil
	})
}

type syncRequest struct {
	ClientID   string                    `json:"clientId"`
	Operations []types.OperationEnvelope `json:"operations"`
}

type appliedEntry struct {
	OperationID string `json:"operationId"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

type syncResponse struct {
	Applied         []appliedEntry    `json:"applied"`
	Mappings        map[string]string `json:"mappings"`
	ServerTimestamp int64             `json:"serverTimestamp"`
}

func (e *Engine) drainOnce(ctx context.Context, ns types.Namespace) {
	if !e.isOnline() {
		return
	}

	pending, err := e.log.ListPending(ctx, ns)
	if err != nil {
		e.opts.Logger.Error("syncengine: list pending failed", "namespace", ns, "err", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	e.reportStatus(ns, "syncing", "")

	body, err := json.Marshal(syncRequest{ClientID: e.opts.ClientID, Operations: pending})
	if err != nil {
		e.reportStatus(ns, "error", err.Error())
		return
	}

	url := fmt.Sprintf("%s/api/sync/%s/operations", e.opts.BaseURL, ns)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		e.reportStatus(ns, "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if e.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.opts.Token)
	}

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		e.retryAll(ctx, ns, pending, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		e.retryAll(ctx, ns, pending, fmt.Sprintf("server returned %d: %s", resp.StatusCode, raw))
		return
	}

	var parsed syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		e.retryAll(ctx, ns, pending, err.Error())
		return
	}

	e.processResponse(ctx, ns, parsed)
}

// retryAll marks every envelope in the batch failed (network/transport
// error, not a per-envelope server verdict) and schedules retries.
func (e *Engine) retryAll(ctx context.Context, ns types.Namespace, pending []types.OperationEnvelope, errMsg string) {
	for _, env := range pending {
		e.markFailedAndMaybeRetry(ctx, ns, env.ID, env.RetryCount, errMsg)
	}
	e.reportStatus(ns, "error", errMsg)
	e.updatePendingGauge(ctx)
}

func (e *Engine) processResponse(ctx context.Context, ns types.Namespace, resp syncResponse) {
	anyFailed := false
	for _, entry := range resp.Applied {
		if entry.Status == "success" {
			if err := e.log.MarkSynced(ctx, entry.OperationID); err != nil {
				e.opts.Logger.Warn("syncengine: mark synced failed", "envelope", entry.OperationID, "err", err)
			}
			continue
		}
		anyFailed = true
		env, err := e.log.Get(ctx, entry.OperationID)
		retryCount := 0
		if err == nil {
			retryCount = env.RetryCount
		}
		e.markFailedAndMaybeRetry(ctx, ns, entry.OperationID, retryCount, entry.Error)
	}

	if len(resp.Mappings) > 0 {
		if err := e.log.RemapIDs(ctx, ns, resp.Mappings); err != nil {
			e.opts.Logger.Error("syncengine: remap ids failed", "namespace", ns, "err", err)
		}
		e.replicasMu.RLock()
		rep, ok := e.replicas[ns]
		e.replicasMu.RUnlock()
		if ok {
			rep.RemapIDs(resp.Mappings)
		}
	}

	e.updatePendingGauge(ctx)
	if anyFailed {
		e.reportStatus(ns, "error", "")
	} else {
		e.reportStatus(ns, "synced", "")
	}
}

func (e *Engine) markFailedAndMaybeRetry(ctx context.Context, ns types.Namespace, envID string, priorRetryCount int, errMsg string) {
	if err := e.log.MarkFailed(ctx, envID, errMsg); err != nil {
		e.opts.Logger.Warn("syncengine: mark failed error", "envelope", envID, "err", err)
		return
	}
	newRetryCount := priorRetryCount + 1
	maxRetries := len(e.opts.RetryDelays)
	if newRetryCount >= maxRetries {
		return // left failed; surfaced via syncStatus{status:"error"}
	}

	idx := newRetryCount
	if idx >= len(e.opts.RetryDelays) {
		idx = len(e.opts.RetryDelays) - 1
	}
	delay := e.opts.RetryDelays[idx]
	time.AfterFunc(delay, func() {
		_ = e.log.Requeue(context.Background(), envID)
		e.drain(ns)
	})
}

func (e *Engine) reportStatus(ns types.Namespace, status, errMsg string) {
	if e.opts.OnStatus != nil {
		e.opts.OnStatus(ns, status, errMsg)
	}
}

func (e *Engine) updatePendingGauge(ctx context.Context) {
	if e.pendingGauge == nil {
		return
	}
	e.mu.Lock()
	namespaces := make([]types.Namespace, 0, len(e.namespace))
	for ns := range e.namespace {
		namespaces = append(namespaces, ns)
	}
	e.mu.Unlock()

	total := 0
	for _, ns := range namespaces {
		if n, err := e.log.CountPending(ctx, ns); err == nil {
			total += n
		}
	}
	e.pendingGauge.Set(float64(total))
}
