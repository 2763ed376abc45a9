// Package reachability is the Reachability Monitor: C8 of the tree-sync
// core. It periodically probes the server and reports online/offline
// transitions, inverting the donor's handleHealth/handleReadiness
// health-check pattern (internal/rpc/http_server.go) into a client-side
// prober instead of a server-side endpoint.
package reachability

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultInterval = 10 * time.Second
	defaultTimeout  = 5 * time.Second
)

// Options configures a Monitor.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Interval   time.Duration
	Timeout    time.Duration
	Logger     *slog.Logger

	// OnChange is called once per online/offline transition (never for a
	// probe that confirms the existing state), mirroring
	// connectivityChanged{isOnline} of §4.8.
	OnChange func(isOnline bool)
}

// Monitor runs a periodic HEAD probe against the server's ping endpoint
// and reports isOnline transitions via Options.OnChange.
type Monitor struct {
	opts Options

	mu      sync.Mutex
	online  bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs a Monitor. The monitor starts in the online state —
// callers that need an accurate picture before the first probe completes
// should call Probe once synchronously.
func New(opts Options) *Monitor {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Interval == 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{opts: opts, online: true}
}

// IsOnline reports the monitor's last-known connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start begins the periodic probe loop. Call Stop (or cancel parent) to
// end it.
func (m *Monitor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.cancel = cancel
	m.stopped = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop ends the probe loop and blocks until it has exited.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	stopped := m.stopped
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.stopped)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		m.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe performs one HEAD /api/ping request and updates the online state,
// invoking OnChange exactly on a transition.
func (m *Monitor) Probe(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, m.opts.BaseURL+"/api/ping", nil)
	if err != nil {
		m.setOnline(false)
		return
	}
	if m.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+m.opts.Token)
	}

	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		m.opts.Logger.Debug("reachability: probe failed", "err", err)
		m.setOnline(false)
		return
	}
	_ = resp.Body.Close()
	m.setOnline(resp.StatusCode >= 200 && resp.StatusCode < 300)
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed && m.opts.OnChange != nil {
		m.opts.OnChange(online)
	}
}
