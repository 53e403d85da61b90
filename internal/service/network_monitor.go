package service

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectivityProbe answers whether the network currently looks
// reachable. Implementations must be safe for concurrent use.
type ConnectivityProbe interface {
	Check(ctx context.Context) bool
}

type httpProbe struct {
	url    string
	client *http.Client
}

// NewHTTPProbe probes connectivity with a HEAD request against a
// lightweight endpoint.
func NewHTTPProbe(url string, timeout time.Duration) ConnectivityProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpProbe{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *httpProbe) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

// NetworkMonitor polls a connectivity probe and fires edge-triggered
// online/offline handlers. Repeated probes with the same result do not
// re-fire.
type NetworkMonitor struct {
	probe    ConnectivityProbe
	interval time.Duration
	logger   *logrus.Logger

	onOnline  func()
	onOffline func()

	mu      sync.Mutex
	online  bool
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewNetworkMonitor creates a monitor. The network is assumed online
// until the first probe says otherwise.
func NewNetworkMonitor(probe ConnectivityProbe, interval time.Duration, logger *logrus.Logger) *NetworkMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &NetworkMonitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		online:   true,
	}
}

// OnOnline registers the handler fired when connectivity returns.
// Must be set before Start.
func (m *NetworkMonitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = fn
}

// OnOffline registers the handler fired when connectivity is lost.
// Must be set before Start.
func (m *NetworkMonitor) OnOffline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = fn
}

// Online reports the last observed connectivity state.
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start begins polling. Idempotent while running.
func (m *NetworkMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx, stopCh)
}

// Stop halts polling. Idempotent.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *NetworkMonitor) loop(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// ReportOffline forces an offline transition without waiting for the
// next probe, for callers that learn about the outage first (a failed
// gateway read, an OS network-change signal).
func (m *NetworkMonitor) ReportOffline() {
	m.transition(false)
}

func (m *NetworkMonitor) poll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	online := m.probe.Check(probeCtx)
	cancel()

	m.transition(online)
}

func (m *NetworkMonitor) transition(online bool) {
	m.mu.Lock()
	if online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online
	onOnline := m.onOnline
	onOffline := m.onOffline
	m.mu.Unlock()

	if online {
		m.logger.Info("Network connectivity restored")
		if onOnline != nil {
			onOnline()
		}
	} else {
		m.logger.Warn("Network connectivity lost")
		if onOffline != nil {
			onOffline()
		}
	}
}
