package shoresync

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Prober measures one connectivity sample. A non-nil error means offline.
type Prober func(ctx context.Context) (rtt time.Duration, err error)

// TCPProber dials addr and reports the handshake latency.
func TCPProber(addr string, timeout time.Duration) Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return func(ctx context.Context) (time.Duration, error) {
		dialer := net.Dialer{Timeout: timeout}
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return 0, err
		}
		_ = conn.Close()
		return time.Since(start), nil
	}
}

type NetworkMonitorOptions struct {
	Probe    Prober
	Interval time.Duration
	Logger   zerolog.Logger
}

// NetworkMonitor observes connectivity and link quality. It never returns
// errors to callers; a failed probe simply reads as offline.
type NetworkMonitor struct {
	probe    Prober
	interval time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	status    NetworkStatus
	lastFired *NetworkStatus
	listeners map[int]func(NetworkStatus)
	nextID    int
	online    chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewNetworkMonitor(opts NetworkMonitorOptions) *NetworkMonitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &NetworkMonitor{
		probe:     opts.Probe,
		interval:  interval,
		logger:    opts.Logger,
		listeners: map[int]func(NetworkStatus){},
		online:    make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// Start launches periodic probing. A nil Prober leaves the monitor driven
// entirely by SetStatus (platform connectivity signals, tests).
func (m *NetworkMonitor) Start(ctx context.Context) {
	if m.probe == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sample(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sample(ctx)
			case <-ctx.Done():
				return
			case <-m.closed:
				return
			}
		}
	}()
}

func (m *NetworkMonitor) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
	m.wg.Wait()
}

func (m *NetworkMonitor) sample(ctx context.Context) {
	rtt, err := m.probe(ctx)
	if err != nil {
		m.SetStatus(NetworkStatus{Online: false, Tier: TierOffline})
		return
	}
	m.SetStatus(statusFromRTT(rtt))
}

// statusFromRTT maps a round-trip sample onto a link-quality tier.
func statusFromRTT(rtt time.Duration) NetworkStatus {
	status := NetworkStatus{Online: true, RTT: rtt}
	switch {
	case rtt <= 100*time.Millisecond:
		status.Tier = TierHigh
		status.DownlinkMbps = 10
	case rtt <= 400*time.Millisecond:
		status.Tier = TierModerate
		status.DownlinkMbps = 1.5
	default:
		status.Tier = TierLow
		status.DownlinkMbps = 0.4
	}
	return status
}

// Status returns the last known status synchronously.
func (m *NetworkMonitor) Status() NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetStatus injects a connectivity sample. Listeners fire only when the
// online flag or the tier actually changed; redundant samples are absorbed.
func (m *NetworkMonitor) SetStatus(status NetworkStatus) {
	if !status.Online {
		status.Tier = TierOffline
		status.DownlinkMbps = 0
		status.RTT = 0
	}
	m.mu.Lock()
	m.status = status
	changed := m.lastFired == nil ||
		m.lastFired.Online != status.Online ||
		m.lastFired.Tier != status.Tier
	var callbacks []func(NetworkStatus)
	if changed {
		fired := status
		m.lastFired = &fired
		callbacks = make([]func(NetworkStatus), 0, len(m.listeners))
		for _, cb := range m.listeners {
			callbacks = append(callbacks, cb)
		}
		if status.Online {
			close(m.online)
			m.online = make(chan struct{})
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Debug().Bool("online", status.Online).Str("tier", status.Tier.String()).
		Msg("network status changed")
	for _, cb := range callbacks {
		cb(status)
	}
}

// OnChange registers a status-change callback and returns its unsubscribe.
func (m *NetworkMonitor) OnChange(cb func(NetworkStatus)) func() {
	if cb == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = cb
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// WaitForOnline blocks until the monitor reports online or the timeout
// elapses, returning false on timeout without error.
func (m *NetworkMonitor) WaitForOnline(ctx context.Context, timeout time.Duration) bool {
	m.mu.Lock()
	if m.status.Online {
		m.mu.Unlock()
		return true
	}
	online := m.online
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-online:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	case <-m.closed:
		return false
	}
}
