// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc reports whether the network is currently reachable. It must
// return promptly; the monitor bounds each probe with its own timeout.
type ProbeFunc func(ctx context.Context) bool

// Monitor observes network reachability and exposes the current online state
// plus a subscription mechanism for transitions. State flips are debounced:
// a transition is published only after DebounceCount consecutive probes agree
// on the new state, so brief blips never trigger a drain-then-abort cycle.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	debounce int
	logger   *slog.Logger

	online  atomic.Bool
	streak  int // consecutive probes disagreeing with the current state
	mu      sync.Mutex
	subs    []chan bool
	started atomic.Bool
}

// MonitorConfig configures probe cadence and flap suppression.
type MonitorConfig struct {
	ProbeInterval time.Duration // default 2s
	DebounceCount int           // default 2 consecutive agreeing probes
	ProbeTimeout  time.Duration // default 3s per probe
}

// NewMonitor creates a connectivity monitor. A nil probe defaults to an HTTP
// HEAD against baseURL+"/healthz". The monitor starts in the offline state
// and reports online only after the first debounced probe run.
func NewMonitor(baseURL string, probe ProbeFunc, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 2 * time.Second
	}
	if cfg.DebounceCount <= 0 {
		cfg.DebounceCount = 2
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if probe == nil {
		probe = httpProbe(baseURL, cfg.ProbeTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		probe:    probe,
		interval: cfg.ProbeInterval,
		debounce: cfg.DebounceCount,
		logger:   logger,
	}
}

func httpProbe(baseURL string, timeout time.Duration) ProbeFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL+"/healthz", nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode < 500
	}
}

// Start runs the probe loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.step(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.step(ctx)
			}
		}
	}()
}

func (m *Monitor) step(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	reachable := m.probe(probeCtx)
	cancel()

	current := m.online.Load()
	if reachable == current {
		m.streak = 0
		return
	}
	m.streak++
	if m.streak < m.debounce {
		return
	}
	m.streak = 0
	m.online.Store(reachable)
	m.logger.Info("connectivity transition", "online", reachable)
	m.publish(reachable)
}

// Online reports the last debounced reachability state. Never blocks.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Subscribe returns a channel receiving debounced online/offline transitions.
// The channel is buffered and sends are non-blocking: a slow consumer misses
// intermediate flips rather than stalling the monitor.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) publish(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- online:
		default:
		}
	}
}

// CheckNow runs a single probe immediately (used by manual sync to verify
// reachability when the last debounced reading says offline). A positive
// result flips the state right away; a negative result leaves it untouched.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	reachable := m.probe(probeCtx)
	cancel()
	if reachable && !m.online.Load() {
		m.online.Store(true)
		m.logger.Info("connectivity transition", "online", true, "trigger", "manual")
		m.publish(true)
	}
	return reachable
}

// SetOnline injects a platform-delivered reachability event, bypassing the
// probe loop and its debouncing (platform events are assumed pre-debounced).
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) != online {
		m.publish(online)
	}
}
