// Package connectivity probes the server periodically and reports
// offline/online transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/logging"
)

type Mode string

const (
	ModeUnknown Mode = "unknown"
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// Pinger is anything that can check server liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Watcher pings on a ticker and publishes mode changes on Changes. A slow
// reader only ever sees the latest mode.
type Watcher struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   logging.Logger

	mu      sync.Mutex
	mode    Mode
	changes chan Mode
}

func NewWatcher(p Pinger, interval, timeout time.Duration, l logging.Logger) *Watcher {
	return &Watcher{
		pinger:   p,
		interval: interval,
		timeout:  timeout,
		logger:   l.With("module", "connectivity"),
		mode:     ModeUnknown,
		changes:  make(chan Mode, 1),
	}
}

// Changes delivers every mode transition, coalesced to the latest one.
func (w *Watcher) Changes() <-chan Mode { return w.changes }

func (w *Watcher) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

func (w *Watcher) setMode(ctx context.Context, mode Mode) {
	w.mu.Lock()
	if w.mode == mode {
		w.mu.Unlock()
		return
	}
	w.mode = mode
	select {
	case <-w.changes:
	default:
	}
	w.changes <- mode
	w.mu.Unlock()

	w.logger.Info(ctx, "switched mode", "mode", string(mode))
}

// Check pings once and updates the mode.
func (w *Watcher) Check(ctx context.Context) Mode {
	pctx, cancel := context.WithTimeout(ctx, w.timeout)
	err := w.pinger.Ping(pctx)
	cancel()

	if err != nil {
		w.setMode(ctx, ModeOffline)
	} else {
		w.setMode(ctx, ModeOnline)
	}
	return w.Mode()
}

// Run checks immediately and then on every tick until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Check(ctx)
	for {
		select {
		case <-ticker.C:
			w.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}
