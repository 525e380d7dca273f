package session

import (
	"context"
	"log/slog"
	"time"
)

// RefreshPingInterval is the fixed cadence of the background refresh worker.
// The interval does not track token expiry; the receiver decides whether a
// refresh is actually warranted on each ping.
const RefreshPingInterval = 2 * time.Minute

// Refresher is the background refresh worker. It runs in its own goroutine,
// independent of any request handling, and communicates with the session
// owner only by sending pings over a channel; it never touches the Store
// itself.
type Refresher struct {
	interval time.Duration
	pings    chan struct{}
	logger   *slog.Logger
}

// NewRefresher creates a refresher with the default interval.
func NewRefresher(logger *slog.Logger) *Refresher {
	return newRefresher(RefreshPingInterval, logger)
}

func newRefresher(interval time.Duration, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		interval: interval,
		pings:    make(chan struct{}, 1),
		logger:   logger,
	}
}

// Pings is the channel the worker signals on.
func (r *Refresher) Pings() <-chan struct{} {
	return r.pings
}

// Run ticks until the context is cancelled. A ping is dropped rather than
// queued when the receiver has not consumed the previous one.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case r.pings <- struct{}{}:
			default:
				r.logger.Debug("refresh ping dropped, receiver busy")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
