package container

import (
	"context"
	"log/slog"
	"time"
)

// IdleTracker is the part of a manager the TTL worker needs.
type IdleTracker interface {
	IdleSince(cutoff time.Time) []string
	StopContainer(ctx context.Context, containerID string) error
}

// StartTTLWorker runs a background goroutine that periodically stops
// sandboxes unused for longer than ttl. It returns when ctx ends.
func StartTTLWorker(ctx context.Context, mgr IdleTracker, ttl, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Sandbox TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				cleanupIdleSandboxes(ctx, mgr, ttl)
			case <-ctx.Done():
				slog.Info("Sandbox TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func cleanupIdleSandboxes(ctx context.Context, mgr IdleTracker, ttl time.Duration) int {
	idle := mgr.IdleSince(time.Now().Add(-ttl))
	if len(idle) == 0 {
		return 0
	}

	slog.Info("Sandbox TTL worker found idle containers", "count", len(idle))

	stopped := 0
	for _, id := range idle {
		if err := mgr.StopContainer(ctx, id); err != nil {
			slog.Error("Sandbox TTL worker failed to stop container", "error", err, "container_id", id)
			continue
		}
		stopped++
	}

	slog.Info("Sandbox TTL worker cleanup completed", "stopped", stopped)
	return stopped
}
