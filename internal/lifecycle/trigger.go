// Package lifecycle decides when the drain processor runs: on app
// foregrounding, on connectivity regain, right after an enqueue, and on a
// low-frequency timer while the app is active. It never serializes triggers
// itself; overlapping invocations are absorbed by the processor's
// single-flight guard.
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
	"pigeon/internal/bus"
	"pigeon/internal/config"
	"pigeon/internal/remote"
	syncp "pigeon/internal/sync"
)

// AppState mirrors the host application's lifecycle state.
type AppState string

const (
	Active     AppState = "active"
	Inactive   AppState = "inactive"
	Background AppState = "background"
)

// AppStateChange is the payload of app.state_changed events, published by
// the embedding host's platform lifecycle observer.
type AppStateChange struct {
	State AppState
}

// Runner is the drain entry point the trigger invokes.
type Runner interface {
	RunOnce(ctx context.Context) (syncp.Summary, error)
}

// Trigger subscribes to lifecycle, connectivity, and enqueue events and
// invokes the runner at the right moments.
type Trigger struct {
	runner Runner
	bus    *bus.Bus
	logger *zap.Logger
	tick   time.Duration
	cancel context.CancelFunc
}

// NewTrigger creates a lifecycle trigger with the configured tick interval.
func NewTrigger(runner Runner, b *bus.Bus, cfg config.Sync, logger *zap.Logger) *Trigger {
	return &Trigger{
		runner: runner,
		bus:    b,
		logger: logger,
		tick:   time.Duration(cfg.TickIntervalMs) * time.Millisecond,
	}
}

// Start begins observing events in the background.
func (t *Trigger) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	appCh, unsubApp := t.bus.Subscribe("app.", 16)
	netCh, unsubNet := t.bus.Subscribe("net.", 16)
	enqCh, unsubEnq := t.bus.Subscribe(bus.KindEnqueued, 64)

	go func() {
		defer unsubApp()
		defer unsubNet()
		defer unsubEnq()
		t.loop(ctx, appCh, netCh, enqCh)
	}()
}

// Stop stops the trigger loop.
func (t *Trigger) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Trigger) loop(ctx context.Context, appCh, netCh, enqCh <-chan bus.Event) {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	// The engine starts inside a foregrounded app with the network presumed
	// up; only observed transitions change these.
	appState := Active
	reachable := true

	for {
		select {
		case evt := <-appCh:
			change, ok := evt.Payload.(AppStateChange)
			if !ok {
				continue
			}
			prev := appState
			appState = change.State
			if prev != Active && appState == Active {
				t.kick(ctx, "foreground")
			}
		case evt := <-netCh:
			r, ok := evt.Payload.(remote.Reachability)
			if !ok {
				continue
			}
			prev := reachable
			reachable = r.Reachable
			if !prev && reachable {
				t.kick(ctx, "reconnect")
			}
		case <-enqCh:
			t.kick(ctx, "enqueue")
		case <-ticker.C:
			// The timer only matters while the app is on screen; backoff
			// catch-up resumes on the next foregrounding otherwise.
			if appState == Active {
				t.kick(ctx, "tick")
			}
		case <-ctx.Done():
			return
		}
	}
}

// kick invokes the runner without waiting for it; the processor's guard
// coalesces bursts.
func (t *Trigger) kick(ctx context.Context, reason string) {
	go func() {
		sum, err := t.runner.RunOnce(ctx)
		if err != nil {
			t.logger.Error("drain pass failed", zap.Error(err), zap.String("trigger", reason))
			return
		}
		if sum.Skipped {
			return
		}
		t.logger.Debug("drain pass triggered", zap.String("trigger", reason))
	}()
}
