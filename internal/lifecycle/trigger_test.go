package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"pigeon/internal/bus"
	"pigeon/internal/config"
	"pigeon/internal/remote"
	syncp "pigeon/internal/sync"
)

// fakeRunner counts invocations.
type fakeRunner struct {
	runs atomic.Int64
}

func (f *fakeRunner) RunOnce(context.Context) (syncp.Summary, error) {
	f.runs.Add(1)
	return syncp.Summary{}, nil
}

func testTrigger(t *testing.T, tickMs int) (*Trigger, *fakeRunner, *bus.Bus) {
	t.Helper()
	runner := &fakeRunner{}
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	cfg := config.Default().Sync
	cfg.TickIntervalMs = tickMs
	tr := NewTrigger(runner, b, cfg, logger)
	tr.Start(context.Background())
	t.Cleanup(tr.Stop)
	return tr, runner, b
}

func waitRuns(t *testing.T, runner *fakeRunner, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runner.runs.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("runs = %d, want >= %d", runner.runs.Load(), want)
}

func TestEnqueueTriggersRun(t *testing.T) {
	_, runner, b := testTrigger(t, 60000)

	b.Emit(bus.KindEnqueued, map[string]string{"chat_id": "c", "local_id": "m1"})
	waitRuns(t, runner, 1)
}

func TestForegroundingTriggersRun(t *testing.T) {
	_, runner, b := testTrigger(t, 60000)

	b.Emit(bus.KindAppState, AppStateChange{State: Background})
	b.Emit(bus.KindAppState, AppStateChange{State: Active})
	waitRuns(t, runner, 1)
}

func TestBackgroundingDoesNotTrigger(t *testing.T) {
	_, runner, b := testTrigger(t, 60000)

	b.Emit(bus.KindAppState, AppStateChange{State: Background})
	time.Sleep(100 * time.Millisecond)
	if got := runner.runs.Load(); got != 0 {
		t.Errorf("runs = %d, want 0 (backgrounding must not trigger)", got)
	}
}

func TestReachabilityRegainTriggersRun(t *testing.T) {
	_, runner, b := testTrigger(t, 60000)

	// Already-reachable report: no edge, no run.
	b.Emit(bus.KindReachability, remote.Reachability{Reachable: true})
	time.Sleep(100 * time.Millisecond)
	if got := runner.runs.Load(); got != 0 {
		t.Fatalf("runs = %d, want 0 without an edge", got)
	}

	b.Emit(bus.KindReachability, remote.Reachability{Reachable: false})
	b.Emit(bus.KindReachability, remote.Reachability{Reachable: true})
	waitRuns(t, runner, 1)
}

func TestTickerRunsWhileActive(t *testing.T) {
	_, runner, _ := testTrigger(t, 25)
	waitRuns(t, runner, 2)
}

func TestTickerPausesInBackground(t *testing.T) {
	_, runner, b := testTrigger(t, 25)

	b.Emit(bus.KindAppState, AppStateChange{State: Background})
	// Let the state change land, then measure.
	time.Sleep(50 * time.Millisecond)
	before := runner.runs.Load()
	time.Sleep(150 * time.Millisecond)
	after := runner.runs.Load()
	if after != before {
		t.Errorf("runs advanced from %d to %d while backgrounded", before, after)
	}
}
