package remote

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"pigeon/internal/bus"
	"pigeon/internal/config"
)

// Reachability is the payload of net.reachability events.
type Reachability struct {
	Reachable bool
}

// Probe periodically checks whether the backend is reachable and publishes
// edge transitions on the bus. It stands in for platform connectivity APIs
// when the engine runs as a standalone daemon; an embedding host can publish
// the same events from the OS network monitor instead.
type Probe struct {
	url      string
	interval time.Duration
	http     *http.Client
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewProbe creates a reachability probe against the backend health endpoint.
func NewProbe(cfg config.Remote, b *bus.Bus, logger *zap.Logger) *Probe {
	return &Probe{
		url:      strings.TrimRight(cfg.BaseURL, "/") + "/healthz",
		interval: time.Duration(cfg.ProbeIntervalMs) * time.Millisecond,
		http:     &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		bus:      b,
		logger:   logger,
	}
}

// Start begins probing in the background.
func (p *Probe) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop stops the probe loop.
func (p *Probe) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Probe) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Until proven otherwise the backend is assumed reachable, so only a
	// confirmed loss and the subsequent recovery produce events.
	reachable := true
	for {
		select {
		case <-ticker.C:
			now := p.check(ctx)
			if now != reachable {
				reachable = now
				p.logger.Info("reachability changed", zap.Bool("reachable", reachable))
				p.bus.Emit(bus.KindReachability, Reachability{Reachable: reachable})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Probe) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}
