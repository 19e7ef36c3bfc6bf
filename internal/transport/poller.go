package transport

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Poller synthesizes connection events for links that have none of their
// own, such as serial and UDP. A failed probe after a good one reports
// OnDisconnected; the next good probe reports OnConnected.
type Poller struct {
	Observers

	probe    func(ctx context.Context) error
	interval time.Duration
	log      *zap.Logger
}

// NewPoller returns a Poller that calls probe every interval.
func NewPoller(probe func(ctx context.Context) error, interval time.Duration, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{probe: probe, interval: interval, log: log}
}

// Run probes until ctx ends. The device is assumed reachable at start.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	up := true
	for {
		pctx, cancel := context.WithTimeout(ctx, p.interval)
		err := p.probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		switch {
		case err != nil && up:
			up = false
			p.log.Debug("probe failed, device unreachable", zap.Error(err))
			p.NotifyDisconnected()
		case err == nil && !up:
			up = true
			p.log.Debug("probe succeeded, device reachable")
			p.NotifyConnected()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
