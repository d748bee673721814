package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// HealthTimeout bounds one health ping.
const HealthTimeout = 2 * time.Second

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 30s".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CheckHealth pings every live endpoint once, updating its last-seen time
// and consecutive failure count. Returns the number of failing endpoints.
func (r *Registry) CheckHealth(ctx context.Context) int {
	r.mu.Lock()
	targets := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.stopping {
			targets = append(targets, e)
		}
	}
	r.mu.Unlock()

	failing := 0
	for _, e := range targets {
		pingCtx, cancel := context.WithTimeout(ctx, HealthTimeout)
		_, err := e.client.Ping(pingCtx)
		cancel()

		r.mu.Lock()
		if err != nil {
			e.failures++
			failing++
		} else {
			e.failures = 0
			e.lastSeen = time.Now()
		}
		failures := e.failures
		r.mu.Unlock()

		if err != nil {
			r.logger.Warn("registry: health check failed", "endpoint", e.address, "failures", failures, "error", err)
		}
	}
	return failing
}

// StartHealthSweep runs CheckHealth on schedule until ctx is cancelled.
func (r *Registry) StartHealthSweep(ctx context.Context, schedule string) (*cron.Cron, error) {
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("registry: health schedule %q: %w", schedule, err)
	}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(schedule, func() { r.CheckHealth(ctx) }); err != nil {
		return nil, fmt.Errorf("registry: health schedule %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}
