package transport

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/livechat/internal/metrics"
)

// DefaultPollInterval is how often the discoverer looks for the transport.
const DefaultPollInterval = 500 * time.Millisecond

// Discoverer polls a Locator until the transport shows up.
type Discoverer struct {
	locator  Locator
	interval time.Duration
	logger   zerolog.Logger
}

// NewDiscoverer creates a Discoverer. interval <= 0 selects DefaultPollInterval.
func NewDiscoverer(locator Locator, interval time.Duration, logger zerolog.Logger) *Discoverer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Discoverer{
		locator:  locator,
		interval: interval,
		logger:   logger.With().Str("component", "discovery").Logger(),
	}
}

// Run checks immediately and then on every tick until a transport is found or
// ctx is done. It only returns an error when ctx ends.
func (d *Discoverer) Run(ctx context.Context) (Transport, error) {
	if t, ok := d.attempt(ctx); ok {
		return t, nil
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if t, ok := d.attempt(ctx); ok {
				return t, nil
			}
		}
	}
}

func (d *Discoverer) attempt(ctx context.Context) (Transport, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	t, err := d.locator.Locate(ctx)
	if err == nil && t != nil && Ended(t) {
		// a dead transport left behind by the locator
		metrics.DiscoveryAttempts.WithLabelValues("ended").Inc()
		return nil, false
	}
	if err == nil && t != nil {
		metrics.DiscoveryAttempts.WithLabelValues("found").Inc()
		return t, true
	}

	metrics.DiscoveryAttempts.WithLabelValues("unavailable").Inc()
	if err != nil && !errors.Is(err, ErrUnavailable) && ctx.Err() == nil {
		d.logger.Debug().Err(err).Msg("locate failed, will retry")
	}
	return nil, false
}
