// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// Warmer probes every configured adapter on a schedule so that the first
// turn after a quiet period finds a fresh availability record.
type Warmer struct {
	selector *Selector
	interval time.Duration
	cron     *cron.Cron
}

// NewWarmer schedules a probe pass every interval.
func NewWarmer(selector *Selector, interval time.Duration) (*Warmer, error) {
	if interval <= 0 {
		return nil, relayerr.Errorf(relayerr.CodeConfigValidateInvalidValue,
			"warm interval must be positive, got %s", interval)
	}
	return &Warmer{
		selector: selector,
		interval: interval,
		// Skip a pass while the previous one is still probing.
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}, nil
}

// Warm runs one probe pass and returns the resulting snapshot.
func (w *Warmer) Warm(ctx context.Context) []Status {
	statuses := w.selector.Status(ctx)
	up := 0
	for _, st := range statuses {
		if st.Available {
			up++
		}
	}
	slog.Debug("provider availability warmed", "available", up, "configured", len(statuses))
	return statuses
}

// Start runs a pass immediately and then on schedule until ctx is done.
func (w *Warmer) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc("@every "+w.interval.String(), func() { w.Warm(ctx) }); err != nil {
		return relayerr.Wrap(err, relayerr.CodeConfigValidateInvalidValue, "scheduling availability warmer")
	}
	w.Warm(ctx)
	w.cron.Start()

	go func() {
		<-ctx.Done()
		<-w.cron.Stop().Done()
	}()
	return nil
}
