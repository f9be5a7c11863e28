package engine

import (
	"context"
	"fmt"
	"time"

	"autodash/internal/domain"
)

const (
	DefaultSweepInterval   = time.Minute
	DefaultSweepStaleAfter = 10 * time.Minute
)

// SweepStale fails every workflow that has been running for longer than
// staleAfter and returns the ids it moved. A workflow that reaches a terminal
// state concurrently is left untouched.
func (e Engine) SweepStale(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultSweepStaleAfter
	}
	now := e.now()
	stale, err := e.Repo.ListRunningStartedBefore(ctx, domain.FormatTime(now.Add(-staleAfter)))
	if err != nil {
		return nil, fmt.Errorf("list stale workflows: %w", err)
	}
	swept := []string{}
	for _, w := range stale {
		msg := fmt.Sprintf("workflow abandoned: still running after %s", staleAfter)
		ok, err := e.Repo.FailIfRunning(ctx, w.ID, domain.FormatTime(e.now()), msg)
		if err != nil {
			return swept, fmt.Errorf("fail workflow %s: %w", w.ID, err)
		}
		if !ok {
			continue
		}
		swept = append(swept, w.ID)
		e.terminalLog(ctx, w.ID, domain.LevelError, "Error: "+msg)
	}
	return swept, nil
}

// Sweeper runs SweepStale on a fixed interval until its context ends.
type Sweeper struct {
	Engine     Engine
	Interval   time.Duration
	StaleAfter time.Duration
}

// Run sweeps once immediately and then on every tick.
func (s Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s Sweeper) sweepOnce(ctx context.Context) {
	ids, err := s.Engine.SweepStale(ctx, s.StaleAfter)
	if err != nil {
		if ctx.Err() == nil {
			s.Engine.logger().Error("sweep: stale workflow pass failed", "error", err)
		}
		return
	}
	if len(ids) > 0 {
		s.Engine.logger().Warn("sweep: failed stale workflows", "count", len(ids), "workflow_ids", ids)
	}
}
