package server

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// schedulePrune starts the retention job on the configured cron schedule.
// It returns nil when retention is disabled.
func (s *Server) schedulePrune(ctx context.Context) (*cronlib.Cron, error) {
	if s.cfg.Retention <= 0 || s.cfg.PruneCron == "" {
		return nil, nil
	}
	c := cronlib.New()
	if _, err := c.AddFunc(s.cfg.PruneCron, func() {
		if _, err := s.Prune(ctx); err != nil {
			s.logger.Warn("prune failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid prune_schedule %q: %w", s.cfg.PruneCron, err)
	}
	c.Start()
	s.logger.Info("note retention enabled", "retention", s.cfg.Retention, "schedule", s.cfg.PruneCron)
	return c, nil
}

// Prune deletes notes older than the retention period.
func (s *Server) Prune(ctx context.Context) (int, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	return s.notes.Prune(ctx, time.Now().Add(-s.cfg.Retention))
}
