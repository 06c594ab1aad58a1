package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"bridgeagent/internal/domain"
)

const maintenanceResolveTimeout = 30 * time.Second

func (s *Server) startMaintenance(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, s.runMaintenance); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	return nil
}

func (s *Server) runMaintenance() {
	s.expireStaleConfirmations()
	if err := s.orch.Flush(); err != nil {
		s.logger.Warn("maintenance flush failed", "error", err)
	}
}

// expireStaleConfirmations rejects confirmation gates whose bridge-issued
// expiry has passed. The bridge would refuse a late approval anyway; settling
// the gate here keeps the turn from hanging forever.
func (s *Server) expireStaleConfirmations() {
	conv, err := s.orch.Snapshot()
	if err != nil {
		return
	}
	now := time.Now()
	for _, turn := range conv.Turns {
		if turn.State != domain.TurnStateAwaitingConfirmation || turn.Pending == nil {
			continue
		}
		if turn.Pending.ExpiresAt == "" {
			continue
		}
		deadline, parseErr := time.Parse(time.RFC3339, turn.Pending.ExpiresAt)
		if parseErr != nil || now.Before(deadline) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), maintenanceResolveTimeout)
		_, resolveErr := s.orch.ResolveConfirmation(ctx, turn.ID, false)
		cancel()
		if resolveErr != nil {
			s.logger.Warn("failed to expire stale confirmation",
				"turn_id", turn.ID,
				"confirmation_id", turn.Pending.ConfirmationID,
				"error", resolveErr)
			continue
		}
		s.logger.Info("expired stale confirmation",
			"turn_id", turn.ID,
			"confirmation_id", turn.Pending.ConfirmationID,
			"expired_at", turn.Pending.ExpiresAt)
	}
}
