package router

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/store"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
	"github.com/capitalize-ai/conversation-router/pkg/metrics"
)

const (
	reasonIdle              = "idle timeout"
	reasonEscalationTimeout = "no support agent accepted in time"
)

// SweepConfig configures the abandonment sweep.
type SweepConfig struct {
	// Schedule is a cron expression, e.g. "* * * * *".
	Schedule string
	// IdleTimeout abandons active conversations without a message for this long.
	IdleTimeout time.Duration
	// EscalationTimeout abandons conversations whose escalation stayed pending this long. Zero disables.
	EscalationTimeout time.Duration
	BatchSize         int
}

// Sweeper abandons idle conversations and unaccepted escalations in batches.
type Sweeper struct {
	router *Router
	store  store.Store
	cfg    SweepConfig
	logger *logger.Logger
	now    func() time.Time
}

// NewSweeper validates the schedule and returns a sweeper.
func NewSweeper(r *Router, cfg SweepConfig, log *logger.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "* * * * *"
	}
	if !gronx.New().IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", cfg.Schedule)
	}
	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive, got %s", cfg.IdleTimeout)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{router: r, store: r.store, cfg: cfg, logger: log, now: time.Now}, nil
}

// Run sweeps on every schedule tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("abandonment sweeper started",
		zap.String("schedule", s.cfg.Schedule),
		zap.Duration("idle_timeout", s.cfg.IdleTimeout),
		zap.Duration("escalation_timeout", s.cfg.EscalationTimeout),
	)
	for {
		next, err := gronx.NextTickAfter(s.cfg.Schedule, s.now(), false)
		if err != nil {
			return fmt.Errorf("next sweep tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("abandonment sweeper stopped")
			return nil
		case <-timer.C:
		}

		idle, stale, err := s.SweepOnce(ctx)
		if err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
			continue
		}
		if idle+stale > 0 {
			s.logger.Info("sweep finished", zap.Int("idle", idle), zap.Int("stale_escalations", stale))
		}
	}
}

// SweepOnce runs a single pass and reports how many conversations it abandoned.
func (s *Sweeper) SweepOnce(ctx context.Context) (idle, stale int, err error) {
	now := s.now()

	cutoff := now.Add(-s.cfg.IdleTimeout)
	convs, err := s.store.ListIdleConversations(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list idle conversations: %w", err)
	}
	for _, conv := range convs {
		done, err := s.router.abandonIf(ctx, conv.ID, model.StatusActive, reasonIdle, func(c *model.Conversation) bool {
			return c.LastMessageAt.Before(cutoff)
		})
		if err != nil {
			s.logger.Warn("failed to abandon idle conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
			continue
		}
		if done {
			idle++
			metrics.SweptTotal.WithLabelValues("idle").Inc()
		}
	}

	if s.cfg.EscalationTimeout <= 0 {
		return idle, 0, nil
	}
	escs, err := s.store.ListStalePending(ctx, now.Add(-s.cfg.EscalationTimeout), s.cfg.BatchSize)
	if err != nil {
		return idle, 0, fmt.Errorf("list stale escalations: %w", err)
	}
	for _, esc := range escs {
		done, err := s.router.abandonIf(ctx, esc.ConversationID, model.StatusWaitingHuman, reasonEscalationTimeout, nil)
		if err != nil {
			s.logger.Warn("failed to abandon unaccepted escalation", zap.String("escalation_id", esc.ID), zap.Error(err))
			continue
		}
		if done {
			stale++
			metrics.SweptTotal.WithLabelValues("escalation_timeout").Inc()
		}
	}
	return idle, stale, nil
}
