package services

import (
	"context"
	"sync"
	"time"

	"github.com/yuzuhq/line-relay/internal/model"
	"github.com/yuzuhq/line-relay/pkg/logger"
	"github.com/yuzuhq/line-relay/pkg/prom"
)

const (
	defaultSweepInterval = 60 * time.Second
	defaultSweepBatch    = 10
)

// RetrySweeper periodically re-delivers failed messages whose backoff has
// elapsed. It is the only automatic retry path; every attempt it triggers
// goes through the same orchestrator as interactive sends.
type RetrySweeper struct {
	delivery *DeliveryService
	messages MessageStore
	attempts AttemptLedger
	interval time.Duration
	batch    int
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRetrySweeper(delivery *DeliveryService, messages MessageStore, attempts AttemptLedger, interval time.Duration, batch int) *RetrySweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &RetrySweeper{
		delivery: delivery,
		messages: messages,
		attempts: attempts,
		interval: interval,
		batch:    batch,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep happens after one full
// interval, not immediately, so a crash-looping process cannot hammer the
// provider.
func (s *RetrySweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		logger.Info("retry sweeper started", "interval", s.interval, "batch", s.batch)

		for {
			select {
			case <-ticker.C:
				s.SweepOnce(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *RetrySweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	logger.Info("retry sweeper stopped")
}

// SweepOnce scans the ledger for due retries and re-delivers each candidate.
// A failing candidate is logged and skipped; one poisoned message must not
// stall the rest of the batch. Returns the number of successful deliveries.
func (s *RetrySweeper) SweepOnce(ctx context.Context) int {
	now := s.now()

	candidates, err := s.attempts.ListRetryable(ctx, now, s.batch)
	if err != nil {
		logger.Error("retry sweep failed to list candidates", "error", err)
		return 0
	}

	prom.ObserveSweepCandidates(len(candidates))
	if len(candidates) == 0 {
		return 0
	}

	delivered := 0
	skipped := 0
	for _, candidate := range candidates {
		retried, err := s.retryOne(ctx, candidate)
		if err != nil {
			logger.Warn("retry sweep delivery failed",
				"message_id", candidate.MessageID,
				"attempt", candidate.Attempt,
				"error", err)
			continue
		}
		if !retried {
			skipped++
			continue
		}
		delivered++
	}

	logger.Info("retry sweep completed", "candidates", len(candidates), "delivered", delivered, "skipped", skipped)
	return delivered
}

// retryOne reports whether the candidate was actually re-delivered; a skipped
// candidate is not a delivery and must not be counted as one.
func (s *RetrySweeper) retryOne(ctx context.Context, candidate *model.DeliveryAttempt) (bool, error) {
	msg, err := s.messages.GetByID(ctx, candidate.MessageID)
	if err != nil {
		return false, err
	}

	// Only failed outgoing text messages are retryable; everything else has
	// either converged already or cannot be re-pushed.
	if msg.Direction != model.DirectionOutgoing {
		return false, nil
	}
	if msg.Status != model.MessageStatusFailed {
		return false, nil
	}
	if msg.Content.Kind != model.ContentKindText {
		return false, nil
	}

	if err := s.delivery.DeliverText(ctx, msg.ID, msg.UserID, msg.Content.Text, true, model.RetryStrategyBackoff); err != nil {
		return false, err
	}
	return true, nil
}
