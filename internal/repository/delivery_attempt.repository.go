package repository

import (
	"context"
	"errors"
	"time"

	"github.com/yuzuhq/line-relay/internal/model"
	"github.com/yuzuhq/line-relay/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrAttemptNotFound is returned when a delivery attempt does not exist.
	ErrAttemptNotFound = errors.New("delivery attempt not found")
)

const maxRetryableBatch = 50

type DeliveryAttemptRepository struct {
	*pg.DB
}

func NewDeliveryAttemptRepository(db *pg.DB) *DeliveryAttemptRepository {
	return &DeliveryAttemptRepository{
		db,
	}
}

// CreateAttempt inserts the next attempt for a message. The attempt number is
// derived from a fresh read of the current maximum immediately before the
// insert, so numbers are strictly increasing and gapless per message. The
// store has no compare-and-swap; single-flight per message is the caller's
// responsibility, and a lost race here produces an extra attempt rather than
// a duplicate number being silently reused for old rows.
func (r *DeliveryAttemptRepository) CreateAttempt(ctx context.Context, messageID int64, requestedAt time.Time, strategy model.RetryStrategy) (*model.DeliveryAttempt, error) {
	var latest DeliveryAttemptEntity
	next := 1
	err := r.Write(ctx).WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("attempt DESC").
		First(&latest).Error
	if err == nil {
		next = latest.Attempt + 1
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	entity := &DeliveryAttemptEntity{
		MessageID:     messageID,
		Attempt:       next,
		Status:        string(model.AttemptStatusPending),
		RetryStrategy: string(strategy),
		RequestedAt:   requestedAt,
	}
	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toDeliveryAttemptModel(entity), nil
}

// CompleteAttempt patches only the completion fields of the named attempt.
// Last write wins; a given attempt is only ever completed by its owning
// orchestration run, so repeating the same completion is a no-op in effect.
func (r *DeliveryAttemptRepository) CompleteAttempt(ctx context.Context, attemptID int64, c model.AttemptCompletion) error {
	updates := map[string]interface{}{
		"status":       string(c.Status),
		"completed_at": c.CompletedAt,
	}
	if c.ErrorMessage != "" {
		updates["error_message"] = c.ErrorMessage
	}
	if c.NextRetryAt != nil {
		updates["next_retry_at"] = *c.NextRetryAt
	}

	res := r.Write(ctx).WithContext(ctx).
		Model(&DeliveryAttemptEntity{}).
		Where("id = ?", attemptID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (r *DeliveryAttemptRepository) GetByID(ctx context.Context, attemptID int64) (*model.DeliveryAttempt, error) {
	var entity DeliveryAttemptEntity
	err := r.Read(ctx).WithContext(ctx).First(&entity, "id = ?", attemptID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return toDeliveryAttemptModel(&entity), nil
}

// ListByMessage returns every attempt for a message, oldest first.
func (r *DeliveryAttemptRepository) ListByMessage(ctx context.Context, messageID int64) ([]*model.DeliveryAttempt, error) {
	var entities []*DeliveryAttemptEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("attempt ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toDeliveryAttemptModels(entities), nil
}

// ListRetryable returns failed attempts due for retry, oldest-due first.
// Only each message's current (highest-numbered) attempt is eligible: an
// attempt superseded by a later one, for example by a manual resend already
// in flight, must never be retried again. The store has no "is latest" index,
// so candidates are over-fetched and filtered with a per-message max check.
func (r *DeliveryAttemptRepository) ListRetryable(ctx context.Context, now time.Time, limit int) ([]*model.DeliveryAttempt, error) {
	take := limit
	if take < 1 {
		take = 10
	}
	if take > maxRetryableBatch {
		take = maxRetryableBatch
	}

	var candidates []*DeliveryAttemptEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", string(model.AttemptStatusFailed), now).
		Order("next_retry_at ASC").
		Limit(take * 2).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	results := make([]*model.DeliveryAttempt, 0, take)
	for _, candidate := range candidates {
		var latest DeliveryAttemptEntity
		err := r.Read(ctx).WithContext(ctx).
			Where("message_id = ?", candidate.MessageID).
			Order("attempt DESC").
			First(&latest).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		if latest.ID != candidate.ID {
			continue
		}

		results = append(results, toDeliveryAttemptModel(candidate))
		if len(results) >= take {
			break
		}
	}
	return results, nil
}
