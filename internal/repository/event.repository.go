package repository

import (
	"context"
	"time"

	"github.com/yuzuhq/line-relay/internal/model"
	"github.com/yuzuhq/line-relay/pkg/pg"
)

type EventRepository struct {
	*pg.DB
}

func NewEventRepository(db *pg.DB) *EventRepository {
	return &EventRepository{
		db,
	}
}

// RecordWebhookEvent appends one audit row for an inbound webhook delivery.
// Rows are never mutated after insert.
func (r *EventRepository) RecordWebhookEvent(ctx context.Context, ev *model.Event) (*model.Event, error) {
	ev.Source = model.EventSourceWebhook
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	entity := toEventEntity(ev)
	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toEventModel(entity), nil
}

// RecordPushEvent appends one audit row for an outbound push attempt outcome.
// The synthesized webhook_event_id is unique per (message, attempt, timestamp).
func (r *EventRepository) RecordPushEvent(ctx context.Context, ev *model.Event) (*model.Event, error) {
	ev.Source = model.EventSourcePush
	if ev.MessageID != nil && ev.WebhookEventID == "" {
		ev.WebhookEventID = model.PushEventID(*ev.MessageID, ev.Attempt, ev.Timestamp)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	entity := toEventEntity(ev)
	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toEventModel(entity), nil
}

// HasWebhookEvent reports whether an event with the given provider id was
// already recorded. Upstream redeliveries are detectable through this check.
func (r *EventRepository) HasWebhookEvent(ctx context.Context, webhookEventID string) (bool, error) {
	var count int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&EventEntity{}).
		Where("webhook_event_id = ? AND source = ?", webhookEventID, string(model.EventSourceWebhook)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListByUser returns the most recent events for a user, newest first.
func (r *EventRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entities []*EventEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toEventModels(entities), nil
}
