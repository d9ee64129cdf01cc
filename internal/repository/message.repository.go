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
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("message not found")
)

type MessageRepository struct {
	*pg.DB
}

func NewMessageRepository(db *pg.DB) *MessageRepository {
	return &MessageRepository{
		db,
	}
}

// CreateOutgoing inserts a new outgoing message in its initial lifecycle
// state: status=pending, deliveryState=queued.
func (r *MessageRepository) CreateOutgoing(ctx context.Context, userID string, content model.MessageContent, now time.Time) (*model.Message, error) {
	queued := model.DeliveryStateQueued
	msg := &model.Message{
		UserID:        userID,
		Direction:     model.DirectionOutgoing,
		Content:       content,
		Status:        model.MessageStatusPending,
		DeliveryState: &queued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	entity := toMessageEntity(msg)
	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toMessageModel(entity), nil
}

// CreateIncoming persists a message received through the webhook. Incoming
// messages are already delivered, so they skip the pending lifecycle.
func (r *MessageRepository) CreateIncoming(ctx context.Context, msg *model.Message) (*model.Message, error) {
	msg.Direction = model.DirectionIncoming
	msg.Status = model.MessageStatusSent
	msg.DeliveryState = nil
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	entity := toMessageEntity(msg)
	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toMessageModel(entity), nil
}

// Transition applies a partial lifecycle patch. Only fields present in the
// transition change; ClearDeliveryState sets delivery_state to NULL, which is
// distinct from leaving it untouched. updated_at is always bumped.
func (r *MessageRepository) Transition(ctx context.Context, messageID int64, t model.MessageTransition) error {
	updates := map[string]interface{}{
		"updated_at": t.UpdatedAt,
	}
	if t.Status != nil {
		updates["status"] = string(*t.Status)
	}
	if t.ClearDeliveryState {
		updates["delivery_state"] = nil
	} else if t.DeliveryState != nil {
		updates["delivery_state"] = string(*t.DeliveryState)
	}
	if t.ExternalMessageID != nil {
		updates["external_message_id"] = *t.ExternalMessageID
	}
	if t.QuoteToken != nil {
		updates["quote_token"] = *t.QuoteToken
	}

	res := r.Write(ctx).WithContext(ctx).
		Model(&MessageEntity{}).
		Where("id = ?", messageID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, messageID int64) (*model.Message, error) {
	var entity MessageEntity
	err := r.Read(ctx).WithContext(ctx).First(&entity, "id = ?", messageID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toMessageModel(&entity), nil
}

// GetByExternalID resolves a message by its provider-assigned id. Used to
// backfill quoted-message previews from our own history.
func (r *MessageRepository) GetByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	var entity MessageEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("external_message_id = ?", externalID).
		Order("created_at DESC").
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toMessageModel(&entity), nil
}

func (r *MessageRepository) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&MessageEntity{})

	if f.UserID != nil && *f.UserID != "" {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.Direction != nil {
		q = q.Where("direction = ?", string(*f.Direction))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	// Count before pagination
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*MessageEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toMessageModels(entities), total, nil
}
