package repository

import (
	"time"

	"github.com/yuzuhq/line-relay/internal/model"
)

type DeliveryAttemptEntity struct {
	ID            int64      `gorm:"primaryKey;autoIncrement;column:id"`
	MessageID     int64      `gorm:"column:message_id;not null;index:idx_attempts_message_attempt"`
	Attempt       int        `gorm:"column:attempt;not null;index:idx_attempts_message_attempt"`
	Status        string     `gorm:"column:status;not null;index:idx_attempts_status_retry"`
	RetryStrategy string     `gorm:"column:retry_strategy"`
	RequestedAt   time.Time  `gorm:"column:requested_at;not null"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`
	ErrorMessage  string     `gorm:"column:error_message"`
	NextRetryAt   *time.Time `gorm:"column:next_retry_at;index:idx_attempts_status_retry"`
}

func (DeliveryAttemptEntity) TableName() string {
	return "delivery_attempts"
}

func toDeliveryAttemptModel(e *DeliveryAttemptEntity) *model.DeliveryAttempt {
	if e == nil {
		return nil
	}
	return &model.DeliveryAttempt{
		ID:            e.ID,
		MessageID:     e.MessageID,
		Attempt:       e.Attempt,
		Status:        model.AttemptStatus(e.Status),
		RetryStrategy: model.RetryStrategy(e.RetryStrategy),
		RequestedAt:   e.RequestedAt,
		CompletedAt:   e.CompletedAt,
		ErrorMessage:  e.ErrorMessage,
		NextRetryAt:   e.NextRetryAt,
	}
}

func toDeliveryAttemptModels(entities []*DeliveryAttemptEntity) []*model.DeliveryAttempt {
	if entities == nil {
		return nil
	}
	models := make([]*model.DeliveryAttempt, len(entities))
	for i, e := range entities {
		models[i] = toDeliveryAttemptModel(e)
	}
	return models
}
