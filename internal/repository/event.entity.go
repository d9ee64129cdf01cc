package repository

import (
	"time"

	"github.com/yuzuhq/line-relay/internal/model"
)

type EventEntity struct {
	ID             int64     `gorm:"primaryKey;autoIncrement;column:id"`
	WebhookEventID string    `gorm:"column:webhook_event_id;not null;index"`
	Source         string    `gorm:"column:source;not null"`
	EventType      string    `gorm:"column:event_type;not null"`
	Timestamp      time.Time `gorm:"column:timestamp;index:idx_events_user_ts"`
	UserID         string    `gorm:"column:user_id;index:idx_events_user_ts"`
	SourceType     string    `gorm:"column:source_type"`
	Mode           string    `gorm:"column:mode"`
	IsRedelivery   bool      `gorm:"column:is_redelivery"`
	ReplyToken     string    `gorm:"column:reply_token"`
	FollowUnblock  bool      `gorm:"column:follow_unblocked"`
	RawEvent       string    `gorm:"column:raw_event"`

	MessageID      *int64     `gorm:"column:message_id;index"`
	AttemptID      *int64     `gorm:"column:attempt_id"`
	Attempt        int        `gorm:"column:attempt"`
	StatusSnapshot string     `gorm:"column:status_snapshot"`
	PayloadSummary string     `gorm:"column:payload_summary"`
	ErrorMessage   string     `gorm:"column:error_message"`
	NextRetryAt    *time.Time `gorm:"column:next_retry_at"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (EventEntity) TableName() string {
	return "events"
}

func toEventEntity(m *model.Event) *EventEntity {
	if m == nil {
		return nil
	}
	return &EventEntity{
		ID:             m.ID,
		WebhookEventID: m.WebhookEventID,
		Source:         string(m.Source),
		EventType:      m.EventType,
		Timestamp:      m.Timestamp,
		UserID:         m.UserID,
		SourceType:     m.SourceType,
		Mode:           m.Mode,
		IsRedelivery:   m.IsRedelivery,
		ReplyToken:     m.ReplyToken,
		FollowUnblock:  m.FollowUnblock,
		RawEvent:       m.RawEvent,
		MessageID:      m.MessageID,
		AttemptID:      m.AttemptID,
		Attempt:        m.Attempt,
		StatusSnapshot: string(m.StatusSnapshot),
		PayloadSummary: m.PayloadSummary,
		ErrorMessage:   m.ErrorMessage,
		NextRetryAt:    m.NextRetryAt,
		CreatedAt:      m.CreatedAt,
	}
}

func toEventModel(e *EventEntity) *model.Event {
	if e == nil {
		return nil
	}
	return &model.Event{
		ID:             e.ID,
		WebhookEventID: e.WebhookEventID,
		Source:         model.EventSource(e.Source),
		EventType:      e.EventType,
		Timestamp:      e.Timestamp,
		UserID:         e.UserID,
		SourceType:     e.SourceType,
		Mode:           e.Mode,
		IsRedelivery:   e.IsRedelivery,
		ReplyToken:     e.ReplyToken,
		FollowUnblock:  e.FollowUnblock,
		RawEvent:       e.RawEvent,
		MessageID:      e.MessageID,
		AttemptID:      e.AttemptID,
		Attempt:        e.Attempt,
		StatusSnapshot: model.AttemptStatus(e.StatusSnapshot),
		PayloadSummary: e.PayloadSummary,
		ErrorMessage:   e.ErrorMessage,
		NextRetryAt:    e.NextRetryAt,
		CreatedAt:      e.CreatedAt,
	}
}

func toEventModels(entities []*EventEntity) []*model.Event {
	if entities == nil {
		return nil
	}
	models := make([]*model.Event, len(entities))
	for i, e := range entities {
		models[i] = toEventModel(e)
	}
	return models
}
