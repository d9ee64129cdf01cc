package repository

import (
	"time"

	"github.com/yuzuhq/line-relay/internal/model"
)

type UserStateEntity struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement;column:id"`
	UserID             string `gorm:"column:user_id;not null;uniqueIndex"`
	RelationshipStatus string `gorm:"column:relationship_status;not null;index"`
	ChannelMode        string `gorm:"column:channel_mode;not null"`
	IsRedelivery       bool   `gorm:"column:is_redelivery"`

	LastEventType string     `gorm:"column:last_event_type"`
	LastEventAt   *time.Time `gorm:"column:last_event_at"`

	LastMessageSummary   string `gorm:"column:last_message_summary"`
	LastMessagePreview   string `gorm:"column:last_message_preview"`
	LastMessageDirection string `gorm:"column:last_message_direction"`

	LastFollowedAt  *time.Time `gorm:"column:last_followed_at"`
	LastUnblockedAt *time.Time `gorm:"column:last_unblocked_at"`
	BlockedAt       *time.Time `gorm:"column:blocked_at"`

	DisplayName      string     `gorm:"column:display_name"`
	PictureURL       string     `gorm:"column:picture_url"`
	StatusMessage    string     `gorm:"column:status_message"`
	Language         string     `gorm:"column:language"`
	ProfileFetchedAt *time.Time `gorm:"column:profile_fetched_at"`
	ProfileFetchErr  string     `gorm:"column:profile_fetch_error"`

	UpdatedAt time.Time `gorm:"column:updated_at;index"`
}

func (UserStateEntity) TableName() string {
	return "user_states"
}

func toUserStateModel(e *UserStateEntity) *model.UserState {
	if e == nil {
		return nil
	}
	return &model.UserState{
		ID:                   e.ID,
		UserID:               e.UserID,
		RelationshipStatus:   model.RelationshipStatus(e.RelationshipStatus),
		ChannelMode:          model.ChannelMode(e.ChannelMode),
		IsRedelivery:         e.IsRedelivery,
		LastEventType:        e.LastEventType,
		LastEventAt:          e.LastEventAt,
		LastMessageSummary:   e.LastMessageSummary,
		LastMessagePreview:   model.PreviewType(e.LastMessagePreview),
		LastMessageDirection: model.Direction(e.LastMessageDirection),
		LastFollowedAt:       e.LastFollowedAt,
		LastUnblockedAt:      e.LastUnblockedAt,
		BlockedAt:            e.BlockedAt,
		DisplayName:          e.DisplayName,
		PictureURL:           e.PictureURL,
		StatusMessage:        e.StatusMessage,
		Language:             e.Language,
		ProfileFetchedAt:     e.ProfileFetchedAt,
		ProfileFetchErr:      e.ProfileFetchErr,
		UpdatedAt:            e.UpdatedAt,
	}
}

func toUserStateModels(entities []*UserStateEntity) []*model.UserState {
	if entities == nil {
		return nil
	}
	models := make([]*model.UserState, len(entities))
	for i, e := range entities {
		models[i] = toUserStateModel(e)
	}
	return models
}
