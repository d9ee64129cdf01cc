package repository

import (
	"time"

	"github.com/yuzuhq/line-relay/internal/model"
)

// MessageEntity flattens the content union and the quoted-message cache into
// columns. content_kind selects which content columns are meaningful.
type MessageEntity struct {
	ID            int64   `gorm:"primaryKey;autoIncrement;column:id"`
	UserID        string  `gorm:"column:user_id;not null;index:idx_messages_user_created"`
	Direction     string  `gorm:"column:direction;not null"`
	Status        string  `gorm:"column:status;not null;index"`
	DeliveryState *string `gorm:"column:delivery_state"`

	ContentKind       string `gorm:"column:content_kind;not null"`
	Text              string `gorm:"column:text"`
	MediaType         string `gorm:"column:media_type"`
	ProviderContentID string `gorm:"column:provider_content_id"`
	FileName          string `gorm:"column:file_name"`
	MimeType          string `gorm:"column:mime_type"`
	SizeBytes         int64  `gorm:"column:size_bytes"`
	DurationMs        int64  `gorm:"column:duration_ms"`
	TemplateType      string `gorm:"column:template_type"`
	AltText           string `gorm:"column:alt_text"`
	TemplatePayload   string `gorm:"column:template_payload"`

	ExternalMessageID string `gorm:"column:external_message_id;index"`
	ReplyToken        string `gorm:"column:reply_token"`
	QuoteToken        string `gorm:"column:quote_token"`

	QuotedExternalID  string `gorm:"column:quoted_external_id"`
	QuotedDisplayName string `gorm:"column:quoted_display_name"`
	QuotedText        string `gorm:"column:quoted_text"`
	QuotedMessageType string `gorm:"column:quoted_message_type"`

	CreatedAt time.Time `gorm:"column:created_at;index:idx_messages_user_created"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (MessageEntity) TableName() string {
	return "messages"
}

func toMessageEntity(m *model.Message) *MessageEntity {
	if m == nil {
		return nil
	}
	e := &MessageEntity{
		ID:                m.ID,
		UserID:            m.UserID,
		Direction:         string(m.Direction),
		Status:            string(m.Status),
		ContentKind:       string(m.Content.Kind),
		Text:              m.Content.Text,
		MediaType:         string(m.Content.MediaType),
		ProviderContentID: m.Content.ProviderContentID,
		FileName:          m.Content.FileName,
		MimeType:          m.Content.MimeType,
		SizeBytes:         m.Content.SizeBytes,
		DurationMs:        m.Content.DurationMs,
		TemplateType:      m.Content.TemplateType,
		AltText:           m.Content.AltText,
		TemplatePayload:   m.Content.TemplatePayload,
		ExternalMessageID: m.ExternalMessageID,
		ReplyToken:        m.ReplyToken,
		QuoteToken:        m.QuoteToken,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	if m.DeliveryState != nil {
		state := string(*m.DeliveryState)
		e.DeliveryState = &state
	}
	if m.QuotedMessage != nil {
		e.QuotedExternalID = m.QuotedMessage.ExternalMessageID
		e.QuotedDisplayName = m.QuotedMessage.DisplayName
		e.QuotedText = m.QuotedMessage.Text
		e.QuotedMessageType = m.QuotedMessage.MessageType
	}
	return e
}

func toMessageModel(e *MessageEntity) *model.Message {
	if e == nil {
		return nil
	}
	m := &model.Message{
		ID:        e.ID,
		UserID:    e.UserID,
		Direction: model.Direction(e.Direction),
		Status:    model.MessageStatus(e.Status),
		Content: model.MessageContent{
			Kind:              model.ContentKind(e.ContentKind),
			Text:              e.Text,
			MediaType:         model.MediaType(e.MediaType),
			ProviderContentID: e.ProviderContentID,
			FileName:          e.FileName,
			MimeType:          e.MimeType,
			SizeBytes:         e.SizeBytes,
			DurationMs:        e.DurationMs,
			TemplateType:      e.TemplateType,
			AltText:           e.AltText,
			TemplatePayload:   e.TemplatePayload,
		},
		ExternalMessageID: e.ExternalMessageID,
		ReplyToken:        e.ReplyToken,
		QuoteToken:        e.QuoteToken,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
	if e.DeliveryState != nil {
		state := model.DeliveryState(*e.DeliveryState)
		m.DeliveryState = &state
	}
	if e.QuotedExternalID != "" || e.QuotedText != "" || e.QuotedDisplayName != "" {
		m.QuotedMessage = &model.QuotedMessage{
			ExternalMessageID: e.QuotedExternalID,
			DisplayName:       e.QuotedDisplayName,
			Text:              e.QuotedText,
			MessageType:       e.QuotedMessageType,
		}
	}
	return m
}

func toMessageModels(entities []*MessageEntity) []*model.Message {
	if entities == nil {
		return nil
	}
	models := make([]*model.Message, len(entities))
	for i, e := range entities {
		models[i] = toMessageModel(e)
	}
	return models
}
