package model

import (
	"encoding/json"
	"time"
)

// WebhookCallback is the envelope the messaging platform POSTs to the
// webhook endpoint. Events are kept raw so the ingest path can fan them out
// to the queue without interpreting them.
type WebhookCallback struct {
	Destination string            `json:"destination"`
	Events      []json.RawMessage `json:"events"`
}

// WebhookSource identifies where an event originated.
type WebhookSource struct {
	Type    string `json:"type"`
	UserID  string `json:"userId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

// WebhookDeliveryContext flags redelivered events after a webhook outage.
type WebhookDeliveryContext struct {
	IsRedelivery bool `json:"isRedelivery"`
}

// WebhookFollow is the follow-event payload.
type WebhookFollow struct {
	IsUnblocked bool `json:"isUnblocked"`
}

// WebhookContentProvider says where media bytes live.
type WebhookContentProvider struct {
	Type               string `json:"type"`
	OriginalContentURL string `json:"originalContentUrl,omitempty"`
	PreviewImageURL    string `json:"previewImageUrl,omitempty"`
}

// WebhookMessage is the message payload inside a message event. Fields are
// a union over the platform's message types; Type selects which are set.
type WebhookMessage struct {
	ID              string                  `json:"id"`
	Type            string                  `json:"type"`
	Text            string                  `json:"text,omitempty"`
	QuoteToken      string                  `json:"quoteToken,omitempty"`
	QuotedMessageID string                  `json:"quotedMessageId,omitempty"`
	FileName        string                  `json:"fileName,omitempty"`
	FileSize        int64                   `json:"fileSize,omitempty"`
	Duration        int64                   `json:"duration,omitempty"`
	StickerID       string                  `json:"stickerId,omitempty"`
	PackageID       string                  `json:"packageId,omitempty"`
	ContentProvider *WebhookContentProvider `json:"contentProvider,omitempty"`
}

// WebhookEvent is one event from the callback envelope.
type WebhookEvent struct {
	Type            string                 `json:"type"`
	WebhookEventID  string                 `json:"webhookEventId"`
	Timestamp       int64                  `json:"timestamp"`
	Mode            string                 `json:"mode"`
	Source          WebhookSource          `json:"source"`
	DeliveryContext WebhookDeliveryContext `json:"deliveryContext"`
	ReplyToken      string                 `json:"replyToken,omitempty"`
	Follow          *WebhookFollow         `json:"follow,omitempty"`
	Message         *WebhookMessage        `json:"message,omitempty"`
}

// OccurredAt converts the platform's millisecond timestamp.
func (e *WebhookEvent) OccurredAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Content maps the wire message union onto the internal content union.
func (m *WebhookMessage) Content() MessageContent {
	switch m.Type {
	case "text":
		return MessageContent{Kind: ContentKindText, Text: m.Text}
	case "image", "video", "audio", "file", "sticker":
		c := MessageContent{
			Kind:      ContentKindMedia,
			MediaType: MediaType(m.Type),
			FileName:  m.FileName,
			SizeBytes: m.FileSize,
		}
		if m.Duration > 0 {
			c.DurationMs = m.Duration
		}
		if m.Type == "sticker" {
			c.ProviderContentID = m.PackageID + "/" + m.StickerID
		} else if m.ContentProvider != nil && m.ContentProvider.OriginalContentURL != "" {
			c.ProviderContentID = m.ContentProvider.OriginalContentURL
		} else {
			c.ProviderContentID = m.ID
		}
		return c
	default:
		return MessageContent{Kind: ContentKindTemplate, TemplateType: m.Type}
	}
}
