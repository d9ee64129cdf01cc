package model

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	MessageStatusPending  MessageStatus = "pending"
	MessageStatusSent     MessageStatus = "sent"
	MessageStatusFailed   MessageStatus = "failed"
	MessageStatusCanceled MessageStatus = "canceled"
)

// DeliveryState is only meaningful while a message is pending or failed.
// It is cleared on terminal success.
type DeliveryState string

const (
	DeliveryStateQueued     DeliveryState = "queued"
	DeliveryStateDelivering DeliveryState = "delivering"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type ContentKind string

const (
	ContentKindText     ContentKind = "text"
	ContentKindMedia    ContentKind = "media"
	ContentKindTemplate ContentKind = "template"
)

type MediaType string

const (
	MediaTypeImage   MediaType = "image"
	MediaTypeVideo   MediaType = "video"
	MediaTypeAudio   MediaType = "audio"
	MediaTypeFile    MediaType = "file"
	MediaTypeSticker MediaType = "sticker"
)

// MessageContent is the tagged union carried by a message. Kind selects
// which of the remaining fields are meaningful.
type MessageContent struct {
	Kind ContentKind `json:"kind"`

	// text
	Text string `json:"text,omitempty"`

	// media
	MediaType         MediaType `json:"media_type,omitempty"`
	ProviderContentID string    `json:"provider_content_id,omitempty"`
	FileName          string    `json:"file_name,omitempty"`
	MimeType          string    `json:"mime_type,omitempty"`
	SizeBytes         int64     `json:"size_bytes,omitempty"`
	DurationMs        int64     `json:"duration_ms,omitempty"`

	// template
	TemplateType    string `json:"template_type,omitempty"`
	AltText         string `json:"alt_text,omitempty"`
	TemplatePayload string `json:"template_payload,omitempty"`
}

func TextContent(text string) MessageContent {
	return MessageContent{Kind: ContentKindText, Text: text}
}

// QuotedMessage is a cached back-reference to another message by its
// provider-assigned id. Preview fields are denormalized at capture time.
type QuotedMessage struct {
	ExternalMessageID string `json:"external_message_id,omitempty"`
	DisplayName       string `json:"display_name,omitempty"`
	Text              string `json:"text,omitempty"`
	MessageType       string `json:"message_type,omitempty"`
}

type Message struct {
	ID                int64          `json:"id"`
	UserID            string         `json:"user_id"`
	Direction         Direction      `json:"direction"`
	Content           MessageContent `json:"content"`
	Status            MessageStatus  `json:"status"`
	DeliveryState     *DeliveryState `json:"delivery_state,omitempty"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	ReplyToken        string         `json:"reply_token,omitempty"`
	QuoteToken        string         `json:"quote_token,omitempty"`
	QuotedMessage     *QuotedMessage `json:"quoted_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// MessageTransition is a partial patch applied by the delivery orchestrator.
// Only non-nil fields change. ClearDeliveryState distinguishes "clear the
// field" from "leave it alone", since a nil DeliveryState alone is ambiguous.
type MessageTransition struct {
	Status             *MessageStatus
	DeliveryState      *DeliveryState
	ClearDeliveryState bool
	ExternalMessageID  *string
	QuoteToken         *string
	UpdatedAt          time.Time
}

// MessageCreateRequest is the input for creating an outgoing text message.
type MessageCreateRequest struct {
	UserID string
	Text   string
}

func (p MessageCreateRequest) Validate() error {
	if p.UserID == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(p.Text) == "" {
		return errors.New("text is required")
	}
	return nil
}

// MessageFilter controls List queries.
type MessageFilter struct {
	UserID    *string
	Direction *Direction
	Statuses  []MessageStatus
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
	Desc      bool
}

const summaryMaxRunes = 140

// Summarize produces the short preview used by the contact-list projection
// and the event log. Non-text content gets a bracketed label.
func (c MessageContent) Summarize(fallback string) string {
	var s string
	switch c.Kind {
	case ContentKindText:
		s = strings.TrimSpace(c.Text)
	case ContentKindTemplate:
		s = strings.TrimSpace(c.AltText)
	case ContentKindMedia:
		label := c.FileName
		if label == "" {
			label = strings.ToUpper(string(c.MediaType))
		}
		s = "[" + label + "]"
	}
	if s == "" {
		return fallback
	}
	return ClampSummary(s)
}

// ClampSummary truncates a preview string to the projection's cache limit.
func ClampSummary(s string) string {
	if utf8.RuneCountInString(s) <= summaryMaxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:summaryMaxRunes])
}

// PreviewType maps a content kind onto the projection's preview column.
func (c MessageContent) PreviewType() PreviewType {
	switch c.Kind {
	case ContentKindText:
		return PreviewTypeText
	case ContentKindMedia:
		return PreviewTypeMedia
	default:
		return PreviewTypeTemplate
	}
}
