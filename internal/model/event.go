package model

import (
	"fmt"
	"time"
)

// EventSource distinguishes where an audit log row came from.
type EventSource string

const (
	EventSourceWebhook EventSource = "webhook"
	EventSourcePush    EventSource = "push"
)

const (
	EventTypeFollow                = "follow"
	EventTypeUnfollow              = "unfollow"
	EventTypeMessage               = "message"
	EventTypeOutgoingMessage       = "outgoing_message"
	EventTypeOutgoingMessageFailed = "outgoing_message_failed"
	EventTypePushSuccess           = "push_message_success"
	EventTypePushFailed            = "push_message_failed"
)

// Event is an immutable append-only audit record of every inbound webhook
// occurrence and every outbound push attempt outcome. WebhookEventID is the
// provider-supplied idempotency id for webhook rows and a synthesized
// composite id for push rows.
type Event struct {
	ID             int64       `json:"id"`
	WebhookEventID string      `json:"webhook_event_id"`
	Source         EventSource `json:"source"`
	EventType      string      `json:"event_type"`
	Timestamp      time.Time   `json:"timestamp"`
	UserID         string      `json:"user_id,omitempty"`
	SourceType     string      `json:"source_type,omitempty"`
	Mode           string      `json:"mode,omitempty"`
	IsRedelivery   bool        `json:"is_redelivery,omitempty"`
	ReplyToken     string      `json:"reply_token,omitempty"`
	FollowUnblock  bool        `json:"follow_unblocked,omitempty"`
	RawEvent       string      `json:"raw_event,omitempty"`

	// push rows only
	MessageID      *int64        `json:"message_id,omitempty"`
	AttemptID      *int64        `json:"attempt_id,omitempty"`
	Attempt        int           `json:"attempt,omitempty"`
	StatusSnapshot AttemptStatus `json:"status_snapshot,omitempty"`
	PayloadSummary string        `json:"payload_summary,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// PushEventID synthesizes a unique idempotency id for a push event from the
// (message, attempt, timestamp) triple.
func PushEventID(messageID int64, attempt int, ts time.Time) string {
	return fmt.Sprintf("push:%d:%d:%d", messageID, attempt, ts.UnixMilli())
}
