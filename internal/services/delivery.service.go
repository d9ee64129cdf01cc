package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	gateway "github.com/yuzuhq/line-relay/internal/gateways"
	"github.com/yuzuhq/line-relay/internal/model"
	"github.com/yuzuhq/line-relay/internal/repository"
	"github.com/yuzuhq/line-relay/pkg/logger"
	"github.com/yuzuhq/line-relay/pkg/prom"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotOutgoing     = errors.New("message is not outgoing")
	ErrNotFailed       = errors.New("message is not in failed status")
	ErrNotTextContent  = errors.New("message content is not text")
)

type MessageStore interface {
	CreateOutgoing(ctx context.Context, userID string, content model.MessageContent, now time.Time) (*model.Message, error)
	Transition(ctx context.Context, messageID int64, t model.MessageTransition) error
	GetByID(ctx context.Context, messageID int64) (*model.Message, error)
	List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error)
}

type AttemptLedger interface {
	CreateAttempt(ctx context.Context, messageID int64, requestedAt time.Time, strategy model.RetryStrategy) (*model.DeliveryAttempt, error)
	CompleteAttempt(ctx context.Context, attemptID int64, c model.AttemptCompletion) error
	ListByMessage(ctx context.Context, messageID int64) ([]*model.DeliveryAttempt, error)
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]*model.DeliveryAttempt, error)
}

type EventLog interface {
	RecordPushEvent(ctx context.Context, ev *model.Event) (*model.Event, error)
}

type UserStateProjection interface {
	Apply(ctx context.Context, ev model.UserStateEvent) (*model.UserState, error)
}

type PushClient interface {
	PushText(ctx context.Context, to, text string) (*gateway.SentMessage, error)
}

// DeliveryService is the delivery orchestrator. It owns every lifecycle
// mutation of outgoing messages and their attempt ledger. The multi-step
// sequence in DeliverText is not wrapped in a transaction: each step is
// individually atomic and a partial run converges through the retry sweep.
type DeliveryService struct {
	messages MessageStore
	attempts AttemptLedger
	events   EventLog
	states   UserStateProjection
	client   PushClient
	now      func() time.Time
}

func NewDeliveryService(messages MessageStore, attempts AttemptLedger, events EventLog, states UserStateProjection, client PushClient) *DeliveryService {
	return &DeliveryService{
		messages: messages,
		attempts: attempts,
		events:   events,
		states:   states,
		client:   client,
		now:      time.Now,
	}
}

// SendText creates an outgoing text message and delivers it synchronously.
// A delivery failure is surfaced to the caller; the message stays persisted
// in failed status and the sweep picks it up later.
func (s *DeliveryService) SendText(ctx context.Context, p model.MessageCreateRequest) (*model.Message, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	msg, err := s.messages.CreateOutgoing(ctx, p.UserID, model.TextContent(p.Text), s.now())
	if err != nil {
		return nil, fmt.Errorf("create outgoing message: %w", err)
	}

	if err := s.DeliverText(ctx, msg.ID, msg.UserID, p.Text, false, model.RetryStrategyImmediate); err != nil {
		return msg, err
	}

	// Re-read so the caller sees the post-delivery lifecycle state.
	return s.messages.GetByID(ctx, msg.ID)
}

// DeliverText performs one delivery attempt end-to-end: record attempt,
// mark delivering, push, then settle ledger, message, projection and event
// log according to the outcome. On failure the next retry is scheduled from
// the backoff policy and the original error is returned to the caller.
func (s *DeliveryService) DeliverText(ctx context.Context, messageID int64, userID, text string, isRedelivery bool, strategy model.RetryStrategy) error {
	attemptAt := s.now()

	attempt, err := s.attempts.CreateAttempt(ctx, messageID, attemptAt, strategy)
	if err != nil {
		return fmt.Errorf("create delivery attempt: %w", err)
	}

	pending := model.MessageStatusPending
	delivering := model.DeliveryStateDelivering
	if err := s.messages.Transition(ctx, messageID, model.MessageTransition{
		Status:        &pending,
		DeliveryState: &delivering,
		UpdatedAt:     attemptAt,
	}); err != nil {
		return fmt.Errorf("mark message delivering: %w", err)
	}

	sent, pushErr := s.client.PushText(ctx, userID, text)
	if pushErr != nil {
		return s.settleFailure(ctx, messageID, userID, text, attempt, isRedelivery, attemptAt, pushErr)
	}
	return s.settleSuccess(ctx, messageID, userID, text, attempt, isRedelivery, attemptAt, sent)
}

func (s *DeliveryService) settleSuccess(ctx context.Context, messageID int64, userID, text string, attempt *model.DeliveryAttempt, isRedelivery bool, attemptAt time.Time, sent *gateway.SentMessage) error {
	completedAt := s.now()

	if err := s.attempts.CompleteAttempt(ctx, attempt.ID, model.AttemptCompletion{
		Status:      model.AttemptStatusSuccess,
		CompletedAt: completedAt,
	}); err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}

	sentStatus := model.MessageStatusSent
	transition := model.MessageTransition{
		Status:             &sentStatus,
		ClearDeliveryState: true,
		UpdatedAt:          completedAt,
	}
	if sent != nil && sent.ID != "" {
		transition.ExternalMessageID = &sent.ID
	}
	if sent != nil && sent.QuoteToken != "" {
		transition.QuoteToken = &sent.QuoteToken
	}
	if err := s.messages.Transition(ctx, messageID, transition); err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}

	summary := model.TextContent(text).Summarize("")
	preview := model.PreviewTypeText
	direction := model.DirectionOutgoing
	if _, err := s.states.Apply(ctx, model.UserStateEvent{
		UserID:               userID,
		EventType:            model.EventTypeOutgoingMessage,
		EventTimestamp:       attemptAt,
		Mode:                 string(model.ChannelModeActive),
		IsRedelivery:         isRedelivery,
		LastMessageSummary:   &summary,
		LastMessagePreview:   &preview,
		LastMessageDirection: &direction,
	}); err != nil {
		logger.Error("failed to update user state after delivery", "message_id", messageID, "error", err)
	}

	if _, err := s.events.RecordPushEvent(ctx, &model.Event{
		EventType:      model.EventTypePushSuccess,
		Timestamp:      attemptAt,
		UserID:         userID,
		IsRedelivery:   isRedelivery,
		MessageID:      &messageID,
		AttemptID:      &attempt.ID,
		Attempt:        attempt.Attempt,
		StatusSnapshot: model.AttemptStatusSuccess,
		PayloadSummary: summary,
	}); err != nil {
		logger.Error("failed to record push event", "message_id", messageID, "error", err)
	}

	prom.ObservePushDuration(completedAt.Sub(attemptAt).Seconds(), "success")
	prom.IncDeliveryAttempt("success", isRedelivery)

	logger.Info("message delivered",
		"message_id", messageID,
		"user_id", userID,
		"attempt", attempt.Attempt,
		"is_redelivery", isRedelivery)
	return nil
}

func (s *DeliveryService) settleFailure(ctx context.Context, messageID int64, userID, text string, attempt *model.DeliveryAttempt, isRedelivery bool, attemptAt time.Time, pushErr error) error {
	completedAt := s.now()
	nextRetryAt := NextRetryAt(attempt.Attempt, completedAt)

	if err := s.attempts.CompleteAttempt(ctx, attempt.ID, model.AttemptCompletion{
		Status:       model.AttemptStatusFailed,
		CompletedAt:  completedAt,
		ErrorMessage: pushErr.Error(),
		NextRetryAt:  &nextRetryAt,
	}); err != nil {
		logger.Error("failed to complete attempt as failed", "message_id", messageID, "attempt_id", attempt.ID, "error", err)
	}

	failed := model.MessageStatusFailed
	queued := model.DeliveryStateQueued
	if err := s.messages.Transition(ctx, messageID, model.MessageTransition{
		Status:        &failed,
		DeliveryState: &queued,
		UpdatedAt:     completedAt,
	}); err != nil {
		logger.Error("failed to mark message failed", "message_id", messageID, "error", err)
	}

	direction := model.DirectionOutgoing
	if _, err := s.states.Apply(ctx, model.UserStateEvent{
		UserID:               userID,
		EventType:            model.EventTypeOutgoingMessageFailed,
		EventTimestamp:       attemptAt,
		Mode:                 string(model.ChannelModeActive),
		IsRedelivery:         isRedelivery,
		LastMessageDirection: &direction,
	}); err != nil {
		logger.Error("failed to update user state after failure", "message_id", messageID, "error", err)
	}

	if _, err := s.events.RecordPushEvent(ctx, &model.Event{
		EventType:      model.EventTypePushFailed,
		Timestamp:      attemptAt,
		UserID:         userID,
		IsRedelivery:   isRedelivery,
		MessageID:      &messageID,
		AttemptID:      &attempt.ID,
		Attempt:        attempt.Attempt,
		StatusSnapshot: model.AttemptStatusFailed,
		PayloadSummary: model.TextContent(text).Summarize(""),
		ErrorMessage:   pushErr.Error(),
		NextRetryAt:    &nextRetryAt,
	}); err != nil {
		logger.Error("failed to record push event", "message_id", messageID, "error", err)
	}

	prom.IncDeliveryAttempt("failed", isRedelivery)

	logger.Warn("message delivery failed",
		"message_id", messageID,
		"user_id", userID,
		"attempt", attempt.Attempt,
		"next_retry_at", nextRetryAt,
		"error", pushErr)

	// The failure is absorbed into persisted state; the caller still sees it.
	return pushErr
}

// Resend re-delivers a failed outgoing message on operator request. It never
// re-executes an old attempt; a fresh attempt number is always allocated.
func (s *DeliveryService) Resend(ctx context.Context, messageID int64) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMessageNotFound
		}
		return err
	}

	if msg.Direction != model.DirectionOutgoing {
		return ErrNotOutgoing
	}
	if msg.Status != model.MessageStatusFailed {
		return ErrNotFailed
	}
	if msg.Content.Kind != model.ContentKindText {
		return ErrNotTextContent
	}

	attempts, err := s.attempts.ListByMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}
	logger.Info("manual resend requested",
		"message_id", messageID,
		"user_id", msg.UserID,
		"retry_count", len(attempts))

	return s.DeliverText(ctx, messageID, msg.UserID, msg.Content.Text, true, model.RetryStrategyManual)
}

func (s *DeliveryService) GetMessage(ctx context.Context, messageID int64) (*model.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (s *DeliveryService) ListMessages(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	return s.messages.List(ctx, f)
}

// ListAttempts returns a message's full delivery ledger, oldest first.
func (s *DeliveryService) ListAttempts(ctx context.Context, messageID int64) ([]*model.DeliveryAttempt, error) {
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return nil, err
	}
	return s.attempts.ListByMessage(ctx, messageID)
}
