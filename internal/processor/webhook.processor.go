package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	gateway "github.com/yuzuhq/line-relay/internal/gateways"
	"github.com/yuzuhq/line-relay/internal/model"
	"github.com/yuzuhq/line-relay/internal/queue"
	"github.com/yuzuhq/line-relay/internal/repository"
	"github.com/yuzuhq/line-relay/pkg/logger"
	"github.com/yuzuhq/line-relay/pkg/prom"
)

type IncomingMessageStore interface {
	CreateIncoming(ctx context.Context, msg *model.Message) (*model.Message, error)
	GetByExternalID(ctx context.Context, externalID string) (*model.Message, error)
}

type WebhookEventLog interface {
	RecordWebhookEvent(ctx context.Context, ev *model.Event) (*model.Event, error)
	HasWebhookEvent(ctx context.Context, webhookEventID string) (bool, error)
}

type StateProjection interface {
	Apply(ctx context.Context, ev model.UserStateEvent) (*model.UserState, error)
}

type ProfileFetcher interface {
	GetProfile(ctx context.Context, userID string) (*gateway.Profile, error)
}

// WebhookEventProcessor consumes raw webhook events off the queue and turns
// each into durable state: an audit row, possibly a message row, and a
// projection upsert. Processing is idempotent on webhookEventId so upstream
// redeliveries and queue retries both converge to a single recorded event.
type WebhookEventProcessor struct {
	messages    IncomingMessageStore
	events      WebhookEventLog
	states      StateProjection
	profiles    ProfileFetcher
	idempotency *IdempotencyService
}

func NewWebhookEventProcessor(messages IncomingMessageStore, events WebhookEventLog, states StateProjection, profiles ProfileFetcher, idempotency *IdempotencyService) *WebhookEventProcessor {
	return &WebhookEventProcessor{
		messages:    messages,
		events:      events,
		states:      states,
		profiles:    profiles,
		idempotency: idempotency,
	}
}

func (p *WebhookEventProcessor) GetType() string {
	return "webhook_event"
}

// Process handles one queued webhook event. Returning nil ACKs the queue
// message; returning an error NACKs it for redelivery.
func (p *WebhookEventProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	var ev model.WebhookEvent
	if err := json.Unmarshal(queueMessage.Data, &ev); err != nil {
		logger.Error("Failed to unmarshal webhook event", "error", err)
		return err // malformed payload goes to the DLQ
	}

	if ev.WebhookEventID == "" {
		logger.Warn("Webhook event without id, dropping", "type", ev.Type)
		return nil
	}

	procCtx, err := p.idempotency.AcquireProcessingLock(ctx, ev.WebhookEventID)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			logger.Info("Webhook event already processed, skipping", "webhook_event_id", ev.WebhookEventID)
			prom.IncWebhookDuplicate()
			return nil
		}
		if errors.Is(err, ErrMaxRetriesExceeded) {
			logger.Error("Max retries exceeded for webhook event", "webhook_event_id", ev.WebhookEventID)
			return nil // ACK, the DLQ keeps the payload
		}
		if errors.Is(err, ErrLockAcquireFailed) {
			return errors.New("lock held by another consumer")
		}
		return err
	}
	defer func() {
		if procCtx.lockAcquired {
			p.idempotency.ReleaseLock(ctx, procCtx)
		}
	}()

	// The Redis marker expires; the event log is the durable duplicate check.
	seen, err := p.events.HasWebhookEvent(ctx, ev.WebhookEventID)
	if err != nil {
		if markErr := p.idempotency.MarkFailure(ctx, procCtx, err); markErr != nil {
			logger.Error("Failed to mark failure", "webhook_event_id", ev.WebhookEventID, "error", markErr)
		}
		return err
	}
	if seen {
		logger.Info("Webhook event already recorded, skipping", "webhook_event_id", ev.WebhookEventID)
		prom.IncWebhookDuplicate()
		if markErr := p.idempotency.MarkSuccess(ctx, procCtx); markErr != nil {
			logger.Error("Failed to mark success", "webhook_event_id", ev.WebhookEventID, "error", markErr)
		}
		return nil
	}

	if err := p.handle(ctx, &ev, queueMessage.Data); err != nil {
		logger.Error("Failed to process webhook event",
			"webhook_event_id", ev.WebhookEventID,
			"type", ev.Type,
			"error", err)
		if markErr := p.idempotency.MarkFailure(ctx, procCtx, err); markErr != nil {
			logger.Error("Failed to mark failure", "webhook_event_id", ev.WebhookEventID, "error", markErr)
		}
		return err
	}

	prom.IncWebhookProcessed(ev.Type)
	if markErr := p.idempotency.MarkSuccess(ctx, procCtx); markErr != nil {
		logger.Error("Failed to mark success", "webhook_event_id", ev.WebhookEventID, "error", markErr)
	}
	return nil
}

func (p *WebhookEventProcessor) handle(ctx context.Context, ev *model.WebhookEvent, raw []byte) error {
	switch ev.Type {
	case "message":
		return p.handleMessage(ctx, ev, raw)
	case "follow":
		return p.handleFollow(ctx, ev, raw)
	case "unfollow":
		return p.handleUnfollow(ctx, ev, raw)
	default:
		// Unknown event types are recorded verbatim so nothing is lost.
		logger.Info("Unhandled webhook event type", "type", ev.Type, "webhook_event_id", ev.WebhookEventID)
		_, err := p.events.RecordWebhookEvent(ctx, p.baseEvent(ev, raw))
		return err
	}
}

func (p *WebhookEventProcessor) handleMessage(ctx context.Context, ev *model.WebhookEvent, raw []byte) error {
	if ev.Message == nil {
		return fmt.Errorf("message event %s has no message payload", ev.WebhookEventID)
	}

	content := ev.Message.Content()
	occurredAt := ev.OccurredAt()

	msg := &model.Message{
		UserID:            ev.Source.UserID,
		Content:           content,
		ExternalMessageID: ev.Message.ID,
		ReplyToken:        ev.ReplyToken,
		QuoteToken:        ev.Message.QuoteToken,
		CreatedAt:         occurredAt,
	}

	if ev.Message.QuotedMessageID != "" {
		msg.QuotedMessage = p.resolveQuoted(ctx, ev.Message.QuotedMessageID)
	}

	stored, err := p.messages.CreateIncoming(ctx, msg)
	if err != nil {
		return fmt.Errorf("persist incoming message: %w", err)
	}

	event := p.baseEvent(ev, raw)
	event.MessageID = &stored.ID
	event.PayloadSummary = content.Summarize("[" + ev.Message.Type + "]")
	if _, err := p.events.RecordWebhookEvent(ctx, event); err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}

	summary := event.PayloadSummary
	preview := content.PreviewType()
	direction := model.DirectionIncoming
	if _, err := p.states.Apply(ctx, model.UserStateEvent{
		UserID:               ev.Source.UserID,
		EventType:            model.EventTypeMessage,
		EventTimestamp:       occurredAt,
		Mode:                 ev.Mode,
		IsRedelivery:         ev.DeliveryContext.IsRedelivery,
		LastMessageSummary:   &summary,
		LastMessagePreview:   &preview,
		LastMessageDirection: &direction,
	}); err != nil {
		return fmt.Errorf("apply user state: %w", err)
	}

	logger.Info("Incoming message stored",
		"message_id", stored.ID,
		"user_id", ev.Source.UserID,
		"content_kind", content.Kind,
		"is_redelivery", ev.DeliveryContext.IsRedelivery)
	return nil
}

// resolveQuoted backfills a quoted-message preview from our own history.
// A miss is not an error, the reference may point at a message we never saw.
func (p *WebhookEventProcessor) resolveQuoted(ctx context.Context, quotedExternalID string) *model.QuotedMessage {
	quoted := &model.QuotedMessage{ExternalMessageID: quotedExternalID}

	ref, err := p.messages.GetByExternalID(ctx, quotedExternalID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logger.Warn("Failed to resolve quoted message", "quoted_external_id", quotedExternalID, "error", err)
		}
		return quoted
	}

	quoted.Text = ref.Content.Summarize("")
	quoted.MessageType = string(ref.Content.Kind)
	return quoted
}

func (p *WebhookEventProcessor) handleFollow(ctx context.Context, ev *model.WebhookEvent, raw []byte) error {
	event := p.baseEvent(ev, raw)
	if ev.Follow != nil {
		event.FollowUnblock = ev.Follow.IsUnblocked
	}
	if _, err := p.events.RecordWebhookEvent(ctx, event); err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}

	stateEv := model.UserStateEvent{
		UserID:         ev.Source.UserID,
		EventType:      model.EventTypeFollow,
		EventTimestamp: ev.OccurredAt(),
		Mode:           ev.Mode,
		IsRedelivery:   ev.DeliveryContext.IsRedelivery,
		FollowUnblock:  event.FollowUnblock,
	}

	// Best effort: a profile fetch failure must not lose the follow itself.
	profile, err := p.profiles.GetProfile(ctx, ev.Source.UserID)
	if err != nil {
		fetchErr := err.Error()
		stateEv.ProfileFetchErr = &fetchErr
		logger.Warn("Failed to fetch profile on follow", "user_id", ev.Source.UserID, "error", err)
	} else {
		stateEv.Profile = &model.UserProfile{
			DisplayName:   profile.DisplayName,
			PictureURL:    profile.PictureURL,
			StatusMessage: profile.StatusMessage,
			Language:      profile.Language,
		}
	}

	if _, err := p.states.Apply(ctx, stateEv); err != nil {
		return fmt.Errorf("apply user state: %w", err)
	}

	logger.Info("User followed channel",
		"user_id", ev.Source.UserID,
		"unblocked", event.FollowUnblock)
	return nil
}

func (p *WebhookEventProcessor) handleUnfollow(ctx context.Context, ev *model.WebhookEvent, raw []byte) error {
	if _, err := p.events.RecordWebhookEvent(ctx, p.baseEvent(ev, raw)); err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}

	if _, err := p.states.Apply(ctx, model.UserStateEvent{
		UserID:         ev.Source.UserID,
		EventType:      model.EventTypeUnfollow,
		EventTimestamp: ev.OccurredAt(),
		Mode:           ev.Mode,
		IsRedelivery:   ev.DeliveryContext.IsRedelivery,
	}); err != nil {
		return fmt.Errorf("apply user state: %w", err)
	}

	logger.Info("User blocked channel", "user_id", ev.Source.UserID)
	return nil
}

func (p *WebhookEventProcessor) baseEvent(ev *model.WebhookEvent, raw []byte) *model.Event {
	return &model.Event{
		WebhookEventID: ev.WebhookEventID,
		EventType:      ev.Type,
		Timestamp:      ev.OccurredAt(),
		UserID:         ev.Source.UserID,
		SourceType:     ev.Source.Type,
		Mode:           ev.Mode,
		IsRedelivery:   ev.DeliveryContext.IsRedelivery,
		ReplyToken:     ev.ReplyToken,
		RawEvent:       string(raw),
	}
}
