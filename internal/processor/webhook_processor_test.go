package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gateway "github.com/yuzuhq/line-relay/internal/gateways"
	"github.com/yuzuhq/line-relay/internal/model"
	"github.com/yuzuhq/line-relay/internal/queue"
	"github.com/yuzuhq/line-relay/internal/repository"
)

type stubMessages struct {
	nextID     int64
	created    []*model.Message
	byExternal map[string]*model.Message
}

func (s *stubMessages) CreateIncoming(_ context.Context, msg *model.Message) (*model.Message, error) {
	s.nextID++
	cp := *msg
	cp.ID = s.nextID
	cp.Direction = model.DirectionIncoming
	cp.Status = model.MessageStatusSent
	s.created = append(s.created, &cp)
	return &cp, nil
}

func (s *stubMessages) GetByExternalID(_ context.Context, externalID string) (*model.Message, error) {
	if msg, ok := s.byExternal[externalID]; ok {
		return msg, nil
	}
	return nil, repository.ErrNotFound
}

type stubEvents struct {
	recorded []*model.Event
	seen     map[string]bool
}

func (s *stubEvents) RecordWebhookEvent(_ context.Context, ev *model.Event) (*model.Event, error) {
	s.recorded = append(s.recorded, ev)
	return ev, nil
}

func (s *stubEvents) HasWebhookEvent(_ context.Context, webhookEventID string) (bool, error) {
	return s.seen[webhookEventID], nil
}

type stubStates struct {
	applied []model.UserStateEvent
}

func (s *stubStates) Apply(_ context.Context, ev model.UserStateEvent) (*model.UserState, error) {
	s.applied = append(s.applied, ev)
	return &model.UserState{UserID: ev.UserID}, nil
}

type stubProfiles struct {
	profile *gateway.Profile
	err     error
	calls   int
}

func (s *stubProfiles) GetProfile(_ context.Context, _ string) (*gateway.Profile, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.profile, nil
}

type processorFixture struct {
	proc     *WebhookEventProcessor
	messages *stubMessages
	events   *stubEvents
	states   *stubStates
	profiles *stubProfiles
}

func newProcessorFixture() *processorFixture {
	f := &processorFixture{
		messages: &stubMessages{byExternal: make(map[string]*model.Message)},
		events:   &stubEvents{seen: make(map[string]bool)},
		states:   &stubStates{},
		profiles: &stubProfiles{profile: &gateway.Profile{DisplayName: "Alice", Language: "ja"}},
	}
	idempotency := NewIdempotencyService(newMockRedisAdapter(), DefaultIdempotencyConfig())
	f.proc = NewWebhookEventProcessor(f.messages, f.events, f.states, f.profiles, idempotency)
	return f
}

func queuedEvent(data string) *queue.Message {
	return &queue.Message{
		ID:        "stream-1",
		Data:      []byte(data),
		Timestamp: time.Now(),
	}
}

func TestWebhookEventProcessor_MessageEvent(t *testing.T) {
	f := newProcessorFixture()

	payload := `{
		"type": "message",
		"webhookEventId": "evt-msg-1",
		"timestamp": 1717243200000,
		"mode": "active",
		"source": {"type": "user", "userId": "U1"},
		"deliveryContext": {"isRedelivery": false},
		"replyToken": "rt-1",
		"message": {"id": "ext-1", "type": "text", "text": "hello", "quoteToken": "qt-1"}
	}`

	require.NoError(t, f.proc.Process(context.Background(), queuedEvent(payload)))

	require.Len(t, f.messages.created, 1)
	msg := f.messages.created[0]
	assert.Equal(t, "U1", msg.UserID)
	assert.Equal(t, model.ContentKindText, msg.Content.Kind)
	assert.Equal(t, "hello", msg.Content.Text)
	assert.Equal(t, "ext-1", msg.ExternalMessageID)
	assert.Equal(t, "rt-1", msg.ReplyToken)
	assert.Equal(t, "qt-1", msg.QuoteToken)
	assert.Equal(t, time.UnixMilli(1717243200000), msg.CreatedAt)

	require.Len(t, f.events.recorded, 1)
	ev := f.events.recorded[0]
	assert.Equal(t, "evt-msg-1", ev.WebhookEventID)
	assert.Equal(t, "hello", ev.PayloadSummary)
	require.NotNil(t, ev.MessageID)
	assert.Equal(t, msg.ID, *ev.MessageID)

	require.Len(t, f.states.applied, 1)
	applied := f.states.applied[0]
	assert.Equal(t, model.EventTypeMessage, applied.EventType)
	require.NotNil(t, applied.LastMessageDirection)
	assert.Equal(t, model.DirectionIncoming, *applied.LastMessageDirection)
}

func TestWebhookEventProcessor_MessageEvent_QuotedBackfill(t *testing.T) {
	f := newProcessorFixture()
	f.messages.byExternal["ext-orig"] = &model.Message{
		ID:      7,
		Content: model.TextContent("the original"),
	}

	payload := `{
		"type": "message",
		"webhookEventId": "evt-msg-2",
		"timestamp": 1717243200000,
		"mode": "active",
		"source": {"type": "user", "userId": "U1"},
		"deliveryContext": {"isRedelivery": false},
		"message": {"id": "ext-2", "type": "text", "text": "replying", "quotedMessageId": "ext-orig"}
	}`

	require.NoError(t, f.proc.Process(context.Background(), queuedEvent(payload)))

	require.Len(t, f.messages.created, 1)
	quoted := f.messages.created[0].QuotedMessage
	require.NotNil(t, quoted)
	assert.Equal(t, "ext-orig", quoted.ExternalMessageID)
	assert.Equal(t, "the original", quoted.Text)
}

func TestWebhookEventProcessor_StickerMessage(t *testing.T) {
	f := newProcessorFixture()

	payload := `{
		"type": "message",
		"webhookEventId": "evt-sticker",
		"timestamp": 1717243200000,
		"mode": "active",
		"source": {"type": "user", "userId": "U1"},
		"deliveryContext": {"isRedelivery": false},
		"message": {"id": "ext-3", "type": "sticker", "stickerId": "52002734", "packageId": "11537"}
	}`

	require.NoError(t, f.proc.Process(context.Background(), queuedEvent(payload)))

	require.Len(t, f.messages.created, 1)
	content := f.messages.created[0].Content
	assert.Equal(t, model.ContentKindMedia, content.Kind)
	assert.Equal(t, model.MediaTypeSticker, content.MediaType)
	assert.Equal(t, "11537/52002734", content.ProviderContentID)

	require.Len(t, f.events.recorded, 1)
	assert.Equal(t, "[sticker]", f.events.recorded[0].PayloadSummary)
}

func TestWebhookEventProcessor_FollowEvent(t *testing.T) {
	f := newProcessorFixture()

	payload := `{
		"type": "follow",
		"webhookEventId": "evt-follow",
		"timestamp": 1717243200000,
		"mode": "active",
		"source": {"type": "user", "userId": "U1"},
		"deliveryContext": {"isRedelivery": false},
		"follow": {"isUnblocked": true}
	}`

	require.NoError(t, f.proc.Process(context.Background(), queuedEvent(payload)))

	require.Len(t, f.events.recorded, 1)
	assert.True(t, f.events.recorded[0].FollowUnblock)

	assert.Equal(t, 1, f.profiles.calls)
	require.Len(t, f.states.applied, 1)
	applied := f.states.applied[0]
	assert.Equal(t, model.EventTypeFollow, applied.EventType)
	assert.True(t, applied.FollowUnblock)
	require.NotNil(t, applied.Profile)
	assert.Equal(t, "Alice", applied.Profile.DisplayName)
}

func TestWebhookEventProcessor_FollowEvent_ProfileFetchFailure(t *testing.T) {
	f := newProcessorFixture()
	f.profiles.err = errors.New("status 429")

	payload := `{
		"type": "follow",
		"webhookEventId": "evt-follow-2",
		"timestamp": 1717243200000,
		"mode": "active",
		"source": {"type": "user", "userId": "U1"},
		"deliveryContext": {"isRedelivery": false}
	}`

	// A profile fetch failure must not fail the follow itself.
	require.NoError(t, f.proc.Process(context.Background(), queuedEvent(payload)))

	require.Len(t, f.states.applied, 1)
	applied := f.states.applied[0]
	assert.Nil(t, applied.Profile)
	require.NotNil(t, applied.ProfileFetchErr)
	assert.Equal(t, "status 429", *applied.ProfileFetchErr)
}

func TestWebhookEventProcessor_UnfollowEvent(t *testing.T) {
	f := newProcessorFixture()

	payload := `{
		"type": "unfollow",
		"webhookEventId": "evt-unfollow",
		"timestamp": 1717243200000,
		"mode": "active",
		"source": {"type": "user", "userId": "U1"},
		"deliveryContext": {"isRedelivery": true}
	}`

	require.NoError(t, f.proc.Process(context.Background(), queuedEvent(payload)))

	require.Len(t, f.events.recorded, 1)
	require.Len(t, f.states.applied, 1)
	applied := f.states.applied[0]
	assert.Equal(t, model.EventTypeUnfollow, applied.EventType)
	assert.True(t, applied.IsRedelivery)
	assert.Equal(t, 0, f.profiles.calls)
}

func TestWebhookEventProcessor_UnknownEventType(t *testing.T) {
	f := newProcessorFixture()

	payload := `{
		"type": "memberJoined",
		"webhookEventId": "evt-unknown",
		"timestamp": 1717243200000,
		"mode": "active",
		"source": {"type": "group", "groupId": "G1"},
		"deliveryContext": {"isRedelivery": false}
	}`

	require.NoError(t, f.proc.Process(context.Background(), queuedEvent(payload)))

	// Recorded verbatim, nothing else touched.
	require.Len(t, f.events.recorded, 1)
	assert.Equal(t, "memberJoined", f.events.recorded[0].EventType)
	assert.Empty(t, f.messages.created)
	assert.Empty(t, f.states.applied)
}

func TestWebhookEventProcessor_MalformedPayload(t *testing.T) {
	f := newProcessorFixture()
	err := f.proc.Process(context.Background(), queuedEvent(`{not json`))
	assert.Error(t, err)
	assert.Empty(t, f.events.recorded)
}

func TestWebhookEventProcessor_MissingEventID(t *testing.T) {
	f := newProcessorFixture()
	err := f.proc.Process(context.Background(), queuedEvent(`{"type": "message"}`))
	assert.NoError(t, err, "events without an id are dropped, not retried")
	assert.Empty(t, f.events.recorded)
}

func TestWebhookEventProcessor_DuplicateDelivery(t *testing.T) {
	f := newProcessorFixture()

	payload := `{
		"type": "unfollow",
		"webhookEventId": "evt-dup",
		"timestamp": 1717243200000,
		"mode": "active",
		"source": {"type": "user", "userId": "U1"},
		"deliveryContext": {"isRedelivery": false}
	}`

	require.NoError(t, f.proc.Process(context.Background(), queuedEvent(payload)))
	require.NoError(t, f.proc.Process(context.Background(), queuedEvent(payload)))

	// The second delivery is absorbed by the processed marker.
	assert.Len(t, f.events.recorded, 1)
	assert.Len(t, f.states.applied, 1)
}

func TestWebhookEventProcessor_DurableDuplicateCheck(t *testing.T) {
	f := newProcessorFixture()
	f.events.seen["evt-old"] = true

	payload := `{
		"type": "unfollow",
		"webhookEventId": "evt-old",
		"timestamp": 1717243200000,
		"mode": "active",
		"source": {"type": "user", "userId": "U1"},
		"deliveryContext": {"isRedelivery": true}
	}`

	// The Redis marker has long expired but the event log remembers.
	require.NoError(t, f.proc.Process(context.Background(), queuedEvent(payload)))
	assert.Empty(t, f.events.recorded)
	assert.Empty(t, f.states.applied)
}

func TestWebhookEventProcessor_GetType(t *testing.T) {
	f := newProcessorFixture()
	assert.Equal(t, "webhook_event", f.proc.GetType())
}
