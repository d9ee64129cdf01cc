package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gateway "github.com/yuzuhq/line-relay/internal/gateways"
	"github.com/yuzuhq/line-relay/internal/model"
)

type pushClientFunc func(ctx context.Context, to, text string) (*gateway.SentMessage, error)

func (f pushClientFunc) PushText(ctx context.Context, to, text string) (*gateway.SentMessage, error) {
	return f(ctx, to, text)
}

func newSweeperFixture(t *testing.T) (*RetrySweeper, *deliveryFixture) {
	t.Helper()
	f := newDeliveryFixture()
	sweeper := NewRetrySweeper(f.svc, f.messages, f.attempts, time.Minute, 10)
	sweeper.now = func() time.Time { return f.now }
	return sweeper, f
}

// failOnce seeds a failed outgoing text message whose retry is already due.
func failOnce(t *testing.T, f *deliveryFixture, userID, text string) *model.Message {
	t.Helper()
	f.push.err = errors.New("provider down")
	msg, err := f.svc.SendText(context.Background(), model.MessageCreateRequest{UserID: userID, Text: text})
	require.Error(t, err)
	require.NotNil(t, msg)
	f.push.err = nil
	f.now = f.now.Add(time.Minute)
	return msg
}

func TestRetrySweeper_SweepOnce_DeliversDueRetry(t *testing.T) {
	sweeper, f := newSweeperFixture(t)
	msg := failOnce(t, f, "U1", "hello")

	delivered := sweeper.SweepOnce(context.Background())
	assert.Equal(t, 1, delivered)

	stored, err := f.messages.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusSent, stored.Status)
	assert.Nil(t, stored.DeliveryState)

	require.Len(t, f.attempts.attempts, 2)
	retry := f.attempts.attempts[1]
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, model.RetryStrategyBackoff, retry.RetryStrategy)
	assert.Equal(t, model.AttemptStatusSuccess, retry.Status)

	require.Len(t, f.events.events, 2)
	assert.True(t, f.events.events[1].IsRedelivery)
}

func TestRetrySweeper_SweepOnce_NothingDue(t *testing.T) {
	sweeper, f := newSweeperFixture(t)

	f.push.err = errors.New("provider down")
	_, err := f.svc.SendText(context.Background(), model.MessageCreateRequest{UserID: "U1", Text: "hello"})
	require.Error(t, err)
	f.push.err = nil

	// Backoff for attempt 1 is 30s; nothing is due yet.
	f.now = f.now.Add(10 * time.Second)
	assert.Equal(t, 0, sweeper.SweepOnce(context.Background()))
	assert.Equal(t, 1, f.push.calls)
}

func TestRetrySweeper_SkipsConvergedMessages(t *testing.T) {
	sweeper, f := newSweeperFixture(t)
	msg := failOnce(t, f, "U1", "hello")

	// An operator resent the message between sweeps; the sweep must not push
	// a message that already converged to sent.
	require.NoError(t, f.svc.Resend(context.Background(), msg.ID))
	pushesSoFar := f.push.calls

	assert.Equal(t, 0, sweeper.SweepOnce(context.Background()))
	assert.Equal(t, pushesSoFar, f.push.calls)
}

func TestRetrySweeper_SkipsNonTextContent(t *testing.T) {
	sweeper, f := newSweeperFixture(t)

	f.messages.put(&model.Message{
		UserID:    "U1",
		Direction: model.DirectionOutgoing,
		Content:   model.MessageContent{Kind: model.ContentKindMedia, MediaType: model.MediaTypeImage},
		Status:    model.MessageStatusFailed,
	})
	attempt, err := f.attempts.CreateAttempt(context.Background(), 1, f.now.Add(-time.Hour), model.RetryStrategyImmediate)
	require.NoError(t, err)
	due := f.now.Add(-time.Minute)
	require.NoError(t, f.attempts.CompleteAttempt(context.Background(), attempt.ID, model.AttemptCompletion{
		Status:      model.AttemptStatusFailed,
		CompletedAt: f.now.Add(-time.Hour),
		NextRetryAt: &due,
	}))

	assert.Equal(t, 0, sweeper.SweepOnce(context.Background()))
	assert.Equal(t, 0, f.push.calls)
}

func TestRetrySweeper_SkippedCandidatesNotCountedAsDelivered(t *testing.T) {
	sweeper, f := newSweeperFixture(t)
	msg := failOnce(t, f, "U1", "hello")

	// A due candidate for a media message sits in the same batch as the real
	// retry; only the text delivery counts toward the sweep result.
	media := &model.Message{
		UserID:    "U2",
		Direction: model.DirectionOutgoing,
		Content:   model.MessageContent{Kind: model.ContentKindMedia, MediaType: model.MediaTypeImage},
		Status:    model.MessageStatusFailed,
	}
	f.messages.put(media)
	attempt, err := f.attempts.CreateAttempt(context.Background(), media.ID, f.now.Add(-time.Hour), model.RetryStrategyImmediate)
	require.NoError(t, err)
	due := f.now.Add(-time.Minute)
	require.NoError(t, f.attempts.CompleteAttempt(context.Background(), attempt.ID, model.AttemptCompletion{
		Status:      model.AttemptStatusFailed,
		CompletedAt: f.now.Add(-time.Hour),
		NextRetryAt: &due,
	}))

	pushesBefore := f.push.calls
	assert.Equal(t, 1, sweeper.SweepOnce(context.Background()))
	assert.Equal(t, pushesBefore+1, f.push.calls)

	stored, err := f.messages.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusSent, stored.Status)
}

func TestRetrySweeper_ContinuesPastFailingCandidate(t *testing.T) {
	sweeper, f := newSweeperFixture(t)
	first := failOnce(t, f, "U1", "first")
	second := failOnce(t, f, "U2", "second")

	// The first candidate keeps failing while the second recovers.
	f.svc.client = pushClientFunc(func(_ context.Context, to, _ string) (*gateway.SentMessage, error) {
		if to == "U1" {
			return nil, errors.New("still down")
		}
		return &gateway.SentMessage{ID: "ext-ok"}, nil
	})

	delivered := sweeper.SweepOnce(context.Background())
	assert.Equal(t, 1, delivered)

	firstStored, err := f.messages.GetByID(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusFailed, firstStored.Status)

	secondStored, err := f.messages.GetByID(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusSent, secondStored.Status)
}

func TestRetrySweeper_StartStop(t *testing.T) {
	sweeper, _ := newSweeperFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper.Start(ctx)
	sweeper.Stop()
}
