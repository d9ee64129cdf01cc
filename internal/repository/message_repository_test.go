package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuzuhq/line-relay/internal/model"
)

func TestMessageRepository_CreateOutgoing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db.DB)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	msg, err := repo.CreateOutgoing(ctx, "U1", model.TextContent("hello"), now)
	require.NoError(t, err)

	assert.NotZero(t, msg.ID)
	assert.Equal(t, "U1", msg.UserID)
	assert.Equal(t, model.DirectionOutgoing, msg.Direction)
	assert.Equal(t, model.MessageStatusPending, msg.Status)
	require.NotNil(t, msg.DeliveryState)
	assert.Equal(t, model.DeliveryStateQueued, *msg.DeliveryState)
	assert.Equal(t, model.ContentKindText, msg.Content.Kind)
	assert.Equal(t, "hello", msg.Content.Text)
}

func TestMessageRepository_CreateIncoming(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db.DB)
	ctx := context.Background()

	msg, err := repo.CreateIncoming(ctx, &model.Message{
		UserID:            "U1",
		Content:           model.TextContent("hi there"),
		ExternalMessageID: "ext-9",
		ReplyToken:        "rt-1",
		CreatedAt:         time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, model.DirectionIncoming, msg.Direction)
	assert.Equal(t, model.MessageStatusSent, msg.Status)
	assert.Nil(t, msg.DeliveryState)
	assert.Equal(t, "ext-9", msg.ExternalMessageID)
}

func TestMessageRepository_Transition(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db.DB)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	msg, err := repo.CreateOutgoing(ctx, "U1", model.TextContent("hello"), now)
	require.NoError(t, err)

	t.Run("partial patch leaves other fields alone", func(t *testing.T) {
		delivering := model.DeliveryStateDelivering
		err := repo.Transition(ctx, msg.ID, model.MessageTransition{
			DeliveryState: &delivering,
			UpdatedAt:     now.Add(time.Second),
		})
		require.NoError(t, err)

		got, err := repo.GetByID(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusPending, got.Status)
		require.NotNil(t, got.DeliveryState)
		assert.Equal(t, model.DeliveryStateDelivering, *got.DeliveryState)
	})

	t.Run("terminal success clears delivery state", func(t *testing.T) {
		sent := model.MessageStatusSent
		extID := "ext-42"
		quote := "qt-42"
		err := repo.Transition(ctx, msg.ID, model.MessageTransition{
			Status:             &sent,
			ClearDeliveryState: true,
			ExternalMessageID:  &extID,
			QuoteToken:         &quote,
			UpdatedAt:          now.Add(2 * time.Second),
		})
		require.NoError(t, err)

		got, err := repo.GetByID(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusSent, got.Status)
		assert.Nil(t, got.DeliveryState)
		assert.Equal(t, "ext-42", got.ExternalMessageID)
		assert.Equal(t, "qt-42", got.QuoteToken)
	})

	t.Run("unknown message", func(t *testing.T) {
		failed := model.MessageStatusFailed
		err := repo.Transition(ctx, 99999, model.MessageTransition{
			Status:    &failed,
			UpdatedAt: now,
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMessageRepository_GetByID_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db.DB)

	_, err := repo.GetByID(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessageRepository_GetByExternalID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db.DB)
	ctx := context.Background()

	_, err := repo.CreateIncoming(ctx, &model.Message{
		UserID:            "U1",
		Content:           model.TextContent("original"),
		ExternalMessageID: "ext-lookup",
		CreatedAt:         time.Now(),
	})
	require.NoError(t, err)

	got, err := repo.GetByExternalID(ctx, "ext-lookup")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Content.Text)

	_, err = repo.GetByExternalID(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessageRepository_List(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db.DB)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := repo.CreateOutgoing(ctx, "U1", model.TextContent("msg"), base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
	_, err := repo.CreateIncoming(ctx, &model.Message{
		UserID:    "U2",
		Content:   model.TextContent("inbound"),
		CreatedAt: base.Add(10 * time.Hour),
	})
	require.NoError(t, err)

	t.Run("filter by user", func(t *testing.T) {
		userID := "U1"
		msgs, total, err := repo.List(ctx, model.MessageFilter{UserID: &userID})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		assert.Len(t, msgs, 5)
	})

	t.Run("filter by direction and status", func(t *testing.T) {
		incoming := model.DirectionIncoming
		msgs, total, err := repo.List(ctx, model.MessageFilter{
			Direction: &incoming,
			Statuses:  []model.MessageStatus{model.MessageStatusSent},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, msgs, 1)
		assert.Equal(t, "U2", msgs[0].UserID)
	})

	t.Run("time window excludes upper bound", func(t *testing.T) {
		from := base.Add(time.Hour)
		to := base.Add(3 * time.Hour)
		_, total, err := repo.List(ctx, model.MessageFilter{From: &from, To: &to})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
	})

	t.Run("pagination and ordering", func(t *testing.T) {
		userID := "U1"
		msgs, total, err := repo.List(ctx, model.MessageFilter{
			UserID: &userID,
			Limit:  2,
			Offset: 1,
			Desc:   true,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		require.Len(t, msgs, 2)
		assert.True(t, msgs[0].CreatedAt.After(msgs[1].CreatedAt))
	})
}
