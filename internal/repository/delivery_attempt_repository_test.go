package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuzuhq/line-relay/internal/model"
)

func TestDeliveryAttemptRepository_CreateAttempt_Numbering(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeliveryAttemptRepository(db.DB)
	ctx := context.Background()
	now := time.Now().UTC()

	for want := 1; want <= 4; want++ {
		attempt, err := repo.CreateAttempt(ctx, 10, now, model.RetryStrategyBackoff)
		require.NoError(t, err)
		assert.Equal(t, want, attempt.Attempt)
		assert.Equal(t, model.AttemptStatusPending, attempt.Status)
	}

	// Numbering is per message, not global.
	other, err := repo.CreateAttempt(ctx, 11, now, model.RetryStrategyImmediate)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Attempt)
}

func TestDeliveryAttemptRepository_CreateAttempt_InterleavedSends(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeliveryAttemptRepository(db.DB)
	ctx := context.Background()
	now := time.Now().UTC()

	// Two sends race on the same message: both attempts are created before
	// either completes. The loser gets the next number, never a reused one.
	first, err := repo.CreateAttempt(ctx, 10, now, model.RetryStrategyImmediate)
	require.NoError(t, err)
	second, err := repo.CreateAttempt(ctx, 10, now, model.RetryStrategyManual)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, 2, second.Attempt)
	assert.NotEqual(t, first.ID, second.ID)

	attempts, err := repo.ListByMessage(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, model.AttemptStatusPending, attempts[0].Status)
	assert.Equal(t, model.AttemptStatusPending, attempts[1].Status)

	// Settling them out of order leaves the numbering untouched.
	require.NoError(t, repo.CompleteAttempt(ctx, second.ID, model.AttemptCompletion{
		Status:      model.AttemptStatusSuccess,
		CompletedAt: now.Add(time.Second),
	}))
	require.NoError(t, repo.CompleteAttempt(ctx, first.ID, model.AttemptCompletion{
		Status:       model.AttemptStatusFailed,
		CompletedAt:  now.Add(2 * time.Second),
		ErrorMessage: "push failed",
	}))

	attempts, err = repo.ListByMessage(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Equal(t, model.AttemptStatusFailed, attempts[0].Status)
	assert.Equal(t, 2, attempts[1].Attempt)
	assert.Equal(t, model.AttemptStatusSuccess, attempts[1].Status)
}

func TestDeliveryAttemptRepository_CompleteAttempt(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeliveryAttemptRepository(db.DB)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	attempt, err := repo.CreateAttempt(ctx, 10, now, model.RetryStrategyImmediate)
	require.NoError(t, err)

	next := now.Add(30 * time.Second)
	err = repo.CompleteAttempt(ctx, attempt.ID, model.AttemptCompletion{
		Status:       model.AttemptStatusFailed,
		CompletedAt:  now.Add(time.Second),
		ErrorMessage: "push failed",
		NextRetryAt:  &next,
	})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusFailed, got.Status)
	assert.Equal(t, "push failed", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, next.Unix(), got.NextRetryAt.Unix())

	// Strategy and request time are immutable through completion.
	assert.Equal(t, model.RetryStrategyImmediate, got.RetryStrategy)

	// Repeating the same completion changes nothing observable.
	err = repo.CompleteAttempt(ctx, attempt.ID, model.AttemptCompletion{
		Status:       model.AttemptStatusFailed,
		CompletedAt:  now.Add(time.Second),
		ErrorMessage: "push failed",
		NextRetryAt:  &next,
	})
	require.NoError(t, err)

	again, err := repo.GetByID(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Status, again.Status)
	assert.Equal(t, got.ErrorMessage, again.ErrorMessage)
	assert.Equal(t, got.CompletedAt.Unix(), again.CompletedAt.Unix())
	assert.Equal(t, got.NextRetryAt.Unix(), again.NextRetryAt.Unix())
	assert.Equal(t, got.RetryStrategy, again.RetryStrategy)

	err = repo.CompleteAttempt(ctx, 99999, model.AttemptCompletion{
		Status:      model.AttemptStatusSuccess,
		CompletedAt: now,
	})
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestDeliveryAttemptRepository_ListByMessage(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeliveryAttemptRepository(db.DB)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		_, err := repo.CreateAttempt(ctx, 10, now.Add(time.Duration(i)*time.Minute), model.RetryStrategyBackoff)
		require.NoError(t, err)
	}
	_, err := repo.CreateAttempt(ctx, 11, now, model.RetryStrategyImmediate)
	require.NoError(t, err)

	attempts, err := repo.ListByMessage(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Attempt)
		assert.Equal(t, int64(10), a.MessageID)
	}
}

func failAttempt(t *testing.T, repo *DeliveryAttemptRepository, messageID int64, requestedAt time.Time, nextRetryAt time.Time) *model.DeliveryAttempt {
	t.Helper()
	attempt, err := repo.CreateAttempt(context.Background(), messageID, requestedAt, model.RetryStrategyBackoff)
	require.NoError(t, err)
	err = repo.CompleteAttempt(context.Background(), attempt.ID, model.AttemptCompletion{
		Status:      model.AttemptStatusFailed,
		CompletedAt: requestedAt.Add(time.Second),
		NextRetryAt: &nextRetryAt,
	})
	require.NoError(t, err)
	return attempt
}

func TestDeliveryAttemptRepository_ListRetryable(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeliveryAttemptRepository(db.DB)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// message 1: failed and due
	failAttempt(t, repo, 1, now.Add(-2*time.Minute), now.Add(-time.Minute))

	// message 2: failed but not due yet
	failAttempt(t, repo, 2, now.Add(-time.Minute), now.Add(time.Hour))

	// message 3: failed attempt superseded by a newer pending one
	failAttempt(t, repo, 3, now.Add(-3*time.Minute), now.Add(-time.Minute))
	_, err := repo.CreateAttempt(ctx, 3, now, model.RetryStrategyManual)
	require.NoError(t, err)

	// message 4: succeeded, never retryable
	attempt, err := repo.CreateAttempt(ctx, 4, now.Add(-time.Minute), model.RetryStrategyImmediate)
	require.NoError(t, err)
	require.NoError(t, repo.CompleteAttempt(ctx, attempt.ID, model.AttemptCompletion{
		Status:      model.AttemptStatusSuccess,
		CompletedAt: now,
	}))

	got, err := repo.ListRetryable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].MessageID)
}

func TestDeliveryAttemptRepository_ListRetryable_OrderAndLimit(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeliveryAttemptRepository(db.DB)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// Oldest-due first: message ids 1..5 with decreasing due age.
	for i := int64(1); i <= 5; i++ {
		failAttempt(t, repo, i, now.Add(-time.Hour), now.Add(-time.Duration(6-i)*time.Minute))
	}

	got, err := repo.ListRetryable(ctx, now, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].MessageID)
	assert.Equal(t, int64(2), got[1].MessageID)
	assert.Equal(t, int64(3), got[2].MessageID)
}

func TestDeliveryAttemptRepository_ListRetryable_LimitClamp(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeliveryAttemptRepository(db.DB)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i := int64(1); i <= 15; i++ {
		failAttempt(t, repo, i, now.Add(-time.Hour), now.Add(-time.Minute))
	}

	// Non-positive limit falls back to the default batch of 10.
	got, err := repo.ListRetryable(ctx, now, 0)
	require.NoError(t, err)
	assert.Len(t, got, 10)

	// Oversized limits are clamped, not honored.
	got, err = repo.ListRetryable(ctx, now, 500)
	require.NoError(t, err)
	assert.Len(t, got, 15)
}
