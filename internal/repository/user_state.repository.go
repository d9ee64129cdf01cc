package repository

import (
	"context"
	"errors"
	"time"

	"github.com/yuzuhq/line-relay/internal/model"
	"github.com/yuzuhq/line-relay/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UserStateRepository struct {
	*pg.DB
}

func NewUserStateRepository(db *pg.DB) *UserStateRepository {
	return &UserStateRepository{
		db,
	}
}

// Apply upserts the per-user projection from one event. The projection is a
// rebuildable cache over the event log and message table, never authoritative.
func (r *UserStateRepository) Apply(ctx context.Context, ev model.UserStateEvent) (*model.UserState, error) {
	now := time.Now()
	eventAt := ev.EventTimestamp

	var existing UserStateEntity
	err := r.Write(ctx).WithContext(ctx).
		Where("user_id = ?", ev.UserID).
		First(&existing).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	current := model.RelationshipStatus(existing.RelationshipStatus)
	next := model.NextRelationship(ev.EventType, current)

	entity := existing
	entity.UserID = ev.UserID
	entity.RelationshipStatus = string(next)
	entity.ChannelMode = string(model.NormalizeChannelMode(ev.Mode))
	entity.IsRedelivery = ev.IsRedelivery
	entity.LastEventType = ev.EventType
	entity.LastEventAt = &eventAt
	entity.UpdatedAt = now

	switch ev.EventType {
	case model.EventTypeFollow:
		entity.LastFollowedAt = &eventAt
		entity.BlockedAt = nil
		if ev.FollowUnblock {
			entity.LastUnblockedAt = &eventAt
		}
	case model.EventTypeUnfollow:
		entity.BlockedAt = &eventAt
	}

	if ev.LastMessageSummary != nil {
		entity.LastMessageSummary = *ev.LastMessageSummary
	}
	if ev.LastMessagePreview != nil {
		entity.LastMessagePreview = string(*ev.LastMessagePreview)
	}
	if ev.LastMessageDirection != nil {
		entity.LastMessageDirection = string(*ev.LastMessageDirection)
	}

	if ev.Profile != nil {
		entity.DisplayName = ev.Profile.DisplayName
		entity.PictureURL = ev.Profile.PictureURL
		entity.StatusMessage = ev.Profile.StatusMessage
		entity.Language = ev.Profile.Language
		entity.ProfileFetchedAt = &now
		entity.ProfileFetchErr = ""
	} else if ev.ProfileFetchErr != nil {
		entity.ProfileFetchedAt = &now
		entity.ProfileFetchErr = *ev.ProfileFetchErr
	}

	// Single conflict-safe write: two events racing on a user the read missed
	// must not fail the insert on the user_id unique index.
	entity.ID = 0
	err = r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&entity).Error
	if err != nil {
		return nil, err
	}
	if found {
		entity.ID = existing.ID
	}
	return toUserStateModel(&entity), nil
}

func (r *UserStateRepository) GetByUserID(ctx context.Context, userID string) (*model.UserState, error) {
	var entity UserStateEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("user_id = ?", userID).
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toUserStateModel(&entity), nil
}

// List returns projections ordered by recency, for contact-list rendering.
func (r *UserStateRepository) List(ctx context.Context, f model.UserStateFilter) ([]*model.UserState, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&UserStateEntity{})

	if f.RelationshipStatus != nil {
		q = q.Where("relationship_status = ?", string(*f.RelationshipStatus))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*UserStateEntity
	if err := q.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}
	return toUserStateModels(entities), total, nil
}
