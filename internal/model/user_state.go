package model

import "time"

// RelationshipStatus tracks whether the remote user still follows the channel.
type RelationshipStatus string

const (
	RelationshipFollowing RelationshipStatus = "following"
	RelationshipBlocked   RelationshipStatus = "blocked"
	RelationshipUnknown   RelationshipStatus = "unknown"
)

// ChannelMode is the channel mode reported by the messaging platform.
type ChannelMode string

const (
	ChannelModeActive  ChannelMode = "active"
	ChannelModeStandby ChannelMode = "standby"
	ChannelModeUnknown ChannelMode = "unknown"
)

// PreviewType classifies the cached last-message preview.
type PreviewType string

const (
	PreviewTypeText     PreviewType = "text"
	PreviewTypeMedia    PreviewType = "media"
	PreviewTypeTemplate PreviewType = "template"
)

// UserState is a denormalized read projection, one row per remote user.
// It is rebuildable from the event log plus the message table and is never
// authoritative for business decisions.
type UserState struct {
	ID                 int64              `json:"id"`
	UserID             string             `json:"user_id"`
	RelationshipStatus RelationshipStatus `json:"relationship_status"`
	ChannelMode        ChannelMode        `json:"channel_mode"`
	IsRedelivery       bool               `json:"is_redelivery,omitempty"`
	LastEventType      string             `json:"last_event_type,omitempty"`
	LastEventAt        *time.Time         `json:"last_event_at,omitempty"`

	LastMessageSummary   string      `json:"last_message_summary,omitempty"`
	LastMessagePreview   PreviewType `json:"last_message_preview,omitempty"`
	LastMessageDirection Direction   `json:"last_message_direction,omitempty"`

	LastFollowedAt  *time.Time `json:"last_followed_at,omitempty"`
	LastUnblockedAt *time.Time `json:"last_unblocked_at,omitempty"`
	BlockedAt       *time.Time `json:"blocked_at,omitempty"`

	DisplayName      string     `json:"display_name,omitempty"`
	PictureURL       string     `json:"picture_url,omitempty"`
	StatusMessage    string     `json:"status_message,omitempty"`
	Language         string     `json:"language,omitempty"`
	ProfileFetchedAt *time.Time `json:"profile_fetched_at,omitempty"`
	ProfileFetchErr  string     `json:"profile_fetch_error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// UserProfile holds the subset of the platform profile cached on the projection.
type UserProfile struct {
	DisplayName   string `json:"displayName"`
	PictureURL    string `json:"pictureUrl"`
	StatusMessage string `json:"statusMessage"`
	Language      string `json:"language"`
}

// UserStateEvent is the input for one projection upsert. Optional fields are
// pointers so absent values leave the cached columns untouched.
type UserStateEvent struct {
	UserID         string
	EventType      string
	EventTimestamp time.Time
	Mode           string
	IsRedelivery   bool
	FollowUnblock  bool

	LastMessageSummary   *string
	LastMessagePreview   *PreviewType
	LastMessageDirection *Direction

	Profile         *UserProfile
	ProfileFetchErr *string
}

// NormalizeChannelMode folds anything the platform may send into one of the
// three known modes.
func NormalizeChannelMode(mode string) ChannelMode {
	switch ChannelMode(mode) {
	case ChannelModeActive, ChannelModeStandby:
		return ChannelMode(mode)
	default:
		return ChannelModeUnknown
	}
}

// NextRelationship applies a follow/unfollow transition; any other event type
// keeps the current status.
func NextRelationship(eventType string, current RelationshipStatus) RelationshipStatus {
	switch eventType {
	case EventTypeFollow:
		return RelationshipFollowing
	case EventTypeUnfollow:
		return RelationshipBlocked
	default:
		if current == "" {
			return RelationshipUnknown
		}
		return current
	}
}

// UserStateFilter controls contact-list queries.
type UserStateFilter struct {
	RelationshipStatus *RelationshipStatus
	Limit              int
	Offset             int
}
