package events

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatkit/internal/chaterr"
	"github.com/matheus3301/chatkit/internal/models"
)

// Connection lifecycle.

type Connected struct {
	Base
	WithMe
	ConnectionID string `json:"connection_id"`
}

type Connecting struct {
	Base
}

type Disconnected struct {
	Base
}

// ErrorPayload is the wire form of a connection error.
type ErrorPayload struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"StatusCode"`
}

type ConnectionError struct {
	Base
	ConnectionID string        `json:"connection_id,omitempty"`
	Payload      *ErrorPayload `json:"error,omitempty"`
}

// Err converts the payload into a network error.
func (e *ConnectionError) Err() *chaterr.Error {
	if e.Payload == nil {
		return chaterr.NetworkError(chaterr.CodeSocketFailure, 0, "connection error")
	}
	return chaterr.NetworkError(e.Payload.Code, e.Payload.StatusCode, e.Payload.Message)
}

type HealthCheck struct {
	Base
	WithMe
	ConnectionID string `json:"connection_id"`
}

// Messages.

type NewMessage struct {
	Base
	ChannelRef
	WithUser
	WithMessage
	UnreadCounts
	WatcherCount int `json:"watcher_count,omitempty"`
}

type MessageUpdated struct {
	Base
	ChannelRef
	WithUser
	WithMessage
}

type MessageDeleted struct {
	Base
	ChannelRef
	WithUser
	WithMessage
	HardDelete bool `json:"hard_delete,omitempty"`
}

type MessageRead struct {
	Base
	ChannelRef
	WithUser
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
}

type NotificationMessageNew struct {
	Base
	ChannelRef
	WithChannel
	WithMessage
	UnreadCounts
}

type NotificationMarkRead struct {
	Base
	ChannelRef
	WithUser
	UnreadCounts
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
}

type NotificationMarkUnread struct {
	Base
	ChannelRef
	WithUser
	UnreadCounts
	FirstUnreadMessageID string    `json:"first_unread_message_id,omitempty"`
	LastReadMessageID    string    `json:"last_read_message_id,omitempty"`
	LastRead             time.Time `json:"last_read_at"`
	UnreadMessages       int       `json:"unread_messages"`
}

// MarkAllRead is a notification.mark_read without a channel.
type MarkAllRead struct {
	Base
	WithUser
	UnreadCounts
}

// Reactions.

type reactionFields struct {
	ChannelRef
	WithUser
	WithMessage
	Reaction *models.Reaction `json:"reaction,omitempty"`
}

type ReactionNew struct {
	Base
	reactionFields
}

type ReactionUpdated struct {
	Base
	reactionFields
}

type ReactionDeleted struct {
	Base
	reactionFields
}

// Members.

type MemberAdded struct {
	Base
	ChannelRef
	WithUser
	WithMember
}

type MemberUpdated struct {
	Base
	ChannelRef
	WithUser
	WithMember
}

type MemberRemoved struct {
	Base
	ChannelRef
	WithUser
	WithMember
}

// Channels.

type ChannelUpdated struct {
	Base
	ChannelRef
	WithChannel
	WithMessage
}

type ChannelUpdatedByUser struct {
	Base
	ChannelRef
	WithUser
	WithChannel
	WithMessage
}

type ChannelDeleted struct {
	Base
	ChannelRef
	WithUser
	WithChannel
}

type ChannelHidden struct {
	Base
	ChannelRef
	WithUser
	ClearHistory bool `json:"clear_history,omitempty"`
}

type ChannelVisible struct {
	Base
	ChannelRef
	WithUser
}

type ChannelTruncated struct {
	Base
	ChannelRef
	WithUser
	WithChannel
	WithMessage
}

type NotificationChannelDeleted struct {
	Base
	ChannelRef
	WithChannel
	UnreadCounts
}

type NotificationChannelTruncated struct {
	Base
	ChannelRef
	WithChannel
	UnreadCounts
}

type NotificationAddedToChannel struct {
	Base
	ChannelRef
	WithChannel
	WithMember
	UnreadCounts
}

type NotificationRemovedFromChannel struct {
	Base
	ChannelRef
	WithUser
	WithChannel
	WithMember
}

type NotificationInvited struct {
	Base
	ChannelRef
	WithUser
	WithMember
}

type NotificationInviteAccepted struct {
	Base
	ChannelRef
	WithUser
	WithMember
	WithChannel
}

type NotificationInviteRejected struct {
	Base
	ChannelRef
	WithUser
	WithMember
	WithChannel
}

type NotificationMutesUpdated struct {
	Base
	WithMe
}

type NotificationChannelMutesUpdated struct {
	Base
	WithMe
}

// Users.

type UserUpdated struct {
	Base
	WithUser
}

type UserPresenceChanged struct {
	Base
	WithUser
}

type UserDeleted struct {
	Base
	WithUser
	HardDelete bool `json:"hard_delete,omitempty"`
}

type ChannelUserBanned struct {
	Base
	ChannelRef
	WithUser
	Expiration *time.Time `json:"expiration,omitempty"`
	Shadow     bool       `json:"shadow,omitempty"`
}

type GlobalUserBanned struct {
	Base
	WithUser
}

type ChannelUserUnbanned struct {
	Base
	ChannelRef
	WithUser
}

type GlobalUserUnbanned struct {
	Base
	WithUser
}

type UserStartWatching struct {
	Base
	ChannelRef
	WithUser
	WatcherCount int `json:"watcher_count,omitempty"`
}

type UserStopWatching struct {
	Base
	ChannelRef
	WithUser
	WatcherCount int `json:"watcher_count,omitempty"`
}

type TypingStart struct {
	Base
	ChannelRef
	WithUser
	ParentID string `json:"parent_id,omitempty"`
}

type TypingStop struct {
	Base
	ChannelRef
	WithUser
	ParentID string `json:"parent_id,omitempty"`
}

// Unknown wraps any event type this package does not model.
type Unknown struct {
	Base
	Raw json.RawMessage `json:"-"`
}
