// Package events models the realtime chat events delivered over the socket.
package events

import (
	"time"

	"github.com/matheus3301/chatkit/internal/models"
)

// Type is the wire name of an event.
type Type string

const (
	TypeConnected                      Type = "connection.connected"
	TypeConnecting                     Type = "connection.connecting"
	TypeDisconnected                   Type = "connection.disconnected"
	TypeConnectionError                Type = "connection.error"
	TypeHealthCheck                    Type = "health.check"
	TypeMessageNew                     Type = "message.new"
	TypeMessageUpdated                 Type = "message.updated"
	TypeMessageDeleted                 Type = "message.deleted"
	TypeMessageRead                    Type = "message.read"
	TypeNotificationMessageNew         Type = "notification.message_new"
	TypeNotificationMarkRead           Type = "notification.mark_read"
	TypeNotificationMarkUnread         Type = "notification.mark_unread"
	TypeReactionNew                    Type = "reaction.new"
	TypeReactionUpdated                Type = "reaction.updated"
	TypeReactionDeleted                Type = "reaction.deleted"
	TypeMemberAdded                    Type = "member.added"
	TypeMemberUpdated                  Type = "member.updated"
	TypeMemberRemoved                  Type = "member.removed"
	TypeChannelUpdated                 Type = "channel.updated"
	TypeChannelUpdatedByUser           Type = "channel.updated_by_user"
	TypeChannelDeleted                 Type = "channel.deleted"
	TypeChannelHidden                  Type = "channel.hidden"
	TypeChannelVisible                 Type = "channel.visible"
	TypeChannelTruncated               Type = "channel.truncated"
	TypeNotificationChannelDeleted     Type = "notification.channel_deleted"
	TypeNotificationChannelTruncated   Type = "notification.channel_truncated"
	TypeNotificationAddedToChannel     Type = "notification.added_to_channel"
	TypeNotificationRemovedFromChannel Type = "notification.removed_from_channel"
	TypeNotificationInvited            Type = "notification.invited"
	TypeNotificationInviteAccepted     Type = "notification.invite_accepted"
	TypeNotificationInviteRejected     Type = "notification.invite_rejected"
	TypeNotificationMutesUpdated       Type = "notification.mutes_updated"
	TypeNotificationChannelMutes       Type = "notification.channel_mutes_updated"
	TypeUserUpdated                    Type = "user.updated"
	TypeUserPresenceChanged            Type = "user.presence.changed"
	TypeUserDeleted                    Type = "user.deleted"
	TypeUserBanned                     Type = "user.banned"
	TypeUserUnbanned                   Type = "user.unbanned"
	TypeUserWatchingStart              Type = "user.watching.start"
	TypeUserWatchingStop               Type = "user.watching.stop"
	TypeTypingStart                    Type = "typing.start"
	TypeTypingStop                     Type = "typing.stop"
)

// Event is implemented by every concrete event in this package.
type Event interface {
	Type() Type
	CreatedAt() time.Time
	isEvent()
}

// CIDEvent is an event scoped to a single channel.
type CIDEvent interface {
	Event
	CID() string
}

// UserEvent carries the user that caused it.
type UserEvent interface {
	Event
	EventUser() *models.User
}

// ChannelEvent carries a full channel snapshot.
type ChannelEvent interface {
	Event
	EventChannel() *models.Channel
}

// MessageEvent carries a message snapshot.
type MessageEvent interface {
	Event
	EventMessage() *models.Message
}

// MemberEvent carries a channel member.
type MemberEvent interface {
	Event
	EventMember() *models.Member
}

// OwnUserEvent carries the full state of the connected user.
type OwnUserEvent interface {
	Event
	OwnUser() *models.User
}

// Base holds the fields shared by all events.
type Base struct {
	EventType Type      `json:"type"`
	Created   time.Time `json:"created_at"`
}

func (b Base) Type() Type           { return b.EventType }
func (b Base) CreatedAt() time.Time { return b.Created }
func (Base) isEvent()               {}

// ChannelRef identifies the channel an event belongs to.
type ChannelRef struct {
	ChannelCID  string `json:"cid"`
	ChannelType string `json:"channel_type,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
}

func (r ChannelRef) CID() string {
	if r.ChannelCID == "" && r.ChannelType != "" && r.ChannelID != "" {
		return models.CID(r.ChannelType, r.ChannelID)
	}
	return r.ChannelCID
}

type WithUser struct {
	User *models.User `json:"user,omitempty"`
}

func (w WithUser) EventUser() *models.User { return w.User }

type WithChannel struct {
	Channel *models.Channel `json:"channel,omitempty"`
}

func (w WithChannel) EventChannel() *models.Channel { return w.Channel }

type WithMessage struct {
	Message *models.Message `json:"message,omitempty"`
}

func (w WithMessage) EventMessage() *models.Message { return w.Message }

type WithMember struct {
	Member *models.Member `json:"member,omitempty"`
}

func (w WithMember) EventMember() *models.Member { return w.Member }

type WithMe struct {
	Me *models.User `json:"me,omitempty"`
}

func (w WithMe) OwnUser() *models.User { return w.Me }

// UnreadCounts is carried by notification events that change global unread state.
type UnreadCounts struct {
	TotalUnreadCount int `json:"total_unread_count,omitempty"`
	UnreadChannels   int `json:"unread_channels,omitempty"`
}

func (u UnreadCounts) Counts() UnreadCounts { return u }

// UnreadCountsEvent carries the user's global unread counters.
type UnreadCountsEvent interface {
	Event
	Counts() UnreadCounts
}
