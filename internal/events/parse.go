package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrInvalidPayload is returned when a frame is not a JSON object with a type.
var ErrInvalidPayload = errors.New("invalid event payload")

var constructors = map[Type]func() Event{
	TypeConnected:                      func() Event { return &Connected{} },
	TypeConnecting:                     func() Event { return &Connecting{} },
	TypeDisconnected:                   func() Event { return &Disconnected{} },
	TypeConnectionError:                func() Event { return &ConnectionError{} },
	TypeHealthCheck:                    func() Event { return &HealthCheck{} },
	TypeMessageNew:                     func() Event { return &NewMessage{} },
	TypeMessageUpdated:                 func() Event { return &MessageUpdated{} },
	TypeMessageDeleted:                 func() Event { return &MessageDeleted{} },
	TypeMessageRead:                    func() Event { return &MessageRead{} },
	TypeNotificationMessageNew:         func() Event { return &NotificationMessageNew{} },
	TypeNotificationMarkUnread:         func() Event { return &NotificationMarkUnread{} },
	TypeReactionNew:                    func() Event { return &ReactionNew{} },
	TypeReactionUpdated:                func() Event { return &ReactionUpdated{} },
	TypeReactionDeleted:                func() Event { return &ReactionDeleted{} },
	TypeMemberAdded:                    func() Event { return &MemberAdded{} },
	TypeMemberUpdated:                  func() Event { return &MemberUpdated{} },
	TypeMemberRemoved:                  func() Event { return &MemberRemoved{} },
	TypeChannelUpdated:                 func() Event { return &ChannelUpdated{} },
	TypeChannelUpdatedByUser:           func() Event { return &ChannelUpdatedByUser{} },
	TypeChannelDeleted:                 func() Event { return &ChannelDeleted{} },
	TypeChannelHidden:                  func() Event { return &ChannelHidden{} },
	TypeChannelVisible:                 func() Event { return &ChannelVisible{} },
	TypeChannelTruncated:               func() Event { return &ChannelTruncated{} },
	TypeNotificationChannelDeleted:     func() Event { return &NotificationChannelDeleted{} },
	TypeNotificationChannelTruncated:   func() Event { return &NotificationChannelTruncated{} },
	TypeNotificationAddedToChannel:     func() Event { return &NotificationAddedToChannel{} },
	TypeNotificationRemovedFromChannel: func() Event { return &NotificationRemovedFromChannel{} },
	TypeNotificationInvited:            func() Event { return &NotificationInvited{} },
	TypeNotificationInviteAccepted:     func() Event { return &NotificationInviteAccepted{} },
	TypeNotificationInviteRejected:     func() Event { return &NotificationInviteRejected{} },
	TypeNotificationMutesUpdated:       func() Event { return &NotificationMutesUpdated{} },
	TypeNotificationChannelMutes:       func() Event { return &NotificationChannelMutesUpdated{} },
	TypeUserUpdated:                    func() Event { return &UserUpdated{} },
	TypeUserPresenceChanged:            func() Event { return &UserPresenceChanged{} },
	TypeUserDeleted:                    func() Event { return &UserDeleted{} },
	TypeUserWatchingStart:              func() Event { return &UserStartWatching{} },
	TypeUserWatchingStop:               func() Event { return &UserStopWatching{} },
	TypeTypingStart:                    func() Event { return &TypingStart{} },
	TypeTypingStop:                     func() Event { return &TypingStop{} },
}

// Parse decodes a raw socket frame. Unrecognised types yield *Unknown.
func Parse(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidPayload
	}
	typ := Type(gjson.GetBytes(raw, "type").String())
	if typ == "" {
		return nil, ErrInvalidPayload
	}
	hasCID := gjson.GetBytes(raw, "cid").String() != ""

	var ev Event
	switch typ {
	case TypeUserBanned:
		if hasCID {
			ev = &ChannelUserBanned{}
		} else {
			ev = &GlobalUserBanned{}
		}
	case TypeUserUnbanned:
		if hasCID {
			ev = &ChannelUserUnbanned{}
		} else {
			ev = &GlobalUserUnbanned{}
		}
	case TypeNotificationMarkRead:
		if hasCID {
			ev = &NotificationMarkRead{}
		} else {
			ev = &MarkAllRead{}
		}
	default:
		ctor, ok := constructors[typ]
		if !ok {
			u := &Unknown{Raw: append(json.RawMessage(nil), raw...)}
			if err := json.Unmarshal(raw, &u.Base); err != nil {
				return nil, fmt.Errorf("decode %s: %w", typ, err)
			}
			return u, nil
		}
		ev = ctor()
	}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	return ev, nil
}

// All returns a zero instance of every concrete event type.
func All() []Event {
	all := []Event{
		&ChannelUserBanned{Base: Base{EventType: TypeUserBanned}},
		&GlobalUserBanned{Base: Base{EventType: TypeUserBanned}},
		&ChannelUserUnbanned{Base: Base{EventType: TypeUserUnbanned}},
		&GlobalUserUnbanned{Base: Base{EventType: TypeUserUnbanned}},
		&NotificationMarkRead{Base: Base{EventType: TypeNotificationMarkRead}},
		&MarkAllRead{Base: Base{EventType: TypeNotificationMarkRead}},
		&Unknown{Base: Base{EventType: "custom.unknown"}},
	}
	for typ, ctor := range constructors {
		ev := ctor()
		if err := json.Unmarshal([]byte(`{"type":"`+string(typ)+`"}`), ev); err != nil {
			panic(err)
		}
		all = append(all, ev)
	}
	return all
}
