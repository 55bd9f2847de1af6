package models

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// SyncStatus tracks whether a locally written entity reached the server.
type SyncStatus string

const (
	SyncInProgress        SyncStatus = "IN_PROGRESS"
	SyncNeeded            SyncStatus = "SYNC_NEEDED"
	SyncCompleted         SyncStatus = "COMPLETED"
	SyncFailedPermanently SyncStatus = "FAILED_PERMANENTLY"
)

// User is a chat participant.
type User struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Image        string         `json:"image,omitempty"`
	Role         string         `json:"role,omitempty"`
	Online       bool           `json:"online,omitempty"`
	Invisible    bool           `json:"invisible,omitempty"`
	Banned       bool           `json:"banned,omitempty"`
	LastActive   time.Time      `json:"last_active"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ChannelMutes []ChannelMute  `json:"channel_mutes,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// ChannelMute records that a user muted a channel.
type ChannelMute struct {
	CID       string     `json:"cid"`
	CreatedAt time.Time  `json:"created_at"`
	Expires   *time.Time `json:"expires,omitempty"`
}

// IsChannelMuted reports whether cid is muted by u at time now.
func (u *User) IsChannelMuted(cid string, now time.Time) bool {
	if u == nil {
		return false
	}
	for _, m := range u.ChannelMutes {
		if m.CID != cid {
			continue
		}
		if m.Expires == nil || m.Expires.After(now) {
			return true
		}
	}
	return false
}

// Member is a user's membership in a channel.
type Member struct {
	User         User      `json:"user"`
	Role         string    `json:"channel_role,omitempty"`
	Banned       bool      `json:"banned,omitempty"`
	ShadowBanned bool      `json:"shadow_banned,omitempty"`
	Invited      bool      `json:"invited,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChannelUserRead is the read marker of one user in one channel.
type ChannelUserRead struct {
	User              User      `json:"user"`
	LastRead          time.Time `json:"last_read"`
	UnreadMessages    int       `json:"unread_messages"`
	LastReadMessageID string    `json:"last_read_message_id,omitempty"`
	LastMessageSeenAt time.Time `json:"last_message_seen_at"`
}

// Channel is a conversation identified by its cid.
type Channel struct {
	Type                 string                     `json:"type"`
	ID                   string                     `json:"id"`
	CID                  string                     `json:"cid"`
	Name                 string                     `json:"name,omitempty"`
	CreatedBy            User                       `json:"created_by"`
	Members              map[string]Member          `json:"members,omitempty"`
	Reads                map[string]ChannelUserRead `json:"reads,omitempty"`
	Hidden               bool                       `json:"hidden,omitempty"`
	HiddenMessagesBefore *time.Time                 `json:"hide_messages_before,omitempty"`
	OwnCapabilities      []string                   `json:"own_capabilities,omitempty"`
	MemberCount          int                        `json:"member_count,omitempty"`
	LastMessageAt        time.Time                  `json:"last_message_at"`
	LastMessageID        string                     `json:"last_message_id,omitempty"`
	CreatedAt            time.Time                  `json:"created_at"`
	UpdatedAt            time.Time                  `json:"updated_at"`
	DeletedAt            *time.Time                 `json:"deleted_at,omitempty"`
	SyncStatus           SyncStatus                 `json:"sync_status,omitempty"`
	Extra                map[string]any             `json:"extra,omitempty"`
}

// Clone returns a copy whose maps can be mutated independently.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Members = maps.Clone(c.Members)
	cp.Reads = maps.Clone(c.Reads)
	cp.Extra = maps.Clone(c.Extra)
	cp.OwnCapabilities = append([]string(nil), c.OwnCapabilities...)
	return &cp
}

// Users returns every user referenced by the channel.
func (c *Channel) Users() []User {
	var users []User
	if c.CreatedBy.ID != "" {
		users = append(users, c.CreatedBy)
	}
	for _, m := range c.Members {
		users = append(users, m.User)
	}
	for _, r := range c.Reads {
		users = append(users, r.User)
	}
	return users
}

// Merge overlays the server-owned fields of other onto c, keeping local-only
// state such as reads of the current user and capabilities when other has none.
func (c *Channel) Merge(other *Channel) {
	if other == nil {
		return
	}
	if other.CID != "" {
		c.Type, c.ID, c.CID = other.Type, other.ID, other.CID
	}
	if other.Name != "" {
		c.Name = other.Name
	}
	if other.CreatedBy.ID != "" {
		c.CreatedBy = other.CreatedBy
	}
	if len(other.Members) > 0 {
		c.Members = maps.Clone(other.Members)
	}
	if c.Reads == nil {
		c.Reads = map[string]ChannelUserRead{}
	}
	for id, r := range other.Reads {
		c.Reads[id] = r
	}
	if len(other.OwnCapabilities) > 0 {
		c.OwnCapabilities = append([]string(nil), other.OwnCapabilities...)
	}
	if other.MemberCount > 0 {
		c.MemberCount = other.MemberCount
	}
	if other.LastMessageAt.After(c.LastMessageAt) {
		c.LastMessageAt = other.LastMessageAt
	}
	if !other.CreatedAt.IsZero() {
		c.CreatedAt = other.CreatedAt
	}
	if other.UpdatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = other.UpdatedAt
	}
	if other.DeletedAt != nil {
		c.DeletedAt = other.DeletedAt
	}
	if other.Extra != nil {
		c.Extra = maps.Clone(other.Extra)
	}
}

// Reaction is a user's reaction to a message.
type Reaction struct {
	MessageID  string     `json:"message_id"`
	Type       string     `json:"type"`
	Score      int        `json:"score,omitempty"`
	UserID     string     `json:"user_id"`
	User       *User      `json:"user,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	SyncStatus SyncStatus `json:"sync_status,omitempty"`
}

// Message is a chat message.
type Message struct {
	ID               string         `json:"id"`
	CID              string         `json:"cid"`
	User             User           `json:"user"`
	Text             string         `json:"text"`
	Type             string         `json:"type,omitempty"`
	ParentID         string         `json:"parent_id,omitempty"`
	ShowInChannel    bool           `json:"show_in_channel,omitempty"`
	Silent           bool           `json:"silent,omitempty"`
	Shadowed         bool           `json:"shadowed,omitempty"`
	LatestReactions  []Reaction     `json:"latest_reactions,omitempty"`
	OwnReactions     []Reaction     `json:"own_reactions,omitempty"`
	ReactionCounts   map[string]int `json:"reaction_counts,omitempty"`
	SyncStatus       SyncStatus     `json:"sync_status,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	CreatedLocallyAt *time.Time     `json:"created_locally_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
	UpdatedLocallyAt *time.Time     `json:"updated_locally_at,omitempty"`
	DeletedAt        *time.Time     `json:"deleted_at,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// CreatedAtOrLocal returns the server timestamp, falling back to the local one.
func (m *Message) CreatedAtOrLocal() time.Time {
	if !m.CreatedAt.IsZero() || m.CreatedLocallyAt == nil {
		return m.CreatedAt
	}
	return *m.CreatedLocallyAt
}

// IsThreadReplyOnly reports whether the message lives only inside a thread.
func (m *Message) IsThreadReplyOnly() bool {
	return m.ParentID != "" && !m.ShowInChannel
}

// ParseCID splits "type:id" into its parts.
func ParseCID(cid string) (typ, id string, err error) {
	typ, id, ok := strings.Cut(cid, ":")
	if !ok || typ == "" || id == "" {
		return "", "", fmt.Errorf("invalid cid %q", cid)
	}
	return typ, id, nil
}

// LocalChannelIDPrefix marks channel ids assigned locally before the server
// has created the channel.
const LocalChannelIDPrefix = "!members-"

// CID joins a channel type and id.
func CID(typ, id string) string {
	return typ + ":" + id
}
