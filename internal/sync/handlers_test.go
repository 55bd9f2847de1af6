package sync

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/models"
)

func messageUpdated(id, text string, d time.Duration) *events.MessageUpdated {
	ev := &events.MessageUpdated{Base: at(d)}
	ev.EventType = events.TypeMessageUpdated
	ev.ChannelCID = general
	ev.User = &bob
	ev.Message = &models.Message{ID: id, CID: general, User: bob, Text: text, CreatedAt: t0.Add(time.Minute)}
	return ev
}

func TestLaterMessageUpdateWins(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, general, alice, bob)
	f.handle(t, newMessage("m1", bob, time.Minute))

	// Delivered newest first; the sort must apply "second" last.
	f.handle(t, messageUpdated("m1", "second", 3*time.Minute), messageUpdated("m1", "first", 2*time.Minute))

	m, err := f.db.SelectMessage(context.Background(), "m1")
	if err != nil || m == nil {
		t.Fatalf("message not stored: %v", err)
	}
	if m.Text != "second" {
		t.Errorf("text = %q, want %q", m.Text, "second")
	}
	if got := f.channel(t, general).Reads["alice"].UnreadMessages; got != 1 {
		t.Errorf("unread = %d, want 1 (updates must not count)", got)
	}
}

func reactionNew(actor models.User, m *models.Message, d time.Duration) *events.ReactionNew {
	ev := &events.ReactionNew{Base: at(d)}
	ev.EventType = events.TypeReactionNew
	ev.ChannelCID = general
	ev.User = &actor
	ev.Message = m
	return ev
}

func reactionTypes(rs []models.Reaction) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.UserID+":"+r.Type)
	}
	return out
}

func TestReactionOwnReactions(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, general, alice, bob)
	f.handle(t, newMessage("m1", bob, time.Minute))
	ctx := context.Background()

	like := models.Reaction{MessageID: "m1", Type: "like", UserID: "alice"}
	love := models.Reaction{MessageID: "m1", Type: "love", UserID: "bob"}

	// The current user reacted: own reactions come from the payload.
	f.handle(t, reactionNew(alice, &models.Message{
		ID: "m1", CID: general, User: bob, CreatedAt: t0.Add(time.Minute),
		LatestReactions: []models.Reaction{like},
	}, 2*time.Minute))

	m, err := f.db.SelectMessage(ctx, "m1")
	if err != nil || m == nil {
		t.Fatalf("message not stored: %v", err)
	}
	if diff := cmp.Diff([]string{"alice:like"}, reactionTypes(m.OwnReactions)); diff != "" {
		t.Errorf("own reactions after own reaction (-want +got):\n%s", diff)
	}

	// Someone else reacted: the payload carries their view, so the cached
	// own reactions are kept.
	f.handle(t, reactionNew(bob, &models.Message{
		ID: "m1", CID: general, User: bob, CreatedAt: t0.Add(time.Minute),
		LatestReactions: []models.Reaction{love, like},
		OwnReactions:    []models.Reaction{love},
	}, 3*time.Minute))

	m, err = f.db.SelectMessage(ctx, "m1")
	if err != nil || m == nil {
		t.Fatalf("message not stored: %v", err)
	}
	if diff := cmp.Diff([]string{"alice:like"}, reactionTypes(m.OwnReactions)); diff != "" {
		t.Errorf("own reactions after other user's reaction (-want +got):\n%s", diff)
	}
	if got := len(m.LatestReactions); got != 2 {
		t.Errorf("latest reactions = %d, want 2", got)
	}
}

func TestMemberAddedAndUpdated(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, general, alice, bob)

	added := &events.MemberAdded{Base: at(time.Minute)}
	added.EventType = events.TypeMemberAdded
	added.ChannelCID = general
	added.User = &carol
	added.Member = &models.Member{User: carol, Role: "member"}

	updated := &events.MemberUpdated{Base: at(2 * time.Minute)}
	updated.EventType = events.TypeMemberUpdated
	updated.ChannelCID = general
	updated.User = &bob
	updated.Member = &models.Member{User: bob, Role: "moderator"}

	f.handle(t, updated, added)

	ch := f.channel(t, general)
	if got, ok := ch.Members["carol"]; !ok || got.Role != "member" {
		t.Errorf("carol membership = %+v, %v", got, ok)
	}
	if got := ch.Members["bob"].Role; got != "moderator" {
		t.Errorf("bob role = %q, want moderator", got)
	}
	if len(ch.Members) != 3 {
		t.Errorf("members = %d, want 3", len(ch.Members))
	}
}

func TestMemberEventsIgnoreUncachedChannel(t *testing.T) {
	f := newFixture(t)

	added := &events.MemberAdded{Base: at(time.Minute)}
	added.EventType = events.TypeMemberAdded
	added.ChannelCID = general
	added.Member = &models.Member{User: carol}
	f.handle(t, added)

	ch, err := f.db.SelectChannel(context.Background(), general)
	if err != nil {
		t.Fatal(err)
	}
	if ch != nil {
		t.Errorf("member event created channel %+v", ch)
	}
}

func TestNotificationAddedToChannelCreatesChannel(t *testing.T) {
	f := newFixture(t)

	ev := &events.NotificationAddedToChannel{Base: at(time.Minute)}
	ev.EventType = events.TypeNotificationAddedToChannel
	ev.ChannelCID = random
	ev.Channel = &models.Channel{
		Type: "messaging", ID: "random", CID: random, Name: "random",
		Members: map[string]models.Member{"carol": {User: carol}},
	}
	ev.Member = &models.Member{User: alice}
	f.handle(t, ev)

	ch := f.channel(t, random)
	if ch.Name != "random" {
		t.Errorf("name = %q, want random", ch.Name)
	}
	for _, id := range []string{"alice", "carol"} {
		if _, ok := ch.Members[id]; !ok {
			t.Errorf("%s is not a member", id)
		}
	}
	users, err := f.db.SelectUsers(context.Background(), []string{"carol"})
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 {
		t.Errorf("member users stored = %d, want 1", len(users))
	}
}

func TestChannelBanFlags(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, general, alice, bob)

	banned := &events.ChannelUserBanned{Base: at(time.Minute), Shadow: true}
	banned.EventType = events.TypeUserBanned
	banned.ChannelCID = general
	banned.User = &bob
	f.handle(t, banned)

	m := f.channel(t, general).Members["bob"]
	if !m.Banned || !m.ShadowBanned {
		t.Errorf("after ban: banned=%v shadow=%v, want both set", m.Banned, m.ShadowBanned)
	}

	unbanned := &events.ChannelUserUnbanned{Base: at(2 * time.Minute)}
	unbanned.EventType = events.TypeUserUnbanned
	unbanned.ChannelCID = general
	unbanned.User = &bob
	f.handle(t, unbanned)

	m = f.channel(t, general).Members["bob"]
	if m.Banned || m.ShadowBanned {
		t.Errorf("after unban: banned=%v shadow=%v, want both cleared", m.Banned, m.ShadowBanned)
	}
}

func TestInvites(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, general, alice, bob)
	ctx := context.Background()

	invited := &events.NotificationInvited{Base: at(time.Minute)}
	invited.EventType = events.TypeNotificationInvited
	invited.ChannelCID = random
	invited.User = &bob
	invited.Member = &models.Member{User: carol, Invited: true}
	f.handle(t, invited)

	users, err := f.db.SelectUsers(ctx, []string{"bob", "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Errorf("users after invite = %d, want 2", len(users))
	}
	if ch, _ := f.db.SelectChannel(ctx, random); ch != nil {
		t.Error("invite alone must not create the channel")
	}

	accepted := &events.NotificationInviteAccepted{Base: at(2 * time.Minute)}
	accepted.EventType = events.TypeNotificationInviteAccepted
	accepted.ChannelCID = general
	accepted.User = &carol
	accepted.Member = &models.Member{User: carol}
	accepted.Channel = &models.Channel{Type: "messaging", ID: "general", CID: general, Name: "renamed"}
	f.handle(t, accepted)

	ch := f.channel(t, general)
	if ch.Name != "renamed" {
		t.Errorf("name = %q, want renamed", ch.Name)
	}
	if len(ch.Members) != 2 {
		t.Errorf("members = %d, want cached 2 kept by the merge", len(ch.Members))
	}
}

func TestRemovedFromUncachedChannelIsIgnored(t *testing.T) {
	f := newFixture(t)

	ev := &events.NotificationRemovedFromChannel{Base: at(time.Minute)}
	ev.EventType = events.TypeNotificationRemovedFromChannel
	ev.ChannelCID = random
	ev.User = &alice
	ev.Channel = &models.Channel{
		Type: "messaging", ID: "random", CID: random,
		Members: map[string]models.Member{"carol": {User: carol}},
	}
	f.handle(t, ev)

	ch, err := f.db.SelectChannel(context.Background(), random)
	if err != nil {
		t.Fatal(err)
	}
	if ch != nil {
		t.Errorf("removal created channel %+v", ch)
	}
}

func TestRemovedFromCachedChannel(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, general, alice, bob, carol)

	ev := &events.NotificationRemovedFromChannel{Base: at(time.Minute)}
	ev.EventType = events.TypeNotificationRemovedFromChannel
	ev.ChannelCID = general
	ev.User = &alice
	ev.Channel = &models.Channel{
		Type: "messaging", ID: "general", CID: general,
		Members: map[string]models.Member{"alice": {User: alice}, "bob": {User: bob}},
	}
	f.handle(t, ev)

	ch := f.channel(t, general)
	if _, ok := ch.Members["alice"]; ok {
		t.Error("current user still a member")
	}
	if diff := cmp.Diff(1, ch.MemberCount); diff != "" {
		t.Errorf("member count (-want +got):\n%s", diff)
	}
}
