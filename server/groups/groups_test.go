package groups

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doroteaMonaco/ruggine-server/server/store/memstore"
)

func newStoreWithUsers(t *testing.T, usernames ...string) (*memstore.Store, map[string]string) {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.Open(context.Background(), ""))
	ids := make(map[string]string)
	for _, name := range usernames {
		id := "id-" + name
		require.NoError(t, store.CreateUser(context.Background(), id, name, "hash", time.Now().UTC()))
		ids[name] = id
	}
	return store, ids
}

func TestCreateGroupWithParticipants(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob", "carol")
	svc := NewService(store, zerolog.Nop())

	result, err := svc.CreateGroup(ctx, ids["alice"], "g", []string{"bob", "carol", "nobody"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.GroupId)
	assert.Contains(t, result.Skipped, "nobody")

	isMember, err := store.IsMember(ctx, ids["alice"], result.GroupId)
	require.NoError(t, err)
	assert.True(t, isMember, "creator must be a member immediately")

	isMember, err = store.IsMember(ctx, ids["bob"], result.GroupId)
	require.NoError(t, err)
	assert.False(t, isMember, "invited users are not members until they accept")

	invites, err := svc.MyInvites(ctx, ids["bob"])
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Equal(t, result.GroupId, invites[0].GroupId)
}

func TestAcceptInviteCreatesMembershipAtomically(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	svc := NewService(store, zerolog.Nop())

	result, err := svc.CreateGroup(ctx, ids["alice"], "g", []string{"bob"})
	require.NoError(t, err)

	invites, err := svc.MyInvites(ctx, ids["bob"])
	require.NoError(t, err)
	require.Len(t, invites, 1)

	require.NoError(t, svc.AcceptInvite(ctx, ids["bob"], invites[0].Id))

	isMember, err := store.IsMember(ctx, ids["bob"], result.GroupId)
	require.NoError(t, err)
	assert.True(t, isMember)

	members, err := svc.Members(ctx, ids["bob"], result.GroupId)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)
}

func TestInvitePreconditions(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob", "carol")
	svc := NewService(store, zerolog.Nop())

	result, err := svc.CreateGroup(ctx, ids["alice"], "g", nil)
	require.NoError(t, err)

	// Non-member cannot invite.
	err = svc.Invite(ctx, ids["bob"], result.GroupId, "carol")
	assert.ErrorIs(t, err, ErrNotMember)

	// Unknown invitee.
	err = svc.Invite(ctx, ids["alice"], result.GroupId, "nobody")
	assert.ErrorIs(t, err, ErrNoSuchUser)

	require.NoError(t, svc.Invite(ctx, ids["alice"], result.GroupId, "carol"))

	// Already-pending invite.
	err = svc.Invite(ctx, ids["alice"], result.GroupId, "carol")
	assert.ErrorIs(t, err, ErrInvitePending)
}

func TestLeaveByNameOrId(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	svc := NewService(store, zerolog.Nop())

	result, err := svc.CreateGroup(ctx, ids["alice"], "team", []string{"bob"})
	require.NoError(t, err)
	invites, err := svc.MyInvites(ctx, ids["bob"])
	require.NoError(t, err)
	require.NoError(t, svc.AcceptInvite(ctx, ids["bob"], invites[0].Id))

	// Leave by id.
	require.NoError(t, svc.Leave(ctx, ids["bob"], result.GroupId))
	isMember, err := store.IsMember(ctx, ids["bob"], result.GroupId)
	require.NoError(t, err)
	assert.False(t, isMember)

	// Alice leaves by name.
	require.NoError(t, svc.Leave(ctx, ids["alice"], "team"))
	isMember, err = store.IsMember(ctx, ids["alice"], result.GroupId)
	require.NoError(t, err)
	assert.False(t, isMember)
}

func TestLeaveNotAMember(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	svc := NewService(store, zerolog.Nop())

	result, err := svc.CreateGroup(ctx, ids["alice"], "g", nil)
	require.NoError(t, err)

	err = svc.Leave(ctx, ids["bob"], result.GroupId)
	assert.ErrorIs(t, err, ErrNotMember)
}
