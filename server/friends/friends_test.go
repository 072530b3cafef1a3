package friends

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

func TestSendAcceptRequest(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	svc := NewService(store, zerolog.Nop())

	require.NoError(t, svc.SendRequest(ctx, ids["alice"], "bob", "hi"))

	received, err := svc.Received(ctx, ids["bob"])
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, ids["alice"], received[0].FromId)

	require.NoError(t, svc.Accept(ctx, ids["bob"], "alice"))

	aliceFriends, err := svc.List(ctx, ids["alice"])
	require.NoError(t, err)
	assert.Contains(t, aliceFriends, "bob")

	bobFriends, err := svc.List(ctx, ids["bob"])
	require.NoError(t, err)
	assert.Contains(t, bobFriends, "alice")
}

func TestSendRequestRejectsDuplicateEitherDirection(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	svc := NewService(store, zerolog.Nop())

	require.NoError(t, svc.SendRequest(ctx, ids["alice"], "bob", ""))

	// Reverse direction must also be rejected while the first is pending.
	err := svc.SendRequest(ctx, ids["bob"], "alice", "")
	assert.ErrorIs(t, err, ErrRequestPending)
}

func TestSendRequestRejectsWhenAlreadyFriends(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	svc := NewService(store, zerolog.Nop())

	require.NoError(t, svc.SendRequest(ctx, ids["alice"], "bob", ""))
	require.NoError(t, svc.Accept(ctx, ids["bob"], "alice"))

	err := svc.SendRequest(ctx, ids["bob"], "alice", "")
	assert.ErrorIs(t, err, ErrAlreadyFriends)
}

func TestRejectRequest(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	svc := NewService(store, zerolog.Nop())

	require.NoError(t, svc.SendRequest(ctx, ids["alice"], "bob", ""))
	require.NoError(t, svc.Reject(ctx, ids["bob"], "alice"))

	friends, err := svc.List(ctx, ids["alice"])
	require.NoError(t, err)
	assert.Empty(t, friends)

	err = svc.Reject(ctx, ids["bob"], "alice")
	assert.ErrorIs(t, err, ErrNoSuchRequest)
}
