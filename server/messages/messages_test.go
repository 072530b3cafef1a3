package messages

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doroteaMonaco/ruggine-server/server/store/memstore"
)

const testMasterKey = "01234567890123456789012345678901"

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

func TestSendListPrivateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	svc := NewService(store, zerolog.Nop(), []byte(testMasterKey), true, 4096)

	require.NoError(t, svc.SendPrivate(ctx, ids["alice"], "bob", "hi bob"))

	msgs, err := svc.ListPrivate(ctx, ids["alice"], "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi bob", msgs[0].Text)
	assert.Equal(t, "alice", msgs[0].SenderName)

	// Same chat viewed by bob.
	msgs, err = svc.ListPrivate(ctx, ids["bob"], "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi bob", msgs[0].Text)
}

func TestSendPrivateOverLength(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	svc := NewService(store, zerolog.Nop(), []byte(testMasterKey), true, 4)

	err := svc.SendPrivate(ctx, ids["alice"], "bob", "hello")
	assert.ErrorIs(t, err, ErrOverLength)

	err = svc.SendPrivate(ctx, ids["alice"], "bob", "hi!!")
	assert.NoError(t, err)
}

func TestSendGroupRequiresMembership(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	require.NoError(t, store.CreateGroup(ctx, "g1", "grp", ids["alice"], time.Now().UTC()))

	svc := NewService(store, zerolog.Nop(), []byte(testMasterKey), true, 4096)
	err := svc.SendGroup(ctx, ids["bob"], "g1", "hi")
	assert.ErrorIs(t, err, ErrNotMember)

	err = svc.SendGroup(ctx, ids["alice"], "g1", "hi")
	assert.NoError(t, err)
}

func TestGroupHistoricalFallback(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob", "carol")
	now := time.Now().UTC()
	require.NoError(t, store.CreateGroup(ctx, "g1", "grp", ids["alice"], now))

	svc := NewService(store, zerolog.Nop(), []byte(testMasterKey), true, 4096)

	// Bob joins before any messages are sent.
	require.NoError(t, store.CreateInvite(ctx, "inv-bob", "g1", ids["bob"], ids["alice"], now))
	require.NoError(t, store.AcceptInvite(ctx, "inv-bob", ids["bob"], now))

	require.NoError(t, svc.SendGroup(ctx, ids["alice"], "g1", "hi"))
	require.NoError(t, svc.SendGroup(ctx, ids["bob"], "g1", "yo"))

	// Carol joins after both messages were sealed under {alice,bob}.
	require.NoError(t, store.CreateInvite(ctx, "inv-carol", "g1", ids["carol"], ids["alice"], now))
	require.NoError(t, store.AcceptInvite(ctx, "inv-carol", ids["carol"], now))

	rendered, err := svc.ListGroup(ctx, ids["carol"], "g1")
	require.NoError(t, err)
	require.Len(t, rendered, 2)
	assert.Equal(t, "hi", rendered[0].Text)
	assert.Equal(t, "yo", rendered[1].Text)
	for _, r := range rendered {
		assert.NotEqual(t, "[DECRYPTION FAILED]", r.Text)
	}
}

func TestGroupListNotMember(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	require.NoError(t, store.CreateGroup(ctx, "g1", "grp", ids["alice"], time.Now().UTC()))

	svc := NewService(store, zerolog.Nop(), []byte(testMasterKey), true, 4096)
	_, err := svc.ListGroup(ctx, ids["bob"], "g1")
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestDeletePrivateHidesOlderMessagesOnlyForSelf(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	svc := NewService(store, zerolog.Nop(), []byte(testMasterKey), true, 4096)

	require.NoError(t, svc.SendPrivate(ctx, ids["alice"], "bob", "old"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, svc.DeletePrivate(ctx, ids["alice"], "bob"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, svc.SendPrivate(ctx, ids["alice"], "bob", "new"))

	aliceView, err := svc.ListPrivate(ctx, ids["alice"], "bob")
	require.NoError(t, err)
	require.Len(t, aliceView, 1)
	assert.Equal(t, "new", aliceView[0].Text)

	bobView, err := svc.ListPrivate(ctx, ids["bob"], "alice")
	require.NoError(t, err)
	require.Len(t, bobView, 2)
}

func TestRenderFormat(t *testing.T) {
	r := Rendered{SentAt: time.Unix(100, 0).UTC(), SenderName: "alice", Text: "hi"}
	line := Render(r)
	assert.True(t, strings.HasPrefix(line, "[100]"))
	assert.Contains(t, line, "alice: hi")
}

func TestEncryptionDisabledStoresPlaintext(t *testing.T) {
	ctx := context.Background()
	store, ids := newStoreWithUsers(t, "alice", "bob")
	svc := NewService(store, zerolog.Nop(), nil, false, 4096)

	require.NoError(t, svc.SendPrivate(ctx, ids["alice"], "bob", "plain"))
	rows, err := store.ListMessages(ctx, PrivateChatId(ids["alice"], ids["bob"]))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "plain", rows[0].Blob)
}
