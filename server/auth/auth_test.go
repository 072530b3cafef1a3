package auth

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doroteaMonaco/ruggine-server/server/store/memstore"
)

func newService() *Service {
	store := memstore.New()
	_ = store.Open(context.Background(), "")
	return NewService(store, zerolog.Nop(), 7*24*time.Hour)
}

func TestRegisterThenLogin(t *testing.T) {
	ctx := context.Background()
	s := newService()

	token1, uid1, err := s.Register(ctx, "alice", "pw1")
	require.NoError(t, err)
	assert.NotEmpty(t, token1)

	got, err := s.ValidateSession(ctx, token1)
	require.NoError(t, err)
	assert.Equal(t, uid1, got)

	token2, uid2, err := s.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	assert.Equal(t, uid1, uid2)
	assert.NotEqual(t, token1, token2, "login must mint a fresh token")

	// Single-session invariant: the old token is now invalid.
	_, err = s.ValidateSession(ctx, token1)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = s.ValidateSession(ctx, token2)
	assert.NoError(t, err)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	ctx := context.Background()
	s := newService()
	_, _, err := s.Register(ctx, "alice", "pw1")
	require.NoError(t, err)

	_, _, err = s.Register(ctx, "alice", "other")
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestLoginBadPassword(t *testing.T) {
	ctx := context.Background()
	s := newService()
	_, _, err := s.Register(ctx, "alice", "pw1")
	require.NoError(t, err)

	_, _, err = s.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrBadPassword)
}

func TestLoginUnknownUser(t *testing.T) {
	s := newService()
	_, _, err := s.Login(context.Background(), "nobody", "pw")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestLogoutInvalidatesToken(t *testing.T) {
	ctx := context.Background()
	s := newService()
	token, _, err := s.Register(ctx, "alice", "pw1")
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx, token))

	_, err = s.ValidateSession(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestLogoutIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newService()
	token, _, err := s.Register(ctx, "alice", "pw1")
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx, token))
	err = s.Logout(ctx, token)
	assert.ErrorIs(t, err, ErrAlreadyLoggedOut)
}

func TestReplaceSessionIdempotentInEffect(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	_ = store.Open(ctx, "")
	now := time.Now().UTC()

	require.NoError(t, store.CreateUser(ctx, "u1", "alice", "hash", now))
	for i := 0; i < 5; i++ {
		require.NoError(t, store.ReplaceSession(ctx, "u1", "tok", now, time.Hour))
	}
	_, err := store.SessionUser(ctx, "tok", now)
	assert.NoError(t, err)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	ok, err := verifyPassword("correct horse battery staple", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}
