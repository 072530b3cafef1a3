// Package auth implements the session/auth subsystem: password hashing and
// verification, token minting, the single-session invariant, session
// validation, and logout.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/argon2"

	"github.com/doroteaMonaco/ruggine-server/server/store/adapter"
	"github.com/doroteaMonaco/ruggine-server/server/store/types"
)

// Argon2id parameters. Chosen to be bounded and rare relative to I/O, per
// the concurrency model's assumption that password hashing may run
// inline without starving other work.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// Public, user-visible errors. These collapse the taxonomy of §7: callers
// translate them to ERR lines or auth_response frames without further
// detail.
var (
	ErrUnknownUser      = errors.New("unknown user")
	ErrBadPassword      = errors.New("bad password")
	ErrUsernameTaken     = errors.New("username already used")
	ErrInvalidSession    = errors.New("invalid or expired session")
	ErrAlreadyLoggedOut = errors.New("already logged out")
)

// Service implements register/login/logout/validate_session against a
// storage Adapter.
type Service struct {
	store adapter.Adapter
	log   zerolog.Logger
	ttl   time.Duration
}

// NewService constructs an auth Service. ttl is the session lifetime
// applied on every mint (register and login).
func NewService(store adapter.Adapter, log zerolog.Logger, ttl time.Duration) *Service {
	return &Service{store: store, log: log.With().Str("component", "auth").Logger(), ttl: ttl}
}

// HashPassword derives an Argon2id PHC string for password, with a fresh
// random salt embedded.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// verifyPassword checks password against a PHC string produced by
// HashPassword.
func verifyPassword(password, phc string) (bool, error) {
	fields := strings.Split(phc, "$")
	// fields: ["", "argon2id", "v=19", "m=65536,t=1,p=4", salt, hash]
	if len(fields) != 6 {
		return false, fmt.Errorf("auth: malformed credential")
	}
	var memory, timeCost, threads int
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return false, fmt.Errorf("auth: malformed credential params: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return false, fmt.Errorf("auth: malformed salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil {
		return false, fmt.Errorf("auth: malformed hash: %w", err)
	}
	got := argon2.IDKey([]byte(password), salt, uint32(timeCost), uint32(memory), uint8(threads), uint32(len(want)))
	return constantTimeEqual(got, want), nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// mintToken generates an opaque, unguessable session token. Unlike the
// self-verifying HMAC tokens of some deployments, this token carries no
// embedded claims: every use is validated against the Session row in
// Store, which is what makes a new login able to revoke the old token
// immediately rather than waiting for it to expire.
func mintToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Register mints a user id, hashes the password, inserts user+credential,
// and replaces the session. Returns the new token.
func (s *Service) Register(ctx context.Context, username, password string) (token string, userId string, err error) {
	hash, err := HashPassword(password)
	if err != nil {
		return "", "", fmt.Errorf("auth: hashing password: %w", err)
	}

	userId = uuid.NewString()
	now := time.Now().UTC()
	if err := s.store.CreateUser(ctx, userId, username, hash, now); err != nil {
		if errors.Is(err, adapter.ErrUsernameTaken) {
			return "", "", ErrUsernameTaken
		}
		s.log.Error().Err(err).Str("username", username).Msg("create user failed")
		return "", "", err
	}

	token, err = mintToken()
	if err != nil {
		return "", "", err
	}
	if err := s.store.ReplaceSession(ctx, userId, token, now, s.ttl); err != nil {
		s.log.Error().Err(err).Str("user_id", userId).Msg("replace session failed")
		return "", "", err
	}
	return token, userId, nil
}

// Login verifies credentials and, on success, replaces the session,
// marks the user online, and appends a login_success event.
func (s *Service) Login(ctx context.Context, username, password string) (token string, userId string, err error) {
	user, err := s.store.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, adapter.ErrUnknownUser) {
			return "", "", ErrUnknownUser
		}
		return "", "", err
	}
	cred, err := s.store.CredentialByUser(ctx, user.Id)
	if err != nil {
		return "", "", err
	}
	ok, err := verifyPassword(password, cred.PwHash)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.Id).Msg("verify password failed")
		return "", "", err
	}
	if !ok {
		return "", "", ErrBadPassword
	}

	token, err = mintToken()
	if err != nil {
		return "", "", err
	}
	now := time.Now().UTC()
	if err := s.store.CompleteLogin(ctx, user.Id, token, now, s.ttl); err != nil {
		s.log.Error().Err(err).Str("user_id", user.Id).Msg("complete login failed")
		return "", "", err
	}
	return token, user.Id, nil
}

// Logout deletes every session row for the token's owner (defence in
// depth; the single-session invariant already guarantees one), sets
// online=false, and appends a logout event.
func (s *Service) Logout(ctx context.Context, token string) error {
	now := time.Now().UTC()
	userId, err := s.store.SessionUser(ctx, token, now)
	if err != nil {
		if errors.Is(err, adapter.ErrNoSuchSession) {
			return ErrAlreadyLoggedOut
		}
		return err
	}
	if err := s.store.DeleteSessions(ctx, userId); err != nil {
		return err
	}
	if err := s.store.SetOnline(ctx, userId, false); err != nil {
		s.log.Error().Err(err).Str("user_id", userId).Msg("set online failed")
	}
	if err := s.store.AppendSessionEvent(ctx, userId, types.EventLogout, now); err != nil {
		s.log.Error().Err(err).Str("user_id", userId).Msg("append session event failed")
	}
	return nil
}

// ValidateSession resolves a token to its owning user id. As a side
// effect it sets that user's online flag true, supporting silent
// re-attachment for a client that still holds a valid token.
func (s *Service) ValidateSession(ctx context.Context, token string) (userId string, err error) {
	userId, err = s.store.SessionUser(ctx, token, time.Now().UTC())
	if err != nil {
		if errors.Is(err, adapter.ErrNoSuchSession) {
			return "", ErrInvalidSession
		}
		return "", err
	}
	return userId, nil
}

// CleanupExpiredSessions deletes every session row past its expiry. Meant
// to be invoked periodically by a background task.
func (s *Service) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	return s.store.CleanupExpiredSessions(ctx, time.Now().UTC())
}
