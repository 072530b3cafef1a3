// Package adapter defines the storage contract implemented by a concrete
// database backend. The server core never imports a driver directly; it
// depends on this interface so a test fake can stand in for a real
// database.
package adapter

import (
	"context"
	"errors"
	"time"

	t "github.com/doroteaMonaco/ruggine-server/server/store/types"
)

// Sentinel errors. Callers use errors.Is against these; a concrete adapter
// wraps the underlying driver error with fmt.Errorf("%w", ...).
var (
	ErrUsernameTaken   = errors.New("username already used")
	ErrUnknownUser     = errors.New("unknown user")
	ErrBadPassword     = errors.New("bad password")
	ErrNotMember       = errors.New("not a member")
	ErrAlreadyMember   = errors.New("already a member")
	ErrInvitePending   = errors.New("invite already pending")
	ErrNoSuchInvite    = errors.New("no such invite")
	ErrNoSuchGroup     = errors.New("no such group")
	ErrAlreadyFriends  = errors.New("already friends")
	ErrRequestPending  = errors.New("friend request already pending")
	ErrNoSuchRequest   = errors.New("no such friend request")
	ErrNoSuchSession   = errors.New("no such session")
)

// Adapter is the durable-storage contract of the chat server: the only
// authority for users, credentials, sessions, groups, memberships,
// invites, messages, deletion markers, and the friendship graph.
//
// Every write is expected to run inside a single database transaction
// where the contract says "atomically" or "transactionally"; every read
// runs with read-committed semantics.
type Adapter interface {
	// Open and configure the adapter. dsn is driver-specific.
	Open(ctx context.Context, dsn string) error
	// Close releases the underlying connection pool.
	Close() error
	// IsOpen reports whether Open succeeded and Close has not been called.
	IsOpen() bool

	// --- Users & credentials ---

	// CreateUser atomically inserts a user and its credential and sets
	// online=true. Returns ErrUsernameTaken if username is not unique.
	CreateUser(ctx context.Context, id, username, pwHash string, now time.Time) error
	// UserByUsername returns ErrUnknownUser if no such user exists.
	UserByUsername(ctx context.Context, username string) (*t.User, error)
	// UserById returns ErrUnknownUser if no such user exists.
	UserById(ctx context.Context, id string) (*t.User, error)
	// CredentialByUser returns ErrUnknownUser if no such user exists.
	CredentialByUser(ctx context.Context, userId string) (*t.Credential, error)
	// SetOnline is idempotent.
	SetOnline(ctx context.Context, userId string, online bool) error
	// ListOnlineUsers returns all users with online=true.
	ListOnlineUsers(ctx context.Context) ([]t.User, error)
	// ListAllUsers returns every registered user.
	ListAllUsers(ctx context.Context) ([]t.User, error)

	// --- Sessions ---

	// ReplaceSession transactionally deletes every existing session row
	// for userId and writes a new one with expiresAt = now + ttl. This is
	// the single-session invariant's sole enforcement point.
	ReplaceSession(ctx context.Context, userId, token string, now time.Time, ttl time.Duration) error
	// CompleteLogin atomically performs every side effect of a successful
	// login: delete prior sessions, insert the new one, set online=true,
	// append a login_success event.
	CompleteLogin(ctx context.Context, userId, token string, now time.Time, ttl time.Duration) error
	// SessionUser returns the owning user id iff a row exists with token
	// and expiresAt > now; as a side effect sets that user's online flag
	// true. Returns ErrNoSuchSession if absent or expired.
	SessionUser(ctx context.Context, token string, now time.Time) (string, error)
	// DeleteSessions removes every session row for userId.
	DeleteSessions(ctx context.Context, userId string) error
	// CleanupExpiredSessions deletes rows with expiresAt <= now and
	// returns the count removed.
	CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	// AppendSessionEvent appends one audit row.
	AppendSessionEvent(ctx context.Context, userId string, kind t.SessionEventKind, at time.Time) error

	// --- Groups & invites ---

	// CreateGroup inserts a group row and the creator's membership in one
	// transaction.
	CreateGroup(ctx context.Context, id, name, creatorId string, now time.Time) error
	// GroupExists returns ErrNoSuchGroup if absent.
	GroupExists(ctx context.Context, groupId string) error
	// GroupByName resolves a group by its exact name. Returns
	// ErrNoSuchGroup if no group has that name (ambiguity among
	// duplicate names is resolved by returning the first by creation
	// order, matching the resolver in Leave).
	GroupByName(ctx context.Context, name string) (*t.Group, error)
	// IsMember reports group membership.
	IsMember(ctx context.Context, userId, groupId string) (bool, error)
	// Members returns the current member ids of a group, sorted.
	Members(ctx context.Context, groupId string) ([]string, error)
	// MemberUsernames returns the current member usernames of a group.
	MemberUsernames(ctx context.Context, groupId string) ([]string, error)
	// EverMembers returns every user id that has ever held a membership
	// row for groupId, including ones that later left.
	EverMembers(ctx context.Context, groupId string) ([]string, error)
	// Leave removes a membership row. No-op if the row is already absent.
	Leave(ctx context.Context, userId, groupId string) error
	// MyGroups returns the groups a user currently belongs to.
	MyGroups(ctx context.Context, userId string) ([]t.Group, error)

	// CreateInvite fails with ErrInvitePending if an already-pending
	// invite exists for (groupId, inviteeId), or ErrAlreadyMember if the
	// invitee is already a member.
	CreateInvite(ctx context.Context, id, groupId, inviteeId, inviterId string, now time.Time) error
	// AcceptInvite transitions the invite to accepted and inserts the
	// membership atomically. Precondition: invite is pending and its
	// invitee is userId, else ErrNoSuchInvite.
	AcceptInvite(ctx context.Context, inviteId, userId string, now time.Time) error
	// RejectInvite transitions the invite to rejected; no membership
	// change. Same precondition as AcceptInvite.
	RejectInvite(ctx context.Context, inviteId, userId string) error
	// PendingInvitesFor returns every pending invite addressed to userId.
	PendingInvitesFor(ctx context.Context, userId string) ([]t.GroupInvite, error)

	// --- Messages ---

	// InsertMessage appends a durable row; rows are never mutated or
	// removed, only shadowed by a DeletedChat marker.
	InsertMessage(ctx context.Context, chatId, senderId, blob string, sentAt time.Time) error
	// ListMessages returns every row for chatId ordered by sent_at
	// ascending, then by id to break exact-timestamp ties.
	ListMessages(ctx context.Context, chatId string) ([]t.EncryptedMessage, error)
	// DeletionMarker returns the most recent DeletedChat for (userId,
	// chatId), or nil if none exists.
	DeletionMarker(ctx context.Context, userId, chatId string) (*time.Time, error)
	// MarkChatDeleted upserts the per-user marker.
	MarkChatDeleted(ctx context.Context, userId, chatId string, now time.Time) error

	// --- Friendship ---

	// SendFriendRequest fails with ErrAlreadyFriends or ErrRequestPending
	// if either already holds between fromId and toId in any direction.
	SendFriendRequest(ctx context.Context, id, fromId, toId, message string, now time.Time) error
	// AcceptFriendRequest transitions the pending request from fromId to
	// userId and inserts a Friendship atomically. Precondition: such a
	// pending request exists, else ErrNoSuchRequest.
	AcceptFriendRequest(ctx context.Context, fromId, userId string, now time.Time) error
	// RejectFriendRequest transitions the request to rejected. Same
	// precondition as AcceptFriendRequest.
	RejectFriendRequest(ctx context.Context, fromId, userId string) error
	// ListFriends returns the usernames of a user's accepted friends.
	ListFriends(ctx context.Context, userId string) ([]string, error)
	// ReceivedFriendRequests returns pending requests addressed to userId.
	ReceivedFriendRequests(ctx context.Context, userId string) ([]t.FriendRequest, error)
	// SentFriendRequests returns pending requests sent by userId.
	SentFriendRequests(ctx context.Context, userId string) ([]t.FriendRequest, error)
}
