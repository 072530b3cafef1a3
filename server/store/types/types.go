// Package types holds the persistent entities of the chat server: users,
// credentials, sessions, groups, memberships, invites, messages, deletion
// markers, and the friendship graph.
package types

import "time"

// User is a registered account. Online is maintained by the presence
// registry and connection lifecycle, never written directly by a client.
type User struct {
	Id        string    `db:"id"`
	Username  string    `db:"username"`
	CreatedAt time.Time `db:"created_at"`
	Online    bool      `db:"online"`
}

// Credential is the password verifier for a user, 1:1 with User.
type Credential struct {
	UserId string `db:"user_id"`
	PwHash string `db:"pw_hash"` // Argon2id PHC string, salt embedded
}

// Session is the single active-session row for a user. At most one row
// exists per user id at any moment; replace_session enforces this.
type Session struct {
	Token     string    `db:"token"`
	UserId    string    `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// SessionEventKind is the append-only audit trail for sessions.
type SessionEventKind string

const (
	EventLoginSuccess SessionEventKind = "login_success"
	EventKickedOut    SessionEventKind = "kicked_out"
	EventLogout       SessionEventKind = "logout"
	EventQuit         SessionEventKind = "quit"
)

// SessionEvent is one row of the audit log.
type SessionEvent struct {
	Id     int64            `db:"id"`
	UserId string           `db:"user_id"`
	Kind   SessionEventKind `db:"kind"`
	At     time.Time        `db:"at"`
}

// Group is a named conversation with membership and invite lifecycle.
type Group struct {
	Id        string    `db:"id"`
	Name      string    `db:"name"`
	CreatorId string    `db:"creator_id"`
	CreatedAt time.Time `db:"created_at"`
}

// GroupMembership is the (group, user) pair granting read/write access.
// Unique on (GroupId, UserId).
type GroupMembership struct {
	GroupId  string    `db:"group_id"`
	UserId   string    `db:"user_id"`
	JoinedAt time.Time `db:"joined_at"`
}

// InviteStatus is the lifecycle state of a GroupInvite.
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteRejected InviteStatus = "rejected"
)

// GroupInvite records an offer to join a group. At most one pending row
// exists per (GroupId, InviteeId).
type GroupInvite struct {
	Id        string       `db:"id"`
	GroupId   string       `db:"group_id"`
	InviteeId string       `db:"invitee_id"`
	InviterId string       `db:"inviter_id"`
	CreatedAt time.Time    `db:"created_at"`
	Status    InviteStatus `db:"status"`
}

// FriendRequestStatus is the lifecycle state of a FriendRequest.
type FriendRequestStatus string

const (
	FriendRequestPending  FriendRequestStatus = "pending"
	FriendRequestAccepted FriendRequestStatus = "accepted"
	FriendRequestRejected FriendRequestStatus = "rejected"
)

// FriendRequest is an offer of friendship, unique in either direction while
// pending.
type FriendRequest struct {
	Id        string              `db:"id"`
	FromId    string              `db:"from_id"`
	ToId      string              `db:"to_id"`
	Message   string              `db:"message"`
	Status    FriendRequestStatus `db:"status"`
	CreatedAt time.Time           `db:"created_at"`
}

// Friendship is the unordered pair formed after a FriendRequest is
// accepted. UserA < UserB lexicographically, matching chat id ordering.
type Friendship struct {
	UserA     string    `db:"user_a"`
	UserB     string    `db:"user_b"`
	CreatedAt time.Time `db:"created_at"`
}

// MessageBlob is the at-rest storage envelope for a message body: AEAD
// ciphertext and nonce, both base64. Legacy rows are plain UTF-8 and carry
// no envelope; callers distinguish the two by attempting to unmarshal this
// shape first.
type MessageBlob struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// EncryptedMessage is one durable row of a conversation. ChatId is
// "private:{u1}-{u2}" (u1 < u2) or "group:{gid}". Blob holds either the
// JSON-encoded MessageBlob envelope or, for legacy rows, plain UTF-8 text.
type EncryptedMessage struct {
	Id       int64     `db:"id"`
	ChatId   string    `db:"chat_id"`
	SenderId string    `db:"sender_id"`
	Blob     string    `db:"blob"`
	SentAt   time.Time `db:"sent_at"`
}

// DeletedChat is a per-user soft-delete marker: for UserId, messages in
// ChatId with sent_at <= DeletedAt are hidden. Upserted on repeated deletes.
type DeletedChat struct {
	UserId    string    `db:"user_id"`
	ChatId    string    `db:"chat_id"`
	DeletedAt time.Time `db:"deleted_at"`
}
