// Package postgres implements adapter.Adapter against a PostgreSQL
// database via sqlx over the pgx stdlib driver. One query per
// precondition, one transaction per invariant that spans multiple rows,
// mirroring the contract's "atomically"/"transactionally" wording.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/doroteaMonaco/ruggine-server/server/store/adapter"
	"github.com/doroteaMonaco/ruggine-server/server/store/types"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for a unique constraint
// violation, compared against the error's SQLState() method so pgconn
// need not be imported just for this one comparison.
const pgUniqueViolation = "23505"

// Store implements adapter.Adapter against Postgres.
type Store struct {
	db *sqlx.DB
}

// New returns an unopened Store; call Open before use.
func New() *Store {
	return &Store{}
}

func (s *Store) Open(ctx context.Context, dsn string) error {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return fmt.Errorf("postgres: connect: %w", err)
	}
	s.db = db
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) IsOpen() bool { return s.db != nil }

// ApplySchema runs ddl (the contents of schema/schema.sql) against the
// connected database. Safe to call repeatedly: every statement in that
// file is written as CREATE ... IF NOT EXISTS.
func (s *Store) ApplySchema(ctx context.Context, ddl string) error {
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, re-raised after rollback).
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == pgUniqueViolation
	}
	return false
}

// --- Users & credentials ---

func (s *Store) CreateUser(ctx context.Context, id, username, pwHash string, now time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, username, created_at, online) VALUES ($1, $2, $3, true)`,
			id, username, now)
		if err != nil {
			if isUniqueViolation(err) {
				return adapter.ErrUsernameTaken
			}
			return fmt.Errorf("postgres: insert user: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO credentials (user_id, pw_hash) VALUES ($1, $2)`, id, pwHash)
		if err != nil {
			return fmt.Errorf("postgres: insert credential: %w", err)
		}
		return nil
	})
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*types.User, error) {
	var u types.User
	err := s.db.GetContext(ctx, &u, `SELECT id, username, created_at, online FROM users WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapter.ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: user by username: %w", err)
	}
	return &u, nil
}

func (s *Store) UserById(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	err := s.db.GetContext(ctx, &u, `SELECT id, username, created_at, online FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapter.ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: user by id: %w", err)
	}
	return &u, nil
}

func (s *Store) CredentialByUser(ctx context.Context, userId string) (*types.Credential, error) {
	var c types.Credential
	err := s.db.GetContext(ctx, &c, `SELECT user_id, pw_hash FROM credentials WHERE user_id = $1`, userId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapter.ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: credential by user: %w", err)
	}
	return &c, nil
}

func (s *Store) SetOnline(ctx context.Context, userId string, online bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET online = $1 WHERE id = $2`, online, userId)
	if err != nil {
		return fmt.Errorf("postgres: set online: %w", err)
	}
	return nil
}

func (s *Store) ListOnlineUsers(ctx context.Context) ([]types.User, error) {
	var out []types.User
	err := s.db.SelectContext(ctx, &out, `SELECT id, username, created_at, online FROM users WHERE online = true ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list online users: %w", err)
	}
	return out, nil
}

func (s *Store) ListAllUsers(ctx context.Context) ([]types.User, error) {
	var out []types.User
	err := s.db.SelectContext(ctx, &out, `SELECT id, username, created_at, online FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list all users: %w", err)
	}
	return out, nil
}

// --- Sessions ---

func (s *Store) ReplaceSession(ctx context.Context, userId, token string, now time.Time, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userId); err != nil {
			return fmt.Errorf("postgres: delete prior sessions: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (token, user_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
			token, userId, now, now.Add(ttl))
		if err != nil {
			return fmt.Errorf("postgres: insert session: %w", err)
		}
		return nil
	})
}

func (s *Store) CompleteLogin(ctx context.Context, userId, token string, now time.Time, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userId); err != nil {
			return fmt.Errorf("postgres: delete prior sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (token, user_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
			token, userId, now, now.Add(ttl)); err != nil {
			return fmt.Errorf("postgres: insert session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET online = true WHERE id = $1`, userId); err != nil {
			return fmt.Errorf("postgres: set online: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_events (user_id, kind, at) VALUES ($1, $2, $3)`,
			userId, types.EventLoginSuccess, now); err != nil {
			return fmt.Errorf("postgres: append login event: %w", err)
		}
		return nil
	})
}

func (s *Store) SessionUser(ctx context.Context, token string, now time.Time) (string, error) {
	var userId string
	err := s.db.GetContext(ctx, &userId,
		`SELECT user_id FROM sessions WHERE token = $1 AND expires_at > $2`, token, now)
	if errors.Is(err, sql.ErrNoRows) {
		return "", adapter.ErrNoSuchSession
	}
	if err != nil {
		return "", fmt.Errorf("postgres: session user: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET online = true WHERE id = $1`, userId); err != nil {
		return "", fmt.Errorf("postgres: set online on validate: %w", err)
	}
	return userId, nil
}

func (s *Store) DeleteSessions(ctx context.Context, userId string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userId)
	if err != nil {
		return fmt.Errorf("postgres: delete sessions: %w", err)
	}
	return nil
}

func (s *Store) CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) AppendSessionEvent(ctx context.Context, userId string, kind types.SessionEventKind, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (user_id, kind, at) VALUES ($1, $2, $3)`, userId, kind, at)
	if err != nil {
		return fmt.Errorf("postgres: append session event: %w", err)
	}
	return nil
}

// --- Groups & invites ---

func (s *Store) CreateGroup(ctx context.Context, id, name, creatorId string, now time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO groups (id, name, creator_id, created_at) VALUES ($1, $2, $3, $4)`,
			id, name, creatorId, now)
		if err != nil {
			return fmt.Errorf("postgres: insert group: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO group_memberships (group_id, user_id, joined_at) VALUES ($1, $2, $3)`,
			id, creatorId, now)
		if err != nil {
			return fmt.Errorf("postgres: insert creator membership: %w", err)
		}
		if err := insertEverMember(ctx, tx, id, creatorId); err != nil {
			return err
		}
		return nil
	})
}

// insertEverMember appends to the append-only membership log that backs
// EverMembers; group_memberships itself loses rows on Leave, so this is
// the only durable record of "has ever belonged".
func insertEverMember(ctx context.Context, tx *sqlx.Tx, groupId, userId string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO group_ever_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		groupId, userId)
	if err != nil {
		return fmt.Errorf("postgres: insert ever-member: %w", err)
	}
	return nil
}

func (s *Store) GroupExists(ctx context.Context, groupId string) error {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM groups WHERE id = $1)`, groupId)
	if err != nil {
		return fmt.Errorf("postgres: group exists: %w", err)
	}
	if !exists {
		return adapter.ErrNoSuchGroup
	}
	return nil
}

func (s *Store) GroupByName(ctx context.Context, name string) (*types.Group, error) {
	var g types.Group
	err := s.db.GetContext(ctx, &g,
		`SELECT id, name, creator_id, created_at FROM groups WHERE name = $1 ORDER BY created_at ASC LIMIT 1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapter.ErrNoSuchGroup
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: group by name: %w", err)
	}
	return &g, nil
}

func (s *Store) IsMember(ctx context.Context, userId, groupId string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM group_memberships WHERE group_id = $1 AND user_id = $2)`, groupId, userId)
	if err != nil {
		return false, fmt.Errorf("postgres: is member: %w", err)
	}
	return exists, nil
}

func (s *Store) Members(ctx context.Context, groupId string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT user_id FROM group_memberships WHERE group_id = $1 ORDER BY user_id`, groupId)
	if err != nil {
		return nil, fmt.Errorf("postgres: members: %w", err)
	}
	return out, nil
}

func (s *Store) MemberUsernames(ctx context.Context, groupId string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT u.username FROM group_memberships m JOIN users u ON u.id = m.user_id
		 WHERE m.group_id = $1 ORDER BY u.username`, groupId)
	if err != nil {
		return nil, fmt.Errorf("postgres: member usernames: %w", err)
	}
	return out, nil
}

func (s *Store) EverMembers(ctx context.Context, groupId string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT user_id FROM group_ever_members WHERE group_id = $1 ORDER BY user_id`, groupId)
	if err != nil {
		return nil, fmt.Errorf("postgres: ever members: %w", err)
	}
	return out, nil
}

func (s *Store) Leave(ctx context.Context, userId, groupId string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM group_memberships WHERE group_id = $1 AND user_id = $2`, groupId, userId)
	if err != nil {
		return fmt.Errorf("postgres: leave: %w", err)
	}
	return nil
}

func (s *Store) MyGroups(ctx context.Context, userId string) ([]types.Group, error) {
	var out []types.Group
	err := s.db.SelectContext(ctx, &out,
		`SELECT g.id, g.name, g.creator_id, g.created_at FROM groups g
		 JOIN group_memberships m ON m.group_id = g.id
		 WHERE m.user_id = $1 ORDER BY g.created_at`, userId)
	if err != nil {
		return nil, fmt.Errorf("postgres: my groups: %w", err)
	}
	return out, nil
}

func (s *Store) CreateInvite(ctx context.Context, id, groupId, inviteeId, inviterId string, now time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var isMember bool
		if err := tx.GetContext(ctx, &isMember,
			`SELECT EXISTS(SELECT 1 FROM group_memberships WHERE group_id = $1 AND user_id = $2)`,
			groupId, inviteeId); err != nil {
			return fmt.Errorf("postgres: check membership for invite: %w", err)
		}
		if isMember {
			return adapter.ErrAlreadyMember
		}
		var pending bool
		if err := tx.GetContext(ctx, &pending,
			`SELECT EXISTS(SELECT 1 FROM group_invites WHERE group_id = $1 AND invitee_id = $2 AND status = 'pending')`,
			groupId, inviteeId); err != nil {
			return fmt.Errorf("postgres: check pending invite: %w", err)
		}
		if pending {
			return adapter.ErrInvitePending
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO group_invites (id, group_id, invitee_id, inviter_id, created_at, status)
			 VALUES ($1, $2, $3, $4, $5, 'pending')`, id, groupId, inviteeId, inviterId, now)
		if err != nil {
			return fmt.Errorf("postgres: insert invite: %w", err)
		}
		return nil
	})
}

func (s *Store) AcceptInvite(ctx context.Context, inviteId, userId string, now time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var groupId string
		err := tx.GetContext(ctx, &groupId,
			`SELECT group_id FROM group_invites WHERE id = $1 AND invitee_id = $2 AND status = 'pending'`,
			inviteId, userId)
		if errors.Is(err, sql.ErrNoRows) {
			return adapter.ErrNoSuchInvite
		}
		if err != nil {
			return fmt.Errorf("postgres: find pending invite: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE group_invites SET status = 'accepted' WHERE id = $1`, inviteId); err != nil {
			return fmt.Errorf("postgres: accept invite: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_memberships (group_id, user_id, joined_at) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`, groupId, userId, now); err != nil {
			return fmt.Errorf("postgres: insert membership on accept: %w", err)
		}
		return insertEverMember(ctx, tx, groupId, userId)
	})
}

func (s *Store) RejectInvite(ctx context.Context, inviteId, userId string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE group_invites SET status = 'rejected' WHERE id = $1 AND invitee_id = $2 AND status = 'pending'`,
		inviteId, userId)
	if err != nil {
		return fmt.Errorf("postgres: reject invite: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return adapter.ErrNoSuchInvite
	}
	return nil
}

func (s *Store) PendingInvitesFor(ctx context.Context, userId string) ([]types.GroupInvite, error) {
	var out []types.GroupInvite
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, group_id, invitee_id, inviter_id, created_at, status FROM group_invites
		 WHERE invitee_id = $1 AND status = 'pending' ORDER BY created_at`, userId)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending invites for: %w", err)
	}
	return out, nil
}

// --- Messages ---

func (s *Store) InsertMessage(ctx context.Context, chatId, senderId, blob string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, sender_id, blob, sent_at) VALUES ($1, $2, $3, $4)`,
		chatId, senderId, blob, sentAt)
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, chatId string) ([]types.EncryptedMessage, error) {
	var out []types.EncryptedMessage
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, chat_id, sender_id, blob, sent_at FROM messages
		 WHERE chat_id = $1 ORDER BY sent_at ASC, id ASC`, chatId)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	return out, nil
}

func (s *Store) DeletionMarker(ctx context.Context, userId, chatId string) (*time.Time, error) {
	var deletedAt time.Time
	err := s.db.GetContext(ctx, &deletedAt,
		`SELECT deleted_at FROM deleted_chats WHERE user_id = $1 AND chat_id = $2`, userId, chatId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: deletion marker: %w", err)
	}
	return &deletedAt, nil
}

func (s *Store) MarkChatDeleted(ctx context.Context, userId, chatId string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deleted_chats (user_id, chat_id, deleted_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, chat_id) DO UPDATE SET deleted_at = EXCLUDED.deleted_at`,
		userId, chatId, now)
	if err != nil {
		return fmt.Errorf("postgres: mark chat deleted: %w", err)
	}
	return nil
}

// --- Friendship ---

func (s *Store) SendFriendRequest(ctx context.Context, id, fromId, toId, message string, now time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var alreadyFriends bool
		if err := tx.GetContext(ctx, &alreadyFriends,
			`SELECT EXISTS(SELECT 1 FROM friendships WHERE (user_a = $1 AND user_b = $2) OR (user_a = $2 AND user_b = $1))`,
			fromId, toId); err != nil {
			return fmt.Errorf("postgres: check friendship: %w", err)
		}
		if alreadyFriends {
			return adapter.ErrAlreadyFriends
		}
		var pending bool
		if err := tx.GetContext(ctx, &pending,
			`SELECT EXISTS(SELECT 1 FROM friend_requests WHERE status = 'pending'
			 AND ((from_id = $1 AND to_id = $2) OR (from_id = $2 AND to_id = $1)))`,
			fromId, toId); err != nil {
			return fmt.Errorf("postgres: check pending request: %w", err)
		}
		if pending {
			return adapter.ErrRequestPending
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO friend_requests (id, from_id, to_id, message, status, created_at)
			 VALUES ($1, $2, $3, $4, 'pending', $5)`, id, fromId, toId, message, now)
		if err != nil {
			return fmt.Errorf("postgres: insert friend request: %w", err)
		}
		return nil
	})
}

func (s *Store) AcceptFriendRequest(ctx context.Context, fromId, userId string, now time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE friend_requests SET status = 'accepted'
			 WHERE from_id = $1 AND to_id = $2 AND status = 'pending'`, fromId, userId)
		if err != nil {
			return fmt.Errorf("postgres: accept friend request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("postgres: rows affected: %w", err)
		}
		if n == 0 {
			return adapter.ErrNoSuchRequest
		}
		a, b := fromId, userId
		if b < a {
			a, b = b, a
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO friendships (user_a, user_b, created_at) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`, a, b, now); err != nil {
			return fmt.Errorf("postgres: insert friendship: %w", err)
		}
		return nil
	})
}

func (s *Store) RejectFriendRequest(ctx context.Context, fromId, userId string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE friend_requests SET status = 'rejected'
		 WHERE from_id = $1 AND to_id = $2 AND status = 'pending'`, fromId, userId)
	if err != nil {
		return fmt.Errorf("postgres: reject friend request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return adapter.ErrNoSuchRequest
	}
	return nil
}

func (s *Store) ListFriends(ctx context.Context, userId string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT u.username FROM friendships f
		 JOIN users u ON u.id = CASE WHEN f.user_a = $1 THEN f.user_b ELSE f.user_a END
		 WHERE f.user_a = $1 OR f.user_b = $1 ORDER BY u.username`, userId)
	if err != nil {
		return nil, fmt.Errorf("postgres: list friends: %w", err)
	}
	return out, nil
}

func (s *Store) ReceivedFriendRequests(ctx context.Context, userId string) ([]types.FriendRequest, error) {
	var out []types.FriendRequest
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, from_id, to_id, message, status, created_at FROM friend_requests
		 WHERE to_id = $1 AND status = 'pending' ORDER BY created_at`, userId)
	if err != nil {
		return nil, fmt.Errorf("postgres: received friend requests: %w", err)
	}
	return out, nil
}

func (s *Store) SentFriendRequests(ctx context.Context, userId string) ([]types.FriendRequest, error) {
	var out []types.FriendRequest
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, from_id, to_id, message, status, created_at FROM friend_requests
		 WHERE from_id = $1 AND status = 'pending' ORDER BY created_at`, userId)
	if err != nil {
		return nil, fmt.Errorf("postgres: sent friend requests: %w", err)
	}
	return out, nil
}

