// Package memstore is an in-memory implementation of adapter.Adapter used
// by unit tests that exercise session, group, message, and friendship
// logic without a real Postgres instance. It is not meant for production
// use: there is no persistence across restarts and every operation holds
// a single coarse mutex.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/doroteaMonaco/ruggine-server/server/store/adapter"
	"github.com/doroteaMonaco/ruggine-server/server/store/types"
)

// Store is a coarse-grained, mutex-guarded in-memory Adapter.
type Store struct {
	mu sync.Mutex

	open bool

	usersById       map[string]*types.User
	usersByUsername map[string]string // username -> id
	credentials     map[string]*types.Credential

	sessions      map[string]*types.Session // token -> session
	sessionEvents []types.SessionEvent

	groups          map[string]*types.Group
	memberships     map[string]map[string]time.Time // groupId -> userId -> joinedAt (current)
	everMembers     map[string]map[string]bool       // groupId -> userId -> true (ever)
	invites         map[string]*types.GroupInvite

	messages        []types.EncryptedMessage
	deletionMarkers map[string]map[string]time.Time // userId -> chatId -> deletedAt

	friendRequests map[string]*types.FriendRequest
	friendships    []types.Friendship
}

// New returns a ready-to-use Store. Open still must be called to mark it
// open, mirroring a real adapter's lifecycle.
func New() *Store {
	return &Store{
		usersById:       make(map[string]*types.User),
		usersByUsername: make(map[string]string),
		credentials:     make(map[string]*types.Credential),
		sessions:        make(map[string]*types.Session),
		groups:          make(map[string]*types.Group),
		memberships:     make(map[string]map[string]time.Time),
		everMembers:     make(map[string]map[string]bool),
		invites:         make(map[string]*types.GroupInvite),
		deletionMarkers: make(map[string]map[string]time.Time),
		friendRequests:  make(map[string]*types.FriendRequest),
	}
}

func (s *Store) Open(ctx context.Context, dsn string) error { s.open = true; return nil }
func (s *Store) Close() error                                { s.open = false; return nil }
func (s *Store) IsOpen() bool                                { return s.open }

// --- Users & credentials ---

func (s *Store) CreateUser(ctx context.Context, id, username, pwHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return adapter.ErrUsernameTaken
	}
	s.usersById[id] = &types.User{Id: id, Username: username, CreatedAt: now, Online: true}
	s.usersByUsername[username] = id
	s.credentials[id] = &types.Credential{UserId: id, PwHash: pwHash}
	return nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usersByUsername[username]
	if !ok {
		return nil, adapter.ErrUnknownUser
	}
	u := *s.usersById[id]
	return &u, nil
}

func (s *Store) UserById(ctx context.Context, id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersById[id]
	if !ok {
		return nil, adapter.ErrUnknownUser
	}
	cp := *u
	return &cp, nil
}

func (s *Store) CredentialByUser(ctx context.Context, userId string) (*types.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[userId]
	if !ok {
		return nil, adapter.ErrUnknownUser
	}
	cp := *c
	return &cp, nil
}

func (s *Store) SetOnline(ctx context.Context, userId string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usersById[userId]; ok {
		u.Online = online
	}
	return nil
}

func (s *Store) ListOnlineUsers(ctx context.Context) ([]types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.User
	for _, u := range s.usersById {
		if u.Online {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) ListAllUsers(ctx context.Context) ([]types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.User
	for _, u := range s.usersById {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// --- Sessions ---

func (s *Store) ReplaceSession(ctx context.Context, userId, token string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, sess := range s.sessions {
		if sess.UserId == userId {
			delete(s.sessions, t)
		}
	}
	s.sessions[token] = &types.Session{Token: token, UserId: userId, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	return nil
}

func (s *Store) CompleteLogin(ctx context.Context, userId, token string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, sess := range s.sessions {
		if sess.UserId == userId {
			delete(s.sessions, t)
		}
	}
	s.sessions[token] = &types.Session{Token: token, UserId: userId, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	if u, ok := s.usersById[userId]; ok {
		u.Online = true
	}
	s.sessionEvents = append(s.sessionEvents, types.SessionEvent{
		Id: int64(len(s.sessionEvents) + 1), UserId: userId, Kind: types.EventLoginSuccess, At: now,
	})
	return nil
}

func (s *Store) SessionUser(ctx context.Context, token string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok || !sess.ExpiresAt.After(now) {
		return "", adapter.ErrNoSuchSession
	}
	if u, ok := s.usersById[sess.UserId]; ok {
		u.Online = true
	}
	return sess.UserId, nil
}

func (s *Store) DeleteSessions(ctx context.Context, userId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, sess := range s.sessions {
		if sess.UserId == userId {
			delete(s.sessions, t)
		}
	}
	return nil
}

func (s *Store) CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for t, sess := range s.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(s.sessions, t)
			n++
		}
	}
	return n, nil
}

func (s *Store) AppendSessionEvent(ctx context.Context, userId string, kind types.SessionEventKind, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionEvents = append(s.sessionEvents, types.SessionEvent{
		Id: int64(len(s.sessionEvents) + 1), UserId: userId, Kind: kind, At: at,
	})
	return nil
}

// --- Groups & invites ---

func (s *Store) CreateGroup(ctx context.Context, id, name, creatorId string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[id] = &types.Group{Id: id, Name: name, CreatorId: creatorId, CreatedAt: now}
	s.addMembershipLocked(id, creatorId, now)
	return nil
}

func (s *Store) addMembershipLocked(groupId, userId string, joinedAt time.Time) {
	if s.memberships[groupId] == nil {
		s.memberships[groupId] = make(map[string]time.Time)
	}
	s.memberships[groupId][userId] = joinedAt
	if s.everMembers[groupId] == nil {
		s.everMembers[groupId] = make(map[string]bool)
	}
	s.everMembers[groupId][userId] = true
}

func (s *Store) GroupExists(ctx context.Context, groupId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupId]; !ok {
		return adapter.ErrNoSuchGroup
	}
	return nil
}

func (s *Store) GroupByName(ctx context.Context, name string) (*types.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *types.Group
	for _, g := range s.groups {
		if g.Name == name {
			if best == nil || g.CreatedAt.Before(best.CreatedAt) {
				best = g
			}
		}
	}
	if best == nil {
		return nil, adapter.ErrNoSuchGroup
	}
	cp := *best
	return &cp, nil
}

func (s *Store) IsMember(ctx context.Context, userId, groupId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.memberships[groupId][userId]
	return ok, nil
}

func (s *Store) Members(ctx context.Context, groupId string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for uid := range s.memberships[groupId] {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) MemberUsernames(ctx context.Context, groupId string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for uid := range s.memberships[groupId] {
		if u, ok := s.usersById[uid]; ok {
			out = append(out, u.Username)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) EverMembers(ctx context.Context, groupId string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for uid := range s.everMembers[groupId] {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Leave(ctx context.Context, userId, groupId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships[groupId], userId)
	return nil
}

func (s *Store) MyGroups(ctx context.Context, userId string) ([]types.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Group
	for gid, members := range s.memberships {
		if _, ok := members[userId]; ok {
			if g, ok := s.groups[gid]; ok {
				out = append(out, *g)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateInvite(ctx context.Context, id, groupId, inviteeId, inviterId string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[groupId][inviteeId]; ok {
		return adapter.ErrAlreadyMember
	}
	for _, inv := range s.invites {
		if inv.GroupId == groupId && inv.InviteeId == inviteeId && inv.Status == types.InvitePending {
			return adapter.ErrInvitePending
		}
	}
	s.invites[id] = &types.GroupInvite{
		Id: id, GroupId: groupId, InviteeId: inviteeId, InviterId: inviterId,
		CreatedAt: now, Status: types.InvitePending,
	}
	return nil
}

func (s *Store) AcceptInvite(ctx context.Context, inviteId, userId string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[inviteId]
	if !ok || inv.Status != types.InvitePending || inv.InviteeId != userId {
		return adapter.ErrNoSuchInvite
	}
	inv.Status = types.InviteAccepted
	s.addMembershipLocked(inv.GroupId, userId, now)
	return nil
}

func (s *Store) RejectInvite(ctx context.Context, inviteId, userId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[inviteId]
	if !ok || inv.Status != types.InvitePending || inv.InviteeId != userId {
		return adapter.ErrNoSuchInvite
	}
	inv.Status = types.InviteRejected
	return nil
}

func (s *Store) PendingInvitesFor(ctx context.Context, userId string) ([]types.GroupInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.GroupInvite
	for _, inv := range s.invites {
		if inv.InviteeId == userId && inv.Status == types.InvitePending {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Messages ---

func (s *Store) InsertMessage(ctx context.Context, chatId, senderId, blob string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, types.EncryptedMessage{
		Id: int64(len(s.messages) + 1), ChatId: chatId, SenderId: senderId, Blob: blob, SentAt: sentAt,
	})
	return nil
}

func (s *Store) ListMessages(ctx context.Context, chatId string) ([]types.EncryptedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.EncryptedMessage
	for _, m := range s.messages {
		if m.ChatId == chatId {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].Id < out[j].Id
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out, nil
}

func (s *Store) DeletionMarker(ctx context.Context, userId, chatId string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byChat, ok := s.deletionMarkers[userId]; ok {
		if t, ok := byChat[chatId]; ok {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) MarkChatDeleted(ctx context.Context, userId, chatId string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deletionMarkers[userId] == nil {
		s.deletionMarkers[userId] = make(map[string]time.Time)
	}
	s.deletionMarkers[userId][chatId] = now
	return nil
}

// --- Friendship ---

func (s *Store) SendFriendRequest(ctx context.Context, id, fromId, toId, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.friendshipExistsLocked(fromId, toId) {
		return adapter.ErrAlreadyFriends
	}
	for _, r := range s.friendRequests {
		if r.Status == types.FriendRequestPending &&
			((r.FromId == fromId && r.ToId == toId) || (r.FromId == toId && r.ToId == fromId)) {
			return adapter.ErrRequestPending
		}
	}
	s.friendRequests[id] = &types.FriendRequest{
		Id: id, FromId: fromId, ToId: toId, Message: message,
		Status: types.FriendRequestPending, CreatedAt: now,
	}
	return nil
}

func (s *Store) friendshipExistsLocked(a, b string) bool {
	for _, f := range s.friendships {
		if (f.UserA == a && f.UserB == b) || (f.UserA == b && f.UserB == a) {
			return true
		}
	}
	return false
}

func (s *Store) AcceptFriendRequest(ctx context.Context, fromId, userId string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var req *types.FriendRequest
	for _, r := range s.friendRequests {
		if r.FromId == fromId && r.ToId == userId && r.Status == types.FriendRequestPending {
			req = r
			break
		}
	}
	if req == nil {
		return adapter.ErrNoSuchRequest
	}
	req.Status = types.FriendRequestAccepted
	a, b := fromId, userId
	if b < a {
		a, b = b, a
	}
	s.friendships = append(s.friendships, types.Friendship{UserA: a, UserB: b, CreatedAt: now})
	return nil
}

func (s *Store) RejectFriendRequest(ctx context.Context, fromId, userId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var req *types.FriendRequest
	for _, r := range s.friendRequests {
		if r.FromId == fromId && r.ToId == userId && r.Status == types.FriendRequestPending {
			req = r
			break
		}
	}
	if req == nil {
		return adapter.ErrNoSuchRequest
	}
	req.Status = types.FriendRequestRejected
	return nil
}

func (s *Store) ReceivedFriendRequests(ctx context.Context, userId string) ([]types.FriendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.FriendRequest
	for _, r := range s.friendRequests {
		if r.ToId == userId && r.Status == types.FriendRequestPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SentFriendRequests(ctx context.Context, userId string) ([]types.FriendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.FriendRequest
	for _, r := range s.friendRequests {
		if r.FromId == userId && r.Status == types.FriendRequestPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListFriends(ctx context.Context, userId string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.friendships {
		var otherId string
		switch userId {
		case f.UserA:
			otherId = f.UserB
		case f.UserB:
			otherId = f.UserA
		default:
			continue
		}
		if u, ok := s.usersById[otherId]; ok {
			out = append(out, u.Username)
		}
	}
	sort.Strings(out)
	return out, nil
}
