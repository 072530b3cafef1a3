// Package groups implements the group and invitation state machine:
// creation (optionally seeding invites), invite lifecycle, membership
// lifecycle, and members query.
package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/doroteaMonaco/ruggine-server/server/store/adapter"
	"github.com/doroteaMonaco/ruggine-server/server/store/types"
)

// Errors surfaced to callers; each maps to one of §7's taxonomic kinds.
var (
	ErrNoSuchGroup   = errors.New("no such group")
	ErrNoSuchUser    = errors.New("no such user")
	ErrNotMember     = errors.New("not a member")
	ErrAlreadyMember = errors.New("already a member")
	ErrInvitePending = errors.New("invite already pending")
	ErrNoSuchInvite  = errors.New("no such invite")
)

// Service implements the group & invite operations of the component
// design against a storage Adapter.
type Service struct {
	store adapter.Adapter
	log   zerolog.Logger
}

// NewService constructs a groups Service.
func NewService(store adapter.Adapter, log zerolog.Logger) *Service {
	return &Service{store: store, log: log.With().Str("component", "groups").Logger()}
}

// CreateGroupResult is the outcome of CreateGroup: the minted group id,
// plus which named participants were skipped (creator itself, or unknown
// usernames) for the caller to report if it wants to.
type CreateGroupResult struct {
	GroupId string
	Skipped []string
}

// CreateGroup inserts a group, the creator's membership, and a pending
// invite for each named participant that is not the creator and does
// exist. The group row and the creator's membership are written in one
// storage transaction; each seed invite is a separate write made after
// it, so the invites are not part of that transaction.
func (s *Service) CreateGroup(ctx context.Context, creatorId, name string, participantUsernames []string) (*CreateGroupResult, error) {
	groupId := uuid.NewString()
	now := time.Now().UTC()
	if err := s.store.CreateGroup(ctx, groupId, name, creatorId, now); err != nil {
		return nil, err
	}

	result := &CreateGroupResult{GroupId: groupId}
	for _, uname := range participantUsernames {
		uname = strings.TrimSpace(uname)
		if uname == "" {
			continue
		}
		user, err := s.store.UserByUsername(ctx, uname)
		if err != nil {
			if errors.Is(err, adapter.ErrUnknownUser) {
				result.Skipped = append(result.Skipped, uname)
				continue
			}
			return nil, err
		}
		if user.Id == creatorId {
			continue
		}
		inviteId := uuid.NewString()
		if err := s.store.CreateInvite(ctx, inviteId, groupId, user.Id, creatorId, now); err != nil {
			// An already-pending invite or pre-existing membership for a
			// freshly created group is impossible, but treat it as
			// non-fatal to the overall creation either way.
			s.log.Warn().Err(err).Str("username", uname).Msg("skipping seed invite")
			result.Skipped = append(result.Skipped, uname)
			continue
		}
	}
	return result, nil
}

// Invite offers membership in group to username, requiring caller to
// already be a member.
func (s *Service) Invite(ctx context.Context, callerId, groupId, inviteeUsername string) error {
	isMember, err := s.store.IsMember(ctx, callerId, groupId)
	if err != nil {
		return err
	}
	if !isMember {
		return ErrNotMember
	}
	invitee, err := s.store.UserByUsername(ctx, inviteeUsername)
	if err != nil {
		if errors.Is(err, adapter.ErrUnknownUser) {
			return ErrNoSuchUser
		}
		return err
	}
	inviteId := uuid.NewString()
	if err := s.store.CreateInvite(ctx, inviteId, groupId, invitee.Id, callerId, time.Now().UTC()); err != nil {
		switch {
		case errors.Is(err, adapter.ErrAlreadyMember):
			return ErrAlreadyMember
		case errors.Is(err, adapter.ErrInvitePending):
			return ErrInvitePending
		}
		return err
	}
	return nil
}

// AcceptInvite transitions a pending invite to accepted and inserts the
// membership atomically.
func (s *Service) AcceptInvite(ctx context.Context, callerId, inviteId string) error {
	if err := s.store.AcceptInvite(ctx, inviteId, callerId, time.Now().UTC()); err != nil {
		if errors.Is(err, adapter.ErrNoSuchInvite) {
			return ErrNoSuchInvite
		}
		return err
	}
	return nil
}

// RejectInvite transitions a pending invite to rejected.
func (s *Service) RejectInvite(ctx context.Context, callerId, inviteId string) error {
	if err := s.store.RejectInvite(ctx, inviteId, callerId); err != nil {
		if errors.Is(err, adapter.ErrNoSuchInvite) {
			return ErrNoSuchInvite
		}
		return err
	}
	return nil
}

// MyInvites returns every pending invite addressed to caller, deduplicated
// by group (mirrors the source's HashSet-based dedup).
func (s *Service) MyInvites(ctx context.Context, callerId string) ([]types.GroupInvite, error) {
	invites, err := s.store.PendingInvitesFor(ctx, callerId)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(invites))
	out := invites[:0]
	for _, inv := range invites {
		if seen[inv.GroupId] {
			continue
		}
		seen[inv.GroupId] = true
		out = append(out, inv)
	}
	return out, nil
}

// Members returns the current member usernames of a group, requiring
// caller to be a member.
func (s *Service) Members(ctx context.Context, callerId, groupId string) ([]string, error) {
	isMember, err := s.store.IsMember(ctx, callerId, groupId)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotMember
	}
	return s.store.MemberUsernames(ctx, groupId)
}

// MyGroups returns the groups caller currently belongs to.
func (s *Service) MyGroups(ctx context.Context, callerId string) ([]types.Group, error) {
	return s.store.MyGroups(ctx, callerId)
}

// Leave removes callerId's membership from the group named or identified
// by ref. Resolution order: ref as a group id directly; then ref as a
// name among callerId's own current memberships; then ref as a name
// globally. This mirrors the fallback the client relies on when it only
// has a human-readable name to hand.
func (s *Service) Leave(ctx context.Context, callerId, ref string) error {
	groupId, err := s.resolveGroupRef(ctx, callerId, ref)
	if err != nil {
		return err
	}
	isMember, err := s.store.IsMember(ctx, callerId, groupId)
	if err != nil {
		return err
	}
	if !isMember {
		return ErrNotMember
	}
	return s.store.Leave(ctx, callerId, groupId)
}

func (s *Service) resolveGroupRef(ctx context.Context, callerId, ref string) (string, error) {
	if err := s.store.GroupExists(ctx, ref); err == nil {
		return ref, nil
	}

	myGroups, err := s.store.MyGroups(ctx, callerId)
	if err != nil {
		return "", err
	}
	for _, g := range myGroups {
		if g.Name == ref {
			return g.Id, nil
		}
	}

	g, err := s.store.GroupByName(ctx, ref)
	if err != nil {
		if errors.Is(err, adapter.ErrNoSuchGroup) {
			return "", ErrNoSuchGroup
		}
		return "", err
	}
	return g.Id, nil
}

// GroupIdOrError reports whether gid names an existing group, returning
// ErrNoSuchGroup wrapped with the id if it does not. Unlike Leave, it
// accepts only a bare group id, not a name.
func (s *Service) GroupIdOrError(ctx context.Context, gid string) error {
	if err := s.store.GroupExists(ctx, gid); err != nil {
		if errors.Is(err, adapter.ErrNoSuchGroup) {
			return fmt.Errorf("%w: %s", ErrNoSuchGroup, gid)
		}
		return err
	}
	return nil
}
