// Package friends implements the friendship workflow: send/accept/reject
// requests and list friends and pending requests. Listed as external
// commands in the command table even though the spec names the workflow
// out of scope beyond its data-model contract, so it is implemented in
// full here.
package friends

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/doroteaMonaco/ruggine-server/server/store/adapter"
	"github.com/doroteaMonaco/ruggine-server/server/store/types"
)

// Errors surfaced to callers.
var (
	ErrNoSuchUser     = errors.New("no such user")
	ErrAlreadyFriends = errors.New("already friends")
	ErrRequestPending = errors.New("friend request already pending")
	ErrNoSuchRequest  = errors.New("no such friend request")
)

// Service implements the friendship workflow against a storage Adapter.
type Service struct {
	store adapter.Adapter
	log   zerolog.Logger
}

// NewService constructs a friends Service.
func NewService(store adapter.Adapter, log zerolog.Logger) *Service {
	return &Service{store: store, log: log.With().Str("component", "friends").Logger()}
}

// SendRequest fails if a friendship already exists OR a pending request
// already exists between the pair in either direction — the corrected
// precondition mandated over the source's inconsistent one-direction
// check.
func (s *Service) SendRequest(ctx context.Context, fromId, toUsername, message string) error {
	to, err := s.store.UserByUsername(ctx, toUsername)
	if err != nil {
		if errors.Is(err, adapter.ErrUnknownUser) {
			return ErrNoSuchUser
		}
		return err
	}
	id := uuid.NewString()
	if err := s.store.SendFriendRequest(ctx, id, fromId, to.Id, message, time.Now().UTC()); err != nil {
		switch {
		case errors.Is(err, adapter.ErrAlreadyFriends):
			return ErrAlreadyFriends
		case errors.Is(err, adapter.ErrRequestPending):
			return ErrRequestPending
		}
		return err
	}
	return nil
}

// Accept transitions the pending request from fromUsername to caller and
// inserts the Friendship atomically.
func (s *Service) Accept(ctx context.Context, callerId, fromUsername string) error {
	from, err := s.store.UserByUsername(ctx, fromUsername)
	if err != nil {
		if errors.Is(err, adapter.ErrUnknownUser) {
			return ErrNoSuchUser
		}
		return err
	}
	if err := s.store.AcceptFriendRequest(ctx, from.Id, callerId, time.Now().UTC()); err != nil {
		if errors.Is(err, adapter.ErrNoSuchRequest) {
			return ErrNoSuchRequest
		}
		return err
	}
	return nil
}

// Reject transitions the pending request to rejected.
func (s *Service) Reject(ctx context.Context, callerId, fromUsername string) error {
	from, err := s.store.UserByUsername(ctx, fromUsername)
	if err != nil {
		if errors.Is(err, adapter.ErrUnknownUser) {
			return ErrNoSuchUser
		}
		return err
	}
	if err := s.store.RejectFriendRequest(ctx, from.Id, callerId); err != nil {
		if errors.Is(err, adapter.ErrNoSuchRequest) {
			return ErrNoSuchRequest
		}
		return err
	}
	return nil
}

// List returns the usernames of caller's accepted friends.
func (s *Service) List(ctx context.Context, callerId string) ([]string, error) {
	return s.store.ListFriends(ctx, callerId)
}

// Received returns pending requests addressed to caller.
func (s *Service) Received(ctx context.Context, callerId string) ([]types.FriendRequest, error) {
	return s.store.ReceivedFriendRequests(ctx, callerId)
}

// Sent returns pending requests caller has sent.
func (s *Service) Sent(ctx context.Context, callerId string) ([]types.FriendRequest, error) {
	return s.store.SentFriendRequests(ctx, callerId)
}
