package push

import (
	"context"

	"github.com/doroteaMonaco/ruggine-server/server/broker"
)

// ConsumeBroker subscribes to the broker and routes every inbound
// envelope to this instance's local connections until ctx is cancelled.
// Meant to be run in its own goroutine at startup; a nil or not-ready
// Broker makes this a no-op, matching single-instance mode.
func (s *Server) ConsumeBroker(ctx context.Context) {
	if s.Broker == nil || !s.Broker.IsReady() {
		return
	}
	envelopes, err := s.Broker.Subscribe(ctx)
	if err != nil {
		s.Log.Warn().Err(err).Msg("broker subscribe failed; running in single-instance mode")
		return
	}
	for env := range envelopes {
		s.routeInbound(ctx, env)
	}
}

func (s *Server) routeInbound(ctx context.Context, env broker.Envelope) {
	if env.Origin != "" && env.Origin == s.instanceId {
		// This instance's own publish, round-tripped back by the
		// subscription; its local recipients were already reached by
		// direct delivery at the send site.
		return
	}
	frame := NewMessageFrame{
		MessageType: TypeNewMessage,
		ChatType:    env.ChatType,
		FromUser:    env.FromUser,
		ToUser:      env.ToUser,
		GroupId:     env.GroupId,
		Content:     env.Content,
		Timestamp:   env.Timestamp,
	}
	switch env.Class {
	case broker.ClassPrivate:
		// Target is the recipient's user id; deliver only to their local
		// connections.
		s.deliverLocalToUserId(env.Target, frame)
	case broker.ClassGroup:
		memberIds, err := s.Store.Members(ctx, env.Target)
		if err != nil {
			return
		}
		for _, uid := range memberIds {
			s.deliverLocalToUserId(uid, frame)
		}
	case broker.ClassSystem, broker.ClassNotification:
		s.broadcastLocal(frame)
	}
}

// broadcastLocal delivers frame to every locally attached connection,
// used for system and notification classes.
func (s *Server) broadcastLocal(frame NewMessageFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conns := range s.byUser {
		for _, c := range conns {
			s.enqueue(c, frame)
		}
	}
}
