package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/doroteaMonaco/ruggine-server/server/auth"
	"github.com/doroteaMonaco/ruggine-server/server/broker"
	"github.com/doroteaMonaco/ruggine-server/server/messages"
	"github.com/doroteaMonaco/ruggine-server/server/presence"
	"github.com/doroteaMonaco/ruggine-server/server/store/adapter"
)

// authTimeout is the 30-second deadline on the auth handshake's first
// frame.
const authTimeout = 30 * time.Second

// outboundQueueSize bounds each connection's outbound buffer; on overflow
// the connection is dropped rather than blocking the producer, per the
// backpressure guidance in the concurrency model.
const outboundQueueSize = 256

// Server owns the push-channel listener: upgrading connections, running
// the auth handshake, persisting sent messages through Messages, and
// fanning out new_message frames to local and (via Broker) remote
// recipients.
type Server struct {
	Auth      *auth.Service
	Messages  *messages.Service
	Store     adapter.Adapter
	Presence  *presence.Registry
	Broker    broker.Handler
	Log       zerolog.Logger

	// instanceId tags every Envelope this instance publishes, so
	// ConsumeBroker can recognise and drop its own publishes on
	// round-trip instead of double-delivering to locally attached
	// connections already reached directly.
	instanceId string

	upgrader websocket.Upgrader

	mu        sync.Mutex
	byUser    map[string][]*conn
}

// conn is one authenticated push connection.
type conn struct {
	ws       *websocket.Conn
	userId   string
	username string
	out      chan []byte
	cancel   <-chan struct{}
}

// NewServer constructs a push Server. Mount it as an http.Handler:
// ServeHTTP upgrades each request and runs that connection's lifecycle,
// and net/http already serves every request on its own goroutine.
func NewServer(a *auth.Service, m *messages.Service, store adapter.Adapter, reg *presence.Registry, b broker.Handler, log zerolog.Logger) *Server {
	return &Server{
		Auth:       a,
		Messages:   m,
		Store:      store,
		Presence:   reg,
		Broker:     b,
		Log:        log.With().Str("component", "push").Logger(),
		instanceId: uuid.NewString(),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		byUser:     make(map[string][]*conn),
	}
}

// ServeHTTP upgrades the request and runs the connection's lifecycle to
// completion. It never returns an error to the caller; failures close the
// socket and are logged.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.handleConnection(r.Context(), ws)
}

func (s *Server) handleConnection(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	c, err := s.authenticate(ctx, ws)
	if err != nil {
		s.Log.Info().Err(err).Msg("push auth failed, closing connection")
		return
	}
	defer s.detach(c)

	go s.sendLoop(c)
	s.receiveLoop(ctx, c)
}

// authenticate enforces the 30s deadline on the first frame, validates
// the session, registers presence, and replies with auth_response.
func (s *Server) authenticate(ctx context.Context, ws *websocket.Conn) (*conn, error) {
	ws.SetReadDeadline(time.Now().Add(authTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var frame AuthFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.MessageType != TypeAuth {
		s.writeAuthResponse(ws, false, "", "expected auth frame")
		return nil, errors.New("push: malformed auth frame")
	}

	userId, err := s.Auth.ValidateSession(ctx, frame.SessionToken)
	if err != nil {
		s.writeAuthResponse(ws, false, "", "invalid or expired session")
		return nil, err
	}
	user, err := s.Store.UserById(ctx, userId)
	if err != nil {
		s.writeAuthResponse(ws, false, "", "internal error")
		return nil, err
	}

	ws.SetReadDeadline(time.Time{})
	s.writeAuthResponse(ws, true, userId, "")

	cancel := s.Presence.Register(userId)
	if err := s.Store.SetOnline(ctx, userId, true); err != nil {
		s.Log.Error().Err(err).Str("user_id", userId).Msg("set online failed")
	}

	c := &conn{ws: ws, userId: userId, username: user.Username, out: make(chan []byte, outboundQueueSize), cancel: cancel}
	s.mu.Lock()
	s.byUser[userId] = append(s.byUser[userId], c)
	s.mu.Unlock()
	return c, nil
}

func (s *Server) writeAuthResponse(ws *websocket.Conn, success bool, userId, errMsg string) {
	resp := AuthResponseFrame{MessageType: TypeAuthResponse, Success: success, UserId: userId, Error: errMsg}
	payload, _ := json.Marshal(resp)
	ws.WriteMessage(websocket.TextMessage, payload)
}

// sendLoop drains c.out to the socket until it closes or the cancel
// signal fires (a kick from a newer login).
func (s *Server) sendLoop(c *conn) {
	for {
		select {
		case <-c.cancel:
			c.ws.Close()
			return
		case payload, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// receiveLoop reads client frames until the socket closes or the cancel
// signal fires; cancel always wins over a pending read (biased select,
// mirrored here by checking cancel non-blockingly before each blocking
// read returns).
func (s *Server) receiveLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-c.cancel:
			return
		default:
		}

		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		select {
		case <-c.cancel:
			return
		default:
		}

		s.handleFrame(ctx, c, raw)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *conn, raw []byte) {
	var generic struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		s.sendError(c, "malformed frame")
		return
	}
	if generic.MessageType != TypeSendMessage {
		s.sendError(c, "unexpected frame type")
		return
	}

	var frame SendMessageFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.sendError(c, "malformed send_message frame")
		return
	}

	switch frame.ChatType {
	case "private":
		s.handlePrivateSend(ctx, c, frame)
	case "group":
		s.handleGroupSend(ctx, c, frame)
	default:
		s.sendError(c, "chat_type must be private or group")
	}
}

func (s *Server) handlePrivateSend(ctx context.Context, c *conn, frame SendMessageFrame) {
	if err := s.Messages.SendPrivate(ctx, c.userId, frame.ToUser, frame.Content); err != nil {
		s.sendError(c, err.Error())
		return
	}
	out := NewMessageFrame{
		MessageType: TypeNewMessage, ChatType: "private",
		FromUser: c.username, ToUser: frame.ToUser, Content: frame.Content,
		Timestamp: time.Now().Unix(),
	}
	s.deliverLocalToUsername(frame.ToUser, out)
	s.deliverLocalToUsername(c.username, out) // echo to every sender connection, this one included
	if s.Broker != nil && s.Broker.IsReady() {
		recipient, err := s.Store.UserByUsername(ctx, frame.ToUser)
		if err == nil {
			s.Broker.Publish(ctx, broker.Envelope{
				Class: broker.ClassPrivate, Target: recipient.Id, ChatType: "private",
				FromUser: c.username, ToUser: frame.ToUser, Content: frame.Content,
				Timestamp: out.Timestamp, Origin: s.instanceId,
			})
		}
	}
}

func (s *Server) handleGroupSend(ctx context.Context, c *conn, frame SendMessageFrame) {
	if err := s.Messages.SendGroup(ctx, c.userId, frame.GroupId, frame.Content); err != nil {
		s.sendError(c, err.Error())
		return
	}
	out := NewMessageFrame{
		MessageType: TypeNewMessage, ChatType: "group",
		FromUser: c.username, GroupId: frame.GroupId, Content: frame.Content,
		Timestamp: time.Now().Unix(),
	}
	// Recipients are the union of the sender (echo) and every current
	// member attached locally.
	memberIds, err := s.Store.Members(ctx, frame.GroupId)
	if err == nil {
		for _, uid := range memberIds {
			s.deliverLocalToUserId(uid, out)
		}
	}
	if s.Broker != nil && s.Broker.IsReady() {
		s.Broker.Publish(ctx, broker.Envelope{
			Class: broker.ClassGroup, Target: frame.GroupId, ChatType: "group",
			FromUser: c.username, GroupId: frame.GroupId, Content: frame.Content,
			Timestamp: out.Timestamp, Origin: s.instanceId,
		})
	}
}

func (s *Server) sendError(c *conn, msg string) {
	frame := ErrorFrame{MessageType: TypeError, Error: msg}
	payload, _ := json.Marshal(frame)
	select {
	case c.out <- payload:
	default:
		// Outbound queue is full; drop the slowest consumer per the
		// backpressure policy rather than block the receive loop.
		c.ws.Close()
	}
}

// deliverLocalToUsername resolves a username to its local connections and
// enqueues frame on each.
func (s *Server) deliverLocalToUsername(username string, frame NewMessageFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conns := range s.byUser {
		for _, c := range conns {
			if c.username == username {
				s.enqueue(c, frame)
			}
		}
	}
}

func (s *Server) deliverLocalToUserId(userId string, frame NewMessageFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.byUser[userId] {
		s.enqueue(c, frame)
	}
}

func (s *Server) enqueue(c *conn, frame NewMessageFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.out <- payload:
	default:
		c.ws.Close()
	}
}

// detach removes c from the local connection set and, if the user has no
// remaining local push or command connections, clears the online flag.
// Count is sampled under the presence registry's own lock section so a
// concurrent attach can't race a stale false over a fresh true.
func (s *Server) detach(c *conn) {
	s.mu.Lock()
	conns := s.byUser[c.userId]
	for i, other := range conns {
		if other == c {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(s.byUser, c.userId)
	} else {
		s.byUser[c.userId] = conns
	}
	s.mu.Unlock()

	remaining := s.Presence.UnregisterOneAndCount(c.userId)
	if remaining == 0 {
		if err := s.Store.SetOnline(context.Background(), c.userId, false); err != nil {
			s.Log.Error().Err(err).Str("user_id", c.userId).Msg("set online failed")
		}
	}
}
