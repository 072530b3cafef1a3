// Package command implements the line-oriented command channel (§4.7):
// request dispatch, the token-gated command set, and presence
// integration (kick-then-register on login/register, silent re-attach on
// validate_session, unregister-one on disconnect).
package command

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/doroteaMonaco/ruggine-server/server/auth"
	"github.com/doroteaMonaco/ruggine-server/server/friends"
	"github.com/doroteaMonaco/ruggine-server/server/groups"
	"github.com/doroteaMonaco/ruggine-server/server/messages"
	"github.com/doroteaMonaco/ruggine-server/server/metrics"
	"github.com/doroteaMonaco/ruggine-server/server/presence"
	"github.com/doroteaMonaco/ruggine-server/server/store/adapter"
	"github.com/doroteaMonaco/ruggine-server/server/store/types"
)

// Server owns the command-channel listener and dispatches every
// recognised line to the relevant subsystem.
type Server struct {
	Auth     *auth.Service
	Groups   *groups.Service
	Messages *messages.Service
	Friends  *friends.Service
	Store    adapter.Adapter
	Presence *presence.Registry
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
}

// NewServer constructs a command Server.
func NewServer(a *auth.Service, g *groups.Service, m *messages.Service, f *friends.Service, store adapter.Adapter, reg *presence.Registry, met *metrics.Metrics, log zerolog.Logger) *Server {
	return &Server{Auth: a, Groups: g, Messages: m, Friends: f, Store: store, Presence: reg, Metrics: met, Log: log.With().Str("component", "command").Logger()}
}

// ListenAndServe accepts plain TCP connections on addr until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

// ListenAndServeTLS accepts TLS-wrapped connections on addr, sharing
// identical framing and dispatch logic with the plain listener.
func (s *Server) ListenAndServeTLS(ctx context.Context, addr, certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("command: loading TLS cert/key: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConnection(ctx, conn)
	}
}

// connState is the per-connection state a handler owns: an optional
// registered user id and the cancel-receiver obtained from presence once
// registered. Every gated command still carries its own token argument
// per the wire format, so connState only drives presence attach/detach,
// never command authorization.
type connState struct {
	userId string
	cancel <-chan struct{}
}

func (s *Server) handleConnection(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()
	peer := netConn.RemoteAddr().String()
	reader := bufio.NewReader(netConn)
	writer := bufio.NewWriter(netConn)
	st := &connState{}

	defer s.cleanup(st, peer)

	lines := make(chan string)
	readErrs := make(chan error, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				readErrs <- err
				return
			}
			lines <- strings.TrimRight(line, "\r\n")
		}
	}()

	for {
		// Cancel always wins over a pending line: a biased select
		// checks it first, non-blockingly, before waiting on both.
		if st.cancel != nil {
			select {
			case <-st.cancel:
				s.Log.Info().Str("peer", peer).Str("user_id", st.userId).Msg("connection kicked")
				return
			default:
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-cancelOrNever(st.cancel):
			s.Log.Info().Str("peer", peer).Str("user_id", st.userId).Msg("connection kicked")
			return
		case err := <-readErrs:
			if !errors.Is(err, net.ErrClosed) {
				s.Log.Debug().Str("peer", peer).Err(err).Msg("connection closed")
			}
			return
		case line := <-lines:
			resp := s.dispatch(ctx, st, line)
			writer.WriteString(resp)
			if !strings.HasSuffix(resp, "\n") {
				writer.WriteString("\n")
			}
			writer.Flush()
		}
	}
}

// cancelOrNever returns ch, or a channel that never fires if ch is nil,
// so the select above works before registration has happened.
func cancelOrNever(ch <-chan struct{}) <-chan struct{} {
	if ch != nil {
		return ch
	}
	return make(chan struct{})
}

func (s *Server) cleanup(st *connState, peer string) {
	if st.userId == "" {
		return
	}
	remaining := s.Presence.UnregisterOneAndCount(st.userId)
	if remaining == 0 {
		if err := s.Store.SetOnline(context.Background(), st.userId, false); err != nil {
			s.Log.Error().Err(err).Str("user_id", st.userId).Msg("set online failed")
		}
	}
}

// dispatch parses and executes one line, returning the full response
// (possibly multiple lines, blank-line terminated for listings). There is
// no handshake step and no check on which command comes first: /register,
// /login, /logout, and /validate_session take their own arguments, and
// every other command is accepted on any line only if its first argument
// is a valid session token.
func (s *Server) dispatch(ctx context.Context, st *connState, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR: empty command"
	}
	cmd := fields[0]
	args := fields[1:]

	resp, err := s.execute(ctx, st, cmd, args, line)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.CommandErrors.WithLabelValues(cmd).Inc()
		}
		return "ERR: " + err.Error()
	}
	return resp
}

// requireToken validates args[0] as a session token and returns the
// owning user id plus the remaining arguments, per the wire format's
// "token denoted T" convention applied to every gated command.
func (s *Server) requireToken(ctx context.Context, args []string) (userId string, rest []string, err error) {
	if len(args) < 1 {
		return "", nil, errors.New("usage: token required")
	}
	userId, err = s.Auth.ValidateSession(ctx, args[0])
	if err != nil {
		return "", nil, errors.New("Invalid or expired session")
	}
	return userId, args[1:], nil
}

func (s *Server) execute(ctx context.Context, st *connState, cmd string, args []string, rawLine string) (string, error) {
	switch cmd {
	case "/register":
		return s.cmdRegister(ctx, st, args)
	case "/login":
		return s.cmdLogin(ctx, st, args)
	case "/logout":
		return s.cmdLogout(ctx, st, args)
	case "/validate_session":
		return s.cmdValidateSession(ctx, st, args)
	case "/online_users":
		return s.cmdOnlineUsers(ctx, args)
	case "/all_users":
		return s.cmdAllUsers(ctx, args)
	case "/create_group":
		return s.cmdCreateGroup(ctx, args)
	case "/my_groups":
		return s.cmdMyGroups(ctx, args)
	case "/group_members":
		return s.cmdGroupMembers(ctx, args)
	case "/invite":
		return s.cmdInvite(ctx, args)
	case "/accept_group_invite":
		return s.cmdAcceptInvite(ctx, args)
	case "/reject_group_invite":
		return s.cmdRejectInvite(ctx, args)
	case "/my_group_invites":
		return s.cmdMyInvites(ctx, args)
	case "/leave_group":
		return s.cmdLeaveGroup(ctx, args)
	case "/send_group_message":
		return s.cmdSendGroupMessage(ctx, args, rawLine)
	case "/send_private_message":
		return s.cmdSendPrivateMessage(ctx, args, rawLine)
	case "/get_group_messages":
		return s.cmdGetGroupMessages(ctx, args)
	case "/get_private_messages":
		return s.cmdGetPrivateMessages(ctx, args)
	case "/delete_group_messages":
		return s.cmdDeleteGroupMessages(ctx, args)
	case "/delete_private_messages":
		return s.cmdDeletePrivateMessages(ctx, args)
	case "/send_friend_request":
		return s.cmdSendFriendRequest(ctx, args)
	case "/accept_friend_request":
		return s.cmdAcceptFriendRequest(ctx, args)
	case "/reject_friend_request":
		return s.cmdRejectFriendRequest(ctx, args)
	case "/list_friends":
		return s.cmdListFriends(ctx, args)
	case "/received_friend_requests":
		return s.cmdReceivedFriendRequests(ctx, args)
	case "/sent_friend_requests":
		return s.cmdSentFriendRequests(ctx, args)
	default:
		return "", fmt.Errorf("unrecognised command %q", cmd)
	}
}

// attach performs the presence choreography shared by register and
// login: kick any prior connection for this user, then register this
// one.
func (s *Server) attach(st *connState, userId string, kickFirst bool) {
	if kickFirst {
		s.Presence.KickAll(userId)
	}
	st.userId = userId
	st.cancel = s.Presence.Register(userId)
}

func (s *Server) cmdRegister(ctx context.Context, st *connState, args []string) (string, error) {
	if len(args) != 2 {
		return "", errors.New("usage: /register user pw")
	}
	token, userId, err := s.Auth.Register(ctx, args[0], args[1])
	if err != nil {
		return "", err
	}
	s.attach(st, userId, true)
	return fmt.Sprintf("OK: Registered as %s SESSION: %s", args[0], token), nil
}

func (s *Server) cmdLogin(ctx context.Context, st *connState, args []string) (string, error) {
	if len(args) != 2 {
		return "", errors.New("usage: /login user pw")
	}
	token, userId, err := s.Auth.Login(ctx, args[0], args[1])
	if err != nil {
		return "", errors.New("Login failed")
	}
	s.attach(st, userId, true)
	return fmt.Sprintf("OK: Logged in as %s SESSION: %s", args[0], token), nil
}

func (s *Server) cmdLogout(ctx context.Context, st *connState, args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /logout T")
	}
	if err := s.Auth.Logout(ctx, args[0]); err != nil {
		return "", err
	}
	s.Presence.KickAll(st.userId)
	st.userId = ""
	st.cancel = nil
	return "OK: Logged out", nil
}

func (s *Server) cmdValidateSession(ctx context.Context, st *connState, args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /validate_session T")
	}
	userId, err := s.Auth.ValidateSession(ctx, args[0])
	if err != nil {
		return "", err
	}
	// Silent re-attachment: register without kicking any prior
	// connection.
	s.attach(st, userId, false)
	user, err := s.Store.UserById(ctx, userId)
	if err != nil {
		return "", err
	}
	return "OK: " + user.Username, nil
}

func (s *Server) cmdOnlineUsers(ctx context.Context, args []string) (string, error) {
	if _, _, err := s.requireToken(ctx, args); err != nil {
		return "", err
	}
	users, err := s.Store.ListOnlineUsers(ctx)
	if err != nil {
		return "", err
	}
	return renderUserList("Online users", users), nil
}

func (s *Server) cmdAllUsers(ctx context.Context, args []string) (string, error) {
	if _, _, err := s.requireToken(ctx, args); err != nil {
		return "", err
	}
	users, err := s.Store.ListAllUsers(ctx)
	if err != nil {
		return "", err
	}
	return renderUserList("All users", users), nil
}

func renderUserList(label string, users []types.User) string {
	var b strings.Builder
	b.WriteString("OK: " + label + ":\n")
	for _, u := range users {
		b.WriteString(u.Username)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (s *Server) cmdCreateGroup(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) < 1 {
		return "", errors.New("usage: /create_group T name [csv-of-usernames]")
	}
	name := rest[0]
	var participants []string
	if len(rest) >= 2 {
		participants = strings.Split(rest[1], ",")
	}
	result, err := s.Groups.CreateGroup(ctx, userId, name, participants)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("OK: Group '%s' created with ID: %s", name, result.GroupId), nil
}

func (s *Server) cmdMyGroups(ctx context.Context, args []string) (string, error) {
	userId, _, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	list, err := s.Groups.MyGroups(ctx, userId)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("OK: My groups:\n")
	for _, g := range list {
		b.WriteString(fmt.Sprintf("%s %s\n", g.Id, g.Name))
	}
	b.WriteString("\n")
	return b.String(), nil
}

func (s *Server) cmdGroupMembers(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) != 1 {
		return "", errors.New("usage: /group_members T gid")
	}
	members, err := s.Groups.Members(ctx, userId, rest[0])
	if err != nil {
		return "", err
	}
	return "OK: Group members: " + strings.Join(members, ", "), nil
}

func (s *Server) cmdInvite(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) != 2 {
		return "", errors.New("usage: /invite T username gid")
	}
	if err := s.Groups.Invite(ctx, userId, rest[1], rest[0]); err != nil {
		return "", err
	}
	return "OK: Invite sent", nil
}

func (s *Server) cmdAcceptInvite(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) != 1 {
		return "", errors.New("usage: /accept_group_invite T invite_id")
	}
	if err := s.Groups.AcceptInvite(ctx, userId, rest[0]); err != nil {
		return "", err
	}
	return "OK: Invite accepted", nil
}

func (s *Server) cmdRejectInvite(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) != 1 {
		return "", errors.New("usage: /reject_group_invite T invite_id")
	}
	if err := s.Groups.RejectInvite(ctx, userId, rest[0]); err != nil {
		return "", err
	}
	return "OK: Invite rejected", nil
}

func (s *Server) cmdMyInvites(ctx context.Context, args []string) (string, error) {
	userId, _, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	invites, err := s.Groups.MyInvites(ctx, userId)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("OK: My invites:\n")
	for _, inv := range invites {
		b.WriteString(fmt.Sprintf("%s group:%s\n", inv.Id, inv.GroupId))
	}
	b.WriteString("\n")
	return b.String(), nil
}

func (s *Server) cmdLeaveGroup(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) != 1 {
		return "", errors.New("usage: /leave_group T gid-or-name")
	}
	if err := s.Groups.Leave(ctx, userId, rest[0]); err != nil {
		return "", err
	}
	return "OK: Left group", nil
}

func (s *Server) cmdSendGroupMessage(ctx context.Context, args []string, rawLine string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) < 2 {
		return "", errors.New("usage: /send_group_message T gid msg...")
	}
	gid := rest[0]
	content := messageBody(rawLine, "/send_group_message")
	if err := s.Messages.SendGroup(ctx, userId, gid, content); err != nil {
		return "", err
	}
	if s.Metrics != nil {
		s.Metrics.MessagesSent.WithLabelValues("group").Inc()
	}
	return "OK: Message sent", nil
}

func (s *Server) cmdSendPrivateMessage(ctx context.Context, args []string, rawLine string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) < 2 {
		return "", errors.New("usage: /send_private_message T username msg...")
	}
	username := rest[0]
	content := messageBody(rawLine, "/send_private_message")
	if err := s.Messages.SendPrivate(ctx, userId, username, content); err != nil {
		return "", err
	}
	if s.Metrics != nil {
		s.Metrics.MessagesSent.WithLabelValues("private").Inc()
	}
	return "OK: Message sent", nil
}

// messageBody recovers the free-text tail of a command line after
// "cmd T target", preserving internal whitespace that strings.Fields
// would otherwise collapse.
func messageBody(rawLine, cmd string) string {
	prefix := cmd + " "
	idx := strings.Index(rawLine, prefix)
	if idx < 0 {
		return ""
	}
	rest := rawLine[idx+len(prefix):]
	// rest is "T target msg..."; drop the token and target fields.
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) < 3 {
		return ""
	}
	return fields[2]
}

func (s *Server) cmdGetGroupMessages(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) != 1 {
		return "", errors.New("usage: /get_group_messages T gid")
	}
	rendered, err := s.Messages.ListGroup(ctx, userId, rest[0])
	if err != nil {
		return "", err
	}
	return renderMessages(rendered), nil
}

func (s *Server) cmdGetPrivateMessages(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) != 1 {
		return "", errors.New("usage: /get_private_messages T username")
	}
	rendered, err := s.Messages.ListPrivate(ctx, userId, rest[0])
	if err != nil {
		return "", err
	}
	return renderMessages(rendered), nil
}

func renderMessages(rendered []messages.Rendered) string {
	var b strings.Builder
	b.WriteString("OK: Messages:\n")
	for _, r := range rendered {
		b.WriteString(messages.Render(r))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (s *Server) cmdDeleteGroupMessages(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) != 1 {
		return "", errors.New("usage: /delete_group_messages T gid")
	}
	if err := s.Messages.DeleteGroup(ctx, userId, rest[0]); err != nil {
		return "", err
	}
	return "OK: Chat deleted", nil
}

func (s *Server) cmdDeletePrivateMessages(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) != 1 {
		return "", errors.New("usage: /delete_private_messages T username")
	}
	if err := s.Messages.DeletePrivate(ctx, userId, rest[0]); err != nil {
		return "", err
	}
	return "OK: Chat deleted", nil
}

func (s *Server) cmdSendFriendRequest(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) < 1 {
		return "", errors.New("usage: /send_friend_request T user [msg]")
	}
	msg := ""
	if len(rest) > 1 {
		msg = strings.Join(rest[1:], " ")
	}
	if err := s.Friends.SendRequest(ctx, userId, rest[0], msg); err != nil {
		return "", err
	}
	return "OK: Friend request sent", nil
}

func (s *Server) cmdAcceptFriendRequest(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) != 1 {
		return "", errors.New("usage: /accept_friend_request T user")
	}
	if err := s.Friends.Accept(ctx, userId, rest[0]); err != nil {
		return "", err
	}
	return "OK: Friend request accepted", nil
}

func (s *Server) cmdRejectFriendRequest(ctx context.Context, args []string) (string, error) {
	userId, rest, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	if len(rest) != 1 {
		return "", errors.New("usage: /reject_friend_request T user")
	}
	if err := s.Friends.Reject(ctx, userId, rest[0]); err != nil {
		return "", err
	}
	return "OK: Friend request rejected", nil
}

func (s *Server) cmdListFriends(ctx context.Context, args []string) (string, error) {
	userId, _, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	list, err := s.Friends.List(ctx, userId)
	if err != nil {
		return "", err
	}
	return "OK: Friends: " + strings.Join(list, ", "), nil
}

func (s *Server) cmdReceivedFriendRequests(ctx context.Context, args []string) (string, error) {
	userId, _, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	reqs, err := s.Friends.Received(ctx, userId)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("OK: Received friend requests:\n")
	for _, r := range reqs {
		b.WriteString(r.FromId)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String(), nil
}

func (s *Server) cmdSentFriendRequests(ctx context.Context, args []string) (string, error) {
	userId, _, err := s.requireToken(ctx, args)
	if err != nil {
		return "", err
	}
	reqs, err := s.Friends.Sent(ctx, userId)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("OK: Sent friend requests:\n")
	for _, r := range reqs {
		b.WriteString(r.ToId)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String(), nil
}
