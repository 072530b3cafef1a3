package push

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/doroteaMonaco/ruggine-server/server/auth"
	"github.com/doroteaMonaco/ruggine-server/server/messages"
	"github.com/doroteaMonaco/ruggine-server/server/presence"
	"github.com/doroteaMonaco/ruggine-server/server/store/memstore"
)

func dialTestServer(t *testing.T, srv *Server) (*websocket.Conn, func()) {
	t.Helper()
	ts := httptest.NewServer(srv)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() { conn.Close(); ts.Close() }
}

func newTestServer(t *testing.T) (*Server, func(username, password string) string) {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.Open(ctx, ""))

	authSvc := auth.NewService(store, zerolog.Nop(), time.Hour)
	msgSvc := messages.NewService(store, zerolog.Nop(), nil, false, 4096)
	reg := presence.NewRegistry()

	srv := NewServer(authSvc, msgSvc, store, reg, nil, zerolog.Nop())

	register := func(username, password string) string {
		token, _, err := authSvc.Register(ctx, username, password)
		require.NoError(t, err)
		return token
	}
	return srv, register
}

func TestAuthHandshakeSuccess(t *testing.T) {
	srv, register := newTestServer(t)
	token := register("alice", "pw")

	conn, closeFn := dialTestServer(t, srv)
	defer closeFn()

	frame := AuthFrame{MessageType: TypeAuth, SessionToken: token}
	payload, _ := json.Marshal(frame)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp AuthResponseFrame
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.UserId)
}

func TestAuthHandshakeFailureClosesConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, closeFn := dialTestServer(t, srv)
	defer closeFn()

	frame := AuthFrame{MessageType: TypeAuth, SessionToken: "bogus"}
	payload, _ := json.Marshal(frame)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp AuthResponseFrame
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.False(t, resp.Success)

	// Connection should close after auth failure.
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestPrivateSendDeliversToRecipient(t *testing.T) {
	srv, register := newTestServer(t)
	tokenAlice := register("alice", "pw")
	tokenBob := register("bob", "pw")

	connAlice, closeAlice := dialTestServer(t, srv)
	defer closeAlice()
	connBob, closeBob := dialTestServer(t, srv)
	defer closeBob()

	authenticate := func(conn *websocket.Conn, token string) {
		f := AuthFrame{MessageType: TypeAuth, SessionToken: token}
		payload, _ := json.Marshal(f)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var resp AuthResponseFrame
		require.NoError(t, json.Unmarshal(raw, &resp))
		require.True(t, resp.Success)
	}
	authenticate(connAlice, tokenAlice)
	authenticate(connBob, tokenBob)

	send := SendMessageFrame{
		MessageType: TypeSendMessage, ChatType: "private",
		ToUser: "bob", Content: "hi bob", SessionToken: tokenAlice,
	}
	payload, _ := json.Marshal(send)
	require.NoError(t, connAlice.WriteMessage(websocket.TextMessage, payload))

	connBob.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := connBob.ReadMessage()
	require.NoError(t, err)
	var got NewMessageFrame
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "hi bob", got.Content)
	require.Equal(t, "alice", got.FromUser)
}
