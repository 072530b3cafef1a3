package command

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/doroteaMonaco/ruggine-server/server/auth"
	"github.com/doroteaMonaco/ruggine-server/server/friends"
	"github.com/doroteaMonaco/ruggine-server/server/groups"
	"github.com/doroteaMonaco/ruggine-server/server/messages"
	"github.com/doroteaMonaco/ruggine-server/server/presence"
	"github.com/doroteaMonaco/ruggine-server/server/store/memstore"
)

func newTestCommandServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.Open(ctx, ""))

	authSvc := auth.NewService(store, zerolog.Nop(), time.Hour)
	groupSvc := groups.NewService(store, zerolog.Nop())
	msgSvc := messages.NewService(store, zerolog.Nop(), nil, false, 4096)
	friendSvc := friends.NewService(store, zerolog.Nop())
	reg := presence.NewRegistry()

	return NewServer(authSvc, groupSvc, msgSvc, friendSvc, store, reg, nil, zerolog.Nop())
}

// pipeConn runs the server's connection handler against one side of an
// in-memory net.Pipe, returning a line-based client for the other side.
func pipeConn(t *testing.T, srv *Server) (send func(string) string, closeFn func()) {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.handleConnection(ctx, server)
		close(done)
	}()
	reader := bufio.NewReader(client)
	send = func(line string) string {
		_, err := client.Write([]byte(line + "\n"))
		require.NoError(t, err)
		resp, err := reader.ReadString('\n')
		require.NoError(t, err)
		// Listing responses continue past the first line and end with a
		// blank line; the server writes the whole response at once, so the
		// rest of it is already buffered.
		for reader.Buffered() > 0 {
			more, err := reader.ReadString('\n')
			require.NoError(t, err)
			resp += more
		}
		return strings.TrimRight(resp, "\r\n")
	}
	closeFn = func() {
		cancel()
		client.Close()
		<-done
	}
	return send, closeFn
}

func TestRegisterThenTokenGatedCommand(t *testing.T) {
	srv := newTestCommandServer(t)
	send, closeFn := pipeConn(t, srv)
	defer closeFn()

	resp := send("/register alice pw")
	require.Contains(t, resp, "OK: Registered as alice SESSION:")
	token := strings.TrimSpace(strings.Split(resp, "SESSION:")[1])

	resp = send("/my_groups " + token)
	require.Contains(t, resp, "OK: My groups:")
}

func TestTokenGatedCommandRejectsBadToken(t *testing.T) {
	srv := newTestCommandServer(t)
	send, closeFn := pipeConn(t, srv)
	defer closeFn()

	resp := send("/my_groups bogus-token")
	require.Contains(t, resp, "ERR:")
}

func TestCreateGroupAndSendMessage(t *testing.T) {
	srv := newTestCommandServer(t)
	send, closeFn := pipeConn(t, srv)
	defer closeFn()

	resp := send("/register alice pw")
	token := strings.TrimSpace(strings.Split(resp, "SESSION:")[1])

	resp = send("/create_group " + token + " book-club")
	require.Contains(t, resp, "OK: Group 'book-club' created with ID:")
	gid := strings.TrimSpace(strings.Split(resp, "ID:")[1])

	resp = send("/send_group_message " + token + " " + gid + " hello there")
	require.Equal(t, "OK: Message sent", resp)

	resp = send("/get_group_messages " + token + " " + gid)
	require.Contains(t, resp, "hello there")
}

func TestLoginFromSecondConnectionAfterRegister(t *testing.T) {
	srv := newTestCommandServer(t)
	sendA, closeA := pipeConn(t, srv)
	defer closeA()

	resp := sendA("/register alice pw")
	require.Contains(t, resp, "OK: Registered")

	sendB, closeB := pipeConn(t, srv)
	defer closeB()
	resp = sendB("/login alice pw")
	require.Contains(t, resp, "OK: Logged in as alice SESSION:")
}
