package transport

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"teamtrust/pkg/connection"
	"teamtrust/pkg/team"
	"teamtrust/pkg/types"
)

const waitFor = 5 * time.Second

// dialer returns a connected client transport and the server end it reached
type dialer func(t *testing.T, accept Acceptor) connection.Transport

func grpcDialer(t *testing.T, accept Acceptor) connection.Transport {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterSyncServer(srv, accept, zaptest.NewLogger(t))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	tr, err := Dial(ctx, "passthrough:///bufnet", zaptest.NewLogger(t),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	return tr
}

func websocketDialer(t *testing.T, accept Acceptor) connection.Transport {
	srv := httptest.NewServer(WebSocketHandler(accept, zaptest.NewLogger(t), 0))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	tr, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), zaptest.NewLogger(t), 0)
	require.NoError(t, err)
	return tr
}

var dialers = map[string]dialer{
	"grpc":      grpcDialer,
	"websocket": websocketDialer,
}

func receive(t *testing.T, tr connection.Transport) []byte {
	t.Helper()
	select {
	case data, ok := <-tr.Inbound():
		require.True(t, ok, "transport closed")
		return data
	case <-time.After(waitFor):
		t.Fatal("nothing received")
		return nil
	}
}

func TestTransport_Frames(t *testing.T) {
	for name, dial := range dialers {
		t.Run(name, func(t *testing.T) {
			accepted := make(chan connection.Transport, 1)
			client := dial(t, func(_ context.Context, tr connection.Transport) { accepted <- tr })
			server := <-accepted

			ctx := context.Background()
			require.NoError(t, client.Send(ctx, []byte("hello")))
			assert.Equal(t, []byte("hello"), receive(t, server))
			require.NoError(t, server.Send(ctx, []byte("hi there")))
			require.NoError(t, server.Send(ctx, []byte("and more")))
			assert.Equal(t, []byte("hi there"), receive(t, client))
			assert.Equal(t, []byte("and more"), receive(t, client))

			require.NoError(t, server.Close())
			require.Eventually(t, func() bool {
				select {
				case _, ok := <-client.Inbound():
					return !ok
				default:
					return false
				}
			}, waitFor, 10*time.Millisecond)
			assert.ErrorIs(t, server.Send(ctx, []byte("late")), connection.ErrTransportClosed)
			client.Close()
		})
	}
}

func TestTransport_Connection(t *testing.T) {
	for name, dial := range dialers {
		t.Run(name, func(t *testing.T) {
			alice, err := team.NewLocalContext("alice", "laptop")
			require.NoError(t, err)
			aliceTeam, err := team.Create("Spies Я Us", alice, team.WithLogger(zaptest.NewLogger(t)))
			require.NoError(t, err)
			bob, err := team.NewLocalContext("bob", "laptop")
			require.NoError(t, err)
			init, err := bob.MemberInit()
			require.NoError(t, err)
			require.NoError(t, aliceTeam.Add(init))
			bobTeam, err := team.Load(aliceTeam.Graph(), bob, team.WithLogger(zaptest.NewLogger(t)))
			require.NoError(t, err)

			served := make(chan *connection.Connection, 1)
			tr := dial(t, func(ctx context.Context, tr connection.Transport) {
				c, err := connection.New(connection.Config{Team: aliceTeam, Transport: tr, Logger: zaptest.NewLogger(t)})
				if !assert.NoError(t, err) {
					tr.Close()
					return
				}
				assert.NoError(t, c.Start(context.Background()))
				served <- c
			})
			client, err := connection.New(connection.Config{Team: bobTeam, Transport: tr, Logger: zaptest.NewLogger(t)})
			require.NoError(t, err)
			require.NoError(t, client.Start(context.Background()))
			server := <-served
			t.Cleanup(func() {
				client.Stop()
				server.Stop()
			})

			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()
			require.NoError(t, client.Await(ctx, connection.StateConnected))
			require.NoError(t, server.Await(ctx, connection.StateConnected))

			require.NoError(t, aliceTeam.AddRole("managers"))
			require.Eventually(t, func() bool { return bobTeam.HasRole("managers") }, waitFor, 10*time.Millisecond)
			require.Eventually(t, func() bool {
				return types.EqualHashes(aliceTeam.Heads(), bobTeam.Heads())
			}, waitFor, 10*time.Millisecond)

			client.Stop()
			select {
			case <-server.Done():
			case <-time.After(waitFor):
				t.Fatal("server side did not notice the disconnect")
			}
			assert.Nil(t, server.Err())
		})
	}
}
