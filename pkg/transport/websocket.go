package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teamtrust/pkg/connection"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsMaxMessage   = 32 << 20
)

// WebSocketHandler upgrades requests and hands each socket to accept.
// Messages over readLimit bytes end the socket; 0 means 32MiB.
func WebSocketHandler(accept Acceptor, logger *zap.Logger, readLimit int64) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := websocket.Upgrader{
		// Peers authenticate inside the protocol, not by origin
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		conn.SetReadLimit(orDefault(readLimit))
		t := newFramed(&wsFrames{conn: conn}, logger.With(zap.String("remote", r.RemoteAddr)))
		// The socket outlives the request context once hijacked
		accept(context.Background(), t)
	})
}

// DialWebSocket connects to a peer serving WebSocketHandler at url
func DialWebSocket(ctx context.Context, url string, logger *zap.Logger, readLimit int64) (connection.Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	conn.SetReadLimit(orDefault(readLimit))
	return newFramed(&wsFrames{conn: conn}, logger.With(zap.String("peer", url))), nil
}

func orDefault(limit int64) int64 {
	if limit <= 0 {
		return wsMaxMessage
	}
	return limit
}

type wsFrames struct {
	conn *websocket.Conn
}

func (f *wsFrames) read() ([]byte, error) {
	for {
		typ, data, err := f.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage || typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (f *wsFrames) write(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := f.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", connection.ErrTransportClosed, err)
	}
	if err := f.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %v", connection.ErrTransportClosed, err)
	}
	return nil
}

func (f *wsFrames) shutdown() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = f.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return f.conn.Close()
}
