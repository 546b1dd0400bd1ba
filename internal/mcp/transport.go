package mcp

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// wsTransport carries one MCP session over an already established
// websocket. Each text frame holds exactly one JSON-RPC message.
type wsTransport struct {
	conn *websocket.Conn
}

var _ sdk.Transport = (*wsTransport)(nil)

func newClientWebSocketTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func newServerWebSocketTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Connect(context.Context) (sdk.Connection, error) {
	c := &wsConn{
		conn:   t.conn,
		frames: make(chan frame),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type frame struct {
	data []byte
	err  error
}

// wsConn pumps frames from a single reader goroutine so Read can honour
// both ctx and Close.
type wsConn struct {
	conn   *websocket.Conn
	frames chan frame

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

var _ sdk.Connection = (*wsConn)(nil)

func (c *wsConn) readLoop() {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err == nil && typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if err != nil && (websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, io.EOF)) {
			err = io.EOF
		}
		select {
		case c.frames <- frame{data: data, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *wsConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	case f := <-c.frames:
		if f.err != nil {
			return nil, f.err
		}
		return jsonrpc.DecodeMessage(f.data)
	}
}

func (c *wsConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return io.EOF
	default:
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsConn) SessionID() string { return "" }
