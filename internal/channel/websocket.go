package channel

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second // time allowed to answer a ping
	pongWait       = 60 * time.Second // silence tolerated before the link counts as dead
	maxMessageSize = 64 * 1024
)

// WebsocketTransport subscribes to the feed's /stream/ws/:deviceID endpoint.
type WebsocketTransport struct {
	baseURL  string
	header   http.Header
	dialer   *websocket.Dialer
	pongWait time.Duration
}

func NewWebsocketTransport(baseURL, token string) *WebsocketTransport {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebsocketTransport{
		baseURL:  strings.TrimRight(baseURL, "/"),
		header:   header,
		dialer:   websocket.DefaultDialer,
		pongWait: pongWait,
	}
}

func (t *WebsocketTransport) Dial(ctx context.Context, deviceID string) (Conn, error) {
	target := t.baseURL + "/stream/ws/" + url.PathEscape(deviceID)
	conn, _, err := t.dialer.DialContext(ctx, target, t.header)
	if err != nil {
		return nil, err
	}

	c := &wsConn{
		conn:     conn,
		frames:   make(chan wsFrame, 64),
		closed:   make(chan struct{}),
		pongWait: t.pongWait,
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(t.pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(t.pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	go c.readPump()
	return c, nil
}

type wsFrame struct {
	data []byte
	err  error
}

type wsConn struct {
	conn      *websocket.Conn
	frames    chan wsFrame
	closed    chan struct{}
	closeOnce sync.Once
	pongWait  time.Duration
}

// readPump moves frames from the socket to Receive, ending with the read
// error so ordering is preserved up to the drop.
func (c *wsConn) readPump() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err == nil {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		}
		select {
		case c.frames <- wsFrame{data: msg, err: err}:
		case <-c.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f.data, f.err
	case <-c.closed:
		return nil, websocket.ErrCloseSent
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}
