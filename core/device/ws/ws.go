// Package ws carries frames over a WebSocket connection, one binary
// message per frame.
package ws

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Driver is the driver name for WebSocket devices.
	Driver = "ws"

	bufferSize = 32 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  bufferSize,
	WriteBufferSize: bufferSize,
}

// Conn is a frame stream over one WebSocket connection.
type Conn struct {
	conn *websocket.Conn

	wmu sync.Mutex
}

// Dial connects to a WebSocket server at url.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   bufferSize,
		WriteBufferSize:  bufferSize,
	}
	conn, resp, err := d.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return &Conn{conn: conn}, nil
}

// Upgrade accepts a WebSocket connection on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn}, nil
}

func (c *Conn) Read(p []byte) (int, error) {
	for {
		typ, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}

		n, err := io.ReadFull(r, p)
		switch err {
		case io.ErrUnexpectedEOF, io.EOF:
			return n, nil
		case nil:
			// p is full; anything left means the frame did not fit.
			if extra, _ := io.Copy(io.Discard, r); extra > 0 {
				return 0, io.ErrShortBuffer
			}
			return n, nil
		default:
			return 0, err
		}
	}
}

// ReadContext reads one frame. An ended ctx fails the read through the
// read deadline, which leaves the connection unusable.
func (c *Conn) ReadContext(ctx context.Context, p []byte) (int, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()
	n, err := c.Read(p)
	if err != nil && ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Close() error {
	c.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}
