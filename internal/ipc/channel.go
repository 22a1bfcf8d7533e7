// Package ipc talks to the privileged tunnel process over a byte-datagram
// channel, using the messages defined in [wire].
package ipc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrChannelClosed is returned after Close.
var ErrChannelClosed = errors.New("ipc: channel closed")

// Channel exchanges one request datagram for one response datagram.
type Channel interface {
	// RoundTrip sends a request and waits for the response.
	RoundTrip(ctx context.Context, request []byte) ([]byte, error)

	// Close releases the channel.
	Close() error
}

// DatagramChannel is a [Channel] over a message-oriented [net.Conn]
// (unixgram or udp). Only one round trip is outstanding at any time.
//
// Responses carry no correlation id, so once a round trip fails after its
// request went out the channel is stale: a late reply may still arrive.
// The next round trip first redials, when the channel was created by
// [Dial], or otherwise discards whatever datagrams are queued.
type DatagramChannel struct {
	conn   net.Conn
	path   string
	redial func(ctx context.Context) (net.Conn, string, error)
	stale  bool
	mu     sync.Mutex

	// connMu guards swapping conn against a concurrent Close.
	connMu    sync.Mutex
	closed    bool
	closeOnce sync.Once
}

var _ Channel = &DatagramChannel{}

// drainTimeout bounds how long a stale channel waits for each queued
// datagram while discarding them.
var drainTimeout = 20 * time.Millisecond

// NewDatagramChannel wraps conn. This function TAKES OWNERSHIP of conn.
func NewDatagramChannel(conn net.Conn) *DatagramChannel {
	return &DatagramChannel{conn: conn}
}

// RoundTrip implements Channel
func (c *DatagramChannel) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	defer c.mu.Unlock()
	c.mu.Lock()

	if c.stale {
		if err := c.resync(ctx); err != nil {
			return nil, err
		}
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// unblock the conn if the context is cancelled before the deadline
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(request); err != nil {
		return nil, wrapContextError(ctx, err)
	}
	buffer := make([]byte, math.MaxUint16)
	count, err := conn.Read(buffer)
	if err != nil {
		c.stale = true
		return nil, wrapContextError(ctx, err)
	}
	return buffer[:count], nil
}

// resync gets rid of replies belonging to earlier round trips.
func (c *DatagramChannel) resync(ctx context.Context) error {
	if c.redial != nil {
		conn, path, err := c.redial(ctx)
		if err != nil {
			return err
		}
		defer c.connMu.Unlock()
		c.connMu.Lock()
		if c.closed {
			conn.Close()
			if path != "" {
				os.Remove(path)
			}
			return ErrChannelClosed
		}
		c.closeConn()
		c.conn, c.path = conn, path
		c.stale = false
		return nil
	}
	buffer := make([]byte, math.MaxUint16)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(drainTimeout)); err != nil {
			return err
		}
		if _, err := c.conn.Read(buffer); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.stale = false
				return nil
			}
			return err
		}
	}
}

func (c *DatagramChannel) closeConn() error {
	err := c.conn.Close()
	if c.path != "" {
		os.Remove(c.path)
	}
	return err
}

// Close implements Channel
func (c *DatagramChannel) Close() (err error) {
	c.closeOnce.Do(func() {
		defer c.connMu.Unlock()
		c.connMu.Lock()
		c.closed = true
		err = c.closeConn()
	})
	return
}

// WebSocketChannel is a [Channel] using binary websocket messages, for
// tunnel processes exposing their control endpoint over websocket.
type WebSocketChannel struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

var _ Channel = &WebSocketChannel{}

// NewWebSocketChannel wraps conn. This function TAKES OWNERSHIP of conn.
func NewWebSocketChannel(conn *websocket.Conn) *WebSocketChannel {
	return &WebSocketChannel{conn: conn}
}

// RoundTrip implements Channel
func (c *WebSocketChannel) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	defer c.mu.Unlock()
	c.mu.Lock()

	deadline, _ := ctx.Deadline()
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, request); err != nil {
		return nil, wrapContextError(ctx, err)
	}
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, wrapContextError(ctx, err)
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
		// text frames are not part of the protocol: skip them
	}
}

// Close implements Channel
func (c *WebSocketChannel) Close() (err error) {
	c.closeOnce.Do(func() {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return
}

// ErrUnsupportedNetwork is returned by [Dial] for unknown networks.
var ErrUnsupportedNetwork = errors.New("ipc: unsupported network")

// Dial connects to the tunnel process. Supported networks are "unixgram",
// "udp" and "ws" (address is then a ws:// or wss:// URL).
func Dial(ctx context.Context, network, address string) (Channel, error) {
	switch network {
	case "unixgram", "udp", "udp4", "udp6":
		redial := func(ctx context.Context) (net.Conn, string, error) {
			return dialDatagram(ctx, network, address)
		}
		conn, path, err := redial(ctx)
		if err != nil {
			return nil, err
		}
		return &DatagramChannel{conn: conn, path: path, redial: redial}, nil
	case "ws":
		u, err := url.Parse(address)
		if err != nil {
			return nil, err
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("%w: websocket url must be ws:// or wss://", ErrUnsupportedNetwork)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, err
		}
		return NewWebSocketChannel(conn), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
}

func wrapContextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s", ctxErr, err.Error())
	}
	// the conn deadline may fire just before the context notices
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, err.Error())
	}
	return err
}
