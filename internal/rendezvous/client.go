// Package rendezvous implements the rendezvous client (C5): a single
// persistent bidirectional framed channel carrying the tagged JSON frame
// set from internal/proto.
//
// The wire protocol (URL shape, frame names/fields/direction, Join-on-
// connect) is grounded on
// _examples/original_source/crates/p2p-node/src/signaling.rs, whose
// tokio-tungstenite client this corpus's idiomatic equivalent,
// github.com/gorilla/websocket, replaces. The Upgrader/Dialer usage
// pattern otherwise follows the teacher's websocket idiom in
// internal/viewer/routes/call.go.
package rendezvous

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syuink/node/internal/logging"
	"github.com/syuink/node/internal/proto"
)

var log = logging.Logger("rendezvous")

// sendBufferSize bounds the outbound channel; spec.md §4.5 says send
// blocks when the peer send buffer is full, so a bounded channel without
// a select/default on Send is exactly the right primitive.
const sendBufferSize = 64

// recvBufferSize bounds the inbound channel consumed by the supervisor.
const recvBufferSize = 64

// JoinInfo is everything the first outbound Join frame needs to register membership.
type JoinInfo struct {
	ID         string
	IP         string
	Name       string
	P2PPort    int
	OS         string
	Version    string
	DeviceType string
	IsGateway  bool
}

// Client is the persistent rendezvous connection. Ordering is FIFO within
// the channel: one reader goroutine decodes inbound frames in arrival
// order onto Inbound; one writer goroutine drains Outbound in send order.
type Client struct {
	conn *websocket.Conn

	Inbound  chan any
	Outbound chan any
	// Closed is closed exactly once when the connection's I/O loop exits,
	// for any reason (remote close, write error, read error). Per spec.md
	// §4.5/§7 there is no auto-reconnect (open question (a)). Send stops
	// blocking once it is closed; the supervisor does not read this
	// channel and keeps running on whatever direct sessions exist.
	Closed chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex
}

// Dial connects to {base}/wapi/{group}?token=... and immediately sends a
// Join frame, per spec.md §4.5.
func Dial(base, group, token string, join JoinInfo) (*Client, error) {
	u, err := buildURL(base, group, token)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: dial %s: %w", u, err)
	}

	c := &Client{
		conn:     conn,
		Inbound:  make(chan any, recvBufferSize),
		Outbound: make(chan any, sendBufferSize),
		Closed:   make(chan struct{}),
	}

	joinFrame := proto.NewJoin(join.ID, join.IP, join.Name, join.P2PPort, join.OS, join.Version, join.DeviceType, join.IsGateway)
	if err := c.writeFrame(joinFrame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rendezvous: send join: %w", err)
	}

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

func buildURL(base, group, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("rendezvous: invalid base url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already correct
	default:
		return "", fmt.Errorf("rendezvous: unsupported scheme %q", u.Scheme)
	}
	u.Path = fmt.Sprintf("%s/wapi/%s", trimTrailingSlash(u.Path), group)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func trimTrailingSlash(p string) string {
	if len(p) > 0 && p[len(p)-1] == '/' {
		return p[:len(p)-1]
	}
	return p
}

func (c *Client) readLoop() {
	defer c.close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Warnf("rendezvous: read: %v", err)
			return
		}
		frame, err := proto.Decode(data)
		if err != nil {
			log.Warnf("rendezvous: decode: %v", err)
			continue
		}
		select {
		case c.Inbound <- frame:
		case <-c.Closed:
			return
		}
	}
}

func (c *Client) writeLoop() {
	defer c.close()
	for {
		select {
		case frame, ok := <-c.Outbound:
			if !ok {
				return
			}
			if err := c.writeFrame(frame); err != nil {
				log.Warnf("rendezvous: write: %v", err)
				return
			}
		case <-c.Closed:
			return
		}
	}
}

func (c *Client) writeFrame(frame any) error {
	b, err := proto.Encode(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Send enqueues a frame for the writer goroutine. Blocks if the outbound
// buffer is full, matching spec.md §4.5's "send blocks when the peer send
// buffer is full".
func (c *Client) Send(frame any) {
	select {
	case c.Outbound <- frame:
	case <-c.Closed:
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
		c.conn.Close()
	})
}

// Close closes the connection and stops both loops.
func (c *Client) Close() error {
	c.close()
	return nil
}
