package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/livelist/internal/ratelimit"
	"github.com/manpreetbhatti/livelist/internal/room"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
	sendBuffer        = 512
)

// Client is one websocket connection joined to a room. It implements
// room.Peer.
type Client struct {
	id    string
	admin bool
	conn  *websocket.Conn
	room  *room.Room
	send  chan []byte

	rateLimiter *ratelimit.Limiter

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

var _ room.Peer = (*Client)(nil)

func newClient(id string, admin bool, conn *websocket.Conn) *Client {
	return &Client{
		id:          id,
		admin:       admin,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		rateLimiter: ratelimit.NewLimiter(nil, messagesPerSecond, messageBurst),
		done:        make(chan struct{}),
		closeCode:   websocket.CloseNormalClosure,
	}
}

func (c *Client) ID() string  { return c.id }
func (c *Client) Admin() bool { return c.admin }

// Send queues frame without blocking. It reports false when the buffer is
// full.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the write pump to send a close frame and hang up.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *Client) readPump() {
	defer func() {
		c.room.Leave(c)
		c.Close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	logger := log.WithFields(log.Fields{"peer": c.id, "room": c.room.ID()})
	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithField("err", err).Info("websocket read")
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				logger.WithField("warnings", rateLimitWarnings).Warn("rate limit exceeded")
			}
			if rateLimitWarnings > 1000 {
				logger.Warn("disconnecting client for excessive rate limit violations")
				c.Close(websocket.ClosePolicyViolation, "Rate limit exceeded")
				return
			}
			continue
		}

		if err := c.handle(message); err != nil {
			logger.WithField("err", err).Warn("closing connection after malformed frame")
			c.Close(websocket.CloseProtocolError, "Malformed message")
			return
		}
	}
}

// handle passes message to the room, turning a panic in the decoder or the
// merge collaborator into an error.
func (c *Client) handle(message []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprint("panic handling frame: ", r))
		}
	}()
	return c.room.Handle(c, message)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			c.drain()
			writeClose(c.conn, c.closeCode, c.closeReason)
			return
		}
	}
}

// drain flushes frames queued before Close, so a peer evicted right after
// a metadata change still sees it.
func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	if code == websocket.CloseAbnormalClosure || code == 0 {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
