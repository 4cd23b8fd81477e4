package lobbyserver

import (
	"errors"
	"sync"
	"time"

	"github.com/blukai/acewing/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClosed         = errors.New("connection closed")
)

// client is the websocket side of a relay.Conn. Outbound frames go through a
// buffered channel drained by runWrite, so that a slow reader never blocks
// the connection that is broadcasting.
type client struct {
	ws   *websocket.Conn
	conn *relay.Conn

	logger *log.Logger

	sendCh       chan []byte
	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

var _ relay.Transport = (*client)(nil)

func newClient(ws *websocket.Conn, opts Options, logger *log.Logger) *client {
	c := &client{
		ws:           ws,
		logger:       logger,
		sendCh:       make(chan []byte, opts.SendBufferSize),
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
	}
	c.conn = relay.NewConn(c)
	return c
}

func (c *client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close drops the connection without a close handshake.
func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// shutdown tells the peer that the server is going away, then closes.
func (c *client) shutdown() {
	err := c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(c.writeTimeout),
	)
	if err != nil {
		c.logger.Debug().
			Str("conn", c.conn.ID()).
			Msgf("could not send close message: %v", err)
	}
	c.Close()
}

func (c *client) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *client) runWrite() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			c.logger.Debug().
				Str("conn", c.conn.ID()).
				Int("bytes", len(data)).
				Msg("send")

			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().
					Str("conn", c.conn.ID()).
					Msgf("could not write: %v", err)
				c.Close()
				return
			}
		}
	}
}
