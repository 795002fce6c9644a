// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/msgjson"
	"github.com/gorilla/websocket"
)

const (
	// outBufferSize is the size of the client's buffered channel for outgoing
	// messages.
	outBufferSize = 128

	writeWait = 5 * time.Second

	// ErrPeerDisconnected is returned by Send on a disconnected link.
	ErrPeerDisconnected = fm.ErrorKind("peer disconnected")
	// ErrSendBufferFull is returned by Send when the subscriber is not
	// reading fast enough.
	ErrSendBufferFull = fm.ErrorKind("send buffer full")
)

var upgrader = websocket.Upgrader{
	// The feed is public and read-only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConnection represents a communications pathway to the client. In practice,
// it is satisfied by *websocket.Conn. For testing, a stub can be used.
type wsConnection interface {
	Close() error

	SetReadDeadline(t time.Time) error
	ReadMessage() (int, []byte, error)

	SetWriteDeadline(t time.Time) error
	WriteMessage(int, []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// newConnection upgrades the http request to a websocket connection.
func newConnection(w http.ResponseWriter, r *http.Request, readTimeout time.Duration) (wsConnection, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		return nil, err
	}
	reqAddr := r.RemoteAddr
	ws.SetPongHandler(func(string) error {
		log.Tracef("got pong from %v", reqAddr)
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return ws, nil
}

// wsLink is the local, per-connection representation of a feed subscriber.
// Subscribers only receive. Anything a subscriber sends other than control
// frames gets it disconnected and quarantined.
type wsLink struct {
	// id is the unique identifier assigned to this client by the Server.
	id   uint64
	addr string
	conn wsConnection
	// on is used to prevent multiple Close calls on the connection.
	on   uint32
	quit context.CancelFunc
	// stopped is closed when the link stops, to unblock senders.
	stopped chan struct{}
	// Messages to the client are routed through the outChan. This ensures
	// messages are sent in the correct order, and satisfies the thread-safety
	// requirements of (*websocket.Conn).WriteMessage.
	outChan chan []byte
	// The WaitGroup is used to synchronize cleanup on disconnection.
	wg         sync.WaitGroup
	pingPeriod time.Duration
	// The ban flag is set when the client misbehaves. Upon closing, the
	// client's IP address will be quarantined by the server if ban = true.
	ban atomic.Bool
}

var _ Link = (*wsLink)(nil)

// newWSLink is a constructor for a new wsLink.
func newWSLink(addr string, conn wsConnection, pingPeriod time.Duration) *wsLink {
	return &wsLink{
		addr:       addr,
		conn:       conn,
		outChan:    make(chan []byte, outBufferSize),
		stopped:    make(chan struct{}),
		pingPeriod: pingPeriod,
	}
}

// ID is the link's unique identifier.
func (c *wsLink) ID() uint64 {
	return c.id
}

// Addr is the client's network address.
func (c *wsLink) Addr() string {
	return c.addr
}

// Send queues the message for the client. Send does not block. If the
// client's buffer is full, the message is not sent and ErrSendBufferFull is
// returned.
func (c *wsLink) Send(msg *msgjson.Message) error {
	if c.off() {
		return ErrPeerDisconnected
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.outChan <- b:
		return nil
	case <-c.stopped:
		return ErrPeerDisconnected
	default:
		return fm.NewError(ErrSendBufferFull, c.addr)
	}
}

// connect begins processing input and output messages. The returned WaitGroup
// is done when the link has shut down.
func (c *wsLink) connect(ctx context.Context) (*sync.WaitGroup, error) {
	if !atomic.CompareAndSwapUint32(&c.on, 0, 1) {
		return nil, fmt.Errorf("attempted to start a running wsLink")
	}
	linkCtx, quit := context.WithCancel(ctx)
	c.quit = quit
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pingPeriod * 2)); err != nil {
		c.stop()
		return nil, fmt.Errorf("failed to set initial read deadline for %v: %w", c.addr, err)
	}

	log.Tracef("Starting websocket feed for %s", c.addr)
	c.wg.Add(3)
	go c.inHandler(linkCtx)
	go c.outHandler(linkCtx)
	go c.pingHandler(linkCtx)
	return &c.wg, nil
}

func (c *wsLink) stop() bool {
	if !atomic.CompareAndSwapUint32(&c.on, 1, 0) {
		return false
	}
	close(c.stopped)
	c.quit()
	return true
}

func (c *wsLink) off() bool {
	return atomic.LoadUint32(&c.on) == 0
}

// Disconnect begins shutdown of the link. The connection is closed after
// queued messages are written.
func (c *wsLink) Disconnect() {
	if !c.stop() {
		log.Debugf("Disconnect attempted on stopped wsLink %d.", c.id)
	}
}

// Banish sets the ban flag and closes the client.
func (c *wsLink) Banish() {
	c.ban.Store(true)
	c.Disconnect()
}

// inHandler reads from the connection so that control frames are processed.
// It must be run as a goroutine.
func (c *wsLink) inHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.stop()
	for ctx.Err() == nil {
		msgType, _, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				log.Debugf("Websocket receive error from %s: %v", c.addr, err)
			}
			return
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			log.Debugf("Feed client %s sent a message. Banishing.", c.addr)
			c.Banish()
			return
		}
	}
}

// outHandler writes queued messages. On shutdown, messages already queued are
// written before the connection is closed. It must be run as a goroutine.
func (c *wsLink) outHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.conn.Close()
	defer c.stop()

	write := func(b []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Debugf("Write to %s failed: %v", c.addr, err)
			return false
		}
		return true
	}

	defer func() {
		for {
			select {
			case b := <-c.outChan:
				if !write(b) {
					return
				}
			default:
				return
			}
		}
	}()

	for {
		select {
		case b := <-c.outChan:
			if !write(b) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pingHandler sends periodic pings to the client.
func (c *wsLink) pingHandler(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	ping := []byte{}
	for {
		select {
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, ping, time.Now().Add(writeWait))
			if err != nil {
				c.stop()
				log.Debugf("Ping error for %s: %v", c.addr, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
