package peer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"go.uber.org/zap"

	"github.com/oriaj-nocrala/archsock/internal/errs"
	"github.com/oriaj-nocrala/archsock/internal/protocol"
)

// Connection is one live data channel to a remote peer. Writes go through a
// bounded send queue drained by writePump, so engine activities never block
// on a slow peer; readPump owns all reads from the stream.
type Connection struct {
	peerID string
	name   string
	stream network.Stream
	log    *zap.Logger

	sendCh    chan protocol.Frame
	closeCh   chan struct{}
	closeOnce sync.Once

	lastActivity atomic.Int64 // unix nanos
}

func newConnection(peerID, name string, stream network.Stream, queueDepth int, log *zap.Logger) *Connection {
	c := &Connection{
		peerID:  peerID,
		name:    name,
		stream:  stream,
		log:     log,
		sendCh:  make(chan protocol.Frame, queueDepth),
		closeCh: make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Connection) PeerID() string { return c.peerID }
func (c *Connection) Name() string   { return c.name }

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// Send queues a frame without blocking. A full queue is reported to the
// caller instead of stalling the connection.
func (c *Connection) Send(f protocol.Frame) error {
	select {
	case <-c.closeCh:
		return errs.ErrPeerNotConnected
	default:
	}
	select {
	case c.sendCh <- f:
		return nil
	case <-c.closeCh:
		return errs.ErrPeerNotConnected
	default:
		return errs.ErrSendQueueFull
	}
}

// SendBlocking queues a frame, waiting for queue space. Used by bulk
// senders such as file transfers, which want backpressure instead of
// queue-full errors.
func (c *Connection) SendBlocking(f protocol.Frame) error {
	select {
	case c.sendCh <- f:
		return nil
	case <-c.closeCh:
		return errs.ErrPeerNotConnected
	}
}

// close tears down the connection once. Safe to call from any goroutine.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		_ = c.stream.Close()
	})
}

// readPump reads frames until the stream fails or the connection closes.
// Every received frame counts as activity for keep-alive purposes.
func (c *Connection) readPump(onFrame func(*Connection, protocol.Frame), onClosed func(*Connection, error)) {
	for {
		f, err := protocol.ReadFrame(c.stream)
		if err != nil {
			c.close()
			onClosed(c, err)
			return
		}
		c.touch()
		onFrame(c, f)
	}
}

// writePump drains the send queue onto the stream.
func (c *Connection) writePump() {
	for {
		select {
		case f := <-c.sendCh:
			if err := protocol.WriteFrame(c.stream, f); err != nil {
				c.log.Debug("write failed, closing connection",
					zap.String("peer", c.peerID), zap.Error(err))
				c.close()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}
