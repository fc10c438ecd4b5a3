package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	coreproto "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/oriaj-nocrala/archsock/internal/config"
	"github.com/oriaj-nocrala/archsock/internal/errs"
	"github.com/oriaj-nocrala/archsock/internal/event"
	"github.com/oriaj-nocrala/archsock/internal/protocol"
)

// TransferHandler receives file-transfer frames routed off live connections.
// The transfer subsystem implements it; the indirection keeps this package
// free of transfer bookkeeping.
type TransferHandler interface {
	HandleFileMeta(peerID, peerName string, meta protocol.FileMeta)
	HandleFileChunk(peerID string, chunk protocol.FileChunk)
	PeerGone(peerID string)
}

// Manager owns every live connection and the handshake that establishes
// them. At most one connection exists per peer; when both sides dial at
// once, whichever handshake registers first wins and the loser's stream is
// quietly closed.
type Manager struct {
	host     host.Host
	selfName string
	cfg      config.ConnectionConfig
	registry *Registry
	emitter  *event.Emitter
	log      *zap.Logger

	mu       sync.RWMutex
	conns    map[string]*Connection
	transfer TransferHandler
	closed   bool
}

// NewManager creates a connection manager and installs the inbound stream
// handler on the host.
func NewManager(h host.Host, selfName string, cfg config.ConnectionConfig, reg *Registry, em *event.Emitter, log *zap.Logger) *Manager {
	m := &Manager{
		host:     h,
		selfName: selfName,
		cfg:      cfg,
		registry: reg,
		emitter:  em,
		log:      log,
		conns:    make(map[string]*Connection),
	}
	h.SetStreamHandler(coreproto.ID(protocol.ID), m.handleInboundStream)
	return m
}

// SetTransferHandler wires the file-transfer subsystem in. Must be called
// before any connection is established.
func (m *Manager) SetTransferHandler(t TransferHandler) {
	m.mu.Lock()
	m.transfer = t
	m.mu.Unlock()
}

// Connect establishes a connection to a discovered peer. Connecting to an
// already-connected peer is a no-op success.
func (m *Manager) Connect(ctx context.Context, peerID string) error {
	if m.isClosed() {
		return errs.ErrNotStarted
	}
	if m.Connected(peerID) {
		return nil
	}

	rec, ok := m.registry.Get(peerID)
	if !ok {
		return errs.ErrPeerNotFound
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidParameter, err)
	}
	addrs := make([]multiaddr.Multiaddr, 0, len(rec.Addrs))
	for _, a := range rec.Addrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			continue
		}
		addrs = append(addrs, ma)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: no usable addresses for peer", errs.ErrConnectionFailed)
	}

	m.registry.SetStatus(peerID, StatusConnecting)

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout.Duration)
	defer cancel()

	if err := m.host.Connect(cctx, peer.AddrInfo{ID: pid, Addrs: addrs}); err != nil {
		m.registry.SetStatus(peerID, StatusDiscovered)
		return fmt.Errorf("%w: %v", errs.ErrConnectionFailed, err)
	}
	s, err := m.host.NewStream(cctx, pid, coreproto.ID(protocol.ID))
	if err != nil {
		m.registry.SetStatus(peerID, StatusDiscovered)
		return fmt.Errorf("%w: %v", errs.ErrConnectionFailed, err)
	}

	hello, err := m.handshake(s)
	if err != nil {
		_ = s.Reset()
		m.registry.SetStatus(peerID, StatusDiscovered)
		return fmt.Errorf("%w: handshake: %v", errs.ErrConnectionFailed, err)
	}

	conn := newConnection(peerID, hello.Name, s, m.cfg.SendQueueDepth, m.log)
	if !m.register(conn) {
		// Either a simultaneous inbound handshake won, or the manager is
		// shutting down. In both cases the new stream is surplus.
		conn.close()
		if m.Connected(peerID) {
			return nil
		}
		return errs.ErrNotStarted
	}
	m.finishEstablish(conn)
	return nil
}

// handleInboundStream accepts a connection dialed by a remote peer.
func (m *Manager) handleInboundStream(s network.Stream) {
	hello, err := m.handshake(s)
	if err != nil {
		m.log.Debug("inbound handshake failed", zap.Error(err))
		_ = s.Reset()
		return
	}
	remote := s.Conn().RemotePeer().String()
	m.registry.Upsert(remote, hello.Name, nil)

	conn := newConnection(remote, hello.Name, s, m.cfg.SendQueueDepth, m.log)
	if !m.register(conn) {
		conn.close()
		return
	}
	m.finishEstablish(conn)
}

// handshake exchanges hello frames on a fresh stream. Both sides write
// their own hello first and then read the peer's, so the exchange is
// symmetric for dialer and acceptor.
func (m *Manager) handshake(s network.Stream) (protocol.Hello, error) {
	deadline := time.Now().Add(m.cfg.ConnectTimeout.Duration)
	_ = s.SetDeadline(deadline)
	defer s.SetDeadline(time.Time{})

	own, err := protocol.Encode(protocol.KindHello, protocol.Hello{
		PeerID: m.host.ID().String(),
		Name:   m.selfName,
	})
	if err != nil {
		return protocol.Hello{}, err
	}
	if err := protocol.WriteFrame(s, own); err != nil {
		return protocol.Hello{}, err
	}

	f, err := protocol.ReadFrame(s)
	if err != nil {
		return protocol.Hello{}, err
	}
	if f.Kind != protocol.KindHello {
		return protocol.Hello{}, fmt.Errorf("expected hello frame, got %d", f.Kind)
	}
	var hello protocol.Hello
	if err := protocol.Decode(f, &hello); err != nil {
		return protocol.Hello{}, err
	}
	return hello, nil
}

func (m *Manager) register(c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if _, exists := m.conns[c.peerID]; exists {
		return false
	}
	m.conns[c.peerID] = c
	return true
}

func (m *Manager) finishEstablish(c *Connection) {
	m.registry.SetStatus(c.peerID, StatusConnected)
	m.emitter.Emit(event.Event{
		Kind:     event.KindPeerConnected,
		PeerID:   c.peerID,
		PeerName: c.name,
	})
	go c.writePump()
	go c.readPump(m.handleFrame, m.connClosed)
}

func (m *Manager) connection(peerID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[peerID]
	return c, ok
}

// Connected reports whether a live connection exists for peerID.
func (m *Manager) Connected(peerID string) bool {
	_, ok := m.connection(peerID)
	return ok
}

// ConnectedCount returns the number of live connections.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Disconnect closes the connection to peerID. Disconnecting a peer that is
// not connected is a no-op.
func (m *Manager) Disconnect(peerID string) {
	if c, ok := m.connection(peerID); ok {
		m.dropConnection(c, nil)
	}
}

// SendText queues a chat message and returns its generated id.
func (m *Manager) SendText(peerID, text string) (string, error) {
	if text == "" || len(text) > m.cfg.MaxTextSize {
		return "", errs.ErrInvalidParameter
	}
	c, ok := m.connection(peerID)
	if !ok {
		return "", errs.ErrPeerNotConnected
	}
	msg := protocol.Text{
		ID:     uuid.NewString(),
		Text:   text,
		SentAt: time.Now().UnixMilli(),
	}
	f, err := protocol.Encode(protocol.KindText, msg)
	if err != nil {
		return "", err
	}
	if err := c.Send(f); err != nil {
		return "", err
	}
	m.emitter.Emit(event.Event{
		Kind:     event.KindMessageSent,
		PeerID:   peerID,
		PeerName: c.name,
		Message:  msg.Text,
	})
	return msg.ID, nil
}

// SendFrame queues a raw frame without blocking.
func (m *Manager) SendFrame(peerID string, f protocol.Frame) error {
	c, ok := m.connection(peerID)
	if !ok {
		return errs.ErrPeerNotConnected
	}
	return c.Send(f)
}

// SendFrameBlocking queues a raw frame, waiting for queue space.
func (m *Manager) SendFrameBlocking(peerID string, f protocol.Frame) error {
	c, ok := m.connection(peerID)
	if !ok {
		return errs.ErrPeerNotConnected
	}
	return c.SendBlocking(f)
}

// handleFrame routes one received frame. A frame that fails to decode means
// the peer is broken, so the connection is dropped.
func (m *Manager) handleFrame(c *Connection, f protocol.Frame) {
	switch f.Kind {
	case protocol.KindText:
		var msg protocol.Text
		if err := protocol.Decode(f, &msg); err != nil {
			m.dropBroken(c, err)
			return
		}
		m.emitter.Emit(event.Event{
			Kind:     event.KindMessageReceived,
			PeerID:   c.peerID,
			PeerName: c.name,
			Message:  msg.Text,
		})
	case protocol.KindFileMeta:
		var meta protocol.FileMeta
		if err := protocol.Decode(f, &meta); err != nil {
			m.dropBroken(c, err)
			return
		}
		if t := m.transferHandler(); t != nil {
			t.HandleFileMeta(c.peerID, c.name, meta)
		}
	case protocol.KindFileChunk:
		var chunk protocol.FileChunk
		if err := protocol.Decode(f, &chunk); err != nil {
			m.dropBroken(c, err)
			return
		}
		if t := m.transferHandler(); t != nil {
			t.HandleFileChunk(c.peerID, chunk)
		}
	case protocol.KindControl:
		// Receipt alone refreshes the activity clock; nothing to do.
	case protocol.KindHello:
		// A hello after the handshake is harmless; ignore it.
	}
}

func (m *Manager) transferHandler() TransferHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transfer
}

func (m *Manager) dropBroken(c *Connection, cause error) {
	m.emitter.Emit(event.Event{
		Kind:    event.KindError,
		PeerID:  c.peerID,
		Message: fmt.Sprintf("malformed frame from peer: %v", cause),
	})
	m.dropConnection(c, cause)
}

// connClosed runs when a connection's readPump exits.
func (m *Manager) connClosed(c *Connection, cause error) {
	if errors.Is(cause, protocol.ErrFrameTooLarge) || errors.Is(cause, protocol.ErrUnknownKind) {
		m.dropBroken(c, cause)
		return
	}
	if cause != nil && !errors.Is(cause, io.EOF) {
		m.log.Debug("connection read ended", zap.String("peer", c.peerID), zap.Error(cause))
	}
	m.dropConnection(c, cause)
}

// dropConnection removes and closes a connection, notifying the transfer
// subsystem and emitting the disconnect event. Only the currently
// registered connection for the peer is dropped; a stale pointer from an
// earlier connection is ignored.
func (m *Manager) dropConnection(c *Connection, cause error) {
	m.mu.Lock()
	cur, exists := m.conns[c.peerID]
	if !exists || cur != c {
		m.mu.Unlock()
		c.close()
		return
	}
	delete(m.conns, c.peerID)
	closed := m.closed
	t := m.transfer
	m.mu.Unlock()

	c.close()
	m.registry.SetStatus(c.peerID, StatusDisconnected)
	if t != nil {
		t.PeerGone(c.peerID)
	}
	if closed {
		return
	}
	m.emitter.Emit(event.Event{
		Kind:     event.KindPeerDisconnected,
		PeerID:   c.peerID,
		PeerName: c.name,
	})
}

// KeepaliveLoop pings every connection periodically and drops peers whose
// connections have gone silent past the idle timeout. Returns when ctx is
// cancelled.
func (m *Manager) KeepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval.Duration)
	defer ticker.Stop()

	ping, err := protocol.Encode(protocol.KindControl, protocol.Control{Type: protocol.ControlPing})
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.mu.RLock()
			conns := make([]*Connection, 0, len(m.conns))
			for _, c := range m.conns {
				conns = append(conns, c)
			}
			m.mu.RUnlock()

			for _, c := range conns {
				if c.idleFor() > m.cfg.IdleTimeout.Duration {
					m.log.Info("peer unresponsive, dropping connection",
						zap.String("peer", c.peerID))
					m.dropConnection(c, errs.ErrPeerUnresponsive)
					continue
				}
				// Best effort; a full queue means traffic is flowing anyway.
				_ = c.Send(ping)
			}
		}
	}
}

// CloseAll tears down every connection without emitting per-peer disconnect
// events. Used during shutdown, where the caller has already promised that
// no events follow.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	m.host.RemoveStreamHandler(coreproto.ID(protocol.ID))
	for _, c := range conns {
		c.close()
		m.registry.SetStatus(c.peerID, StatusDisconnected)
	}
}
