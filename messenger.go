// Package archsock is an embeddable peer-to-peer LAN messenger engine.
// Instances discover each other over UDP broadcast, connect over libp2p
// streams, and exchange chat messages and files. All engine activity is
// reported asynchronously through the registered observer.
package archsock

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/oriaj-nocrala/archsock/internal/config"
	"github.com/oriaj-nocrala/archsock/internal/discovery"
	"github.com/oriaj-nocrala/archsock/internal/errs"
	"github.com/oriaj-nocrala/archsock/internal/event"
	"github.com/oriaj-nocrala/archsock/internal/peer"
	"github.com/oriaj-nocrala/archsock/internal/transfer"
)

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
	stateDestroyed
)

// Messenger is one engine instance. The zero value is not usable; create
// instances with New, NewWithPorts or NewWithConfig.
type Messenger struct {
	cfg  *config.Config
	priv crypto.PrivKey
	id   string

	mu        sync.Mutex
	state     state
	log       *zap.Logger
	emitter   *event.Emitter
	host      host.Host
	registry  *peer.Registry
	conns     *peer.Manager
	transfers *transfer.Manager
	disc      *discovery.Service
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New creates an instance with the default ports.
func New(name string) (*Messenger, error) {
	cfg := config.DefaultConfig()
	cfg.Messenger.Name = name
	return NewWithConfig(cfg)
}

// NewWithPorts creates an instance listening on the given data and
// discovery ports. Ports outside 1-65535 are rejected.
func NewWithPorts(name string, tcpPort, discoveryPort int) (*Messenger, error) {
	cfg := config.DefaultConfig()
	cfg.Messenger.Name = name
	cfg.Messenger.TCPPort = tcpPort
	cfg.Messenger.DiscoveryPort = discoveryPort
	return NewWithConfig(cfg)
}

// NewWithConfig creates an instance from a full configuration. The identity
// key pair is generated here, so the peer id is stable across Start/Stop.
func NewWithConfig(cfg *config.Config) (*Messenger, error) {
	if cfg.Messenger.Name == "" {
		return nil, fmt.Errorf("%w: display name is required", errs.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidParameter, err)
	}

	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	pid, err := libp2ppeer.IDFromPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer ID: %w", err)
	}

	return &Messenger{
		cfg:      cfg,
		priv:     priv,
		id:       pid.String(),
		state:    stateCreated,
		registry: peer.NewRegistry(),
	}, nil
}

// ID returns the instance's peer id. Stable from creation on.
func (m *Messenger) ID() string { return m.id }

// Name returns the instance's display name.
func (m *Messenger) Name() string { return m.cfg.Messenger.Name }

// DownloadDir returns where received files are written.
func (m *Messenger) DownloadDir() string { return m.cfg.Messenger.DownloadDir }

// Start brings the instance online: data-channel host, discovery loops and
// connection keep-alive. Starting a running instance is a no-op; a stopped
// instance cannot be restarted.
func (m *Messenger) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateRunning:
		return nil
	case stateStopped:
		return errs.ErrStopped
	case stateDestroyed:
		return errs.ErrDestroyed
	}

	m.log = newLogger(m.cfg.Logging.Verbosity)
	m.emitter = event.NewEmitter(m.log.Named("dispatch"))

	h, err := libp2p.New(
		libp2p.Identity(m.priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", m.cfg.Messenger.TCPPort)),
	)
	if err != nil {
		m.emitter.Close()
		return fmt.Errorf("failed to create host: %w", err)
	}
	m.host = h

	m.conns = peer.NewManager(h, m.cfg.Messenger.Name, m.cfg.Connection,
		m.registry, m.emitter, m.log.Named("peer"))
	m.transfers = transfer.NewManager(m.cfg.Transfer, m.cfg.Messenger.DownloadDir,
		m.conns, m.emitter, m.log.Named("transfer"))
	m.conns.SetTransferHandler(m.transfers)

	// The closure captures h directly so announcements never touch m.mu;
	// Stop holds that lock while waiting for the discovery loop to exit.
	addrsFn := func() []string {
		addrs := h.Addrs()
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, a.String())
		}
		return out
	}
	m.disc = discovery.New(m.cfg.Discovery, m.cfg.Messenger.DiscoveryPort,
		m.id, m.cfg.Messenger.Name, addrsFn, &sink{m: m}, m.log.Named("discovery"))
	if err := m.disc.Start(); err != nil {
		m.conns.CloseAll()
		h.Close()
		m.emitter.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.disc.Run(gctx) })
	g.Go(func() error { return m.conns.KeepaliveLoop(gctx) })
	g.Go(func() error { return m.sweepLoop(gctx) })
	m.cancel = cancel
	m.group = g

	m.state = stateRunning
	m.log.Info("messenger started",
		zap.String("id", m.id),
		zap.String("name", m.cfg.Messenger.Name),
		zap.Int("discovery_port", m.cfg.Messenger.DiscoveryPort))
	return nil
}

// Stop takes the instance offline. All connections close, background loops
// join, and no event is delivered after Stop returns. Idempotent.
func (m *Messenger) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *Messenger) stopLocked() error {
	switch m.state {
	case stateCreated, stateStopped:
		m.state = stateStopped
		return nil
	case stateDestroyed:
		return errs.ErrDestroyed
	}

	m.cancel()
	if err := m.group.Wait(); err != nil {
		m.log.Warn("background loop ended with error", zap.Error(err))
	}
	m.conns.CloseAll()
	m.transfers.Close()
	if err := m.host.Close(); err != nil {
		m.log.Warn("host close failed", zap.Error(err))
	}
	m.emitter.Close()
	m.log.Info("messenger stopped")
	_ = m.log.Sync()

	m.state = stateStopped
	return nil
}

// Close stops the instance if needed and releases it for good. A closed
// instance rejects every operation with ErrDestroyed.
func (m *Messenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == stateDestroyed {
		return nil
	}
	if err := m.stopLocked(); err != nil {
		return err
	}
	m.state = stateDestroyed
	return nil
}

// Discover broadcasts a probe so that every reachable peer announces
// itself immediately.
func (m *Messenger) Discover() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRunningLocked(); err != nil {
		return err
	}
	m.disc.Probe()
	return nil
}

// Peers returns a snapshot of every known peer.
func (m *Messenger) Peers() []PeerInfo {
	recs := m.registry.Snapshot()
	out := make([]PeerInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, PeerInfo{
			ID:        r.ID,
			Name:      r.Name,
			Status:    r.Status.String(),
			Connected: r.Status == peer.StatusConnected,
			LastSeen:  r.LastSeen,
		})
	}
	return out
}

// PeerCount returns the number of known peers.
func (m *Messenger) PeerCount() int { return m.registry.Count() }

// ConnectedCount returns the number of live connections.
func (m *Messenger) ConnectedCount() int {
	m.mu.Lock()
	conns := m.conns
	m.mu.Unlock()
	if conns == nil {
		return 0
	}
	return conns.ConnectedCount()
}

// Connect establishes a connection to a discovered peer. Connecting to an
// already-connected peer succeeds without doing anything.
func (m *Messenger) Connect(peerID string) error {
	conns, err := m.running()
	if err != nil {
		return err
	}
	if peerID == "" || peerID == m.id {
		return errs.ErrInvalidParameter
	}
	return conns.Connect(context.Background(), peerID)
}

// Disconnect closes the connection to a peer. Idempotent.
func (m *Messenger) Disconnect(peerID string) error {
	conns, err := m.running()
	if err != nil {
		return err
	}
	if peerID == "" {
		return errs.ErrInvalidParameter
	}
	conns.Disconnect(peerID)
	return nil
}

// SendText sends a chat message to a connected peer and returns the
// message id.
func (m *Messenger) SendText(peerID, text string) (string, error) {
	conns, err := m.running()
	if err != nil {
		return "", err
	}
	if peerID == "" {
		return "", errs.ErrInvalidParameter
	}
	return conns.SendText(peerID, text)
}

// SendFile starts sending a file to a connected peer and returns the
// transfer id. The transfer itself runs in the background.
func (m *Messenger) SendFile(peerID, path string) (string, error) {
	m.mu.Lock()
	transfers := m.transfers
	stateErr := m.requireRunningLocked()
	m.mu.Unlock()
	if stateErr != nil {
		return "", stateErr
	}
	if peerID == "" || path == "" {
		return "", errs.ErrInvalidParameter
	}
	return transfers.SendFile(peerID, path)
}

// LocalIP returns the address this machine uses for outbound LAN traffic.
// No packet is sent; the dial only resolves a route.
func (m *Messenger) LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func (m *Messenger) running() (*peer.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRunningLocked(); err != nil {
		return nil, err
	}
	return m.conns, nil
}

func (m *Messenger) requireRunningLocked() error {
	switch m.state {
	case stateRunning:
		return nil
	case stateDestroyed:
		return errs.ErrDestroyed
	default:
		return errs.ErrNotStarted
	}
}

// sweepLoop evicts peers that stopped announcing.
func (m *Messenger) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Discovery.SweepInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, rec := range m.registry.EvictStale(m.cfg.Discovery.StaleAfter.Duration) {
				m.log.Debug("evicted stale peer",
					zap.String("peer", rec.ID), zap.String("name", rec.Name))
			}
		}
	}
}

// sink feeds discovery sightings into the registry without exporting the
// callback on Messenger itself.
type sink struct {
	m *Messenger
}

func (s *sink) PeerSeen(id, name string, addrs []string) {
	rec, isNew := s.m.registry.Upsert(id, name, addrs)
	if isNew {
		s.m.emitter.Emit(event.Event{
			Kind:     event.KindPeerDiscovered,
			PeerID:   rec.ID,
			PeerName: rec.Name,
		})
	}
}

func newLogger(verbosity int) *zap.Logger {
	level := zapcore.WarnLevel
	switch {
	case verbosity >= 2:
		level = zapcore.DebugLevel
	case verbosity == 1:
		level = zapcore.InfoLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
