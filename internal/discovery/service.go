// Package discovery implements presence announcement over UDP broadcast.
// Every instance periodically broadcasts a small JSON datagram on the
// discovery port and listens for the datagrams of others; a probe datagram
// asks listeners to announce themselves immediately.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oriaj-nocrala/archsock/internal/config"
)

// Datagram types.
const (
	TypeAnnounce = "announce"
	TypeProbe    = "probe"
)

// Datagram is the discovery wire format.
type Datagram struct {
	Type   string   `json:"type"`
	PeerID string   `json:"peer_id"`
	Name   string   `json:"name"`
	Addrs  []string `json:"addrs"`
}

// Sink receives peer sightings parsed off the discovery socket.
type Sink interface {
	PeerSeen(id, name string, addrs []string)
}

// Service binds the discovery socket and runs the announce and listen
// loops. Addrs is called on every announcement so address changes on the
// data channel are picked up without restarting discovery.
type Service struct {
	log      *zap.Logger
	cfg      config.DiscoveryConfig
	port     int
	selfID   string
	selfName string
	addrs    func() []string
	sink     Sink

	conn    *net.UDPConn
	targets []*net.UDPAddr
}

func New(cfg config.DiscoveryConfig, port int, selfID, selfName string, addrs func() []string, sink Sink, log *zap.Logger) *Service {
	return &Service{
		log:      log,
		cfg:      cfg,
		port:     port,
		selfID:   selfID,
		selfName: selfName,
		addrs:    addrs,
		sink:     sink,
	}
}

// Start binds the UDP socket and enables broadcast on it.
func (s *Service) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.port})
	if err != nil {
		return fmt.Errorf("failed to bind discovery port %d: %w", s.port, err)
	}
	if err := enableBroadcast(conn); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable broadcast: %w", err)
	}
	s.conn = conn

	ip := net.ParseIP(s.cfg.BroadcastAddr)
	if ip == nil {
		conn.Close()
		return fmt.Errorf("invalid broadcast address: %q", s.cfg.BroadcastAddr)
	}
	ports := s.cfg.BroadcastPorts
	if len(ports) == 0 {
		ports = []int{s.port}
	}
	s.targets = s.targets[:0]
	for _, p := range ports {
		s.targets = append(s.targets, &net.UDPAddr{IP: ip, Port: p})
	}
	return nil
}

func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return serr
}

// Run drives the announce and listen loops until ctx is cancelled, then
// closes the socket.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.announceLoop(gctx) })
	g.Go(func() error { return s.listenLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		// Unblocks the reader.
		return s.conn.Close()
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Service) announceLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.AnnounceInterval.Duration)
	defer ticker.Stop()

	s.announce(nil)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.announce(nil)
		}
	}
}

// announce sends one announce datagram. With a nil destination it goes to
// every broadcast target; otherwise it is unicast, which is how probes are
// answered.
func (s *Service) announce(to *net.UDPAddr) {
	d := Datagram{
		Type:   TypeAnnounce,
		PeerID: s.selfID,
		Name:   s.selfName,
		Addrs:  s.addrs(),
	}
	s.send(d, to)
}

// Probe asks every listener on the broadcast targets to announce
// themselves now instead of waiting for their next interval.
func (s *Service) Probe() {
	s.send(Datagram{Type: TypeProbe, PeerID: s.selfID, Name: s.selfName}, nil)
}

func (s *Service) send(d Datagram, to *net.UDPAddr) {
	payload, err := json.Marshal(d)
	if err != nil {
		s.log.Warn("failed to encode discovery datagram", zap.Error(err))
		return
	}
	if to != nil {
		if _, err := s.conn.WriteToUDP(payload, to); err != nil {
			s.log.Debug("discovery send failed", zap.Stringer("to", to), zap.Error(err))
		}
		return
	}
	for _, t := range s.targets {
		if _, err := s.conn.WriteToUDP(payload, t); err != nil {
			s.log.Debug("discovery send failed", zap.Stringer("to", t), zap.Error(err))
		}
	}
}

func (s *Service) listenLoop(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		var d Datagram
		if err := json.Unmarshal(buf[:n], &d); err != nil {
			s.log.Debug("ignoring malformed discovery datagram",
				zap.Stringer("from", src), zap.Error(err))
			continue
		}
		// Our own broadcasts loop back; drop them.
		if d.PeerID == s.selfID || d.PeerID == "" {
			continue
		}

		switch d.Type {
		case TypeAnnounce:
			s.sink.PeerSeen(d.PeerID, d.Name, d.Addrs)
		case TypeProbe:
			s.announce(src)
		default:
			s.log.Debug("ignoring discovery datagram with unknown type",
				zap.String("type", d.Type))
		}
	}
}
