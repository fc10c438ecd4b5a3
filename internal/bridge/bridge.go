// Package bridge adapts the Messenger API to a flat call boundary: opaque
// integer handles, integer status codes, a string table and one global
// event callback. A host-language binding maps onto these functions one to
// one without touching Go types.
package bridge

import (
	"encoding/json"
	"errors"
	"sync"

	archsock "github.com/oriaj-nocrala/archsock"
	"github.com/oriaj-nocrala/archsock/internal/config"
	"github.com/oriaj-nocrala/archsock/internal/errs"
)

// Handle identifies one Messenger instance across the boundary. Zero is
// never a valid handle.
type Handle uint64

// Status is the boundary result code.
type Status int32

const (
	StatusOK               Status = 0
	StatusInvalidHandle    Status = -1
	StatusInvalidParameter Status = -2
	StatusNetwork          Status = -3
	StatusRuntime          Status = -4
)

var (
	mu         sync.Mutex
	nextHandle Handle = 1
	instances         = make(map[Handle]*archsock.Messenger)
)

func statusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, errs.ErrDestroyed):
		return StatusInvalidHandle
	case errors.Is(err, errs.ErrInvalidParameter),
		errors.Is(err, errs.ErrPeerNotFound):
		return StatusInvalidParameter
	case errors.Is(err, errs.ErrNotStarted),
		errors.Is(err, errs.ErrStopped),
		errors.Is(err, errs.ErrPeerNotConnected),
		errors.Is(err, errs.ErrConnectionFailed),
		errors.Is(err, errs.ErrSendQueueFull),
		errors.Is(err, errs.ErrPeerUnresponsive):
		return StatusNetwork
	default:
		return StatusRuntime
	}
}

func lookup(h Handle) (*archsock.Messenger, Status) {
	mu.Lock()
	defer mu.Unlock()
	m, ok := instances[h]
	if !ok {
		return nil, StatusInvalidHandle
	}
	return m, StatusOK
}

// Create makes an instance with default ports and returns its handle.
func Create(name string) (Handle, Status) {
	return register(archsock.New(name))
}

// CreateWithPorts makes an instance with explicit ports.
func CreateWithPorts(name string, tcpPort, discoveryPort int) (Handle, Status) {
	return register(archsock.NewWithPorts(name, tcpPort, discoveryPort))
}

// CreateFromConfigFile makes an instance from a TOML config file, for
// hosts that want the full configuration surface through the boundary.
func CreateFromConfigFile(path string) (Handle, Status) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return 0, StatusInvalidParameter
	}
	return register(archsock.NewWithConfig(cfg))
}

func register(m *archsock.Messenger, err error) (Handle, Status) {
	if err != nil {
		return 0, statusFromError(err)
	}
	mu.Lock()
	defer mu.Unlock()
	h := nextHandle
	nextHandle++
	instances[h] = m
	return h, StatusOK
}

// Start brings the instance online.
func Start(h Handle) Status {
	m, st := lookup(h)
	if st != StatusOK {
		return st
	}
	return statusFromError(m.Start())
}

// Stop takes the instance offline. The handle stays valid.
func Stop(h Handle) Status {
	m, st := lookup(h)
	if st != StatusOK {
		return st
	}
	return statusFromError(m.Stop())
}

// Destroy stops the instance if needed and invalidates the handle. A
// second Destroy on the same handle reports invalid-handle.
func Destroy(h Handle) Status {
	mu.Lock()
	m, ok := instances[h]
	if !ok {
		mu.Unlock()
		return StatusInvalidHandle
	}
	delete(instances, h)
	mu.Unlock()
	return statusFromError(m.Close())
}

// DiscoverPeers broadcasts a discovery probe.
func DiscoverPeers(h Handle) Status {
	m, st := lookup(h)
	if st != StatusOK {
		return st
	}
	return statusFromError(m.Discover())
}

// ConnectPeer connects to a discovered peer.
func ConnectPeer(h Handle, peerID string) Status {
	m, st := lookup(h)
	if st != StatusOK {
		return st
	}
	return statusFromError(m.Connect(peerID))
}

// DisconnectPeer closes the connection to a peer.
func DisconnectPeer(h Handle, peerID string) Status {
	m, st := lookup(h)
	if st != StatusOK {
		return st
	}
	return statusFromError(m.Disconnect(peerID))
}

// SendText sends a chat message to a connected peer.
func SendText(h Handle, peerID, text string) Status {
	m, st := lookup(h)
	if st != StatusOK {
		return st
	}
	_, err := m.SendText(peerID, text)
	return statusFromError(err)
}

// SendFile starts a file transfer to a connected peer.
func SendFile(h Handle, peerID, path string) Status {
	m, st := lookup(h)
	if st != StatusOK {
		return st
	}
	_, err := m.SendFile(peerID, path)
	return statusFromError(err)
}

// PeerCount returns the number of known peers.
func PeerCount(h Handle) (int, Status) {
	m, st := lookup(h)
	if st != StatusOK {
		return 0, st
	}
	return m.PeerCount(), StatusOK
}

// ConnectedCount returns the number of live connections.
func ConnectedCount(h Handle) (int, Status) {
	m, st := lookup(h)
	if st != StatusOK {
		return 0, st
	}
	return m.ConnectedCount(), StatusOK
}

// peerJSON is the boundary representation of a known peer.
type peerJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

// ListPeers returns the known peers as a JSON array behind a string ref.
// The caller owns the ref and must release it with FreeString.
func ListPeers(h Handle) (StringRef, Status) {
	m, st := lookup(h)
	if st != StatusOK {
		return 0, st
	}
	peers := m.Peers()
	out := make([]peerJSON, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerJSON{ID: p.ID, Name: p.Name, Status: p.Status, Connected: p.Connected})
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return 0, StatusRuntime
	}
	return internString(string(payload)), StatusOK
}

// GetID returns the instance's peer id behind a string ref.
func GetID(h Handle) (StringRef, Status) {
	m, st := lookup(h)
	if st != StatusOK {
		return 0, st
	}
	return internString(m.ID()), StatusOK
}

// GetName returns the instance's display name behind a string ref.
func GetName(h Handle) (StringRef, Status) {
	m, st := lookup(h)
	if st != StatusOK {
		return 0, st
	}
	return internString(m.Name()), StatusOK
}

// GetLocalIP returns the machine's LAN address behind a string ref.
func GetLocalIP(h Handle) (StringRef, Status) {
	m, st := lookup(h)
	if st != StatusOK {
		return 0, st
	}
	return internString(m.LocalIP()), StatusOK
}
