package archsock

import (
	"time"

	"github.com/oriaj-nocrala/archsock/internal/event"
)

// Event and its kinds are re-exported so embedders never import internal
// packages.
type (
	Event        = event.Event
	EventKind    = event.Kind
	TransferInfo = event.TransferInfo
)

const (
	EventPeerDiscovered   = event.KindPeerDiscovered
	EventPeerConnected    = event.KindPeerConnected
	EventPeerDisconnected = event.KindPeerDisconnected
	EventMessageReceived  = event.KindMessageReceived
	EventFileReceived     = event.KindFileReceived
	EventError            = event.KindError
	EventTransferProgress = event.KindTransferProgress
	EventMessageSent      = event.KindMessageSent
)

// Observer receives every event from every live instance, one at a time.
type Observer = event.Observer

// RegisterObserver replaces the process-wide observer. Pass nil to drop
// events. Replacing the observer is atomic: once RegisterObserver returns,
// the previous observer receives nothing further.
func RegisterObserver(obs Observer) {
	event.RegisterObserver(obs)
}

// PeerInfo describes one known peer.
type PeerInfo struct {
	ID        string
	Name      string
	Status    string
	Connected bool
	LastSeen  time.Time
}
