package bridge

import (
	archsock "github.com/oriaj-nocrala/archsock"
)

// Boundary event kinds. These integer codes are the contract with host
// bindings and never change.
const (
	EventPeerDiscovered   int32 = 1
	EventPeerConnected    int32 = 2
	EventPeerDisconnected int32 = 3
	EventMessageReceived  int32 = 4
	EventFileReceived     int32 = 5
	EventError            int32 = 6
)

// EventCallback receives boundary events. The string arguments are only
// valid for the duration of the call.
type EventCallback func(kind int32, peerID, peerName, payload string)

// SetEventCallback installs the process-wide callback. There is exactly
// one slot; a new callback replaces the old, and nil clears it. Internal
// progress events are not forwarded.
func SetEventCallback(cb EventCallback) {
	if cb == nil {
		archsock.RegisterObserver(nil)
		return
	}
	archsock.RegisterObserver(func(ev archsock.Event) {
		switch ev.Kind {
		case archsock.EventTransferProgress, archsock.EventMessageSent:
			return
		}
		cb(int32(ev.Kind), ev.PeerID, ev.PeerName, ev.Message)
	})
}
