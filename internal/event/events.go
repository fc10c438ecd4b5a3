// Package event defines engine events and the process-wide observer slot.
package event

// Kind identifies an event type. The numeric values of the first six kinds
// are part of the call-boundary contract and must not be reordered.
type Kind int32

const (
	KindPeerDiscovered Kind = iota + 1
	KindPeerConnected
	KindPeerDisconnected
	KindMessageReceived
	KindFileReceived
	KindError

	// The remaining kinds are internal-only; they are not surfaced through
	// the boundary callback.
	KindTransferProgress
	KindMessageSent
)

func (k Kind) String() string {
	switch k {
	case KindPeerDiscovered:
		return "peer-discovered"
	case KindPeerConnected:
		return "peer-connected"
	case KindPeerDisconnected:
		return "peer-disconnected"
	case KindMessageReceived:
		return "message-received"
	case KindFileReceived:
		return "file-received"
	case KindError:
		return "error"
	case KindTransferProgress:
		return "transfer-progress"
	case KindMessageSent:
		return "message-sent"
	default:
		return "unknown"
	}
}

// TransferInfo carries file-transfer details on progress events.
type TransferInfo struct {
	ID    string
	Name  string
	Bytes uint64
	Total uint64
}

// Event is one asynchronous notification from the engine. Message holds the
// text payload for message-received, the saved file path for file-received,
// and a description for error events.
type Event struct {
	Kind     Kind
	PeerID   string
	PeerName string
	Message  string
	Transfer *TransferInfo
}
