package protocol

// Hello is exchanged once in each direction when a connection is
// established. It attributes the transport link to a peer identity.
type Hello struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
}

// Text carries one chat message.
type Text struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	SentAt int64  `json:"sent_at"`
}

// FileMeta announces an incoming file transfer.
type FileMeta struct {
	TransferID string `json:"transfer_id"`
	Name       string `json:"name"`
	Size       uint64 `json:"size"`
}

// FileChunk carries one bounded-size piece of a file transfer. Offset is
// the position of Data within the file; chunks arrive in stream order.
type FileChunk struct {
	TransferID string `json:"transfer_id"`
	Offset     uint64 `json:"offset"`
	Data       []byte `json:"data"`
}

// Control carries connection housekeeping. Ping is the only type today;
// any control frame counts as activity on the receiving side.
type Control struct {
	Type string `json:"type"`
}

// ControlPing is the keep-alive control type.
const ControlPing = "ping"
