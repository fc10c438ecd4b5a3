package peer

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/zap"

	"github.com/oriaj-nocrala/archsock/internal/config"
	"github.com/oriaj-nocrala/archsock/internal/errs"
	"github.com/oriaj-nocrala/archsock/internal/event"
	"github.com/oriaj-nocrala/archsock/internal/protocol"
)

func testConnConfig() config.ConnectionConfig {
	return config.ConnectionConfig{
		ConnectTimeout:    config.Duration{Duration: 5 * time.Second},
		KeepaliveInterval: config.Duration{Duration: 100 * time.Millisecond},
		IdleTimeout:       config.Duration{Duration: 5 * time.Second},
		SendQueueDepth:    16,
		MaxTextSize:       1024,
	}
}

func newHost(t *testing.T) host.Host {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
	)
	if err != nil {
		t.Fatalf("failed to create host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func addrStrings(h host.Host) []string {
	var out []string
	for _, a := range h.Addrs() {
		out = append(out, a.String())
	}
	return out
}

// newPair builds two managers on loopback hosts that know about each
// other through their registries, as if discovery had already run.
func newPair(t *testing.T) (a, b *Manager, ha, hb host.Host) {
	t.Helper()
	ha, hb = newHost(t), newHost(t)

	regA, regB := NewRegistry(), NewRegistry()
	regA.Upsert(hb.ID().String(), "bob", addrStrings(hb))
	regB.Upsert(ha.ID().String(), "alice", addrStrings(ha))

	emA := event.NewEmitter(zap.NewNop())
	emB := event.NewEmitter(zap.NewNop())
	t.Cleanup(emA.Close)
	t.Cleanup(emB.Close)

	a = NewManager(ha, "alice", testConnConfig(), regA, emA, zap.NewNop())
	b = NewManager(hb, "bob", testConnConfig(), regB, emB, zap.NewNop())
	t.Cleanup(a.CloseAll)
	t.Cleanup(b.CloseAll)
	return a, b, ha, hb
}

func collectEvents(t *testing.T) func() []event.Event {
	t.Helper()
	var mu sync.Mutex
	var got []event.Event
	event.RegisterObserver(func(ev event.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	t.Cleanup(func() { event.RegisterObserver(nil) })
	return func() []event.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]event.Event(nil), got...)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAndSendText(t *testing.T) {
	snapshot := collectEvents(t)
	a, b, _, hb := newPair(t)
	bobID := hb.ID().String()

	if err := a.Connect(context.Background(), bobID); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, "both sides connected", func() bool {
		return a.ConnectedCount() == 1 && b.ConnectedCount() == 1
	})

	id, err := a.SendText(bobID, "hi")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if id == "" {
		t.Error("send should return a message id")
	}

	waitFor(t, "message event on bob's side", func() bool {
		for _, ev := range snapshot() {
			if ev.Kind == event.KindMessageReceived && ev.Message == "hi" && ev.PeerName == "alice" {
				return true
			}
		}
		return false
	})
	waitFor(t, "sent event on alice's side", func() bool {
		for _, ev := range snapshot() {
			if ev.Kind == event.KindMessageSent && ev.Message == "hi" && ev.PeerID == bobID {
				return true
			}
		}
		return false
	})
}

func TestConnectUnknownPeer(t *testing.T) {
	a, _, _, _ := newPair(t)
	if err := a.Connect(context.Background(), "unknown-peer"); !errors.Is(err, errs.ErrPeerNotFound) {
		t.Errorf("err = %v, want ErrPeerNotFound", err)
	}
}

func TestDuplicateConnect(t *testing.T) {
	a, b, _, hb := newPair(t)
	bobID := hb.ID().String()

	if err := a.Connect(context.Background(), bobID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connection up", func() bool { return b.ConnectedCount() == 1 })

	if err := a.Connect(context.Background(), bobID); err != nil {
		t.Errorf("duplicate connect: err = %v, want nil", err)
	}
	if a.ConnectedCount() != 1 {
		t.Errorf("connection count = %d, want 1", a.ConnectedCount())
	}
}

func TestSendTextValidation(t *testing.T) {
	a, _, _, hb := newPair(t)
	bobID := hb.ID().String()

	if _, err := a.SendText(bobID, ""); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Errorf("empty text: err = %v, want ErrInvalidParameter", err)
	}
	long := make([]byte, 2048) // above MaxTextSize 1024
	if _, err := a.SendText(bobID, string(long)); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Errorf("oversized text: err = %v, want ErrInvalidParameter", err)
	}
	if _, err := a.SendText(bobID, "hi"); !errors.Is(err, errs.ErrPeerNotConnected) {
		t.Errorf("not connected: err = %v, want ErrPeerNotConnected", err)
	}
}

func TestDisconnect(t *testing.T) {
	a, b, _, hb := newPair(t)
	bobID := hb.ID().String()

	if err := a.Connect(context.Background(), bobID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connection up", func() bool { return b.ConnectedCount() == 1 })

	a.Disconnect(bobID)
	waitFor(t, "both sides dropped", func() bool {
		return a.ConnectedCount() == 0 && b.ConnectedCount() == 0
	})

	// Idempotent.
	a.Disconnect(bobID)
}

func TestRemoteFailureDropsConnection(t *testing.T) {
	a, _, _, hb := newPair(t)
	bobID := hb.ID().String()

	if err := a.Connect(context.Background(), bobID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connection up", func() bool { return a.ConnectedCount() == 1 })

	hb.Close()
	waitFor(t, "failure detected", func() bool { return a.ConnectedCount() == 0 })
}

// recordingHandler captures routed transfer frames.
type recordingHandler struct {
	mu     sync.Mutex
	metas  []protocol.FileMeta
	chunks []protocol.FileChunk
	gone   []string
}

func (r *recordingHandler) HandleFileMeta(peerID, peerName string, meta protocol.FileMeta) {
	r.mu.Lock()
	r.metas = append(r.metas, meta)
	r.mu.Unlock()
}

func (r *recordingHandler) HandleFileChunk(peerID string, chunk protocol.FileChunk) {
	r.mu.Lock()
	r.chunks = append(r.chunks, chunk)
	r.mu.Unlock()
}

func (r *recordingHandler) PeerGone(peerID string) {
	r.mu.Lock()
	r.gone = append(r.gone, peerID)
	r.mu.Unlock()
}

func TestTransferFrameRouting(t *testing.T) {
	a, b, _, hb := newPair(t)
	bobID := hb.ID().String()

	handler := &recordingHandler{}
	b.SetTransferHandler(handler)

	if err := a.Connect(context.Background(), bobID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connection up", func() bool { return b.ConnectedCount() == 1 })

	meta, err := protocol.Encode(protocol.KindFileMeta, protocol.FileMeta{
		TransferID: "t-1", Name: "x.bin", Size: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SendFrame(bobID, meta); err != nil {
		t.Fatal(err)
	}
	chunk, err := protocol.Encode(protocol.KindFileChunk, protocol.FileChunk{
		TransferID: "t-1", Offset: 0, Data: []byte("data"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SendFrameBlocking(bobID, chunk); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "frames routed to handler", func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.metas) == 1 && len(handler.chunks) == 1
	})

	// Dropping the connection notifies the handler.
	a.Disconnect(bobID)
	waitFor(t, "peer-gone notification", func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.gone) > 0
	})
}

func TestCloseAllRefusesNewConnections(t *testing.T) {
	a, _, _, hb := newPair(t)
	bobID := hb.ID().String()

	a.CloseAll()
	if err := a.Connect(context.Background(), bobID); !errors.Is(err, errs.ErrNotStarted) {
		t.Errorf("connect after close: err = %v, want ErrNotStarted", err)
	}
}
