package transfer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/oriaj-nocrala/archsock/internal/config"
	"github.com/oriaj-nocrala/archsock/internal/errs"
	"github.com/oriaj-nocrala/archsock/internal/event"
	"github.com/oriaj-nocrala/archsock/internal/protocol"
)

// fakeSender records every frame handed to it.
type fakeSender struct {
	mu        sync.Mutex
	frames    []protocol.Frame
	connected bool
	fail      error
}

func (f *fakeSender) SendFrame(peerID string, fr protocol.Frame) error {
	return f.SendFrameBlocking(peerID, fr)
}

func (f *fakeSender) SendFrameBlocking(peerID string, fr protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSender) Connected(peerID string) bool { return f.connected }

func (f *fakeSender) snapshot() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.frames...)
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
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, sender FrameSender) (*Manager, string, *event.Emitter) {
	t.Helper()
	dir := t.TempDir()
	em := event.NewEmitter(zap.NewNop())
	t.Cleanup(em.Close)
	cfg := config.TransferConfig{ChunkSize: 8}
	return NewManager(cfg, dir, sender, em, zap.NewNop()), dir, em
}

func TestSendFileValidation(t *testing.T) {
	sender := &fakeSender{connected: true}
	m, dir, _ := newTestManager(t, sender)

	if _, err := m.SendFile("peer-1", filepath.Join(dir, "missing.txt")); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Errorf("missing file: err = %v, want ErrInvalidParameter", err)
	}
	if _, err := m.SendFile("peer-1", dir); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Errorf("directory: err = %v, want ErrInvalidParameter", err)
	}

	path := filepath.Join(dir, "ok.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sender.connected = false
	if _, err := m.SendFile("peer-1", path); !errors.Is(err, errs.ErrPeerNotConnected) {
		t.Errorf("disconnected: err = %v, want ErrPeerNotConnected", err)
	}
}

func TestSendFileStreamsOrderedChunks(t *testing.T) {
	sender := &fakeSender{connected: true}
	m, dir, _ := newTestManager(t, sender)

	content := []byte("0123456789abcdefghij") // 20 bytes, chunk size 8
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := m.SendFile("peer-1", path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	waitFor(t, "all frames sent", func() bool { return len(sender.snapshot()) == 4 })

	frames := sender.snapshot()
	var meta protocol.FileMeta
	if frames[0].Kind != protocol.KindFileMeta {
		t.Fatalf("first frame kind = %d, want meta", frames[0].Kind)
	}
	if err := protocol.Decode(frames[0], &meta); err != nil {
		t.Fatal(err)
	}
	if meta.TransferID != id || meta.Name != "data.bin" || meta.Size != 20 {
		t.Errorf("meta = %+v", meta)
	}

	var rebuilt []byte
	var expectOffset uint64
	for _, fr := range frames[1:] {
		var chunk protocol.FileChunk
		if err := protocol.Decode(fr, &chunk); err != nil {
			t.Fatal(err)
		}
		if chunk.Offset != expectOffset {
			t.Errorf("chunk offset = %d, want %d", chunk.Offset, expectOffset)
		}
		expectOffset += uint64(len(chunk.Data))
		rebuilt = append(rebuilt, chunk.Data...)
	}
	if !bytes.Equal(rebuilt, content) {
		t.Errorf("rebuilt content does not match original")
	}
}

func TestSendFileFailureEmitsError(t *testing.T) {
	sender := &fakeSender{connected: true, fail: errs.ErrPeerNotConnected}
	m, dir, _ := newTestManager(t, sender)
	snapshot := collectEvents(t)

	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SendFile("peer-1", path); err != nil {
		t.Fatalf("SendFile should hand off asynchronously: %v", err)
	}

	waitFor(t, "error event", func() bool {
		for _, ev := range snapshot() {
			if ev.Kind == event.KindError {
				return true
			}
		}
		return false
	})
}

func receiveFile(t *testing.T, m *Manager, peerID, id, name string, content []byte) {
	t.Helper()
	m.HandleFileMeta(peerID, "alice", protocol.FileMeta{
		TransferID: id,
		Name:       name,
		Size:       uint64(len(content)),
	})
	for off := 0; off < len(content); off += 8 {
		end := off + 8
		if end > len(content) {
			end = len(content)
		}
		m.HandleFileChunk(peerID, protocol.FileChunk{
			TransferID: id,
			Offset:     uint64(off),
			Data:       content[off:end],
		})
	}
}

func TestReceiveFile(t *testing.T) {
	m, dir, _ := newTestManager(t, &fakeSender{connected: true})
	snapshot := collectEvents(t)

	content := []byte("the quick brown fox jumps over the lazy dog")
	receiveFile(t, m, "peer-1", "t-1", "fox.txt", content)

	var received event.Event
	waitFor(t, "file-received event", func() bool {
		for _, ev := range snapshot() {
			if ev.Kind == event.KindFileReceived {
				received = ev
				return true
			}
		}
		return false
	})

	if received.Message != filepath.Join(dir, "fox.txt") {
		t.Errorf("saved path = %q", received.Message)
	}
	got, err := os.ReadFile(received.Message)
	if err != nil {
		t.Fatalf("saved file unreadable: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("saved content does not match sent content")
	}
}

func TestReceiveZeroByteFile(t *testing.T) {
	m, dir, _ := newTestManager(t, &fakeSender{connected: true})
	snapshot := collectEvents(t)

	receiveFile(t, m, "peer-1", "t-0", "empty.txt", nil)

	waitFor(t, "file-received event", func() bool {
		count := 0
		for _, ev := range snapshot() {
			if ev.Kind == event.KindFileReceived {
				count++
			}
		}
		return count == 1
	})
	info, err := os.Stat(filepath.Join(dir, "empty.txt"))
	if err != nil {
		t.Fatalf("empty file not created: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("size = %d, want 0", info.Size())
	}
}

func TestOutOfOrderChunkFailsTransfer(t *testing.T) {
	m, dir, _ := newTestManager(t, &fakeSender{connected: true})
	snapshot := collectEvents(t)

	m.HandleFileMeta("peer-1", "alice", protocol.FileMeta{TransferID: "t-2", Name: "gap.bin", Size: 16})
	m.HandleFileChunk("peer-1", protocol.FileChunk{TransferID: "t-2", Offset: 8, Data: make([]byte, 8)})

	waitFor(t, "error event", func() bool {
		for _, ev := range snapshot() {
			if ev.Kind == event.KindError {
				return true
			}
		}
		return false
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("download dir not clean after failed transfer: %v", entries)
	}

	// The transfer is gone; a late chunk only produces another error.
	m.HandleFileChunk("peer-1", protocol.FileChunk{TransferID: "t-2", Offset: 0, Data: make([]byte, 8)})
	if _, err := os.Stat(filepath.Join(dir, "gap.bin")); !os.IsNotExist(err) {
		t.Error("failed transfer must not leave a final file")
	}
}

func TestReceiveNameCollision(t *testing.T) {
	m, dir, _ := newTestManager(t, &fakeSender{connected: true})
	snapshot := collectEvents(t)

	receiveFile(t, m, "peer-1", "t-a", "dup.txt", []byte("first"))
	receiveFile(t, m, "peer-1", "t-b", "dup.txt", []byte("second"))

	waitFor(t, "both files received", func() bool {
		count := 0
		for _, ev := range snapshot() {
			if ev.Kind == event.KindFileReceived {
				count++
			}
		}
		return count == 2
	})

	if _, err := os.Stat(filepath.Join(dir, "dup.txt")); err != nil {
		t.Error("first file missing")
	}
	if _, err := os.Stat(filepath.Join(dir, "dup (1).txt")); err != nil {
		t.Error("second file should get a deduplicated name")
	}
}

func TestReceiveStripsPathComponents(t *testing.T) {
	m, dir, _ := newTestManager(t, &fakeSender{connected: true})
	snapshot := collectEvents(t)

	receiveFile(t, m, "peer-1", "t-c", "../../evil.txt", []byte("payload"))

	waitFor(t, "file-received event", func() bool {
		for _, ev := range snapshot() {
			if ev.Kind == event.KindFileReceived {
				if !strings.HasPrefix(ev.Message, dir) {
					t.Fatalf("file escaped download dir: %q", ev.Message)
				}
				return true
			}
		}
		return false
	})
	if _, err := os.Stat(filepath.Join(dir, "evil.txt")); err != nil {
		t.Error("file should land in the download dir under its base name")
	}
}

func TestPeerGoneAbortsInbound(t *testing.T) {
	m, dir, _ := newTestManager(t, &fakeSender{connected: true})
	snapshot := collectEvents(t)

	m.HandleFileMeta("peer-1", "alice", protocol.FileMeta{TransferID: "t-d", Name: "half.bin", Size: 16})
	m.HandleFileChunk("peer-1", protocol.FileChunk{TransferID: "t-d", Offset: 0, Data: make([]byte, 8)})
	m.PeerGone("peer-1")

	waitFor(t, "abort error event", func() bool {
		for _, ev := range snapshot() {
			if ev.Kind == event.KindError {
				return true
			}
		}
		return false
	})
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("partial file left behind: %v", entries)
	}
}
