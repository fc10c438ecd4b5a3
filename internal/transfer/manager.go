// Package transfer implements chunked file transfer on top of the data
// channel. Outbound files are streamed as a meta frame followed by ordered
// chunk frames; inbound files are spooled to a temp file and renamed into
// the download directory once the final byte arrives.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oriaj-nocrala/archsock/internal/config"
	"github.com/oriaj-nocrala/archsock/internal/errs"
	"github.com/oriaj-nocrala/archsock/internal/event"
	"github.com/oriaj-nocrala/archsock/internal/protocol"
)

// FrameSender is the slice of the connection manager the transfer
// subsystem needs.
type FrameSender interface {
	SendFrame(peerID string, f protocol.Frame) error
	SendFrameBlocking(peerID string, f protocol.Frame) error
	Connected(peerID string) bool
}

// inbound is the state of one receiving transfer. Chunks must arrive in
// file order; received is both the write offset and the expected offset of
// the next chunk.
type inbound struct {
	id       string
	peerID   string
	peerName string
	name     string
	size     uint64
	received uint64
	spool    *os.File
}

// Manager tracks in-flight transfers in both directions.
type Manager struct {
	log         *zap.Logger
	cfg         config.TransferConfig
	downloadDir string
	sender      FrameSender
	emitter     *event.Emitter

	mu       sync.Mutex
	inbounds map[string]*inbound
	closed   bool
}

func NewManager(cfg config.TransferConfig, downloadDir string, sender FrameSender, em *event.Emitter, log *zap.Logger) *Manager {
	return &Manager{
		log:         log,
		cfg:         cfg,
		downloadDir: downloadDir,
		sender:      sender,
		emitter:     em,
		inbounds:    make(map[string]*inbound),
	}
}

// SendFile starts sending the file at path to the peer and returns the
// transfer id. The actual transfer runs in the background; failures along
// the way surface as error events.
func (m *Manager) SendFile(peerID, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrInvalidParameter, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", errs.ErrInvalidParameter, path)
	}
	if !m.sender.Connected(peerID) {
		return "", errs.ErrPeerNotConnected
	}

	id := uuid.NewString()
	go m.runSend(peerID, path, id, filepath.Base(path), uint64(info.Size()))
	return id, nil
}

func (m *Manager) runSend(peerID, path, id, name string, size uint64) {
	f, err := os.Open(path)
	if err != nil {
		m.failSend(peerID, id, name, err)
		return
	}
	defer f.Close()

	meta, err := protocol.Encode(protocol.KindFileMeta, protocol.FileMeta{
		TransferID: id,
		Name:       name,
		Size:       size,
	})
	if err != nil {
		m.failSend(peerID, id, name, err)
		return
	}
	// Blocking sends throughout: a bulk transfer wants backpressure from
	// the send queue, not queue-full errors.
	if err := m.sender.SendFrameBlocking(peerID, meta); err != nil {
		m.failSend(peerID, id, name, err)
		return
	}

	buf := make([]byte, m.cfg.ChunkSize)
	var offset uint64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk, cerr := protocol.Encode(protocol.KindFileChunk, protocol.FileChunk{
				TransferID: id,
				Offset:     offset,
				Data:       buf[:n],
			})
			if cerr != nil {
				m.failSend(peerID, id, name, cerr)
				return
			}
			if serr := m.sender.SendFrameBlocking(peerID, chunk); serr != nil {
				m.failSend(peerID, id, name, serr)
				return
			}
			offset += uint64(n)
			m.emitter.Emit(event.Event{
				Kind:   event.KindTransferProgress,
				PeerID: peerID,
				Transfer: &event.TransferInfo{
					ID: id, Name: name, Bytes: offset, Total: size,
				},
			})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			m.failSend(peerID, id, name, err)
			return
		}
	}
	m.log.Info("file sent",
		zap.String("peer", peerID),
		zap.String("file", name),
		zap.Uint64("bytes", offset))
}

func (m *Manager) failSend(peerID, id, name string, cause error) {
	m.log.Warn("file send failed",
		zap.String("peer", peerID),
		zap.String("file", name),
		zap.Error(cause))
	m.emitter.Emit(event.Event{
		Kind:     event.KindError,
		PeerID:   peerID,
		Message:  fmt.Sprintf("sending %s failed: %v", name, cause),
		Transfer: &event.TransferInfo{ID: id, Name: name},
	})
}

// HandleFileMeta starts an inbound transfer.
func (m *Manager) HandleFileMeta(peerID, peerName string, meta protocol.FileMeta) {
	if meta.TransferID == "" || meta.Name == "" {
		m.emitError(peerID, meta.TransferID, meta.Name, errors.New("malformed transfer metadata"))
		return
	}
	// The sender's path components have no business on our filesystem.
	name := filepath.Base(filepath.Clean(meta.Name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		m.emitError(peerID, meta.TransferID, meta.Name, errors.New("unusable file name"))
		return
	}

	if err := os.MkdirAll(m.downloadDir, 0o755); err != nil {
		m.emitError(peerID, meta.TransferID, name, err)
		return
	}
	spool, err := os.CreateTemp(m.downloadDir, ".archsock-*.part")
	if err != nil {
		m.emitError(peerID, meta.TransferID, name, err)
		return
	}

	in := &inbound{
		id:       meta.TransferID,
		peerID:   peerID,
		peerName: peerName,
		name:     name,
		size:     meta.Size,
		spool:    spool,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		discardSpool(spool)
		return
	}
	if _, dup := m.inbounds[in.id]; dup {
		m.mu.Unlock()
		discardSpool(spool)
		m.emitError(peerID, in.id, name, errors.New("duplicate transfer id"))
		return
	}
	m.inbounds[in.id] = in
	m.mu.Unlock()

	m.emitter.Emit(event.Event{
		Kind:     event.KindTransferProgress,
		PeerID:   peerID,
		PeerName: peerName,
		Transfer: &event.TransferInfo{ID: in.id, Name: name, Bytes: 0, Total: in.size},
	})

	if in.size == 0 {
		m.complete(in)
	}
}

// HandleFileChunk appends one chunk to its inbound transfer.
func (m *Manager) HandleFileChunk(peerID string, chunk protocol.FileChunk) {
	m.mu.Lock()
	in, ok := m.inbounds[chunk.TransferID]
	m.mu.Unlock()
	if !ok {
		m.emitError(peerID, chunk.TransferID, "", errors.New("chunk for unknown transfer"))
		return
	}
	if in.peerID != peerID {
		m.fail(in, errors.New("chunk from wrong peer"))
		return
	}
	if chunk.Offset != in.received {
		m.fail(in, fmt.Errorf("chunk out of order: offset %d, expected %d", chunk.Offset, in.received))
		return
	}
	if in.received+uint64(len(chunk.Data)) > in.size {
		m.fail(in, errors.New("transfer exceeds declared size"))
		return
	}

	if _, err := in.spool.Write(chunk.Data); err != nil {
		m.fail(in, err)
		return
	}
	in.received += uint64(len(chunk.Data))

	m.emitter.Emit(event.Event{
		Kind:     event.KindTransferProgress,
		PeerID:   peerID,
		PeerName: in.peerName,
		Transfer: &event.TransferInfo{ID: in.id, Name: in.name, Bytes: in.received, Total: in.size},
	})

	if in.received == in.size {
		m.complete(in)
	}
}

// complete moves the spool file to its final name and announces the file.
func (m *Manager) complete(in *inbound) {
	m.mu.Lock()
	delete(m.inbounds, in.id)
	m.mu.Unlock()

	if err := in.spool.Close(); err != nil {
		m.emitError(in.peerID, in.id, in.name, err)
		os.Remove(in.spool.Name())
		return
	}
	final := uniquePath(m.downloadDir, in.name)
	if err := os.Rename(in.spool.Name(), final); err != nil {
		m.emitError(in.peerID, in.id, in.name, err)
		os.Remove(in.spool.Name())
		return
	}

	m.log.Info("file received",
		zap.String("peer", in.peerID),
		zap.String("file", in.name),
		zap.Uint64("bytes", in.size))
	m.emitter.Emit(event.Event{
		Kind:     event.KindFileReceived,
		PeerID:   in.peerID,
		PeerName: in.peerName,
		Message:  final,
		Transfer: &event.TransferInfo{ID: in.id, Name: in.name, Bytes: in.size, Total: in.size},
	})
}

// fail aborts an inbound transfer and discards the partial file.
func (m *Manager) fail(in *inbound, cause error) {
	m.mu.Lock()
	delete(m.inbounds, in.id)
	m.mu.Unlock()

	discardSpool(in.spool)
	m.emitError(in.peerID, in.id, in.name, cause)
}

func (m *Manager) emitError(peerID, id, name string, cause error) {
	m.emitter.Emit(event.Event{
		Kind:     event.KindError,
		PeerID:   peerID,
		Message:  fmt.Sprintf("file transfer failed: %v", cause),
		Transfer: &event.TransferInfo{ID: id, Name: name},
	})
}

// PeerGone aborts every inbound transfer from a disconnected peer.
func (m *Manager) PeerGone(peerID string) {
	m.mu.Lock()
	var gone []*inbound
	for id, in := range m.inbounds {
		if in.peerID == peerID {
			gone = append(gone, in)
			delete(m.inbounds, id)
		}
	}
	m.mu.Unlock()

	for _, in := range gone {
		discardSpool(in.spool)
		m.emitError(in.peerID, in.id, in.name, errs.ErrPeerNotConnected)
	}
}

// Close aborts every in-flight inbound transfer. New transfers are refused
// afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ins := make([]*inbound, 0, len(m.inbounds))
	for _, in := range m.inbounds {
		ins = append(ins, in)
	}
	m.inbounds = make(map[string]*inbound)
	m.mu.Unlock()

	for _, in := range ins {
		discardSpool(in.spool)
	}
}

func discardSpool(f *os.File) {
	name := f.Name()
	f.Close()
	os.Remove(name)
}

// uniquePath picks a path in dir for name that does not collide with an
// existing file, appending " (n)" before the extension when needed.
func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}
