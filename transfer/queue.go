package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"camlink/network"
	"camlink/storage"
)

const (
	// DefaultChunkTimeout bounds a single chunk request.
	DefaultChunkTimeout = 30 * time.Second
)

var (
	// ErrTransferIncomplete indicates a transfer that ended without receiving any bytes.
	ErrTransferIncomplete = errors.New("transfer: no bytes received")
	// ErrCancelled indicates a transfer stopped by Cancel or Close.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrQueueClosed indicates Start was called after Close.
	ErrQueueClosed = errors.New("transfer: queue closed")
	// ErrUnknownTransfer indicates Cancel was given an ID the queue does not hold.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
)

// ChunkRequester fetches one chunk from a remote peer.
type ChunkRequester interface {
	RequestChunk(ctx context.Context, peerUUID string, chunk network.MediaTransferChunk) ([]byte, error)
}

// Volume grants exclusive access to the storage holding transfer destinations.
type Volume interface {
	Acquire() error
	Release()
}

// Store persists transfer history and resumable checkpoints.
type Store interface {
	CreateTransfer(transfer storage.Transfer) error
	UpdateTransferProgress(transferID, status string, bytesTransferred int64, chunkCount int) error
	UpsertTransferCheckpoint(checkpoint storage.TransferCheckpoint) error
	GetTransferCheckpoint(key string) (*storage.TransferCheckpoint, error)
	DeleteTransferCheckpoint(key string) error
}

// Progress reports one received chunk.
type Progress struct {
	TransferID       string
	PeerUUID         string
	File             string
	Index            int
	ChunkLength      int
	BytesTransferred int64
}

// Snapshot is a read-only view of a queued or active transfer.
type Snapshot struct {
	TransferID       string
	PeerUUID         string
	Descriptor       network.MediaTransferChunk
	Destination      string
	NextIndex        int
	BytesTransferred int64
	Active           bool
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	Requester     ChunkRequester
	Store         Store
	Volume        Volume
	ChunkTimeout  time.Duration
	OnProgress    func(Progress)
	LoggerFactory logging.LoggerFactory
}

type session struct {
	id          string
	peerUUID    string
	descriptor  network.MediaTransferChunk
	destination string
	done        func(bool)

	ctx    context.Context
	cancel context.CancelFunc

	nextIndex        atomic.Int64
	bytesTransferred atomic.Int64
	finished         atomic.Bool
}

// stop marks the session finished and cancels its context without reporting.
// It reports whether this call won.
func (s *session) stop() bool {
	if !s.finished.CompareAndSwap(false, true) {
		return false
	}
	s.cancel()
	return true
}

// finish stops a session that never reached the worker and runs done.
func (s *session) finish(ok bool) bool {
	if !s.stop() {
		return false
	}
	s.report(ok)
	return true
}

func (s *session) report(ok bool) {
	if s.done != nil {
		s.done(ok)
	}
}

// Queue pulls media files from peers one at a time.
type Queue struct {
	options QueueOptions
	log     logging.LeveledLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	backlog []*session
	active  *session
	closed  bool
	wake    chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewQueue creates a queue and starts its worker.
func NewQueue(options QueueOptions) (*Queue, error) {
	if options.Requester == nil {
		return nil, errors.New("chunk requester is required")
	}
	if options.ChunkTimeout <= 0 {
		options.ChunkTimeout = DefaultChunkTimeout
	}
	loggerFactory := options.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		options: options,
		log:     loggerFactory.NewLogger("transfer"),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}
	q.wg.Add(1)
	go q.run()
	return q, nil
}

// Start enqueues a pull of descriptor's file from peerUUID into destination. done is
// called once with true when at least one byte arrived and the file ended, false
// otherwise. The chunk index of descriptor is ignored.
func (q *Queue) Start(peerUUID string, descriptor network.MediaTransferChunk, destination string, done func(bool)) (string, error) {
	if peerUUID == "" {
		return "", errors.New("peer uuid is required")
	}
	if descriptor.File == "" {
		return "", errors.New("descriptor file is required")
	}
	if destination == "" {
		return "", errors.New("destination is required")
	}
	descriptor.Index = 0

	ctx, cancel := context.WithCancel(q.ctx)
	s := &session{
		id:          uuid.NewString(),
		peerUUID:    peerUUID,
		descriptor:  descriptor,
		destination: destination,
		done:        done,
		ctx:         ctx,
		cancel:      cancel,
	}

	if q.options.Store != nil {
		if err := q.options.Store.CreateTransfer(storage.Transfer{
			TransferID:  s.id,
			PeerUUID:    peerUUID,
			ProjectID:   descriptor.ProjectUUID,
			TakeID:      descriptor.TakeUUID,
			FileName:    descriptor.File,
			Destination: destination,
			Status:      storage.TransferStatusPending,
		}); err != nil {
			q.log.Warnf("record transfer %s: %v", s.id, err)
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		cancel()
		q.record(s, storage.TransferStatusCancelled)
		return "", ErrQueueClosed
	}
	q.backlog = append(q.backlog, s)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return s.id, nil
}

// Cancel stops a queued or active transfer. Cancelling a finished transfer is a no-op.
func (q *Queue) Cancel(transferID string) error {
	q.mu.Lock()
	if q.active != nil && q.active.id == transferID {
		active := q.active
		q.mu.Unlock()
		// The worker reports once pull has released the volume and the file.
		active.stop()
		return nil
	}
	var target *session
	for i, s := range q.backlog {
		if s.id == transferID {
			target = s
			q.backlog = append(q.backlog[:i], q.backlog[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%w %q", ErrUnknownTransfer, transferID)
	}
	if target.finish(false) {
		q.record(target, storage.TransferStatusCancelled)
	}
	return nil
}

// Sessions returns the active transfer followed by the backlog in order.
func (q *Queue) Sessions() []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Snapshot, 0, len(q.backlog)+1)
	if q.active != nil {
		out = append(out, snapshotOf(q.active, true))
	}
	for _, s := range q.backlog {
		out = append(out, snapshotOf(s, false))
	}
	return out
}

// Close cancels every transfer and waits for the worker to exit.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		pending := q.backlog
		q.backlog = nil
		q.mu.Unlock()

		q.cancel()
		for _, s := range pending {
			if s.finish(false) {
				q.record(s, storage.TransferStatusCancelled)
			}
		}
		q.wg.Wait()
	})
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		s := q.next()
		if s != nil {
			q.execute(s)
			continue
		}
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) next() *session {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active = nil
	for len(q.backlog) > 0 {
		s := q.backlog[0]
		q.backlog = q.backlog[1:]
		if s.finished.Load() {
			continue
		}
		q.active = s
		return s
	}
	return nil
}

func (q *Queue) execute(s *session) {
	q.record(s, storage.TransferStatusActive)

	ok, err := q.pull(s)
	status := storage.TransferStatusComplete
	switch {
	case errors.Is(err, ErrCancelled):
		status = storage.TransferStatusCancelled
	case err != nil:
		status = storage.TransferStatusFailed
		q.log.Warnf("transfer %s of %s from %s failed: %v", s.id, s.descriptor.File, s.peerUUID, err)
	default:
		q.log.Infof("transfer %s of %s from %s complete: %d bytes", s.id, s.descriptor.File, s.peerUUID, s.bytesTransferred.Load())
	}

	// Only the worker reports an active session, and only after pull returned.
	if !s.stop() {
		ok = false
		status = storage.TransferStatusCancelled
	}
	s.report(ok)
	q.record(s, status)
}

// pull runs one transfer to completion. The volume is released before it returns.
func (q *Queue) pull(s *session) (bool, error) {
	if q.options.Volume != nil {
		if err := q.options.Volume.Acquire(); err != nil {
			return false, fmt.Errorf("acquire volume: %w", err)
		}
		defer q.options.Volume.Release()
	}

	file, err := q.openDestination(s)
	if err != nil {
		return false, err
	}
	closed := false
	defer func() {
		if !closed {
			_ = file.Close()
		}
		if s.bytesTransferred.Load() == 0 {
			q.discard(s)
		}
	}()

	for {
		if s.finished.Load() {
			return false, ErrCancelled
		}

		chunk := s.descriptor
		chunk.Index = int(s.nextIndex.Load())

		ctx, cancel := context.WithTimeout(s.ctx, q.options.ChunkTimeout)
		data, err := q.options.Requester.RequestChunk(ctx, s.peerUUID, chunk)
		cancel()
		if s.finished.Load() || s.ctx.Err() != nil {
			return false, ErrCancelled
		}
		if err != nil {
			return false, fmt.Errorf("request chunk %d: %w", chunk.Index, err)
		}

		if _, err := file.Write(data); err != nil {
			return false, fmt.Errorf("write chunk %d: %w", chunk.Index, err)
		}
		total := s.bytesTransferred.Add(int64(len(data)))
		s.nextIndex.Add(1)
		q.checkpoint(s)

		if q.options.OnProgress != nil {
			q.options.OnProgress(Progress{
				TransferID:       s.id,
				PeerUUID:         s.peerUUID,
				File:             s.descriptor.File,
				Index:            chunk.Index,
				ChunkLength:      len(data),
				BytesTransferred: total,
			})
		}

		if len(data) < network.SegmentSize {
			break
		}
	}

	closed = true
	if err := file.Close(); err != nil {
		return false, fmt.Errorf("close destination: %w", err)
	}
	if s.bytesTransferred.Load() == 0 {
		return false, ErrTransferIncomplete
	}
	q.clearCheckpoint(s)
	return true, nil
}

// discard removes a destination that never received a byte, whatever ended the pull.
func (q *Queue) discard(s *session) {
	if err := os.Remove(s.destination); err != nil && !errors.Is(err, os.ErrNotExist) {
		q.log.Warnf("remove empty destination %s: %v", s.destination, err)
	}
	q.clearCheckpoint(s)
}

// openDestination opens the sink, resuming from a checkpoint when the file on disk
// holds exactly the checkpointed bytes.
func (q *Queue) openDestination(s *session) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(s.destination), 0o700); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	if checkpoint := q.loadCheckpoint(s); checkpoint != nil {
		file, err := os.OpenFile(s.destination, os.O_WRONLY, 0o600)
		if err == nil {
			if _, err := file.Seek(checkpoint.BytesTransferred, io.SeekStart); err == nil {
				if err := file.Truncate(checkpoint.BytesTransferred); err == nil {
					s.nextIndex.Store(int64(checkpoint.NextIndex))
					s.bytesTransferred.Store(checkpoint.BytesTransferred)
					q.log.Infof("resuming transfer %s at chunk %d", s.id, checkpoint.NextIndex)
					return file, nil
				}
			}
			_ = file.Close()
		}
	}

	file, err := os.OpenFile(s.destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open destination: %w", err)
	}
	return file, nil
}

func (q *Queue) loadCheckpoint(s *session) *storage.TransferCheckpoint {
	if q.options.Store == nil {
		return nil
	}
	checkpoint, err := q.options.Store.GetTransferCheckpoint(checkpointKey(s))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			q.log.Warnf("load checkpoint for %s: %v", s.id, err)
		}
		return nil
	}
	if checkpoint.Destination != s.destination || checkpoint.NextIndex <= 0 {
		return nil
	}
	if checkpoint.BytesTransferred != int64(checkpoint.NextIndex)*network.SegmentSize {
		return nil
	}
	info, err := os.Stat(s.destination)
	if err != nil || info.Size() != checkpoint.BytesTransferred {
		return nil
	}
	return checkpoint
}

func (q *Queue) checkpoint(s *session) {
	if q.options.Store == nil {
		return
	}
	if err := q.options.Store.UpsertTransferCheckpoint(storage.TransferCheckpoint{
		Key:              checkpointKey(s),
		NextIndex:        int(s.nextIndex.Load()),
		BytesTransferred: s.bytesTransferred.Load(),
		Destination:      s.destination,
	}); err != nil {
		q.log.Warnf("checkpoint transfer %s: %v", s.id, err)
	}
	if err := q.options.Store.UpdateTransferProgress(
		s.id,
		storage.TransferStatusActive,
		s.bytesTransferred.Load(),
		int(s.nextIndex.Load()),
	); err != nil {
		q.log.Warnf("update transfer %s: %v", s.id, err)
	}
}

func (q *Queue) clearCheckpoint(s *session) {
	if q.options.Store == nil {
		return
	}
	if err := q.options.Store.DeleteTransferCheckpoint(checkpointKey(s)); err != nil {
		q.log.Warnf("delete checkpoint for %s: %v", s.id, err)
	}
}

func (q *Queue) record(s *session, status string) {
	if q.options.Store == nil {
		return
	}
	if err := q.options.Store.UpdateTransferProgress(
		s.id,
		status,
		s.bytesTransferred.Load(),
		int(s.nextIndex.Load()),
	); err != nil {
		q.log.Warnf("update transfer %s: %v", s.id, err)
	}
}

func checkpointKey(s *session) string {
	return strings.Join([]string{
		s.peerUUID,
		s.descriptor.ProjectUUID,
		s.descriptor.TakeUUID,
		s.descriptor.File,
	}, "/")
}

func snapshotOf(s *session, active bool) Snapshot {
	return Snapshot{
		TransferID:       s.id,
		PeerUUID:         s.peerUUID,
		Descriptor:       s.descriptor,
		Destination:      s.destination,
		NextIndex:        int(s.nextIndex.Load()),
		BytesTransferred: s.bytesTransferred.Load(),
		Active:           active,
	}
}

// ChunkCount returns the number of chunk requests a file of size bytes needs: one per
// full segment plus the final short (possibly empty) chunk.
func ChunkCount(size int64) int {
	if size < 0 {
		return 0
	}
	return int(size/network.SegmentSize) + 1
}
