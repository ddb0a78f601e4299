package transfer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"

	"camlink/network"
	"camlink/storage"
)

type fileRequester struct {
	mu      sync.Mutex
	data    []byte
	failAt  int
	indices []int
	lengths []int
}

func newFileRequester(data []byte) *fileRequester {
	return &fileRequester{data: data, failAt: -1}
}

func (r *fileRequester) RequestChunk(_ context.Context, _ string, chunk network.MediaTransferChunk) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if chunk.Index == r.failAt {
		return nil, errors.New("connection reset")
	}
	start := chunk.Offset()
	out := []byte{}
	if start < int64(len(r.data)) {
		end := start + network.SegmentSize
		if end > int64(len(r.data)) {
			end = int64(len(r.data))
		}
		out = append(out, r.data[start:end]...)
	}
	r.indices = append(r.indices, chunk.Index)
	r.lengths = append(r.lengths, len(out))
	return out, nil
}

func (r *fileRequester) calls() ([]int, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.indices...), append([]int(nil), r.lengths...)
}

type countingVolume struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (v *countingVolume) Acquire() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.acquired++
	return nil
}

func (v *countingVolume) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.released++
}

func (v *countingVolume) counts() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.acquired, v.released
}

func patterned(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestQueue(t *testing.T, options QueueOptions) *Queue {
	t.Helper()
	queue, err := NewQueue(options)
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	t.Cleanup(queue.Close)
	return queue
}

func waitDone(t *testing.T, done <-chan bool) bool {
	t.Helper()
	select {
	case ok := <-done:
		return ok
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for transfer completion")
	}
	return false
}

func waitForStatus(t *testing.T, store *storage.Store, transferID, status string) storage.Transfer {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		transfer, err := store.GetTransfer(transferID)
		if err == nil && transfer.Status == status {
			return *transfer
		}
		time.Sleep(10 * time.Millisecond)
	}
	transfer, err := store.GetTransfer(transferID)
	t.Fatalf("timed out waiting for transfer status %q, final=%+v err=%v", status, transfer, err)
	return storage.Transfer{}
}

var clip = network.MediaTransferChunk{ProjectUUID: "project-1", TakeUUID: "take-1", File: "clip.mov"}

func TestChunkCount(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{size: 0, want: 1},
		{size: 1, want: 1},
		{size: network.SegmentSize - 1, want: 1},
		{size: network.SegmentSize, want: 2},
		{size: 2 * network.SegmentSize, want: 3},
		{size: 5_000_003, want: 3},
	}
	for _, tc := range cases {
		if got := ChunkCount(tc.size); got != tc.want {
			t.Fatalf("ChunkCount(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestTransferOfFiveMillionThreeBytes(t *testing.T) {
	report := test.TimeOut(30 * time.Second)
	defer report.Stop()

	data := patterned(5_000_003)
	requester := newFileRequester(data)
	store := newTestStore(t)

	var progressMu sync.Mutex
	var progress []Progress
	queue := newTestQueue(t, QueueOptions{
		Requester: requester,
		Store:     store,
		OnProgress: func(p Progress) {
			progressMu.Lock()
			progress = append(progress, p)
			progressMu.Unlock()
		},
	})

	destination := filepath.Join(t.TempDir(), "clip.mov")
	done := make(chan bool, 1)
	transferID, err := queue.Start("cam-1", clip, destination, func(ok bool) { done <- ok })
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !waitDone(t, done) {
		t.Fatalf("expected transfer to succeed")
	}

	indices, lengths := requester.calls()
	if len(indices) != 3 || indices[0] != 0 || indices[1] != 1 || indices[2] != 2 {
		t.Fatalf("unexpected chunk indices %v", indices)
	}
	if lengths[0] != 2_000_000 || lengths[1] != 2_000_000 || lengths[2] != 1_000_003 {
		t.Fatalf("unexpected chunk lengths %v", lengths)
	}

	got, err := os.ReadFile(destination)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("destination content mismatch: got %d bytes", len(got))
	}

	progressMu.Lock()
	last := progress[len(progress)-1]
	progressMu.Unlock()
	if last.BytesTransferred != 5_000_003 || last.Index != 2 {
		t.Fatalf("unexpected final progress %+v", last)
	}

	transfer := waitForStatus(t, store, transferID, storage.TransferStatusComplete)
	if transfer.BytesTransferred != 5_000_003 || transfer.ChunkCount != 3 {
		t.Fatalf("unexpected transfer history %+v", transfer)
	}
	if _, err := store.GetTransferCheckpoint("cam-1/project-1/take-1/clip.mov"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected checkpoint to be cleared, got %v", err)
	}
}

func TestTransferOfExactMultipleRequestsEmptyFinalChunk(t *testing.T) {
	requester := newFileRequester(patterned(2 * network.SegmentSize))
	queue := newTestQueue(t, QueueOptions{Requester: requester})

	destination := filepath.Join(t.TempDir(), "clip.mov")
	done := make(chan bool, 1)
	if _, err := queue.Start("cam-1", clip, destination, func(ok bool) { done <- ok }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !waitDone(t, done) {
		t.Fatalf("expected transfer to succeed")
	}

	indices, lengths := requester.calls()
	if len(indices) != ChunkCount(2*network.SegmentSize) {
		t.Fatalf("expected %d requests, got %v", ChunkCount(2*network.SegmentSize), indices)
	}
	if lengths[len(lengths)-1] != 0 {
		t.Fatalf("expected empty final chunk, got lengths %v", lengths)
	}
	info, err := os.Stat(destination)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 2*network.SegmentSize {
		t.Fatalf("unexpected destination size %d", info.Size())
	}
}

func TestTransferWithEmptyFirstChunkRemovesDestination(t *testing.T) {
	requester := newFileRequester(nil)
	store := newTestStore(t)
	queue := newTestQueue(t, QueueOptions{Requester: requester, Store: store})

	destination := filepath.Join(t.TempDir(), "missing.mov")
	done := make(chan bool, 1)
	transferID, err := queue.Start("cam-1", clip, destination, func(ok bool) { done <- ok })
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if waitDone(t, done) {
		t.Fatalf("expected transfer of absent file to fail")
	}
	if _, err := os.Stat(destination); !os.IsNotExist(err) {
		t.Fatalf("expected destination to be removed, got %v", err)
	}
	if indices, _ := requester.calls(); len(indices) != 1 {
		t.Fatalf("expected a single request, got %v", indices)
	}
	waitForStatus(t, store, transferID, storage.TransferStatusFailed)
}

func TestTransportErrorFailsTransferAndReleasesVolume(t *testing.T) {
	requester := newFileRequester(patterned(3 * network.SegmentSize))
	requester.failAt = 1
	volume := &countingVolume{}
	store := newTestStore(t)
	queue := newTestQueue(t, QueueOptions{Requester: requester, Store: store, Volume: volume})

	destination := filepath.Join(t.TempDir(), "clip.mov")
	done := make(chan bool, 1)
	transferID, err := queue.Start("cam-1", clip, destination, func(ok bool) { done <- ok })
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if waitDone(t, done) {
		t.Fatalf("expected transport error to fail the transfer")
	}

	acquired, released := volume.counts()
	if acquired != 1 || released != 1 {
		t.Fatalf("expected volume acquired and released once, got %d/%d", acquired, released)
	}
	waitForStatus(t, store, transferID, storage.TransferStatusFailed)

	checkpoint, err := store.GetTransferCheckpoint("cam-1/project-1/take-1/clip.mov")
	if err != nil {
		t.Fatalf("expected checkpoint to survive a transport error: %v", err)
	}
	if checkpoint.NextIndex != 1 || checkpoint.BytesTransferred != network.SegmentSize {
		t.Fatalf("unexpected checkpoint %+v", checkpoint)
	}
}

func TestTransportErrorOnFirstChunkRemovesDestination(t *testing.T) {
	requester := newFileRequester(patterned(network.SegmentSize + 10))
	requester.failAt = 0
	volume := &countingVolume{}
	store := newTestStore(t)
	queue := newTestQueue(t, QueueOptions{Requester: requester, Store: store, Volume: volume})

	destination := filepath.Join(t.TempDir(), "clip.mov")
	done := make(chan bool, 1)
	transferID, err := queue.Start("cam-1", clip, destination, func(ok bool) { done <- ok })
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if waitDone(t, done) {
		t.Fatalf("expected transport error to fail the transfer")
	}
	if _, err := os.Stat(destination); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected empty destination to be removed, got %v", err)
	}
	if _, err := store.GetTransferCheckpoint("cam-1/project-1/take-1/clip.mov"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no checkpoint after an empty transfer, got %v", err)
	}
	if acquired, released := volume.counts(); acquired != 1 || released != 1 {
		t.Fatalf("expected volume acquired and released once, got %d/%d", acquired, released)
	}
	waitForStatus(t, store, transferID, storage.TransferStatusFailed)
}

func TestTransferResumesFromCheckpoint(t *testing.T) {
	data := patterned(network.SegmentSize + 10)
	requester := newFileRequester(data)
	store := newTestStore(t)

	destination := filepath.Join(t.TempDir(), "clip.mov")
	if err := os.WriteFile(destination, data[:network.SegmentSize], 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := store.UpsertTransferCheckpoint(storage.TransferCheckpoint{
		Key:              "cam-1/project-1/take-1/clip.mov",
		NextIndex:        1,
		BytesTransferred: network.SegmentSize,
		Destination:      destination,
	}); err != nil {
		t.Fatalf("UpsertTransferCheckpoint failed: %v", err)
	}

	queue := newTestQueue(t, QueueOptions{Requester: requester, Store: store})
	done := make(chan bool, 1)
	if _, err := queue.Start("cam-1", clip, destination, func(ok bool) { done <- ok }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !waitDone(t, done) {
		t.Fatalf("expected resumed transfer to succeed")
	}

	if indices, _ := requester.calls(); len(indices) != 1 || indices[0] != 1 {
		t.Fatalf("expected transfer to resume at chunk 1, got %v", indices)
	}
	got, err := os.ReadFile(destination)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("resumed content mismatch")
	}
}

func TestTransferIgnoresStaleCheckpoint(t *testing.T) {
	data := patterned(100)
	requester := newFileRequester(data)
	store := newTestStore(t)

	destination := filepath.Join(t.TempDir(), "clip.mov")
	if err := store.UpsertTransferCheckpoint(storage.TransferCheckpoint{
		Key:              "cam-1/project-1/take-1/clip.mov",
		NextIndex:        1,
		BytesTransferred: network.SegmentSize,
		Destination:      destination,
	}); err != nil {
		t.Fatalf("UpsertTransferCheckpoint failed: %v", err)
	}

	queue := newTestQueue(t, QueueOptions{Requester: requester, Store: store})
	done := make(chan bool, 1)
	if _, err := queue.Start("cam-1", clip, destination, func(ok bool) { done <- ok }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !waitDone(t, done) {
		t.Fatalf("expected transfer to succeed")
	}
	if indices, _ := requester.calls(); len(indices) != 1 || indices[0] != 0 {
		t.Fatalf("expected transfer to start over at chunk 0, got %v", indices)
	}
}

type gatedRequester struct {
	calls   chan network.MediaTransferChunk
	release chan struct{}

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
}

func newGatedRequester() *gatedRequester {
	return &gatedRequester{
		calls:   make(chan network.MediaTransferChunk, 8),
		release: make(chan struct{}),
	}
}

func (r *gatedRequester) RequestChunk(ctx context.Context, _ string, chunk network.MediaTransferChunk) ([]byte, error) {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	r.calls <- chunk
	select {
	case <-r.release:
		return []byte(chunk.File), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestTransfersRunOneAtATime(t *testing.T) {
	report := test.TimeOut(30 * time.Second)
	defer report.Stop()

	requester := newGatedRequester()
	queue := newTestQueue(t, QueueOptions{Requester: requester})
	dir := t.TempDir()

	first := make(chan bool, 1)
	second := make(chan bool, 1)
	if _, err := queue.Start("cam-1", network.MediaTransferChunk{ProjectUUID: "p", TakeUUID: "t", File: "a.mov"}, filepath.Join(dir, "a.mov"), func(ok bool) { first <- ok }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := queue.Start("cam-2", network.MediaTransferChunk{ProjectUUID: "p", TakeUUID: "t", File: "b.mov"}, filepath.Join(dir, "b.mov"), func(ok bool) { second <- ok }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if chunk := <-requester.calls; chunk.File != "a.mov" {
		t.Fatalf("expected first transfer to run first, got %s", chunk.File)
	}
	sessions := queue.Sessions()
	if len(sessions) != 2 || !sessions[0].Active || sessions[1].Active || sessions[1].PeerUUID != "cam-2" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	select {
	case chunk := <-requester.calls:
		t.Fatalf("second transfer started while first was active: %+v", chunk)
	case <-time.After(100 * time.Millisecond):
	}

	requester.release <- struct{}{}
	if !waitDone(t, first) {
		t.Fatalf("expected first transfer to succeed")
	}
	if chunk := <-requester.calls; chunk.File != "b.mov" {
		t.Fatalf("expected second transfer to follow, got %s", chunk.File)
	}
	requester.release <- struct{}{}
	if !waitDone(t, second) {
		t.Fatalf("expected second transfer to succeed")
	}

	requester.mu.Lock()
	maxInFlight := requester.maxInFlight
	requester.mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("expected at most one outstanding chunk request, got %d", maxInFlight)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	requester := newGatedRequester()
	volume := &countingVolume{}
	store := newTestStore(t)
	queue := newTestQueue(t, QueueOptions{Requester: requester, Store: store, Volume: volume})
	dir := t.TempDir()

	var mu sync.Mutex
	results := make(map[string][]bool)
	releasedAtDone := make(map[string]int)
	record := func(name string) func(bool) {
		return func(ok bool) {
			_, released := volume.counts()
			mu.Lock()
			results[name] = append(results[name], ok)
			releasedAtDone[name] = released
			mu.Unlock()
		}
	}

	activeID, err := queue.Start("cam-1", network.MediaTransferChunk{File: "a.mov"}, filepath.Join(dir, "a.mov"), record("active"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pendingID, err := queue.Start("cam-1", network.MediaTransferChunk{File: "b.mov"}, filepath.Join(dir, "b.mov"), record("pending"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-requester.calls

	if err := queue.Cancel(pendingID); err != nil {
		t.Fatalf("Cancel pending failed: %v", err)
	}
	if err := queue.Cancel(pendingID); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("expected ErrUnknownTransfer for second cancel, got %v", err)
	}
	if err := queue.Cancel(activeID); err != nil {
		t.Fatalf("Cancel active failed: %v", err)
	}
	_ = queue.Cancel(activeID)

	waitForStatus(t, store, activeID, storage.TransferStatusCancelled)
	waitForStatus(t, store, pendingID, storage.TransferStatusCancelled)

	mu.Lock()
	defer mu.Unlock()
	if len(results["active"]) != 1 || results["active"][0] {
		t.Fatalf("expected one false completion for active transfer, got %v", results["active"])
	}
	if len(results["pending"]) != 1 || results["pending"][0] {
		t.Fatalf("expected one false completion for pending transfer, got %v", results["pending"])
	}
	if acquired, released := volume.counts(); acquired != 1 || released != 1 {
		t.Fatalf("expected only the active transfer to hold the volume, got %d/%d", acquired, released)
	}
	if releasedAtDone["active"] != 1 {
		t.Fatalf("expected the volume to be released before the active transfer reported")
	}
	if _, err := os.Stat(filepath.Join(dir, "a.mov")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected cancelled empty destination to be removed, got %v", err)
	}
}

func TestStartAfterCloseFails(t *testing.T) {
	queue, err := NewQueue(QueueOptions{Requester: newFileRequester(nil)})
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	queue.Close()

	called := false
	if _, err := queue.Start("cam-1", clip, filepath.Join(t.TempDir(), "x"), func(bool) { called = true }); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if called {
		t.Fatalf("expected no completion callback for a rejected start")
	}
}
