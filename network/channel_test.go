package network

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
)

func startChannel(t *testing.T, conn net.Conn, options ChannelOptions) *Channel {
	t.Helper()
	ch := NewChannel(conn, options)
	if ch.State() != StateConnecting {
		t.Fatalf("expected new channel to be connecting, got %s", ch.State())
	}
	return ch
}

func newChannelPair(t *testing.T, sessionKey string) (*Channel, *Channel) {
	t.Helper()
	left, right := net.Pipe()
	a := startChannel(t, left, ChannelOptions{PeerUUID: "b"})
	b := startChannel(t, right, ChannelOptions{PeerUUID: "a"})
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	if sessionKey != "" {
		if err := a.Authorize(sessionKey); err != nil {
			t.Fatalf("Authorize failed: %v", err)
		}
		if err := b.Authorize(sessionKey); err != nil {
			t.Fatalf("Authorize failed: %v", err)
		}
	}
	return a, b
}

func mustStart(t *testing.T, channels ...*Channel) {
	t.Helper()
	for _, ch := range channels {
		if err := ch.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if ch.State() != StateReady {
			t.Fatalf("expected ready channel, got %s", ch.State())
		}
	}
}

func writeEnvelope(t *testing.T, conn net.Conn, envelope CommandEnvelope) {
	t.Helper()
	tag, ok := envelope.Family.Tag()
	if !ok {
		t.Fatalf("unknown family %q", envelope.Family)
	}
	payload, err := EncodeJSON(envelope)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	if err := WriteFrame(conn, tag, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
}

func cameraEnvelope(t *testing.T, sessionKey, dataUUID string) CommandEnvelope {
	t.Helper()
	payload, err := EncodeJSON(CameraRequest{Command: CameraStartTake, UUID: "raw", DataUUID: dataUUID})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	return CommandEnvelope{Family: FamilyCamera, SessionKey: sessionKey, Payload: payload}
}

func TestMismatchedSessionKeyNeverReachesHandler(t *testing.T) {
	report := test.TimeOut(10 * time.Second)
	defer report.Stop()

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	ch := startChannel(t, local, ChannelOptions{PeerUUID: "cam-1"})
	defer func() { _ = ch.Close() }()

	received := make(chan CameraRequest, 4)
	ch.Handle(FamilyCamera, func(_ *Channel, envelope CommandEnvelope) {
		var request CameraRequest
		if err := envelope.Decode(&request); err != nil {
			t.Errorf("Decode failed: %v", err)
			return
		}
		received <- request
	})
	mustStart(t, ch)
	if err := ch.Authorize("S"); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	writeEnvelope(t, remote, cameraEnvelope(t, "wrong", "forged"))
	writeEnvelope(t, remote, cameraEnvelope(t, "", "unstamped"))
	writeEnvelope(t, remote, cameraEnvelope(t, "S", "legit"))

	select {
	case request := <-received:
		if request.DataUUID != "legit" {
			t.Fatalf("expected only the correctly keyed command, got %q", request.DataUUID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for keyed command")
	}

	select {
	case request := <-received:
		t.Fatalf("unexpected extra command %q", request.DataUUID)
	default:
	}
	if ch.State() != StateReady {
		t.Fatalf("expected channel to survive rejected commands, got %s", ch.State())
	}
}

func TestUnauthorizedChannelOnlyRoutesAuth(t *testing.T) {
	report := test.TimeOut(10 * time.Second)
	defer report.Stop()

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	ch := startChannel(t, local, ChannelOptions{})
	defer func() { _ = ch.Close() }()

	var (
		mu       sync.Mutex
		families []Family
	)
	authSeen := make(chan struct{}, 1)
	record := func(_ *Channel, envelope CommandEnvelope) {
		mu.Lock()
		families = append(families, envelope.Family)
		mu.Unlock()
		if envelope.Family == FamilyAuth {
			authSeen <- struct{}{}
		}
	}
	ch.Handle(FamilyCamera, record)
	ch.Handle(FamilyAuth, record)
	mustStart(t, ch)

	writeEnvelope(t, remote, cameraEnvelope(t, "anything", "early"))
	writeEnvelope(t, remote, CommandEnvelope{Family: FamilyAuth, Payload: []byte(`{"uuid":"cam-1"}`)})

	select {
	case <-authSeen:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for auth message")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(families) != 1 || families[0] != FamilyAuth {
		t.Fatalf("expected only the auth message to be routed, got %v", families)
	}
}

func TestMalformedEnvelopeIsDroppedAndChannelSurvives(t *testing.T) {
	report := test.TimeOut(10 * time.Second)
	defer report.Stop()

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	ch := startChannel(t, local, ChannelOptions{})
	defer func() { _ = ch.Close() }()

	routed := make(chan struct{}, 1)
	ch.Handle(FamilyCamera, func(*Channel, CommandEnvelope) { routed <- struct{}{} })
	mustStart(t, ch)
	if err := ch.Authorize("S"); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	if err := WriteFrame(remote, TagCamera, []byte(`{broken`)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := WriteFrame(remote, Tag(99), []byte(`{}`)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	writeEnvelope(t, remote, cameraEnvelope(t, "S", "after"))

	select {
	case <-routed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected channel to keep routing after malformed input")
	}
}

func TestSendQueuesUntilAuthorized(t *testing.T) {
	report := test.TimeOut(10 * time.Second)
	defer report.Stop()

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	ch := startChannel(t, local, ChannelOptions{})
	defer func() { _ = ch.Close() }()
	mustStart(t, ch)

	if err := ch.Send(FamilyCamera, CameraRequest{Command: CameraEndTake}); err != nil {
		t.Fatalf("Send before authorization failed: %v", err)
	}

	if _, _, err := ReadFrameWithTimeout(remote, 100*time.Millisecond); err == nil {
		t.Fatalf("expected no frame before authorization")
	}

	done := make(chan error, 1)
	go func() { done <- ch.Authorize("S") }()

	tag, payload, err := ReadFrameWithTimeout(remote, 2*time.Second)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	envelope, err := DecodeEnvelope(tag, payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if envelope.SessionKey != "S" {
		t.Fatalf("expected flushed command to carry session key, got %q", envelope.SessionKey)
	}
}

func TestSendsDuringAuthorizeFlushKeepOrder(t *testing.T) {
	report := test.TimeOut(10 * time.Second)
	defer report.Stop()

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	ch := startChannel(t, local, ChannelOptions{})
	defer func() { _ = ch.Close() }()
	mustStart(t, ch)

	for _, dataUUID := range []string{"q0", "q1", "q2"} {
		if err := ch.Send(FamilyCamera, CameraRequest{Command: CameraStartTake, DataUUID: dataUUID}); err != nil {
			t.Fatalf("Send before authorization failed: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- ch.Authorize("S") }()

	// net.Pipe writes block until read, so the flush is stalled on q0 here.
	deadline := time.Now().Add(2 * time.Second)
	for ch.SessionKey() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for session key")
		}
		time.Sleep(time.Millisecond)
	}
	late := make(chan error, 1)
	go func() { late <- ch.Send(FamilyCamera, CameraRequest{Command: CameraStartTake, DataUUID: "late"}) }()
	time.Sleep(20 * time.Millisecond)

	var order []string
	for len(order) < 4 {
		tag, payload, err := ReadFrameWithTimeout(remote, 2*time.Second)
		if err != nil {
			t.Fatalf("ReadFrame failed after %v: %v", order, err)
		}
		envelope, err := DecodeEnvelope(tag, payload)
		if err != nil {
			t.Fatalf("DecodeEnvelope failed: %v", err)
		}
		var request CameraRequest
		if err := envelope.Decode(&request); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if envelope.SessionKey != "S" {
			t.Fatalf("expected session key on %s, got %q", request.DataUUID, envelope.SessionKey)
		}
		order = append(order, request.DataUUID)
	}
	if err := <-done; err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if err := <-late; err != nil {
		t.Fatalf("Send during flush failed: %v", err)
	}

	want := []string{"q0", "q1", "q2", "late"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestRequestMatchesResponsesByRequestID(t *testing.T) {
	report := test.TimeOut(10 * time.Second)
	defer report.Stop()

	a, b := newChannelPair(t, "S")

	var (
		mu      sync.Mutex
		pending []CommandEnvelope
	)
	b.Handle(FamilyCamera, func(ch *Channel, envelope CommandEnvelope) {
		mu.Lock()
		pending = append(pending, envelope)
		if len(pending) < 2 {
			mu.Unlock()
			return
		}
		batch := pending
		pending = nil
		mu.Unlock()

		// Answer in reverse order.
		for i := len(batch) - 1; i >= 0; i-- {
			var request CameraRequest
			if err := batch[i].Decode(&request); err != nil {
				t.Errorf("Decode failed: %v", err)
				return
			}
			if err := ch.Respond(batch[i], CameraResponse{
				Command: request.Command,
				Success: true,
				Data:    []byte(request.DataUUID),
			}); err != nil {
				t.Errorf("Respond failed: %v", err)
			}
		}
	})
	mustStart(t, a, b)

	var wg sync.WaitGroup
	for _, name := range []string{"first", "second"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			envelope, err := a.Request(context.Background(), FamilyCamera, CameraRequest{Command: CameraChangeMode, DataUUID: name})
			if err != nil {
				t.Errorf("Request %s failed: %v", name, err)
				return
			}
			var response CameraResponse
			if err := envelope.Decode(&response); err != nil {
				t.Errorf("Decode failed: %v", err)
				return
			}
			if string(response.Data) != name {
				t.Errorf("request %s received response for %s", name, response.Data)
			}
		}(name)
	}
	wg.Wait()
}

func TestUncorrelatedResponsesReachFamilyHandler(t *testing.T) {
	report := test.TimeOut(10 * time.Second)
	defer report.Stop()

	a, b := newChannelPair(t, "S")

	responses := make(chan CommandEnvelope, 1)
	a.Handle(FamilyProject, func(_ *Channel, envelope CommandEnvelope) {
		responses <- envelope
	})
	b.Handle(FamilyProject, func(ch *Channel, envelope CommandEnvelope) {
		_ = ch.Respond(envelope, ProjectResponse{Command: ProjectList, Success: true})
	})
	mustStart(t, a, b)

	if err := a.Send(FamilyProject, ProjectRequest{Command: ProjectList}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case envelope := <-responses:
		if !envelope.Response {
			t.Fatalf("expected response envelope")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for project response")
	}
}

func TestRequestChunkReturnsRawBytes(t *testing.T) {
	report := test.TimeOut(10 * time.Second)
	defer report.Stop()

	a, b := newChannelPair(t, "S")

	data := bytes.Repeat([]byte{7}, 4096)
	b.Handle(FamilyCamera, func(ch *Channel, envelope CommandEnvelope) {
		var request CameraRequest
		if err := envelope.Decode(&request); err != nil {
			t.Errorf("Decode failed: %v", err)
			return
		}
		chunk, err := DecodeChunkDescriptor(request.DataUUID)
		if err != nil {
			t.Errorf("DecodeChunkDescriptor failed: %v", err)
			return
		}
		if err := ch.SendChunk(envelope.RequestID, chunk, data); err != nil {
			t.Errorf("SendChunk failed: %v", err)
		}
	})
	mustStart(t, a, b)

	got, err := a.RequestChunk(context.Background(), MediaTransferChunk{ProjectUUID: "p", TakeUUID: "t", File: "a.mov", Index: 1})
	if err != nil {
		t.Fatalf("RequestChunk failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("chunk mismatch: got %d bytes", len(got))
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	report := test.TimeOut(10 * time.Second)
	defer report.Stop()

	a, b := newChannelPair(t, "S")
	mustStart(t, a, b)

	result := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), FamilyCamera, CameraRequest{Command: CameraMakeProxy})
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_ = b.Close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pending request to fail")
	}

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected peer channel to close")
	}
	if a.State() != StateClosed {
		t.Fatalf("expected closed state after peer hang-up, got %s", a.State())
	}
	if err := a.Send(FamilyCamera, CameraRequest{}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed on send after close, got %v", err)
	}
}

func TestKeepAlivePongTimeoutFailsChannel(t *testing.T) {
	report := test.TimeOut(10 * time.Second)
	defer report.Stop()

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	states := make(chan ChannelState, 4)
	ch := startChannel(t, local, ChannelOptions{
		KeepAliveInterval: 40 * time.Millisecond,
		KeepAliveTimeout:  60 * time.Millisecond,
		OnStateChange: func(_ *Channel, state ChannelState) {
			states <- state
		},
	})
	mustStart(t, ch)

	// Drain pings without ever answering.
	go func() {
		for {
			if _, _, err := ReadFrame(remote); err != nil {
				return
			}
		}
	}()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected keep-alive timeout to close channel")
	}
	if !errors.Is(ch.LastError(), ErrPongTimeout) {
		t.Fatalf("expected ErrPongTimeout, got %v", ch.LastError())
	}
	if ch.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", ch.State())
	}

	var seen []ChannelState
	for len(states) > 0 {
		seen = append(seen, <-states)
	}
	if len(seen) != 2 || seen[0] != StateReady || seen[1] != StateFailed {
		t.Fatalf("expected Ready then Failed transitions, got %v", seen)
	}
}

func TestKeepAlivePingIsAnswered(t *testing.T) {
	report := test.TimeOut(10 * time.Second)
	defer report.Stop()

	a, b := newChannelPair(t, "")
	a.keepAliveInterval = 30 * time.Millisecond
	a.keepAliveTimeout = 200 * time.Millisecond
	mustStart(t, a, b)

	time.Sleep(400 * time.Millisecond)
	if a.State() != StateReady || b.State() != StateReady {
		t.Fatalf("expected both channels ready after ping exchange, got %s/%s", a.State(), b.State())
	}
}
