package network

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
)

var (
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
	// ErrChannelClosed is returned for sends and requests on a torn-down channel.
	ErrChannelClosed = errors.New("network: channel closed")
	// ErrQueueFull is returned when too many commands wait for authorization.
	ErrQueueFull = errors.New("network: pending command queue full")
	// ErrUnknownFamily indicates a family without a frame tag.
	ErrUnknownFamily = errors.New("network: unknown command family")
)

const defaultPendingQueueLimit = 64

// ChannelState is the lifecycle state of one command channel.
type ChannelState string

const (
	StateConnecting ChannelState = "CONNECTING"
	StateReady      ChannelState = "READY"
	StateFailed     ChannelState = "FAILED"
	StateClosed     ChannelState = "CLOSED"
)

// Terminal reports whether the channel can no longer carry commands.
func (s ChannelState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Handler receives authenticated envelopes of one family. Handlers run on the channel's
// read goroutine in arrival order and must not block on a Request over the same channel.
type Handler func(ch *Channel, envelope CommandEnvelope)

// ChannelOptions controls runtime behavior of a Channel.
type ChannelOptions struct {
	PeerUUID          string
	Outbound          bool
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	PendingLimit      int
	LoggerFactory     logging.LoggerFactory
	// OnStateChange is called after every state transition.
	OnStateChange func(ch *Channel, state ChannelState)
}

type reply struct {
	envelope CommandEnvelope
	header   ChunkHeader
	data     []byte
	chunk    bool
}

type pendingSend struct {
	tag      Tag
	envelope CommandEnvelope
}

// Channel is one persistent authenticated connection to a peer. Outbound envelopes are
// stamped with the negotiated session key and inbound ones are checked against it.
type Channel struct {
	id   uint64
	conn net.Conn
	log  logging.LeveledLogger

	outbound      bool
	onStateChange func(*Channel, ChannelState)

	peerMu   sync.RWMutex
	peerUUID string

	keyMu      sync.RWMutex
	sessionKey string
	queue      []pendingSend
	// flushing holds new sends in queue until Authorize has written the backlog.
	flushing bool

	pendingLimit int

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ChannelState

	handlersMu sync.RWMutex
	handlers   map[Family]Handler

	waitersMu sync.Mutex
	waiters   map[string]chan reply

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	handshakeTimeout  time.Duration
	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

var channelIDs atomic.Uint64

// NewChannel wraps conn in a Channel in the Connecting state. Register handlers, then
// call Start.
func NewChannel(conn net.Conn, options ChannelOptions) *Channel {
	handshakeTimeout := options.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultConnectionTimeout
	}

	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	pendingLimit := options.PendingLimit
	if pendingLimit <= 0 {
		pendingLimit = defaultPendingQueueLimit
	}

	loggerFactory := options.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &Channel{
		id:                channelIDs.Add(1),
		conn:              conn,
		log:               loggerFactory.NewLogger("channel"),
		outbound:          options.Outbound,
		onStateChange:     options.OnStateChange,
		peerUUID:          options.PeerUUID,
		pendingLimit:      pendingLimit,
		state:             StateConnecting,
		handlers:          make(map[Family]Handler),
		waiters:           make(map[string]chan reply),
		handshakeTimeout:  handshakeTimeout,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		closed:            make(chan struct{}),
	}
}

// Start completes the transport handshake, moves the channel to Ready, and starts the
// read and keep-alive loops. A handshake failure moves the channel to Failed.
func (c *Channel) Start(ctx context.Context) error {
	err := ErrChannelClosed
	c.startOnce.Do(func() {
		err = c.start(ctx)
	})
	return err
}

func (c *Channel) start(ctx context.Context) error {
	if handshaker, ok := c.conn.(interface {
		HandshakeContext(context.Context) error
	}); ok {
		hsCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
		err := handshaker.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			err = fmt.Errorf("tls handshake: %w", err)
			c.closeWithError(err)
			return err
		}
	}

	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	c.touchActivity()
	c.setState(StateReady)
	go c.readLoop()
	go c.keepAliveLoop()
	return nil
}

const bindingLabel = "EXPORTER-camlink-pairing"

// Binding returns keying material exported from the channel's TLS session. Both ends of
// one session derive the same value; any other session yields a different one. Channels
// not carried over TLS return nil.
func (c *Channel) Binding() []byte {
	conn, ok := c.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	state := conn.ConnectionState()
	if !state.HandshakeComplete {
		return nil
	}
	material, err := state.ExportKeyingMaterial(bindingLabel, nil, 32)
	if err != nil {
		c.log.Warnf("export keying material for %s: %v", c.describe(), err)
		return nil
	}
	return material
}

// ID returns a process-unique channel number.
func (c *Channel) ID() uint64 {
	return c.id
}

// Outbound reports whether the local side dialed this channel.
func (c *Channel) Outbound() bool {
	return c.outbound
}

// PeerUUID returns the remote peer's UUID, or "" before the peer has identified itself.
func (c *Channel) PeerUUID() string {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.peerUUID
}

// SetPeerUUID binds the channel to a peer.
func (c *Channel) SetPeerUUID(peerUUID string) {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	c.peerUUID = peerUUID
}

// RemoteAddr returns the transport address of the peer.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// State returns the current channel state.
func (c *Channel) State() ChannelState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the channel is torn down.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal channel error, if any.
func (c *Channel) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Authorized reports whether a session key has been negotiated for this channel.
func (c *Channel) Authorized() bool {
	return c.SessionKey() != ""
}

// SessionKey returns the negotiated session key, or "".
func (c *Channel) SessionKey() string {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.sessionKey
}

// Authorize installs the session key and flushes commands queued while unauthorized.
// Sends issued during the flush queue behind it, so per-channel order is preserved.
func (c *Channel) Authorize(sessionKey string) error {
	if sessionKey == "" {
		return errors.New("network: empty session key")
	}

	c.keyMu.Lock()
	c.sessionKey = sessionKey
	if c.flushing {
		c.keyMu.Unlock()
		return nil
	}
	c.flushing = true
	for len(c.queue) > 0 {
		queued := c.queue
		c.queue = nil
		key := c.sessionKey
		c.keyMu.Unlock()

		for _, item := range queued {
			item.envelope.SessionKey = key
			if err := c.writeEnvelope(item.tag, item.envelope); err != nil {
				c.keyMu.Lock()
				c.flushing = false
				c.queue = nil
				c.keyMu.Unlock()
				return err
			}
		}
		c.keyMu.Lock()
	}
	c.flushing = false
	c.keyMu.Unlock()
	return nil
}

// Handle registers the handler for one command family, replacing any previous one.
func (c *Channel) Handle(family Family, handler Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if handler == nil {
		delete(c.handlers, family)
		return
	}
	c.handlers[family] = handler
}

// Send writes one command envelope without waiting for a response. Non-auth commands
// issued before authorization are queued and sent once Authorize is called.
func (c *Channel) Send(family Family, payload any) error {
	envelope, err := newEnvelope(family, payload)
	if err != nil {
		return err
	}
	return c.send(envelope)
}

// Respond answers a request envelope, echoing its RequestID.
func (c *Channel) Respond(request CommandEnvelope, payload any) error {
	envelope, err := newEnvelope(request.Family, payload)
	if err != nil {
		return err
	}
	envelope.RequestID = request.RequestID
	envelope.Response = true
	return c.send(envelope)
}

// Request sends a command and waits for the response carrying the same RequestID.
func (c *Channel) Request(ctx context.Context, family Family, payload any) (CommandEnvelope, error) {
	envelope, err := newEnvelope(family, payload)
	if err != nil {
		return CommandEnvelope{}, err
	}
	envelope.RequestID = uuid.NewString()

	result, err := c.await(ctx, envelope)
	if err != nil {
		return CommandEnvelope{}, err
	}
	if result.chunk {
		return CommandEnvelope{}, fmt.Errorf("%w: chunk frame answered %s request", ErrDecode, family)
	}
	return result.envelope, nil
}

// RequestChunk asks the peer for one media chunk and waits for its bytes.
func (c *Channel) RequestChunk(ctx context.Context, chunk MediaTransferChunk) ([]byte, error) {
	data, err := EncodeChunkDescriptor(chunk)
	if err != nil {
		return nil, err
	}
	envelope, err := newEnvelope(FamilyCamera, CameraRequest{
		Command:  CameraTakeMediaChunk,
		UUID:     c.PeerUUID(),
		DataUUID: data,
	})
	if err != nil {
		return nil, err
	}
	envelope.RequestID = uuid.NewString()

	result, err := c.await(ctx, envelope)
	if err != nil {
		return nil, err
	}
	if !result.chunk {
		var response CameraResponse
		if err := result.envelope.Decode(&response); err != nil {
			return nil, err
		}
		if !response.Success {
			return nil, fmt.Errorf("chunk %d refused: %s", chunk.Index, response.Error)
		}
		return response.Data, nil
	}
	return result.data, nil
}

// SendChunk answers a takeMediaChunk request with raw bytes.
func (c *Channel) SendChunk(requestID string, chunk MediaTransferChunk, data []byte) error {
	sessionKey := c.SessionKey()
	if sessionKey == "" {
		return fmt.Errorf("%w: channel not authorized", ErrAuthFailure)
	}
	payload, err := EncodeChunk(ChunkHeader{
		SessionKey: sessionKey,
		RequestID:  requestID,
		Descriptor: chunk,
	}, data)
	if err != nil {
		return err
	}
	return c.writeFrame(TagChunk, payload)
}

// Disconnect notifies the peer and closes the channel.
func (c *Channel) Disconnect() error {
	_ = c.writeFrame(TagDisconnect, nil)
	return c.Close()
}

// Close tears the channel down. Pending requests fail with ErrChannelClosed.
func (c *Channel) Close() error {
	c.closeWithError(nil)
	return nil
}

func newEnvelope(family Family, payload any) (CommandEnvelope, error) {
	if _, ok := family.Tag(); !ok {
		return CommandEnvelope{}, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	raw, err := EncodeJSON(payload)
	if err != nil {
		return CommandEnvelope{}, err
	}
	return CommandEnvelope{Family: family, Payload: raw}, nil
}

func (c *Channel) await(ctx context.Context, envelope CommandEnvelope) (reply, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	wait := make(chan reply, 1)
	c.waitersMu.Lock()
	c.waiters[envelope.RequestID] = wait
	c.waitersMu.Unlock()
	defer func() {
		c.waitersMu.Lock()
		delete(c.waiters, envelope.RequestID)
		c.waitersMu.Unlock()
	}()

	if err := c.send(envelope); err != nil {
		return reply{}, err
	}

	select {
	case result := <-wait:
		return result, nil
	case <-c.closed:
		// A reply read before the peer hung up still counts.
		select {
		case result := <-wait:
			return result, nil
		default:
		}
		return reply{}, ErrChannelClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (c *Channel) send(envelope CommandEnvelope) error {
	tag, ok := envelope.Family.Tag()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFamily, envelope.Family)
	}

	if envelope.Family != FamilyAuth {
		c.keyMu.Lock()
		if c.sessionKey == "" || c.flushing {
			if len(c.queue) >= c.pendingLimit {
				c.keyMu.Unlock()
				return ErrQueueFull
			}
			c.queue = append(c.queue, pendingSend{tag: tag, envelope: envelope})
			c.keyMu.Unlock()
			return nil
		}
		envelope.SessionKey = c.sessionKey
		c.keyMu.Unlock()
	}

	return c.writeEnvelope(tag, envelope)
}

func (c *Channel) writeEnvelope(tag Tag, envelope CommandEnvelope) error {
	payload, err := EncodeJSON(envelope)
	if err != nil {
		return err
	}
	return c.writeFrame(tag, payload)
}

func (c *Channel) writeFrame(tag Tag, payload []byte) error {
	if c.State().Terminal() {
		return ErrChannelClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := WriteFrame(c.conn, tag, payload); err != nil {
		c.closeWithError(err)
		return err
	}

	c.touchActivity()
	return nil
}

func (c *Channel) readLoop() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		tag, payload, err := ReadFrameWithTimeout(c.conn, c.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				c.closeWithError(nil)
				return
			}
			if errors.Is(err, ErrDecode) {
				c.log.Warnf("dropping frame from %s: %v", c.describe(), err)
				continue
			}

			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		c.touchActivity()

		switch tag {
		case TagPing:
			_ = c.writeFrame(TagPong, nil)
		case TagPong:
			c.ackPong()
		case TagDisconnect:
			c.closeWithError(nil)
			return
		case TagChunk:
			c.dispatchChunk(payload)
		default:
			c.dispatchEnvelope(tag, payload)
		}
	}
}

func (c *Channel) dispatchEnvelope(tag Tag, payload []byte) {
	envelope, err := DecodeEnvelope(tag, payload)
	if err != nil {
		c.log.Warnf("dropping %s message from %s: %v", tag, c.describe(), err)
		return
	}

	if envelope.Family != FamilyAuth && !c.checkSessionKey(envelope.SessionKey) {
		c.log.Warnf("dropping %s message from %s: session key mismatch", envelope.Family, c.describe())
		return
	}

	if envelope.Response && c.deliver(envelope.RequestID, reply{envelope: envelope}) {
		return
	}

	c.handlersMu.RLock()
	handler := c.handlers[envelope.Family]
	c.handlersMu.RUnlock()
	if handler == nil {
		c.log.Debugf("no handler for %s message from %s", envelope.Family, c.describe())
		return
	}
	handler(c, envelope)
}

func (c *Channel) dispatchChunk(payload []byte) {
	header, data, err := DecodeChunk(payload)
	if err != nil {
		c.log.Warnf("dropping chunk from %s: %v", c.describe(), err)
		return
	}
	if !c.checkSessionKey(header.SessionKey) {
		c.log.Warnf("dropping chunk from %s: session key mismatch", c.describe())
		return
	}

	if !c.deliver(header.RequestID, reply{header: header, data: data, chunk: true}) {
		c.log.Debugf("dropping unsolicited chunk %d from %s", header.Descriptor.Index, c.describe())
	}
}

func (c *Channel) deliver(requestID string, result reply) bool {
	if requestID == "" {
		return false
	}
	c.waitersMu.Lock()
	wait, ok := c.waiters[requestID]
	if ok {
		delete(c.waiters, requestID)
	}
	c.waitersMu.Unlock()
	if !ok {
		return false
	}
	wait <- result
	return true
}

func (c *Channel) checkSessionKey(received string) bool {
	expected := c.SessionKey()
	if expected == "" || received == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(received)) == 1
}

func (c *Channel) keepAliveLoop() {
	checkEvery := c.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.State().Terminal() {
				return
			}

			if c.waitingPongExpired() {
				c.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor < c.keepAliveInterval {
				continue
			}

			if c.isWaitingPong() {
				continue
			}

			if err := c.writeFrame(TagPing, nil); err != nil {
				return
			}
			c.setWaitingPong(time.Now().Add(c.keepAliveTimeout))
		case <-c.closed:
			return
		}
	}
}

func (c *Channel) describe() string {
	if peerUUID := c.PeerUUID(); peerUUID != "" {
		return peerUUID
	}
	return c.conn.RemoteAddr().String()
}

func (c *Channel) setState(state ChannelState) {
	c.stateMu.Lock()
	if c.state == state || c.state.Terminal() {
		c.stateMu.Unlock()
		return
	}
	c.state = state
	c.stateMu.Unlock()

	if c.onStateChange != nil {
		c.onStateChange(c, state)
	}
}

func (c *Channel) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Channel) setWaitingPong(deadline time.Time) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = true
	c.pongDeadline = deadline
}

func (c *Channel) ackPong() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = false
	c.pongDeadline = time.Time{}
}

func (c *Channel) isWaitingPong() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong
}

func (c *Channel) waitingPongExpired() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong && time.Now().After(c.pongDeadline)
}

func (c *Channel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.keyMu.Lock()
		c.queue = nil
		c.keyMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)

		if err != nil {
			c.log.Infof("channel to %s failed: %v", c.describe(), err)
			c.setState(StateFailed)
			return
		}
		c.setState(StateClosed)
	})
}
