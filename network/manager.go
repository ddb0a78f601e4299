package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pion/logging"

	"camlink/crypto"
	"camlink/registry"
	"camlink/storage"
)

const (
	// DefaultPairingTimeout bounds how long an initiator waits for an AuthResponse.
	DefaultPairingTimeout = 60 * time.Second

	defaultJustification = "camlink pairing request"
	eventBufferSize      = 64
)

var (
	// ErrNoChannel is returned for operations on a peer without an active channel.
	ErrNoChannel = errors.New("network: no active channel for peer")
	// ErrPeerBlocked is returned when connecting to or pairing with a blocked peer.
	ErrPeerBlocked = errors.New("network: peer is blocked")
	// ErrManagerStopped is returned after Stop.
	ErrManagerStopped = errors.New("network: manager stopped")
)

// LocalIdentity is this device's identity as presented during pairing.
type LocalIdentity struct {
	UUID        string
	DisplayName string
	Model       string
	Keys        *crypto.KeyPair
	Ports       StreamPorts
}

// PeerRegistry is the subset of the registry the manager mutates.
type PeerRegistry interface {
	Observe(identity registry.Identity, displayName, model string) (registry.Record, error)
	Get(uuid string) (registry.Record, bool)
	Authorize(uuid, sessionKey string, sessionPublicKey []byte) (registry.Record, error)
	Deauthorize(uuid string) (registry.Record, error)
	Block(uuid string) (registry.Record, error)
	Unblock(uuid string) (registry.Record, error)
	UpdateEndpoint(uuid, ip string, port int) (registry.Record, error)
}

// PairingAudit records pairing transitions.
type PairingAudit interface {
	LogPairingEvent(event storage.PairingEvent) error
}

// CameraHandler executes camera commands received from authorized peers.
type CameraHandler interface {
	HandleCamera(ctx context.Context, peerUUID string, request CameraRequest) CameraResponse
}

// ProjectHandler executes project commands received from authorized peers.
type ProjectHandler interface {
	HandleProject(ctx context.Context, peerUUID string, request ProjectRequest) ProjectResponse
}

// ChunkSource reads media chunks for takeMediaChunk requests. A missing file yields an
// empty chunk and no error.
type ChunkSource interface {
	ReadChunk(chunk MediaTransferChunk) ([]byte, error)
}

// EventKind identifies a manager notification.
type EventKind string

const (
	EventChannelState  EventKind = "channel_state"
	EventPaired        EventKind = "paired"
	EventPairingFailed EventKind = "pairing_failed"
	EventStatus        EventKind = "status"
	EventScreenshot    EventKind = "screenshot"
	EventResponse      EventKind = "response"
)

// Event is published on Manager.Events.
type Event struct {
	Kind     EventKind
	PeerUUID string
	State    ChannelState
	Ports    StreamPorts
	Status   []StatusElement
	Data     []byte
	Envelope CommandEnvelope
	Err      error
}

// ApprovalRequest is queued when an unknown peer asks to pair.
type ApprovalRequest struct {
	PeerUUID    string
	DisplayName string
	Model       string
	Fingerprint string
	Message     string
}

// ChannelInfo is a snapshot of one active channel.
type ChannelInfo struct {
	ID            uint64
	PeerUUID      string
	State         ChannelState
	Authorized    bool
	Outbound      bool
	RemoteAddress string
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Identity LocalIdentity
	Registry PeerRegistry
	Audit    PairingAudit
	Camera   CameraHandler
	Project  ProjectHandler
	Chunks   ChunkSource

	ListenAddress string
	TLSConfig     *tls.Config
	Justification string

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	PairingTimeout    time.Duration

	LoggerFactory logging.LoggerFactory
}

// Manager owns the listener, every active channel, and the pairing state machine.
type Manager struct {
	options       ManagerOptions
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	chMu     sync.RWMutex
	channels map[string]*Channel
	unbound  map[*Channel]struct{}

	pairMu   sync.Mutex
	inbound  map[string]*inboundPairing
	outbound map[string]*outboundPairing

	subMu       sync.Mutex
	subscribers map[string]*Channel

	outMu     sync.RWMutex
	stopped   bool
	events    chan Event
	approvals chan ApprovalRequest
	errors    chan error
}

// NewManager creates a manager with validated configuration.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if options.Identity.UUID == "" {
		return nil, errors.New("identity.uuid is required")
	}
	if options.Identity.Keys == nil || options.Identity.Keys.Signing == nil || options.Identity.Keys.Agreement == nil {
		return nil, errors.New("identity.keys are required")
	}
	if options.Identity.DisplayName == "" {
		options.Identity.DisplayName = options.Identity.UUID
	}
	if options.ConnectionTimeout <= 0 {
		options.ConnectionTimeout = DefaultConnectionTimeout
	}
	if options.PairingTimeout <= 0 {
		options.PairingTimeout = DefaultPairingTimeout
	}
	if options.Justification == "" {
		options.Justification = defaultJustification
	}
	if options.TLSConfig == nil {
		tlsConfig, err := NewTLSConfig(options.Identity.UUID)
		if err != nil {
			return nil, err
		}
		options.TLSConfig = tlsConfig
	}

	loggerFactory := options.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options:       options,
		loggerFactory: loggerFactory,
		log:           loggerFactory.NewLogger("pairing"),
		ctx:           ctx,
		cancel:        cancel,
		channels:      make(map[string]*Channel),
		unbound:       make(map[*Channel]struct{}),
		inbound:       make(map[string]*inboundPairing),
		outbound:      make(map[string]*outboundPairing),
		subscribers:   make(map[string]*Channel),
		events:        make(chan Event, eventBufferSize),
		approvals:     make(chan ApprovalRequest, eventBufferSize),
		errors:        make(chan error, eventBufferSize),
	}, nil
}

// Start begins listening for inbound channels.
func (m *Manager) Start() error {
	if m.server != nil {
		return nil
	}
	select {
	case <-m.ctx.Done():
		return ErrManagerStopped
	default:
	}

	server, err := Listen(m.options.ListenAddress, m.options.TLSConfig, m.channelOptions(""))
	if err != nil {
		return err
	}
	m.server = server

	m.wg.Add(1)
	go m.serverLoop()
	return nil
}

// Stop closes the listener and every channel, then closes the output channels.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		if m.server != nil {
			_ = m.server.Close()
		}

		m.chMu.Lock()
		all := make([]*Channel, 0, len(m.channels)+len(m.unbound))
		for _, ch := range m.channels {
			all = append(all, ch)
		}
		for ch := range m.unbound {
			all = append(all, ch)
		}
		m.chMu.Unlock()
		for _, ch := range all {
			_ = ch.Close()
		}

		m.wg.Wait()

		m.outMu.Lock()
		m.stopped = true
		close(m.events)
		close(m.approvals)
		close(m.errors)
		m.outMu.Unlock()
	})
}

// Addr returns the listening address.
func (m *Manager) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Events returns manager notifications. Slow consumers miss events rather than stall channels.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Approvals returns pairing requests waiting for an operator decision.
func (m *Manager) Approvals() <-chan ApprovalRequest {
	return m.approvals
}

// Errors returns asynchronous manager errors.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// Connect dials a peer and starts pairing on the Ready channel. An existing live channel
// to the peer is returned as is.
func (m *Manager) Connect(ctx context.Context, peerUUID, address string) (*Channel, error) {
	if peerUUID == "" {
		return nil, errors.New("peer uuid is required")
	}
	select {
	case <-m.ctx.Done():
		return nil, ErrManagerStopped
	default:
	}

	if ch := m.channel(peerUUID); ch != nil && !ch.State().Terminal() {
		return ch, nil
	}

	record, err := m.options.Registry.Observe(registry.Identity{UUID: peerUUID}, "", "")
	if err != nil {
		return nil, err
	}
	if record.Blocked {
		return nil, ErrPeerBlocked
	}

	ch, err := Dial(ctx, address, m.options.TLSConfig, m.channelOptions(peerUUID))
	if err != nil {
		return nil, err
	}
	m.prepareChannel(ch)
	m.bindChannel(peerUUID, ch)

	if err := ch.Start(ctx); err != nil {
		return nil, err
	}

	if ip, port := remoteEndpoint(ch.RemoteAddr()); ip != "" {
		if _, err := m.options.Registry.UpdateEndpoint(peerUUID, ip, port); err != nil {
			m.reportError(err)
		}
	}

	if _, err := m.beginPairing(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// Disconnect notifies the peer and tears the channel down.
func (m *Manager) Disconnect(peerUUID string) error {
	ch := m.channel(peerUUID)
	if ch == nil {
		return fmt.Errorf("%w %q", ErrNoChannel, peerUUID)
	}
	return ch.Disconnect()
}

// Block marks a peer blocked and tears down its channel.
func (m *Manager) Block(peerUUID string) error {
	if _, err := m.options.Registry.Block(peerUUID); err != nil {
		return err
	}
	m.audit(peerUUID, storage.PairingRoleOperator, PairingBlocked, nil)
	if ch := m.channel(peerUUID); ch != nil {
		_ = ch.Close()
	}
	return nil
}

// Unblock clears the blocked flag. Pairing runs again on the next channel.
func (m *Manager) Unblock(peerUUID string) error {
	if _, err := m.options.Registry.Unblock(peerUUID); err != nil {
		return err
	}
	m.audit(peerUUID, storage.PairingRoleOperator, PairingUnknown, map[string]any{"unblocked": true})
	return nil
}

// Deauthorize revokes a peer's session key and tears down its channel. The peer has to
// pair again, with operator approval, before its commands are accepted.
func (m *Manager) Deauthorize(peerUUID string) error {
	if _, err := m.options.Registry.Deauthorize(peerUUID); err != nil {
		return err
	}
	m.audit(peerUUID, storage.PairingRoleOperator, PairingUnknown, map[string]any{"deauthorized": true})
	if ch := m.channel(peerUUID); ch != nil {
		_ = ch.Close()
	}
	return nil
}

// Channels returns a snapshot of bound channels sorted by peer UUID.
func (m *Manager) Channels() []ChannelInfo {
	m.chMu.RLock()
	out := make([]ChannelInfo, 0, len(m.channels))
	for peerUUID, ch := range m.channels {
		info := ChannelInfo{
			ID:         ch.ID(),
			PeerUUID:   peerUUID,
			State:      ch.State(),
			Authorized: ch.Authorized(),
			Outbound:   ch.Outbound(),
		}
		if addr := ch.RemoteAddr(); addr != nil {
			info.RemoteAddress = addr.String()
		}
		out = append(out, info)
	}
	m.chMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerUUID < out[j].PeerUUID })
	return out
}

// ChannelState returns the state of the peer's channel, if one exists.
func (m *Manager) ChannelState(peerUUID string) (ChannelState, bool) {
	ch := m.channel(peerUUID)
	if ch == nil {
		return "", false
	}
	return ch.State(), true
}

// Send issues a fire-and-forget command to a peer. Responses surface as EventResponse.
func (m *Manager) Send(peerUUID string, family Family, payload any) error {
	ch := m.channel(peerUUID)
	if ch == nil {
		return fmt.Errorf("%w %q", ErrNoChannel, peerUUID)
	}
	return ch.Send(family, payload)
}

// Request issues a command and waits for its correlated response.
func (m *Manager) Request(ctx context.Context, peerUUID string, family Family, payload any) (CommandEnvelope, error) {
	ch := m.channel(peerUUID)
	if ch == nil {
		return CommandEnvelope{}, fmt.Errorf("%w %q", ErrNoChannel, peerUUID)
	}
	return ch.Request(ctx, family, payload)
}

// Camera issues one camera command and decodes the response.
func (m *Manager) Camera(ctx context.Context, peerUUID string, request CameraRequest) (CameraResponse, error) {
	if request.UUID == "" {
		request.UUID = m.options.Identity.UUID
	}
	envelope, err := m.Request(ctx, peerUUID, FamilyCamera, request)
	if err != nil {
		return CameraResponse{}, err
	}
	var response CameraResponse
	if err := envelope.Decode(&response); err != nil {
		return CameraResponse{}, err
	}
	return response, nil
}

// Project issues one project command and decodes the response.
func (m *Manager) Project(ctx context.Context, peerUUID string, request ProjectRequest) (ProjectResponse, error) {
	if request.UUID == "" {
		request.UUID = m.options.Identity.UUID
	}
	envelope, err := m.Request(ctx, peerUUID, FamilyProject, request)
	if err != nil {
		return ProjectResponse{}, err
	}
	var response ProjectResponse
	if err := envelope.Decode(&response); err != nil {
		return ProjectResponse{}, err
	}
	return response, nil
}

// Screenshot requests a screenshot, used as an end-to-end liveness probe.
func (m *Manager) Screenshot(ctx context.Context, peerUUID string) ([]byte, error) {
	response, err := m.Camera(ctx, peerUUID, CameraRequest{Command: CameraScreenshot})
	if err != nil {
		return nil, err
	}
	if !response.Success {
		return nil, fmt.Errorf("screenshot refused by %s: %s", peerUUID, response.Error)
	}
	m.publish(Event{Kind: EventScreenshot, PeerUUID: peerUUID, Data: response.Data})
	return response.Data, nil
}

// RequestChunk pulls one media chunk from a peer.
func (m *Manager) RequestChunk(ctx context.Context, peerUUID string, chunk MediaTransferChunk) ([]byte, error) {
	ch := m.channel(peerUUID)
	if ch == nil {
		return nil, fmt.Errorf("%w %q", ErrNoChannel, peerUUID)
	}
	return ch.RequestChunk(ctx, chunk)
}

// PublishStatus sends a status update to every peer subscribed to status.
func (m *Manager) PublishStatus(elements []StatusElement) {
	m.subMu.Lock()
	targets := make([]*Channel, 0, len(m.subscribers))
	for _, ch := range m.subscribers {
		targets = append(targets, ch)
	}
	m.subMu.Unlock()

	for _, ch := range targets {
		if err := ch.Send(FamilyStatus, elements); err != nil && !errors.Is(err, ErrChannelClosed) {
			m.reportError(fmt.Errorf("publish status to %s: %w", ch.PeerUUID(), err))
		}
	}
}

func (m *Manager) serverLoop() {
	defer m.wg.Done()
	for {
		select {
		case ch, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			m.acceptChannel(ch)
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			m.reportError(err)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) acceptChannel(ch *Channel) {
	m.prepareChannel(ch)

	m.chMu.Lock()
	m.unbound[ch] = struct{}{}
	m.chMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := ch.Start(m.ctx); err != nil {
			m.log.Debugf("inbound channel from %s failed to start: %v", ch.RemoteAddr(), err)
		}
	}()
}

func (m *Manager) prepareChannel(ch *Channel) {
	ch.Handle(FamilyAuth, m.handleAuth)
	ch.Handle(FamilyCamera, m.handleCamera)
	ch.Handle(FamilyProject, m.handleProject)
	ch.Handle(FamilyStatus, m.handleStatus)
}

func (m *Manager) channelOptions(peerUUID string) ChannelOptions {
	return ChannelOptions{
		PeerUUID:          peerUUID,
		HandshakeTimeout:  m.options.ConnectionTimeout,
		KeepAliveInterval: m.options.KeepAliveInterval,
		KeepAliveTimeout:  m.options.KeepAliveTimeout,
		FrameReadTimeout:  m.options.FrameReadTimeout,
		LoggerFactory:     m.loggerFactory,
		OnStateChange:     m.onChannelState,
	}
}

// bindChannel makes ch the active channel for peerUUID, closing any previous one.
func (m *Manager) bindChannel(peerUUID string, ch *Channel) {
	ch.SetPeerUUID(peerUUID)

	m.chMu.Lock()
	existing := m.channels[peerUUID]
	m.channels[peerUUID] = ch
	delete(m.unbound, ch)
	m.chMu.Unlock()

	if existing != nil && existing != ch {
		_ = existing.Close()
	}
}

func (m *Manager) channel(peerUUID string) *Channel {
	m.chMu.RLock()
	defer m.chMu.RUnlock()
	return m.channels[peerUUID]
}

func (m *Manager) onChannelState(ch *Channel, state ChannelState) {
	peerUUID := ch.PeerUUID()
	if state.Terminal() {
		m.chMu.Lock()
		delete(m.unbound, ch)
		if peerUUID != "" && m.channels[peerUUID] == ch {
			delete(m.channels, peerUUID)
		}
		m.chMu.Unlock()

		m.subMu.Lock()
		if m.subscribers[peerUUID] == ch {
			delete(m.subscribers, peerUUID)
		}
		m.subMu.Unlock()

		m.abandonPairing(peerUUID, ch)
	}

	if peerUUID == "" {
		return
	}
	m.publish(Event{Kind: EventChannelState, PeerUUID: peerUUID, State: state, Err: ch.LastError()})
}

func (m *Manager) handleCamera(ch *Channel, envelope CommandEnvelope) {
	if envelope.Response {
		m.publish(Event{Kind: EventResponse, PeerUUID: ch.PeerUUID(), Envelope: envelope})
		return
	}

	var request CameraRequest
	if err := envelope.Decode(&request); err != nil {
		m.log.Warnf("dropping camera request from %s: %v", ch.PeerUUID(), err)
		return
	}

	peerUUID := ch.PeerUUID()
	switch request.Command {
	case CameraTakeMediaChunk:
		m.serveChunk(ch, envelope, request)
		return
	case CameraSubscribeStatus:
		m.subMu.Lock()
		m.subscribers[peerUUID] = ch
		m.subMu.Unlock()
		m.respond(ch, envelope, CameraResponse{Command: request.Command, UUID: m.options.Identity.UUID, Success: true})
		return
	case CameraUnsubscribeStatus:
		m.subMu.Lock()
		delete(m.subscribers, peerUUID)
		m.subMu.Unlock()
		m.respond(ch, envelope, CameraResponse{Command: request.Command, UUID: m.options.Identity.UUID, Success: true})
		return
	}

	if m.options.Camera == nil {
		m.respond(ch, envelope, CameraResponse{
			Command: request.Command,
			UUID:    m.options.Identity.UUID,
			Error:   "unsupported command",
		})
		return
	}

	response := m.options.Camera.HandleCamera(m.ctx, peerUUID, request)
	response.Command = request.Command
	response.UUID = m.options.Identity.UUID
	m.respond(ch, envelope, response)
}

func (m *Manager) serveChunk(ch *Channel, envelope CommandEnvelope, request CameraRequest) {
	chunk, err := DecodeChunkDescriptor(request.DataUUID)
	if err != nil {
		m.log.Warnf("dropping chunk request from %s: %v", ch.PeerUUID(), err)
		return
	}
	if m.options.Chunks == nil {
		m.log.Debugf("no media library; ignoring chunk request from %s", ch.PeerUUID())
		return
	}

	data, err := m.options.Chunks.ReadChunk(chunk)
	if err != nil {
		m.reportError(fmt.Errorf("read chunk %d of %s for %s: %w", chunk.Index, chunk.File, ch.PeerUUID(), err))
		return
	}
	if err := ch.SendChunk(envelope.RequestID, chunk, data); err != nil {
		m.reportError(fmt.Errorf("send chunk %d to %s: %w", chunk.Index, ch.PeerUUID(), err))
	}
}

func (m *Manager) handleProject(ch *Channel, envelope CommandEnvelope) {
	if envelope.Response {
		m.publish(Event{Kind: EventResponse, PeerUUID: ch.PeerUUID(), Envelope: envelope})
		return
	}

	var request ProjectRequest
	if err := envelope.Decode(&request); err != nil {
		m.log.Warnf("dropping project request from %s: %v", ch.PeerUUID(), err)
		return
	}

	response := ProjectResponse{Command: request.Command, Error: "unsupported command"}
	if m.options.Project != nil {
		response = m.options.Project.HandleProject(m.ctx, ch.PeerUUID(), request)
		response.Command = request.Command
	}
	response.UUID = m.options.Identity.UUID
	m.respond(ch, envelope, response)
}

func (m *Manager) handleStatus(ch *Channel, envelope CommandEnvelope) {
	var elements []StatusElement
	if err := envelope.Decode(&elements); err != nil {
		m.log.Warnf("dropping status from %s: %v", ch.PeerUUID(), err)
		return
	}
	m.publish(Event{Kind: EventStatus, PeerUUID: ch.PeerUUID(), Status: elements})
}

func (m *Manager) respond(ch *Channel, request CommandEnvelope, payload any) {
	if err := ch.Respond(request, payload); err != nil && !errors.Is(err, ErrChannelClosed) {
		m.reportError(fmt.Errorf("respond to %s: %w", ch.PeerUUID(), err))
	}
}

func (m *Manager) publish(event Event) {
	m.outMu.RLock()
	defer m.outMu.RUnlock()
	if m.stopped {
		return
	}
	select {
	case m.events <- event:
	default:
		m.log.Debugf("event buffer full; dropping %s for %s", event.Kind, event.PeerUUID)
	}
}

func (m *Manager) requestApproval(request ApprovalRequest) {
	m.outMu.RLock()
	defer m.outMu.RUnlock()
	if m.stopped {
		return
	}
	select {
	case m.approvals <- request:
	default:
		m.log.Warnf("approval queue full; dropping request from %s", request.PeerUUID)
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	m.outMu.RLock()
	defer m.outMu.RUnlock()
	if m.stopped {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}

func (m *Manager) audit(peerUUID, role string, state PairingState, details map[string]any) {
	if m.options.Audit == nil || peerUUID == "" {
		return
	}
	encoded := "{}"
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			m.reportError(fmt.Errorf("encode pairing event details: %w", err))
			return
		}
		encoded = string(raw)
	}
	if err := m.options.Audit.LogPairingEvent(storage.PairingEvent{
		PeerUUID: peerUUID,
		Role:     role,
		State:    string(state),
		Details:  encoded,
	}); err != nil {
		m.reportError(fmt.Errorf("log pairing event: %w", err))
	}
}

func remoteEndpoint(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return "", 0
	}
	return host, port
}
