// Package presence keeps channels open to the peers an operator selected.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/logging"

	"camlink/discovery"
	"camlink/network"
	"camlink/registry"
)

const (
	// DefaultInterval is the monitor tick.
	DefaultInterval = 2 * time.Second
	// DefaultDialTimeout bounds one connection attempt.
	DefaultDialTimeout = 10 * time.Second
	// DefaultProbeTimeout bounds one screenshot probe.
	DefaultProbeTimeout = 15 * time.Second
)

// Channels is the part of the connection manager the monitor drives.
type Channels interface {
	Channels() []network.ChannelInfo
	Connect(ctx context.Context, peerUUID, address string) (*network.Channel, error)
	Disconnect(peerUUID string) error
	Screenshot(ctx context.Context, peerUUID string) ([]byte, error)
}

// Peers lists known peers and their selection state.
type Peers interface {
	List() []registry.Record
}

// Directory reports which peers are currently advertised.
type Directory interface {
	Lookup(uuid string) (discovery.Peer, bool)
}

// Options configures a Monitor.
type Options struct {
	Channels  Channels
	Peers     Peers
	Directory Directory

	Interval     time.Duration
	DialTimeout  time.Duration
	ProbeTimeout time.Duration
	// NewBackOff builds the reconnect pacing for one peer.
	NewBackOff func() backoff.BackOff
	Now        func() time.Time

	LoggerFactory logging.LoggerFactory
}

type dialState struct {
	backOff   backoff.BackOff
	notBefore time.Time
	dialing   bool
}

// Monitor prunes dead channels, dials selected online peers, and probes new channels.
// Every network action runs on its own goroutine so a tick never blocks.
type Monitor struct {
	options Options
	log     logging.LeveledLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	dials   map[string]*dialState
	probed  map[string]uint64
	pruning map[string]bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a monitor. Call Start to begin ticking.
func New(options Options) (*Monitor, error) {
	if options.Channels == nil {
		return nil, errors.New("presence: channels are required")
	}
	if options.Peers == nil {
		return nil, errors.New("presence: peers are required")
	}
	if options.Directory == nil {
		return nil, errors.New("presence: directory is required")
	}
	if options.Interval <= 0 {
		options.Interval = DefaultInterval
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.ProbeTimeout <= 0 {
		options.ProbeTimeout = DefaultProbeTimeout
	}
	if options.NewBackOff == nil {
		options.NewBackOff = defaultBackOff
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	loggerFactory := options.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		options: options,
		log:     loggerFactory.NewLogger("presence"),
		ctx:     ctx,
		cancel:  cancel,
		dials:   make(map[string]*dialState),
		probed:  make(map[string]uint64),
		pruning: make(map[string]bool),
	}, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultInterval
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}

// Start begins the periodic tick.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.loop()
	})
}

// Stop ends the tick and waits for in-flight actions.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.Interval)
	defer ticker.Stop()

	for {
		m.Tick()
		select {
		case <-ticker.C:
		case <-m.ctx.Done():
			return
		}
	}
}

// Tick runs one monitor pass. It only reads snapshots and spawns goroutines.
func (m *Monitor) Tick() {
	if m.ctx.Err() != nil {
		return
	}

	channels := m.options.Channels.Channels()
	bound := make(map[string]network.ChannelInfo, len(channels))
	for _, info := range channels {
		bound[info.PeerUUID] = info
	}

	for _, info := range channels {
		switch {
		case info.State.Terminal():
			m.prune(info.PeerUUID, "channel "+string(info.State))
		case info.Outbound && !m.online(info.PeerUUID):
			m.prune(info.PeerUUID, "peer offline")
		case info.State == network.StateReady && info.Authorized && !info.Outbound:
			m.probe(info)
		}
	}

	now := m.options.Now()
	for _, record := range m.options.Peers.List() {
		if !record.Selected || record.Blocked {
			continue
		}
		if _, ok := bound[record.UUID]; ok {
			continue
		}
		peer, ok := m.options.Directory.Lookup(record.UUID)
		if !ok {
			continue
		}
		address, ok := peer.Endpoint()
		if !ok {
			continue
		}
		m.dial(record.UUID, address, now)
	}
}

func (m *Monitor) online(peerUUID string) bool {
	_, ok := m.options.Directory.Lookup(peerUUID)
	return ok
}

func (m *Monitor) prune(peerUUID, reason string) {
	m.mu.Lock()
	if m.pruning[peerUUID] {
		m.mu.Unlock()
		return
	}
	m.pruning[peerUUID] = true
	delete(m.probed, peerUUID)
	m.mu.Unlock()

	m.spawn(func() {
		defer func() {
			m.mu.Lock()
			delete(m.pruning, peerUUID)
			m.mu.Unlock()
		}()
		m.log.Infof("pruning channel to %s: %s", peerUUID, reason)
		if err := m.options.Channels.Disconnect(peerUUID); err != nil && !errors.Is(err, network.ErrNoChannel) {
			m.log.Warnf("disconnect %s: %v", peerUUID, err)
		}
	})
}

// probe requests one screenshot per inbound channel. Outbound channels are probed by
// the post-pairing workflow.
func (m *Monitor) probe(info network.ChannelInfo) {
	m.mu.Lock()
	if m.probed[info.PeerUUID] == info.ID {
		m.mu.Unlock()
		return
	}
	m.probed[info.PeerUUID] = info.ID
	m.mu.Unlock()

	m.spawn(func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.options.ProbeTimeout)
		defer cancel()
		if _, err := m.options.Channels.Screenshot(ctx, info.PeerUUID); err != nil {
			m.log.Debugf("screenshot probe of %s failed: %v", info.PeerUUID, err)
		}
	})
}

func (m *Monitor) dial(peerUUID, address string, now time.Time) {
	m.mu.Lock()
	state := m.dials[peerUUID]
	if state == nil {
		state = &dialState{backOff: m.options.NewBackOff()}
		m.dials[peerUUID] = state
	}
	if state.dialing || now.Before(state.notBefore) {
		m.mu.Unlock()
		return
	}
	state.dialing = true
	m.mu.Unlock()

	m.spawn(func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.options.DialTimeout)
		defer cancel()

		_, err := m.options.Channels.Connect(ctx, peerUUID, address)

		m.mu.Lock()
		defer m.mu.Unlock()
		state.dialing = false
		if err == nil {
			state.backOff.Reset()
			state.notBefore = time.Time{}
			return
		}
		wait := state.backOff.NextBackOff()
		if wait == backoff.Stop {
			wait = time.Minute
		}
		state.notBefore = m.options.Now().Add(wait)
		m.log.Debugf("dial %s at %s failed, retry in %s: %v", peerUUID, address, wait, err)
	})
}

func (m *Monitor) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}
