package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

const (
	// EventPeerOnline is emitted when a peer appears or its advertisement changes.
	EventPeerOnline EventType = "peer_online"
	// EventPeerOffline is emitted when a peer has been missing for PeerStaleAfter.
	EventPeerOffline EventType = "peer_offline"
)

var (
	// ErrScannerStopped indicates a refresh against a stopped scanner.
	ErrScannerStopped = errors.New("discovery: scanner stopped")
)

// EventType identifies a presence change.
type EventType string

// Event carries one presence change.
type Event struct {
	Type EventType
	Peer Peer
}

// Peer is a device seen on the local network.
type Peer struct {
	UUID           string
	DisplayName    string
	Model          string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

// Endpoint returns a dialable host:port, preferring IPv4.
func (p Peer) Endpoint() (string, bool) {
	if p.Port <= 0 {
		return "", false
	}
	for _, address := range p.Addresses {
		if ip := net.ParseIP(address); ip != nil && ip.To4() != nil {
			return net.JoinHostPort(address, strconv.Itoa(p.Port)), true
		}
	}
	if len(p.Addresses) > 0 {
		return net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port)), true
	}
	if p.HostName != "" {
		return net.JoinHostPort(strings.TrimSuffix(p.HostName, "."), strconv.Itoa(p.Port)), true
	}
	return "", false
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner browses for peers on an interval and tracks which are online.
type Scanner struct {
	cfg    Config
	browse browseFunc
	log    logging.LeveledLogger

	mu    sync.RWMutex
	peers map[string]Peer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		log:             cfg.LoggerFactory.NewLogger("discovery"),
		peers:           make(map[string]Peer),
		events:          make(chan Event, 128),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops scanning and closes Events.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides presence changes. Events are dropped when the buffer is full.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh runs a scan immediately and waits for it to finish.
func (s *Scanner) Refresh(ctx context.Context) error {
	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// Peers returns online peers sorted by display name.
func (s *Scanner) Peers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].UUID < out[j].UUID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Lookup returns the online peer with uuid.
func (s *Scanner) Lookup(uuid string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[uuid]
	return peer, ok
}

// Online reports whether uuid is currently advertised.
func (s *Scanner) Online(uuid string) bool {
	_, ok := s.Lookup(uuid)
	return ok
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Peer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfUUID)
				if !ok {
					continue
				}
				if peer.Version != s.cfg.Version {
					s.log.Debugf("ignoring %s advertising protocol version %d", peer.UUID, peer.Version)
					continue
				}
				peer.LastSeen = s.cfg.Now()
				collected[peer.UUID] = peer
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		s.log.Warnf("mDNS browse failed: %v", err)
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	s.merge(collected)
	return nil
}

// merge folds one scan into the online set. Peers absent from the scan stay online
// until PeerStaleAfter has passed since they were last seen.
func (s *Scanner) merge(seen map[string]Peer) {
	now := s.cfg.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for uuid, peer := range seen {
		old, exists := s.peers[uuid]
		s.peers[uuid] = peer
		if !exists || !sameAdvertisement(old, peer) {
			s.emitEvent(Event{Type: EventPeerOnline, Peer: peer})
		}
	}

	for uuid, peer := range s.peers {
		if _, ok := seen[uuid]; ok {
			continue
		}
		if now.Sub(peer.LastSeen) >= s.cfg.PeerStaleAfter {
			delete(s.peers, uuid)
			s.emitEvent(Event{Type: EventPeerOffline, Peer: peer})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfUUID string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	uuid := txt[txtDeviceID]
	if uuid == "" || uuid == selfUUID {
		return Peer{}, false
	}

	version := 0
	if raw := txt[txtVersion]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = uuid
	}

	return Peer{
		UUID:           uuid,
		DisplayName:    name,
		Model:          txt[txtModel],
		KeyFingerprint: txt[txtKeyFingerprint],
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func sameAdvertisement(a, b Peer) bool {
	if a.DisplayName != b.DisplayName ||
		a.Model != b.Model ||
		a.KeyFingerprint != b.KeyFingerprint ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
