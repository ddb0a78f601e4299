package registry

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"camlink/crypto"
	"camlink/storage"

	"github.com/pion/logging"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("registry: closed")
	// ErrUnknownPeer is returned for mutations of a UUID that was never observed.
	ErrUnknownPeer = errors.New("registry: unknown peer")
	// ErrBlocked is returned when authorizing a peer that is blocked.
	ErrBlocked = errors.New("registry: peer is blocked")
	// ErrMissingSessionKey is returned when authorizing without a negotiated key.
	ErrMissingSessionKey = errors.New("registry: session key required")
)

// Identity is the immutable public half of a remote device.
type Identity struct {
	UUID               string
	SigningPublicKey   []byte
	AgreementPublicKey []byte
}

// Record is a snapshot of one known peer. Mutating a Record does not change the registry.
type Record struct {
	Identity
	DisplayName      string
	Model            string
	Authorized       bool
	Blocked          bool
	SessionKey       string
	SessionPublicKey []byte
	Selected         bool
	LastKnownIP      string
	LastKnownPort    int
	AddedAt          time.Time
	LastSeenAt       time.Time
}

// Fingerprint returns the display fingerprint of the peer's signing key, or "" before one is known.
func (r Record) Fingerprint() string {
	if len(r.SigningPublicKey) == 0 {
		return ""
	}
	return crypto.KeyFingerprint(r.SigningPublicKey)
}

// Store persists peer records.
type Store interface {
	SavePeer(peer storage.Peer) error
	ListPeers() ([]storage.Peer, error)
	RemovePeer(uuid string) error
}

// Options configures a Registry.
type Options struct {
	// Store persists every mutation. Nil keeps records in memory only.
	Store         Store
	LoggerFactory logging.LoggerFactory
}

// Registry owns every PeerRecord. All reads and mutations are serialized through one
// goroutine; callers only ever receive copies.
type Registry struct {
	store Store
	log   logging.LeveledLogger

	ops       chan func(map[string]*Record)
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New loads persisted peers and starts the registry goroutine.
func New(opts Options) (*Registry, error) {
	loggerFactory := opts.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	peers := make(map[string]*Record)
	if opts.Store != nil {
		stored, err := opts.Store.ListPeers()
		if err != nil {
			return nil, fmt.Errorf("load peers: %w", err)
		}
		for _, peer := range stored {
			record := recordFromStorage(peer)
			peers[record.UUID] = &record
		}
	}

	r := &Registry{
		store: opts.Store,
		log:   loggerFactory.NewLogger("registry"),
		ops:   make(chan func(map[string]*Record)),
		done:  make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run(peers)

	return r, nil
}

// Close stops the registry goroutine. Pending calls return ErrClosed.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Registry) run(peers map[string]*Record) {
	defer r.wg.Done()
	for {
		select {
		case op := <-r.ops:
			op(peers)
		case <-r.done:
			return
		}
	}
}

func (r *Registry) do(fn func(map[string]*Record) error) error {
	result := make(chan error, 1)
	op := func(peers map[string]*Record) {
		result <- fn(peers)
	}

	select {
	case r.ops <- op:
	case <-r.done:
		return ErrClosed
	}
	return <-result
}

// Observe records the identity and display data offered by a peer. It never changes trust,
// except that a changed signing key invalidates a previous authorization.
func (r *Registry) Observe(identity Identity, displayName, model string) (Record, error) {
	if identity.UUID == "" {
		return Record{}, errors.New("registry: uuid is required")
	}

	var snapshot Record
	err := r.do(func(peers map[string]*Record) error {
		now := time.Now()
		existing, ok := peers[identity.UUID]
		if !ok {
			record := &Record{
				Identity:    cloneIdentity(identity),
				DisplayName: displayName,
				Model:       model,
				AddedAt:     now,
				LastSeenAt:  now,
			}
			if err := r.persist(record); err != nil {
				return err
			}
			peers[identity.UUID] = record
			snapshot = record.clone()
			r.log.Infof("observed new peer %s (%s)", identity.UUID, displayName)
			return nil
		}

		updated := existing.clone()
		if len(identity.SigningPublicKey) > 0 {
			if len(updated.SigningPublicKey) > 0 && !bytes.Equal(updated.SigningPublicKey, identity.SigningPublicKey) {
				r.log.Warnf("peer %s presented a new signing key; dropping authorization", identity.UUID)
				updated.Authorized = false
				updated.SessionKey = ""
				updated.SessionPublicKey = nil
			}
			updated.SigningPublicKey = append([]byte(nil), identity.SigningPublicKey...)
		}
		if len(identity.AgreementPublicKey) > 0 {
			updated.AgreementPublicKey = append([]byte(nil), identity.AgreementPublicKey...)
		}
		if displayName != "" {
			updated.DisplayName = displayName
		}
		if model != "" {
			updated.Model = model
		}
		updated.LastSeenAt = now

		if err := r.persist(&updated); err != nil {
			return err
		}
		*existing = updated
		snapshot = updated.clone()
		return nil
	})
	return snapshot, err
}

// Get returns a copy of one record.
func (r *Registry) Get(uuid string) (Record, bool) {
	var (
		snapshot Record
		found    bool
	)
	err := r.do(func(peers map[string]*Record) error {
		if record, ok := peers[uuid]; ok {
			snapshot = record.clone()
			found = true
		}
		return nil
	})
	if err != nil {
		return Record{}, false
	}
	return snapshot, found
}

// List returns copies of every record sorted by display name.
func (r *Registry) List() []Record {
	var list []Record
	_ = r.do(func(peers map[string]*Record) error {
		list = make([]Record, 0, len(peers))
		for _, record := range peers {
			list = append(list, record.clone())
		}
		return nil
	})
	sort.Slice(list, func(i, j int) bool {
		if list[i].DisplayName == list[j].DisplayName {
			return list[i].UUID < list[j].UUID
		}
		return list[i].DisplayName < list[j].DisplayName
	})
	return list
}

// Authorize marks a peer authorized with the negotiated session key. A blocked peer stays
// unauthorized.
func (r *Registry) Authorize(uuid, sessionKey string, sessionPublicKey []byte) (Record, error) {
	if sessionKey == "" {
		return Record{}, ErrMissingSessionKey
	}
	return r.mutate(uuid, func(record *Record) error {
		if record.Blocked {
			return ErrBlocked
		}
		record.Authorized = true
		record.SessionKey = sessionKey
		record.SessionPublicKey = append([]byte(nil), sessionPublicKey...)
		return nil
	})
}

// Deauthorize drops authorization and the session key.
func (r *Registry) Deauthorize(uuid string) (Record, error) {
	return r.mutate(uuid, func(record *Record) error {
		record.Authorized = false
		record.SessionKey = ""
		record.SessionPublicKey = nil
		return nil
	})
}

// Block marks a peer blocked. Authorization is kept on file but never honoured while blocked.
func (r *Registry) Block(uuid string) (Record, error) {
	return r.mutate(uuid, func(record *Record) error {
		record.Blocked = true
		return nil
	})
}

// Unblock clears the blocked flag.
func (r *Registry) Unblock(uuid string) (Record, error) {
	return r.mutate(uuid, func(record *Record) error {
		record.Blocked = false
		return nil
	})
}

// SetSelected marks whether the operator wants a channel to this peer.
func (r *Registry) SetSelected(uuid string, selected bool) (Record, error) {
	return r.mutate(uuid, func(record *Record) error {
		record.Selected = selected
		return nil
	})
}

// UpdateEndpoint stores the last address the peer was reachable at.
func (r *Registry) UpdateEndpoint(uuid, ip string, port int) (Record, error) {
	return r.mutate(uuid, func(record *Record) error {
		record.LastKnownIP = ip
		record.LastKnownPort = port
		record.LastSeenAt = time.Now()
		return nil
	})
}

// Remove forgets a peer entirely.
func (r *Registry) Remove(uuid string) error {
	return r.do(func(peers map[string]*Record) error {
		if _, ok := peers[uuid]; !ok {
			return ErrUnknownPeer
		}
		if r.store != nil {
			if err := r.store.RemovePeer(uuid); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("remove peer: %w", err)
			}
		}
		delete(peers, uuid)
		return nil
	})
}

func (r *Registry) mutate(uuid string, fn func(*Record) error) (Record, error) {
	var snapshot Record
	err := r.do(func(peers map[string]*Record) error {
		existing, ok := peers[uuid]
		if !ok {
			return ErrUnknownPeer
		}
		updated := existing.clone()
		if err := fn(&updated); err != nil {
			return err
		}
		if err := r.persist(&updated); err != nil {
			return err
		}
		*existing = updated
		snapshot = updated.clone()
		return nil
	})
	return snapshot, err
}

func (r *Registry) persist(record *Record) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SavePeer(record.toStorage()); err != nil {
		return fmt.Errorf("persist peer %s: %w", record.UUID, err)
	}
	return nil
}

func (r *Record) clone() Record {
	c := *r
	c.Identity = cloneIdentity(r.Identity)
	c.SessionPublicKey = append([]byte(nil), r.SessionPublicKey...)
	return c
}

func cloneIdentity(identity Identity) Identity {
	return Identity{
		UUID:               identity.UUID,
		SigningPublicKey:   append([]byte(nil), identity.SigningPublicKey...),
		AgreementPublicKey: append([]byte(nil), identity.AgreementPublicKey...),
	}
}

func (r *Record) toStorage() storage.Peer {
	peer := storage.Peer{
		UUID:               r.UUID,
		DisplayName:        r.DisplayName,
		Model:              r.Model,
		SigningPublicKey:   r.SigningPublicKey,
		AgreementPublicKey: r.AgreementPublicKey,
		KeyFingerprint:     r.Fingerprint(),
		Authorized:         r.Authorized,
		Blocked:            r.Blocked,
		SessionKey:         r.SessionKey,
		SessionPublicKey:   r.SessionPublicKey,
		Selected:           r.Selected,
		AddedTimestamp:     r.AddedAt.UnixMilli(),
	}
	if !r.LastSeenAt.IsZero() {
		seen := r.LastSeenAt.UnixMilli()
		peer.LastSeenTimestamp = &seen
	}
	if r.LastKnownIP != "" && r.LastKnownPort > 0 {
		ip := r.LastKnownIP
		port := r.LastKnownPort
		peer.LastKnownIP = &ip
		peer.LastKnownPort = &port
	}
	return peer
}

func recordFromStorage(peer storage.Peer) Record {
	record := Record{
		Identity: Identity{
			UUID:               peer.UUID,
			SigningPublicKey:   peer.SigningPublicKey,
			AgreementPublicKey: peer.AgreementPublicKey,
		},
		DisplayName:      peer.DisplayName,
		Model:            peer.Model,
		Authorized:       peer.Authorized,
		Blocked:          peer.Blocked,
		SessionKey:       peer.SessionKey,
		SessionPublicKey: peer.SessionPublicKey,
		Selected:         peer.Selected,
		AddedAt:          time.UnixMilli(peer.AddedTimestamp),
	}
	if peer.LastSeenTimestamp != nil {
		record.LastSeenAt = time.UnixMilli(*peer.LastSeenTimestamp)
	}
	if peer.LastKnownIP != nil {
		record.LastKnownIP = *peer.LastKnownIP
	}
	if peer.LastKnownPort != nil {
		record.LastKnownPort = *peer.LastKnownPort
	}
	return record
}
