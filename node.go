package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/pion/logging"

	"camlink/config"
	"camlink/crypto"
	"camlink/discovery"
	"camlink/network"
	"camlink/presence"
	"camlink/registry"
	"camlink/storage"
	"camlink/transfer"
)

// node holds the local identity and persistent state shared by every command.
type node struct {
	cfg      *config.DeviceConfig
	cfgPath  string
	dbPath   string
	keys     *crypto.KeyPair
	store    *storage.Store
	registry *registry.Registry
	loggers  logging.LoggerFactory
	log      logging.LeveledLogger
}

func openNode(loggers logging.LoggerFactory) (*node, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	keys, err := crypto.EnsureKeyPair(cfg.SigningKeyPath, cfg.AgreementKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare keys: %w", err)
	}

	fingerprint := crypto.KeyFingerprint(keys.SigningPublicKey())
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	store, dbPath, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	reg, err := registry.New(registry.Options{Store: store, LoggerFactory: loggers})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load peers: %w", err)
	}

	return &node{
		cfg:      cfg,
		cfgPath:  cfgPath,
		dbPath:   dbPath,
		keys:     keys,
		store:    store,
		registry: reg,
		loggers:  loggers,
		log:      loggers.NewLogger("camlink"),
	}, nil
}

func (n *node) Close() {
	n.registry.Close()
	if err := n.store.Close(); err != nil {
		n.log.Warnf("database close error: %v", err)
	}
}

// offlineDirectory stands in when mDNS cannot start; no peer is ever online.
type offlineDirectory struct{}

func (offlineDirectory) Lookup(string) (discovery.Peer, bool) {
	return discovery.Peer{}, false
}

// runtime is a started node: listener, discovery, presence, and transfers.
type runtime struct {
	*node

	manager   *network.Manager
	library   *transfer.Library
	queue     *transfer.Queue
	camera    *localCamera
	discovery *discovery.Service
	presence  *presence.Monitor
}

func (n *node) start(listenAddress string) (*runtime, error) {
	library, err := transfer.NewLibrary(n.cfg.MediaRoot, n.loggers)
	if err != nil {
		return nil, err
	}
	camera := newLocalCamera(library, n.loggers)

	manager, err := network.NewManager(network.ManagerOptions{
		Identity: network.LocalIdentity{
			UUID:        n.cfg.DeviceID,
			DisplayName: n.cfg.DeviceName,
			Model:       n.cfg.Model,
			Keys:        n.keys,
			Ports:       network.StreamPorts(n.cfg.StreamPorts),
		},
		Registry:      n.registry,
		Audit:         n.store,
		Camera:        camera,
		Project:       library,
		Chunks:        library,
		ListenAddress: listenAddress,
		LoggerFactory: n.loggers,
	})
	if err != nil {
		return nil, err
	}
	if err := manager.Start(); err != nil {
		return nil, fmt.Errorf("start listener: %w", err)
	}
	camera.attach(manager)

	rt := &runtime{node: n, manager: manager, library: library, camera: camera}

	rt.queue, err = transfer.NewQueue(transfer.QueueOptions{
		Requester:     manager,
		Store:         n.store,
		LoggerFactory: n.loggers,
	})
	if err != nil {
		rt.stop()
		return nil, err
	}

	var directory presence.Directory = offlineDirectory{}
	service, err := discovery.Start(discovery.Config{
		SelfUUID:       n.cfg.DeviceID,
		DisplayName:    n.cfg.DeviceName,
		Model:          n.cfg.Model,
		ListeningPort:  listeningPort(manager.Addr()),
		KeyFingerprint: n.cfg.KeyFingerprint,
		LoggerFactory:  n.loggers,
	})
	if err != nil {
		n.log.Warnf("discovery startup failed: %v", err)
	} else {
		rt.discovery = service
		directory = service.Scanner
	}

	rt.presence, err = presence.New(presence.Options{
		Channels:      manager,
		Peers:         n.registry,
		Directory:     directory,
		Interval:      n.cfg.PresenceInterval(),
		LoggerFactory: n.loggers,
	})
	if err != nil {
		rt.stop()
		return nil, err
	}
	rt.presence.Start()

	return rt, nil
}

func (rt *runtime) stop() {
	if rt.presence != nil {
		rt.presence.Stop()
	}
	if rt.discovery != nil {
		rt.discovery.Stop()
	}
	if rt.queue != nil {
		rt.queue.Close()
	}
	rt.manager.Stop()
}

// observeDiscovery records advertised peers in the registry so they can be selected.
func (rt *runtime) observeDiscovery(ctx context.Context) {
	if rt.discovery == nil {
		return
	}
	events := rt.discovery.Scanner.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type != discovery.EventPeerOnline {
				continue
			}
			peer := event.Peer
			if _, err := rt.registry.Observe(registry.Identity{UUID: peer.UUID}, peer.DisplayName, peer.Model); err != nil {
				rt.log.Warnf("record discovered peer %s: %v", peer.UUID, err)
				continue
			}
			if endpoint, ok := peer.Endpoint(); ok {
				host, portText, err := net.SplitHostPort(endpoint)
				if err != nil {
					continue
				}
				port, _ := strconv.Atoi(portText)
				if _, err := rt.registry.UpdateEndpoint(peer.UUID, host, port); err != nil && !errors.Is(err, registry.ErrUnknownPeer) {
					rt.log.Warnf("update endpoint for %s: %v", peer.UUID, err)
				}
			}
		}
	}
}

func listeningPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portText)
	return port
}
