package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_camlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 2 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

// TXT record keys advertised by every device.
const (
	txtDeviceID       = "device_id"
	txtModel          = "model"
	txtVersion        = "version"
	txtKeyFingerprint = "key_fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertising and scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	// PeerStaleAfter is how long a peer missing from scans is still reported online.
	PeerStaleAfter time.Duration

	SelfUUID       string
	DisplayName    string
	Model          string
	ListeningPort  int
	KeyFingerprint string

	LoggerFactory logging.LoggerFactory
	Now           func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 3 * out.RefreshInterval
	}
	if out.LoggerFactory == nil {
		out.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfUUID) == "" {
		return errors.New("self uuid is required")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("model is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfUUID) == "" {
		return errors.New("self uuid is required")
	}
	return nil
}

// TXTRecords returns the TXT entries advertised for the local device.
func (c Config) TXTRecords() []string {
	return []string{
		txtDeviceID + "=" + c.SelfUUID,
		txtModel + "=" + c.Model,
		txtVersion + "=" + strconv.Itoa(c.Version),
		txtKeyFingerprint + "=" + c.KeyFingerprint,
	}
}

// Advertiser publishes the local device over mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the local device and starts answering queries.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DisplayName, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.TXTRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	cfg.LoggerFactory.NewLogger("discovery").Infof("advertising %s as %q on port %d", cfg.Service, cfg.DisplayName, cfg.ListeningPort)
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service runs an advertiser and a scanner from one config.
type Service struct {
	Advertiser *Advertiser
	Scanner    *Scanner
}

// Start starts advertising and scanning.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	scanner.Start()

	return &Service{
		Advertiser: advertiser,
		Scanner:    scanner,
	}, nil
}

// Stop stops the scanner and the advertiser.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Advertiser != nil {
		s.Advertiser.Stop()
	}
}
