package network

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Server accepts inbound TLS connections and wraps them in Channels.
type Server struct {
	listener net.Listener
	options  ChannelOptions

	incoming chan *Channel
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TLS listener and accept loop. Accepted channels are in the Connecting
// state; the receiver registers handlers and calls Start.
func Listen(address string, tlsConfig *tls.Config, options ChannelOptions) (*Server, error) {
	if tlsConfig == nil {
		return nil, errors.New("tls config is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := tls.Listen("tcp", address, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	options.Outbound = false
	options.PeerUUID = ""

	server := &Server{
		listener: listener,
		options:  options,
		incoming: make(chan *Channel, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted channels.
func (s *Server) Incoming() <-chan *Channel {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		channel := NewChannel(conn, s.options)
		select {
		case s.incoming <- channel:
		case <-s.closed:
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
