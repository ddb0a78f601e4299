package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// Dial opens a TCP connection to a peer and wraps it in a TLS client Channel bound to
// peerUUID. The channel is returned in the Connecting state; the TLS handshake runs in
// Start once the caller has registered its handlers.
func Dial(ctx context.Context, address string, tlsConfig *tls.Config, options ChannelOptions) (*Channel, error) {
	if tlsConfig == nil {
		return nil, errors.New("tls config is required")
	}

	timeout := options.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	options.Outbound = true
	return NewChannel(tls.Client(conn, tlsConfig), options), nil
}
