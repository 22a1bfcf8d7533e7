package availability

import (
	"context"
	"net"
	"strconv"

	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/internal/networkio"
)

// TCPPinger considers a port available when a TCP connection succeeds.
type TCPPinger struct {
	// Dialer is the dialer to use.
	Dialer model.Dialer
}

var _ Pinger = &TCPPinger{}

// Ping implements Pinger
func (p *TCPPinger) Ping(ctx context.Context, target *Target) bool {
	conn, err := p.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(target.Address, strconv.Itoa(target.Port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// NewPinger returns the pinger suited to protocol, or nil when we do not
// know how to probe it.
func NewPinger(logger model.Logger, dialer model.Dialer, protocol model.VPNProtocol, opts ...PingerOption) Pinger {
	cfg := &pingerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	framing := networkio.NewDialer(logger, dialer)
	switch protocol {
	case model.WireGuardUDP:
		return &WireGuardPinger{Dialer: framing, Keys: cfg.keys, Logger: logger}
	case model.WireGuardTCP:
		return &TCPPinger{Dialer: dialer}
	case model.WireGuardTLS:
		return &TLSPinger{Dialer: dialer, Logger: logger}
	case model.OpenVPNUDP:
		return &OpenVPNPinger{Dialer: framing, Network: "udp", TLSAuthKey: cfg.tlsAuthKey, Logger: logger}
	case model.OpenVPNTCP:
		return &OpenVPNPinger{Dialer: framing, Network: "tcp", TLSAuthKey: cfg.tlsAuthKey, Logger: logger}
	default:
		return nil
	}
}

type pingerConfig struct {
	keys       func() (*model.ClientKeyPair, error)
	tlsAuthKey []byte
}

// PingerOption configures [NewPinger].
type PingerOption func(*pingerConfig)

// WithClientKeys sets the key pair source for WireGuard handshakes.
func WithClientKeys(keys func() (*model.ClientKeyPair, error)) PingerOption {
	return func(cfg *pingerConfig) {
		cfg.keys = keys
	}
}

// WithTLSAuthKey sets the tls-auth key for OpenVPN resets.
func WithTLSAuthKey(key []byte) PingerOption {
	return func(cfg *pingerConfig) {
		cfg.tlsAuthKey = key
	}
}
