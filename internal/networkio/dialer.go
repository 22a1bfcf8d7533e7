package networkio

import (
	"context"

	"github.com/vpncore/vpncore/internal/model"
)

// Dialer dials probe connections. The zero value of this structure is
// invalid; please, use the [NewDialer] constructor.
type Dialer struct {
	// dialer is the underlying [model.Dialer] we use to dial.
	dialer model.Dialer

	// logger is the [model.Logger] with which we log.
	logger model.Logger
}

// NewDialer creates a new [Dialer] instance.
func NewDialer(logger model.Logger, dialer model.Dialer) *Dialer {
	return &Dialer{
		dialer: dialer,
		logger: logger,
	}
}

// DialContext establishes a connection and wraps it with the framing
// [FramingFor] returns for network.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (FramingConn, error) {
	conn, err := d.dialer.DialContext(ctx, network, address)
	if err != nil {
		d.logger.Debugf("networkio: dial %s/%s: %s", network, address, err.Error())
		return nil, err
	}
	return NewFramingConn(conn, FramingFor(network)), nil
}
