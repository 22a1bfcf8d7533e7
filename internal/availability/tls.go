package availability

import (
	"context"
	"net"
	"strconv"
	"time"

	tls "github.com/refraction-networking/utls"
	"github.com/vpncore/vpncore/internal/model"
)

// handshaker is a custom interface that we define here to be able to mock
// the tls.UConn implementation.
type handshaker interface {
	net.Conn
	Handshake() error
}

// TLSPinger completes a TLS handshake with a browser-like ClientHello, as
// the WireGuard over TLS transport does.
type TLSPinger struct {
	// Dialer is the dialer to use.
	Dialer model.Dialer

	// HelloID is the ClientHello to parrot. The zero value selects
	// tls.HelloChrome_Auto.
	HelloID tls.ClientHelloID

	// Logger is the logger to use.
	Logger model.Logger
}

var _ Pinger = &TLSPinger{}

// Ping implements Pinger
func (p *TLSPinger) Ping(ctx context.Context, target *Target) bool {
	endpoint := net.JoinHostPort(target.Address, strconv.Itoa(target.Port))
	conn, err := p.Dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return false
	}
	defer conn.Close()

	config := &tls.Config{
		ServerName: target.ServerName,
		// reachability only: the tunnel verifies the server identity
		InsecureSkipVerify: true,
	}
	if config.ServerName == "" {
		config.ServerName = target.Address
	}
	helloID := p.HelloID
	if helloID.Client == "" {
		helloID = tls.HelloChrome_Auto
	}
	client := tlsFactoryFn(conn, config, helloID)

	deadline, _ := ctx.Deadline()
	client.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		client.SetDeadline(time.Now())
	})
	defer stop()

	if err := client.Handshake(); err != nil {
		p.Logger.Debugf("availability: tls: %s: %s", endpoint, err.Error())
		return false
	}
	return true
}

func uTLSFactory(conn net.Conn, config *tls.Config, helloID tls.ClientHelloID) handshaker {
	return tls.UClient(conn, config, helloID)
}

// global variable to allow monkeypatching in tests.
var tlsFactoryFn = uTLSFactory
