package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// localUnixgramAddr returns a fresh socket path so the tunnel process can
// address its replies to us.
func localUnixgramAddr() (*net.UnixAddr, error) {
	path := filepath.Join(os.TempDir(), "vpncore-ipc-"+uuid.NewString()[:8]+".sock")
	return net.ResolveUnixAddr("unixgram", path)
}

// dialDatagram dials a datagram conn and returns the path of the local
// socket it bound, if any. The caller removes that path once done.
func dialDatagram(ctx context.Context, network, address string) (net.Conn, string, error) {
	d := &net.Dialer{}
	var path string
	if network == "unixgram" {
		laddr, err := localUnixgramAddr()
		if err != nil {
			return nil, "", err
		}
		d.LocalAddr = laddr
		path = laddr.Name
	}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		if path != "" {
			os.Remove(path)
		}
		return nil, "", err
	}
	return conn, path, nil
}
