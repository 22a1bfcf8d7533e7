package networkio

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"time"
)

// ErrPacketTooLarge means that a packet is larger than [math.MaxUint16].
var ErrPacketTooLarge = errors.New("networkio: packet too large")

// Framing is how packets are delimited on the wire.
type Framing int

const (
	// FramingDatagram sends one packet per datagram.
	FramingDatagram = Framing(iota)

	// FramingLength16 prefixes each packet with its big-endian uint16
	// length, as OpenVPN does over TCP.
	FramingLength16
)

// FramingFor returns the framing used over network.
func FramingFor(network string) Framing {
	switch network {
	case "udp", "udp4", "udp6", "unixgram":
		return FramingDatagram
	default:
		return FramingLength16
	}
}

// FramingConn exchanges whole probe packets with a VPN server.
type FramingConn interface {
	// ReadRawPacket reads a single packet.
	ReadRawPacket() ([]byte, error)

	// WriteRawPacket writes a single packet.
	WriteRawPacket(pkt []byte) error

	// SetReadDeadline is like net.Conn.SetReadDeadline.
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline is like net.Conn.SetWriteDeadline.
	SetWriteDeadline(t time.Time) error

	// RemoteAddr is like net.Conn.RemoteAddr.
	RemoteAddr() net.Addr

	// Close is like net.Conn.Close but may be called more than once.
	Close() error
}

// NewFramingConn wraps conn using the given framing.
func NewFramingConn(conn net.Conn, framing Framing) FramingConn {
	fc := &framingConn{Conn: conn, framing: framing}
	if framing == FramingDatagram {
		fc.buffer = make([]byte, math.MaxUint16)
	}
	return fc
}

type framingConn struct {
	net.Conn

	// buffer is the datagram receive buffer.
	buffer []byte

	framing Framing
	once    sync.Once
}

var _ FramingConn = &framingConn{}

// ReadRawPacket implements FramingConn
func (c *framingConn) ReadRawPacket() ([]byte, error) {
	if c.framing == FramingDatagram {
		count, err := c.Conn.Read(c.buffer)
		if err != nil {
			return nil, err
		}
		return append([]byte{}, c.buffer[:count]...), nil
	}
	var header [2]byte
	if _, err := io.ReadFull(c.Conn, header[:]); err != nil {
		return nil, err
	}
	pkt := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(c.Conn, pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// WriteRawPacket implements FramingConn
func (c *framingConn) WriteRawPacket(pkt []byte) error {
	if len(pkt) > math.MaxUint16 {
		return ErrPacketTooLarge
	}
	if c.framing == FramingLength16 {
		framed := binary.BigEndian.AppendUint16(make([]byte, 0, len(pkt)+2), uint16(len(pkt)))
		pkt = append(framed, pkt...)
	}
	_, err := c.Conn.Write(pkt)
	return err
}

// Close implements FramingConn
func (c *framingConn) Close() (err error) {
	c.once.Do(func() {
		err = c.Conn.Close()
	})
	return
}
