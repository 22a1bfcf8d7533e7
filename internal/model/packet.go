package model

//
// OpenVPN control packets
//
// We never run OpenVPN ourselves: the tunnel process does. We only need
// enough of the packet format to send a client hard reset and to recognize
// the server's hard reset when probing a port.
//

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/vpncore/vpncore/internal/bytesx"
)

// Opcode is an OpenVPN packet opcode.
type Opcode byte

// OpenVPN packets opcodes.
const (
	P_CONTROL_HARD_RESET_CLIENT_V1 = Opcode(iota + 1) // 1
	P_CONTROL_HARD_RESET_SERVER_V1                    // 2
	P_CONTROL_SOFT_RESET_V1                           // 3
	P_CONTROL_V1                                      // 4
	P_ACK_V1                                          // 5
	P_DATA_V1                                         // 6
	P_CONTROL_HARD_RESET_CLIENT_V2                    // 7
	P_CONTROL_HARD_RESET_SERVER_V2                    // 8
	P_DATA_V2                                         // 9
)

// String returns the opcode string representation
func (op Opcode) String() string {
	switch op {
	case P_CONTROL_HARD_RESET_CLIENT_V1:
		return "P_CONTROL_HARD_RESET_CLIENT_V1"
	case P_CONTROL_HARD_RESET_SERVER_V1:
		return "P_CONTROL_HARD_RESET_SERVER_V1"
	case P_CONTROL_SOFT_RESET_V1:
		return "P_CONTROL_SOFT_RESET_V1"
	case P_CONTROL_V1:
		return "P_CONTROL_V1"
	case P_ACK_V1:
		return "P_ACK_V1"
	case P_DATA_V1:
		return "P_DATA_V1"
	case P_CONTROL_HARD_RESET_CLIENT_V2:
		return "P_CONTROL_HARD_RESET_CLIENT_V2"
	case P_CONTROL_HARD_RESET_SERVER_V2:
		return "P_CONTROL_HARD_RESET_SERVER_V2"
	case P_DATA_V2:
		return "P_DATA_V2"
	default:
		return "P_UNKNOWN"
	}
}

// IsControl returns true when this opcode is a control opcode.
func (op Opcode) IsControl() bool {
	switch op {
	case P_CONTROL_HARD_RESET_CLIENT_V1,
		P_CONTROL_HARD_RESET_SERVER_V1,
		P_CONTROL_SOFT_RESET_V1,
		P_CONTROL_V1,
		P_CONTROL_HARD_RESET_CLIENT_V2,
		P_CONTROL_HARD_RESET_SERVER_V2:
		return true
	default:
		return false
	}
}

// OpcodeOf returns the opcode of a raw packet, which is stored in the high
// 5 bits of the first byte.
func OpcodeOf(raw []byte) (Opcode, error) {
	if len(raw) < 1 {
		return 0, ErrPacketTooShort
	}
	return Opcode(raw[0] >> 3), nil
}

// SessionID is the session identifier.
type SessionID [8]byte

// PacketID is a packet identifier.
type PacketID uint32

// Packet is an OpenVPN control or ACK packet.
type Packet struct {
	// Opcode is the packet message type.
	Opcode Opcode

	// KeyID is the low 3 bits of the first packet byte.
	KeyID byte

	// LocalSessionID is the local session ID.
	LocalSessionID SessionID

	// ACKs contains the remote packets we're ACKing.
	ACKs []PacketID

	// RemoteSessionID is the remote session ID.
	RemoteSessionID SessionID

	// ID is the packet-id for replay protection.
	ID PacketID

	// Payload is the packet's payload.
	Payload []byte
}

// NewPacket returns a packet from the passed arguments: opcode, keyID and a raw payload.
func NewPacket(opcode Opcode, keyID uint8, payload []byte) *Packet {
	return &Packet{
		Opcode:          opcode,
		KeyID:           keyID,
		LocalSessionID:  [8]byte{},
		ACKs:            []PacketID{},
		RemoteSessionID: [8]byte{},
		ID:              0,
		Payload:         payload,
	}
}

// ErrPacketTooShort indicates that a packet is too short.
var ErrPacketTooShort = errors.New("openvpn: packet too short")

// ErrParsePacket is a generic packet parse error which may be further qualified.
var ErrParsePacket = errors.New("openvpn: packet parse error")

// ParsePacket parses a control or ACK packet. We assume that the underlying
// connection has already stripped out the framing.
func ParsePacket(raw []byte) (*Packet, error) {
	if len(raw) < 2 {
		return nil, ErrPacketTooShort
	}
	opcode := Opcode(raw[0] >> 3)
	if !opcode.IsControl() && opcode != P_ACK_V1 {
		return nil, fmt.Errorf("%w: not a control packet: %s", ErrParsePacket, opcode)
	}
	p := NewPacket(opcode, raw[0]&0x07, nil)
	buf := bytes.NewBuffer(raw[1:])

	if _, err := io.ReadFull(buf, p.LocalSessionID[:]); err != nil {
		return nil, fmt.Errorf("%w: bad sessionID: %s", ErrParsePacket, err)
	}
	ackArrayLen, err := buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: bad ack: %s", ErrParsePacket, err)
	}
	p.ACKs = make([]PacketID, ackArrayLen)
	for i := range p.ACKs {
		val, err := bytesx.ReadUint32(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot parse ack id: %s", ErrParsePacket, err)
		}
		p.ACKs[i] = PacketID(val)
	}
	if ackArrayLen > 0 {
		if _, err := io.ReadFull(buf, p.RemoteSessionID[:]); err != nil {
			return nil, fmt.Errorf("%w: bad remote sessionID: %s", ErrParsePacket, err)
		}
	}
	if p.Opcode != P_ACK_V1 {
		val, err := bytesx.ReadUint32(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: bad packetID: %s", ErrParsePacket, err)
		}
		p.ID = PacketID(val)
	}
	p.Payload = buf.Bytes()
	return p, nil
}

// ErrMarshalPacket is the error returned when we cannot marshal a packet.
var ErrMarshalPacket = errors.New("openvpn: cannot marshal packet")

// Bytes returns a byte array that is ready to be sent on the wire.
func (p *Packet) Bytes() ([]byte, error) {
	if !p.Opcode.IsControl() && p.Opcode != P_ACK_V1 {
		return nil, fmt.Errorf("%w: not a control packet: %s", ErrMarshalPacket, p.Opcode)
	}
	buf := &bytes.Buffer{}
	buf.WriteByte((byte(p.Opcode) << 3) | (p.KeyID & 0x07))
	buf.Write(p.LocalSessionID[:])
	nAcks := len(p.ACKs)
	if nAcks > math.MaxUint8 {
		return nil, fmt.Errorf("%w: too many ACKs", ErrMarshalPacket)
	}
	buf.WriteByte(byte(nAcks))
	for _, ack := range p.ACKs {
		bytesx.WriteUint32(buf, uint32(ack))
	}
	if nAcks > 0 {
		buf.Write(p.RemoteSessionID[:])
	}
	if p.Opcode != P_ACK_V1 {
		bytesx.WriteUint32(buf, uint32(p.ID))
	}
	buf.Write(p.Payload)
	return buf.Bytes(), nil
}

// Log writes a representation of this packet to the given logger.
func (p *Packet) Log(logger Logger, prefix string) {
	logger.Debugf(
		"%s %s {id=%d, acks=%v} localID=%x remoteID=%x [%d bytes]",
		prefix,
		p.Opcode,
		p.ID,
		p.ACKs,
		p.LocalSessionID,
		p.RemoteSessionID,
		len(p.Payload),
	)
}
