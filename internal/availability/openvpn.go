package availability

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/vpncore/vpncore/internal/bytesx"
	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/internal/networkio"
)

// TLSAuthKeySize is the size of the HMAC key taken from the static key.
const TLSAuthKeySize = sha512.Size

// OpenVPNPinger sends a P_CONTROL_HARD_RESET_CLIENT_V2 and waits for the
// server hard reset, over TCP or UDP.
type OpenVPNPinger struct {
	// Dialer is the dialer to use.
	Dialer *networkio.Dialer

	// Network is "tcp" or "udp".
	Network string

	// TLSAuthKey is the optional tls-auth HMAC-SHA512 key. Servers using
	// tls-auth silently drop resets that are not signed with it.
	TLSAuthKey []byte

	// Logger is the logger to use.
	Logger model.Logger

	// now is the clock used for the replay timestamp.
	now func() time.Time
}

var _ Pinger = &OpenVPNPinger{}

// Ping implements Pinger
func (p *OpenVPNPinger) Ping(ctx context.Context, target *Target) bool {
	reset, sessionID, err := p.newClientReset()
	if err != nil {
		p.Logger.Warnf("availability: openvpn: cannot build reset: %s", err.Error())
		return false
	}
	endpoint := net.JoinHostPort(target.Address, strconv.Itoa(target.Port))
	conn, err := p.Dialer.DialContext(ctx, p.Network, endpoint)
	if err != nil {
		return false
	}
	defer conn.Close()
	_, err = networkio.Exchange(ctx, conn, reset, func(raw []byte) bool {
		return p.isServerReset(raw, sessionID)
	})
	return err == nil
}

// newClientReset serializes a client hard reset, signed when we have a
// tls-auth key, and returns it along with the session ID we used.
func (p *OpenVPNPinger) newClientReset() ([]byte, model.SessionID, error) {
	var sessionID model.SessionID
	random, err := bytesx.GenRandomBytes(len(sessionID))
	if err != nil {
		return nil, sessionID, err
	}
	copy(sessionID[:], random)
	packet := model.NewPacket(model.P_CONTROL_HARD_RESET_CLIENT_V2, 0, []byte{})
	packet.LocalSessionID = sessionID
	raw, err := packet.Bytes()
	if err != nil {
		return nil, sessionID, err
	}
	packet.Log(p.Logger, "availability: openvpn: >")
	if len(p.TLSAuthKey) == 0 {
		return raw, sessionID, nil
	}

	// replay protection: packet id 1 followed by the unix time
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	replay := make([]byte, 8)
	binary.BigEndian.PutUint32(replay[0:4], 1)
	binary.BigEndian.PutUint32(replay[4:8], uint32(now().Unix()))

	mac := hmac.New(sha512.New, p.TLSAuthKey)
	mac.Write(replay)
	mac.Write(raw)
	digest := mac.Sum(nil)

	// the HMAC and the replay fields sit between the session ID and the
	// ack array
	header := 1 + len(sessionID)
	signed := &bytes.Buffer{}
	signed.Write(raw[:header])
	signed.Write(digest)
	signed.Write(replay)
	signed.Write(raw[header:])
	return signed.Bytes(), sessionID, nil
}

// isServerReset returns whether raw is the server hard reset. We cannot
// verify signed replies, so with tls-auth we only check the opcode.
func (p *OpenVPNPinger) isServerReset(raw []byte, sessionID model.SessionID) bool {
	opcode, err := model.OpcodeOf(raw)
	if err != nil || opcode != model.P_CONTROL_HARD_RESET_SERVER_V2 {
		return false
	}
	if len(p.TLSAuthKey) > 0 {
		return true
	}
	packet, err := model.ParsePacket(raw)
	if err != nil {
		return false
	}
	packet.Log(p.Logger, "availability: openvpn: <")
	return len(packet.ACKs) == 0 || packet.RemoteSessionID == sessionID
}
