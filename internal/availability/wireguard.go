package availability

//
// WireGuard over UDP
//
// WireGuard servers never answer unauthenticated packets, so the only
// meaningful ping is a handshake initiation (Noise_IKpsk2) built with the
// server's static key. Any handshake response or cookie reply addressed to
// our sender index proves the port is reachable.
//

import (
	"context"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"hash"
	"net"
	"strconv"

	"github.com/vpncore/vpncore/internal/bytesx"
	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/internal/networkio"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/tai64n"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	wgLabelMAC1       = "mac1----"

	messageInitiationType  = 1
	messageResponseType    = 2
	messageCookieReplyType = 3

	messageInitiationSize  = 148
	messageResponseSize    = 92
	messageCookieReplySize = 64
)

// ErrMissingServerKey means the address carries no usable X25519 key.
var ErrMissingServerKey = errors.New("availability: missing server public key")

// WireGuardPinger sends a WireGuard handshake initiation over UDP.
type WireGuardPinger struct {
	// Dialer is the dialer to use.
	Dialer *networkio.Dialer

	// Keys returns the client key pair. When nil, or when it fails, we
	// use a throwaway key pair, which only works with servers accepting
	// unknown peers.
	Keys func() (*model.ClientKeyPair, error)

	// Logger is the logger to use.
	Logger model.Logger
}

var _ Pinger = &WireGuardPinger{}

// Ping implements Pinger
func (p *WireGuardPinger) Ping(ctx context.Context, target *Target) bool {
	serverKey, err := parseServerKey(target.X25519PublicKey)
	if err != nil {
		p.Logger.Warnf("availability: wireguard: %s:%d: %s", target.Address, target.Port, err.Error())
		return false
	}
	keys, err := p.clientKeys()
	if err != nil {
		p.Logger.Warnf("availability: wireguard: cannot get client keys: %s", err.Error())
		return false
	}
	sender, err := bytesx.GenRandomUint32()
	if err != nil {
		return false
	}
	msg, err := newHandshakeInitiation(keys, serverKey, sender, tai64n.Now())
	if err != nil {
		p.Logger.Warnf("availability: wireguard: cannot build initiation: %s", err.Error())
		return false
	}

	endpoint := net.JoinHostPort(target.Address, strconv.Itoa(target.Port))
	conn, err := p.Dialer.DialContext(ctx, "udp", endpoint)
	if err != nil {
		return false
	}
	defer conn.Close()
	_, err = networkio.Exchange(ctx, conn, msg, func(raw []byte) bool {
		return isHandshakeReply(raw, sender)
	})
	return err == nil
}

func (p *WireGuardPinger) clientKeys() (*model.ClientKeyPair, error) {
	if p.Keys != nil {
		if keys, err := p.Keys(); err == nil {
			return keys, nil
		}
	}
	return model.GenerateKeyPair()
}

func parseServerKey(encoded string) (wgtypes.Key, error) {
	if encoded == "" {
		return wgtypes.Key{}, ErrMissingServerKey
	}
	key, err := wgtypes.ParseKey(encoded)
	if err != nil {
		return wgtypes.Key{}, errors.Join(ErrMissingServerKey, err)
	}
	return key, nil
}

// isHandshakeReply returns whether raw is a response or cookie reply to
// the initiation we sent with the given sender index.
func isHandshakeReply(raw []byte, sender uint32) bool {
	if len(raw) < 12 {
		return false
	}
	switch binary.LittleEndian.Uint32(raw[0:4]) {
	case messageResponseType:
		return len(raw) == messageResponseSize && binary.LittleEndian.Uint32(raw[8:12]) == sender
	case messageCookieReplyType:
		return len(raw) == messageCookieReplySize && binary.LittleEndian.Uint32(raw[4:8]) == sender
	default:
		return false
	}
}

// newHandshakeInitiation builds the 148 bytes initiation message.
func newHandshakeInitiation(
	keys *model.ClientKeyPair, remote wgtypes.Key, sender uint32, now tai64n.Timestamp) ([]byte, error) {
	var chainKey, hash, key [blake2s.Size]byte
	chainKey = blake2s.Sum256([]byte(noiseConstruction))
	mixHash(&hash, &chainKey, []byte(wgIdentifier))
	mixHash(&hash, &hash, remote[:])

	ephemeral, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	ephemeralPublic := ephemeral.PublicKey()

	msg := make([]byte, messageInitiationSize)
	binary.LittleEndian.PutUint32(msg[0:4], messageInitiationType)
	binary.LittleEndian.PutUint32(msg[4:8], sender)
	copy(msg[8:40], ephemeralPublic[:])

	kdf1(&chainKey, chainKey[:], ephemeralPublic[:])
	mixHash(&hash, &hash, ephemeralPublic[:])

	// encrypted static key
	ss, err := curve25519.X25519(ephemeral[:], remote[:])
	if err != nil {
		return nil, err
	}
	kdf2(&chainKey, &key, chainKey[:], ss)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	var zeroNonce [chacha20poly1305.NonceSize]byte
	aead.Seal(msg[40:40], zeroNonce[:], keys.PublicKey[:], hash[:])
	mixHash(&hash, &hash, msg[40:88])

	// encrypted timestamp
	ss, err = curve25519.X25519(keys.PrivateKey[:], remote[:])
	if err != nil {
		return nil, err
	}
	kdf2(&chainKey, &key, chainKey[:], ss)
	aead, err = chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	aead.Seal(msg[88:88], zeroNonce[:], now[:], hash[:])

	// mac1 covers everything before it, mac2 stays zero without a cookie
	mac1Key := blake2s.Sum256(append([]byte(wgLabelMAC1), remote[:]...))
	mac, err := blake2s.New128(mac1Key[:])
	if err != nil {
		return nil, err
	}
	mac.Write(msg[:116])
	mac.Sum(msg[116:116])
	return msg, nil
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hash, _ := blake2s.New256(nil)
	hash.Write(h[:])
	hash.Write(data)
	hash.Sum(dst[:0])
}

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

func hmac1(sum *[blake2s.Size]byte, key, in0 []byte) {
	mac := hmac.New(newBlake2s, key)
	mac.Write(in0)
	mac.Sum(sum[:0])
}

func hmac2(sum *[blake2s.Size]byte, key, in0, in1 []byte) {
	mac := hmac.New(newBlake2s, key)
	mac.Write(in0)
	mac.Write(in1)
	mac.Sum(sum[:0])
}

func kdf1(t0 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
}

func kdf2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
	hmac2(t1, prk[:], t0[:], []byte{0x2})
}
