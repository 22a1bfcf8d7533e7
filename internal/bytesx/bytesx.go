// Package bytesx provides functions operating on bytes.
//
// Specifically we implement these operations:
//
// 1. generating random bytes and identifiers;
//
// 2. big-endian integer framing used by probe packets;
//
// 3. decoding of hex-encoded static keys.
package bytesx

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrDecodeKey indicates that a static key cannot be decoded.
var ErrDecodeKey = errors.New("can't decode static key")

// GenRandomBytes returns an array of bytes with the given size using
// a CSRNG, on success, or an error, in case of failure.
func GenRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	_, err := rand.Read(b)
	return b, err
}

// GenRandomUint32 returns a random uint32 using a CSRNG.
func GenRandomUint32() (uint32, error) {
	b, err := GenRandomBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint32 is a convenience function that reads a uint32 from a 4-byte
// buffer, returning an error if the operation failed.
func ReadUint32(buf *bytes.Buffer) (uint32, error) {
	var numBuf [4]byte
	_, err := io.ReadFull(buf, numBuf[:])
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(numBuf[:]), nil
}

// WriteUint32 is a convenience function that appends to the given buffer
// 4 bytes containing the big-endian representation of the given uint32 value.
func WriteUint32(buf *bytes.Buffer, val uint32) {
	var numBuf [4]byte
	binary.BigEndian.PutUint32(numBuf[:], val)
	buf.Write(numBuf[:])
}

// DecodeStaticKey decodes a hex static key, as found between the
// "-----BEGIN OpenVPN Static key V1-----" markers, and returns its last
// size bytes. Comment lines and markers are ignored.
func DecodeStaticKey(s string, size int) ([]byte, error) {
	var sb strings.Builder
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-----") {
			continue
		}
		sb.WriteString(line)
	}
	key, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecodeKey, err)
	}
	if len(key) < size {
		return nil, fmt.Errorf("%w: key too short: %d bytes", ErrDecodeKey, len(key))
	}
	return key[len(key)-size:], nil
}
