// Package wire implements the binary messages exchanged with the tunnel
// process.
//
// Every message is a single discriminator byte followed by a payload that
// depends on the discriminator. Requests and responses use distinct sets of
// discriminators. Structured payloads are JSON, integers are fixed-width
// native-endian.
//
// Decoding never panics: empty input, unknown discriminators and malformed
// payloads each produce a [*DecodeError] with a distinct [DecodeErrorKind].
package wire

import (
	"errors"
	"fmt"
)

// ErrDecode is the error wrapped by every [*DecodeError].
var ErrDecode = errors.New("wire: decode error")

// DecodeErrorKind qualifies a decoding failure.
type DecodeErrorKind int

const (
	// KindEmpty means we received zero bytes.
	KindEmpty = DecodeErrorKind(iota + 1)

	// KindUnknownDiscriminator means the leading byte is not known.
	KindUnknownDiscriminator

	// KindMalformedPayload means the payload could not be parsed.
	KindMalformedPayload
)

// String implements fmt.Stringer
func (k DecodeErrorKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindUnknownDiscriminator:
		return "unknown_discriminator"
	case KindMalformedPayload:
		return "malformed_payload"
	default:
		return "invalid"
	}
}

// DecodeError is returned when a message cannot be decoded.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

// Error implements error
func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrDecode.Error(), e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", ErrDecode.Error(), e.Kind, e.Detail)
}

// Is allows errors.Is(err, ErrDecode).
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func newDecodeError(kind DecodeErrorKind, format string, v ...any) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, v...)}
}

// IsDecodeErrorKind returns whether err is a [*DecodeError] of the given kind.
func IsDecodeErrorKind(err error, kind DecodeErrorKind) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == kind
}

// datagram returns the discriminator and the remaining payload.
func datagram(data []byte) (byte, []byte, error) {
	if len(data) == 0 {
		return 0, nil, &DecodeError{Kind: KindEmpty}
	}
	if len(data) == 1 {
		return data[0], nil, nil
	}
	return data[0], data[1:], nil
}
