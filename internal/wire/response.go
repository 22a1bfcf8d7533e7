package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/vpncore/vpncore/internal/optional"
)

// ResponseKind is the response discriminator.
type ResponseKind uint8

const (
	ResponseOK                  = ResponseKind(0)
	ResponseSessionExpired      = ResponseKind(1)
	ResponseNeedKeyRegeneration = ResponseKind(2)
	ResponseTooManyCertRequests = ResponseKind(3)
	ResponseError               = ResponseKind(4)
)

// String implements fmt.Stringer
func (k ResponseKind) String() string {
	switch k {
	case ResponseOK:
		return "ok"
	case ResponseSessionExpired:
		return "errorSessionExpired"
	case ResponseNeedKeyRegeneration:
		return "errorNeedKeyRegeneration"
	case ResponseTooManyCertRequests:
		return "errorTooManyCertRequests"
	case ResponseError:
		return "error"
	default:
		return fmt.Sprintf("response(%d)", uint8(k))
	}
}

// retryAfterWidth is the width of the native signed integer.
const retryAfterWidth = 8

// Response is a message received from the tunnel process.
type Response struct {
	Kind ResponseKind

	// Data is the optional ResponseOK payload. Empty and nil encode the
	// same way, and an empty payload decodes as nil.
	Data []byte

	// RetryAfter is the optional ResponseTooManyCertRequests hint in seconds.
	RetryAfter optional.Value[int64]

	// Message is the ResponseError message.
	Message string
}

// OK returns an ok response carrying data. An empty data is stored as nil,
// which is how DecodeResponse returns it.
func OK(data []byte) *Response {
	if len(data) == 0 {
		data = nil
	}
	return &Response{Kind: ResponseOK, Data: data}
}

// EncodeResponse serializes a response.
func EncodeResponse(r *Response) ([]byte, error) {
	out := []byte{byte(r.Kind)}
	switch r.Kind {
	case ResponseOK:
		out = append(out, r.Data...)
	case ResponseSessionExpired, ResponseNeedKeyRegeneration:
	case ResponseTooManyCertRequests:
		if seconds, found := r.RetryAfter.Get(); found {
			out = binary.NativeEndian.AppendUint64(out, uint64(seconds))
		}
	case ResponseError:
		if !utf8.ValidString(r.Message) {
			return nil, fmt.Errorf("wire: error message is not valid utf-8")
		}
		out = append(out, r.Message...)
	default:
		return nil, fmt.Errorf("wire: cannot encode unknown response %d", r.Kind)
	}
	return out, nil
}

// DecodeResponse parses a response. An unknown discriminator is always an
// error and never treated as ok.
func DecodeResponse(data []byte) (*Response, error) {
	code, payload, err := datagram(data)
	if err != nil {
		return nil, err
	}
	r := &Response{Kind: ResponseKind(code)}
	switch r.Kind {
	case ResponseOK:
		if len(payload) > 0 {
			r.Data = append([]byte{}, payload...)
		}
	case ResponseSessionExpired, ResponseNeedKeyRegeneration:
	case ResponseTooManyCertRequests:
		// anything but exactly one integer means "no hint"
		if len(payload) == retryAfterWidth {
			r.RetryAfter = optional.Some(int64(binary.NativeEndian.Uint64(payload)))
		}
	case ResponseError:
		if !utf8.Valid(payload) {
			return nil, newDecodeError(KindMalformedPayload, "error message is not valid utf-8")
		}
		r.Message = string(payload)
	default:
		return nil, newDecodeError(KindUnknownDiscriminator, "response %d", code)
	}
	return r, nil
}

// LogicalAndServerID is the ok payload of getCurrentLogicalAndServerId.
type LogicalAndServerID struct {
	LogicalID string `json:"logicalId"`
	ServerID  string `json:"serverId"`
}

// ParseLogicalAndServerID parses the ok payload of getCurrentLogicalAndServerId.
func ParseLogicalAndServerID(data []byte) (*LogicalAndServerID, error) {
	if len(data) == 0 {
		return nil, newDecodeError(KindMalformedPayload, "empty logical/server id payload")
	}
	ids := &LogicalAndServerID{}
	if err := json.Unmarshal(data, ids); err != nil {
		return nil, newDecodeError(KindMalformedPayload, "logical/server id: %s", err.Error())
	}
	return ids, nil
}

// Bytes serializes the payload.
func (ids *LogicalAndServerID) Bytes() []byte {
	data, _ := json.Marshal(ids)
	return data
}
