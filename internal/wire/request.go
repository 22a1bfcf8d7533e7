package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vpncore/vpncore/internal/model"
)

// RequestKind is the request discriminator.
type RequestKind uint8

// Discriminators below 100 are standard tunnel messages, the others are ours.
const (
	RequestGetRuntimeTunnelConfiguration = RequestKind(0)
	RequestFlushLogsToFile               = RequestKind(101)
	RequestSetAPISelector                = RequestKind(102)
	RequestRefreshCertificate            = RequestKind(103)
	RequestCancelRefreshes               = RequestKind(104)
	RequestRestartRefreshes              = RequestKind(105)
	RequestGetCurrentLogicalAndServerID  = RequestKind(106)
)

// String implements fmt.Stringer
func (k RequestKind) String() string {
	switch k {
	case RequestGetRuntimeTunnelConfiguration:
		return "getRuntimeTunnelConfiguration"
	case RequestFlushLogsToFile:
		return "flushLogsToFile"
	case RequestSetAPISelector:
		return "setApiSelector"
	case RequestRefreshCertificate:
		return "refreshCertificate"
	case RequestCancelRefreshes:
		return "cancelRefreshes"
	case RequestRestartRefreshes:
		return "restartRefreshes"
	case RequestGetCurrentLogicalAndServerID:
		return "getCurrentLogicalAndServerId"
	default:
		return fmt.Sprintf("request(%d)", uint8(k))
	}
}

func (k RequestKind) known() bool {
	switch k {
	case RequestGetRuntimeTunnelConfiguration,
		RequestFlushLogsToFile,
		RequestSetAPISelector,
		RequestRefreshCertificate,
		RequestCancelRefreshes,
		RequestRestartRefreshes,
		RequestGetCurrentLogicalAndServerID:
		return true
	default:
		return false
	}
}

// SessionCookie is the API session cookie forwarded with setApiSelector.
type SessionCookie struct {
	Name     string `json:"Name"`
	Value    string `json:"Value"`
	Domain   string `json:"Domain,omitempty"`
	Path     string `json:"Path,omitempty"`
	Expires  int64  `json:"Expires,omitempty"`
	Secure   bool   `json:"Secure,omitempty"`
	HTTPOnly bool   `json:"HttpOnly,omitempty"`
}

// Request is a message sent to the tunnel process.
type Request struct {
	Kind RequestKind

	// Selector and SessionCookie are used by RequestSetAPISelector.
	Selector      string
	SessionCookie *SessionCookie

	// Features is optionally used by RequestRefreshCertificate.
	Features *model.CertificateFeatures
}

type apiSelectorPayload struct {
	Selector      *string         `json:"selector"`
	SessionCookie json.RawMessage `json:"sessionCookie"`
}

// EncodeRequest serializes a request.
func EncodeRequest(r *Request) ([]byte, error) {
	if !r.Kind.known() {
		return nil, fmt.Errorf("wire: cannot encode unknown request %d", r.Kind)
	}
	out := []byte{byte(r.Kind)}
	switch r.Kind {
	case RequestSetAPISelector:
		cookie := []byte("{}")
		if r.SessionCookie != nil {
			data, err := json.Marshal(r.SessionCookie)
			if err != nil {
				return nil, err
			}
			cookie = data
		}
		payload, err := json.Marshal(apiSelectorPayload{
			Selector:      &r.Selector,
			SessionCookie: cookie,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, payload...)
	case RequestRefreshCertificate:
		if r.Features != nil {
			payload, err := json.Marshal(r.Features)
			if err != nil {
				return nil, err
			}
			out = append(out, payload...)
		}
	}
	return out, nil
}

// DecodeRequest parses a request.
func DecodeRequest(data []byte) (*Request, error) {
	code, payload, err := datagram(data)
	if err != nil {
		return nil, err
	}
	kind := RequestKind(code)
	if !kind.known() {
		return nil, newDecodeError(KindUnknownDiscriminator, "request %d", code)
	}
	r := &Request{Kind: kind}
	switch kind {
	case RequestSetAPISelector:
		if err := decodeAPISelector(r, payload); err != nil {
			return nil, err
		}
	case RequestRefreshCertificate:
		if len(payload) > 0 {
			features := &model.CertificateFeatures{}
			if err := json.Unmarshal(payload, features); err != nil {
				return nil, newDecodeError(KindMalformedPayload, "features: %s", err.Error())
			}
			r.Features = features
		}
	}
	return r, nil
}

func decodeAPISelector(r *Request, payload []byte) error {
	if len(payload) == 0 {
		return newDecodeError(KindMalformedPayload, "missing api selector payload")
	}
	var p apiSelectorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return newDecodeError(KindMalformedPayload, "api selector: %s", err.Error())
	}
	if p.Selector == nil {
		return newDecodeError(KindMalformedPayload, "missing selector")
	}
	cookie := bytes.TrimSpace(p.SessionCookie)
	if len(cookie) == 0 || cookie[0] != '{' {
		return newDecodeError(KindMalformedPayload, "missing session cookie object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(cookie, &fields); err != nil {
		return newDecodeError(KindMalformedPayload, "session cookie: %s", err.Error())
	}
	r.Selector = *p.Selector
	if len(fields) == 0 {
		return nil
	}
	sc := &SessionCookie{}
	if err := json.Unmarshal(cookie, sc); err != nil {
		return newDecodeError(KindMalformedPayload, "session cookie: %s", err.Error())
	}
	r.SessionCookie = sc
	return nil
}
