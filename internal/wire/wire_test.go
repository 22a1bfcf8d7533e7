package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/internal/optional"
)

func boolPtr(v bool) *bool { return &v }

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
	}{
		{"get runtime configuration", &Request{Kind: RequestGetRuntimeTunnelConfiguration}},
		{"flush logs", &Request{Kind: RequestFlushLogsToFile}},
		{"set api selector without cookie", &Request{Kind: RequestSetAPISelector, Selector: "abcd"}},
		{"set api selector with cookie", &Request{
			Kind:     RequestSetAPISelector,
			Selector: "selector-123",
			SessionCookie: &SessionCookie{
				Name:     "Session-Id",
				Value:    "deadbeef",
				Domain:   "vpn-api.example.org",
				Path:     "/",
				Expires:  1700000000,
				Secure:   true,
				HTTPOnly: true,
			},
		}},
		{"refresh certificate without features", &Request{Kind: RequestRefreshCertificate}},
		{"refresh certificate with features", &Request{
			Kind: RequestRefreshCertificate,
			Features: &model.CertificateFeatures{
				NetShieldLevel:  2,
				VPNAccelerator:  true,
				BouncingEnabled: false,
				SafeMode:        boolPtr(true),
				ModerateNAT:     true,
			},
		}},
		{"cancel refreshes", &Request{Kind: RequestCancelRefreshes}},
		{"restart refreshes", &Request{Kind: RequestRestartRefreshes}},
		{"current logical and server id", &Request{Kind: RequestGetCurrentLogicalAndServerID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeRequest(tt.req)
			if err != nil {
				t.Fatalf("EncodeRequest() error = %v", err)
			}
			if data[0] != byte(tt.req.Kind) {
				t.Errorf("discriminator = %d, want %d", data[0], tt.req.Kind)
			}
			got, err := DecodeRequest(data)
			if err != nil {
				t.Fatalf("DecodeRequest() error = %v", err)
			}
			if diff := cmp.Diff(tt.req, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
	}{
		{"ok without data", &Response{Kind: ResponseOK}},
		{"ok with data", OK([]byte("[Interface]\nPrivateKey = abc\n"))},
		{"ok with empty data", OK([]byte{})},
		{"session expired", &Response{Kind: ResponseSessionExpired}},
		{"need key regeneration", &Response{Kind: ResponseNeedKeyRegeneration}},
		{"too many requests without hint", &Response{Kind: ResponseTooManyCertRequests}},
		{"too many requests with hint", &Response{Kind: ResponseTooManyCertRequests, RetryAfter: optional.Some(int64(3600))}},
		{"too many requests with negative hint", &Response{Kind: ResponseTooManyCertRequests, RetryAfter: optional.Some(int64(-1))}},
		{"error", &Response{Kind: ResponseError, Message: "could not refresh: ünïcödé"}},
		{"error without message", &Response{Kind: ResponseError}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeResponse(tt.resp)
			if err != nil {
				t.Fatalf("EncodeResponse() error = %v", err)
			}
			got, err := DecodeResponse(data)
			if err != nil {
				t.Fatalf("DecodeResponse() error = %v", err)
			}
			if !reflect.DeepEqual(tt.resp, got) {
				t.Errorf("round trip mismatch: want %+v, got %+v", tt.resp, got)
			}
		})
	}
}

func TestEncodeTooManyCertRequestsLayout(t *testing.T) {
	data, err := EncodeResponse(&Response{Kind: ResponseTooManyCertRequests, RetryAfter: optional.Some(int64(42))})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{byte(ResponseTooManyCertRequests)}
	want = binary.NativeEndian.AppendUint64(want, 42)
	if !bytes.Equal(data, want) {
		t.Errorf("got %v, want %v", data, want)
	}
}

func TestDecodeTooManyCertRequestsWithOddWidth(t *testing.T) {
	got, err := DecodeResponse([]byte{byte(ResponseTooManyCertRequests), 1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.RetryAfter.IsNone() {
		t.Errorf("expected no retry-after hint, got %d", got.RetryAfter.Unwrap())
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		decode func([]byte) error
		data   []byte
		kind   DecodeErrorKind
	}{
		{
			name:   "empty request",
			decode: func(b []byte) error { _, err := DecodeRequest(b); return err },
			data:   []byte{},
			kind:   KindEmpty,
		},
		{
			name:   "nil response",
			decode: func(b []byte) error { _, err := DecodeResponse(b); return err },
			data:   nil,
			kind:   KindEmpty,
		},
		{
			name:   "unknown request discriminator",
			decode: func(b []byte) error { _, err := DecodeRequest(b); return err },
			data:   []byte{42},
			kind:   KindUnknownDiscriminator,
		},
		{
			name:   "unknown response discriminator",
			decode: func(b []byte) error { _, err := DecodeResponse(b); return err },
			data:   []byte{200},
			kind:   KindUnknownDiscriminator,
		},
		{
			name:   "set api selector without payload",
			decode: func(b []byte) error { _, err := DecodeRequest(b); return err },
			data:   []byte{byte(RequestSetAPISelector)},
			kind:   KindMalformedPayload,
		},
		{
			name:   "truncated set api selector",
			decode: func(b []byte) error { _, err := DecodeRequest(b); return err },
			data:   append([]byte{byte(RequestSetAPISelector)}, []byte(`{"selector":"ab`)...),
			kind:   KindMalformedPayload,
		},
		{
			name:   "set api selector missing cookie",
			decode: func(b []byte) error { _, err := DecodeRequest(b); return err },
			data:   append([]byte{byte(RequestSetAPISelector)}, []byte(`{"selector":"ab"}`)...),
			kind:   KindMalformedPayload,
		},
		{
			name:   "set api selector missing selector",
			decode: func(b []byte) error { _, err := DecodeRequest(b); return err },
			data:   append([]byte{byte(RequestSetAPISelector)}, []byte(`{"sessionCookie":{}}`)...),
			kind:   KindMalformedPayload,
		},
		{
			name:   "truncated features",
			decode: func(b []byte) error { _, err := DecodeRequest(b); return err },
			data:   append([]byte{byte(RequestRefreshCertificate)}, []byte(`{"netShieldLevel":`)...),
			kind:   KindMalformedPayload,
		},
		{
			name:   "error with invalid utf-8",
			decode: func(b []byte) error { _, err := DecodeResponse(b); return err },
			data:   []byte{byte(ResponseError), 0xff, 0xfe},
			kind:   KindMalformedPayload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decode(tt.data)
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
			if !IsDecodeErrorKind(err, tt.kind) {
				t.Errorf("expected kind %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestEncodeUnknownKinds(t *testing.T) {
	if _, err := EncodeRequest(&Request{Kind: RequestKind(7)}); err == nil {
		t.Error("expected error encoding unknown request")
	}
	if _, err := EncodeResponse(&Response{Kind: ResponseKind(9)}); err == nil {
		t.Error("expected error encoding unknown response")
	}
}

func TestParseLogicalAndServerID(t *testing.T) {
	ids := &LogicalAndServerID{LogicalID: "logical-1", ServerID: "server-9"}
	got, err := ParseLogicalAndServerID(ids.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ids, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if _, err := ParseLogicalAndServerID(nil); !IsDecodeErrorKind(err, KindMalformedPayload) {
		t.Errorf("expected malformed payload, got %v", err)
	}
}

func FuzzDecodeRequest(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{byte(RequestSetAPISelector), '{'})
	f.Add([]byte{byte(RequestRefreshCertificate), '{', '"'})
	f.Fuzz(func(t *testing.T, data []byte) {
		req, err := DecodeRequest(data)
		if err != nil {
			return
		}
		if _, err := EncodeRequest(req); err != nil {
			t.Errorf("cannot re-encode decoded request: %v", err)
		}
	})
}

func FuzzDecodeResponse(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{byte(ResponseTooManyCertRequests), 0, 0})
	f.Add([]byte{byte(ResponseError), 'o', 'k'})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeResponse(data)
	})
}
