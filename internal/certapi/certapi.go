// Package certapi fetches client certificates from the VPN API.
package certapi

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vpncore/vpncore/internal/certrefresh"
	"github.com/vpncore/vpncore/internal/model"
)

const (
	// certificatePath is the endpoint path below the base URL.
	certificatePath = "/vpn/v1/certificate"

	// codeSuccess is the API success code.
	codeSuccess = 1000

	// codeKeyConflict means the public key fingerprint is already bound.
	codeKeyConflict = 2500

	// maxBodySize bounds the response body we read.
	maxBodySize = 1 << 20
)

// ErrAPI is an unexpected API answer.
var ErrAPI = errors.New("certapi: unexpected API response")

// Session authenticates requests.
type Session struct {
	// UID is the session identifier.
	UID string

	// AccessToken is the bearer token.
	AccessToken string
}

// Client is a [certrefresh.Fetcher] talking to the VPN API. The zero value
// is invalid; use [NewClient].
type Client struct {
	// BaseURL is the API base URL, e.g. "https://vpn-api.example.org".
	BaseURL string

	// DeviceName is sent along with the key.
	DeviceName string

	// HTTPClient is the client to use.
	HTTPClient *http.Client

	// Session returns the current session.
	Session func() Session

	logger model.Logger
}

var _ certrefresh.Fetcher = &Client{}

// NewClient creates a [Client] for baseURL.
func NewClient(logger model.Logger, baseURL string, session func() Session) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Session:    session,
		logger:     logger,
	}
}

type certificateRequest struct {
	ClientPublicKey     string                     `json:"ClientPublicKey"`
	ClientPublicKeyMode string                     `json:"ClientPublicKeyMode"`
	DeviceName          string                     `json:"DeviceName"`
	Mode                string                     `json:"Mode"`
	Features            *model.CertificateFeatures `json:"Features,omitempty"`
}

type certificateResponse struct {
	Code           int    `json:"Code"`
	Error          string `json:"Error"`
	Certificate    string `json:"Certificate"`
	ExpirationTime int64  `json:"ExpirationTime"`
	RefreshTime    int64  `json:"RefreshTime"`
}

// PublicKeyPEM encodes the x25519 public key as a PEM PKIX block.
func PublicKeyPEM(keys *model.ClientKeyPair) (string, error) {
	pub, err := ecdh.X25519().NewPublicKey(keys.PublicKey[:])
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// FetchCertificate implements certrefresh.Fetcher
func (c *Client) FetchCertificate(ctx context.Context, keys *model.ClientKeyPair,
	features *model.CertificateFeatures) (*model.AuthCertificate, error) {
	publicKey, err := PublicKeyPEM(keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAPI, err.Error())
	}
	body, err := json.Marshal(&certificateRequest{
		ClientPublicKey:     publicKey,
		ClientPublicKeyMode: "EC",
		DeviceName:          c.DeviceName,
		Mode:                "persistent",
		Features:            features,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAPI, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+certificatePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAPI, err.Error())
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.Session != nil {
		session := c.Session()
		req.Header.Set("Authorization", "Bearer "+session.AccessToken)
		req.Header.Set("x-pm-uid", session.UID)
	}

	c.logger.Debugf("certapi: POST %s (request %s)", certificatePath, requestID)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", certrefresh.ErrTransientNetwork, err.Error())
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", certrefresh.ErrTransientNetwork, err.Error())
	}
	return c.parse(resp, data)
}

func (c *Client) parse(resp *http.Response, data []byte) (*model.AuthCertificate, error) {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &certrefresh.TooManyRequestsError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, certrefresh.ErrSessionExpired
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", certrefresh.ErrTransientNetwork, resp.StatusCode)
	}

	var parsed certificateResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrAPI, resp.StatusCode, err.Error())
	}
	switch {
	case parsed.Code == codeKeyConflict:
		return nil, fmt.Errorf("%w: %s", certrefresh.ErrKeyConflict, parsed.Error)
	case resp.StatusCode != http.StatusOK || parsed.Code != codeSuccess:
		return nil, fmt.Errorf("%w: HTTP %d code %d: %s", ErrAPI, resp.StatusCode, parsed.Code, parsed.Error)
	case parsed.Certificate == "" || parsed.ExpirationTime == 0:
		return nil, fmt.Errorf("%w: missing certificate", ErrAPI)
	}
	cert := &model.AuthCertificate{
		Certificate: []byte(parsed.Certificate),
		ValidUntil:  time.Unix(parsed.ExpirationTime, 0),
		RefreshTime: time.Unix(parsed.RefreshTime, 0),
	}
	if parsed.RefreshTime == 0 {
		cert.RefreshTime = cert.ValidUntil
	}
	c.logger.Infof("certapi: certificate valid until %s", cert.ValidUntil)
	return cert, nil
}

// parseRetryAfter parses seconds or an HTTP date, returning zero when
// the header is absent or invalid.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return max(0, time.Duration(seconds)*time.Second)
	}
	if when, err := http.ParseTime(value); err == nil {
		return max(0, time.Until(when))
	}
	return 0
}
