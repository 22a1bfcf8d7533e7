package ipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/internal/optional"
	"github.com/vpncore/vpncore/internal/wire"
)

var (
	// ErrSessionExpired means the tunnel's API session expired and needs a
	// new selector.
	ErrSessionExpired = errors.New("ipc: session expired")

	// ErrNeedKeyRegeneration means the tunnel wants a fresh key pair.
	ErrNeedKeyRegeneration = errors.New("ipc: need key regeneration")

	// ErrUnexpectedResponse means the response kind makes no sense here.
	ErrUnexpectedResponse = errors.New("ipc: unexpected response")
)

// TooManyCertRequestsError carries the optional retry-after hint.
type TooManyCertRequestsError struct {
	RetryAfter optional.Value[time.Duration]
}

// Error implements error
func (e *TooManyCertRequestsError) Error() string {
	delay, found := e.RetryAfter.Get()
	if !found {
		return "ipc: too many certificate requests"
	}
	return fmt.Sprintf("ipc: too many certificate requests (retry after %s)", delay)
}

// TunnelError is an error reported by the tunnel process.
type TunnelError struct {
	Message string
}

// Error implements error
func (e *TunnelError) Error() string {
	return "ipc: tunnel error: " + e.Message
}

// Client sends typed requests to the tunnel process. The zero value is
// invalid; use [NewClient].
type Client struct {
	channel Channel
	logger  model.Logger
	timeout time.Duration
}

// DefaultTimeout bounds each round trip when the context has no deadline.
const DefaultTimeout = 10 * time.Second

// NewClient creates a [Client]. This function TAKES OWNERSHIP of channel.
func NewClient(logger model.Logger, channel Channel) *Client {
	return &Client{
		channel: channel,
		logger:  logger,
		timeout: DefaultTimeout,
	}
}

// Close closes the underlying channel.
func (c *Client) Close() error {
	return c.channel.Close()
}

// Send performs a round trip. Decode failures and non-ok responses are
// returned as errors; the ok payload is returned as is.
func (c *Client) Send(ctx context.Context, req *wire.Request) ([]byte, error) {
	data, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	c.logger.Debugf("ipc: > %s [%d bytes]", req.Kind, len(data))
	raw, err := c.channel.RoundTrip(ctx, data)
	if err != nil {
		c.logger.Warnf("ipc: %s: %s", req.Kind, err.Error())
		return nil, err
	}
	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		c.logger.Warnf("ipc: %s: %s", req.Kind, err.Error())
		return nil, err
	}
	c.logger.Debugf("ipc: < %s", resp.Kind)
	return responseToResult(resp)
}

func responseToResult(resp *wire.Response) ([]byte, error) {
	switch resp.Kind {
	case wire.ResponseOK:
		return resp.Data, nil
	case wire.ResponseSessionExpired:
		return nil, ErrSessionExpired
	case wire.ResponseNeedKeyRegeneration:
		return nil, ErrNeedKeyRegeneration
	case wire.ResponseTooManyCertRequests:
		seconds := optional.Map(resp.RetryAfter, func(s int64) time.Duration {
			return time.Duration(s) * time.Second
		})
		return nil, &TooManyCertRequestsError{RetryAfter: seconds}
	case wire.ResponseError:
		return nil, &TunnelError{Message: resp.Message}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Kind)
	}
}

// RuntimeConfiguration returns the tunnel's runtime configuration string.
func (c *Client) RuntimeConfiguration(ctx context.Context) (string, error) {
	data, err := c.Send(ctx, &wire.Request{Kind: wire.RequestGetRuntimeTunnelConfiguration})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FlushLogs asks the tunnel to flush its logs to file.
func (c *Client) FlushLogs(ctx context.Context) error {
	_, err := c.Send(ctx, &wire.Request{Kind: wire.RequestFlushLogsToFile})
	return err
}

// SetAPISelector passes a forked API session to the tunnel.
func (c *Client) SetAPISelector(ctx context.Context, selector string, cookie *wire.SessionCookie) error {
	_, err := c.Send(ctx, &wire.Request{
		Kind:          wire.RequestSetAPISelector,
		Selector:      selector,
		SessionCookie: cookie,
	})
	return err
}

// RefreshCertificate asks the tunnel to refresh the certificate with the
// given optional features.
func (c *Client) RefreshCertificate(ctx context.Context, features *model.CertificateFeatures) error {
	_, err := c.Send(ctx, &wire.Request{Kind: wire.RequestRefreshCertificate, Features: features})
	return err
}

// CancelRefreshes stops the tunnel's refresh timers so that we can safely
// mutate the credential store.
func (c *Client) CancelRefreshes(ctx context.Context) error {
	_, err := c.Send(ctx, &wire.Request{Kind: wire.RequestCancelRefreshes})
	return err
}

// RestartRefreshes resumes the tunnel's refresh timers.
func (c *Client) RestartRefreshes(ctx context.Context) error {
	_, err := c.Send(ctx, &wire.Request{Kind: wire.RequestRestartRefreshes})
	return err
}

// CurrentLogicalAndServerID returns the server the tunnel is connected to.
func (c *Client) CurrentLogicalAndServerID(ctx context.Context) (*wire.LogicalAndServerID, error) {
	data, err := c.Send(ctx, &wire.Request{Kind: wire.RequestGetCurrentLogicalAndServerID})
	if err != nil {
		return nil, err
	}
	return wire.ParseLogicalAndServerID(data)
}
