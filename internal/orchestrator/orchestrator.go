// Package orchestrator drives a connection attempt: it refreshes the
// certificate, selects a server, resolves the transport, runs the intercept
// chain and hands the result to the tunnel process.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vpncore/vpncore/internal/certrefresh"
	"github.com/vpncore/vpncore/internal/intercept"
	"github.com/vpncore/vpncore/internal/ipc"
	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/internal/selector"
	"github.com/vpncore/vpncore/internal/smartprotocol"
	"github.com/vpncore/vpncore/internal/wire"
)

var (
	// ErrTransportUnavailable means the explicitly requested protocol did
	// not respond on any port.
	ErrTransportUnavailable = errors.New("orchestrator: transport unavailable")

	// ErrNotConnected is returned when there is no current attempt.
	ErrNotConnected = errors.New("orchestrator: not connected")

	// ErrServerMismatch means the tunnel is not on the selected server.
	ErrServerMismatch = errors.New("orchestrator: tunnel is connected to another server")
)

// InterceptedError is returned by Connect when a policy asks the user to
// confirm a safer configuration. Call ConnectConfirmed to accept it.
type InterceptedError struct {
	// AttemptID identifies the intercepted attempt.
	AttemptID uuid.UUID

	// Intent is the original intent.
	Intent model.ConnectionIntent

	// Result is the proposed modification.
	Result intercept.Result
}

// Error implements error
func (e *InterceptedError) Error() string {
	return fmt.Sprintf("orchestrator: connection intercepted by %s", e.Result.Policy)
}

// Tunnel is the tunnel process as seen from the core. [*ipc.Client]
// implements it.
type Tunnel interface {
	RefreshCertificate(ctx context.Context, features *model.CertificateFeatures) error
	CancelRefreshes(ctx context.Context) error
	RestartRefreshes(ctx context.Context) error
	CurrentLogicalAndServerID(ctx context.Context) (*wire.LogicalAndServerID, error)
}

// Attempt is a connection handed to the tunnel.
type Attempt struct {
	// ID identifies the attempt in logs.
	ID uuid.UUID

	// Intent is what the user asked for.
	Intent model.ConnectionIntent

	// Selection is the selected server and address.
	Selection *selector.Selection

	// Transport is the resolved protocol and ports.
	Transport model.TransportCandidate

	// Certificate is the certificate used for the connection.
	Certificate *model.AuthCertificate

	// KillSwitch is whether the kill switch is on for this attempt.
	KillSwitch bool

	// StartedAt is when the attempt started.
	StartedAt time.Time
}

// Config contains the orchestrator dependencies.
type Config struct {
	// Logger is the MANDATORY logger.
	Logger model.Logger

	// Alerts is the OPTIONAL alert service. By default alerts are logged.
	Alerts model.AlertService

	// Selector is the MANDATORY server selector.
	Selector *selector.Selector

	// Resolver is the MANDATORY smart protocol resolver.
	Resolver *smartprotocol.Resolver

	// Intercepts is the OPTIONAL intercept chain.
	Intercepts *intercept.Chain

	// Certificates is the MANDATORY certificate manager.
	Certificates *certrefresh.Manager

	// Tunnel is the OPTIONAL tunnel process.
	Tunnel Tunnel

	// Features are the OPTIONAL certificate features.
	Features *model.CertificateFeatures

	// KillSwitch is the initial kill switch setting.
	KillSwitch bool
}

// Orchestrator runs connection attempts. The zero value is invalid; use [New].
type Orchestrator struct {
	alerts       model.AlertService
	certificates *certrefresh.Manager
	features     *model.CertificateFeatures
	intercepts   *intercept.Chain
	logger       model.Logger
	selector     *selector.Selector
	tunnel       Tunnel

	// mu protects the fields below.
	mu               sync.Mutex
	current          *Attempt
	killSwitch       bool
	resolver         *smartprotocol.Resolver
	wireGuardAllowed bool

	timeNow func() time.Time
}

// New creates an [Orchestrator].
func New(config *Config) *Orchestrator {
	intercepts := config.Intercepts
	if intercepts == nil {
		intercepts = intercept.NewChain(config.Logger)
	}
	alerts := config.Alerts
	if alerts == nil {
		alerts = &model.LogAlertService{Logger: config.Logger}
	}
	return &Orchestrator{
		alerts:           alerts,
		certificates:     config.Certificates,
		features:         config.Features,
		intercepts:       intercepts,
		logger:           config.Logger,
		selector:         config.Selector,
		tunnel:           config.Tunnel,
		killSwitch:       config.KillSwitch,
		resolver:         config.Resolver,
		wireGuardAllowed: true,
		timeNow:          time.Now,
	}
}

// KillSwitch returns the current kill switch setting.
func (o *Orchestrator) KillSwitch() bool {
	defer o.mu.Unlock()
	o.mu.Lock()
	return o.killSwitch
}

// Current returns the current attempt or nil.
func (o *Orchestrator) Current() *Attempt {
	defer o.mu.Unlock()
	o.mu.Lock()
	return o.current
}

// Connect runs a connection attempt for intent. It returns an
// *[InterceptedError] when the user must confirm a modification.
func (o *Orchestrator) Connect(ctx context.Context, intent model.ConnectionIntent) (*Attempt, error) {
	return o.connect(ctx, intent, uuid.New())
}

// ConnectConfirmed applies the modification the user accepted and runs
// the attempt again.
func (o *Orchestrator) ConnectConfirmed(ctx context.Context, intercepted *InterceptedError) (*Attempt, error) {
	result := intercepted.Result
	intent := intercepted.Intent
	intent.Protocol = result.NewProtocol

	o.mu.Lock()
	if result.EnableKillSwitch {
		o.killSwitch = true
	}
	if result.DisableWireGuard {
		o.wireGuardAllowed = false
		if !intent.Protocol.IsSmart() && intent.Protocol.Protocol.IsWireGuard() {
			intent.Protocol = model.Smart
		}
	}
	o.mu.Unlock()

	o.logger.Infof("orchestrator: [%s] confirmed %s", intercepted.AttemptID, result.Policy)
	return o.connect(ctx, intent, intercepted.AttemptID)
}

func (o *Orchestrator) connect(ctx context.Context, intent model.ConnectionIntent, id uuid.UUID) (*Attempt, error) {
	o.mu.Lock()
	killSwitch := o.killSwitch
	resolver := o.resolver
	if !o.wireGuardAllowed {
		resolver = resolver.Without(model.VPNProtocol.IsWireGuard)
	}
	o.mu.Unlock()

	attempt := &Attempt{
		ID:         id,
		Intent:     intent,
		KillSwitch: killSwitch,
		StartedAt:  o.timeNow(),
	}
	o.logger.Infof("orchestrator: [%s] connecting to %s", id, intent)

	cert, err := o.certificates.RefreshNow(ctx, o.features)
	if err != nil {
		o.presentThrottling(err)
		return nil, err
	}
	attempt.Certificate = cert

	selection, err := o.selectServer(intent, resolver)
	if err != nil {
		return nil, err
	}
	attempt.Selection = selection
	o.logger.Infof("orchestrator: [%s] selected %s (%s)", id, selection.Server.Name, selection.Address.EntryIP)

	transport, err := o.resolveTransport(ctx, intent.Protocol, selection.Address, resolver)
	if err != nil {
		return nil, err
	}
	attempt.Transport = transport

	result, err := o.intercepts.Run(ctx, intent.Protocol, killSwitch)
	if err != nil {
		return nil, err
	}
	if result.Intercept {
		o.logger.Infof("orchestrator: [%s] intercepted by %s", id, result.Policy)
		return nil, &InterceptedError{AttemptID: id, Intent: intent, Result: result}
	}

	if o.tunnel != nil {
		if err := o.tunnel.RefreshCertificate(ctx, o.features); err != nil {
			o.presentThrottling(err)
			return nil, err
		}
		if err := o.tunnel.RestartRefreshes(ctx); err != nil {
			o.logger.Warnf("orchestrator: [%s] cannot restart tunnel refreshes: %s", id, err.Error())
		}
	}
	o.certificates.Start()

	o.mu.Lock()
	o.current = attempt
	o.mu.Unlock()
	o.logger.Infof("orchestrator: [%s] handed %s %v to the tunnel", id, transport.Protocol, transport.Ports)
	return attempt, nil
}

// presentThrottling alerts the user when either the API or the tunnel
// refused a certificate because of too many requests.
func (o *Orchestrator) presentThrottling(err error) {
	var (
		apiErr     *certrefresh.TooManyRequestsError
		tunnelErr  *ipc.TooManyCertRequestsError
		retryAfter time.Duration
	)
	switch {
	case errors.As(err, &apiErr):
		retryAfter = apiErr.RetryAfter
	case errors.As(err, &tunnelErr):
		retryAfter = tunnelErr.RetryAfter.UnwrapOr(0)
	default:
		return
	}
	details := map[string]string{}
	if retryAfter > 0 {
		details["retry_after"] = retryAfter.String()
	}
	o.alerts.Present(model.AlertTooManyCertificateRequests, details)
}

func (o *Orchestrator) selectServer(intent model.ConnectionIntent, resolver *smartprotocol.Resolver) (*selector.Selection, error) {
	sel := *o.selector
	sel.SmartProtocols = resolver.Candidates()
	return sel.Select(intent)
}

func (o *Orchestrator) resolveTransport(ctx context.Context, protocol model.ConnectionProtocol,
	address *model.EntryAddress, resolver *smartprotocol.Resolver) (model.TransportCandidate, error) {
	if protocol.IsSmart() {
		return resolver.BestProtocol(ctx, address), nil
	}
	p := protocol.Protocol
	checker, found := resolver.Checker(p)
	if !found {
		// nothing to probe with: trust the configured ports
		return model.NewTransportCandidate(p, address.PortsFor(p, model.DefaultPorts[p])), nil
	}
	if p == model.WireGuardUDP {
		// one UDP transport: the first port to answer is enough
		port, ok := checker.FirstResponder(ctx, address)
		if !ok {
			return model.TransportCandidate{}, fmt.Errorf("%w: %s on %s", ErrTransportUnavailable, p, address.EntryIP)
		}
		return model.NewTransportCandidate(p, []int{port}), nil
	}
	result := checker.Check(ctx, address)
	if !result.Available() {
		return model.TransportCandidate{}, fmt.Errorf("%w: %s on %s", ErrTransportUnavailable, p, address.EntryIP)
	}
	return model.NewTransportCandidate(p, result.Ports), nil
}

// Verify checks that the tunnel is connected to the current attempt's server.
func (o *Orchestrator) Verify(ctx context.Context) error {
	attempt := o.Current()
	if attempt == nil || o.tunnel == nil {
		return ErrNotConnected
	}
	ids, err := o.tunnel.CurrentLogicalAndServerID(ctx)
	if err != nil {
		return err
	}
	if ids.LogicalID != attempt.Selection.Server.ID || ids.ServerID != attempt.Selection.Address.ID {
		return fmt.Errorf("%w: %s/%s", ErrServerMismatch, ids.LogicalID, ids.ServerID)
	}
	return nil
}

// Disconnect stops the background refresh, asks the tunnel to stop its
// own refreshes and forgets the current attempt.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.mu.Lock()
	attempt := o.current
	o.current = nil
	o.mu.Unlock()

	o.certificates.Cancel()
	if attempt != nil {
		o.logger.Infof("orchestrator: [%s] disconnected", attempt.ID)
	}
	if o.tunnel == nil {
		return nil
	}
	return o.tunnel.CancelRefreshes(ctx)
}
