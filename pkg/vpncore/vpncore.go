// Package vpncore contains the public connection API.
package vpncore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/vpncore/vpncore/internal/availability"
	"github.com/vpncore/vpncore/internal/catalog"
	"github.com/vpncore/vpncore/internal/certapi"
	"github.com/vpncore/vpncore/internal/certrefresh"
	"github.com/vpncore/vpncore/internal/credstore"
	"github.com/vpncore/vpncore/internal/instrument"
	"github.com/vpncore/vpncore/internal/intercept"
	"github.com/vpncore/vpncore/internal/ipc"
	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/internal/orchestrator"
	"github.com/vpncore/vpncore/internal/selector"
	"github.com/vpncore/vpncore/internal/smartprotocol"
	"github.com/vpncore/vpncore/pkg/config"
)

// SimpleDialer establishes network connections.
type SimpleDialer interface {
	DialContext(ctx context.Context, network, endpoint string) (net.Conn, error)
}

// We're creating type aliases to expose the internal types on the public API.
type (
	Attempt          = orchestrator.Attempt
	InterceptedError = orchestrator.InterceptedError
	Catalog          = catalog.Catalog
)

// ErrMissingAPIURL is returned when no certificate API is configured.
var ErrMissingAPIURL = errors.New("vpncore: missing certificate api_url")

// ErrProtocolDisabled is returned by Probe for protocols not enabled.
var ErrProtocolDisabled = errors.New("vpncore: protocol not enabled")

// ErrBadTLSAuthKey is returned for unparseable OpenVPN static keys.
var ErrBadTLSAuthKey = errors.New("vpncore: bad tls-auth key")

// Core ties the catalog, the selector, the availability checks, the
// certificate refresh and the tunnel IPC together.
type Core struct {
	catalog      *catalog.Catalog
	certificates *certrefresh.Manager
	logger       model.Logger
	orchestrator *orchestrator.Orchestrator
	registry     *catalog.Registry
	resolver     *smartprotocol.Resolver
	store        certrefresh.Store
	tunnel       *ipc.Client
	stopMetrics  context.CancelFunc
}

// New builds a [Core] from cfg. The dialer is used for the availability
// probes. Call Close when done.
func New(ctx context.Context, dialer SimpleDialer, cfg *config.Config) (*Core, error) {
	file := cfg.File()
	logger := cfg.Logger()
	core := &Core{logger: logger, stopMetrics: func() {}}

	if file.Certificate.APIURL == "" {
		return nil, ErrMissingAPIURL
	}

	dir, err := newDirectory(file)
	if err != nil {
		return nil, err
	}
	core.registry = catalog.NewRegistry(logger, dir)
	core.catalog = core.registry.ForTier(file.Client.Tier)

	store, err := newStore(file)
	if err != nil {
		core.Close()
		return nil, err
	}
	core.store = store

	resolver, err := newResolver(logger, dialer, file, store)
	if err != nil {
		core.Close()
		return nil, err
	}
	core.resolver = resolver

	fetcher := certapi.NewClient(logger, file.Certificate.APIURL, func() certapi.Session {
		return certapi.Session{UID: file.Certificate.SessionUID, AccessToken: file.Certificate.AccessToken}
	})
	fetcher.DeviceName = file.Certificate.DeviceName
	engine := certrefresh.NewEngine(logger, store, fetcher)
	engine.NetworkRetries = file.Certificate.NetworkRetries
	engine.MinRetryDelay = file.Certificate.MinRetryDelay
	engine.RetryJitter = file.Certificate.RetryJitter
	engine.RefreshEarlierBy = file.Certificate.RefreshEarlierBy
	core.certificates = certrefresh.NewManager(logger, engine, file.Certificate.CheckInterval)

	if file.Tunnel.Address != "" {
		channel, err := ipc.Dial(ctx, file.Tunnel.Network, file.Tunnel.Address)
		if err != nil {
			core.Close()
			return nil, err
		}
		core.tunnel = ipc.NewClient(logger, channel)
	}

	if file.Metrics.Address != "" {
		instrument.Register()
		metricsCtx, cancel := context.WithCancel(context.Background())
		core.stopMetrics = cancel
		go func() {
			if err := instrument.Serve(metricsCtx, logger, file.Metrics.Address); err != nil {
				logger.Warnf("vpncore: metrics: %s", err.Error())
			}
		}()
	}

	chain := intercept.NewChain(logger, &intercept.LocalNetworkPolicy{
		Enabled:    file.Client.LANWarnings,
		Interfaces: cfg.Interfaces(),
		Alerts:     cfg.AlertService(),
		Decider:    cfg.Decider(),
		Logger:     logger,
	})

	ocfg := &orchestrator.Config{
		Logger:       logger,
		Alerts:       cfg.AlertService(),
		Selector:     selector.New(logger, core.catalog, resolver.Candidates(), cfg.AlertService()),
		Resolver:     resolver,
		Intercepts:   chain,
		Certificates: core.certificates,
		Features:     file.Features(),
		KillSwitch:   file.Client.KillSwitch,
	}
	if core.tunnel != nil {
		ocfg.Tunnel = core.tunnel
	}
	core.orchestrator = orchestrator.New(ocfg)
	return core, nil
}

func newDirectory(file *config.File) (catalog.Directory, error) {
	if file.Directory.File == "" {
		return catalog.NewStaticDirectory(nil), nil
	}
	return catalog.NewFileDirectory(file.Directory.File)
}

func newStore(file *config.File) (certrefresh.Store, error) {
	if file.Storage.Path == "" {
		return &credstore.MemoryStore{}, nil
	}
	return credstore.Open(file.Storage.Path)
}

func newResolver(logger model.Logger, dialer SimpleDialer, file *config.File, store certrefresh.Store) (*smartprotocol.Resolver, error) {
	protocols, err := file.Protocols()
	if err != nil {
		return nil, err
	}
	opts := []availability.PingerOption{availability.WithClientKeys(store.Keys)}
	if file.SmartProtocol.TLSAuthKey != "" {
		key, err := readTLSAuthKey(file.SmartProtocol.TLSAuthKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, availability.WithTLSAuthKey(key))
	}
	var checkers []*availability.Checker
	for _, p := range protocols {
		checker := availability.NewChecker(logger, p, availability.NewPinger(logger, dialer, p, opts...))
		checker.DefaultPorts = file.PortsFor(p)
		checker.Timeout = file.SmartProtocol.ProbeTimeout
		if checker.RetryDelay > 0 {
			checker.RetryDelay = file.SmartProtocol.RetryDelay
		}
		checkers = append(checkers, checker)
	}
	return smartprotocol.NewResolver(logger, checkers...), nil
}

// readTLSAuthKey reads an OpenVPN static key file and returns the HMAC key
// used without key-direction.
func readTLSAuthKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseStaticKey(data)
}

func parseStaticKey(data []byte) ([]byte, error) {
	var encoded strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-----") {
			continue
		}
		encoded.WriteString(line)
	}
	key, err := hex.DecodeString(encoded.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadTLSAuthKey, err.Error())
	}
	if len(key) != 256 {
		return nil, fmt.Errorf("%w: expected 256 bytes, got %d", ErrBadTLSAuthKey, len(key))
	}
	return key[64 : 64+availability.TLSAuthKeySize], nil
}

// Catalog returns the catalog for the configured tier.
func (c *Core) Catalog() *Catalog {
	return c.catalog
}

// KillSwitch returns the current kill switch setting.
func (c *Core) KillSwitch() bool {
	return c.orchestrator.KillSwitch()
}

// Connect runs a connection attempt. It returns an *[InterceptedError]
// when the user must confirm a modification; pass it to ConnectConfirmed.
func (c *Core) Connect(ctx context.Context, intent model.ConnectionIntent) (*Attempt, error) {
	return c.orchestrator.Connect(ctx, intent)
}

// ConnectConfirmed runs an intercepted attempt with the modification applied.
func (c *Core) ConnectConfirmed(ctx context.Context, intercepted *InterceptedError) (*Attempt, error) {
	return c.orchestrator.ConnectConfirmed(ctx, intercepted)
}

// Probe checks protocol on entryIP. Without ports, the configured ports
// are probed.
func (c *Core) Probe(ctx context.Context, protocol model.VPNProtocol, entryIP string, ports ...int) (availability.Result, error) {
	checker, found := c.resolver.Checker(protocol)
	if !found {
		return availability.Result{}, fmt.Errorf("%w: %s", ErrProtocolDisabled, protocol)
	}
	address := &model.EntryAddress{EntryIP: entryIP, Status: 1}
	if len(ports) == 0 {
		return checker.Check(ctx, address), nil
	}
	return checker.CheckPorts(ctx, address, ports), nil
}

// Verify checks that the tunnel is connected to the selected server.
func (c *Core) Verify(ctx context.Context) error {
	return c.orchestrator.Verify(ctx)
}

// Disconnect stops the certificate refreshes.
func (c *Core) Disconnect(ctx context.Context) error {
	return c.orchestrator.Disconnect(ctx)
}

// Close releases every resource. It is safe to call on a partially
// constructed core.
func (c *Core) Close() error {
	var errs []error
	if c.certificates != nil {
		c.certificates.Cancel()
	}
	c.stopMetrics()
	if c.tunnel != nil {
		errs = append(errs, c.tunnel.Close())
	}
	if closer, ok := c.store.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	if c.registry != nil {
		c.registry.Close()
	}
	return errors.Join(errs...)
}
