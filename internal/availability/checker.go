// Package availability probes the entry addresses of a server to find out
// which ports respond for a given protocol.
package availability

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/vpncore/vpncore/internal/instrument"
	"github.com/vpncore/vpncore/internal/model"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout bounds each probe.
	DefaultTimeout = 3 * time.Second

	// DefaultRetryDelay is the pause before the second round of a
	// checker with retries enabled.
	DefaultRetryDelay = 2 * time.Second
)

// Result is the aggregate outcome of a check. The zero value means
// unavailable.
type Result struct {
	// Ports contains every responding port, sorted.
	Ports []int
}

// Available returns whether at least one port responded.
func (r Result) Available() bool {
	return len(r.Ports) > 0
}

// String implements fmt.Stringer
func (r Result) String() string {
	if !r.Available() {
		return "unavailable"
	}
	return "available" + fmt.Sprint(r.Ports)
}

// Target is a single probe destination.
type Target struct {
	// Address is the entry IP for the protocol being probed.
	Address string

	// Port is the port to probe.
	Port int

	// ServerName is the domain used as TLS SNI.
	ServerName string

	// X25519PublicKey is the base64 WireGuard key of the server.
	X25519PublicKey string
}

// Pinger probes a single target. Implementations MUST honour the context
// deadline and MUST NOT panic. Failing to build the probe is a non-response.
type Pinger interface {
	Ping(ctx context.Context, target *Target) bool
}

// PingerFunc adapts a function to the [Pinger] interface.
type PingerFunc func(ctx context.Context, target *Target) bool

// Ping implements Pinger
func (fx PingerFunc) Ping(ctx context.Context, target *Target) bool {
	return fx(ctx, target)
}

// Checker checks the availability of one protocol. The zero value is
// invalid; use [NewChecker].
type Checker struct {
	// Protocol is the protocol being checked.
	Protocol model.VPNProtocol

	// DefaultPorts is used when the address carries no override ports.
	DefaultPorts []int

	// Timeout bounds each probe.
	Timeout time.Duration

	// RetryDelay enables a second round after this delay when the first
	// round finds no port. Zero disables retrying.
	RetryDelay time.Duration

	// Pinger sends the probes.
	Pinger Pinger

	// Logger is the logger to use.
	Logger model.Logger

	// shuffle randomizes the probing order.
	shuffle func([]int)
}

// NewChecker creates a [Checker] using the default ports for protocol.
// Retrying is enabled for WireGuard over UDP, since networks rate-limiting
// bursts of UDP packets otherwise make us report false negatives.
func NewChecker(logger model.Logger, protocol model.VPNProtocol, pinger Pinger) *Checker {
	c := &Checker{
		Protocol:     protocol,
		DefaultPorts: model.DefaultPorts[protocol],
		Timeout:      DefaultTimeout,
		Pinger:       pinger,
		Logger:       logger,
		shuffle: func(ports []int) {
			rand.Shuffle(len(ports), func(i, j int) {
				ports[i], ports[j] = ports[j], ports[i]
			})
		},
	}
	if protocol == model.WireGuardUDP {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Check probes all the candidate ports of server and returns every port
// that responded.
func (c *Checker) Check(ctx context.Context, server *model.EntryAddress) Result {
	return c.CheckPorts(ctx, server, c.DefaultPorts)
}

// CheckPorts is like Check with explicit candidate ports. Override ports
// configured on the address for this protocol take precedence.
func (c *Checker) CheckPorts(ctx context.Context, server *model.EntryAddress, ports []int) Result {
	ports = server.PortsFor(c.Protocol, ports)
	c.Logger.Debugf("availability: checking %s on %s ports %v", c.Protocol, server.EntryIP, ports)

	responding := c.round(ctx, server, ports)
	if len(responding) == 0 && c.RetryDelay > 0 {
		c.Logger.Debugf("availability: %s: no port on %s, retrying in %s", c.Protocol, server.EntryIP, c.RetryDelay)
		if sleep(ctx, c.RetryDelay) == nil {
			responding = c.round(ctx, server, ports)
		}
	}

	result := Result{Ports: responding}
	instrument.Check(c.Protocol.String(), result.Available())
	c.Logger.Infof("availability: %s on %s: %s", c.Protocol, server.EntryIP, result)
	return result
}

// round probes every port concurrently and waits for all of them.
func (c *Checker) round(ctx context.Context, server *model.EntryAddress, ports []int) []int {
	var (
		mu         sync.Mutex
		responding []int
	)
	group := &errgroup.Group{}
	for _, port := range c.shuffled(ports) {
		group.Go(func() error {
			if c.probe(ctx, server, port) {
				mu.Lock()
				responding = append(responding, port)
				mu.Unlock()
			}
			return nil
		})
	}
	group.Wait()
	slices.Sort(responding)
	return responding
}

// FirstResult is the outcome of [Checker.FirstResponder].
type FirstResult struct {
	// Port is the first port that responded.
	Port int

	// OK is false when no port responded.
	OK bool
}

// FirstResponderAsync probes all the candidate ports of server and emits on
// the returned channel as soon as one port responds, or once every probe has
// failed. The channel receives exactly one value and is then closed.
// Probes still running after the first response complete in the background
// and their results are discarded.
func (c *Checker) FirstResponderAsync(ctx context.Context, server *model.EntryAddress) <-chan FirstResult {
	out := make(chan FirstResult, 1)
	go func() {
		defer close(out)
		ports := server.PortsFor(c.Protocol, c.DefaultPorts)
		c.Logger.Debugf("availability: looking for the first %s port on %s among %v", c.Protocol, server.EntryIP, ports)
		result := c.firstRound(ctx, server, ports)
		if !result.OK && c.RetryDelay > 0 {
			c.Logger.Debugf("availability: %s: no port on %s, retrying in %s", c.Protocol, server.EntryIP, c.RetryDelay)
			if sleep(ctx, c.RetryDelay) == nil {
				result = c.firstRound(ctx, server, ports)
			}
		}
		if result.OK {
			c.Logger.Infof("availability: first %s port to respond on %s is %d", c.Protocol, server.EntryIP, result.Port)
		} else {
			c.Logger.Warnf("availability: no working %s port on %s", c.Protocol, server.EntryIP)
		}
		instrument.Check(c.Protocol.String(), result.OK)
		out <- result
	}()
	return out
}

// FirstResponder is the blocking version of FirstResponderAsync.
func (c *Checker) FirstResponder(ctx context.Context, server *model.EntryAddress) (int, bool) {
	result := <-c.FirstResponderAsync(ctx, server)
	return result.Port, result.OK
}

// CheckFirst is the callback version of FirstResponderAsync. The callback
// is invoked exactly once, from a background goroutine.
func (c *Checker) CheckFirst(ctx context.Context, server *model.EntryAddress, callback func(port int, ok bool)) {
	results := c.FirstResponderAsync(ctx, server)
	go func() {
		result := <-results
		callback(result.Port, result.OK)
	}()
}

func (c *Checker) firstRound(ctx context.Context, server *model.EntryAddress, ports []int) FirstResult {
	found := make(chan int, 1)
	var once sync.Once
	group := &errgroup.Group{}
	for _, port := range c.shuffled(ports) {
		group.Go(func() error {
			if c.probe(ctx, server, port) {
				once.Do(func() {
					found <- port
				})
			}
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()
	select {
	case port := <-found:
		return FirstResult{Port: port, OK: true}
	case <-done:
		// a probe may have succeeded right before the last one returned
		select {
		case port := <-found:
			return FirstResult{Port: port, OK: true}
		default:
			return FirstResult{}
		}
	}
}

// probe runs a single bounded probe.
func (c *Checker) probe(ctx context.Context, server *model.EntryAddress, port int) bool {
	address, ok := server.EntryIPFor(c.Protocol)
	if !ok {
		c.Logger.Warnf("availability: %s: no entry ip for %s", server.EntryIP, c.Protocol)
		return false
	}
	target := &Target{
		Address:         address,
		Port:            port,
		ServerName:      server.Domain,
		X25519PublicKey: server.X25519PublicKey,
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	t0 := time.Now()
	responded := c.Pinger.Ping(ctx, target)
	instrument.Probe(c.Protocol.String(), responded, time.Since(t0))
	if responded {
		c.Logger.Debugf("availability: %s available on %s:%d", c.Protocol, address, port)
	} else {
		c.Logger.Debugf("availability: %s NOT available on %s:%d", c.Protocol, address, port)
	}
	return responded
}

func (c *Checker) shuffled(ports []int) []int {
	out := append([]int{}, ports...)
	if c.shuffle != nil {
		c.shuffle(out)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
