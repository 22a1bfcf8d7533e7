// Package smartprotocol probes every enabled protocol on a server and picks
// the best one that works.
package smartprotocol

import (
	"context"
	"slices"
	"sync"

	"github.com/vpncore/vpncore/internal/availability"
	"github.com/vpncore/vpncore/internal/model"
	"golang.org/x/sync/errgroup"
)

// Resolver determines the best protocol for a server. The zero value is
// invalid; use [NewResolver].
type Resolver struct {
	// Fallback is returned when no enabled protocol responds.
	Fallback model.TransportCandidate

	checkers []*availability.Checker
	logger   model.Logger
}

// NewResolver creates a [Resolver] using the given checkers, one per
// enabled protocol. Checkers with a nil pinger are ignored.
func NewResolver(logger model.Logger, checkers ...*availability.Checker) *Resolver {
	r := &Resolver{
		Fallback: model.NewTransportCandidate(model.WireGuardUDP, model.DefaultPorts[model.WireGuardUDP]),
		logger:   logger,
	}
	for _, c := range checkers {
		if c == nil || c.Pinger == nil {
			continue
		}
		r.checkers = append(r.checkers, c)
	}
	slices.SortStableFunc(r.checkers, func(a, b *availability.Checker) int {
		return a.Protocol.Priority() - b.Protocol.Priority()
	})
	return r
}

// Protocols returns the enabled protocols in priority order.
func (r *Resolver) Protocols() []model.VPNProtocol {
	out := make([]model.VPNProtocol, 0, len(r.checkers))
	for _, c := range r.checkers {
		out = append(out, c.Protocol)
	}
	return out
}

// Candidates returns the protocols smart selection may end up using: the
// enabled ones, or the fallback alone when every protocol is disabled.
func (r *Resolver) Candidates() []model.VPNProtocol {
	if len(r.checkers) == 0 {
		return []model.VPNProtocol{r.Fallback.Protocol}
	}
	return r.Protocols()
}

// Without returns a copy of r without the protocols matching drop. When
// the fallback is dropped, the first remaining protocol replaces it.
func (r *Resolver) Without(drop func(model.VPNProtocol) bool) *Resolver {
	out := &Resolver{Fallback: r.Fallback, logger: r.logger}
	for _, c := range r.checkers {
		if !drop(c.Protocol) {
			out.checkers = append(out.checkers, c)
		}
	}
	if drop(out.Fallback.Protocol) {
		next := model.OpenVPNUDP
		if len(out.checkers) > 0 {
			next = out.checkers[0].Protocol
		}
		out.Fallback = model.NewTransportCandidate(next, model.DefaultPorts[next])
	}
	return out
}

// Checker returns the checker for p, if enabled.
func (r *Resolver) Checker(p model.VPNProtocol) (*availability.Checker, bool) {
	for _, c := range r.checkers {
		if c.Protocol == p {
			return c, true
		}
	}
	return nil, false
}

// BestProtocol checks every enabled protocol supported by server
// concurrently and returns the highest priority one that responded along
// with its working ports. It returns the fallback when nothing responds.
func (r *Resolver) BestProtocol(ctx context.Context, server *model.EntryAddress) model.TransportCandidate {
	if len(r.checkers) == 0 {
		r.logger.Warnf("smartprotocol: every protocol is disabled, falling back to %s", r.Fallback.Protocol)
		return r.Fallback
	}
	r.logger.Debugf("smartprotocol: determining best protocol for %s", server.EntryIP)

	var (
		mu        sync.Mutex
		available = map[model.VPNProtocol][]int{}
	)
	group := &errgroup.Group{}
	for _, checker := range r.checkers {
		if !server.Supports(checker.Protocol) {
			continue
		}
		group.Go(func() error {
			result := checker.Check(ctx, server)
			if result.Available() {
				mu.Lock()
				available[checker.Protocol] = result.Ports
				mu.Unlock()
			}
			return nil
		})
	}
	group.Wait()

	// checkers are already sorted by priority
	for _, checker := range r.checkers {
		if ports := available[checker.Protocol]; len(ports) > 0 {
			r.logger.Infof("smartprotocol: best protocol for %s is %s with ports %v", server.EntryIP, checker.Protocol, ports)
			return model.NewTransportCandidate(checker.Protocol, ports)
		}
	}
	r.logger.Infof("smartprotocol: no best protocol for %s, falling back to %s", server.EntryIP, r.Fallback.Protocol)
	return r.Fallback
}
