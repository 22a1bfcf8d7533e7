// Package selector picks the server that best suits a connection intent.
package selector

import (
	"cmp"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/vpncore/vpncore/internal/catalog"
	"github.com/vpncore/vpncore/internal/instrument"
	"github.com/vpncore/vpncore/internal/model"
)

// Reason explains why no server could be selected.
type Reason int

const (
	// ReasonProtocolUnsupported means no candidate supports the transport.
	ReasonProtocolUnsupported = Reason(iota + 1)

	// ReasonUpgradeRequired means every candidate needs a higher tier.
	ReasonUpgradeRequired

	// ReasonUnderMaintenance means every candidate is under maintenance.
	ReasonUnderMaintenance
)

// String implements fmt.Stringer
func (r Reason) String() string {
	switch r {
	case ReasonProtocolUnsupported:
		return "protocol_not_supported"
	case ReasonUpgradeRequired:
		return "upgrade_required"
	case ReasonUnderMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

func (r Reason) alert() model.AlertKind {
	switch r {
	case ReasonProtocolUnsupported:
		return model.AlertProtocolNotSupported
	case ReasonUpgradeRequired:
		return model.AlertUpgradeRequired
	default:
		return model.AlertMaintenance
	}
}

// UnavailableError is returned when candidates exist but none is usable.
type UnavailableError struct {
	// Reason is the classified reason.
	Reason Reason

	// LowestTier is the lowest tier among the candidates, meaningful
	// with ReasonUpgradeRequired.
	LowestTier int

	// ServerType is the grouping type we selected from.
	ServerType model.ServerType

	// SpecificCountry is true when the intent targeted a country.
	SpecificCountry bool
}

// Error implements error
func (e *UnavailableError) Error() string {
	if e.Reason == ReasonUpgradeRequired {
		return fmt.Sprintf("selector: %s (lowest tier %d)", e.Reason, e.LowestTier)
	}
	return "selector: " + e.Reason.String()
}

// ErrNoServer means the intent matches no server at all, e.g. an unknown
// country or server ID.
var ErrNoServer = errors.New("selector: no server matches")

// Selection is the outcome of [Selector.Select].
type Selection struct {
	// Server is the selected logical server.
	Server *model.ServerRecord

	// Address is the entry address to connect to.
	Address *model.EntryAddress

	// ServerType is the grouping type the server was selected from.
	ServerType model.ServerType
}

// Selector selects servers from a catalog. The zero value is invalid;
// use [New].
type Selector struct {
	// Catalog provides the servers for the caller tier.
	Catalog *catalog.Catalog

	// SmartProtocols are the protocols enabled for smart selection.
	SmartProtocols []model.VPNProtocol

	// Alerts receives a notification for every unavailable outcome.
	Alerts model.AlertService

	// Logger is the logger to use.
	Logger model.Logger

	// intn picks a random index for random intents.
	intn func(n int) int
}

// New creates a [Selector] for the tier of c.
func New(logger model.Logger, c *catalog.Catalog, smart []model.VPNProtocol, alerts model.AlertService) *Selector {
	return &Selector{
		Catalog:        c,
		SmartProtocols: smart,
		Alerts:         alerts,
		Logger:         logger,
		intn:           rand.IntN,
	}
}

// Select returns the server that best suits intent, an [*UnavailableError]
// when candidates exist but cannot be used, or [ErrNoServer].
func (s *Selector) Select(intent model.ConnectionIntent) (*Selection, error) {
	st := intent.EffectiveServerType()
	targeted := intent.Kind == model.IntentServer

	candidates, err := s.candidates(intent, st)
	if err != nil {
		return nil, err
	}

	// restricted servers are only reachable by explicit targeting
	if !targeted {
		candidates = slices.DeleteFunc(candidates, func(server *model.ServerRecord) bool {
			return server.Features.Has(model.FeatureRestricted)
		})
	}
	if len(candidates) == 0 {
		s.Logger.Warnf("selector: %s: no candidates", intent)
		return nil, fmt.Errorf("%w: %s", ErrNoServer, intent)
	}

	usable, err := s.filter(candidates, intent, st, targeted)
	if err != nil {
		return nil, err
	}

	// Tor servers only when asked for, unless nothing else is left
	if st != model.ServerTypeTor {
		if regular := slices.DeleteFunc(slices.Clone(usable), (*model.ServerRecord).SupportsTor); len(regular) > 0 {
			usable = regular
		}
	}

	server := s.pick(usable, intent)
	address := s.address(server, intent.Protocol)
	s.Logger.Infof("selector: %s: selected %s", intent, server)
	return &Selection{Server: server, Address: address, ServerType: st}, nil
}

// candidates resolves the intent to the servers to choose from.
func (s *Selector) candidates(intent model.ConnectionIntent, st model.ServerType) ([]*model.ServerRecord, error) {
	switch intent.Kind {
	case model.IntentServer:
		for _, server := range s.Catalog.AllServers() {
			if server.ID == intent.ServerID {
				return []*model.ServerRecord{server}, nil
			}
		}
		return nil, fmt.Errorf("%w: server %q", ErrNoServer, intent.ServerID)

	case model.IntentCountry, model.IntentSecureCoreHop:
		group := s.countryGroup(st, intent.CountryCode)
		if group == nil {
			return nil, fmt.Errorf("%w: country %q", ErrNoServer, intent.CountryCode)
		}
		out := slices.Clone(group.Servers)
		if intent.Kind == model.IntentSecureCoreHop && intent.EntryCountry != "" {
			out = slices.DeleteFunc(out, func(server *model.ServerRecord) bool {
				return !strings.EqualFold(server.EntryCountry, intent.EntryCountry)
			})
		}
		return out, nil

	default:
		out := []*model.ServerRecord{}
		for _, group := range s.Catalog.Groups(st) {
			out = append(out, group.Servers...)
		}
		return out, nil
	}
}

func (s *Selector) countryGroup(st model.ServerType, code string) *catalog.ServerGroup {
	for _, group := range s.Catalog.Groups(st) {
		if group.Kind == catalog.GroupCountry && strings.EqualFold(group.Key, code) {
			return group
		}
	}
	return nil
}

// filter applies the protocol, tier and maintenance filters in this order
// and classifies the first one leaving no server.
func (s *Selector) filter(
	servers []*model.ServerRecord, intent model.ConnectionIntent, st model.ServerType, targeted bool) ([]*model.ServerRecord, error) {
	unavailable := func(reason Reason) error {
		err := &UnavailableError{
			Reason:          reason,
			LowestTier:      lowestTier(servers),
			ServerType:      st,
			SpecificCountry: intent.Kind == model.IntentCountry,
		}
		s.report(err, intent)
		return err
	}

	supporting := slices.DeleteFunc(slices.Clone(servers), func(server *model.ServerRecord) bool {
		return !server.SupportsConnection(intent.Protocol, s.SmartProtocols)
	})
	if len(supporting) == 0 {
		return nil, unavailable(ReasonProtocolUnsupported)
	}

	tier := s.Catalog.Tier()
	allowed := slices.DeleteFunc(supporting, func(server *model.ServerRecord) bool {
		return server.Tier > tier
	})
	if len(allowed) == 0 {
		return nil, unavailable(ReasonUpgradeRequired)
	}

	if targeted {
		return allowed, nil
	}
	running := slices.DeleteFunc(allowed, (*model.ServerRecord).UnderMaintenance)
	if len(running) == 0 {
		return nil, unavailable(ReasonUnderMaintenance)
	}
	return running, nil
}

func (s *Selector) report(err *UnavailableError, intent model.ConnectionIntent) {
	s.Logger.Warnf("selector: %s: %s", intent, err.Error())
	instrument.SelectionFailure(err.Reason.String())
	if s.Alerts == nil {
		return
	}
	context := map[string]string{
		"intent":     intent.String(),
		"serverType": err.ServerType.String(),
	}
	if err.SpecificCountry {
		context["country"] = intent.CountryCode
	}
	if err.Reason == ReasonUpgradeRequired {
		context["lowestTier"] = strconv.Itoa(err.LowestTier)
	}
	s.Alerts.Present(err.Reason.alert(), context)
}

// pick chooses among usable servers, which is never empty.
func (s *Selector) pick(servers []*model.ServerRecord, intent model.ConnectionIntent) *model.ServerRecord {
	if intent.Kind == model.IntentRandom {
		return servers[s.intn(len(servers))]
	}
	return Fastest(servers)
}

// Fastest returns the server with the lowest score, breaking ties by the
// lowest tier and then by input order. It returns nil for an empty input.
func Fastest(servers []*model.ServerRecord) *model.ServerRecord {
	if len(servers) == 0 {
		return nil
	}
	sorted := slices.Clone(servers)
	slices.SortStableFunc(sorted, func(a, b *model.ServerRecord) int {
		if c := cmp.Compare(a.Score, b.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Tier, b.Tier)
	})
	return sorted[0]
}

// address returns the first address supporting the protocol, preferring
// the ones not under maintenance.
func (s *Selector) address(server *model.ServerRecord, cp model.ConnectionProtocol) *model.EntryAddress {
	var fallback *model.EntryAddress
	for i := range server.IPs {
		ip := &server.IPs[i]
		if !ip.SupportsConnection(cp, s.SmartProtocols) {
			continue
		}
		if !ip.UnderMaintenance() {
			return ip
		}
		if fallback == nil {
			fallback = ip
		}
	}
	return fallback
}

func lowestTier(servers []*model.ServerRecord) int {
	lowest := servers[0].Tier
	for _, server := range servers[1:] {
		lowest = min(lowest, server.Tier)
	}
	return lowest
}
