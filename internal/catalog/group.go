package catalog

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/vpncore/vpncore/internal/model"
)

// GroupKind tells countries and gateways apart.
type GroupKind int

const (
	// GroupCountry groups servers by exit country.
	GroupCountry = GroupKind(iota)

	// GroupGateway groups restricted servers by gateway name.
	GroupGateway
)

// String implements fmt.Stringer
func (k GroupKind) String() string {
	if k == GroupGateway {
		return "gateway"
	}
	return "country"
}

// ServerGroup is a country or a gateway with its servers.
type ServerGroup struct {
	// Kind is the group kind.
	Kind GroupKind

	// Key is the exit country code or the gateway name.
	Key string

	// Servers are the members of the group.
	Servers []*model.ServerRecord

	// Features is the union of the members features.
	Features model.Feature

	lowestTierOnce sync.Once
	lowestTier     int
}

// NewServerGroup creates a group and computes its feature union.
func NewServerGroup(kind GroupKind, key string, servers []*model.ServerRecord) *ServerGroup {
	g := &ServerGroup{Kind: kind, Key: key, Servers: servers}
	for _, s := range servers {
		g.Features = g.Features.Union(s.Features)
	}
	return g
}

// Name returns the display name.
func (g *ServerGroup) Name() string {
	if g.Kind == GroupGateway {
		return g.Key
	}
	return strings.ToUpper(g.Key)
}

// LowestTier returns the lowest tier among the members. It is computed
// once on first use.
func (g *ServerGroup) LowestTier() int {
	g.lowestTierOnce.Do(func() {
		if len(g.Servers) == 0 {
			return
		}
		g.lowestTier = g.Servers[0].Tier
		for _, s := range g.Servers[1:] {
			g.lowestTier = min(g.lowestTier, s.Tier)
		}
	})
	return g.lowestTier
}

// matches returns whether the group itself matches the query. Gateway
// names are matched verbatim, countries ignore case.
func (g *ServerGroup) matches(query string) bool {
	if g.Kind == GroupGateway {
		return strings.Contains(g.Key, query)
	}
	return strings.Contains(strings.ToLower(g.Key), strings.ToLower(query))
}

// partition splits servers into the per type lists, honouring the tier
// for every type except standard.
func partition(servers []model.ServerRecord, tier int) map[model.ServerType][]*model.ServerRecord {
	out := map[model.ServerType][]*model.ServerRecord{}
	for i := range servers {
		s := &servers[i]
		if !s.IsSecureCore() {
			out[model.ServerTypeStandard] = append(out[model.ServerTypeStandard], s)
		}
		if s.Tier > tier {
			continue
		}
		if s.IsSecureCore() {
			out[model.ServerTypeSecureCore] = append(out[model.ServerTypeSecureCore], s)
		}
		if s.SupportsP2P() {
			out[model.ServerTypeP2P] = append(out[model.ServerTypeP2P], s)
		}
		if s.SupportsTor() {
			out[model.ServerTypeTor] = append(out[model.ServerTypeTor], s)
		}
	}
	return out
}

// groupKey returns the group a server belongs to.
func groupKey(s *model.ServerRecord) (GroupKind, string) {
	if s.Features.Has(model.FeatureRestricted) && s.GatewayName != "" {
		return GroupGateway, s.GatewayName
	}
	return GroupCountry, s.ExitCountry
}

// formGroups groups servers and sorts the groups: gateways first, then
// countries, each by name.
func formGroups(servers []*model.ServerRecord) []*ServerGroup {
	type key struct {
		kind GroupKind
		name string
	}
	members := map[key][]*model.ServerRecord{}
	order := []key{}
	for _, s := range servers {
		kind, name := groupKey(s)
		k := key{kind, name}
		if _, found := members[k]; !found {
			order = append(order, k)
		}
		members[k] = append(members[k], s)
	}
	groups := make([]*ServerGroup, 0, len(order))
	for _, k := range order {
		groups = append(groups, NewServerGroup(k.kind, k.name, members[k]))
	}
	slices.SortStableFunc(groups, compareGroups)
	return groups
}

func compareGroups(a, b *ServerGroup) int {
	if a.Kind != b.Kind {
		// gateways first
		return cmp.Compare(b.Kind, a.Kind)
	}
	return cmp.Compare(a.Name(), b.Name())
}
