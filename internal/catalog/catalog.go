// Package catalog groups the servers of a directory by type, country and
// gateway for a given user tier.
package catalog

//
// Caching
//
// A Catalog keeps three lazily built tiers: the raw server list, the
// per-type partition and the sorted groups. A sorted entry is built from
// the partition on first use, after which the partition entry is dropped.
// All tiers are reset together when the directory changes and every
// access happens under the same mutex.
//

import (
	"sync"

	"github.com/vpncore/vpncore/internal/instrument"
	"github.com/vpncore/vpncore/internal/model"
)

// Catalog is the grouped view of a directory for one tier. The zero value
// is invalid; use [New].
type Catalog struct {
	tier   int
	dir    Directory
	logger model.Logger
	cancel func()

	mu         sync.Mutex
	generation uint64
	loaded     bool
	servers    []model.ServerRecord
	unsorted   map[model.ServerType][]*model.ServerRecord
	sorted     map[model.ServerType][]*ServerGroup
	listeners  listeners
}

// New creates a [Catalog] for tier watching dir for changes.
func New(logger model.Logger, dir Directory, tier int) *Catalog {
	c := &Catalog{
		tier:   tier,
		dir:    dir,
		logger: logger,
		sorted: map[model.ServerType][]*ServerGroup{},
	}
	c.cancel = dir.OnChange(c.invalidate)
	return c
}

// Tier returns the tier this catalog was built for.
func (c *Catalog) Tier() int {
	return c.tier
}

// Close stops watching the directory.
func (c *Catalog) Close() {
	c.cancel()
}

// Generation is incremented every time the directory changes.
func (c *Catalog) Generation() uint64 {
	defer c.mu.Unlock()
	c.mu.Lock()
	return c.generation
}

// OnChange registers fn to be called after the catalog has been
// invalidated.
func (c *Catalog) OnChange(fn func()) (cancel func()) {
	return c.listeners.add(fn)
}

// AllServers returns every server in the directory.
func (c *Catalog) AllServers() []*model.ServerRecord {
	defer c.mu.Unlock()
	c.mu.Lock()
	servers := c.serversLocked()
	out := make([]*model.ServerRecord, 0, len(servers))
	for i := range servers {
		out = append(out, &servers[i])
	}
	return out
}

// Groups returns the sorted groups for the given type. The returned
// groups are shared and MUST NOT be modified.
func (c *Catalog) Groups(st model.ServerType) []*ServerGroup {
	defer c.mu.Unlock()
	c.mu.Lock()
	if groups, found := c.sorted[st]; found {
		return groups
	}
	unsorted := c.unsortedLocked()[st]
	if len(unsorted) == 0 {
		return nil
	}
	groups := formGroups(unsorted)
	c.sorted[st] = groups
	delete(c.unsorted, st)
	return groups
}

// GroupsMatching is like Groups but keeps only the groups matching query.
// A group whose name does not match is reduced to its matching members,
// and dropped when none matches.
func (c *Catalog) GroupsMatching(st model.ServerType, query string) []*ServerGroup {
	groups := c.Groups(st)
	if query == "" {
		return groups
	}
	out := []*ServerGroup{}
	for _, g := range groups {
		if g.matches(query) {
			out = append(out, g)
			continue
		}
		members := []*model.ServerRecord{}
		for _, s := range g.Servers {
			if s.MatchesQuery(query) {
				members = append(members, s)
			}
		}
		if len(members) > 0 {
			out = append(out, NewServerGroup(g.Kind, g.Key, members))
		}
	}
	return out
}

func (c *Catalog) serversLocked() []model.ServerRecord {
	if !c.loaded {
		c.servers = c.dir.FetchAll()
		c.loaded = true
		c.logger.Debugf("catalog: tier %d: loaded %d servers", c.tier, len(c.servers))
	}
	return c.servers
}

func (c *Catalog) unsortedLocked() map[model.ServerType][]*model.ServerRecord {
	if c.unsorted == nil {
		c.unsorted = partition(c.serversLocked(), c.tier)
	}
	return c.unsorted
}

func (c *Catalog) invalidate() {
	c.mu.Lock()
	c.generation++
	c.loaded = false
	c.servers = nil
	c.unsorted = nil
	c.sorted = map[model.ServerType][]*ServerGroup{}
	c.mu.Unlock()

	instrument.CatalogInvalidated()
	c.logger.Debugf("catalog: tier %d: invalidated", c.tier)
	c.listeners.notify()
}

// Registry owns one [Catalog] per tier. The zero value is invalid; use
// [NewRegistry].
type Registry struct {
	dir    Directory
	logger model.Logger

	mu       sync.Mutex
	catalogs map[int]*Catalog
}

// NewRegistry creates a [Registry] over dir.
func NewRegistry(logger model.Logger, dir Directory) *Registry {
	return &Registry{
		dir:      dir,
		logger:   logger,
		catalogs: map[int]*Catalog{},
	}
}

// ForTier returns the catalog for tier, creating it on first use.
func (r *Registry) ForTier(tier int) *Catalog {
	defer r.mu.Unlock()
	r.mu.Lock()
	if c, found := r.catalogs[tier]; found {
		return c
	}
	c := New(r.logger, r.dir, tier)
	r.catalogs[tier] = c
	return c
}

// Close closes every catalog.
func (r *Registry) Close() {
	defer r.mu.Unlock()
	r.mu.Lock()
	for tier, c := range r.catalogs {
		c.Close()
		delete(r.catalogs, tier)
	}
}
