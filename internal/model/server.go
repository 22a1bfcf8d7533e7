package model

//
// Server records as delivered by the server directory.
//
// Records are immutable once fetched. A catalog refresh replaces them
// wholesale.
//

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vpncore/vpncore/internal/optional"
)

// Feature is a bit set of server features.
type Feature uint32

// Bit values follow the server API.
const (
	FeatureSecureCore = Feature(1 << iota)
	FeatureTor
	FeatureP2P
	FeatureStreaming
	FeatureRestricted
	FeaturePartner
)

// Has returns whether all the bits in other are set.
func (f Feature) Has(other Feature) bool {
	return f&other == other
}

// Union returns the bitwise union.
func (f Feature) Union(other Feature) Feature {
	return f | other
}

// String implements fmt.Stringer
func (f Feature) String() string {
	names := []string{}
	for _, item := range []struct {
		bit  Feature
		name string
	}{
		{FeatureSecureCore, "secure-core"},
		{FeatureTor, "tor"},
		{FeatureP2P, "p2p"},
		{FeatureStreaming, "streaming"},
		{FeatureRestricted, "restricted"},
		{FeaturePartner, "partner"},
	} {
		if f.Has(item.bit) {
			names = append(names, item.name)
		}
	}
	return "[" + strings.Join(names, ",") + "]"
}

// ProtocolEntry overrides the entry address or the ports for one protocol.
type ProtocolEntry struct {
	// IPv4 replaces the default entry IP when set.
	IPv4 optional.Value[string]

	// Ports replaces the default ports when set.
	Ports []int
}

// ProtocolEntries maps a protocol to its override. A nil *ProtocolEntry
// is present but null, meaning the protocol is not offered by this address.
type ProtocolEntries map[VPNProtocol]*ProtocolEntry

// restrictsToListed returns whether any null entry is present, in which case
// only the protocols explicitly listed with a non-null entry are supported.
func (pe ProtocolEntries) restrictsToListed() bool {
	for _, entry := range pe {
		if entry == nil {
			return true
		}
	}
	return false
}

// EntryAddress is one physical server behind a logical [ServerRecord].
type EntryAddress struct {
	ID              string
	EntryIP         string
	ExitIP          string
	Domain          string
	Status          int
	Label           string
	X25519PublicKey string

	// Entries is nil when the server carries no per-protocol overrides.
	Entries ProtocolEntries
}

// UnderMaintenance returns whether this address is disabled.
func (ea *EntryAddress) UnderMaintenance() bool {
	return ea.Status == 0
}

// EntryIPFor returns the entry IP to use with the given protocol and
// whether the protocol is supported at all.
func (ea *EntryAddress) EntryIPFor(p VPNProtocol) (string, bool) {
	if ea.Entries == nil {
		return ea.EntryIP, ea.EntryIP != ""
	}
	entry, found := ea.Entries[p]
	switch {
	case found && entry == nil:
		return "", false
	case found:
		ip := entry.IPv4.UnwrapOr(ea.EntryIP)
		return ip, ip != ""
	case ea.Entries.restrictsToListed():
		return "", false
	default:
		return ea.EntryIP, ea.EntryIP != ""
	}
}

// Supports returns whether the protocol can be used with this address.
func (ea *EntryAddress) Supports(p VPNProtocol) bool {
	_, ok := ea.EntryIPFor(p)
	return ok
}

// SupportsConnection is like Supports but handles smart selection, in which
// case it is enough that one of the enabled smart protocols is supported.
func (ea *EntryAddress) SupportsConnection(cp ConnectionProtocol, smart []VPNProtocol) bool {
	if !cp.IsSmart() {
		return ea.Supports(cp.Protocol)
	}
	if len(ea.Entries) == 0 {
		return ea.EntryIP != ""
	}
	for _, p := range smart {
		if ea.Supports(p) {
			return true
		}
	}
	return false
}

// PortsFor returns the override ports for p, or the given defaults.
func (ea *EntryAddress) PortsFor(p VPNProtocol, defaults []int) []int {
	if entry := ea.Entries[p]; entry != nil && len(entry.Ports) > 0 {
		return append([]int{}, entry.Ports...)
	}
	return append([]int{}, defaults...)
}

// ServerType selects a grouping pass.
type ServerType int

const (
	ServerTypeUnspecified = ServerType(iota)
	ServerTypeStandard
	ServerTypeSecureCore
	ServerTypeP2P
	ServerTypeTor
)

// String implements fmt.Stringer
func (st ServerType) String() string {
	switch st {
	case ServerTypeStandard:
		return "standard"
	case ServerTypeSecureCore:
		return "secure-core"
	case ServerTypeP2P:
		return "p2p"
	case ServerTypeTor:
		return "tor"
	default:
		return "unspecified"
	}
}

// ServerRecord is a logical server.
type ServerRecord struct {
	ID           string
	Name         string
	Domain       string
	EntryCountry string
	ExitCountry  string
	Tier         int
	Features     Feature
	Score        float64
	Status       int
	Load         int
	City         string
	GatewayName  string
	IPs          []EntryAddress
}

// IsSecureCore returns whether this is a secure-core server.
func (s *ServerRecord) IsSecureCore() bool {
	return s.Features.Has(FeatureSecureCore)
}

// SupportsP2P returns whether this server allows P2P traffic.
func (s *ServerRecord) SupportsP2P() bool {
	return s.Features.Has(FeatureP2P)
}

// SupportsTor returns whether this server routes over Tor.
func (s *ServerRecord) SupportsTor() bool {
	return s.Features.Has(FeatureTor)
}

// IsGateway returns whether this server belongs to a gateway group.
func (s *ServerRecord) IsGateway() bool {
	return s.Features.Has(FeatureRestricted) && s.GatewayName != ""
}

// UnderMaintenance returns whether the logical server is disabled, either
// explicitly or because every address is.
func (s *ServerRecord) UnderMaintenance() bool {
	if s.Status == 0 {
		return true
	}
	for i := range s.IPs {
		if !s.IPs[i].UnderMaintenance() {
			return false
		}
	}
	return true
}

// Supports returns whether any of the addresses supports p.
func (s *ServerRecord) Supports(p VPNProtocol) bool {
	for i := range s.IPs {
		if s.IPs[i].Supports(p) {
			return true
		}
	}
	return false
}

// SupportsConnection returns whether any address supports cp.
func (s *ServerRecord) SupportsConnection(cp ConnectionProtocol, smart []VPNProtocol) bool {
	for i := range s.IPs {
		if s.IPs[i].SupportsConnection(cp, smart) {
			return true
		}
	}
	return false
}

// MatchesQuery returns whether the server name, country or city contain q.
func (s *ServerRecord) MatchesQuery(q string) bool {
	q = strings.ToLower(q)
	if s.IsSecureCore() {
		return strings.Contains(strings.ToLower(s.EntryCountry), q)
	}
	for _, field := range []string{s.Name, s.ExitCountry, s.City} {
		if field != "" && strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer
func (s *ServerRecord) String() string {
	return fmt.Sprintf("%s (%s, tier=%d, score=%.2f)", s.Name, s.Domain, s.Tier, s.Score)
}

//
// JSON decoding of the logicals API response.
//

type apiProtocolEntry struct {
	IPv4  *string `json:"IPv4,omitempty"`
	Ports []int   `json:"Ports,omitempty"`
}

type apiServerIP struct {
	ID               string                        `json:"ID"`
	EntryIP          string                        `json:"EntryIP"`
	ExitIP           string                        `json:"ExitIP"`
	Domain           string                        `json:"Domain"`
	Status           int                           `json:"Status"`
	Label            string                        `json:"Label,omitempty"`
	X25519PublicKey  string                        `json:"X25519PublicKey,omitempty"`
	EntryPerProtocol map[string]*apiProtocolEntry `json:"EntryPerProtocol,omitempty"`
}

type apiLogicalServer struct {
	ID           string        `json:"ID"`
	Name         string        `json:"Name"`
	Domain       string        `json:"Domain"`
	EntryCountry string        `json:"EntryCountry"`
	ExitCountry  string        `json:"ExitCountry"`
	Tier         int           `json:"Tier"`
	Features     uint32        `json:"Features"`
	Score        float64       `json:"Score"`
	Status       int           `json:"Status"`
	Load         int           `json:"Load"`
	City         string        `json:"City,omitempty"`
	GatewayName  string        `json:"GatewayName,omitempty"`
	Servers      []apiServerIP `json:"Servers"`
}

// ParseLogicalServers parses the body of a logicals API response, i.e. a
// JSON object with a "LogicalServers" array.
func ParseLogicalServers(data []byte) ([]ServerRecord, error) {
	var body struct {
		LogicalServers []apiLogicalServer `json:"LogicalServers"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("cannot parse logical servers: %w", err)
	}
	out := make([]ServerRecord, 0, len(body.LogicalServers))
	for _, ls := range body.LogicalServers {
		out = append(out, ls.toRecord())
	}
	return out, nil
}

func (ls apiLogicalServer) toRecord() ServerRecord {
	rec := ServerRecord{
		ID:           ls.ID,
		Name:         ls.Name,
		Domain:       ls.Domain,
		EntryCountry: ls.EntryCountry,
		ExitCountry:  ls.ExitCountry,
		Tier:         ls.Tier,
		Features:     Feature(ls.Features),
		Score:        ls.Score,
		Status:       ls.Status,
		Load:         ls.Load,
		City:         ls.City,
		GatewayName:  ls.GatewayName,
		IPs:          make([]EntryAddress, 0, len(ls.Servers)),
	}
	for _, ip := range ls.Servers {
		addr := EntryAddress{
			ID:              ip.ID,
			EntryIP:         ip.EntryIP,
			ExitIP:          ip.ExitIP,
			Domain:          ip.Domain,
			Status:          ip.Status,
			Label:           ip.Label,
			X25519PublicKey: ip.X25519PublicKey,
		}
		if ip.EntryPerProtocol != nil {
			addr.Entries = ProtocolEntries{}
			for name, entry := range ip.EntryPerProtocol {
				// unknown protocols still count as null entries for the
				// restriction rule, so we keep them under their raw name
				key := VPNProtocol(name)
				if p, err := ParseVPNProtocol(name); err == nil {
					key = p
				}
				if entry == nil {
					addr.Entries[key] = nil
					continue
				}
				addr.Entries[key] = &ProtocolEntry{
					IPv4:  optional.FromPointer(entry.IPv4),
					Ports: entry.Ports,
				}
			}
		}
		rec.IPs = append(rec.IPs, addr)
	}
	return rec
}
