package model

import "fmt"

// IntentKind is the kind of target the user asked to connect to.
type IntentKind int

const (
	// IntentFastest picks the fastest server overall.
	IntentFastest = IntentKind(iota)

	// IntentCountry picks the fastest server in a country.
	IntentCountry

	// IntentServer targets one specific logical server.
	IntentServer

	// IntentSecureCoreHop targets a secure-core route, i.e. an exit country
	// reached through an optional entry country.
	IntentSecureCoreHop

	// IntentRandom picks a random eligible server.
	IntentRandom
)

// String implements fmt.Stringer
func (k IntentKind) String() string {
	switch k {
	case IntentFastest:
		return "fastest"
	case IntentCountry:
		return "country"
	case IntentServer:
		return "server"
	case IntentSecureCoreHop:
		return "secure-core"
	case IntentRandom:
		return "random"
	default:
		return "unknown"
	}
}

// ConnectionIntent describes what the user wants to connect to.
type ConnectionIntent struct {
	Kind IntentKind

	// CountryCode is the exit country for IntentCountry and IntentSecureCoreHop.
	CountryCode string

	// ServerID is the logical server for IntentServer.
	ServerID string

	// EntryCountry optionally pins the secure-core entry country.
	EntryCountry string

	// ServerType is the requested feature filter. ServerTypeUnspecified
	// means standard, or secure-core for IntentSecureCoreHop.
	ServerType ServerType

	// Protocol is the requested transport.
	Protocol ConnectionProtocol
}

// EffectiveServerType resolves the grouping type to use for this intent.
func (ci ConnectionIntent) EffectiveServerType() ServerType {
	if ci.Kind == IntentSecureCoreHop {
		return ServerTypeSecureCore
	}
	if ci.ServerType == ServerTypeUnspecified {
		return ServerTypeStandard
	}
	return ci.ServerType
}

// String implements fmt.Stringer
func (ci ConnectionIntent) String() string {
	switch ci.Kind {
	case IntentCountry:
		return fmt.Sprintf("%s:%s/%s/%s", ci.Kind, ci.CountryCode, ci.EffectiveServerType(), ci.Protocol)
	case IntentServer:
		return fmt.Sprintf("%s:%s/%s", ci.Kind, ci.ServerID, ci.Protocol)
	case IntentSecureCoreHop:
		return fmt.Sprintf("%s:%s->%s/%s", ci.Kind, ci.EntryCountry, ci.CountryCode, ci.Protocol)
	default:
		return fmt.Sprintf("%s/%s/%s", ci.Kind, ci.EffectiveServerType(), ci.Protocol)
	}
}
