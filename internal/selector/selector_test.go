package selector

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vpncore/vpncore/internal/catalog"
	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/internal/optional"
)

type recordedAlert struct {
	kind    model.AlertKind
	context map[string]string
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (r *alertRecorder) Present(kind model.AlertKind, context map[string]string) {
	defer r.mu.Unlock()
	r.mu.Lock()
	r.alerts = append(r.alerts, recordedAlert{kind, context})
}

func newServer(id, country string, tier int, score float64) model.ServerRecord {
	return model.ServerRecord{
		ID:          id,
		Name:        fmt.Sprintf("%s#%s", country, id),
		ExitCountry: country,
		Tier:        tier,
		Score:       score,
		Status:      1,
		IPs:         []model.EntryAddress{{ID: id + "-ip", EntryIP: "192.0.2.1", Status: 1}},
	}
}

func newSelector(t *testing.T, tier int, servers ...model.ServerRecord) (*Selector, *alertRecorder) {
	c := catalog.New(model.NewTestLogger(), catalog.NewStaticDirectory(servers), tier)
	t.Cleanup(c.Close)
	alerts := &alertRecorder{}
	s := New(model.NewTestLogger(), c, []model.VPNProtocol{model.WireGuardUDP, model.OpenVPNTCP}, alerts)
	return s, alerts
}

func TestSelect_Fastest(t *testing.T) {
	s, _ := newSelector(t, 0,
		newServer("a", "CH", 0, 5),
		newServer("b", "CH", 0, 2),
		newServer("c", "CH", 1, 2),
		newServer("d", "CH", 0, 9),
	)
	for _, intent := range []model.ConnectionIntent{
		{Kind: model.IntentFastest},
		{Kind: model.IntentCountry, CountryCode: "ch"},
	} {
		got, err := s.Select(intent)
		require.NoError(t, err)
		require.Equal(t, "b", got.Server.ID, intent.String())
		require.Equal(t, "b-ip", got.Address.ID)
		require.Equal(t, model.ServerTypeStandard, got.ServerType)
	}
}

func TestFastest(t *testing.T) {
	servers := []*model.ServerRecord{
		{ID: "a", Score: 2, Tier: 2},
		{ID: "b", Score: 2, Tier: 0},
		{ID: "c", Score: 2, Tier: 0},
		{ID: "d", Score: 3, Tier: 0},
	}
	require.Equal(t, "b", Fastest(servers).ID)
	require.Nil(t, Fastest(nil))
}

func TestSelect_Unavailable(t *testing.T) {
	inMaintenance := func(s model.ServerRecord) model.ServerRecord {
		s.Status = 0
		return s
	}
	openVPNOnly := func(s model.ServerRecord) model.ServerRecord {
		s.IPs[0].Entries = model.ProtocolEntries{
			model.OpenVPNTCP:   &model.ProtocolEntry{},
			model.WireGuardUDP: nil,
		}
		return s
	}
	wireguard := model.Explicit(model.WireGuardUDP)

	tests := []struct {
		name      string
		servers   []model.ServerRecord
		protocol  model.ConnectionProtocol
		reason    Reason
		alert     model.AlertKind
		lowest    int
		countryOK bool
	}{
		{
			name:     "upgrade required",
			servers:  []model.ServerRecord{newServer("a", "CH", 2, 1), newServer("b", "CH", 1, 1)},
			protocol: wireguard,
			reason:   ReasonUpgradeRequired,
			alert:    model.AlertUpgradeRequired,
			lowest:   1,
		},
		{
			name:     "under maintenance",
			servers:  []model.ServerRecord{inMaintenance(newServer("a", "CH", 0, 1))},
			protocol: wireguard,
			reason:   ReasonUnderMaintenance,
			alert:    model.AlertMaintenance,
		},
		{
			name:     "protocol unsupported",
			servers:  []model.ServerRecord{openVPNOnly(newServer("a", "CH", 0, 1))},
			protocol: wireguard,
			reason:   ReasonProtocolUnsupported,
			alert:    model.AlertProtocolNotSupported,
		},
		{
			name:     "tier is checked before maintenance",
			servers:  []model.ServerRecord{inMaintenance(newServer("a", "CH", 2, 1))},
			protocol: wireguard,
			reason:   ReasonUpgradeRequired,
			alert:    model.AlertUpgradeRequired,
			lowest:   2,
		},
		{
			name:     "protocol is checked before tier",
			servers:  []model.ServerRecord{openVPNOnly(newServer("a", "CH", 2, 1))},
			protocol: wireguard,
			reason:   ReasonProtocolUnsupported,
			alert:    model.AlertProtocolNotSupported,
			lowest:   2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, alerts := newSelector(t, 0, tt.servers...)
			_, err := s.Select(model.ConnectionIntent{Kind: model.IntentCountry, CountryCode: "CH", Protocol: tt.protocol})
			var unavailable *UnavailableError
			require.ErrorAs(t, err, &unavailable)
			require.Equal(t, tt.reason, unavailable.Reason)
			require.Equal(t, tt.lowest, unavailable.LowestTier)
			require.True(t, unavailable.SpecificCountry)
			require.Len(t, alerts.alerts, 1)
			require.Equal(t, tt.alert, alerts.alerts[0].kind)
			require.Equal(t, "CH", alerts.alerts[0].context["country"])
		})
	}
}

func TestSelect_SmartProtocolSupport(t *testing.T) {
	server := newServer("a", "CH", 0, 1)
	server.IPs[0].Entries = model.ProtocolEntries{
		model.WireGuardTLS: &model.ProtocolEntry{IPv4: optional.Some("198.51.100.1")},
		model.WireGuardUDP: nil,
	}
	s, _ := newSelector(t, 0, server)

	// neither WireGuardUDP nor OpenVPNTCP are offered
	_, err := s.Select(model.ConnectionIntent{Kind: model.IntentFastest, Protocol: model.Smart})
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, ReasonProtocolUnsupported, unavailable.Reason)

	s.SmartProtocols = append(s.SmartProtocols, model.WireGuardTLS)
	got, err := s.Select(model.ConnectionIntent{Kind: model.IntentFastest, Protocol: model.Smart})
	require.NoError(t, err)
	require.Equal(t, "a", got.Server.ID)
}

func TestSelect_NoServer(t *testing.T) {
	s, alerts := newSelector(t, 0, newServer("a", "CH", 0, 1))
	for _, intent := range []model.ConnectionIntent{
		{Kind: model.IntentCountry, CountryCode: "SE"},
		{Kind: model.IntentServer, ServerID: "missing"},
		{Kind: model.IntentSecureCoreHop, CountryCode: "CH"},
	} {
		_, err := s.Select(intent)
		require.ErrorIs(t, err, ErrNoServer, intent.String())
	}
	require.Empty(t, alerts.alerts)
}

func TestSelect_Restricted(t *testing.T) {
	gateway := newServer("gw", "CH", 0, 0)
	gateway.Features = model.FeatureRestricted
	gateway.GatewayName = "Acme"
	s, _ := newSelector(t, 0, gateway, newServer("a", "DE", 0, 5))

	got, err := s.Select(model.ConnectionIntent{Kind: model.IntentFastest})
	require.NoError(t, err)
	require.Equal(t, "a", got.Server.ID)

	got, err = s.Select(model.ConnectionIntent{Kind: model.IntentServer, ServerID: "gw"})
	require.NoError(t, err)
	require.Equal(t, "gw", got.Server.ID)
}

func TestSelect_TargetedServerIgnoresMaintenance(t *testing.T) {
	server := newServer("a", "CH", 0, 1)
	server.IPs = append(server.IPs, model.EntryAddress{ID: "a-ip2", EntryIP: "192.0.2.2", Status: 1})
	server.IPs[0].Status = 0
	server.Status = 0
	s, _ := newSelector(t, 0, server)

	got, err := s.Select(model.ConnectionIntent{Kind: model.IntentServer, ServerID: "a"})
	require.NoError(t, err)
	require.Equal(t, "a-ip2", got.Address.ID)

	_, err = s.Select(model.ConnectionIntent{Kind: model.IntentFastest})
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, ReasonUnderMaintenance, unavailable.Reason)
}

func TestSelect_Tor(t *testing.T) {
	tor := newServer("tor", "CH", 0, 0)
	tor.Features = model.FeatureTor
	s, _ := newSelector(t, 0, tor, newServer("a", "CH", 0, 5))

	got, err := s.Select(model.ConnectionIntent{Kind: model.IntentFastest})
	require.NoError(t, err)
	require.Equal(t, "a", got.Server.ID)

	got, err = s.Select(model.ConnectionIntent{Kind: model.IntentFastest, ServerType: model.ServerTypeTor})
	require.NoError(t, err)
	require.Equal(t, "tor", got.Server.ID)

	// Tor servers are used when nothing else is left
	only, _ := newSelector(t, 0, tor)
	got, err = only.Select(model.ConnectionIntent{Kind: model.IntentFastest})
	require.NoError(t, err)
	require.Equal(t, "tor", got.Server.ID)
}

func TestSelect_SecureCoreHop(t *testing.T) {
	viaCH := newServer("sc1", "SE", 0, 3)
	viaCH.EntryCountry = "CH"
	viaCH.Features = model.FeatureSecureCore
	viaIS := newServer("sc2", "SE", 0, 1)
	viaIS.EntryCountry = "IS"
	viaIS.Features = model.FeatureSecureCore
	s, _ := newSelector(t, 0, viaCH, viaIS, newServer("a", "SE", 0, 0))

	got, err := s.Select(model.ConnectionIntent{Kind: model.IntentSecureCoreHop, CountryCode: "SE"})
	require.NoError(t, err)
	require.Equal(t, "sc2", got.Server.ID)
	require.Equal(t, model.ServerTypeSecureCore, got.ServerType)

	got, err = s.Select(model.ConnectionIntent{Kind: model.IntentSecureCoreHop, CountryCode: "SE", EntryCountry: "ch"})
	require.NoError(t, err)
	require.Equal(t, "sc1", got.Server.ID)

	_, err = s.Select(model.ConnectionIntent{Kind: model.IntentSecureCoreHop, CountryCode: "SE", EntryCountry: "US"})
	require.ErrorIs(t, err, ErrNoServer)
}

func TestSelect_Random(t *testing.T) {
	s, _ := newSelector(t, 0, newServer("a", "CH", 0, 1), newServer("b", "DE", 0, 2), newServer("c", "SE", 0, 3))
	s.intn = func(n int) int {
		require.Equal(t, 3, n)
		return 2
	}
	got, err := s.Select(model.ConnectionIntent{Kind: model.IntentRandom})
	require.NoError(t, err)
	require.Equal(t, "c", got.Server.ID)
}

func TestUnavailableError(t *testing.T) {
	err := error(&UnavailableError{Reason: ReasonUpgradeRequired, LowestTier: 2})
	require.Equal(t, "selector: upgrade_required (lowest tier 2)", err.Error())
	require.False(t, errors.Is(err, ErrNoServer))
	require.Equal(t, "selector: maintenance", (&UnavailableError{Reason: ReasonUnderMaintenance}).Error())
}
