package config

import (
	"context"
	"errors"
	"os"
	fp "path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vpncore/vpncore/internal/intercept"
	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/internal/vpntest"
)

func TestNewConfig(t *testing.T) {
	t.Run("default constructor does not fail", func(t *testing.T) {
		c := NewConfig()
		if c.logger == nil {
			t.Errorf("logger should not be nil")
		}
		if c.AlertService() == nil {
			t.Errorf("alert service should not be nil")
		}
		if c.Interfaces() == nil {
			t.Errorf("interfaces should not be nil")
		}
		if c.Decider() != nil {
			t.Errorf("decider should be nil")
		}
		if diff := cmp.Diff(DefaultFile(), c.File()); diff != "" {
			t.Error(diff)
		}
	})
	t.Run("WithLogger sets the logger", func(t *testing.T) {
		testLogger := model.NewTestLogger()
		c := NewConfig(WithLogger(testLogger))
		if c.Logger() != testLogger {
			t.Errorf("expected logger to be set to the configured one")
		}
	})
	t.Run("WithDecider sets the decider", func(t *testing.T) {
		c := NewConfig(WithDecider(intercept.Always(intercept.DecisionEnableKillSwitch)))
		got, err := c.Decider().Decide(context.Background(), intercept.Interface{})
		if err != nil || got != intercept.DecisionEnableKillSwitch {
			t.Errorf("unexpected decision %v, %v", got, err)
		}
	})
	t.Run("WithConfigFile sets the file after parsing it", func(t *testing.T) {
		configFile := writeConfigFile(t, sampleConfigFile)
		c := NewConfig(WithConfigFile(configFile))
		if c.File().Client.Tier != 2 {
			t.Errorf("expected tier 2, got %d", c.File().Client.Tier)
		}
	})
	t.Run("WithConfigFile panics on a bad file", func(t *testing.T) {
		configFile := writeConfigFile(t, "[client]\ntier = -1\n")
		vpntest.AssertPanic(t, "cannot parse config file", func() {
			NewConfig(WithConfigFile(configFile))
		})
	})
}

var sampleConfigFile = `
[client]
tier = 2
kill_switch = true
lan_warnings = true
netshield_level = 1

[smart_protocol]
protocols = ["WireGuardUDP", "OpenVPNTCP"]
probe_timeout = "5s"

[smart_protocol.ports]
OpenVPNTCP = [443, 7770]

[certificate]
api_url = "https://vpn-api.example.com/"
session_uid = "uid"
access_token = "token"
check_interval = "1m"

[storage]
path = "/var/lib/vpncore/creds.db"

[tunnel]
address = "/run/vpncore.sock"
`

func writeConfigFile(t *testing.T, content string) string {
	f := fp.Join(t.TempDir(), "vpncore.toml")
	if err := os.WriteFile(f, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestLoad(t *testing.T) {
	f, err := Load([]byte(sampleConfigFile))
	if err != nil {
		t.Fatal(err)
	}
	protocols, err := f.Protocols()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]model.VPNProtocol{model.WireGuardUDP, model.OpenVPNTCP}, protocols); diff != "" {
		t.Error(diff)
	}
	if f.SmartProtocol.ProbeTimeout != 5*time.Second {
		t.Errorf("unexpected probe timeout %s", f.SmartProtocol.ProbeTimeout)
	}
	if f.Certificate.CheckInterval != time.Minute {
		t.Errorf("unexpected check interval %s", f.Certificate.CheckInterval)
	}
	if f.Tunnel.Network != "unixgram" {
		t.Errorf("expected the default tunnel network, got %q", f.Tunnel.Network)
	}
	if diff := cmp.Diff([]int{443, 7770}, f.PortsFor(model.OpenVPNTCP)); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff(model.DefaultPorts[model.WireGuardUDP], f.PortsFor(model.WireGuardUDP)); diff != "" {
		t.Error(diff)
	}
	want := &model.CertificateFeatures{NetShieldLevel: 1}
	if !want.Equal(f.Features()) {
		t.Errorf("unexpected features %+v", f.Features())
	}
}

func TestLoad_Defaults(t *testing.T) {
	f, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	protocols, err := f.Protocols()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(model.AllProtocols, protocols); diff != "" {
		t.Error(diff)
	}
	if f.Tunnel.Network != "" {
		t.Errorf("expected no tunnel network without an address")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"syntax", "[client\n"},
		{"negative tier", "[client]\ntier = -1\n"},
		{"unknown protocol", "[smart_protocol]\nprotocols = [\"Quantum\"]\n"},
		{"unknown port protocol", "[smart_protocol.ports]\nQuantum = [1]\n"},
		{"invalid port", "[smart_protocol.ports]\nWireGuardUDP = [70000]\n"},
		{"negative duration", "[certificate]\ncheck_interval = \"-1m\"\n"},
		{"negative retries", "[certificate]\nnetwork_retries = -2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.data))
			if !errors.Is(err, ErrBadConfig) {
				t.Errorf("expected ErrBadConfig, got %v", err)
			}
		})
	}
}

func TestReadConfigFile_Missing(t *testing.T) {
	_, err := ReadConfigFile(fp.Join(t.TempDir(), "nope.toml"))
	if !errors.Is(err, ErrBadConfig) {
		t.Errorf("expected ErrBadConfig, got %v", err)
	}
}
