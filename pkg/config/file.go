package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vpncore/vpncore/internal/availability"
	"github.com/vpncore/vpncore/internal/certrefresh"
	"github.com/vpncore/vpncore/internal/model"
)

// ErrBadConfig is returned for invalid configuration files.
var ErrBadConfig = errors.New("bad config")

// File is the TOML configuration file.
type File struct {
	Client        Client        `toml:"client"`
	SmartProtocol SmartProtocol `toml:"smart_protocol"`
	Certificate   Certificate   `toml:"certificate"`
	Storage       Storage       `toml:"storage"`
	Directory     Directory     `toml:"directory"`
	Tunnel        Tunnel        `toml:"tunnel"`
	Metrics       Metrics       `toml:"metrics"`
}

// Client contains the user settings.
type Client struct {
	// Tier is the user plan tier.
	Tier int `toml:"tier"`

	// KillSwitch is the initial kill switch setting.
	KillSwitch bool `toml:"kill_switch"`

	// LANWarnings enables the misconfigured local network check.
	LANWarnings bool `toml:"lan_warnings"`

	// NetShieldLevel, VPNAccelerator and ModerateNAT are sent with
	// certificate requests.
	NetShieldLevel int  `toml:"netshield_level"`
	VPNAccelerator bool `toml:"vpn_accelerator"`
	ModerateNAT    bool `toml:"moderate_nat"`
}

// SmartProtocol configures the availability checks.
type SmartProtocol struct {
	// Protocols lists the enabled protocols. Empty means all.
	Protocols []string `toml:"protocols"`

	// Ports overrides the default ports per protocol.
	Ports map[string][]int `toml:"ports"`

	// ProbeTimeout bounds each probe.
	ProbeTimeout time.Duration `toml:"probe_timeout"`

	// RetryDelay is the wait before retrying WireGuard over UDP.
	RetryDelay time.Duration `toml:"retry_delay"`

	// TLSAuthKey is the optional hex OpenVPN tls-auth key file.
	TLSAuthKey string `toml:"tls_auth_key"`
}

// Certificate configures the certificate refresh.
type Certificate struct {
	// APIURL is the VPN API base URL.
	APIURL string `toml:"api_url"`

	// SessionUID and AccessToken authenticate certificate requests.
	SessionUID  string `toml:"session_uid"`
	AccessToken string `toml:"access_token"`

	// DeviceName is sent along with the public key.
	DeviceName string `toml:"device_name"`

	CheckInterval    time.Duration `toml:"check_interval"`
	RefreshEarlierBy time.Duration `toml:"refresh_earlier_by"`
	NetworkRetries   int           `toml:"network_retries"`
	MinRetryDelay    time.Duration `toml:"min_retry_delay"`
	RetryJitter      time.Duration `toml:"retry_jitter"`
}

// Storage configures credential persistence.
type Storage struct {
	// Path is the bbolt database. Empty keeps credentials in memory.
	Path string `toml:"path"`
}

// Directory configures the server list.
type Directory struct {
	// File is the servers JSON file.
	File string `toml:"file"`
}

// Tunnel configures the IPC channel to the tunnel process.
type Tunnel struct {
	// Network is "unixgram", "udp" or "ws".
	Network string `toml:"network"`

	// Address is the socket path, host:port or URL.
	Address string `toml:"address"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Address is the listen address. Empty disables metrics.
	Address string `toml:"address"`
}

// DefaultFile returns a [File] with every default applied.
func DefaultFile() *File {
	f := &File{}
	f.applyDefaults()
	return f
}

func (f *File) applyDefaults() {
	if len(f.SmartProtocol.Protocols) == 0 {
		for _, p := range model.AllProtocols {
			f.SmartProtocol.Protocols = append(f.SmartProtocol.Protocols, p.String())
		}
	}
	if f.SmartProtocol.ProbeTimeout == 0 {
		f.SmartProtocol.ProbeTimeout = availability.DefaultTimeout
	}
	if f.SmartProtocol.RetryDelay == 0 {
		f.SmartProtocol.RetryDelay = availability.DefaultRetryDelay
	}
	if f.Certificate.CheckInterval == 0 {
		f.Certificate.CheckInterval = certrefresh.DefaultCheckInterval
	}
	if f.Certificate.RefreshEarlierBy == 0 {
		f.Certificate.RefreshEarlierBy = certrefresh.DefaultRefreshEarlierBy
	}
	if f.Certificate.NetworkRetries == 0 {
		f.Certificate.NetworkRetries = certrefresh.DefaultNetworkRetries
	}
	if f.Certificate.MinRetryDelay == 0 {
		f.Certificate.MinRetryDelay = certrefresh.DefaultMinRetryDelay
	}
	if f.Certificate.RetryJitter == 0 {
		f.Certificate.RetryJitter = certrefresh.DefaultRetryJitter
	}
	if f.Tunnel.Address != "" && f.Tunnel.Network == "" {
		f.Tunnel.Network = "unixgram"
	}
}

func (f *File) validate() error {
	if f.Client.Tier < 0 {
		return fmt.Errorf("%w: negative tier", ErrBadConfig)
	}
	if _, err := f.Protocols(); err != nil {
		return err
	}
	for name, ports := range f.SmartProtocol.Ports {
		if _, err := model.ParseVPNProtocol(name); err != nil {
			return fmt.Errorf("%w: smart_protocol.ports: %s", ErrBadConfig, err.Error())
		}
		for _, port := range ports {
			if port <= 0 || port > 65535 {
				return fmt.Errorf("%w: smart_protocol.ports: invalid port %d", ErrBadConfig, port)
			}
		}
	}
	for name, d := range map[string]time.Duration{
		"smart_protocol.probe_timeout":   f.SmartProtocol.ProbeTimeout,
		"smart_protocol.retry_delay":     f.SmartProtocol.RetryDelay,
		"certificate.check_interval":     f.Certificate.CheckInterval,
		"certificate.refresh_earlier_by": f.Certificate.RefreshEarlierBy,
		"certificate.min_retry_delay":    f.Certificate.MinRetryDelay,
		"certificate.retry_jitter":       f.Certificate.RetryJitter,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrBadConfig, name)
		}
	}
	if f.Certificate.NetworkRetries < 0 {
		return fmt.Errorf("%w: certificate.network_retries must not be negative", ErrBadConfig)
	}
	return nil
}

// Protocols returns the enabled protocols.
func (f *File) Protocols() ([]model.VPNProtocol, error) {
	out := []model.VPNProtocol{}
	for _, name := range f.SmartProtocol.Protocols {
		p, err := model.ParseVPNProtocol(name)
		if err != nil {
			return nil, fmt.Errorf("%w: smart_protocol.protocols: %s", ErrBadConfig, err.Error())
		}
		out = append(out, p)
	}
	return out, nil
}

// PortsFor returns the configured ports for p, or the defaults.
func (f *File) PortsFor(p model.VPNProtocol) []int {
	for name, ports := range f.SmartProtocol.Ports {
		if parsed, err := model.ParseVPNProtocol(name); err == nil && parsed == p && len(ports) > 0 {
			return append([]int{}, ports...)
		}
	}
	return append([]int{}, model.DefaultPorts[p]...)
}

// Features returns the certificate features.
func (f *File) Features() *model.CertificateFeatures {
	return &model.CertificateFeatures{
		NetShieldLevel: f.Client.NetShieldLevel,
		VPNAccelerator: f.Client.VPNAccelerator,
		ModerateNAT:    f.Client.ModerateNAT,
	}
}

// Load parses and validates a TOML configuration.
func Load(data []byte) (*File, error) {
	f := &File{}
	if _, err := toml.Decode(string(data), f); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err.Error())
	}
	f.applyDefaults()
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// ReadConfigFile loads, parses and validates the file at path.
func ReadConfigFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err.Error())
	}
	return Load(data)
}
