package model

import (
	"bytes"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// AuthCertificate is the client authentication certificate.
type AuthCertificate struct {
	// Certificate is the opaque PEM blob.
	Certificate []byte

	// ValidUntil is the hard expiry. Servers jail clients presenting
	// a certificate past this time.
	ValidUntil time.Time

	// RefreshTime is the soft deadline after which we should refresh.
	RefreshTime time.Time

	// Features are the connection features bound to this certificate.
	Features *CertificateFeatures
}

// NeedsRefresh returns whether a refresh is due at now.
func (c *AuthCertificate) NeedsRefresh(now time.Time) bool {
	return !now.Before(c.RefreshTime) || c.IsExpired(now)
}

// IsExpired returns whether the certificate is past ValidUntil.
func (c *AuthCertificate) IsExpired(now time.Time) bool {
	return !now.Before(c.ValidUntil)
}

// Equal compares two certificates.
func (c *AuthCertificate) Equal(other *AuthCertificate) bool {
	if c == nil || other == nil {
		return c == other
	}
	return bytes.Equal(c.Certificate, other.Certificate) &&
		c.ValidUntil.Equal(other.ValidUntil) &&
		c.RefreshTime.Equal(other.RefreshTime) &&
		c.Features.Equal(other.Features)
}

// CertificateFeatures are the features requested together with a certificate.
type CertificateFeatures struct {
	NetShieldLevel  int   `json:"netShieldLevel"`
	VPNAccelerator  bool  `json:"vpnAccelerator"`
	BouncingEnabled bool  `json:"bouncing"`
	SafeMode        *bool `json:"safeMode,omitempty"`
	ModerateNAT     bool  `json:"natType"`
}

// Equal compares two feature sets.
func (f *CertificateFeatures) Equal(other *CertificateFeatures) bool {
	if f == nil || other == nil {
		return f == other
	}
	if (f.SafeMode == nil) != (other.SafeMode == nil) {
		return false
	}
	if f.SafeMode != nil && *f.SafeMode != *other.SafeMode {
		return false
	}
	return f.NetShieldLevel == other.NetShieldLevel &&
		f.VPNAccelerator == other.VPNAccelerator &&
		f.BouncingEnabled == other.BouncingEnabled &&
		f.ModerateNAT == other.ModerateNAT
}

// ClientKeyPair is the x25519 key pair bound to the certificate.
type ClientKeyPair struct {
	PrivateKey wgtypes.Key
	PublicKey  wgtypes.Key
}

// GenerateKeyPair creates a fresh [ClientKeyPair].
func GenerateKeyPair() (*ClientKeyPair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &ClientKeyPair{
		PrivateKey: priv,
		PublicKey:  priv.PublicKey(),
	}, nil
}

// ParseKeyPair rebuilds a key pair from a base64 private key.
func ParseKeyPair(private string) (*ClientKeyPair, error) {
	priv, err := wgtypes.ParseKey(private)
	if err != nil {
		return nil, err
	}
	return &ClientKeyPair{
		PrivateKey: priv,
		PublicKey:  priv.PublicKey(),
	}, nil
}
