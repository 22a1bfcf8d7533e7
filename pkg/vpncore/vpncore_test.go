package vpncore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vpncore/vpncore/internal/availability"
	"github.com/vpncore/vpncore/internal/intercept"
	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/pkg/config"
)

type noInterfaces struct{}

func (noInterfaces) Interfaces() ([]intercept.Interface, error) {
	return nil, nil
}

// cgnatInterface reports an interface using a non-private range.
type cgnatInterface struct{}

func (cgnatInterface) Interfaces() ([]intercept.Interface, error) {
	return []intercept.Interface{{
		Name:    "en0",
		Flags:   net.FlagUp | net.FlagRunning,
		Address: netip.MustParsePrefix("100.64.0.2/10"),
	}}, nil
}

// newCertificateAPI returns a certificate API counting its requests.
func newCertificateAPI(t *testing.T) (*httptest.Server, *atomic.Int64) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		now := time.Now()
		fmt.Fprintf(w, `{"Code":1000,"Certificate":"PEM","ExpirationTime":%d,"RefreshTime":%d}`,
			now.Add(24*time.Hour).Unix(), now.Add(12*time.Hour).Unix())
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// newListener accepts and drops TCP connections.
func newListener(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeServers(t *testing.T, port int) string {
	path := filepath.Join(t.TempDir(), "servers.json")
	body := fmt.Sprintf(`{"LogicalServers":[{"ID":"ch1","Name":"CH#1","EntryCountry":"CH","ExitCountry":"CH",
		"Status":1,"Score":1,"Servers":[{"ID":"ch1-a","EntryIP":"127.0.0.1","Status":1,
		"EntryPerProtocol":{"WireGuardTCP":{"Ports":[%d]}}}]}]}`, port)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func newTestConfig(t *testing.T, apiURL string, port int) *config.Config {
	return config.NewConfig(
		config.WithLogger(model.NewTestLogger()),
		config.WithFile(newTestFile(t, apiURL, port)),
		config.WithInterfaces(noInterfaces{}),
	)
}

func newTestFile(t *testing.T, apiURL string, port int) *config.File {
	data := fmt.Sprintf(`
[smart_protocol]
protocols = ["WireGuardTCP"]
probe_timeout = "2s"

[certificate]
api_url = %q
session_uid = "uid"
access_token = "token"

[storage]
path = %q

[directory]
file = %q
`, apiURL, filepath.Join(t.TempDir(), "creds.db"), writeServers(t, port))
	file, err := config.Load([]byte(data))
	require.NoError(t, err)
	return file
}

func TestCore_Connect(t *testing.T) {
	api, calls := newCertificateAPI(t)
	port := newListener(t)
	core, err := New(context.Background(), &net.Dialer{}, newTestConfig(t, api.URL, port))
	require.NoError(t, err)
	defer core.Close()

	require.Len(t, core.Catalog().AllServers(), 1)

	attempt, err := core.Connect(context.Background(), model.ConnectionIntent{
		Kind:        model.IntentCountry,
		CountryCode: "CH",
	})
	require.NoError(t, err)
	require.Equal(t, "ch1", attempt.Selection.Server.ID)
	require.Equal(t, model.WireGuardTCP, attempt.Transport.Protocol)
	require.Equal(t, []int{port}, attempt.Transport.Ports)
	require.Equal(t, []byte("PEM"), attempt.Certificate.Certificate)
	require.GreaterOrEqual(t, calls.Load(), int64(1))

	// no tunnel is configured
	require.Error(t, core.Verify(context.Background()))
	require.NoError(t, core.Disconnect(context.Background()))
}

func TestCore_ConnectInterceptedWithoutDecider(t *testing.T) {
	api, _ := newCertificateAPI(t)
	port := newListener(t)
	file := newTestFile(t, api.URL, port)
	file.Client.LANWarnings = true
	cfg := config.NewConfig(
		config.WithLogger(model.NewTestLogger()),
		config.WithFile(file),
		config.WithInterfaces(cgnatInterface{}),
	)
	core, err := New(context.Background(), &net.Dialer{}, cfg)
	require.NoError(t, err)
	defer core.Close()

	_, err = core.Connect(context.Background(), model.ConnectionIntent{Kind: model.IntentFastest})
	var intercepted *InterceptedError
	require.ErrorAs(t, err, &intercepted)
	require.True(t, intercepted.Result.EnableKillSwitch)
	require.False(t, core.KillSwitch())

	attempt, err := core.ConnectConfirmed(context.Background(), intercepted)
	require.NoError(t, err)
	require.True(t, attempt.KillSwitch)
	require.True(t, core.KillSwitch())
}

func TestCore_Probe(t *testing.T) {
	api, _ := newCertificateAPI(t)
	port := newListener(t)
	core, err := New(context.Background(), &net.Dialer{}, newTestConfig(t, api.URL, port))
	require.NoError(t, err)
	defer core.Close()

	result, err := core.Probe(context.Background(), model.WireGuardTCP, "127.0.0.1", port)
	require.NoError(t, err)
	require.Equal(t, []int{port}, result.Ports)

	_, err = core.Probe(context.Background(), model.OpenVPNUDP, "127.0.0.1")
	require.ErrorIs(t, err, ErrProtocolDisabled)
}

func TestNew_Errors(t *testing.T) {
	t.Run("missing api url", func(t *testing.T) {
		cfg := config.NewConfig(config.WithLogger(model.NewTestLogger()))
		_, err := New(context.Background(), &net.Dialer{}, cfg)
		require.ErrorIs(t, err, ErrMissingAPIURL)
	})
	t.Run("missing directory file", func(t *testing.T) {
		file := config.DefaultFile()
		file.Certificate.APIURL = "https://vpn-api.example.com"
		file.Directory.File = filepath.Join(t.TempDir(), "missing.json")
		cfg := config.NewConfig(config.WithLogger(model.NewTestLogger()), config.WithFile(file))
		_, err := New(context.Background(), &net.Dialer{}, cfg)
		require.Error(t, err)
	})
	t.Run("unsupported tunnel network", func(t *testing.T) {
		file := config.DefaultFile()
		file.Certificate.APIURL = "https://vpn-api.example.com"
		file.Tunnel.Network = "sctp"
		file.Tunnel.Address = "127.0.0.1:1"
		cfg := config.NewConfig(config.WithLogger(model.NewTestLogger()), config.WithFile(file))
		_, err := New(context.Background(), &net.Dialer{}, cfg)
		require.Error(t, err)
	})
}

func TestParseStaticKey(t *testing.T) {
	key := make([]byte, 256)
	for i := range key {
		key[i] = byte(i)
	}
	encoded := hex.EncodeToString(key)
	var lines []string
	lines = append(lines, "#", "# 2048 bit OpenVPN static key", "#", "-----BEGIN OpenVPN Static key V1-----")
	for i := 0; i < len(encoded); i += 32 {
		lines = append(lines, encoded[i:i+32])
	}
	lines = append(lines, "-----END OpenVPN Static key V1-----")

	got, err := parseStaticKey([]byte(strings.Join(lines, "\n")))
	require.NoError(t, err)
	require.Len(t, got, availability.TLSAuthKeySize)
	require.Equal(t, key[64:128], got)

	_, err = parseStaticKey([]byte("zz"))
	require.True(t, errors.Is(err, ErrBadTLSAuthKey))
	_, err = parseStaticKey([]byte("abcd"))
	require.True(t, errors.Is(err, ErrBadTLSAuthKey))
}
