package credstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/vpncore/vpncore/internal/certrefresh"
	"github.com/vpncore/vpncore/internal/model"
)

var (
	_ certrefresh.Store = &BoltStore{}
	_ certrefresh.Store = &MemoryStore{}
)

type store interface {
	certrefresh.Store
	ClearAll() error
}

func testCertificate() *model.AuthCertificate {
	safe := true
	return &model.AuthCertificate{
		Certificate: []byte("-----BEGIN CERTIFICATE-----\n...\n"),
		ValidUntil:  time.Unix(1700086400, 0),
		RefreshTime: time.Unix(1700050000, 0),
		Features:    &model.CertificateFeatures{NetShieldLevel: 2, SafeMode: &safe},
	}
}

func openTestStore(t *testing.T) *BoltStore {
	s, err := Open(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStores(t *testing.T) {
	for name, newStore := range map[string]func(t *testing.T) store{
		"bolt":   func(t *testing.T) store { return openTestStore(t) },
		"memory": func(t *testing.T) store { return &MemoryStore{} },
	} {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)

			cert, err := s.Certificate()
			require.NoError(t, err)
			require.Nil(t, cert)

			keys, err := s.Keys()
			require.NoError(t, err)
			again, err := s.Keys()
			require.NoError(t, err)
			require.Equal(t, keys.PrivateKey, again.PrivateKey)
			require.Equal(t, keys.PrivateKey.PublicKey(), again.PublicKey)

			require.NoError(t, s.StoreCertificate(testCertificate()))
			cert, err = s.Certificate()
			require.NoError(t, err)
			require.True(t, testCertificate().Equal(cert))

			require.NoError(t, s.DeleteKeys())
			regenerated, err := s.Keys()
			require.NoError(t, err)
			require.NotEqual(t, keys.PrivateKey, regenerated.PrivateKey)

			require.NoError(t, s.DeleteCertificate())
			cert, err = s.Certificate()
			require.NoError(t, err)
			require.Nil(t, cert)

			require.NoError(t, s.StoreCertificate(testCertificate()))
			require.NoError(t, s.ClearAll())
			cert, err = s.Certificate()
			require.NoError(t, err)
			require.Nil(t, cert)
		})
	}
}

func TestBoltStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")
	s, err := Open(path)
	require.NoError(t, err)
	keys, err := s.Keys()
	require.NoError(t, err)
	require.NoError(t, s.StoreCertificate(testCertificate()))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	reopened, err := s.Keys()
	require.NoError(t, err)
	require.Equal(t, keys.PrivateKey, reopened.PrivateKey)
	cert, err := s.Certificate()
	require.NoError(t, err)
	require.True(t, testCertificate().Equal(cert))
}

func TestOpen_IncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")
	db, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucket([]byte(metadataBucket))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(versionKey), []byte{7})
	}))
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.ErrorIs(t, err, ErrIncompatible)
}
