// Package credstore persists the client key pair and certificate.
package credstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/vpncore/vpncore/internal/model"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	authBucket     = "vpn_auth"
	keysKey        = "keys"
	certificateKey = "certificate"

	// schemaVersion is the on-disk format version.
	schemaVersion = 0
)

// ErrIncompatible is returned when opening a database of another version.
var ErrIncompatible = errors.New("credstore: incompatible database")

// certificateRecord is the on-disk certificate.
type certificateRecord struct {
	Certificate []byte                     `cbor:"1,keyasint"`
	ValidUntil  int64                      `cbor:"2,keyasint"`
	RefreshTime int64                      `cbor:"3,keyasint"`
	Features    *model.CertificateFeatures `cbor:"4,keyasint,omitempty"`
}

func encodeCertificate(cert *model.AuthCertificate) ([]byte, error) {
	return cbor.Marshal(&certificateRecord{
		Certificate: cert.Certificate,
		ValidUntil:  cert.ValidUntil.Unix(),
		RefreshTime: cert.RefreshTime.Unix(),
		Features:    cert.Features,
	})
}

func decodeCertificate(data []byte) (*model.AuthCertificate, error) {
	var record certificateRecord
	if err := cbor.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &model.AuthCertificate{
		Certificate: record.Certificate,
		ValidUntil:  time.Unix(record.ValidUntil, 0),
		RefreshTime: time.Unix(record.RefreshTime, 0),
		Features:    record.Features,
	}, nil
}

// BoltStore keeps the credentials in a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// Open creates or loads the database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(authBucket)); err != nil {
			return err
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != schemaVersion {
				return fmt.Errorf("%w: version %v", ErrIncompatible, b)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{schemaVersion})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Keys returns the key pair, generating and persisting one if absent.
func (s *BoltStore) Keys() (*model.ClientKeyPair, error) {
	var keys *model.ClientKeyPair
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(authBucket))
		if raw := bkt.Get([]byte(keysKey)); len(raw) == wgtypes.KeyLen {
			var priv wgtypes.Key
			copy(priv[:], raw)
			keys = &model.ClientKeyPair{PrivateKey: priv, PublicKey: priv.PublicKey()}
			return nil
		}
		generated, err := model.GenerateKeyPair()
		if err != nil {
			return err
		}
		keys = generated
		return bkt.Put([]byte(keysKey), generated.PrivateKey[:])
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Certificate returns the stored certificate or nil.
func (s *BoltStore) Certificate() (*model.AuthCertificate, error) {
	var cert *model.AuthCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(authBucket)).Get([]byte(certificateKey))
		if raw == nil {
			return nil
		}
		var err error
		cert, err = decodeCertificate(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// StoreCertificate replaces the stored certificate.
func (s *BoltStore) StoreCertificate(cert *model.AuthCertificate) error {
	data, err := encodeCertificate(cert)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(authBucket)).Put([]byte(certificateKey), data)
	})
}

// DeleteKeys removes the key pair.
func (s *BoltStore) DeleteKeys() error {
	return s.delete(keysKey)
}

// DeleteCertificate removes the certificate.
func (s *BoltStore) DeleteCertificate() error {
	return s.delete(certificateKey)
}

// ClearAll removes every credential.
func (s *BoltStore) ClearAll() error {
	return s.delete(keysKey, certificateKey)
}

func (s *BoltStore) delete(keys ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(authBucket))
		for _, key := range keys {
			if err := bkt.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// MemoryStore keeps the credentials in memory. The zero value is ready to use.
type MemoryStore struct {
	mu   sync.Mutex
	keys *model.ClientKeyPair
	cert *model.AuthCertificate
}

// Keys returns the key pair, generating one if absent.
func (s *MemoryStore) Keys() (*model.ClientKeyPair, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.keys == nil {
		keys, err := model.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		s.keys = keys
	}
	return s.keys, nil
}

// Certificate returns the stored certificate or nil.
func (s *MemoryStore) Certificate() (*model.AuthCertificate, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.cert, nil
}

// StoreCertificate replaces the stored certificate.
func (s *MemoryStore) StoreCertificate(cert *model.AuthCertificate) error {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.cert = cert
	return nil
}

// DeleteKeys removes the key pair.
func (s *MemoryStore) DeleteKeys() error {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.keys = nil
	return nil
}

// DeleteCertificate removes the certificate.
func (s *MemoryStore) DeleteCertificate() error {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.cert = nil
	return nil
}

// ClearAll removes every credential.
func (s *MemoryStore) ClearAll() error {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.keys, s.cert = nil, nil
	return nil
}
