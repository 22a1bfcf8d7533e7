// Package certrefresh keeps the client authentication certificate fresh.
//
// The [Engine] runs one refresh at a time through this state machine:
//
//	idle -> checking -> done (still valid)
//	                 -> fetching -> done
//	                             -> retrying(network) -> fetching
//	                             -> retrying(conflict) -> fetching
//	                             -> failed
//	any state -> cancelled
//
// The [Manager] runs the engine periodically in a background worker.
package certrefresh

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vpncore/vpncore/internal/instrument"
	"github.com/vpncore/vpncore/internal/model"
)

const (
	// DefaultNetworkRetries is the number of retries after transient errors.
	DefaultNetworkRetries = 5

	// DefaultMinRetryDelay is the fixed part of the retry delay.
	DefaultMinRetryDelay = 10 * time.Second

	// DefaultRetryJitter is the upper bound of the random part of the retry delay.
	DefaultRetryJitter = 5 * time.Second
)

// Store persists the key pair and the certificate.
type Store interface {
	// Keys returns the key pair, generating and persisting one if absent.
	Keys() (*model.ClientKeyPair, error)

	// Certificate returns the stored certificate or nil.
	Certificate() (*model.AuthCertificate, error)

	// StoreCertificate replaces the stored certificate.
	StoreCertificate(cert *model.AuthCertificate) error

	// DeleteKeys removes the key pair.
	DeleteKeys() error

	// DeleteCertificate removes the certificate.
	DeleteCertificate() error
}

// Fetcher obtains a new certificate for the given keys.
type Fetcher interface {
	FetchCertificate(ctx context.Context, keys *model.ClientKeyPair,
		features *model.CertificateFeatures) (*model.AuthCertificate, error)
}

// State is a state of the refresh state machine.
type State int

const (
	StateIdle = State(iota)
	StateChecking
	StateFetching
	StateRetryingNetwork
	StateRetryingConflict
	StateDone
	StateCancelled
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateChecking:         "checking",
	StateFetching:         "fetching",
	StateRetryingNetwork:  "retrying_network",
	StateRetryingConflict: "retrying_conflict",
	StateDone:             "done",
	StateCancelled:        "cancelled",
	StateFailed:           "failed",
}

// String implements fmt.Stringer
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Engine refreshes the certificate. The zero value is invalid; use [NewEngine].
// Refresh calls are serialized so that two refreshes never mutate the store
// at the same time.
type Engine struct {
	// NetworkRetries is the number of retries after transient errors.
	NetworkRetries int

	// MinRetryDelay is the fixed part of the retry delay.
	MinRetryDelay time.Duration

	// RetryJitter bounds the random part of the retry delay.
	RetryJitter time.Duration

	// RefreshEarlierBy anticipates the certificate refresh time.
	RefreshEarlierBy time.Duration

	// OnStateChange, when set, observes state transitions. It runs on the
	// refreshing goroutine and must not call back into the engine.
	OnStateChange func(State)

	fetcher Fetcher
	logger  model.Logger
	store   Store

	// inflight admits one refresh at a time.
	inflight *semaphore.Weighted

	// mu protects cancels and generation.
	mu         sync.Mutex
	cancels    map[uint64]context.CancelCauseFunc
	generation uint64

	// test hooks
	timeNow func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(max time.Duration) time.Duration
}

// NewEngine creates an [Engine] with the default retry policy.
func NewEngine(logger model.Logger, store Store, fetcher Fetcher) *Engine {
	return &Engine{
		NetworkRetries: DefaultNetworkRetries,
		MinRetryDelay:  DefaultMinRetryDelay,
		RetryJitter:    DefaultRetryJitter,
		fetcher:        fetcher,
		logger:         logger,
		store:          store,
		inflight:       semaphore.NewWeighted(1),
		cancels:        map[uint64]context.CancelCauseFunc{},
		timeNow:        time.Now,
		sleep:          sleepContext,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max + 1)
		},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels every refresh running or waiting to run. Each of them
// returns [ErrCancelled].
func (e *Engine) Cancel() {
	defer e.mu.Unlock()
	e.mu.Lock()
	for id, cancel := range e.cancels {
		cancel(ErrCancelled)
		delete(e.cancels, id)
	}
}

// StoredFeatures returns the features bound to the stored certificate.
func (e *Engine) StoredFeatures() *model.CertificateFeatures {
	cert, err := e.store.Certificate()
	if err != nil || cert == nil {
		return nil
	}
	return cert.Features
}

func (e *Engine) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	e.mu.Lock()
	e.generation++
	id := e.generation
	e.cancels[id] = cancel
	e.mu.Unlock()
	return ctx, func() {
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
		cancel(nil)
	}
}

func (e *Engine) setState(s State) {
	e.logger.Debugf("certrefresh: %s", s)
	if e.OnStateChange != nil {
		e.OnStateChange(s)
	}
}

// cancelled returns a non-nil error when ctx is done.
func cancelled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

// Refresh returns a certificate whose refresh time is in the future,
// fetching a new one when needed. When features is not nil, a stored
// certificate bound to different features is refreshed too.
func (e *Engine) Refresh(ctx context.Context, features *model.CertificateFeatures) (*model.AuthCertificate, error) {
	ctx, done := e.track(ctx)
	defer done()

	if err := e.inflight.Acquire(ctx, 1); err != nil {
		e.setState(StateCancelled)
		instrument.CertificateRefresh("cancelled")
		return nil, cancelled(ctx)
	}
	defer e.inflight.Release(1)

	cert, err := e.refresh(ctx, features)
	switch {
	case err == nil:
		e.setState(StateDone)
	case errors.Is(err, ErrCancelled):
		e.setState(StateCancelled)
		instrument.CertificateRefresh("cancelled")
	default:
		e.setState(StateFailed)
		e.logger.Warnf("certrefresh: %s", err.Error())
		instrument.CertificateRefresh("failed")
	}
	e.setState(StateIdle)
	return cert, err
}

func (e *Engine) refresh(ctx context.Context, features *model.CertificateFeatures) (*model.AuthCertificate, error) {
	retries := e.NetworkRetries
	conflictRetry := false
	for {
		if err := cancelled(ctx); err != nil {
			return nil, err
		}
		e.setState(StateChecking)
		stored, err := e.store.Certificate()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrStore, err.Error())
		}
		if stored != nil && !e.needsRefresh(stored, features) {
			e.logger.Debugf("certrefresh: certificate valid until %s", stored.ValidUntil)
			instrument.CertificateRefresh("valid")
			return stored, nil
		}
		keys, err := e.store.Keys()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrStore, err.Error())
		}

		if err := cancelled(ctx); err != nil {
			return nil, err
		}
		e.setState(StateFetching)
		instrument.CertificateFetch()
		cert, err := e.fetcher.FetchCertificate(ctx, keys, features)
		if err := cancelled(ctx); err != nil {
			return nil, err
		}

		switch {
		case err == nil:
			if cert.Features == nil {
				cert.Features = features
			}
			if err := e.store.StoreCertificate(cert); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrStore, err.Error())
			}
			e.logger.Infof("certrefresh: new certificate valid until %s", cert.ValidUntil)
			instrument.CertificateRefresh("fetched")
			return cert, nil

		case errors.Is(err, ErrTransientNetwork) && retries > 0:
			retries--
			delay := e.MinRetryDelay + e.jitter(e.RetryJitter)
			e.logger.Infof("certrefresh: %s; retrying in %s", err.Error(), delay)
			e.setState(StateRetryingNetwork)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
			}

		case errors.Is(err, ErrKeyConflict) && !conflictRetry:
			conflictRetry = true
			e.logger.Warn("certrefresh: key conflict; regenerating keys")
			e.setState(StateRetryingConflict)
			if err := e.store.DeleteKeys(); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrStore, err.Error())
			}
			if err := e.store.DeleteCertificate(); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrStore, err.Error())
			}

		default:
			return nil, err
		}
	}
}

func (e *Engine) needsRefresh(cert *model.AuthCertificate, features *model.CertificateFeatures) bool {
	if features != nil && !features.Equal(cert.Features) {
		e.logger.Info("certrefresh: features changed")
		return true
	}
	return cert.NeedsRefresh(e.timeNow().Add(e.RefreshEarlierBy))
}
