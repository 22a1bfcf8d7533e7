package certrefresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/internal/workers"
)

const (
	// DefaultCheckInterval is how often the manager checks the certificate.
	DefaultCheckInterval = 2 * time.Minute

	// DefaultRefreshEarlierBy anticipates the refresh time so the check
	// runs at least once before it.
	DefaultRefreshEarlierBy = 3 * time.Minute
)

// Manager checks the certificate periodically. The zero value is invalid;
// use [NewManager].
type Manager struct {
	engine   *Engine
	interval time.Duration
	logger   model.Logger

	// mu protects workers and cancel.
	mu      sync.Mutex
	workers *workers.Manager
	cancel  context.CancelFunc
}

// NewManager creates a stopped [Manager] checking every interval.
func NewManager(logger model.Logger, engine *Engine, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Manager{
		engine:   engine,
		interval: interval,
		logger:   logger,
	}
}

// Engine returns the underlying engine.
func (m *Manager) Engine() *Engine {
	return m.engine
}

// Start starts the periodic check. It is a no-op when already running.
func (m *Manager) Start() {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.workers != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.workers = workers.NewManager(m.logger)
	m.cancel = cancel
	ws := m.workers
	ws.StartWorker(func() {
		m.checkWorker(ctx, ws)
	})
}

// Running returns whether the periodic check is running.
func (m *Manager) Running() bool {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.workers != nil
}

// Cancel stops the periodic check and cancels any refresh in progress.
func (m *Manager) Cancel() {
	m.mu.Lock()
	ws, cancel := m.workers, m.cancel
	m.workers, m.cancel = nil, nil
	m.mu.Unlock()

	m.engine.Cancel()
	if ws == nil {
		return
	}
	cancel()
	ws.StartShutdown()
	ws.WaitWorkersShutdown()
}

// Restart cancels everything and starts checking again.
func (m *Manager) Restart() {
	m.Cancel()
	m.Start()
}

// RefreshNow refreshes the certificate immediately.
func (m *Manager) RefreshNow(ctx context.Context, features *model.CertificateFeatures) (*model.AuthCertificate, error) {
	return m.engine.Refresh(ctx, features)
}

func (m *Manager) checkWorker(ctx context.Context, ws *workers.Manager) {
	workerName := "certrefresh: checkWorker"
	defer func() {
		ws.OnWorkerDone(workerName)
	}()
	m.logger.Debugf("%s: started", workerName)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		_, err := m.engine.Refresh(ctx, m.engine.StoredFeatures())
		switch {
		case err == nil:
		case errors.Is(err, ErrCancelled):
			m.logger.Debugf("%s: %s", workerName, err.Error())
		default:
			m.logger.Warnf("%s: %s", workerName, err.Error())
		}
		select {
		case <-ticker.C:
		case <-ws.ShouldShutdown():
			return
		}
	}
}
