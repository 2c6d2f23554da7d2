package eeprom

import (
	"errors"
	"sync"
	"time"
)

// maintainer runs write back and wear leveling on a ticker.
type maintainer struct {
	e        *Engine
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newMaintainer(e *Engine, interval time.Duration) *maintainer {
	return &maintainer{e: e, interval: interval}
}

func (m *maintainer) start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(m.stopCh, m.doneCh)
}

// stop signals the worker and waits for its current pass to finish.
func (m *maintainer) stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
}

func (m *maintainer) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	interval := m.interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := m.e.RunMaintenance(); err != nil {
				m.e.logger.Warn("Background maintenance failed: %v", err)
			}
		}
	}
}

// RunMaintenance performs one maintenance pass: write back of every dirty
// cache followed by a wear leveling attempt.
func (e *Engine) RunMaintenance() error {
	wbErr := e.WriteBack()
	if errors.Is(wbErr, ErrNoDevice) {
		return wbErr
	}
	_, wlErr := e.WearLevel()
	return errors.Join(wbErr, wlErr)
}
