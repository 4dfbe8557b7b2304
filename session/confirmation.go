package session

import (
	"context"
	"time"
)

// StartConfirmationPolling polls the provider until the current user's email
// is confirmed. Poll errors are logged and swallowed; the loop stops on its
// own once the email is confirmed, on ctx cancel, on StopConfirmationPolling
// and on sign-out. Starting again restarts the loop.
func (m *Manager) StartConfirmationPolling(ctx context.Context) {
	m.mu.Lock()
	m.stopPollingLocked()
	pollCtx, cancel := context.WithCancel(ctx)
	m.pollCancel = cancel
	interval := m.pollInterval
	m.mu.Unlock()

	go m.pollConfirmation(pollCtx, interval)
}

// StopConfirmationPolling stops a running poll loop, if any.
func (m *Manager) StopConfirmationPolling() {
	m.mu.Lock()
	m.stopPollingLocked()
	m.mu.Unlock()
}

// stopPollingLocked must be called with m.mu held.
func (m *Manager) stopPollingLocked() {
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
	}
}

func (m *Manager) pollConfirmation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		user := m.user
		m.mu.Unlock()
		if user == nil || user.EmailConfirmed {
			m.StopConfirmationPolling()
			return
		}

		if err := m.RefreshEmailConfirmation(ctx); err != nil {
			m.log.Debug().Err(err).Msg("confirmation poll failed")
			continue
		}

		m.mu.Lock()
		confirmed := m.user != nil && m.user.EmailConfirmed
		m.mu.Unlock()
		if confirmed {
			m.StopConfirmationPolling()
			return
		}
	}
}
