// Package subscription owns the lifecycle of the relay's single topic
// subscription: establishment with exponential backoff, terminal failure
// reporting, and deterministic shutdown.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/logservice"
)

var (
	ErrTopicMismatch  = errors.New("subscription already started for a different topic")
	ErrNotRestartable = errors.New("subscription manager cannot be restarted")
)

// State is the lifecycle state of a Manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config controls the establishment retry policy.
type Config struct {
	// BaseDelay is the wait after the first failed attempt. Each later wait
	// doubles.
	BaseDelay   time.Duration
	MaxAttempts int
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   250 * time.Millisecond,
		MaxAttempts: 8,
	}
}

// Hooks are optional observers. They must not call back into the Manager.
type Hooks struct {
	OnAttempt     func(attempt int)
	OnStateChange func(State)
	OnStreamError func(error)
}

// Manager drives one subscription. The zero value is not usable; use New.
type Manager struct {
	subscriber logservice.Subscriber
	cfg        Config
	clock      clock.Clock
	logger     *zap.Logger
	hooks      Hooks

	mu       sync.Mutex
	state    State
	topicID  string
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}
	sub      logservice.Subscription
	handle   *Handle

	// deliverMu is held for the duration of each delivery so Stop can wait
	// out an in-flight one.
	deliverMu sync.Mutex
}

func New(subscriber logservice.Subscriber, cfg Config, clk clock.Clock, logger *zap.Logger) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Manager{
		subscriber: subscriber,
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
	}
}

// SetHooks installs observers. Call it before Start.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// Handle is returned by Start. Every Start call for the running topic
// returns the same Handle.
type Handle struct {
	m       *Manager
	topicID string
}

func (h *Handle) TopicID() string { return h.topicID }

func (h *Handle) State() State { return h.m.State() }

// Unsubscribe stops the owning Manager.
func (h *Handle) Unsubscribe() { h.m.Stop() }

// Start begins subscribing to topicID from the start of its stream.
// Calling Start again for the same topic while connecting or subscribed
// returns the existing handle without opening a second subscription.
// onEntry is called from a single goroutine in stream order. onFatal is
// called exactly once if every establishment attempt fails, after the
// Manager has entered StateFailed. Cancelling ctx has the effect of Stop
// except that no Unsubscribe happens until Stop is called.
func (m *Manager) Start(ctx context.Context, topicID string, onEntry func(logservice.Entry), onFatal func(error)) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateConnecting, StateSubscribed:
		if topicID == m.topicID {
			return m.handle, nil
		}
		return nil, fmt.Errorf("%w: running %s, requested %s", ErrTopicMismatch, m.topicID, topicID)
	case StateFailed, StateStopped:
		return nil, fmt.Errorf("%w: state %s", ErrNotRestartable, m.state)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.topicID = topicID
	m.cancel = cancel
	m.done = make(chan struct{})
	m.handle = &Handle{m: m, topicID: topicID}
	m.setStateLocked(StateConnecting)

	done := m.done
	go func() {
		err := m.run(runCtx, topicID, onEntry)
		if err == nil {
			// Subscribed, or cancelled. Either way the Manager is stopped
			// once the context ends.
			<-runCtx.Done()
			m.markStopped()
		}
		close(done)
		if err != nil && onFatal != nil {
			onFatal(err)
		}
	}()
	return m.handle, nil
}

// run returns a non-nil error only when every attempt failed.
func (m *Manager) run(ctx context.Context, topicID string, onEntry func(logservice.Entry)) error {
	deliver := func(e logservice.Entry) {
		m.deliverMu.Lock()
		defer m.deliverMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		onEntry(e)
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		m.mu.Lock()
		m.attempts = attempt
		onAttempt := m.hooks.OnAttempt
		m.mu.Unlock()
		if onAttempt != nil {
			onAttempt(attempt)
		}

		m.logger.Debug("subscribing",
			zap.String("topicId", topicID),
			zap.Int("attempt", attempt),
		)

		sub, err := m.subscriber.Subscribe(ctx, topicID, deliver, m.streamError(ctx, topicID))
		if err == nil {
			m.mu.Lock()
			if ctx.Err() != nil {
				m.mu.Unlock()
				sub.Unsubscribe()
				return nil
			}
			m.sub = sub
			m.setStateLocked(StateSubscribed)
			m.mu.Unlock()

			m.logger.Info("subscribed",
				zap.String("topicId", topicID),
				zap.Int("attempts", attempt),
			)
			return nil
		}

		lastErr = err
		if attempt == m.cfg.MaxAttempts {
			break
		}

		delay := m.cfg.BaseDelay * time.Duration(1<<(attempt-1))
		m.logger.Warn("subscribe failed, retrying",
			zap.String("topicId", topicID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := m.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return nil
	}
	m.setStateLocked(StateFailed)

	err := fmt.Errorf("subscribing to %s failed after %d attempts: %w", topicID, m.cfg.MaxAttempts, lastErr)
	m.logger.Error("subscription failed", zap.Error(err))
	return err
}

// streamError handles errors reported after establishment. They are logged
// and surfaced but never restart the subscription.
func (m *Manager) streamError(ctx context.Context, topicID string) func(error) {
	return func(err error) {
		if ctx.Err() != nil {
			return
		}
		m.logger.Error("subscription stream error",
			zap.String("topicId", topicID),
			zap.Error(err),
		)
		m.mu.Lock()
		hook := m.hooks.OnStreamError
		m.mu.Unlock()
		if hook != nil {
			hook(err)
		}
	}
}

// Stop cancels any pending attempt or backoff wait and ends the subscription.
// It is idempotent and safe from any state. Once it returns no further entry
// is delivered. It must not be called from within onEntry.
func (m *Manager) Stop() {
	m.mu.Lock()
	done := m.done
	if m.cancel != nil {
		m.cancel()
	}
	m.markStoppedLocked()
	m.mu.Unlock()

	if done == nil {
		return
	}
	<-done

	// Wait out a delivery that passed its cancellation check before cancel.
	m.deliverMu.Lock()
	m.deliverMu.Unlock()

	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (m *Manager) markStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markStoppedLocked()
}

// markStoppedLocked leaves a Failed manager Failed.
func (m *Manager) markStoppedLocked() {
	switch m.state {
	case StateFailed, StateStopped:
	default:
		m.logger.Info("subscription stopped", zap.String("topicId", m.topicID))
		m.setStateLocked(StateStopped)
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(s)
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts reports how many establishment attempts have been made.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) TopicID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topicID
}
