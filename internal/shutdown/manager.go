// Package shutdown stops long-running components in a fixed order when the
// process is asked to exit.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/brainless/datastorer/internal/log"
)

const defaultHookTimeout = 10 * time.Second

// Hook is a component that needs to be stopped gracefully
type Hook interface {
	Name() string
	Priority() int // Lower numbers shutdown first
	Shutdown(ctx context.Context) error
	Timeout() time.Duration
}

type funcHook struct {
	name     string
	priority int
	timeout  time.Duration
	fn       func(ctx context.Context) error
}

func (h *funcHook) Name() string                       { return h.name }
func (h *funcHook) Priority() int                      { return h.priority }
func (h *funcHook) Timeout() time.Duration             { return h.timeout }
func (h *funcHook) Shutdown(ctx context.Context) error { return h.fn(ctx) }

// NewHook wraps fn as a Hook.
func NewHook(name string, priority int, timeout time.Duration, fn func(ctx context.Context) error) Hook {
	return &funcHook{name: name, priority: priority, timeout: timeout, fn: fn}
}

// Status provides information about the shutdown process
type Status struct {
	InProgress     bool      `json:"in_progress"`
	StartTime      time.Time `json:"start_time"`
	CompletedHooks []string  `json:"completed_hooks"`
	Errors         []error   `json:"errors"`
	Reason         string    `json:"reason"`
}

// Manager runs registered hooks once, in priority order.
type Manager struct {
	hooks           map[string]Hook
	hooksMux        sync.RWMutex
	status          Status
	statusMux       sync.RWMutex
	gracefulTimeout time.Duration
}

// NewManager creates a shutdown manager whose hooks share gracefulTimeout.
func NewManager(gracefulTimeout time.Duration) *Manager {
	if gracefulTimeout <= 0 {
		gracefulTimeout = 30 * time.Second
	}
	return &Manager{
		hooks:           make(map[string]Hook),
		gracefulTimeout: gracefulTimeout,
	}
}

// Register registers a shutdown hook
func (m *Manager) Register(hook Hook) error {
	if hook == nil || hook.Name() == "" {
		return fmt.Errorf("hook must have a name")
	}

	m.hooksMux.Lock()
	defer m.hooksMux.Unlock()

	if _, exists := m.hooks[hook.Name()]; exists {
		return fmt.Errorf("hook %s already registered", hook.Name())
	}
	m.hooks[hook.Name()] = hook
	log.Logger.Debugf("Registered shutdown hook: %s (priority: %d)", hook.Name(), hook.Priority())
	return nil
}

// Wait blocks until SIGINT or SIGTERM arrives or ctx ends, and returns the
// reason.
func (m *Manager) Wait(ctx context.Context) string {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		return fmt.Sprintf("%s received", sig)
	case <-ctx.Done():
		return "context done"
	}
}

// Shutdown runs every hook in priority order. Hook failures do not stop the
// sequence; they are joined into the returned error.
func (m *Manager) Shutdown(reason string) error {
	m.statusMux.Lock()
	if m.status.InProgress {
		m.statusMux.Unlock()
		return fmt.Errorf("shutdown already in progress")
	}
	m.status = Status{InProgress: true, StartTime: time.Now(), Reason: reason}
	m.statusMux.Unlock()

	log.Logger.Infof("Initiating graceful shutdown: %s", reason)

	ctx, cancel := context.WithTimeout(context.Background(), m.gracefulTimeout)
	defer cancel()

	var errs []error
	for _, hook := range m.sortedHooks() {
		err := m.executeHook(ctx, hook)
		m.statusMux.Lock()
		if err != nil {
			err = fmt.Errorf("hook %s failed: %w", hook.Name(), err)
			m.status.Errors = append(m.status.Errors, err)
			errs = append(errs, err)
			log.Logger.Errorf("Shutdown hook %s failed: %v", hook.Name(), err)
		}
		m.status.CompletedHooks = append(m.status.CompletedHooks, hook.Name())
		m.statusMux.Unlock()
	}

	log.Logger.Info("Graceful shutdown completed")
	return errors.Join(errs...)
}

// GetStatus returns a copy of the shutdown status
func (m *Manager) GetStatus() Status {
	m.statusMux.RLock()
	defer m.statusMux.RUnlock()

	status := m.status
	status.CompletedHooks = append([]string(nil), m.status.CompletedHooks...)
	status.Errors = append([]error(nil), m.status.Errors...)
	return status
}

// executeHook executes a single shutdown hook with timeout
func (m *Manager) executeHook(parentCtx context.Context, hook Hook) error {
	hookTimeout := hook.Timeout()
	if hookTimeout <= 0 {
		hookTimeout = defaultHookTimeout
	}

	ctx, cancel := context.WithTimeout(parentCtx, hookTimeout)
	defer cancel()

	log.Logger.Infof("Executing shutdown hook: %s (timeout: %v)", hook.Name(), hookTimeout)

	done := make(chan error, 1)
	go func() {
		done <- hook.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("hook timed out after %v", hookTimeout)
	}
}

// sortedHooks returns hooks sorted by priority, then name
func (m *Manager) sortedHooks() []Hook {
	m.hooksMux.RLock()
	defer m.hooksMux.RUnlock()

	hooks := make([]Hook, 0, len(m.hooks))
	for _, hook := range m.hooks {
		hooks = append(hooks, hook)
	}
	sort.Slice(hooks, func(i, j int) bool {
		if hooks[i].Priority() != hooks[j].Priority() {
			return hooks[i].Priority() < hooks[j].Priority()
		}
		return hooks[i].Name() < hooks[j].Name()
	})
	return hooks
}
