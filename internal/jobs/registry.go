package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brainless/datastorer/internal/ingesterr"
)

// Registry maps task names to handlers. Handlers are registered once at
// start-up, before the manager starts.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler; names must be unique.
func (r *Registry) Register(name string, handler HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || handler == nil {
		return fmt.Errorf("invalid handler registration for %q", name)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler already registered: %s", name)
	}
	r.handlers[name] = handler
	return nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered task names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RetryPolicy reschedules failed attempts after a fixed delay.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// DefaultRetryPolicy retries hourly for a week.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 24 * 7,
		Delay:      time.Hour,
	}
}

// ShouldRetry reports whether an attempt that failed with err, after
// retryCount earlier retries, gets another one. Only transient failures are
// retried.
func (rp RetryPolicy) ShouldRetry(err error, retryCount int) bool {
	if retryCount >= rp.MaxRetries {
		return false
	}
	return ingesterr.Retryable(err)
}
