package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) hook(name string, priority int, err error) Hook {
	return NewHook(name, priority, time.Second, func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, name)
		return err
	})
}

func TestManager_RegisterHook(t *testing.T) {
	m := NewManager(time.Second)
	rec := &recorder{}

	require.NoError(t, m.Register(rec.hook("api", 10, nil)))
	assert.Error(t, m.Register(rec.hook("api", 20, nil)))
	assert.Error(t, m.Register(rec.hook("", 20, nil)))
	assert.Error(t, m.Register(nil))
}

func TestManager_ShutdownRunsHooksInPriorityOrder(t *testing.T) {
	m := NewManager(5 * time.Second)
	rec := &recorder{}

	require.NoError(t, m.Register(rec.hook("jobs", 20, nil)))
	require.NoError(t, m.Register(rec.hook("api", 10, nil)))
	require.NoError(t, m.Register(rec.hook("store", 30, errors.New("close failed"))))
	require.NoError(t, m.Register(rec.hook("catalog", 30, nil)))

	err := m.Shutdown("test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook store failed: close failed")
	assert.Equal(t, []string{"api", "jobs", "catalog", "store"}, rec.order)

	status := m.GetStatus()
	assert.True(t, status.InProgress)
	assert.Equal(t, "test", status.Reason)
	assert.Len(t, status.CompletedHooks, 4)
	assert.Len(t, status.Errors, 1)

	assert.Error(t, m.Shutdown("again"))
}

func TestManager_HookTimeout(t *testing.T) {
	m := NewManager(5 * time.Second)
	require.NoError(t, m.Register(NewHook("slow", 1, 20*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})))

	start := time.Now()
	err := m.Shutdown("test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestManager_WaitReturnsOnContext(t *testing.T) {
	m := NewManager(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, "context done", m.Wait(ctx))
}
