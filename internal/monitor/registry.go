package monitor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"autotrader/internal/events"
)

// Registry tracks running detector tasks by composite key. It is the only
// authority on what is running; tasks remove themselves on exit so a
// self-stopped detector frees its slot without scheduler involvement.
type Registry struct {
	mu    sync.Mutex
	tasks map[Key]*task
	bus   Broadcaster
	log   *zap.SugaredLogger
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry(bus Broadcaster, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{tasks: make(map[Key]*task), bus: bus, log: log}
}

// Start launches run under the key unless a task is already registered for
// it. Returns false when the key was already running.
func (r *Registry) Start(ctx context.Context, key Key, run func(ctx context.Context)) bool {
	r.mu.Lock()
	if _, exists := r.tasks[key]; exists {
		r.mu.Unlock()
		return false
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	r.tasks[key] = t
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.EventMonitorStarted, key)
	}

	go func() {
		defer func() {
			close(t.done)
			r.remove(key, t)
			if r.bus != nil {
				r.bus.Publish(events.EventMonitorStopped, key)
			}
		}()
		run(taskCtx)
	}()
	return true
}

// remove drops the key only if it still maps to this task; a restart that
// raced the exit keeps its fresh entry.
func (r *Registry) remove(key Key, t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[key]; ok && cur == t {
		delete(r.tasks, key)
	}
}

// Stop cancels the task under key and waits for it to exit.
func (r *Registry) Stop(key Key) bool {
	r.mu.Lock()
	t, ok := r.tasks[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	<-t.done
	return true
}

// StopUser cancels every task belonging to the user.
func (r *Registry) StopUser(userID string) int {
	r.mu.Lock()
	var keys []Key
	for key := range r.tasks {
		if key.UserID == userID {
			keys = append(keys, key)
		}
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.Stop(key)
	}
	return len(keys)
}

// StopAll cancels everything; used at shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	var keys []Key
	for key := range r.tasks {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.Stop(key)
	}
}

// IsRunning reports whether a task holds the key.
func (r *Registry) IsRunning(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[key]
	return ok
}

// Running snapshots the active keys.
func (r *Registry) Running() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.tasks))
	for key := range r.tasks {
		keys = append(keys, key)
	}
	return keys
}
