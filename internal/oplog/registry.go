package oplog

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Registry hands out the per-document Log, hydrating it from storage on
// first access. Documents are fully independent of each other.
type Registry struct {
	mu      sync.Mutex
	logs    map[string]*Log
	storage Storage
	ringCap int
	logger  zerolog.Logger

	// hooks attached to every log at creation time
	commitHooks []CommitHook
}

func NewRegistry(storage Storage, ringCap int, logger zerolog.Logger) *Registry {
	return &Registry{
		logs:    make(map[string]*Log),
		storage: storage,
		ringCap: ringCap,
		logger:  logger,
	}
}

// OnCommit registers a hook applied to every document log. Must be called
// during wiring, before traffic.
func (r *Registry) OnCommit(h CommitHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitHooks = append(r.commitHooks, h)
}

// Get returns the log for documentID, loading snapshot + replay state on
// first use.
func (r *Registry) Get(ctx context.Context, documentID string) (*Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.logs[documentID]; ok {
		return l, nil
	}
	l := newLog(documentID, r.storage, r.ringCap, r.logger)
	if err := l.hydrate(ctx); err != nil {
		return nil, err
	}
	for _, h := range r.commitHooks {
		l.hooks = append(l.hooks, h)
	}
	r.logs[documentID] = l
	return l, nil
}

// Evict drops the in-memory state for a document (for example after it was
// deleted). Durable state is untouched.
func (r *Registry) Evict(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.logs, documentID)
}
