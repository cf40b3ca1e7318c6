package artifacts

import (
	"sort"
	"sync"
	"time"
)

// Registry records which jobs are live so the janitor never touches their
// directories.
type Registry struct {
	mu   sync.RWMutex
	live map[string]time.Time
}

func NewRegistry() *Registry {
	return &Registry{live: make(map[string]time.Time)}
}

func (r *Registry) Add(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[jobID] = time.Now()
}

func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, jobID)
}

func (r *Registry) IsLive(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[jobID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// IDs returns live job ids, oldest first.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.live[ids[i]].Before(r.live[ids[j]])
	})
	return ids
}
