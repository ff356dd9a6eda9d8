package session

import (
	"context"
	"log"
	"sync"
	"time"

	"cycletime/internal/auth"
)

// Registry maps opaque bearer tokens to live sessions. Only token digests
// are held.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	gauge    func(int)
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// OnChange registers a callback that receives the session count after every
// change.
func (r *Registry) OnChange(fn func(int)) {
	r.mu.Lock()
	r.gauge = fn
	r.mu.Unlock()
}

func (r *Registry) Put(s *Session) (string, error) {
	raw, digest, err := auth.NewSessionToken()
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.sessions[digest] = s
	r.report()
	r.mu.Unlock()
	return raw, nil
}

func (r *Registry) Get(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[auth.TokenDigest(token)]
	return s, ok
}

func (r *Registry) Delete(token string) {
	r.mu.Lock()
	delete(r.sessions, auth.TokenDigest(token))
	r.report()
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep runs the timeout check on every session and drops the ones that
// are no longer Authenticated.
func (r *Registry) Sweep(ctx context.Context, m *Manager) int {
	r.mu.Lock()
	snapshot := make(map[string]*Session, len(r.sessions))
	for k, s := range r.sessions {
		snapshot[k] = s
	}
	r.mu.Unlock()

	var gone []string
	for k, s := range snapshot {
		m.CheckTimeout(ctx, s)
		if !s.Authenticated() {
			gone = append(gone, k)
		}
	}
	if len(gone) == 0 {
		return 0
	}
	r.mu.Lock()
	for _, k := range gone {
		delete(r.sessions, k)
	}
	r.report()
	r.mu.Unlock()
	return len(gone)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, m *Manager, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(ctx, m); n > 0 {
				log.Printf("session_sweep removed=%d", n)
			}
		}
	}
}

func (r *Registry) report() {
	if r.gauge != nil {
		r.gauge(len(r.sessions))
	}
}
