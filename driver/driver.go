// Package driver implements registry control planes: the components that
// actually bring tunnels up and down and report the outcome back.
package driver

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/houzhh15/tunnel-registry/registry"
	"github.com/houzhh15/tunnel-registry/tunnel"
)

var (
	// commandsTotal tracks control plane requests
	// Labels: driver, action (up, down), result (success, failed)
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_driver_commands_total",
			Help: "Total number of control plane requests grouped by driver, action and result",
		},
		[]string{"driver", "action", "result"},
	)
)

func recordCommand(driver, action string, succeeded bool) {
	result := "success"
	if !succeeded {
		result = "failed"
	}
	commandsTotal.WithLabelValues(driver, action, result).Inc()
}

var (
	_ registry.ControlPlane = Noop{}
	_ registry.ControlPlane = (*Scripted)(nil)
	_ registry.ControlPlane = (*WGQuick)(nil)
)

// Noop completes every request immediately with success. Useful for dry
// runs where the registry state is all that matters.
type Noop struct{}

func (Noop) Activate(key string, _ tunnel.Configuration, done registry.CompletionFunc) {
	recordCommand("noop", "up", true)
	done(key, true)
}

func (Noop) Deactivate(key string, done registry.CompletionFunc) {
	recordCommand("noop", "down", true)
	done(key, true)
}

// Request 一次待完成的控制面请求
type Request struct {
	Key      string
	Activate bool
	Config   tunnel.Configuration // nil for deactivation

	done registry.CompletionFunc
}

// Scripted holds requests until the caller resolves them, so the order and
// timing of completions can be chosen explicitly.
type Scripted struct {
	mu      sync.Mutex
	pending []*Request
}

// NewScripted creates a scripted control plane
func NewScripted() *Scripted {
	return &Scripted{}
}

func (s *Scripted) Activate(key string, cfg tunnel.Configuration, done registry.CompletionFunc) {
	s.push(&Request{Key: key, Activate: true, Config: cfg, done: done})
}

func (s *Scripted) Deactivate(key string, done registry.CompletionFunc) {
	s.push(&Request{Key: key, done: done})
}

func (s *Scripted) push(r *Request) {
	s.mu.Lock()
	s.pending = append(s.pending, r)
	s.mu.Unlock()
}

// Pending returns the unresolved requests in arrival order.
func (s *Scripted) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, len(s.pending))
	for i, r := range s.pending {
		out[i] = *r
	}
	return out
}

// Resolve completes the oldest pending request for key. It reports false
// when nothing is pending for key.
func (s *Scripted) Resolve(key string, succeeded bool) bool {
	s.mu.Lock()
	var req *Request
	for i, r := range s.pending {
		if r.Key == key {
			req = r
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if req == nil {
		return false
	}
	// completion re-enters the registry; never call it under mu
	req.done(req.Key, succeeded)
	return true
}

// ResolveAll completes every pending request with the same outcome and
// returns how many there were.
func (s *Scripted) ResolveAll(succeeded bool) int {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, r := range pending {
		r.done(r.Key, succeeded)
	}
	return len(pending)
}
