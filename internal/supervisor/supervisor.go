// Package supervisor owns the Gateway process's top-level lifecycle: the
// cancellable root context, the group of long-running components, the
// atomically-swapped configuration snapshot, and the /health surface
// (spec.md section 4.10).
package supervisor

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/config"
)

// Component is a long-running part of the Gateway process. Run must block
// until ctx is cancelled or the component fails, and must return promptly
// once ctx.Done() fires.
type Component interface {
	Name() string
	Run(ctx context.Context) error
}

// Reloadable is implemented by components whose behaviour depends on the
// configuration snapshot and that can apply a new one without a restart,
// e.g. internal/listener.Pool diff-applying added/removed/changed entries.
type Reloadable interface {
	Reload(ctx context.Context, snapshot *config.Snapshot) error
}

// Config configures a Supervisor.
type Config struct {
	// Initial is the first configuration snapshot, already validated.
	Initial *config.Snapshot
	// ShutdownGrace bounds how long Shutdown waits for components to exit
	// on their own before the root context's cancellation is relied upon
	// alone. Defaults to Initial.ShutdownGrace.
	ShutdownGrace time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Initial == nil {
		return trace.BadParameter("supervisor requires an initial configuration snapshot")
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = c.Initial.ShutdownGrace
	}
	return nil
}

// status tracks a single component's last known health.
type status struct {
	running atomic.Bool
	err     atomic.Pointer[error]
}

// Supervisor runs a fixed set of components under one errgroup, exposes
// their health, and owns the atomic configuration swap pointer that a
// reload updates.
type Supervisor struct {
	cfg Config
	log log.FieldLogger

	snapshot atomic.Pointer[config.Snapshot]

	mu         sync.Mutex
	components []Component
	statuses   map[string]*status

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Supervisor. Components must be registered with Register
// before Run is called.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Supervisor{
		cfg:      cfg,
		log:      log.WithField(trace.Component, gateway.Component(gateway.ComponentSupervisor)),
		statuses: make(map[string]*status),
	}
	s.snapshot.Store(cfg.Initial)
	return s, nil
}

// Register adds a component to be started by Run. It must be called before
// Run.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, c)
	s.statuses[c.Name()] = &status{}
}

// Snapshot returns the currently active configuration snapshot.
func (s *Supervisor) Snapshot() *config.Snapshot {
	return s.snapshot.Load()
}

// Reload validates next, swaps it in atomically, and invokes Reload on
// every registered component that implements Reloadable so listener pools
// and similar components can diff-apply the change without disturbing live
// sessions (spec.md section 4.1).
func (s *Supervisor) Reload(ctx context.Context, next *config.Snapshot) error {
	if err := next.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	s.snapshot.Store(next)

	s.mu.Lock()
	components := append([]Component(nil), s.components...)
	s.mu.Unlock()

	for _, c := range components {
		r, ok := c.(Reloadable)
		if !ok {
			continue
		}
		if err := r.Reload(ctx, next); err != nil {
			s.log.WithError(err).WithField("component", c.Name()).Error("Component failed to apply reload.")
			return trace.Wrap(err)
		}
	}
	return nil
}

// Run starts every registered component and blocks until ctx is cancelled
// or a component returns a non-nil error, at which point every other
// component is cancelled too. Mirrors the teacher's supervisor idiom of one
// errgroup per process lifetime (golang.org/x/sync/errgroup.WithContext),
// rather than hand-rolled WaitGroup/channel bookkeeping.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	defer close(s.done)

	s.mu.Lock()
	components := append([]Component(nil), s.components...)
	s.mu.Unlock()

	if len(components) == 0 {
		return trace.BadParameter("supervisor has no registered components")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, c := range components {
		c := c
		st := s.statuses[c.Name()]
		group.Go(func() (err error) {
			st.running.Store(true)
			defer st.running.Store(false)
			defer func() {
				if r := recover(); r != nil {
					s.log.WithField("component", c.Name()).
						WithField("stack", string(debug.Stack())).
						Errorf("Component panicked: %v", r)
					err = trace.BadParameter("component %q panicked: %v", c.Name(), r)
				}
				if err != nil {
					wrapped := err
					st.err.Store(&wrapped)
				}
			}()
			s.log.WithField("component", c.Name()).Info("Starting component.")
			err = c.Run(groupCtx)
			if err != nil {
				s.log.WithError(err).WithField("component", c.Name()).Warn("Component exited with error.")
			}
			return trace.Wrap(err)
		})
	}

	return group.Wait()
}

// Shutdown cancels the root context started by Run and waits up to
// ShutdownGrace for every component to exit before returning.
func (s *Supervisor) Shutdown(ctx context.Context) {
	if s.cancel == nil {
		return
	}
	s.cancel()

	grace := s.cfg.ShutdownGrace
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		s.log.Warn("Shutdown grace period elapsed with components still running.")
	case <-ctx.Done():
	}
}

// HealthReport is the health surface's response body.
type HealthReport struct {
	Healthy    bool                     `json:"healthy"`
	Components map[string]ComponentInfo `json:"components"`
}

// ComponentInfo reports a single component's last observed state.
type ComponentInfo struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// Health returns a snapshot of every registered component's status. It is
// safe to call concurrently with Run.
func (s *Supervisor) Health() HealthReport {
	s.mu.Lock()
	components := append([]Component(nil), s.components...)
	s.mu.Unlock()

	report := HealthReport{Healthy: true, Components: make(map[string]ComponentInfo, len(components))}
	for _, c := range components {
		st := s.statuses[c.Name()]
		info := ComponentInfo{Running: st.running.Load()}
		if errPtr := st.err.Load(); errPtr != nil && *errPtr != nil {
			info.Error = (*errPtr).Error()
			report.Healthy = false
		}
		report.Components[c.Name()] = info
	}
	return report
}
