package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/redwood/go/internal/emitter"
	"github.com/mcdev12/redwood/go/internal/eventlog"
	"github.com/mcdev12/redwood/go/internal/hub"
	"github.com/mcdev12/redwood/go/internal/metrics"
	"github.com/mcdev12/redwood/go/internal/models"
	"github.com/mcdev12/redwood/go/internal/presence"
	"github.com/mcdev12/redwood/go/internal/readiness"
)

// Deps are the process-wide components shared by every group.
type Deps struct {
	Log      *eventlog.Log
	Hub      *hub.Hub
	Registry presence.Registry
	Gate     *readiness.Gate
	Emitters *emitter.Manager
	Roster   Roster
	Metrics  metrics.Collector
}

// Manager creates and tracks the groups of registered apps.
type Manager struct {
	deps Deps

	mu          sync.Mutex
	apps        map[string]Capabilities
	groups      map[string]*Group
	periodEnded []func(groupID string)
}

func NewManager(deps Deps) *Manager {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoOpCollector{}
	}
	return &Manager{
		deps:   deps,
		apps:   make(map[string]Capabilities),
		groups: make(map[string]*Group),
	}
}

// GroupID builds the identifier of a group within an app.
func GroupID(app, group string) string {
	return app + "/" + group
}

// RegisterApp validates caps and makes the app available to Open.
func (m *Manager) RegisterApp(name string, caps Capabilities) error {
	if err := caps.Validate(); err != nil {
		return fmt.Errorf("app %s: %w", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[name] = caps
	log.Info().
		Str("app", name).
		Dur("period_length", caps.PeriodLength).
		Int("num_subperiods", caps.NumSubperiods).
		Dur("rate_limit", caps.RateLimit).
		Msg("app registered")
	return nil
}

// OnPeriodEnd registers fn to run after a group has published period_end.
// fn runs on the timer goroutine and may call Release.
func (m *Manager) OnPeriodEnd(fn func(groupID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periodEnded = append(m.periodEnded, fn)
}

func (m *Manager) notifyPeriodEnd(groupID string) {
	m.mu.Lock()
	hooks := append([]func(string){}, m.periodEnded...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(groupID)
	}
}

// HasApp reports whether the app is registered.
func (m *Manager) HasApp(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.apps[name]
	return ok
}

// Open returns the live group, creating it on first use.
func (m *Manager) Open(app, group string) (*Group, error) {
	id := GroupID(app, group)

	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.groups[id]; ok {
		return g, nil
	}
	caps, ok := m.apps[app]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownApp, app)
	}

	g := newGroup(id, app, caps, &m.deps, m.notifyPeriodEnd)
	if err := g.subscribe(); err != nil {
		g.close()
		return nil, err
	}
	m.groups[id] = g
	log.Debug().Str("group_id", id).Msg("group opened")
	return g, nil
}

// Lookup returns a live group without creating it.
func (m *Manager) Lookup(groupID string) (*Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	return g, ok
}

// Release tears down a group's handlers and timers.
func (m *Manager) Release(groupID string) {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	delete(m.groups, groupID)
	m.mu.Unlock()

	if ok {
		g.close()
		log.Debug().Str("group_id", groupID).Msg("group released")
	}
}

// Close releases every group.
func (m *Manager) Close() {
	m.mu.Lock()
	groups := m.groups
	m.groups = make(map[string]*Group)
	m.mu.Unlock()

	for _, g := range groups {
		g.close()
	}
}

// Stats summarizes live groups for the debug endpoint.
func (m *Manager) Stats(ctx context.Context) ([]GroupStats, error) {
	m.mu.Lock()
	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	out := make([]GroupStats, 0, len(groups))
	for _, g := range groups {
		s, err := g.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}
