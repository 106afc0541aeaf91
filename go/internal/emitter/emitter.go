package emitter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/redwood/go/internal/metrics"
	"github.com/mcdev12/redwood/go/internal/models"
)

// ErrClosed is returned by Start once Close has been called.
var ErrClosed = errors.New("emitter manager closed")

// Key identifies a timer. A group may run one timer per Kind at a time, e.g.
// its period-end timer next to its sub-period emitter.
type Key struct {
	GroupID string
	Kind    string
}

func (k Key) String() string {
	return k.GroupID + "/" + k.Kind
}

// TickFunc is invoked for each tick. tick counts from 0 to totalTicks-1.
type TickFunc func(ctx context.Context, tick, totalTicks int)

// Status describes a running timer.
type Status struct {
	Key        Key       `json:"key"`
	Interval   string    `json:"interval"`
	Tick       int       `json:"tick"`
	TotalTicks int       `json:"total_ticks"`
	StartedAt  time.Time `json:"started_at"`
}

// Manager owns every live timer of the process. Ticks are scheduled against
// the start time rather than chained from the previous tick, so callback
// latency does not accumulate.
type Manager struct {
	clock   clockwork.Clock
	metrics metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[Key]*emitter
}

type emitter struct {
	key        Key
	interval   time.Duration
	totalTicks int
	start      time.Time
	fn         TickFunc

	done     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	tick int
}

func (e *emitter) stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

func (e *emitter) stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// NewManager creates a Manager. Tick callbacks receive a context that is
// cancelled by Close.
func NewManager(clock clockwork.Clock, mc metrics.Collector) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if mc == nil {
		mc = metrics.NoOpCollector{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		clock:   clock,
		metrics: mc,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[Key]*emitter),
	}
}

// Start fires fn every interval until duration has elapsed, i.e.
// ceil(duration/interval) times. Starting a key that already has a live timer
// returns models.ErrEmitterActive; Stop it first.
func (m *Manager) Start(key Key, interval, duration time.Duration, fn TickFunc) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", models.ErrConfiguration, interval)
	}
	if duration < interval {
		return fmt.Errorf("%w: duration %s shorter than interval %s", models.ErrConfiguration, duration, interval)
	}
	e := &emitter{
		key:        key,
		interval:   interval,
		totalTicks: int((duration + interval - 1) / interval),
		fn:         fn,
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	// Checked under mu so Close cannot slip between the check and wg.Add.
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, exists := m.active[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrEmitterActive, key)
	}
	e.start = m.clock.Now()
	m.active[key] = e
	m.wg.Add(1)
	m.mu.Unlock()

	log.Debug().
		Str("group_id", key.GroupID).
		Str("kind", key.Kind).
		Dur("interval", interval).
		Int("total_ticks", e.totalTicks).
		Msg("emitter started")

	go m.run(e)
	return nil
}

// After runs fn once when d has elapsed. It is a one-tick emitter.
func (m *Manager) After(key Key, d time.Duration, fn func(ctx context.Context)) error {
	return m.Start(key, d, d, func(ctx context.Context, _, _ int) { fn(ctx) })
}

func (m *Manager) run(e *emitter) {
	defer m.wg.Done()
	defer m.remove(e)

	for n := 1; n <= e.totalTicks; n++ {
		wait := e.start.Add(time.Duration(n) * e.interval).Sub(m.clock.Now())
		if wait < 0 {
			wait = 0
		}
		timer := m.clock.NewTimer(wait)

		select {
		case <-timer.Chan():
		case <-e.done:
			stopAndDrainTimer(timer)
			return
		case <-m.ctx.Done():
			stopAndDrainTimer(timer)
			return
		}

		// Stop may have raced with the timer firing.
		if e.stopped() || m.ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		e.tick = n
		e.mu.Unlock()

		m.metrics.RecordTick(e.key.Kind)
		e.fn(m.ctx, n-1, e.totalTicks)
	}

	log.Debug().Str("group_id", e.key.GroupID).Str("kind", e.key.Kind).Msg("emitter finished")
}

// Stop cancels the timer for key. No tick is dispatched after Stop returns,
// though a tick already running may complete. Returns false if nothing was
// active.
func (m *Manager) Stop(key Key) bool {
	m.mu.Lock()
	e, ok := m.active[key]
	if ok {
		delete(m.active, key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	e.stop()
	log.Debug().Str("group_id", key.GroupID).Str("kind", key.Kind).Msg("emitter stopped")
	return true
}

// StopGroup stops every timer of the group.
func (m *Manager) StopGroup(groupID string) {
	m.mu.Lock()
	var stopped []*emitter
	for k, e := range m.active {
		if k.GroupID == groupID {
			delete(m.active, k)
			stopped = append(stopped, e)
		}
	}
	m.mu.Unlock()

	for _, e := range stopped {
		e.stop()
	}
}

// StopAll stops every timer.
func (m *Manager) StopAll() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[Key]*emitter)
	m.mu.Unlock()

	for _, e := range active {
		e.stop()
	}
}

// Close stops every timer, cancels callback contexts and waits for the timer
// goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.StopAll()
	m.wg.Wait()
}

// Active reports whether key has a live timer.
func (m *Manager) Active(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[key]
	return ok
}

// Stats lists running timers ordered by key.
func (m *Manager) Stats() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.active))
	for _, e := range m.active {
		e.mu.Lock()
		out = append(out, Status{
			Key:        e.key,
			Interval:   e.interval.String(),
			Tick:       e.tick,
			TotalTicks: e.totalTicks,
			StartedAt:  e.start,
		})
		e.mu.Unlock()
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// remove drops e from the active set unless it was already replaced.
func (m *Manager) remove(e *emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[e.key] == e {
		delete(m.active, e.key)
	}
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
