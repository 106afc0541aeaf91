package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/redwood/go/internal/emitter"
	"github.com/mcdev12/redwood/go/internal/eventlog"
	"github.com/mcdev12/redwood/go/internal/hub"
	"github.com/mcdev12/redwood/go/internal/lock"
	"github.com/mcdev12/redwood/go/internal/models"
	"github.com/mcdev12/redwood/go/internal/presence"
	"github.com/mcdev12/redwood/go/internal/readiness"
	"github.com/mcdev12/redwood/go/internal/storage/memory"
)

type testEnv struct {
	manager *Manager
	clock   *clockwork.FakeClock
	log     *eventlog.Log
	hub     *hub.Hub
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := memory.NewStore()
	registry := presence.NewMemoryRegistry()
	l := eventlog.NewLog(store, clock, nil)
	h := hub.New(l, nil)
	emitters := emitter.NewManager(clock, nil)
	t.Cleanup(emitters.Close)

	m := NewManager(Deps{
		Log:      l,
		Hub:      h,
		Registry: registry,
		Gate:     readiness.NewGate(store, lock.NewLocalLocker(), registry, clock, nil),
		Emitters: emitters,
		Roster:   StaticRoster{"app/1": {"A", "B"}},
	})
	t.Cleanup(m.Close)
	return &testEnv{manager: m, clock: clock, log: l, hub: h}
}

func (e *testEnv) open(t *testing.T, caps Capabilities) *Group {
	t.Helper()
	if err := e.manager.RegisterApp("app", caps); err != nil {
		t.Fatalf("RegisterApp: %v", err)
	}
	g, err := e.manager.Open("app", "1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return g
}

func (e *testEnv) attach(t *testing.T, g *Group, id string) *socket {
	t.Helper()
	s := &socket{id: id, frames: make(chan []byte, 64)}
	if err := e.hub.Attach(context.Background(), g.ID(), s); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	s.next(t, models.ChannelReplay)
	return s
}

func (e *testEnv) waitTimers(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d timers: %v", n, err)
	}
}

func (e *testEnv) count(t *testing.T, channel string) int {
	t.Helper()
	events, err := e.log.History(context.Background(), "app/1", &channel)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return len(events)
}

type socket struct {
	id     string
	frames chan []byte
}

func (s *socket) ID() string            { return s.id }
func (s *socket) ParticipantID() string { return s.id }
func (s *socket) Deliver(frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

// next returns the payload of the next frame on channel, skipping others.
func (s *socket) next(t *testing.T, channel string) json.RawMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case frame := <-s.frames:
			var msg models.Message
			if err := json.Unmarshal(frame, &msg); err != nil {
				t.Fatalf("bad frame: %v", err)
			}
			if msg.Channel == channel {
				return msg.Payload
			}
		case <-timeout:
			t.Fatalf("%s: no %s frame", s.id, channel)
		}
	}
}

// drain returns the channels of every queued frame.
func (s *socket) drain() []string {
	var out []string
	for {
		select {
		case frame := <-s.frames:
			var msg models.Message
			json.Unmarshal(frame, &msg)
			out = append(out, msg.Channel)
		default:
			return out
		}
	}
}

func countOf(channels []string, channel string) int {
	n := 0
	for _, c := range channels {
		if c == channel {
			n++
		}
	}
	return n
}

func decide(t *testing.T, g *Group, participant, value string) {
	t.Helper()
	msg := models.Message{Channel: models.ChannelDecisions, Payload: json.RawMessage(value)}
	if err := g.OnMessage(context.Background(), participant, msg, nil); err != nil {
		t.Fatalf("OnMessage(%s, %s): %v", participant, value, err)
	}
}

func assertJSON(t *testing.T, got json.RawMessage, want string) {
	t.Helper()
	var a, b any
	if err := json.Unmarshal(got, &a); err != nil {
		t.Fatalf("unmarshal %s: %v", got, err)
	}
	json.Unmarshal([]byte(want), &b)
	ga, _ := json.Marshal(a)
	gb, _ := json.Marshal(b)
	if string(ga) != string(gb) {
		t.Fatalf("payload = %s, want %s", ga, gb)
	}
}

func TestTwoPlayerQuorum(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	var readyCalls atomic.Int32
	g := env.open(t, Capabilities{
		PeriodLength: time.Minute,
		WhenAllPlayersReady: func(context.Context, *Group) error {
			readyCalls.Add(1)
			return nil
		},
	})
	a := env.attach(t, g, "A")
	b := env.attach(t, g, "B")

	if err := g.OnConnect(ctx, "A"); err != nil {
		t.Fatalf("OnConnect(A): %v", err)
	}
	if readyCalls.Load() != 0 || g.Started() {
		t.Fatal("period started with one of two participants")
	}

	if err := g.OnConnect(ctx, "B"); err != nil {
		t.Fatalf("OnConnect(B): %v", err)
	}
	if readyCalls.Load() != 1 {
		t.Fatalf("ready callback ran %d times, want 1", readyCalls.Load())
	}
	assertJSON(t, a.next(t, models.ChannelState), `"period_start"`)
	assertJSON(t, b.next(t, models.ChannelState), `"period_start"`)

	if err := g.OnDisconnect(ctx, "A"); err != nil {
		t.Fatalf("OnDisconnect: %v", err)
	}
	if err := g.OnConnect(ctx, "A"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if readyCalls.Load() != 1 {
		t.Fatalf("ready callback re-ran on reconnect")
	}
	if n := env.count(t, models.ChannelState); n != 1 {
		t.Fatalf("state events = %d, want 1", n)
	}

	env.waitTimers(t, 1)
	env.clock.Advance(time.Minute)
	assertJSON(t, a.next(t, models.ChannelState), `"period_end"`)
	assertJSON(t, b.next(t, models.ChannelState), `"period_end"`)
	if !g.Ended() {
		t.Fatal("group not ended")
	}
}

func TestReadyCallbackFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	boom := errors.New("boom")
	var fail atomic.Bool
	fail.Store(true)
	g := env.open(t, Capabilities{
		WhenAllPlayersReady: func(context.Context, *Group) error {
			if fail.Load() {
				return boom
			}
			return nil
		},
	})

	g.OnConnect(ctx, "A")
	if err := g.OnConnect(ctx, "B"); !errors.Is(err, boom) {
		t.Fatalf("OnConnect error = %v, want boom", err)
	}
	if g.Started() || env.count(t, models.ChannelState) != 0 {
		t.Fatal("period started despite callback failure")
	}

	fail.Store(false)
	g.OnDisconnect(ctx, "B")
	if err := g.OnConnect(ctx, "B"); err != nil {
		t.Fatalf("retry OnConnect: %v", err)
	}
	if !g.Started() || env.count(t, models.ChannelState) != 1 {
		t.Fatal("period did not start on retry")
	}
}

func TestDecisionAggregation(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	initial, err := ConstantDecision(0.5)
	if err != nil {
		t.Fatal(err)
	}
	g := env.open(t, Capabilities{InitialDecision: initial})
	a := env.attach(t, g, "A")
	b := env.attach(t, g, "B")

	g.OnConnect(ctx, "A")
	g.OnConnect(ctx, "B")
	assertJSON(t, a.next(t, models.ChannelGroupDecisions), `{"A":0.5,"B":0.5}`)
	b.next(t, models.ChannelGroupDecisions)

	decide(t, g, "A", `0.8`)
	assertJSON(t, a.next(t, models.ChannelGroupDecisions), `{"A":0.8,"B":0.5}`)
	assertJSON(t, b.next(t, models.ChannelGroupDecisions), `{"A":0.8,"B":0.5}`)

	decide(t, g, "B", `0.3`)
	assertJSON(t, a.next(t, models.ChannelGroupDecisions), `{"A":0.8,"B":0.3}`)
	assertJSON(t, b.next(t, models.ChannelGroupDecisions), `{"A":0.8,"B":0.3}`)

	if n := env.count(t, models.ChannelDecisions); n != 2 {
		t.Fatalf("decision events = %d, want 2", n)
	}
}

func TestStaleDecisionIgnored(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	initial, _ := ConstantDecision(0)
	g := env.open(t, Capabilities{InitialDecision: initial})
	g.OnConnect(ctx, "A")
	g.OnConnect(ctx, "B")

	a := "A"
	at := env.clock.Now()
	newer := models.Event{GroupID: g.ID(), Channel: models.ChannelDecisions, ParticipantID: &a, Timestamp: at, Sequence: 5, Payload: json.RawMessage(`0.9`)}
	older := models.Event{GroupID: g.ID(), Channel: models.ChannelDecisions, ParticipantID: &a, Timestamp: at, Sequence: 4, Payload: json.RawMessage(`0.1`)}
	earlier := models.Event{GroupID: g.ID(), Channel: models.ChannelDecisions, ParticipantID: &a, Timestamp: at.Add(-time.Second), Sequence: 9, Payload: json.RawMessage(`0.2`)}

	for _, evt := range []models.Event{newer, older, earlier} {
		if err := g.onDecision(ctx, evt); err != nil {
			t.Fatalf("onDecision(seq %d): %v", evt.Sequence, err)
		}
	}
	if got := g.Decisions(); string(got["A"]) != "0.9" {
		t.Fatalf("A = %s, want 0.9 from the newest event", got["A"])
	}

	later := newer
	later.Sequence = 6
	later.Payload = json.RawMessage(`0.7`)
	g.onDecision(ctx, later)
	if got := g.Decisions(); string(got["A"]) != "0.7" {
		t.Fatalf("A = %s, want 0.7", got["A"])
	}
}

func TestDecisionBeforeReadyIsNotAggregated(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	initial, _ := ConstantDecision(0)
	g := env.open(t, Capabilities{InitialDecision: initial})
	g.OnConnect(ctx, "A")

	decide(t, g, "A", `0.9`)
	if n := env.count(t, models.ChannelDecisions); n != 1 {
		t.Fatalf("decision events = %d, want 1", n)
	}
	if n := env.count(t, models.ChannelGroupDecisions); n != 0 {
		t.Fatalf("group_decisions events = %d, want 0", n)
	}
	if len(g.Decisions()) != 0 {
		t.Fatalf("aggregate = %v, want empty", g.Decisions())
	}

	g.OnConnect(ctx, "B")
	if got := g.Decisions(); string(got["A"]) != "0" {
		t.Fatalf("seeded A = %s, want 0", got["A"])
	}
}

func TestRateLimitedDecisions(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	initial, _ := ConstantDecision(0)
	g := env.open(t, Capabilities{
		PeriodLength:    10 * time.Second,
		RateLimit:       2 * time.Second,
		InitialDecision: initial,
	})
	a := env.attach(t, g, "A")

	g.OnConnect(ctx, "A")
	g.OnConnect(ctx, "B")
	env.waitTimers(t, 2)
	a.drain()

	decide(t, g, "A", `0.1`)
	decide(t, g, "B", `0.2`)
	decide(t, g, "A", `0.3`)

	channels := a.drain()
	if countOf(channels, models.ChannelDecisions) != 3 || countOf(channels, models.ChannelGroupDecisions) != 0 {
		t.Fatalf("frames before tick = %v", channels)
	}

	env.clock.Advance(2 * time.Second)
	assertJSON(t, a.next(t, models.ChannelGroupDecisions), `{"A":0.3,"B":0.2}`)

	// Nothing changed: the next tick stays silent.
	env.waitTimers(t, 2)
	env.clock.Advance(2 * time.Second)
	env.waitTimers(t, 2)
	if got := countOf(a.drain(), models.ChannelGroupDecisions); got != 0 {
		t.Fatalf("unchanged tick broadcast %d snapshots", got)
	}
}

func TestSubperiodSnapshots(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	initial, _ := ConstantDecision(0)
	g := env.open(t, Capabilities{
		PeriodLength:    3 * time.Second,
		NumSubperiods:   3,
		InitialDecision: initial,
	})
	a := env.attach(t, g, "A")

	g.OnConnect(ctx, "A")
	g.OnConnect(ctx, "B")
	env.waitTimers(t, 2)
	a.drain()

	decide(t, g, "A", `1`)
	if got := countOf(a.drain(), models.ChannelGroupDecisions); got != 0 {
		t.Fatalf("immediate broadcast in sub-period mode: %d", got)
	}

	for i := 0; i < 2; i++ {
		env.clock.Advance(time.Second)
		assertJSON(t, a.next(t, models.ChannelGroupDecisions), `{"A":1,"B":0}`)
		env.waitTimers(t, 2)
	}
	env.clock.Advance(time.Second)
	assertJSON(t, a.next(t, models.ChannelState), `"period_end"`)

	if n := env.count(t, models.ChannelSubperiod); n != 3 {
		t.Fatalf("sub-period snapshots = %d, want 3", n)
	}
	channel := models.ChannelSubperiod
	latest, _ := env.log.LatestOnChannel(ctx, "app/1", channel)
	assertJSON(t, latest.Payload, `{"subperiod":3,"decisions":{"A":1,"B":0}}`)
}

func TestConflictingCadenceRejected(t *testing.T) {
	env := newEnv(t)
	initial, _ := ConstantDecision(0)
	err := env.manager.RegisterApp("bad", Capabilities{
		PeriodLength:    time.Minute,
		NumSubperiods:   4,
		RateLimit:       time.Second,
		InitialDecision: initial,
	})
	if !errors.Is(err, models.ErrConflictingCadence) || !errors.Is(err, models.ErrConfiguration) {
		t.Fatalf("RegisterApp error = %v, want ErrConflictingCadence", err)
	}
	if _, err := env.manager.Open("bad", "1"); !errors.Is(err, models.ErrUnknownApp) {
		t.Fatalf("Open error = %v, want ErrUnknownApp", err)
	}
}

func TestCapabilitiesValidate(t *testing.T) {
	initial, _ := ConstantDecision(0)
	tests := []struct {
		name    string
		caps    Capabilities
		wantErr error
	}{
		{"empty", Capabilities{}, nil},
		{"period only", Capabilities{PeriodLength: time.Minute}, nil},
		{"subperiods without period", Capabilities{NumSubperiods: 2, InitialDecision: initial}, models.ErrConfiguration},
		{"rate limit without decisions", Capabilities{PeriodLength: time.Minute, RateLimit: time.Second}, models.ErrConfiguration},
		{"rate limit longer than period", Capabilities{PeriodLength: time.Second, RateLimit: time.Minute, InitialDecision: initial}, models.ErrConfiguration},
		{"negative period", Capabilities{PeriodLength: -time.Second}, models.ErrConfiguration},
		{"reserved handler", Capabilities{Handlers: map[string]func(context.Context, *Group, models.Event) error{"echo": nil}}, models.ErrConfiguration},
		{"server channel handler", Capabilities{Handlers: map[string]func(context.Context, *Group, models.Event) error{"state": nil}}, models.ErrConfiguration},
		{"decisions handler with aggregation", Capabilities{
			InitialDecision: initial,
			Handlers:        map[string]func(context.Context, *Group, models.Event) error{"decisions": nil},
		}, models.ErrHandlerExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.caps.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDisconnectCallback(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	var left []string
	g := env.open(t, Capabilities{
		WhenPlayerDisconnects: func(_ context.Context, _ *Group, participantID string) error {
			left = append(left, participantID)
			return nil
		},
	})

	g.OnConnect(ctx, "A")
	if err := g.OnDisconnect(ctx, "A"); err != nil {
		t.Fatalf("OnDisconnect: %v", err)
	}
	if err := g.OnDisconnect(ctx, "A"); err != nil {
		t.Fatalf("stale OnDisconnect: %v", err)
	}
	if len(left) != 1 || left[0] != "A" {
		t.Fatalf("disconnect callbacks = %v, want [A]", left)
	}
}

func TestCustomHandlerAndSend(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	g := env.open(t, Capabilities{
		Handlers: map[string]func(context.Context, *Group, models.Event) error{
			"chat": func(ctx context.Context, g *Group, evt models.Event) error {
				return g.Send(ctx, "chat_ack", map[string]string{"from": *evt.ParticipantID})
			},
		},
	})
	a := env.attach(t, g, "A")

	if err := g.OnMessage(ctx, "A", models.Message{Channel: "chat", Payload: json.RawMessage(`"hi"`)}, nil); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	assertJSON(t, a.next(t, "chat"), `"hi"`)
	assertJSON(t, a.next(t, "chat_ack"), `{"from":"A"}`)
}

func TestOpenReturnsSameGroupUntilReleased(t *testing.T) {
	env := newEnv(t)
	g := env.open(t, Capabilities{})

	again, err := env.manager.Open("app", "1")
	if err != nil || again != g {
		t.Fatalf("Open returned %p, %v; want %p", again, err, g)
	}

	env.manager.Release(g.ID())
	fresh, err := env.manager.Open("app", "1")
	if err != nil || fresh == g {
		t.Fatalf("Open after Release returned %p, %v", fresh, err)
	}
}

func TestPeriodEndNotifiesAndGroupCanBeReleased(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	ended := make(chan string, 1)
	env.manager.OnPeriodEnd(func(groupID string) {
		if g, ok := env.manager.Lookup(groupID); ok && g.Ended() {
			env.manager.Release(groupID)
		}
		ended <- groupID
	})

	g := env.open(t, Capabilities{PeriodLength: 5 * time.Second})
	g.OnConnect(ctx, "A")
	g.OnConnect(ctx, "B")

	stats, err := g.Stats(ctx)
	if err != nil || !stats.Ready || !stats.Started {
		t.Fatalf("Stats = %+v, %v; want started and ready", stats, err)
	}

	env.waitTimers(t, 1)
	env.clock.Advance(5 * time.Second)

	select {
	case id := <-ended:
		if id != g.ID() {
			t.Fatalf("period end reported for %q, want %q", id, g.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("period end hook not called")
	}
	if _, ok := env.manager.Lookup(g.ID()); ok {
		t.Fatal("group still live after period end release")
	}
	if n := env.count(t, models.ChannelState); n != 2 {
		t.Fatalf("state events = %d, want period_start and period_end", n)
	}
}
