package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mcdev12/redwood/go/internal/eventlog"
	"github.com/mcdev12/redwood/go/internal/models"
	"github.com/mcdev12/redwood/go/internal/storage/memory"
)

type fakeSub struct {
	id, participant string
	frames          chan []byte
}

func newFakeSub(id string, buffer int) *fakeSub {
	return &fakeSub{id: id, participant: id, frames: make(chan []byte, buffer)}
}

func (s *fakeSub) ID() string            { return s.id }
func (s *fakeSub) ParticipantID() string { return s.participant }
func (s *fakeSub) Deliver(frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *fakeSub) drain(t *testing.T) []models.Message {
	t.Helper()
	var out []models.Message
	for {
		select {
		case frame := <-s.frames:
			var msg models.Message
			if err := json.Unmarshal(frame, &msg); err != nil {
				t.Fatalf("bad frame %s: %v", frame, err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

type recordingRelay struct {
	events []models.Event
}

func (r *recordingRelay) Forward(_ context.Context, evt models.Event) error {
	r.events = append(r.events, evt)
	return nil
}

func newTestHub(t *testing.T) (*Hub, *eventlog.Log) {
	t.Helper()
	l := eventlog.NewLog(memory.NewStore(), nil, nil)
	return New(l, nil), l
}

func attach(t *testing.T, h *Hub, group string, sub *fakeSub) {
	t.Helper()
	if err := h.Attach(context.Background(), group, sub); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sub.drain(t) // discard replay
}

func TestEchoIsolation(t *testing.T) {
	ctx := context.Background()
	h, l := newTestHub(t)
	a, b := newFakeSub("a", 8), newFakeSub("b", 8)
	attach(t, h, "g", a)
	attach(t, h, "g", b)

	var replies [][]byte
	err := h.OnClientMessage(ctx, "g", "a", models.Message{Channel: "echo", Payload: json.RawMessage(`{"x":1}`)},
		func(frame []byte) bool { replies = append(replies, frame); return true })
	if err != nil {
		t.Fatalf("OnClientMessage: %v", err)
	}

	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	var echoed models.Message
	json.Unmarshal(replies[0], &echoed)
	if echoed.Channel != "echo" || string(echoed.Payload) != `{"x":1}` {
		t.Fatalf("echo = %+v", echoed)
	}
	if got := a.drain(t); len(got) != 0 {
		t.Fatalf("sender received broadcast %v", got)
	}
	if got := b.drain(t); len(got) != 0 {
		t.Fatalf("other subscriber received %v", got)
	}
	events, _ := l.History(ctx, "g", nil)
	if len(events) != 0 {
		t.Fatalf("echo was logged: %v", events)
	}
}

func TestClientMessageIsLoggedBroadcastAndHandled(t *testing.T) {
	ctx := context.Background()
	h, l := newTestHub(t)
	a, b := newFakeSub("a", 8), newFakeSub("b", 8)
	attach(t, h, "g", a)
	attach(t, h, "g", b)

	var handled []models.Event
	if _, err := h.Subscribe("g", "decisions", func(_ context.Context, evt models.Event) error {
		handled = append(handled, evt)
		// Handlers may publish without deadlocking.
		_, err := h.Publish(ctx, "g", "group_decisions", json.RawMessage(`{"a":0.8}`))
		return err
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	err := h.OnClientMessage(ctx, "g", "a", models.Message{Channel: "decisions", Payload: json.RawMessage(`0.8`)}, nil)
	if err != nil {
		t.Fatalf("OnClientMessage: %v", err)
	}

	if len(handled) != 1 || *handled[0].ParticipantID != "a" {
		t.Fatalf("handled = %+v", handled)
	}
	for _, sub := range []*fakeSub{a, b} {
		got := sub.drain(t)
		if len(got) != 2 || got[0].Channel != "decisions" || got[1].Channel != "group_decisions" {
			t.Fatalf("%s received %+v", sub.id, got)
		}
	}
	events, _ := l.History(ctx, "g", nil)
	if len(events) != 2 {
		t.Fatalf("logged %d events, want 2", len(events))
	}
}

func TestHandlerErrorPropagates(t *testing.T) {
	h, _ := newTestHub(t)
	boom := errors.New("boom")
	h.Subscribe("g", "decisions", func(context.Context, models.Event) error { return boom })

	err := h.OnClientMessage(context.Background(), "g", "a", models.Message{Channel: "decisions", Payload: json.RawMessage(`1`)}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
}

func TestSubscribeSingleHandlerPerKey(t *testing.T) {
	h, _ := newTestHub(t)
	noop := func(context.Context, models.Event) error { return nil }

	first, err := h.Subscribe("g", "decisions", noop)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := h.Subscribe("g", "decisions", noop); !errors.Is(err, models.ErrHandlerExists) {
		t.Fatalf("duplicate Subscribe error = %v, want ErrHandlerExists", err)
	}

	h.Unsubscribe(first)
	h.Unsubscribe(first)

	second, err := h.Subscribe("g", "decisions", noop)
	if err != nil {
		t.Fatalf("Subscribe after Unsubscribe: %v", err)
	}
	// A stale handle must not remove the newer registration.
	h.Unsubscribe(first)
	if _, err := h.Subscribe("g", "decisions", noop); !errors.Is(err, models.ErrHandlerExists) {
		t.Fatal("stale Unsubscribe removed the current handler")
	}
	h.Unsubscribe(second)
}

func TestPublishSkipsSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t)
	slow, fast := newFakeSub("slow", 1), newFakeSub("fast", 8)
	attach(t, h, "g", slow)
	attach(t, h, "g", fast)
	relay := &recordingRelay{}
	h.SetRelay(relay)

	for i := 0; i < 3; i++ {
		if _, err := h.Publish(ctx, "g", "state", json.RawMessage(`"tick"`)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if got := len(slow.drain(t)); got != 1 {
		t.Fatalf("slow got %d frames, want 1", got)
	}
	if got := len(fast.drain(t)); got != 3 {
		t.Fatalf("fast got %d frames, want 3", got)
	}
	if len(relay.events) != 3 {
		t.Fatalf("relayed %d events, want 3", len(relay.events))
	}
}

func TestAttachSendsReplay(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t)
	h.Publish(ctx, "g", "state", json.RawMessage(`"period_start"`))
	h.Publish(ctx, "g", "group_decisions", json.RawMessage(`{"a":0.1}`))
	h.Publish(ctx, "g", "group_decisions", json.RawMessage(`{"a":0.2}`))

	sub := newFakeSub("late", 8)
	if err := h.Attach(ctx, "g", sub); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	frames := sub.drain(t)
	if len(frames) != 1 || frames[0].Channel != models.ChannelReplay {
		t.Fatalf("frames = %+v, want one replay frame", frames)
	}
	var replay map[string]json.RawMessage
	if err := json.Unmarshal(frames[0].Payload, &replay); err != nil {
		t.Fatalf("replay payload: %v", err)
	}
	if string(replay["state"]) != `"period_start"` || string(replay["group_decisions"]) != `{"a":0.2}` {
		t.Fatalf("replay = %s", frames[0].Payload)
	}
}

func TestDetachAndDeliverRemote(t *testing.T) {
	ctx := context.Background()
	h, l := newTestHub(t)
	sub := newFakeSub("a", 8)
	attach(t, h, "g", sub)

	h.DeliverRemote("g", models.Message{Channel: "state", Payload: json.RawMessage(`"x"`)})
	if got := sub.drain(t); len(got) != 1 {
		t.Fatalf("remote frames = %d, want 1", len(got))
	}
	if events, _ := l.History(ctx, "g", nil); len(events) != 0 {
		t.Fatal("remote delivery must not be logged")
	}

	h.Detach("g", sub)
	h.Detach("g", sub)
	if h.SubscriberCount("g") != 0 {
		t.Fatal("subscriber still attached")
	}
	h.Publish(ctx, "g", "state", json.RawMessage(`"y"`))
	if got := sub.drain(t); len(got) != 0 {
		t.Fatalf("detached subscriber received %v", got)
	}
}

func TestClientMessageIsRelayed(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t)
	relay := &recordingRelay{}
	h.SetRelay(relay)

	err := h.OnClientMessage(ctx, "g", "A", models.Message{Channel: "decisions", Payload: json.RawMessage(`0.8`)}, nil)
	if err != nil {
		t.Fatalf("OnClientMessage: %v", err)
	}
	if len(relay.events) != 1 {
		t.Fatalf("relayed %d events, want 1", len(relay.events))
	}
	evt := relay.events[0]
	if evt.Channel != "decisions" || *evt.ParticipantID != "A" || string(evt.Payload) != "0.8" {
		t.Fatalf("relayed event = %+v", evt)
	}

	// Echo stays with the sender.
	h.OnClientMessage(ctx, "g", "A", models.Message{Channel: "echo", Payload: json.RawMessage(`1`)}, nil)
	if len(relay.events) != 1 {
		t.Fatalf("echo was relayed")
	}
}

func TestClientMessageOnServerChannelRejected(t *testing.T) {
	ctx := context.Background()
	h, l := newTestHub(t)
	sub := newFakeSub("b", 8)
	attach(t, h, "g", sub)

	channels := []string{
		models.ChannelReplay,
		models.ChannelState,
		models.ChannelGroupDecisions,
		models.ChannelSubperiod,
	}
	for _, channel := range channels {
		t.Run(channel, func(t *testing.T) {
			err := h.OnClientMessage(ctx, "g", "A", models.Message{Channel: channel, Payload: json.RawMessage(`"period_end"`)}, nil)
			if !errors.Is(err, models.ErrReservedChannel) {
				t.Fatalf("error = %v, want ErrReservedChannel", err)
			}
		})
	}

	if got := sub.drain(t); len(got) != 0 {
		t.Fatalf("rejected frames were broadcast: %+v", got)
	}
	if events, _ := l.History(ctx, "g", nil); len(events) != 0 {
		t.Fatalf("rejected frames were logged: %+v", events)
	}
	replay, err := h.Replay(ctx, "g")
	if err != nil || len(replay) != 0 {
		t.Fatalf("Replay = %v, %v; want empty", replay, err)
	}
}
