package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mcdev12/redwood/go/internal/emitter"
	"github.com/mcdev12/redwood/go/internal/eventlog"
	"github.com/mcdev12/redwood/go/internal/hub"
	"github.com/mcdev12/redwood/go/internal/lock"
	"github.com/mcdev12/redwood/go/internal/models"
	"github.com/mcdev12/redwood/go/internal/presence"
	"github.com/mcdev12/redwood/go/internal/readiness"
	"github.com/mcdev12/redwood/go/internal/session"
	"github.com/mcdev12/redwood/go/internal/storage/memory"
)

func newTestServer(t *testing.T, caps session.Capabilities) (*httptest.Server, *Service) {
	t.Helper()

	store := memory.NewStore()
	registry := presence.NewMemoryRegistry()
	l := eventlog.NewLog(store, nil, nil)
	h := hub.New(l, nil)
	emitters := emitter.NewManager(nil, nil)
	t.Cleanup(emitters.Close)
	roster := session.StaticRoster{"app/1": {"A", "B"}}

	sessions := session.NewManager(session.Deps{
		Log:      l,
		Hub:      h,
		Registry: registry,
		Gate:     readiness.NewGate(store, lock.NewLocalLocker(), registry, nil, nil),
		Emitters: emitters,
		Roster:   roster,
	})
	if err := sessions.RegisterApp("app", caps); err != nil {
		t.Fatalf("RegisterApp: %v", err)
	}

	svc := NewService(DefaultConnectionConfig(), Deps{
		Sessions: sessions,
		Hub:      h,
		Roster:   roster,
		Emitters: emitters,
	})
	r := chi.NewRouter()
	svc.RegisterRoutes(r)
	srv := httptest.NewServer(r)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, svc
}

func wsURL(srv *httptest.Server, app, participant string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/redwood/app/" + app + "/group/1/participant/" + participant
}

func dial(t *testing.T, srv *httptest.Server, participant string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "app", participant), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", participant, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) models.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg models.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func readUntil(t *testing.T, conn *websocket.Conn, channel string) json.RawMessage {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg.Channel == channel {
			return msg.Payload
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, channel, payload string) {
	t.Helper()
	if err := conn.WriteJSON(models.Message{Channel: channel, Payload: json.RawMessage(payload)}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPeriodStartsWhenBothParticipantsConnect(t *testing.T) {
	srv, _ := newTestServer(t, session.Capabilities{})

	a := dial(t, srv, "A")
	if msg := readMessage(t, a); msg.Channel != models.ChannelReplay || string(msg.Payload) != "{}" {
		t.Fatalf("first frame = %+v, want empty replay", msg)
	}

	b := dial(t, srv, "B")
	if got := readUntil(t, a, models.ChannelState); string(got) != `"period_start"` {
		t.Fatalf("A state = %s", got)
	}
	if got := readUntil(t, b, models.ChannelState); string(got) != `"period_start"` {
		t.Fatalf("B state = %s", got)
	}

	// A late reconnect is replayed the current state.
	late := dial(t, srv, "A")
	msg := readMessage(t, late)
	var replay map[string]json.RawMessage
	if err := json.Unmarshal(msg.Payload, &replay); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if string(replay["state"]) != `"period_start"` {
		t.Fatalf("replay = %s", msg.Payload)
	}
}

func TestEchoRepliesToSenderOnly(t *testing.T) {
	srv, _ := newTestServer(t, session.Capabilities{})

	a := dial(t, srv, "A")
	readMessage(t, a)

	send(t, a, "echo", `{"t":1}`)
	msg := readMessage(t, a)
	if msg.Channel != "echo" || string(msg.Payload) != `{"t":1}` {
		t.Fatalf("echo = %+v", msg)
	}
}

func TestDecisionsOverWebSocket(t *testing.T) {
	initial, err := session.ConstantDecision(0)
	if err != nil {
		t.Fatal(err)
	}
	srv, _ := newTestServer(t, session.Capabilities{InitialDecision: initial})

	a := dial(t, srv, "A")
	b := dial(t, srv, "B")
	readUntil(t, a, models.ChannelState)
	readUntil(t, b, models.ChannelState)

	send(t, a, "decisions", `0.8`)
	got := readUntil(t, b, models.ChannelGroupDecisions)
	var decisions map[string]float64
	if err := json.Unmarshal(got, &decisions); err != nil {
		t.Fatalf("group_decisions: %v", err)
	}
	if decisions["A"] != 0.8 || decisions["B"] != 0 {
		t.Fatalf("group_decisions = %s", got)
	}
}

func TestRejectsUnknownParticipantAndApp(t *testing.T) {
	srv, _ := newTestServer(t, session.Capabilities{})

	tests := []struct {
		name        string
		app         string
		participant string
	}{
		{"stranger", "app", "Z"},
		{"unknown app", "nope", "A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.app, tt.participant), nil)
			if err == nil {
				t.Fatal("dial succeeded")
			}
			if resp == nil || resp.StatusCode != http.StatusNotFound {
				t.Fatalf("response = %v, want 404", resp)
			}
		})
	}
}

func TestStatsTrackConnections(t *testing.T) {
	srv, svc := newTestServer(t, session.Capabilities{})

	a := dial(t, srv, "A")
	readMessage(t, a)
	b := dial(t, srv, "B")
	readMessage(t, b)

	waitFor(t, func() bool { return svc.GetStats()["total_connections"] == 2 })

	resp, err := http.Get(srv.URL + "/redwood/debug")
	if err != nil {
		t.Fatalf("GET debug: %v", err)
	}
	defer resp.Body.Close()
	var stats debugStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode debug: %v", err)
	}
	if len(stats.Groups) != 1 || len(stats.Groups[0].Connected) != 2 {
		t.Fatalf("debug groups = %+v", stats.Groups)
	}

	a.Close()
	waitFor(t, func() bool { return svc.GetStats()["total_connections"] == 1 })
}

func TestIdleGroupReleasedAtPeriodEnd(t *testing.T) {
	srv, svc := newTestServer(t, session.Capabilities{PeriodLength: 400 * time.Millisecond})
	sessions := svc.connectionManager.sessions

	a := dial(t, srv, "A")
	b := dial(t, srv, "B")
	readUntil(t, a, models.ChannelState)
	readUntil(t, b, models.ChannelState)

	a.Close()
	b.Close()
	waitFor(t, func() bool { return svc.GetStats()["total_connections"] == 0 })

	waitFor(t, func() bool {
		_, ok := sessions.Lookup("app/1")
		return !ok
	})
}
