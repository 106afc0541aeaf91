package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/redwood/go/internal/eventlog"
	"github.com/mcdev12/redwood/go/internal/metrics"
	"github.com/mcdev12/redwood/go/internal/models"
)

// Subscriber is a live socket attached to a group.
type Subscriber interface {
	ID() string
	ParticipantID() string
	// Deliver queues a frame without blocking and reports whether it was
	// accepted.
	Deliver(frame []byte) bool
}

// Handler reacts to a client event appended on its channel.
type Handler func(ctx context.Context, evt models.Event) error

// Relay forwards published events to other processes.
type Relay interface {
	Forward(ctx context.Context, evt models.Event) error
}

// Handle identifies a handler registration.
type Handle struct {
	GroupID string
	Channel string
	id      uint64
}

type handlerKey struct {
	groupID string
	channel string
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

const orderShards = 64

// Hub routes events between the log, channel handlers and attached sockets.
type Hub struct {
	log     *eventlog.Log
	relay   Relay
	metrics metrics.Collector

	mu          sync.RWMutex
	handlers    map[handlerKey]handlerEntry
	subscribers map[string]map[string]Subscriber
	nextID      uint64

	// order serializes append+fan-out per group so sockets see events in log
	// order. Groups hash onto a fixed set of shards.
	order [orderShards]sync.Mutex
}

func New(l *eventlog.Log, mc metrics.Collector) *Hub {
	if mc == nil {
		mc = metrics.NoOpCollector{}
	}
	return &Hub{
		log:         l,
		metrics:     mc,
		handlers:    make(map[handlerKey]handlerEntry),
		subscribers: make(map[string]map[string]Subscriber),
	}
}

// SetRelay enables cross-process forwarding of published events.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = r
}

func (h *Hub) orderLock(groupID string) *sync.Mutex {
	f := fnv.New32a()
	f.Write([]byte(groupID))
	return &h.order[f.Sum32()%orderShards]
}

// Subscribe registers the handler for client events on (groupID, channel).
// Only one handler may be registered per key.
func (h *Hub) Subscribe(groupID, channel string, handler Handler) (Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := handlerKey{groupID, channel}
	if _, exists := h.handlers[key]; exists {
		return Handle{}, fmt.Errorf("%w: %s/%s", models.ErrHandlerExists, groupID, channel)
	}
	h.nextID++
	h.handlers[key] = handlerEntry{id: h.nextID, handler: handler}
	return Handle{GroupID: groupID, Channel: channel, id: h.nextID}, nil
}

// Unsubscribe removes a registration. Removing a stale handle is a no-op.
func (h *Hub) Unsubscribe(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := handlerKey{handle.GroupID, handle.Channel}
	if entry, ok := h.handlers[key]; ok && entry.id == handle.id {
		delete(h.handlers, key)
	}
}

// Attach adds sub to the group's fan-out set and sends it a replay frame
// mapping each channel to its latest payload. Both happen under the group's
// ordering lock so no event falls between the replay and live delivery.
func (h *Hub) Attach(ctx context.Context, groupID string, sub Subscriber) error {
	mu := h.orderLock(groupID)
	mu.Lock()
	defer mu.Unlock()

	replay, err := h.Replay(ctx, groupID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(replay)
	if err != nil {
		return fmt.Errorf("marshal replay: %w", err)
	}
	frame, err := models.Message{Channel: models.ChannelReplay, Payload: payload}.Encode()
	if err != nil {
		return fmt.Errorf("encode replay: %w", err)
	}

	h.mu.Lock()
	subs, ok := h.subscribers[groupID]
	if !ok {
		subs = make(map[string]Subscriber)
		h.subscribers[groupID] = subs
	}
	subs[sub.ID()] = sub
	h.mu.Unlock()

	if !sub.Deliver(frame) {
		log.Warn().Str("group_id", groupID).Str("subscriber", sub.ID()).Msg("replay frame dropped")
	}
	return nil
}

// Detach removes sub from the group's fan-out set.
func (h *Hub) Detach(groupID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[groupID]
	if !ok {
		return
	}
	delete(subs, sub.ID())
	if len(subs) == 0 {
		delete(h.subscribers, groupID)
	}
}

// SubscriberCount returns the number of sockets attached to the group.
func (h *Hub) SubscriberCount(groupID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[groupID])
}

// Publish appends a server-originated event and pushes it to every socket of
// the group, then to the relay. Delivery to a slow socket never blocks the
// others.
func (h *Hub) Publish(ctx context.Context, groupID, channel string, payload json.RawMessage) (models.Event, error) {
	mu := h.orderLock(groupID)
	mu.Lock()
	evt, err := h.log.Append(ctx, groupID, channel, nil, payload)
	if err != nil {
		mu.Unlock()
		return models.Event{}, err
	}
	h.fanout(groupID, evt.Message())
	mu.Unlock()

	h.forward(ctx, evt)
	return evt, nil
}

// forward hands evt to the relay, if one is set. Relay failures only cost
// remote delivery, so they are logged.
func (h *Hub) forward(ctx context.Context, evt models.Event) {
	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return
	}
	if err := relay.Forward(ctx, evt); err != nil {
		log.Warn().Err(err).
			Str("group_id", evt.GroupID).
			Str("channel", evt.Channel).
			Msg("failed to relay event")
	}
}

// OnClientMessage handles a frame received from a participant's socket.
// Echo frames are answered to the sender only and never logged. Frames on
// server channels are rejected with models.ErrReservedChannel. Anything else
// is appended, fanned out to the group and the relay, and passed to the
// channel's handler.
func (h *Hub) OnClientMessage(ctx context.Context, groupID, participantID string, msg models.Message, reply func(frame []byte) bool) error {
	if msg.Channel == models.ChannelEcho {
		frame, err := msg.Encode()
		if err != nil {
			return fmt.Errorf("encode echo: %w", err)
		}
		if reply != nil {
			reply(frame)
		}
		return nil
	}
	if models.IsServerChannel(msg.Channel) {
		return fmt.Errorf("%w: %s", models.ErrReservedChannel, msg.Channel)
	}

	mu := h.orderLock(groupID)
	mu.Lock()
	evt, err := h.log.Append(ctx, groupID, msg.Channel, &participantID, msg.Payload)
	if err != nil {
		mu.Unlock()
		return err
	}
	h.fanout(groupID, evt.Message())
	mu.Unlock()

	h.forward(ctx, evt)

	h.mu.RLock()
	entry, ok := h.handlers[handlerKey{groupID, msg.Channel}]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := entry.handler(ctx, evt); err != nil {
		return fmt.Errorf("handler %s/%s: %w", groupID, msg.Channel, err)
	}
	return nil
}

// Replay returns the latest payload of every channel the group has written.
func (h *Hub) Replay(ctx context.Context, groupID string) (map[string]json.RawMessage, error) {
	latest, err := h.log.LatestPerChannel(ctx, groupID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(latest))
	for channel, evt := range latest {
		out[channel] = evt.Payload
	}
	return out, nil
}

// DeliverRemote fans out a message published by another process. It is not
// appended again.
func (h *Hub) DeliverRemote(groupID string, msg models.Message) {
	mu := h.orderLock(groupID)
	mu.Lock()
	defer mu.Unlock()
	h.fanout(groupID, msg)
}

func (h *Hub) fanout(groupID string, msg models.Message) {
	frame, err := msg.Encode()
	if err != nil {
		log.Error().Err(err).Str("group_id", groupID).Msg("failed to encode message")
		return
	}

	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subscribers[groupID]))
	for _, sub := range h.subscribers[groupID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	dropped := 0
	for _, sub := range targets {
		if !sub.Deliver(frame) {
			dropped++
			log.Warn().
				Str("group_id", groupID).
				Str("subscriber", sub.ID()).
				Str("channel", msg.Channel).
				Msg("subscriber queue full, message dropped")
		}
	}
	h.metrics.RecordFanout(len(targets), dropped)
}
