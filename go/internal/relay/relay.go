package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/redwood/go/internal/models"
)

// Config holds NATS JetStream settings for cross-process fan-out.
type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep messages
	DuplicateWindow time.Duration // Window for duplicate detection
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "REDWOOD_EVENTS",
		SubjectPrefix:   "redwood.events",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          time.Hour,
		DuplicateWindow: 2 * time.Minute,
	}
}

// envelope is the relayed form of a published event.
type envelope struct {
	EventID   string          `json:"eventId"`
	Origin    string          `json:"origin"`
	Channel   string          `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// DeliverFunc receives messages published by other processes.
type DeliverFunc func(groupID string, msg models.Message)

// Relay forwards events published in this process to every other process
// through a JetStream stream and delivers theirs back.
type Relay struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	config     Config
	instanceID string
}

// New connects to NATS and ensures the stream exists. instanceID tags
// outgoing messages so the process can ignore its own.
func New(cfg Config, instanceID string) (*Relay, error) {
	opts := []nats.Option{
		nats.Name("redwood-" + instanceID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	r := &Relay{nc: nc, js: js, config: cfg, instanceID: instanceID}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return r, nil
}

func (r *Relay) ensureStream(ctx context.Context) error {
	_, err := r.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        r.config.StreamName,
		Description: "Group events relayed between redwood processes",
		Subjects:    []string{r.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      r.config.MaxAge,
		Storage:     jetstream.MemoryStorage,
		Duplicates:  r.config.DuplicateWindow,
	})
	if err != nil {
		return err
	}
	log.Info().Str("stream", r.config.StreamName).Msg("JetStream stream ready")
	return nil
}

// Forward publishes evt. The event id is the JetStream message id, so a
// retried publish is dropped by the server's duplicate window.
func (r *Relay) Forward(ctx context.Context, evt models.Event) error {
	data, err := json.Marshal(envelope{
		EventID:   evt.ID.String(),
		Origin:    r.instanceID,
		Channel:   evt.Channel,
		Timestamp: evt.Timestamp,
		Payload:   evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := Subject(r.config.SubjectPrefix, evt.GroupID)
	ack, err := r.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(evt.ID.String()),
		jetstream.WithExpectStream(r.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", evt.ID.String()).
		Uint64("sequence", ack.Sequence).
		Msg("relayed event")
	return nil
}

// Run consumes messages from other processes until ctx is cancelled. Each
// process reads through its own ordered consumer starting at new messages.
func (r *Relay) Run(ctx context.Context, deliver DeliverFunc) error {
	consumer, err := r.js.OrderedConsumer(ctx, r.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{r.config.SubjectPrefix + ".>"},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		r.handle(msg.Subject(), msg.Data(), deliver)
	})
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}
	defer cc.Stop()

	log.Info().Str("stream", r.config.StreamName).Str("instance", r.instanceID).Msg("relay consumer started")
	<-ctx.Done()
	log.Info().Msg("relay consumer stopping")
	return nil
}

func (r *Relay) handle(subject string, data []byte, deliver DeliverFunc) {
	groupID, err := GroupFromSubject(r.config.SubjectPrefix, subject)
	if err != nil {
		log.Error().Err(err).Msg("relayed event on unexpected subject")
		return
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal relayed event")
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	deliver(groupID, models.Message{Channel: env.Channel, Payload: env.Payload})
}

// Check reports whether the NATS connection is up.
func (r *Relay) Check(context.Context) error {
	if !r.nc.IsConnected() {
		return fmt.Errorf("NATS %s", r.nc.Status())
	}
	return nil
}

// Close drains the NATS connection.
func (r *Relay) Close() error {
	if r.nc != nil {
		return r.nc.Drain()
	}
	return nil
}

// Subject maps a group id onto a single NATS subject token.
func Subject(prefix, groupID string) string {
	return prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(groupID))
}

// GroupFromSubject reverses Subject.
func GroupFromSubject(prefix, subject string) (string, error) {
	token, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return "", fmt.Errorf("subject %q outside prefix %q", subject, prefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode subject token: %w", err)
	}
	return string(raw), nil
}
