package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/redwood/go/internal/metrics"
	"github.com/mcdev12/redwood/go/internal/models"
)

// Log is the append-only, per-group event store used for replay and export.
type Log struct {
	repo    Repository
	clock   clockwork.Clock
	metrics metrics.Collector
}

// NewLog creates a Log. A nil clock uses the wall clock and nil metrics
// records nothing.
func NewLog(repo Repository, clock clockwork.Clock, mc metrics.Collector) *Log {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if mc == nil {
		mc = metrics.NoOpCollector{}
	}
	return &Log{repo: repo, clock: clock, metrics: mc}
}

// Append stores a new event stamped with the server time. Store failures are
// returned as *models.StorageError.
func (l *Log) Append(ctx context.Context, groupID, channel string, participantID *string, payload json.RawMessage) (models.Event, error) {
	payload, err := models.ValidatePayload(payload)
	if err != nil {
		return models.Event{}, err
	}

	start := time.Now()
	evt, err := l.repo.InsertEvent(ctx, models.Event{
		ID:            uuid.New(),
		GroupID:       groupID,
		Channel:       channel,
		ParticipantID: participantID,
		Timestamp:     l.clock.Now().UTC(),
		Payload:       payload,
	})
	l.metrics.RecordAppend(channel, err == nil, time.Since(start))
	if err != nil {
		log.Error().Err(err).
			Str("group_id", groupID).
			Str("channel", channel).
			Msg("failed to append event")
		return models.Event{}, models.NewStorageError("append", err)
	}

	log.Debug().
		Str("group_id", groupID).
		Str("channel", channel).
		Int64("sequence", evt.Sequence).
		Msg("event appended")
	return evt, nil
}

// History returns the group's events in ascending order, optionally limited
// to one channel. An unknown group yields an empty slice.
func (l *Log) History(ctx context.Context, groupID string, channel *string) ([]models.Event, error) {
	events, err := l.repo.ListEvents(ctx, groupID, channel)
	if err != nil {
		return nil, models.NewStorageError("history", err)
	}
	if events == nil {
		events = []models.Event{}
	}
	return events, nil
}

// LatestOnChannel returns the newest event on the channel, or nil if the
// channel has never been written.
func (l *Log) LatestOnChannel(ctx context.Context, groupID, channel string) (*models.Event, error) {
	evt, err := l.repo.LatestEvent(ctx, groupID, channel)
	if err != nil {
		return nil, models.NewStorageError("latest", err)
	}
	return evt, nil
}

// LatestPerChannel maps each channel of the group to its newest event.
func (l *Log) LatestPerChannel(ctx context.Context, groupID string) (map[string]models.Event, error) {
	events, err := l.repo.LatestPerChannel(ctx, groupID)
	if err != nil {
		return nil, models.NewStorageError("latest per channel", err)
	}
	out := make(map[string]models.Event, len(events))
	for _, evt := range events {
		out[evt.Channel] = evt
	}
	return out, nil
}
