package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/redwood/go/internal/models"
	"github.com/mcdev12/redwood/go/internal/sqlutil"
)

// Store persists events and readiness records in Postgres.
type Store struct {
	queries *Queries
}

func NewStore(db *sql.DB) *Store {
	return &Store{queries: New(db)}
}

func (s *Store) InsertEvent(ctx context.Context, evt models.Event) (models.Event, error) {
	// TIMESTAMPTZ keeps microseconds; round first so the returned event
	// matches what a later read yields.
	evt.Timestamp = evt.Timestamp.Truncate(time.Microsecond)

	seq, err := s.queries.InsertEvent(ctx, InsertEventParams{
		ID:            evt.ID,
		GroupID:       evt.GroupID,
		Channel:       evt.Channel,
		ParticipantID: sqlutil.ToSqlString(evt.ParticipantID),
		Timestamp:     evt.Timestamp,
		Payload:       toNullRawMessage(evt.Payload),
	})
	if err != nil {
		return models.Event{}, err
	}
	evt.Sequence = seq
	return evt, nil
}

func (s *Store) ListEvents(ctx context.Context, groupID string, channel *string) ([]models.Event, error) {
	var (
		rows []RedwoodEvent
		err  error
	)
	if channel != nil {
		rows, err = s.queries.ListEventsByChannel(ctx, groupID, *channel)
	} else {
		rows, err = s.queries.ListEvents(ctx, groupID)
	}
	if err != nil {
		return nil, err
	}
	return toEvents(rows), nil
}

func (s *Store) LatestEvent(ctx context.Context, groupID, channel string) (*models.Event, error) {
	row, err := s.queries.LatestEvent(ctx, groupID, channel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	evt := toEvent(row)
	return &evt, nil
}

func (s *Store) LatestPerChannel(ctx context.Context, groupID string) ([]models.Event, error) {
	rows, err := s.queries.LatestPerChannel(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return toEvents(rows), nil
}

func (s *Store) GetReadiness(ctx context.Context, groupID string) (models.ReadinessRecord, error) {
	row, err := s.queries.GetReadiness(ctx, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReadinessRecord{GroupID: groupID}, nil
	}
	if err != nil {
		return models.ReadinessRecord{}, err
	}
	return models.ReadinessRecord{GroupID: row.GroupID, Ran: row.Ran, Timestamp: row.Timestamp}, nil
}

func (s *Store) MarkReady(ctx context.Context, groupID string, at time.Time) error {
	return s.queries.MarkReady(ctx, groupID, at)
}

// toNullRawMessage stores a JSON null payload as SQL NULL.
func toNullRawMessage(p json.RawMessage) pqtype.NullRawMessage {
	if len(p) == 0 || string(p) == "null" {
		return pqtype.NullRawMessage{Valid: false}
	}
	return pqtype.NullRawMessage{RawMessage: p, Valid: true}
}

func fromNullRawMessage(p pqtype.NullRawMessage) json.RawMessage {
	if !p.Valid {
		return models.NormalizePayload(nil)
	}
	return p.RawMessage
}

func toEvent(row RedwoodEvent) models.Event {
	return models.Event{
		ID:            row.ID,
		GroupID:       row.GroupID,
		Channel:       row.Channel,
		ParticipantID: sqlutil.FromSqlStringPtr(row.ParticipantID),
		Timestamp:     row.Timestamp,
		Sequence:      row.Sequence,
		Payload:       fromNullRawMessage(row.Payload),
	}
}

func toEvents(rows []RedwoodEvent) []models.Event {
	out := make([]models.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, toEvent(row))
	}
	return out
}
