package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/redwood/go/internal/models"
	"github.com/mcdev12/redwood/go/internal/sqlutil"
)

// Store persists events and readiness records in an embedded SQLite file.
// Timestamps are stored as Unix nanoseconds.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const eventColumns = `sequence, id, group_id, channel, participant_id, timestamp, payload`

func (s *Store) InsertEvent(ctx context.Context, evt models.Event) (models.Event, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO redwood_events (id, group_id, channel, participant_id, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING sequence`,
		evt.ID.String(),
		evt.GroupID,
		evt.Channel,
		sqlutil.ToSqlString(evt.ParticipantID),
		sqlutil.ToUnixNano(evt.Timestamp),
		sqlutil.ToSqlPayload(evt.Payload),
	).Scan(&evt.Sequence)
	if err != nil {
		return models.Event{}, err
	}
	return evt, nil
}

func (s *Store) ListEvents(ctx context.Context, groupID string, channel *string) ([]models.Event, error) {
	if channel != nil {
		return s.query(ctx, `SELECT `+eventColumns+` FROM redwood_events
			WHERE group_id = ? AND channel = ?
			ORDER BY timestamp, sequence`, groupID, *channel)
	}
	return s.query(ctx, `SELECT `+eventColumns+` FROM redwood_events
		WHERE group_id = ?
		ORDER BY timestamp, sequence`, groupID)
}

func (s *Store) LatestEvent(ctx context.Context, groupID, channel string) (*models.Event, error) {
	events, err := s.query(ctx, `SELECT `+eventColumns+` FROM redwood_events
		WHERE group_id = ? AND channel = ?
		ORDER BY timestamp DESC, sequence DESC
		LIMIT 1`, groupID, channel)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func (s *Store) LatestPerChannel(ctx context.Context, groupID string) ([]models.Event, error) {
	return s.query(ctx, `SELECT `+eventColumns+` FROM redwood_events e
		WHERE group_id = ?
		  AND sequence = (
			SELECT sequence FROM redwood_events l
			WHERE l.group_id = e.group_id AND l.channel = e.channel
			ORDER BY timestamp DESC, sequence DESC
			LIMIT 1)
		ORDER BY timestamp, sequence`, groupID)
}

func (s *Store) GetReadiness(ctx context.Context, groupID string) (models.ReadinessRecord, error) {
	var (
		ran bool
		ts  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ran, timestamp FROM redwood_readiness WHERE group_id = ?`, groupID,
	).Scan(&ran, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReadinessRecord{GroupID: groupID}, nil
	}
	if err != nil {
		return models.ReadinessRecord{}, err
	}
	return models.ReadinessRecord{GroupID: groupID, Ran: ran, Timestamp: sqlutil.FromUnixNano(ts)}, nil
}

func (s *Store) MarkReady(ctx context.Context, groupID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redwood_readiness (group_id, ran, timestamp) VALUES (?, 1, ?)
		ON CONFLICT (group_id) DO UPDATE SET ran = 1, timestamp = excluded.timestamp
		WHERE redwood_readiness.ran = 0`,
		groupID, sqlutil.ToUnixNano(at))
	return err
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			evt         models.Event
			id          string
			participant sql.NullString
			ts          int64
			payload     sql.NullString
		)
		if err := rows.Scan(&evt.Sequence, &id, &evt.GroupID, &evt.Channel, &participant, &ts, &payload); err != nil {
			return nil, err
		}
		if evt.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		evt.ParticipantID = sqlutil.FromSqlStringPtr(participant)
		evt.Timestamp = sqlutil.FromUnixNano(ts)
		evt.Payload = sqlutil.FromSqlPayload(payload)
		out = append(out, evt)
	}
	return out, rows.Err()
}
