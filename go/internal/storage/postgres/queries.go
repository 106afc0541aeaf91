package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type RedwoodEvent struct {
	Sequence      int64                 `json:"sequence"`
	ID            uuid.UUID             `json:"id"`
	GroupID       string                `json:"group_id"`
	Channel       string                `json:"channel"`
	ParticipantID sql.NullString        `json:"participant_id"`
	Timestamp     time.Time             `json:"timestamp"`
	Payload       pqtype.NullRawMessage `json:"payload"`
}

type RedwoodReadiness struct {
	GroupID   string    `json:"group_id"`
	Ran       bool      `json:"ran"`
	Timestamp time.Time `json:"timestamp"`
}

const eventColumns = `sequence, id, group_id, channel, participant_id, timestamp, payload`

const insertEvent = `
INSERT INTO redwood_events (id, group_id, channel, participant_id, timestamp, payload)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING sequence`

type InsertEventParams struct {
	ID            uuid.UUID
	GroupID       string
	Channel       string
	ParticipantID sql.NullString
	Timestamp     time.Time
	Payload       pqtype.NullRawMessage
}

func (q *Queries) InsertEvent(ctx context.Context, arg InsertEventParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, insertEvent,
		arg.ID,
		arg.GroupID,
		arg.Channel,
		arg.ParticipantID,
		arg.Timestamp,
		arg.Payload,
	)
	var sequence int64
	err := row.Scan(&sequence)
	return sequence, err
}

const listEvents = `
SELECT ` + eventColumns + ` FROM redwood_events
WHERE group_id = $1
ORDER BY timestamp, sequence`

func (q *Queries) ListEvents(ctx context.Context, groupID string) ([]RedwoodEvent, error) {
	return q.queryEvents(ctx, listEvents, groupID)
}

const listEventsByChannel = `
SELECT ` + eventColumns + ` FROM redwood_events
WHERE group_id = $1 AND channel = $2
ORDER BY timestamp, sequence`

func (q *Queries) ListEventsByChannel(ctx context.Context, groupID, channel string) ([]RedwoodEvent, error) {
	return q.queryEvents(ctx, listEventsByChannel, groupID, channel)
}

const latestEvent = `
SELECT ` + eventColumns + ` FROM redwood_events
WHERE group_id = $1 AND channel = $2
ORDER BY timestamp DESC, sequence DESC
LIMIT 1`

func (q *Queries) LatestEvent(ctx context.Context, groupID, channel string) (RedwoodEvent, error) {
	row := q.db.QueryRowContext(ctx, latestEvent, groupID, channel)
	var i RedwoodEvent
	err := scanEvent(row, &i)
	return i, err
}

const latestPerChannel = `
SELECT * FROM (
    SELECT DISTINCT ON (channel) ` + eventColumns + ` FROM redwood_events
    WHERE group_id = $1
    ORDER BY channel, timestamp DESC, sequence DESC
) latest
ORDER BY timestamp, sequence`

func (q *Queries) LatestPerChannel(ctx context.Context, groupID string) ([]RedwoodEvent, error) {
	return q.queryEvents(ctx, latestPerChannel, groupID)
}

const getReadiness = `
SELECT group_id, ran, timestamp FROM redwood_readiness
WHERE group_id = $1`

func (q *Queries) GetReadiness(ctx context.Context, groupID string) (RedwoodReadiness, error) {
	row := q.db.QueryRowContext(ctx, getReadiness, groupID)
	var i RedwoodReadiness
	err := row.Scan(&i.GroupID, &i.Ran, &i.Timestamp)
	return i, err
}

const markReady = `
INSERT INTO redwood_readiness (group_id, ran, timestamp)
VALUES ($1, true, $2)
ON CONFLICT (group_id) DO UPDATE
SET ran = true, timestamp = EXCLUDED.timestamp
WHERE NOT redwood_readiness.ran`

func (q *Queries) MarkReady(ctx context.Context, groupID string, at time.Time) error {
	_, err := q.db.ExecContext(ctx, markReady, groupID, at)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(s scanner, i *RedwoodEvent) error {
	return s.Scan(
		&i.Sequence,
		&i.ID,
		&i.GroupID,
		&i.Channel,
		&i.ParticipantID,
		&i.Timestamp,
		&i.Payload,
	)
}

func (q *Queries) queryEvents(ctx context.Context, query string, args ...interface{}) ([]RedwoodEvent, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []RedwoodEvent
	for rows.Next() {
		var i RedwoodEvent
		if err := scanEvent(rows, &i); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
