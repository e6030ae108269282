package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/podushkina/jobrelay/internal/events"
)

// EventStore keeps event records in Postgres. Timestamps of a subject are
// unique and increase with insertion order.
type EventStore struct {
	pool *pgxpool.Pool
}

var _ events.Store = (*EventStore)(nil)

func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts r under a per-subject advisory lock, moving its timestamp
// past the newest record of the subject when it would not sort after it.
func (s *EventStore) Append(ctx context.Context, r events.Record) (events.Record, error) {
	var payload []byte
	if len(r.Payload) > 0 {
		payload = r.Payload
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, r.Subject); err != nil {
			return fmt.Errorf("lock subject: %w", err)
		}
		return tx.QueryRow(ctx,
			`INSERT INTO event_records (id, subject, type, payload, occurred_at)
			 VALUES ($1, $2, $3, $4, GREATEST($5::timestamptz, (
			     SELECT max(occurred_at) + interval '1 microsecond'
			       FROM event_records
			      WHERE subject = $2)))
			 RETURNING occurred_at`,
			r.ID, r.Subject, r.Type, payload, events.Timestamp(r.OccurredAt),
		).Scan(&r.OccurredAt)
	})
	if err != nil {
		return events.Record{}, fmt.Errorf("insert event record: %w", err)
	}

	r.OccurredAt = events.Timestamp(r.OccurredAt)
	return r, nil
}

func (s *EventStore) Since(ctx context.Context, subject string, since time.Time, limit int) ([]events.Record, error) {
	if limit <= 0 {
		return []events.Record{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, subject, type, payload, occurred_at
		   FROM event_records
		  WHERE subject = $1 AND occurred_at > $2
		  ORDER BY occurred_at, seq
		  LIMIT $3`,
		subject, events.Timestamp(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query event records: %w", err)
	}
	defer rows.Close()

	out := make([]events.Record, 0, limit)
	for rows.Next() {
		var (
			r       events.Record
			payload []byte
		)
		if err := rows.Scan(&r.ID, &r.Subject, &r.Type, &payload, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event record: %w", err)
		}
		r.Payload = payload
		r.OccurredAt = r.OccurredAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read event records: %w", err)
	}
	return out, nil
}

// Prune deletes records older than the retention horizon.
func (s *EventStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM event_records WHERE occurred_at < $1`,
		time.Now().Add(-retention).UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune event records: %w", err)
	}
	return tag.RowsAffected(), nil
}
