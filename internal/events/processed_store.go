// Package events provides webhook idempotency: a short-TTL Redis replay
// cache in front of a durable processed-events table.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedStore durably records handled webhook events. Uniqueness on
// (provider, event_id) makes redelivered webhooks observable and cheap to
// drop even across restarts.
type ProcessedStore struct {
	pool rowQuerier
}

func NewProcessedStore(pool *pgxpool.Pool) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &ProcessedStore{pool: pool}
}

func newProcessedStoreWithExec(exec rowQuerier) *ProcessedStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &ProcessedStore{pool: exec}
}

// MarkProcessed claims an event id for the provider. It returns false when
// another delivery already claimed it, which is the dedupe signal.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (provider, event_id, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Release drops a claim so the vendor's redelivery can be processed. Called
// when applying the event failed after the claim was taken.
func (s *ProcessedStore) Release(ctx context.Context, provider, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID)
	if err != nil {
		return fmt.Errorf("events: release claim: %w", err)
	}
	return nil
}

// AlreadyProcessed reports whether the event id was claimed earlier.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}
