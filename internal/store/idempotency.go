package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

// BeginRequest reserves key for a request with the given body hash. It
// returns the stored record when the request already completed, and
// ErrIdempotencyConflict while another request holds the key.
func (s *Store) BeginRequest(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var status *int
	var body []byte
	err := s.Db.QueryRow(ctx,
		"SELECT key, request_hash, status, response_status, response_body FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&rec.Key, &rec.RequestHash, &rec.Status, &status, &body)

	if err == nil {
		if rec.RequestHash != requestHash {
			return nil, domain.ErrIdempotencyMismatch
		}
		if rec.Status != domain.IdempotencyCompleted {
			return nil, domain.ErrIdempotencyConflict
		}
		if status != nil {
			rec.ResponseStatus = *status
		}
		rec.ResponseBody = json.RawMessage(body)
		return &rec, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	_, err = s.Db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, $3)",
		key, requestHash, domain.IdempotencyInProgress,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrIdempotencyConflict
		}
		return nil, fmt.Errorf("key reservation failed: %w", err)
	}
	return nil, nil
}

// CompleteRequest stores the response so replays of key return it verbatim.
func (s *Store) CompleteRequest(ctx context.Context, key string, status int, body []byte) error {
	_, err := s.Db.Exec(ctx,
		"UPDATE idempotency_keys SET status = $1, response_status = $2, response_body = $3 WHERE key = $4",
		domain.IdempotencyCompleted, status, body, key,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	return nil
}

// AbandonRequest frees key after a failed request so the client may retry.
func (s *Store) AbandonRequest(ctx context.Context, key string) error {
	_, err := s.Db.Exec(ctx,
		"DELETE FROM idempotency_keys WHERE key = $1 AND status = $2",
		key, domain.IdempotencyInProgress,
	)
	return err
}

// SweepIdempotency deletes keys created more than ttl ago, whatever their
// status. A key left in progress by a crashed request becomes usable again
// after the sweep.
func (s *Store) SweepIdempotency(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.Db.Exec(ctx,
		"DELETE FROM idempotency_keys WHERE created_at < $1",
		time.Now().Add(-ttl),
	)
	if err != nil {
		return 0, fmt.Errorf("idempotency sweep failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
