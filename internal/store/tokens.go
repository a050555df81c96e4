package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

// Mint records a booking token issued to owner. firstOwner is kept for
// royalty resolution and never changes afterwards.
func (s *Store) Mint(ctx context.Context, tokenID domain.TokenID, owner, firstOwner domain.Address) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO booking_tokens (token_id, owner, first_owner) VALUES ($1, $2, $3)",
		int64(tokenID), owner.Key(), firstOwner.Key())
	if err != nil {
		return fmt.Errorf("mint token %d: %w", tokenID, err)
	}
	return nil
}

func (s *Store) OwnerOf(ctx context.Context, tokenID domain.TokenID) (domain.Address, error) {
	var owner string
	err := s.Db.QueryRow(ctx, "SELECT owner FROM booking_tokens WHERE token_id = $1", int64(tokenID)).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("token %d: %w", tokenID, domain.ErrTokenNotFound)
	}
	if err != nil {
		return "", err
	}
	return domain.Address(owner), nil
}

func (s *Store) FirstOwner(ctx context.Context, tokenID domain.TokenID) (domain.Address, error) {
	var firstOwner string
	err := s.Db.QueryRow(ctx, "SELECT first_owner FROM booking_tokens WHERE token_id = $1", int64(tokenID)).Scan(&firstOwner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("booking %d: %w", tokenID, domain.ErrTokenNotFound)
	}
	if err != nil {
		return "", err
	}
	return domain.Address(firstOwner), nil
}

func (s *Store) Exists(ctx context.Context, tokenID domain.TokenID) (bool, error) {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM booking_tokens WHERE token_id = $1)", int64(tokenID)).Scan(&exists)
	return exists, err
}

func (s *Store) SetApprovalForAll(ctx context.Context, owner, operator domain.Address, approved bool) error {
	var err error
	if approved {
		_, err = s.Db.Exec(ctx,
			"INSERT INTO operator_approvals (owner, operator) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			owner.Key(), operator.Key())
	} else {
		_, err = s.Db.Exec(ctx,
			"DELETE FROM operator_approvals WHERE owner = $1 AND operator = $2",
			owner.Key(), operator.Key())
	}
	return err
}

// Approve lets operator move a single token until it changes hands.
func (s *Store) Approve(ctx context.Context, caller domain.Address, tokenID domain.TokenID, operator domain.Address) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE booking_tokens SET approved = $1 WHERE token_id = $2 AND owner = $3",
		operator.Key(), int64(tokenID), caller.Key())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.OwnerOf(ctx, tokenID); err != nil {
			return err
		}
		return domain.ErrNotOwner
	}
	return nil
}

func (s *Store) IsApproved(ctx context.Context, tokenID domain.TokenID, operator domain.Address) (bool, error) {
	var owner string
	var approved *string
	err := s.Db.QueryRow(ctx,
		"SELECT owner, approved FROM booking_tokens WHERE token_id = $1", int64(tokenID),
	).Scan(&owner, &approved)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("token %d: %w", tokenID, domain.ErrTokenNotFound)
	}
	if err != nil {
		return false, err
	}
	return mayMove(ctx, s.Db, owner, approved, operator)
}

// TransferFrom moves a token on behalf of operator and clears its single
// token approval.
func (s *Store) TransferFrom(ctx context.Context, operator, from, to domain.Address, tokenID domain.TokenID) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := moveToken(ctx, tx, operator, from, to, tokenID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func moveToken(ctx context.Context, tx pgx.Tx, operator, from, to domain.Address, tokenID domain.TokenID) error {
	var owner string
	var approved *string
	err := tx.QueryRow(ctx,
		"SELECT owner, approved FROM booking_tokens WHERE token_id = $1 FOR UPDATE", int64(tokenID),
	).Scan(&owner, &approved)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("token %d: %w", tokenID, domain.ErrTokenNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock token %d: %w", tokenID, err)
	}

	if owner != from.Key() {
		return fmt.Errorf("token %d is held by %s, not %s: %w", tokenID, owner, from, domain.ErrNotOwner)
	}
	ok, err := mayMove(ctx, tx, owner, approved, operator)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s on token %d: %w", operator, tokenID, domain.ErrTransferNotApproved)
	}

	_, err = tx.Exec(ctx,
		"UPDATE booking_tokens SET owner = $1, approved = NULL WHERE token_id = $2",
		to.Key(), int64(tokenID))
	if err != nil {
		return fmt.Errorf("move token %d: %w", tokenID, err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func mayMove(ctx context.Context, q querier, owner string, approved *string, operator domain.Address) (bool, error) {
	if owner == operator.Key() || (approved != nil && *approved == operator.Key()) {
		return true, nil
	}

	var isOperator bool
	err := q.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM operator_approvals WHERE owner = $1 AND operator = $2)",
		owner, operator.Key(),
	).Scan(&isOperator)
	if err != nil {
		return false, fmt.Errorf("operator approval lookup: %w", err)
	}
	return isOperator, nil
}
