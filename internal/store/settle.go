package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

// Settle applies a whole sale in one transaction: every currency leg, the
// token move, the sale record and removal of the listing. Nothing is visible
// unless all of it commits.
//
// The transaction runs at read committed: every row it reads is locked FOR
// UPDATE first, so concurrent sales of different tokens queue on the shared
// treasury and hotel rows instead of failing serialization.
func (s *Store) Settle(ctx context.Context, st domain.Settlement) error {
	return retryable(s.settle(ctx, st))
}

func (s *Store) settle(ctx context.Context, st domain.Settlement) error {
	sale := st.Sale
	saleID, err := uuid.Parse(sale.ID)
	if err != nil {
		return fmt.Errorf("sale id %q: %w", sale.ID, err)
	}

	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Token first: it is the contended row for this sale.
	if err := moveToken(ctx, tx, st.Operator, sale.Seller, sale.Payer, sale.TokenID); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}

	// 2. Deterministic locking of every account the sale touches.
	recipients := make([]domain.Address, 0, len(st.Legs))
	for _, leg := range st.Legs {
		recipients = append(recipients, leg.To)
	}
	if err := openAccounts(ctx, tx, recipients...); err != nil {
		return err
	}
	balances, err := lockAccounts(ctx, tx, append(recipients, sale.Payer)...)
	if err != nil {
		return err
	}

	deltas := make(map[string]int64, len(st.Legs)+1)
	var debit int64
	for _, leg := range st.Legs {
		deltas[leg.From.Key()] -= leg.Amount
		deltas[leg.To.Key()] += leg.Amount
		debit += leg.Amount
	}

	payerBalance, ok := balances[sale.Payer.Key()]
	if !ok {
		return fmt.Errorf("%w: payer %s: %w", domain.ErrTransferFailed, sale.Payer, domain.ErrAccountNotFound)
	}
	if payerBalance < debit {
		return fmt.Errorf("%w: payer has %d, needs %d: %w", domain.ErrTransferFailed, payerBalance, debit, domain.ErrInsufficientFunds)
	}

	// 3. Sale record, then its ledger entries.
	_, err = tx.Exec(ctx,
		`INSERT INTO sales (id, token_id, payer, seller, first_owner, price,
		                    platform_share, hotel_share, owner_share, seller_share, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		saleID, int64(sale.TokenID), sale.Payer.Key(), sale.Seller.Key(), sale.FirstOwner.Key(), sale.Price,
		sale.PlatformShare, sale.HotelShare, sale.OwnerShare, sale.SellerShare, sale.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("sale insert failed: %w", err)
	}

	rows := make([][]any, 0, 2*len(st.Legs))
	for _, leg := range st.Legs {
		rows = append(rows,
			[]any{saleID, leg.From.Key(), -leg.Amount},
			[]any{saleID, leg.To.Key(), leg.Amount},
		)
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"ledger_entries"},
		[]string{"sale_id", "account", "delta"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}

	// 4. Balances and listing.
	if err := applyDeltas(ctx, tx, deltas); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM listings WHERE token_id = $1", int64(sale.TokenID)); err != nil {
		return fmt.Errorf("listing delete failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// GetSale retrieves a settled sale by id.
func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	saleID, err := uuid.Parse(id)
	if err != nil {
		return nil, domain.ErrSaleNotFound
	}

	var sale domain.Sale
	var tokenID int64
	var payer, seller, firstOwner string
	err = s.Db.QueryRow(ctx,
		`SELECT id::text, token_id, payer, seller, first_owner, price,
		        platform_share, hotel_share, owner_share, seller_share, settled_at
		 FROM sales WHERE id = $1`, saleID,
	).Scan(&sale.ID, &tokenID, &payer, &seller, &firstOwner, &sale.Price,
		&sale.PlatformShare, &sale.HotelShare, &sale.OwnerShare, &sale.SellerShare, &sale.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSaleNotFound
	}
	if err != nil {
		return nil, err
	}

	sale.TokenID = domain.TokenID(tokenID)
	sale.Payer = domain.Address(payer)
	sale.Seller = domain.Address(seller)
	sale.FirstOwner = domain.Address(firstOwner)
	return &sale, nil
}
