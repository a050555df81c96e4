package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

// Ledger is the stable-currency account book. Every transfer writes one
// debit and one credit to ledger_entries.
type Ledger struct {
	db *pgxpool.Pool
}

// CreateAccount opens an account for addr with an initial balance. It is a
// no-op for existing accounts.
func (l *Ledger) CreateAccount(ctx context.Context, addr domain.Address, balance int64) error {
	_, err := l.db.Exec(ctx,
		"INSERT INTO accounts (address, balance) VALUES ($1, $2) ON CONFLICT (address) DO NOTHING",
		addr.Key(), balance)
	return err
}

// Mint credits amount to addr, opening the account if needed.
func (l *Ledger) Mint(ctx context.Context, addr domain.Address, amount int64) error {
	_, err := l.db.Exec(ctx,
		`INSERT INTO accounts (address, balance) VALUES ($1, $2)
		 ON CONFLICT (address) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
		addr.Key(), amount)
	return err
}

// GetAccount retrieves a single account by address.
func (l *Ledger) GetAccount(ctx context.Context, addr domain.Address) (*domain.Account, error) {
	var account domain.Account
	var address string
	err := l.db.QueryRow(ctx, "SELECT address, balance FROM accounts WHERE address = $1", addr.Key()).Scan(&address, &account.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	account.Address = domain.Address(address)
	return &account, nil
}

func (l *Ledger) Balance(ctx context.Context, addr domain.Address) (int64, error) {
	account, err := l.GetAccount(ctx, addr)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// GetEntries retrieves ledger entries for an account, newest first.
func (l *Ledger) GetEntries(ctx context.Context, addr domain.Address) ([]domain.LedgerEntry, error) {
	var exists bool
	err := l.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE address = $1)", addr.Key()).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}

	rows, err := l.db.Query(ctx,
		`SELECT id, COALESCE(sale_id::text, ''), account, delta, created_at
		 FROM ledger_entries WHERE account = $1 ORDER BY created_at DESC, id DESC`,
		addr.Key())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.LedgerEntry{}
	for rows.Next() {
		var e domain.LedgerEntry
		var account string
		if err := rows.Scan(&e.ID, &e.SaleID, &account, &e.Delta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Account = domain.Address(account)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TransferFrom executes a double-entry transfer within a transaction,
// locking both accounts in address order.
func (l *Ledger) TransferFrom(ctx context.Context, from, to domain.Address, amount int64) error {
	return retryable(l.transferFrom(ctx, from, to, amount))
}

func (l *Ledger) transferFrom(ctx context.Context, from, to domain.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount %d", domain.ErrInvalidPrice, amount)
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := openAccounts(ctx, tx, to); err != nil {
		return err
	}

	balances, err := lockAccounts(ctx, tx, from, to)
	if err != nil {
		return err
	}
	fromBalance, ok := balances[from.Key()]
	if !ok {
		return fmt.Errorf("%s: %w", from, domain.ErrAccountNotFound)
	}
	if fromBalance < amount {
		return fmt.Errorf("%s has %d, needs %d: %w", from, fromBalance, amount, domain.ErrInsufficientFunds)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO ledger_entries (account, delta) VALUES ($1, $2), ($3, $4)",
		from.Key(), -amount, to.Key(), amount,
	)
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}

	deltas := make(map[string]int64, 2)
	deltas[from.Key()] -= amount
	deltas[to.Key()] += amount
	if err := applyDeltas(ctx, tx, deltas); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// openAccounts makes sure every recipient has an account row to lock.
func openAccounts(ctx context.Context, tx pgx.Tx, addrs ...domain.Address) error {
	for _, addr := range addrs {
		_, err := tx.Exec(ctx, "INSERT INTO accounts (address) VALUES ($1) ON CONFLICT (address) DO NOTHING", addr.Key())
		if err != nil {
			return fmt.Errorf("open account %s: %w", addr, err)
		}
	}
	return nil
}

// lockAccounts takes row locks on the given accounts in ascending address
// order so concurrent transfers cannot deadlock. Missing accounts are absent
// from the result.
func lockAccounts(ctx context.Context, tx pgx.Tx, addrs ...domain.Address) (map[string]int64, error) {
	keys := make([]string, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		if k := addr.Key(); !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	balances := make(map[string]int64, len(keys))
	for _, k := range keys {
		var balance int64
		err := tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE address = $1 FOR UPDATE", k).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock acquisition failed: %w", err)
		}
		balances[k] = balance
	}
	return balances, nil
}

func applyDeltas(ctx context.Context, tx pgx.Tx, deltas map[string]int64) error {
	keys := make([]string, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if deltas[k] == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1 WHERE address = $2", deltas[k], k); err != nil {
			return fmt.Errorf("balance update failed: %w", err)
		}
	}
	return nil
}
