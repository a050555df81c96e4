// Package inmem holds process-local stand-ins for the stable currency, the
// booking NFT collection and the BUK protocol. They back the marketplace when
// no database is configured and in tests.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

// Token is a balance-only fungible token.
type Token struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewToken() *Token {
	return &Token{balances: make(map[string]int64)}
}

// Mint credits amount to addr out of thin air.
func (t *Token) Mint(addr domain.Address, amount int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[addr.Key()] += amount
}

func (t *Token) Balance(_ context.Context, addr domain.Address) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[addr.Key()], nil
}

func (t *Token) TransferFrom(_ context.Context, from, to domain.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount %d", domain.ErrInvalidPrice, amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.balances[from.Key()] < amount {
		return fmt.Errorf("%s has %d, needs %d: %w", from, t.balances[from.Key()], amount, domain.ErrInsufficientFunds)
	}
	t.balances[from.Key()] -= amount
	t.balances[to.Key()] += amount
	return nil
}
