package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

// BookingNFT is a minimal ERC-721 style collection: owners, per-token
// approvals and operator approvals.
type BookingNFT struct {
	mu        sync.Mutex
	owners    map[domain.TokenID]domain.Address
	approved  map[domain.TokenID]string
	operators map[string]map[string]bool
}

func NewBookingNFT() *BookingNFT {
	return &BookingNFT{
		owners:    make(map[domain.TokenID]domain.Address),
		approved:  make(map[domain.TokenID]string),
		operators: make(map[string]map[string]bool),
	}
}

func (n *BookingNFT) Mint(tokenID domain.TokenID, owner domain.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.owners[tokenID]; ok {
		return fmt.Errorf("token %d already minted", tokenID)
	}
	n.owners[tokenID] = owner
	return nil
}

func (n *BookingNFT) OwnerOf(_ context.Context, tokenID domain.TokenID) (domain.Address, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	owner, ok := n.owners[tokenID]
	if !ok {
		return "", fmt.Errorf("token %d: %w", tokenID, domain.ErrTokenNotFound)
	}
	return owner, nil
}

// SetApprovalForAll lets operator move every token owner holds.
func (n *BookingNFT) SetApprovalForAll(owner, operator domain.Address, approved bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ops, ok := n.operators[owner.Key()]
	if !ok {
		ops = make(map[string]bool)
		n.operators[owner.Key()] = ops
	}
	ops[operator.Key()] = approved
}

// Approve lets operator move a single token. The approval is dropped when
// the token changes hands.
func (n *BookingNFT) Approve(caller domain.Address, tokenID domain.TokenID, operator domain.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	owner, ok := n.owners[tokenID]
	if !ok {
		return fmt.Errorf("token %d: %w", tokenID, domain.ErrTokenNotFound)
	}
	if !owner.Equal(caller) {
		return domain.ErrNotOwner
	}
	n.approved[tokenID] = operator.Key()
	return nil
}

func (n *BookingNFT) IsApproved(_ context.Context, tokenID domain.TokenID, operator domain.Address) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	owner, ok := n.owners[tokenID]
	if !ok {
		return false, fmt.Errorf("token %d: %w", tokenID, domain.ErrTokenNotFound)
	}
	return n.mayMove(owner, tokenID, operator), nil
}

func (n *BookingNFT) TransferFrom(_ context.Context, operator, from, to domain.Address, tokenID domain.TokenID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	owner, ok := n.owners[tokenID]
	if !ok {
		return fmt.Errorf("token %d: %w", tokenID, domain.ErrTokenNotFound)
	}
	if !owner.Equal(from) {
		return fmt.Errorf("token %d is held by %s, not %s: %w", tokenID, owner, from, domain.ErrNotOwner)
	}
	if !n.mayMove(owner, tokenID, operator) {
		return fmt.Errorf("%s on token %d: %w", operator, tokenID, domain.ErrTransferNotApproved)
	}

	n.owners[tokenID] = to
	delete(n.approved, tokenID)
	return nil
}

func (n *BookingNFT) mayMove(owner domain.Address, tokenID domain.TokenID, operator domain.Address) bool {
	return owner.Equal(operator) ||
		n.approved[tokenID] == operator.Key() ||
		n.operators[owner.Key()][operator.Key()]
}
