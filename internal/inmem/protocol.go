package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

// Protocol records the first owner of every booking the BUK protocol issued.
type Protocol struct {
	mu          sync.RWMutex
	firstOwners map[domain.TokenID]domain.Address
}

func NewProtocol() *Protocol {
	return &Protocol{firstOwners: make(map[domain.TokenID]domain.Address)}
}

func (p *Protocol) Register(tokenID domain.TokenID, firstOwner domain.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.firstOwners[tokenID] = firstOwner
}

func (p *Protocol) FirstOwner(_ context.Context, tokenID domain.TokenID) (domain.Address, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	owner, ok := p.firstOwners[tokenID]
	if !ok {
		return "", fmt.Errorf("booking %d: %w", tokenID, domain.ErrTokenNotFound)
	}
	return owner, nil
}

func (p *Protocol) Exists(_ context.Context, tokenID domain.TokenID) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.firstOwners[tokenID]
	return ok, nil
}
