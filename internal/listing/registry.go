// Package listing keeps track of which booking tokens are offered for resale.
package listing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/bukmarket/internal/domain"
	"github.com/punchamoorthee/bukmarket/internal/event"
)

// OwnerLookup answers who currently holds a token.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, tokenID domain.TokenID) (domain.Address, error)
}

// Repository persists active listings so they survive restarts.
type Repository interface {
	SaveListing(ctx context.Context, l domain.Listing) error
	DeleteListing(ctx context.Context, tokenID domain.TokenID) error
	ActiveListings(ctx context.Context) ([]domain.Listing, error)
}

type Publisher interface {
	Publish(e event.Event)
}

type state int

const (
	active state = iota
	// busy entries belong to an operation in flight: a purchase settling or a
	// write that has not reached the repository yet.
	busy
)

type entry struct {
	listing domain.Listing
	state   state
}

// Registry holds at most one listing per token. A token moves
// Unlisted -> Listed -> Unlisted; while an entry is busy nothing else can
// list, cancel or reserve it.
type Registry struct {
	mu      sync.Mutex
	entries map[domain.TokenID]*entry

	owners OwnerLookup
	repo   Repository
	events Publisher
	now    func() time.Time
}

// NewRegistry builds a registry. repo and events may be nil.
func NewRegistry(owners OwnerLookup, repo Repository, events Publisher) *Registry {
	return &Registry{
		entries: make(map[domain.TokenID]*entry),
		owners:  owners,
		repo:    repo,
		events:  events,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Load replaces the in-memory state with the repository's active listings.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}

	listings, err := r.repo.ActiveListings(ctx)
	if err != nil {
		return fmt.Errorf("load active listings: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[domain.TokenID]*entry, len(listings))
	for _, l := range listings {
		l.Active = true
		r.entries[l.TokenID] = &entry{listing: l, state: active}
	}

	zap.L().With(zap.Int("listings", len(listings))).Info("Listings restored")
	return nil
}

func (r *Registry) List(ctx context.Context, tokenID domain.TokenID, seller domain.Address, price int64) (domain.Listing, error) {
	if price <= 0 {
		return domain.Listing{}, fmt.Errorf("%w: got %d", domain.ErrInvalidPrice, price)
	}

	owner, err := r.owners.OwnerOf(ctx, tokenID)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("owner of token %d: %w", tokenID, err)
	}
	if !owner.Equal(seller) {
		return domain.Listing{}, domain.ErrNotOwner
	}

	l := domain.Listing{
		TokenID:  tokenID,
		Seller:   seller,
		Price:    price,
		Active:   true,
		ListedAt: r.now(),
	}

	r.mu.Lock()
	if _, ok := r.entries[tokenID]; ok {
		r.mu.Unlock()
		return domain.Listing{}, domain.ErrAlreadyListed
	}
	e := &entry{listing: l, state: busy}
	r.entries[tokenID] = e
	r.mu.Unlock()

	if err := r.save(ctx, l); err != nil {
		r.mu.Lock()
		delete(r.entries, tokenID)
		r.mu.Unlock()
		return domain.Listing{}, err
	}

	r.mu.Lock()
	e.state = active
	r.mu.Unlock()

	r.publish(event.Listed(l))
	return l, nil
}

func (r *Registry) Cancel(ctx context.Context, tokenID domain.TokenID, caller domain.Address) error {
	return r.remove(ctx, tokenID, func(l domain.Listing) error {
		if !l.Seller.Equal(caller) {
			return domain.ErrNotSeller
		}
		return nil
	})
}

// Delist removes a listing regardless of who the seller is.
func (r *Registry) Delist(ctx context.Context, tokenID domain.TokenID) error {
	return r.remove(ctx, tokenID, nil)
}

func (r *Registry) remove(ctx context.Context, tokenID domain.TokenID, authorize func(domain.Listing) error) error {
	r.mu.Lock()
	e, ok := r.entries[tokenID]
	if !ok || e.state != active {
		r.mu.Unlock()
		return domain.ErrNotListed
	}
	if authorize != nil {
		if err := authorize(e.listing); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	e.state = busy
	r.mu.Unlock()

	if err := r.delete(ctx, tokenID); err != nil {
		r.mu.Lock()
		e.state = active
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	delete(r.entries, tokenID)
	r.mu.Unlock()

	r.publish(event.Cancelled(tokenID))
	return nil
}

// Get returns the active listing for tokenID, if any.
func (r *Registry) Get(tokenID domain.TokenID) (domain.Listing, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[tokenID]
	if !ok || e.state != active {
		return domain.Listing{}, false
	}
	return e.listing, true
}

// Active returns every active listing ordered by token id.
func (r *Registry) Active() []domain.Listing {
	r.mu.Lock()
	listings := make([]domain.Listing, 0, len(r.entries))
	for _, e := range r.entries {
		if e.state == active {
			listings = append(listings, e.listing)
		}
	}
	r.mu.Unlock()

	sort.Slice(listings, func(i, j int) bool { return listings[i].TokenID < listings[j].TokenID })
	return listings
}

// Reserve takes an active listing out of circulation for a purchase. Until
// Release or Clear, Cancel and Reserve report ErrNotListed and List reports
// ErrAlreadyListed.
func (r *Registry) Reserve(tokenID domain.TokenID) (domain.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[tokenID]
	if !ok || e.state != active {
		return domain.Listing{}, domain.ErrNotListed
	}
	e.state = busy
	return e.listing, nil
}

// Release puts a reserved listing back on sale after a failed purchase.
func (r *Registry) Release(tokenID domain.TokenID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[tokenID]; ok {
		e.state = active
	}
}

// Clear drops the listing after a purchase. It is a no-op for tokens that are
// not listed. The in-memory entry is always removed; a repository error is
// still returned so the caller can report it.
func (r *Registry) Clear(ctx context.Context, tokenID domain.TokenID) error {
	r.mu.Lock()
	_, ok := r.entries[tokenID]
	delete(r.entries, tokenID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.delete(ctx, tokenID)
}

func (r *Registry) save(ctx context.Context, l domain.Listing) error {
	if r.repo == nil {
		return nil
	}
	if err := r.repo.SaveListing(ctx, l); err != nil {
		return fmt.Errorf("save listing for token %d: %w", l.TokenID, err)
	}
	return nil
}

func (r *Registry) delete(ctx context.Context, tokenID domain.TokenID) error {
	if r.repo == nil {
		return nil
	}
	if err := r.repo.DeleteListing(ctx, tokenID); err != nil {
		return fmt.Errorf("delete listing for token %d: %w", tokenID, err)
	}
	return nil
}

func (r *Registry) publish(e event.Event) {
	if r.events != nil {
		r.events.Publish(e)
	}
}
