// Package service is the resale marketplace: it validates listings against
// the booking NFT collection and settles purchases, splitting the price
// between the platform treasury, the hotel, the first owner and the seller.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/bukmarket/internal/domain"
	"github.com/punchamoorthee/bukmarket/internal/listing"
	"github.com/punchamoorthee/bukmarket/internal/royalty"
)

// Protocol is the BUK protocol's view of a booking.
type Protocol interface {
	FirstOwner(ctx context.Context, tokenID domain.TokenID) (domain.Address, error)
	Exists(ctx context.Context, tokenID domain.TokenID) (bool, error)
}

// NFT is the booking token collection.
type NFT interface {
	OwnerOf(ctx context.Context, tokenID domain.TokenID) (domain.Address, error)
	IsApproved(ctx context.Context, tokenID domain.TokenID, operator domain.Address) (bool, error)
	TransferFrom(ctx context.Context, operator, from, to domain.Address, tokenID domain.TokenID) error
}

// Currency is the stable token purchases are paid in.
type Currency interface {
	TransferFrom(ctx context.Context, from, to domain.Address, amount int64) error
}

// Settler applies a whole settlement atomically. Collaborators that can do
// so (a single database holding balances and token ownership) implement it
// and the marketplace skips its compensating journal.
type Settler interface {
	Settle(ctx context.Context, s domain.Settlement) error
}

// Config is fixed for the lifetime of a Marketplace.
type Config struct {
	BukProtocol    domain.Address
	BukNFT         domain.Address
	TreasuryWallet domain.Address
	HotelWallet    domain.Address
	StableToken    domain.Address
	// Operator is the marketplace's own address: sellers approve it to move
	// their tokens.
	Operator domain.Address
	// Admin may delist any token. Empty disables administrative delisting.
	Admin domain.Address

	BukRoyalty   int
	HotelRoyalty int
	UserRoyalty  int
}

func (c Config) Validate() error {
	required := []struct {
		name string
		addr domain.Address
	}{
		{"buk protocol", c.BukProtocol},
		{"buk nft", c.BukNFT},
		{"treasury wallet", c.TreasuryWallet},
		{"hotel wallet", c.HotelWallet},
		{"stable token", c.StableToken},
		{"operator", c.Operator},
	}
	for _, r := range required {
		if !r.addr.Valid() {
			return fmt.Errorf("%w: %s address %q", domain.ErrInvalidConfiguration, r.name, r.addr)
		}
	}
	if c.Admin != "" && !c.Admin.Valid() {
		return fmt.Errorf("%w: admin address %q", domain.ErrInvalidConfiguration, c.Admin)
	}
	return royalty.ValidatePercentages(c.BukRoyalty, c.HotelRoyalty, c.UserRoyalty)
}

// Deps are the marketplace's collaborators. Settler, Listings and Events are
// optional; Currency may be nil only when a Settler is given.
type Deps struct {
	Protocol Protocol
	NFT      NFT
	Currency Currency
	Settler  Settler
	Listings listing.Repository
	Events   listing.Publisher
}

type Marketplace struct {
	cfg      Config
	protocol Protocol
	nft      NFT
	currency Currency
	settler  Settler
	registry *listing.Registry
	events   listing.Publisher

	newID func() string
	now   func() time.Time
}

func New(cfg Config, deps Deps) (*Marketplace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Protocol == nil || deps.NFT == nil {
		return nil, fmt.Errorf("%w: protocol and nft collaborators are required", domain.ErrInvalidConfiguration)
	}
	if deps.Currency == nil && deps.Settler == nil {
		return nil, fmt.Errorf("%w: either a currency or a settler is required", domain.ErrInvalidConfiguration)
	}

	return &Marketplace{
		cfg:      cfg,
		protocol: deps.Protocol,
		nft:      deps.NFT,
		currency: deps.Currency,
		settler:  deps.Settler,
		registry: listing.NewRegistry(deps.NFT, deps.Listings, deps.Events),
		events:   deps.Events,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (m *Marketplace) Config() Config                 { return m.cfg }
func (m *Marketplace) BukProtocol() domain.Address    { return m.cfg.BukProtocol }
func (m *Marketplace) BukNFT() domain.Address         { return m.cfg.BukNFT }
func (m *Marketplace) TreasuryWallet() domain.Address { return m.cfg.TreasuryWallet }
func (m *Marketplace) HotelWallet() domain.Address    { return m.cfg.HotelWallet }
func (m *Marketplace) StableToken() domain.Address    { return m.cfg.StableToken }
func (m *Marketplace) BukRoyalty() int                { return m.cfg.BukRoyalty }
func (m *Marketplace) HotelRoyalty() int              { return m.cfg.HotelRoyalty }
func (m *Marketplace) UserRoyalty() int               { return m.cfg.UserRoyalty }

// Restore reloads persisted listings, typically once at startup.
func (m *Marketplace) Restore(ctx context.Context) error {
	return m.registry.Load(ctx)
}

// ListForSale offers tokenID for price. The caller must hold the token and
// must have approved the marketplace operator to move it.
func (m *Marketplace) ListForSale(ctx context.Context, caller domain.Address, tokenID domain.TokenID, price int64) (domain.Listing, error) {
	l, err := m.listForSale(ctx, caller, tokenID, price)
	listingsTotal.WithLabelValues(outcome(err)).Inc()
	return l, err
}

func (m *Marketplace) listForSale(ctx context.Context, caller domain.Address, tokenID domain.TokenID, price int64) (domain.Listing, error) {
	if price <= 0 {
		return domain.Listing{}, fmt.Errorf("%w: got %d", domain.ErrInvalidPrice, price)
	}

	// Nobody owns a token that was never minted.
	owner, err := m.nft.OwnerOf(ctx, tokenID)
	if errors.Is(err, domain.ErrTokenNotFound) {
		return domain.Listing{}, fmt.Errorf("token %d: %w", tokenID, domain.ErrNotOwner)
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("owner of token %d: %w", tokenID, err)
	}
	if !owner.Equal(caller) {
		return domain.Listing{}, domain.ErrNotOwner
	}

	exists, err := m.protocol.Exists(ctx, tokenID)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("protocol lookup for token %d: %w", tokenID, err)
	}
	if !exists {
		return domain.Listing{}, fmt.Errorf("booking %d: %w", tokenID, domain.ErrTokenNotFound)
	}

	approved, err := m.nft.IsApproved(ctx, tokenID, m.cfg.Operator)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("approval of token %d: %w", tokenID, err)
	}
	if !approved {
		return domain.Listing{}, domain.ErrTransferNotApproved
	}

	l, err := m.registry.List(ctx, tokenID, caller, price)
	if err != nil {
		return domain.Listing{}, err
	}

	zap.L().With(
		zap.Uint64("tokenId", uint64(tokenID)),
		zap.String("seller", caller.String()),
		zap.Int64("price", price),
	).Info("Token listed")
	return l, nil
}

func (m *Marketplace) CancelListing(ctx context.Context, caller domain.Address, tokenID domain.TokenID) error {
	if err := m.registry.Cancel(ctx, tokenID, caller); err != nil {
		return err
	}

	zap.L().With(zap.Uint64("tokenId", uint64(tokenID)), zap.String("seller", caller.String())).Info("Listing cancelled")
	return nil
}

// Delist lets the admin remove any listing.
func (m *Marketplace) Delist(ctx context.Context, caller domain.Address, tokenID domain.TokenID) error {
	if m.cfg.Admin == "" || !m.cfg.Admin.Equal(caller) {
		return domain.ErrNotAdmin
	}
	if err := m.registry.Delist(ctx, tokenID); err != nil {
		return err
	}

	zap.L().With(zap.Uint64("tokenId", uint64(tokenID)), zap.String("admin", caller.String())).Warn("Listing removed by admin")
	return nil
}

func (m *Marketplace) Listing(tokenID domain.TokenID) (domain.Listing, error) {
	l, ok := m.registry.Get(tokenID)
	if !ok {
		return domain.Listing{}, domain.ErrNotListed
	}
	return l, nil
}

func (m *Marketplace) Listings() []domain.Listing {
	return m.registry.Active()
}
