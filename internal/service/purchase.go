package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/punchamoorthee/bukmarket/internal/domain"
	"github.com/punchamoorthee/bukmarket/internal/event"
	"github.com/punchamoorthee/bukmarket/internal/royalty"
)

// Purchase buys the listed token for payer at the listed price. Either every
// royalty share is paid and the token moves to payer, or nothing changes.
func (m *Marketplace) Purchase(ctx context.Context, tokenID domain.TokenID, payer domain.Address) (domain.Sale, error) {
	timer := prometheus.NewTimer(purchaseDuration)
	defer timer.ObserveDuration()

	sale, err := m.purchase(ctx, tokenID, payer)
	purchasesTotal.WithLabelValues(outcome(err)).Inc()
	return sale, err
}

func (m *Marketplace) purchase(ctx context.Context, tokenID domain.TokenID, payer domain.Address) (domain.Sale, error) {
	if !payer.Valid() {
		return domain.Sale{}, fmt.Errorf("%w: payer %q", domain.ErrInvalidAddress, payer)
	}

	// Reserving is the first mutation: from here on concurrent purchases and
	// cancels of this token see ErrNotListed.
	l, err := m.registry.Reserve(tokenID)
	if err != nil {
		return domain.Sale{}, err
	}
	settled := false
	defer func() {
		if !settled {
			m.registry.Release(tokenID)
		}
	}()

	if l.Seller.Equal(payer) {
		return domain.Sale{}, domain.ErrSelfPurchase
	}

	firstOwner, err := m.protocol.FirstOwner(ctx, tokenID)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("%w: token %d: %w", domain.ErrUnknownFirstOwner, tokenID, err)
	}
	if !firstOwner.Valid() {
		return domain.Sale{}, fmt.Errorf("%w: token %d resolved to %q", domain.ErrUnknownFirstOwner, tokenID, firstOwner)
	}

	split, err := royalty.ComputeSplit(l.Price, m.cfg.BukRoyalty, m.cfg.HotelRoyalty, m.cfg.UserRoyalty)
	if err != nil {
		return domain.Sale{}, err
	}

	sale := domain.Sale{
		ID:            m.newID(),
		TokenID:       tokenID,
		Payer:         payer,
		Seller:        l.Seller,
		FirstOwner:    firstOwner,
		Price:         l.Price,
		PlatformShare: split.Platform,
		HotelShare:    split.Hotel,
		OwnerShare:    split.Owner,
		SellerShare:   split.Seller,
		SettledAt:     m.now(),
	}
	settlement := domain.Settlement{
		Sale:     sale,
		Operator: m.cfg.Operator,
		Legs:     m.legs(sale),
	}

	log := zap.L().With(
		zap.String("saleId", sale.ID),
		zap.Uint64("tokenId", uint64(tokenID)),
		zap.String("seller", sale.Seller.String()),
		zap.String("payer", payer.String()),
		zap.Int64("price", sale.Price),
	)

	if err := m.deliverable(ctx, l); err != nil {
		log.With(zap.Error(err)).Warn("Purchase rejected before settlement")
		return domain.Sale{}, err
	}

	if m.settler != nil {
		err = m.settler.Settle(ctx, settlement)
		if err != nil && m.settledDespite(ctx, err, tokenID, payer) {
			log.With(zap.Error(err)).Warn("Settlement reported an error but the token reached the payer")
			err = nil
		}
	} else {
		err = m.settle(ctx, settlement)
	}
	if err != nil {
		log.With(zap.Error(err)).Error("Settlement failed")
		return domain.Sale{}, err
	}
	settled = true

	if err := m.registry.Clear(ctx, tokenID); err != nil {
		log.With(zap.Error(err)).Error("Sold listing could not be removed from the repository")
	}

	for _, leg := range settlement.Legs {
		royaltiesPaid.WithLabelValues(string(leg.Beneficiary)).Add(float64(leg.Amount))
	}
	if m.events != nil {
		m.events.Publish(event.Sold(sale))
	}

	log.With(
		zap.Int64("platform", sale.PlatformShare),
		zap.Int64("hotel", sale.HotelShare),
		zap.Int64("firstOwner", sale.OwnerShare),
	).Info("Token sold")
	return sale, nil
}

// legs lists the currency movements of a sale in payout order. Zero shares
// are left out.
func (m *Marketplace) legs(s domain.Sale) []domain.Leg {
	all := []domain.Leg{
		{Beneficiary: domain.PlatformBeneficiary, From: s.Payer, To: m.cfg.TreasuryWallet, Amount: s.PlatformShare},
		{Beneficiary: domain.HotelBeneficiary, From: s.Payer, To: m.cfg.HotelWallet, Amount: s.HotelShare},
		{Beneficiary: domain.FirstOwnerBeneficiary, From: s.Payer, To: s.FirstOwner, Amount: s.OwnerShare},
		{Beneficiary: domain.SellerBeneficiary, From: s.Payer, To: s.Seller, Amount: s.SellerShare},
	}

	legs := make([]domain.Leg, 0, len(all))
	for _, leg := range all {
		if leg.Amount > 0 {
			legs = append(legs, leg)
		}
	}
	return legs
}

// settledDespite reports whether a failed Settle call committed anyway, as
// when the connection drops after the server applied the commit. Rejections
// wrapping ErrTransferFailed never committed.
func (m *Marketplace) settledDespite(ctx context.Context, err error, tokenID domain.TokenID, payer domain.Address) bool {
	if errors.Is(err, domain.ErrTransferFailed) {
		return false
	}
	owner, ownerErr := m.nft.OwnerOf(context.WithoutCancel(ctx), tokenID)
	if ownerErr != nil {
		zap.L().With(zap.Error(ownerErr), zap.Uint64("tokenId", uint64(tokenID))).Error("Owner unknown after failed settlement")
		return false
	}
	return owner.Equal(payer)
}

// deliverable checks that the token can still move from the seller before
// any money does.
func (m *Marketplace) deliverable(ctx context.Context, l domain.Listing) error {
	owner, err := m.nft.OwnerOf(ctx, l.TokenID)
	if err != nil {
		return fmt.Errorf("%w: owner of token %d: %w", domain.ErrTransferFailed, l.TokenID, err)
	}
	if !owner.Equal(l.Seller) {
		return fmt.Errorf("%w: seller %s no longer holds token %d", domain.ErrTransferFailed, l.Seller, l.TokenID)
	}

	approved, err := m.nft.IsApproved(ctx, l.TokenID, m.cfg.Operator)
	if err != nil {
		return fmt.Errorf("%w: approval of token %d: %w", domain.ErrTransferFailed, l.TokenID, err)
	}
	if !approved {
		return fmt.Errorf("%w: %w", domain.ErrTransferFailed, domain.ErrTransferNotApproved)
	}
	return nil
}
