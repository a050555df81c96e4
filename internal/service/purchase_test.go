package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/bukmarket/internal/domain"
	"github.com/punchamoorthee/bukmarket/internal/inmem"
)

func listToken(t *testing.T, f *fixture, price int64) {
	t.Helper()
	_, err := f.market.ListForSale(context.Background(), seller, 1, price)
	require.NoError(t, err)
}

func TestPurchasePaysRoyaltiesAndMovesToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	listToken(t, f, 1000)

	sale, err := f.market.Purchase(ctx, 1, buyer)
	require.NoError(t, err)

	assert.NotEmpty(t, sale.ID)
	assert.Equal(t, firstOwner, sale.FirstOwner)
	assert.Equal(t, int64(50), sale.PlatformShare)
	assert.Equal(t, int64(20), sale.HotelShare)
	assert.Equal(t, int64(10), sale.OwnerShare)
	assert.Equal(t, int64(920), sale.SellerShare)

	assert.Equal(t, int64(4000), f.balance(t, buyer))
	assert.Equal(t, int64(50), f.balance(t, treasury))
	assert.Equal(t, int64(20), f.balance(t, hotel))
	assert.Equal(t, int64(10), f.balance(t, firstOwner))
	assert.Equal(t, int64(920), f.balance(t, seller))
	assert.Equal(t, buyer, f.owner(t, 1))

	_, err = f.market.Listing(1)
	assert.ErrorIs(t, err, domain.ErrNotListed)

	sales := f.events.sales()
	require.Len(t, sales, 1)
	assert.Equal(t, sale.ID, sales[0].Sale.ID)

	_, err = f.market.Purchase(ctx, 1, buyer)
	assert.ErrorIs(t, err, domain.ErrNotListed, "a sold token cannot be bought twice")
}

func TestPurchaseTruncatedSharesGoToSeller(t *testing.T) {
	f := newFixture(t)
	listToken(t, f, 999)

	_, err := f.market.Purchase(context.Background(), 1, buyer)
	require.NoError(t, err)

	assert.Equal(t, int64(49), f.balance(t, treasury))
	assert.Equal(t, int64(19), f.balance(t, hotel))
	assert.Equal(t, int64(9), f.balance(t, firstOwner))
	assert.Equal(t, int64(922), f.balance(t, seller))
	assert.Equal(t, int64(5000-999), f.balance(t, buyer))
}

func TestPurchaseWhenSellerIsFirstOwner(t *testing.T) {
	f := newFixture(t)
	f.protocol.Register(1, seller)
	listToken(t, f, 1000)

	_, err := f.market.Purchase(context.Background(), 1, buyer)
	require.NoError(t, err)
	assert.Equal(t, int64(930), f.balance(t, seller))
}

func TestPurchaseOfUnlistedTokenMovesNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.market.Purchase(context.Background(), 1, buyer)
	assert.ErrorIs(t, err, domain.ErrNotListed)
	f.assertUntouched(t)
	assert.Zero(t, f.token.calls)
}

func TestPurchaseRejectsOwnListing(t *testing.T) {
	f := newFixture(t)
	listToken(t, f, 1000)

	_, err := f.market.Purchase(context.Background(), 1, seller)
	assert.ErrorIs(t, err, domain.ErrSelfPurchase)

	_, err = f.market.Listing(1)
	assert.NoError(t, err, "the listing stays on sale")
}

func TestPurchaseUnknownFirstOwner(t *testing.T) {
	f := newFixture(t)
	listToken(t, f, 1000)
	f.protocol.err = errors.New("protocol unavailable")

	_, err := f.market.Purchase(context.Background(), 1, buyer)
	assert.ErrorIs(t, err, domain.ErrUnknownFirstOwner)
	f.assertUntouched(t)

	_, err = f.market.Listing(1)
	assert.NoError(t, err)
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	listToken(t, f, 6000)

	_, err := f.market.Purchase(context.Background(), 1, buyer)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	f.assertUntouched(t)
}

func TestPurchaseRollsBackWhenTokenTransferFails(t *testing.T) {
	f := newFixture(t)
	listToken(t, f, 1000)
	f.nft.failTransfer = errors.New("execution reverted")

	_, err := f.market.Purchase(context.Background(), 1, buyer)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	f.assertUntouched(t)

	_, err = f.market.Listing(1)
	require.NoError(t, err, "a failed purchase releases the listing")

	f.nft.failTransfer = nil
	_, err = f.market.Purchase(context.Background(), 1, buyer)
	assert.NoError(t, err)
}

func TestPurchaseRollsBackMidSettlement(t *testing.T) {
	f := newFixture(t)
	listToken(t, f, 1000)
	// platform and hotel legs succeed, the first owner leg fails.
	f.token.failOn = 3

	_, err := f.market.Purchase(context.Background(), 1, buyer)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	f.assertUntouched(t)
	assert.Equal(t, 5, f.token.calls, "two legs paid and two reversed")
}

func TestPurchaseReportsIncompleteRollback(t *testing.T) {
	f := newFixture(t)
	listToken(t, f, 1000)
	f.token.failOn = 3
	f.token.failUndo = true

	_, err := f.market.Purchase(context.Background(), 1, buyer)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Contains(t, err.Error(), "undo hotel share")
	assert.Contains(t, err.Error(), "undo platform share")
}

func TestPurchaseRollbackSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t)
	listToken(t, f, 1000)
	f.nft.failTransfer = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	undo := &cancellingCurrency{Token: f.token.Token, cancel: cancel}
	f.market.currency = undo

	_, err := f.market.Purchase(ctx, 1, buyer)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	f.assertUntouched(t)
	assert.Zero(t, undo.cancelledUndos, "undo steps never see the cancelled context")
}

// cancellingCurrency cancels the request after the first leg and counts undo
// steps run on a cancelled context.
type cancellingCurrency struct {
	*inmem.Token
	cancel         context.CancelFunc
	legs           int
	cancelledUndos int
}

func (c *cancellingCurrency) TransferFrom(ctx context.Context, from, to domain.Address, amount int64) error {
	if from.Equal(buyer) {
		c.legs++
		if c.legs == 1 {
			c.cancel()
		}
	} else if ctx.Err() != nil {
		c.cancelledUndos++
	}
	return c.Token.TransferFrom(ctx, from, to, amount)
}

func TestPurchaseFailsWhenSellerMovedToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	listToken(t, f, 1000)

	other := domain.Address("0x23618e81E3f5cdF7f54C3d65f7FBc0aBf5B21E8f")
	require.NoError(t, f.nft.BookingNFT.TransferFrom(ctx, seller, seller, other, 1))

	_, err := f.market.Purchase(ctx, 1, buyer)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, int64(5000), f.balance(t, buyer))
	assert.Zero(t, f.token.calls)
}

func TestPurchaseFailsWhenApprovalRevoked(t *testing.T) {
	f := newFixture(t)
	listToken(t, f, 1000)
	f.nft.SetApprovalForAll(seller, operator, false)

	_, err := f.market.Purchase(context.Background(), 1, buyer)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.ErrorIs(t, err, domain.ErrTransferNotApproved)
	f.assertUntouched(t)
}

func TestPurchaseRejectsMalformedPayer(t *testing.T) {
	f := newFixture(t)
	listToken(t, f, 1000)

	_, err := f.market.Purchase(context.Background(), 1, "buyer")
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)

	_, err = f.market.Listing(1)
	assert.NoError(t, err)
}

func TestConcurrentPurchasesHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	listToken(t, f, 1000)

	const buyers = 32
	addrs := make([]domain.Address, buyers)
	for i := range addrs {
		addrs[i] = domain.Address(fmt.Sprintf("0x%040x", i+0x1000))
		f.token.Mint(addrs[i], 1000)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []domain.Address
	notListed := 0

	wg.Add(buyers)
	for _, addr := range addrs {
		go func() {
			defer wg.Done()
			_, err := f.market.Purchase(context.Background(), 1, addr)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, addr)
			case errors.Is(err, domain.ErrNotListed):
				notListed++
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, buyers-1, notListed)
	assert.Equal(t, winners[0], f.owner(t, 1))
	assert.Equal(t, int64(920), f.balance(t, seller))
	assert.Zero(t, f.balance(t, winners[0]))
}

func TestConcurrentCancelAndPurchase(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		f := newFixture(t)
		listToken(t, f, 1000)

		var wg sync.WaitGroup
		var cancelErr, buyErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelErr = f.market.CancelListing(ctx, seller, 1)
		}()
		go func() {
			defer wg.Done()
			_, buyErr = f.market.Purchase(ctx, 1, buyer)
		}()
		wg.Wait()

		if buyErr == nil {
			assert.ErrorIs(t, cancelErr, domain.ErrNotListed)
			assert.Equal(t, buyer, f.owner(t, 1))
		} else {
			require.NoError(t, cancelErr)
			assert.ErrorIs(t, buyErr, domain.ErrNotListed)
			f.assertUntouched(t)
		}
	}
}

type recordingSettler struct {
	settled []domain.Settlement
	err     error
}

func (s *recordingSettler) Settle(_ context.Context, st domain.Settlement) error {
	if s.err != nil {
		return s.err
	}
	s.settled = append(s.settled, st)
	return nil
}

func TestPurchaseUsesSettler(t *testing.T) {
	ctx := context.Background()
	nft := inmem.NewBookingNFT()
	protocol := inmem.NewProtocol()
	protocol.Register(1, firstOwner)
	require.NoError(t, nft.Mint(1, seller))
	nft.SetApprovalForAll(seller, operator, true)

	settler := &recordingSettler{err: fmt.Errorf("%w: balance 10", domain.ErrInsufficientFunds)}
	m, err := New(testConfig(), Deps{Protocol: protocol, NFT: nft, Settler: settler})
	require.NoError(t, err)

	_, err = m.ListForSale(ctx, seller, 1, 1000)
	require.NoError(t, err)

	_, err = m.Purchase(ctx, 1, buyer)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = m.Listing(1)
	require.NoError(t, err)

	settler.err = nil
	sale, err := m.Purchase(ctx, 1, buyer)
	require.NoError(t, err)

	require.Len(t, settler.settled, 1)
	st := settler.settled[0]
	assert.Equal(t, operator, st.Operator)
	assert.Equal(t, sale, st.Sale)
	assert.Equal(t, []domain.Leg{
		{Beneficiary: domain.PlatformBeneficiary, From: buyer, To: treasury, Amount: 50},
		{Beneficiary: domain.HotelBeneficiary, From: buyer, To: hotel, Amount: 20},
		{Beneficiary: domain.FirstOwnerBeneficiary, From: buyer, To: firstOwner, Amount: 10},
		{Beneficiary: domain.SellerBeneficiary, From: buyer, To: seller, Amount: 920},
	}, st.Legs)

	_, err = m.Listing(1)
	assert.ErrorIs(t, err, domain.ErrNotListed)
}

// lostAckSettler moves the token and then fails, like a commit whose
// acknowledgement never reached the client.
type lostAckSettler struct {
	nft  *inmem.BookingNFT
	move bool
}

func (s *lostAckSettler) Settle(ctx context.Context, st domain.Settlement) error {
	if s.move {
		if err := s.nft.TransferFrom(ctx, st.Operator, st.Sale.Seller, st.Sale.Payer, st.Sale.TokenID); err != nil {
			return err
		}
	}
	return errors.New("commit: connection reset by peer")
}

func TestPurchaseSettledDespiteCommitError(t *testing.T) {
	tests := []struct {
		name       string
		move       bool
		wantSold   bool
		wantHolder domain.Address
	}{
		{"commit applied", true, true, buyer},
		{"commit lost", false, false, seller},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			nft := inmem.NewBookingNFT()
			protocol := inmem.NewProtocol()
			protocol.Register(1, firstOwner)
			require.NoError(t, nft.Mint(1, seller))
			nft.SetApprovalForAll(seller, operator, true)

			events := &recorder{}
			m, err := New(testConfig(), Deps{Protocol: protocol, NFT: nft, Settler: &lostAckSettler{nft: nft, move: tt.move}, Events: events})
			require.NoError(t, err)
			_, err = m.ListForSale(ctx, seller, 1, 1000)
			require.NoError(t, err)

			sale, err := m.Purchase(ctx, 1, buyer)
			holder, ownerErr := nft.OwnerOf(ctx, 1)
			require.NoError(t, ownerErr)
			assert.Equal(t, tt.wantHolder, holder)

			_, listErr := m.Listing(1)
			if tt.wantSold {
				require.NoError(t, err)
				assert.Equal(t, buyer, sale.Payer)
				assert.ErrorIs(t, listErr, domain.ErrNotListed, "a sold token is not relisted")
				assert.Len(t, events.sales(), 1)
			} else {
				assert.ErrorContains(t, err, "connection reset")
				assert.NoError(t, listErr, "the listing is released for another buyer")
				assert.Empty(t, events.sales())
			}
		})
	}
}

func TestLegsSkipZeroShares(t *testing.T) {
	cfg := testConfig()
	cfg.BukRoyalty, cfg.HotelRoyalty, cfg.UserRoyalty = 0, 2, 0
	m, err := New(cfg, Deps{Protocol: inmem.NewProtocol(), NFT: inmem.NewBookingNFT(), Currency: inmem.NewToken()})
	require.NoError(t, err)

	legs := m.legs(domain.Sale{Payer: buyer, Seller: seller, FirstOwner: firstOwner, HotelShare: 2, SellerShare: 98})
	require.Len(t, legs, 2)
	assert.Equal(t, domain.HotelBeneficiary, legs[0].Beneficiary)
	assert.Equal(t, domain.SellerBeneficiary, legs[1].Beneficiary)
}
