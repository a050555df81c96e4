package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

type undoStep struct {
	what string
	fn   func(ctx context.Context) error
}

// journal records how to reverse each completed settlement step.
type journal struct {
	steps []undoStep
}

func (j *journal) push(what string, fn func(ctx context.Context) error) {
	j.steps = append(j.steps, undoStep{what: what, fn: fn})
}

// unwind runs every undo step in reverse order, even after one fails.
func (j *journal) unwind(ctx context.Context) error {
	var errs []error
	for i := len(j.steps) - 1; i >= 0; i-- {
		step := j.steps[i]
		if err := step.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", step.what, err))
		}
	}
	j.steps = nil
	return errors.Join(errs...)
}

// settle moves every currency leg and then the token. When a step fails the
// completed ones are reversed so no funds move without the token moving.
func (m *Marketplace) settle(ctx context.Context, s domain.Settlement) (err error) {
	var j journal
	defer func() {
		if err == nil {
			return
		}
		// The request may already be cancelled; the rollback must still run.
		if rbErr := j.unwind(context.WithoutCancel(ctx)); rbErr != nil {
			zap.L().With(
				zap.String("saleId", s.Sale.ID),
				zap.Uint64("tokenId", uint64(s.Sale.TokenID)),
				zap.Error(rbErr),
			).Error("Settlement rollback incomplete")
			err = errors.Join(err, rbErr)
		}
	}()

	for _, leg := range s.Legs {
		if err := m.currency.TransferFrom(ctx, leg.From, leg.To, leg.Amount); err != nil {
			return fmt.Errorf("%w: %s share of %d: %w", domain.ErrTransferFailed, leg.Beneficiary, leg.Amount, err)
		}
		j.push(fmt.Sprintf("%s share", leg.Beneficiary), func(ctx context.Context) error {
			return m.currency.TransferFrom(ctx, leg.To, leg.From, leg.Amount)
		})
	}

	if err := m.nft.TransferFrom(ctx, s.Operator, s.Sale.Seller, s.Sale.Payer, s.Sale.TokenID); err != nil {
		return fmt.Errorf("%w: token %d: %w", domain.ErrTransferFailed, s.Sale.TokenID, err)
	}
	return nil
}
