// Package royalty splits a sale price between the platform treasury, the
// hotel, the booking's first owner and the seller.
package royalty

import (
	"fmt"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

// Denominator is the whole of a price in royalty percentage points.
const Denominator = 100

// Split is how one sale price divides among the beneficiaries.
type Split struct {
	Platform int64 `json:"platform"`
	Hotel    int64 `json:"hotel"`
	Owner    int64 `json:"owner"`
	Seller   int64 `json:"seller"`
}

func (s Split) Total() int64 {
	return s.Platform + s.Hotel + s.Owner + s.Seller
}

// ValidatePercentages reports ErrInvalidConfiguration unless all three
// percentages are non-negative and add up to at most Denominator.
func ValidatePercentages(platformPct, hotelPct, ownerPct int) error {
	if platformPct < 0 || hotelPct < 0 || ownerPct < 0 {
		return fmt.Errorf("%w: royalty percentages must not be negative (platform=%d hotel=%d owner=%d)",
			domain.ErrInvalidConfiguration, platformPct, hotelPct, ownerPct)
	}
	if sum := platformPct + hotelPct + ownerPct; sum > Denominator {
		return fmt.Errorf("%w: royalty percentages add up to %d, more than %d",
			domain.ErrInvalidConfiguration, sum, Denominator)
	}
	return nil
}

// ComputeSplit rounds every royalty share down and hands the remainder to
// the seller, so the four shares always sum to price exactly.
func ComputeSplit(price int64, platformPct, hotelPct, ownerPct int) (Split, error) {
	if err := ValidatePercentages(platformPct, hotelPct, ownerPct); err != nil {
		return Split{}, err
	}
	if price <= 0 {
		return Split{}, fmt.Errorf("%w: got %d", domain.ErrInvalidPrice, price)
	}

	s := Split{
		Platform: share(price, platformPct),
		Hotel:    share(price, hotelPct),
		Owner:    share(price, ownerPct),
	}
	s.Seller = price - s.Platform - s.Hotel - s.Owner
	return s, nil
}

// share is floor(price*pct/Denominator) without forming price*pct, which
// would overflow for prices above MaxInt64/Denominator.
func share(price int64, pct int) int64 {
	q, r := price/Denominator, price%Denominator
	return q*int64(pct) + r*int64(pct)/Denominator
}
