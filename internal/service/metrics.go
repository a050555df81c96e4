package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

var (
	listingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_listings_total",
		Help: "Listing attempts, labeled by outcome",
	}, []string{"outcome"})

	purchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_purchases_total",
		Help: "Purchase attempts, labeled by outcome",
	}, []string{"outcome"})

	royaltiesPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_royalties_paid_total",
		Help: "Stable-currency minor units paid out, labeled by beneficiary",
	}, []string{"beneficiary"})

	purchaseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketplace_purchase_duration_seconds",
		Help:    "Latency distribution of purchases including settlement",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotListed), errors.Is(err, domain.ErrAlreadyListed),
		errors.Is(err, domain.ErrConcurrentUpdate):
		return "conflict"
	case errors.Is(err, domain.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, domain.ErrNotOwner), errors.Is(err, domain.ErrNotSeller),
		errors.Is(err, domain.ErrTransferNotApproved), errors.Is(err, domain.ErrSelfPurchase):
		return "rejected"
	case errors.Is(err, domain.ErrInvalidPrice), errors.Is(err, domain.ErrInvalidAddress):
		return "invalid"
	default:
		return "error"
	}
}
