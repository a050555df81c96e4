package domain

import "errors"

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrInvalidPrice         = errors.New("price must be positive")

	ErrNotOwner  = errors.New("caller does not own the token")
	ErrNotSeller = errors.New("caller is not the seller")
	ErrNotAdmin  = errors.New("caller is not the marketplace admin")

	ErrAlreadyListed = errors.New("token is already listed")
	ErrNotListed     = errors.New("token is not listed")
	ErrSelfPurchase  = errors.New("cannot buy your own listing")

	ErrTokenNotFound       = errors.New("token not found")
	ErrTransferNotApproved = errors.New("marketplace is not approved to transfer the token")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrUnknownFirstOwner   = errors.New("first owner could not be resolved")

	ErrAccountNotFound   = errors.New("account not found")
	ErrSaleNotFound      = errors.New("sale not found")
	ErrInsufficientFunds = errors.New("insufficient funds")

	ErrConcurrentUpdate    = errors.New("concurrent update, retry the request")
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
)
