package domain

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Address is a hex wallet or contract address. It keeps the casing it was
// supplied with; comparisons ignore case.
type Address string

func (a Address) Valid() bool {
	return addressPattern.MatchString(string(a))
}

func (a Address) Equal(b Address) bool {
	return strings.EqualFold(string(a), string(b))
}

// Key is the canonical lower-case form used for map keys and storage.
func (a Address) Key() string {
	return strings.ToLower(string(a))
}

func (a Address) String() string {
	return string(a)
}

// TokenID identifies a booking NFT inside the BUK NFT collection.
type TokenID uint64

// Account is a stable-currency balance held by an address.
type Account struct {
	Address Address `json:"address"`
	Balance int64   `json:"balance"`
}

// Listing is a resale offer for one booking token.
type Listing struct {
	TokenID  TokenID   `json:"token_id"`
	Seller   Address   `json:"seller"`
	Price    int64     `json:"price"`
	Active   bool      `json:"active"`
	ListedAt time.Time `json:"listed_at"`
}

// Sale is the record of a completed purchase. The four shares always add up
// to Price.
type Sale struct {
	ID            string    `json:"id"`
	TokenID       TokenID   `json:"token_id"`
	Payer         Address   `json:"payer"`
	Seller        Address   `json:"seller"`
	FirstOwner    Address   `json:"first_owner"`
	Price         int64     `json:"price"`
	PlatformShare int64     `json:"platform_share"`
	HotelShare    int64     `json:"hotel_share"`
	OwnerShare    int64     `json:"owner_share"`
	SellerShare   int64     `json:"seller_share"`
	SettledAt     time.Time `json:"settled_at"`
}

// Beneficiary names the recipient role of a settlement leg.
type Beneficiary string

const (
	PlatformBeneficiary   Beneficiary = "platform"
	HotelBeneficiary      Beneficiary = "hotel"
	FirstOwnerBeneficiary Beneficiary = "first_owner"
	SellerBeneficiary     Beneficiary = "seller"
)

// Leg is one stable-currency movement of a settlement.
type Leg struct {
	Beneficiary Beneficiary `json:"beneficiary"`
	From        Address     `json:"from"`
	To          Address     `json:"to"`
	Amount      int64       `json:"amount"`
}

// Settlement is everything that has to move for a sale to complete: the
// currency legs from the payer and the token from seller to payer.
type Settlement struct {
	Sale     Sale    `json:"sale"`
	Operator Address `json:"operator"`
	Legs     []Leg   `json:"legs"`
}

// LedgerEntry represents one leg of the double-entry accounting.
// The sum of Deltas for a given SaleID must always equal 0.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	SaleID    string    `json:"sale_id,omitempty"`
	Account   Address   `json:"account"`
	Delta     int64     `json:"delta"`
	CreatedAt time.Time `json:"created_at"`
}

// IdempotencyRecord stores the response state for exact-once delivery.
type IdempotencyRecord struct {
	Key            string          `json:"key"`
	RequestHash    string          `json:"request_hash"`
	Status         string          `json:"status"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	ResponseStatus int             `json:"response_status,omitempty"`
}

const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
)
