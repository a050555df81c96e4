package api

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

var errInvalidAddress = errors.New("must be a 0x-prefixed 20 byte hex address")

var isAddress = validation.By(func(value interface{}) error {
	s, _ := value.(string)
	if !domain.Address(s).Valid() {
		return errInvalidAddress
	}
	return nil
})

type CreateListingRequest struct {
	TokenID uint64 `json:"token_id"`
	Price   int64  `json:"price"`
}

func (req *CreateListingRequest) Validate() error {
	return validation.ValidateStruct(
		req,
		validation.Field(&req.Price, validation.Required, validation.Min(int64(1))),
	)
}

// ValidateAddress checks a wallet address taken from a path or query.
func ValidateAddress(addr string) error {
	return validation.Validate(addr, validation.Required, isAddress)
}
