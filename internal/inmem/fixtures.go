package inmem

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

// Fixtures is the JSON document that seeds an in-memory marketplace.
type Fixtures struct {
	Accounts []struct {
		Address domain.Address `json:"address"`
		Balance int64          `json:"balance"`
	} `json:"accounts"`
	Bookings []struct {
		TokenID    domain.TokenID `json:"tokenId"`
		Owner      domain.Address `json:"owner"`
		FirstOwner domain.Address `json:"firstOwner,omitempty"`
	} `json:"bookings"`
	Approvals []struct {
		Owner    domain.Address `json:"owner"`
		Operator domain.Address `json:"operator"`
	} `json:"approvals"`
}

// LoadFixtures funds accounts, mints bookings and registers them with the
// protocol, then grants operator approvals. A booking without a first owner
// is registered with its current owner.
func LoadFixtures(r io.Reader, token *Token, nft *BookingNFT, protocol *Protocol) error {
	var f Fixtures
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return fmt.Errorf("decode fixtures: %w", err)
	}

	for _, a := range f.Accounts {
		if !a.Address.Valid() {
			return fmt.Errorf("account %q: %w", a.Address, domain.ErrInvalidAddress)
		}
		if a.Balance < 0 {
			return fmt.Errorf("account %s: negative balance %d", a.Address, a.Balance)
		}
		token.Mint(a.Address, a.Balance)
	}

	for _, b := range f.Bookings {
		firstOwner := b.FirstOwner
		if firstOwner == "" {
			firstOwner = b.Owner
		}
		if !b.Owner.Valid() || !firstOwner.Valid() {
			return fmt.Errorf("booking %d: %w", b.TokenID, domain.ErrInvalidAddress)
		}
		if err := nft.Mint(b.TokenID, b.Owner); err != nil {
			return err
		}
		protocol.Register(b.TokenID, firstOwner)
	}

	for _, a := range f.Approvals {
		if !a.Owner.Valid() || !a.Operator.Valid() {
			return fmt.Errorf("approval %s -> %s: %w", a.Owner, a.Operator, domain.ErrInvalidAddress)
		}
		nft.SetApprovalForAll(a.Owner, a.Operator, true)
	}
	return nil
}
