package store

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

func (s *Store) SaveListing(ctx context.Context, l domain.Listing) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO listings (token_id, seller, price, listed_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token_id) DO UPDATE SET seller = EXCLUDED.seller, price = EXCLUDED.price, listed_at = EXCLUDED.listed_at`,
		int64(l.TokenID), l.Seller.Key(), l.Price, l.ListedAt)
	return err
}

func (s *Store) DeleteListing(ctx context.Context, tokenID domain.TokenID) error {
	_, err := s.Db.Exec(ctx, "DELETE FROM listings WHERE token_id = $1", int64(tokenID))
	return err
}

func (s *Store) ActiveListings(ctx context.Context) ([]domain.Listing, error) {
	rows, err := s.Db.Query(ctx, "SELECT token_id, seller, price, listed_at FROM listings ORDER BY token_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []domain.Listing
	for rows.Next() {
		var l domain.Listing
		var tokenID int64
		var seller string
		if err := rows.Scan(&tokenID, &seller, &l.Price, &l.ListedAt); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		l.TokenID = domain.TokenID(tokenID)
		l.Seller = domain.Address(seller)
		l.Active = true
		listings = append(listings, l)
	}
	return listings, rows.Err()
}
