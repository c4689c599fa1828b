// Package reputation scores marketplace users on a 0-5 scale from recorded
// ratings. The escrow engine consults these scores when parties opt into
// reputation-weighted dispute resolution.
package reputation

import (
	"context"
	"errors"
	"fmt"
)

var ErrInvalidRating = errors.New("rating must be between 0 and 5")

// defaultScore is returned for users with no rating history. Deliberately
// below the usual reputation floor so unknown users cannot opt into
// reputation-weighted resolution.
const defaultScore = 2.5

// Store persists individual ratings.
type Store interface {
	Add(ctx context.Context, userID string, rating float64, escrowID string) error
	// Average returns the mean rating and the number of ratings recorded.
	Average(ctx context.Context, userID string) (float64, int, error)
}

// Service is a store-backed reputation oracle.
type Service struct {
	store Store
}

// NewService creates a reputation service over the given store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Record stores a rating for a user, optionally tied to an escrow.
func (s *Service) Record(ctx context.Context, userID string, rating float64, escrowID string) error {
	if rating < 0 || rating > 5 {
		return ErrInvalidRating
	}
	if err := s.store.Add(ctx, userID, rating, escrowID); err != nil {
		return fmt.Errorf("record rating: %w", err)
	}
	return nil
}

// Score returns the user's average rating clamped to [0, 5]. Users with no
// history score defaultScore.
func (s *Service) Score(ctx context.Context, userID string) (float64, error) {
	avg, count, err := s.store.Average(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("reputation lookup: %w", err)
	}
	if count == 0 {
		return defaultScore, nil
	}
	if avg < 0 {
		avg = 0
	}
	if avg > 5 {
		avg = 5
	}
	return avg, nil
}
