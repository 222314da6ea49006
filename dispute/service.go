package dispute

import (
	"context"
)

// Service exposes the read side of disputes. Opening and resolving disputes
// goes through the trade service so the trade status moves in the same write.
type Service struct {
	db   Querier
	repo *Repository
}

func NewService(db Querier, repo *Repository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{db: db, repo: repo}
}

func (s *Service) GetByTrade(ctx context.Context, tradeID string) (Record, error) {
	return s.repo.GetByTrade(ctx, s.db, tradeID)
}

// List returns the arbitration queue for status; an empty status lists all.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]Record, error) {
	return s.repo.List(ctx, s.db, status, limit)
}
