package store

import (
	"context"

	"github.com/zulandar/switchyard/internal/models"
)

// CreateEndpoint records a live model-server address.
func (s *Store) CreateEndpoint(ctx context.Context, address string) (*models.Endpoint, error) {
	ep := models.Endpoint{Address: address}
	if err := s.db.WithContext(ctx).Create(&ep).Error; err != nil {
		return nil, wrap("create endpoint", err)
	}
	return &ep, nil
}

// DeleteEndpoint removes the endpoint row for address. Conversations that
// referenced it are left unassigned. Reports whether a row was removed.
func (s *Store) DeleteEndpoint(ctx context.Context, address string) (bool, error) {
	res := s.db.WithContext(ctx).Where("address = ?", address).Delete(&models.Endpoint{})
	if res.Error != nil {
		return false, wrap("delete endpoint", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetEndpoint looks up an endpoint by address.
func (s *Store) GetEndpoint(ctx context.Context, address string) (*models.Endpoint, error) {
	var ep models.Endpoint
	if err := s.db.WithContext(ctx).Where("address = ?", address).First(&ep).Error; err != nil {
		return nil, wrap("get endpoint", err)
	}
	return &ep, nil
}

// ListEndpoints returns every recorded endpoint ordered by id.
func (s *Store) ListEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	var eps []models.Endpoint
	if err := s.db.WithContext(ctx).Order("id").Find(&eps).Error; err != nil {
		return nil, wrap("list endpoints", err)
	}
	return eps, nil
}

// PurgeEndpoints deletes every endpoint row. Used at startup, when no
// process from a previous run can still be alive.
func (s *Store) PurgeEndpoints(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("1 = 1").Delete(&models.Endpoint{})
	if res.Error != nil {
		return 0, wrap("purge endpoints", res.Error)
	}
	return res.RowsAffected, nil
}
