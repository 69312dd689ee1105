package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"loom/internal/models"
)

type PKIStore struct{ db *gorm.DB }

func NewPKIStore(db *gorm.DB) *PKIStore { return &PKIStore{db: db} }

func (s *PKIStore) GetOrCreateCA(ctx context.Context, name string, create func() (*models.CA, error)) (*models.CA, error) {
	var ca models.CA
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&ca).Error; err == nil {
		return &ca, nil
	}
	newCA, err := create()
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(newCA).Error; err != nil {
		return nil, err
	}
	return newCA, nil
}

func (s *PKIStore) SaveCert(ctx context.Context, c *models.Certificate) error {
	return s.db.WithContext(ctx).Create(c).Error
}

// ActiveCert — живой (неотозванный, непросроченный) сертификат устройства
// с данным CN; nil без ошибки, если такого нет.
func (s *PKIStore) ActiveCert(ctx context.Context, deviceID uint, cn string) (*models.Certificate, error) {
	var c models.Certificate
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND cn = ? AND revoked_at IS NULL AND not_after > ?", deviceID, cn, time.Now().UTC()).
		Order("id desc").
		First(&c).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PKIStore) RevokeCert(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Certificate{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", at).Error
}

func (s *PKIStore) RevokeDeviceCerts(ctx context.Context, deviceID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Certificate{}).
		Where("device_id = ? AND revoked_at IS NULL", deviceID).
		Update("revoked_at", at).Error
}
