package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"loom/internal/models"
)

type VPNStore struct{ db *gorm.DB }

func NewVPNStore(db *gorm.DB) *VPNStore { return &VPNStore{db: db} }

func (s *VPNStore) Get(ctx context.Context, id uint) (*models.VPN, error) {
	var v models.VPN
	err := s.db.WithContext(ctx).First(&v, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *VPNStore) List(ctx context.Context) ([]models.VPN, error) {
	var out []models.VPN
	err := s.db.WithContext(ctx).Order("id asc").Find(&out).Error
	return out, err
}

func (s *VPNStore) Save(ctx context.Context, v *models.VPN) error {
	return s.db.WithContext(ctx).Save(v).Error
}

// EnsureWGPeer — ключевой материал wireguard-устройства: создаётся один раз,
// дальше переиспользуется (иначе checksum прыгал бы на каждой сборке).
func (s *VPNStore) EnsureWGPeer(ctx context.Context, deviceID, vpnID uint, create func() (*models.WireGuardPeer, error)) (*models.WireGuardPeer, error) {
	var p models.WireGuardPeer
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&p).Error
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	np, err := create()
	if err != nil {
		return nil, err
	}
	np.DeviceID = deviceID
	np.VPNID = vpnID
	if err := s.db.WithContext(ctx).Create(np).Error; err != nil {
		return nil, err
	}
	return np, nil
}
