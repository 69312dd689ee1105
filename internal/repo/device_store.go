package repo

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loom/internal/models"
)

var (
	ErrNotFound             = errors.New("device not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrBadSecret            = errors.New("bad shared secret")
	ErrRegistrationDisabled = errors.New("registration disabled")
	ErrBadStatus            = errors.New("unknown status")
)

type DeviceStore struct{ db *gorm.DB }

func NewDeviceStore(db *gorm.DB) *DeviceStore { return &DeviceStore{db: db} }

type RegisterInput struct {
	SharedSecret   string
	ExpectedSecret string
	Enabled        bool
	Name           string
	MAC            string
	Backend        string
	KeyOptional    string
	ConsistentKey  bool
}

type RegisterResult struct {
	DeviceID   uint
	UUID       string
	Key        string
	Name       string
	IsNew      bool
	KeyRotated bool // ключ сменился при повторной регистрации — сертификаты надо перевыпустить
}

// ConsistentKey — детерминированный ключ устройства: md5(lower(mac)+secret).
// Повторная регистрация того же железа всегда попадает в ту же запись.
func ConsistentKey(mac, secret string) string {
	h := md5.Sum([]byte(strings.ToLower(mac) + secret))
	return hex.EncodeToString(h[:])
}

// -------- Register (для /controller/register/) --------
//
// Identity устройства — MAC: повторная регистрация по тому же MAC
// возвращает существующую запись (consistent registration), сменившийся
// ключ фиксируется в KeyRotated.
func (s *DeviceStore) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	if !in.Enabled {
		return nil, ErrRegistrationDisabled
	}
	// 1) проверяем shared secret
	if strings.TrimSpace(in.ExpectedSecret) != "" && in.SharedSecret != in.ExpectedSecret {
		return nil, ErrBadSecret
	}
	mac := strings.ToLower(strings.TrimSpace(in.MAC))
	if mac == "" {
		return nil, errors.New("mac_address required")
	}

	// 2) вычисляем/берём key
	key := strings.TrimSpace(in.KeyOptional)
	if key == "" {
		if in.ConsistentKey {
			key = ConsistentKey(mac, in.ExpectedSecret)
		} else {
			// случайный 16-байтовый hex (32 символа)
			h := md5.Sum([]byte(uuid.NewString()))
			key = hex.EncodeToString(h[:])
		}
	}

	// 3) устройство с таким MAC уже есть — обновим метаданные по дороге
	var existing models.Device
	err := s.db.WithContext(ctx).Where("mac = ?", mac).First(&existing).Error
	if err == nil {
		changed := false
		rotated := false
		if in.Name != "" && existing.Name != in.Name {
			existing.Name = in.Name
			changed = true
		}
		if in.Backend != "" && existing.Backend != in.Backend {
			existing.Backend = in.Backend
			changed = true
		}
		if key != existing.Key {
			existing.Key = key
			changed, rotated = true, true
		}
		if changed {
			if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
				return nil, err
			}
		}
		return &RegisterResult{
			DeviceID: existing.ID, UUID: existing.UUID, Key: existing.Key,
			Name: existing.Name, IsNew: false, KeyRotated: rotated,
		}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// 4) создаём новое устройство; стартовый статус — modified
	d := models.Device{
		UUID:    uuid.NewString(),
		Name:    in.Name,
		Backend: in.Backend,
		MAC:     mac,
		Key:     key,
		Status:  models.StatusModified,
	}
	if err := s.db.WithContext(ctx).Create(&d).Error; err != nil {
		return nil, err
	}
	return &RegisterResult{
		DeviceID: d.ID, UUID: d.UUID, Key: d.Key, Name: d.Name, IsNew: true,
	}, nil
}

// -------- Агентские методы (uuid+key) --------

func (s *DeviceStore) ValidateKey(ctx context.Context, uuid, key string) (*models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if key == "" || key != d.Key {
		return nil, ErrUnauthorized
	}
	return &d, nil
}

func (s *DeviceStore) GetChecksum(ctx context.Context, uuid, key string) (string, error) {
	d, err := s.ValidateKey(ctx, uuid, key)
	if err != nil {
		return "", err
	}
	if len(d.ConfigArchive) == 0 || d.ConfigChecksum == "" {
		return "", ErrNotFound
	}
	return d.ConfigChecksum, nil
}

func (s *DeviceStore) GetConfig(ctx context.Context, uuid, key string) ([]byte, string, error) {
	d, err := s.ValidateKey(ctx, uuid, key)
	if err != nil {
		return nil, "", err
	}
	if len(d.ConfigArchive) == 0 {
		return nil, "", ErrNotFound
	}
	return d.ConfigArchive, d.ConfigChecksum, nil
}

// PutArchive сохраняет срендеренный архив и переводит устройство в modified.
func (s *DeviceStore) PutArchive(ctx context.Context, uuid string, tarGz []byte, checksum string, version int) error {
	var d models.Device
	if err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&d).Error; err != nil {
		return err
	}
	d.ConfigArchive = tarGz
	d.ConfigChecksum = checksum
	d.ConfigVersion = version
	d.Status = models.StatusModified
	now := time.Now().UTC()
	d.ConfigUpdatedAt = &now
	return s.db.WithContext(ctx).Save(&d).Error
}

// ReportStatus принимает только running|error (протокол контроллера).
func (s *DeviceStore) ReportStatus(ctx context.Context, uuid, key, status string) error {
	d, err := s.ValidateKey(ctx, uuid, key)
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.StatusRunning:
		d.Status = models.StatusRunning
	case models.StatusError:
		d.Status = models.StatusError
	default:
		return ErrBadStatus
	}
	now := time.Now().UTC()
	d.LastSeenAt = &now
	return s.db.WithContext(ctx).Save(d).Error
}

// RecordIP фиксирует последний IP устройства (checksum-запрос агента).
func (s *DeviceStore) RecordIP(ctx context.Context, uuid, ip string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("uuid = ?", uuid).
		Updates(map[string]any{"last_ip": ip, "last_seen_at": now}).Error
}

// -------- Методы для builder-а и management-API --------

func (s *DeviceStore) GetByUUID(ctx context.Context, uuid string) (*models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *DeviceStore) List(ctx context.Context, limit int) ([]models.Device, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []models.Device
	err := s.db.WithContext(ctx).Order("updated_at desc").Limit(limit).Find(&out).Error
	return out, err
}

func (s *DeviceStore) Save(ctx context.Context, d *models.Device) error {
	return s.db.WithContext(ctx).Save(d).Error
}

func (s *DeviceStore) Create(ctx context.Context, d *models.Device) error {
	if d.UUID == "" {
		d.UUID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = models.StatusModified
	}
	d.MAC = strings.ToLower(d.MAC)
	return s.db.WithContext(ctx).Create(d).Error
}

// Delete — soft delete; отзыв сертификатов делает вызывающий слой (pki).
func (s *DeviceStore) Delete(ctx context.Context, uuid string) (*models.Device, error) {
	d, err := s.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Delete(d).Error; err != nil {
		return nil, err
	}
	return d, nil
}
