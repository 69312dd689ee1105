package repo

import (
	"context"

	"gorm.io/gorm"

	"loom/internal/models"
)

type TemplateStore struct{ db *gorm.DB }

func NewTemplateStore(db *gorm.DB) *TemplateStore { return &TemplateStore{db: db} }

// ForDevice возвращает шаблоны устройства в порядке применения:
// сначала default-шаблоны (id ASC), затем явно назначенные
// (sort_order ASC, id ASC). Дубликаты схлопываются — порядок первого
// вхождения сохраняется, поэтому результат детерминирован.
func (s *TemplateStore) ForDevice(ctx context.Context, deviceID uint) ([]models.Template, error) {
	var defaults []models.Template
	if err := s.db.WithContext(ctx).
		Where("is_default = ?", true).
		Order("id asc").
		Find(&defaults).Error; err != nil {
		return nil, err
	}

	var links []models.DeviceTemplate
	if err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("sort_order asc, id asc").
		Find(&links).Error; err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.TemplateID)
	}
	byID := map[uint]models.Template{}
	if len(ids) > 0 {
		var assigned []models.Template
		if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&assigned).Error; err != nil {
			return nil, err
		}
		for _, t := range assigned {
			byID[t.ID] = t
		}
	}

	out := make([]models.Template, 0, len(defaults)+len(links))
	seen := map[uint]struct{}{}
	for _, t := range defaults {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	for _, l := range links {
		if _, ok := seen[l.TemplateID]; ok {
			continue
		}
		t, ok := byID[l.TemplateID]
		if !ok {
			continue // ссылка на удалённый шаблон
		}
		seen[l.TemplateID] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

// Assign перезаписывает привязки устройства новым упорядоченным списком.
func (s *TemplateStore) Assign(ctx context.Context, deviceID uint, templateIDs []uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Delete(&models.DeviceTemplate{}).Error; err != nil {
			return err
		}
		for i, tid := range templateIDs {
			link := models.DeviceTemplate{DeviceID: deviceID, TemplateID: tid, SortOrder: i}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *TemplateStore) ByIDs(ctx context.Context, ids []uint) ([]models.Template, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tpls []models.Template
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&tpls).Error; err != nil {
		return nil, err
	}
	// восстановим запрошенный порядок
	byID := map[uint]models.Template{}
	for _, t := range tpls {
		byID[t.ID] = t
	}
	out := make([]models.Template, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *TemplateStore) List(ctx context.Context) ([]models.Template, error) {
	var tpls []models.Template
	err := s.db.WithContext(ctx).Order("id asc").Find(&tpls).Error
	return tpls, err
}

func (s *TemplateStore) Get(ctx context.Context, id uint) (*models.Template, error) {
	var t models.Template
	err := s.db.WithContext(ctx).First(&t, id).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TemplateStore) Save(ctx context.Context, t *models.Template) error {
	return s.db.WithContext(ctx).Save(t).Error
}

func (s *TemplateStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&models.Template{}, id).Error
}
