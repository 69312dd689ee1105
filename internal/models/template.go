package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Типы шаблонов.
const (
	TemplateGeneric = "generic"
	TemplateVPN     = "vpn"
)

// Template — переиспользуемый фрагмент конфигурации.
// Default-шаблоны автоматически применяются к новым устройствам.
type Template struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UUID    string `gorm:"uniqueIndex;size:64;not null" json:"uuid"`
	Name    string `gorm:"uniqueIndex;size:255;not null" json:"name"`
	Type    string `gorm:"size:16;default:generic" json:"type"` // generic|vpn
	Backend string `gorm:"size:64" json:"backend"`
	// Колонка is_default: "default" — зарезервированное слово,
	// кавычки вокруг него не переносимы между диалектами.
	Default bool `gorm:"column:is_default;index" json:"default"`

	Config datatypes.JSON `gorm:"type:jsonb" json:"config"`

	// Только для Type == "vpn".
	VPNID    *uint `gorm:"index" json:"vpn_id,omitempty"`
	AutoCert bool  `json:"auto_cert"`
}

// DeviceTemplate — упорядоченная m2m-связь устройства с шаблонами.
// SortOrder определяет порядок применения при сборке конфига.
type DeviceTemplate struct {
	ID         uint `gorm:"primaryKey"`
	DeviceID   uint `gorm:"index;not null;uniqueIndex:uniq_dev_tpl,priority:1"`
	TemplateID uint `gorm:"not null;uniqueIndex:uniq_dev_tpl,priority:2"`
	SortOrder  int  `gorm:"not null;default:0"`
	CreatedAt  time.Time
}
