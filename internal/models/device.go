package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Статусы конфигурации устройства (state machine контроллера):
// modified — конфиг изменился и ещё не забран/не применён агентом;
// running  — агент скачал и применил текущий конфиг;
// error    — агент сообщил об ошибке применения.
const (
	StatusModified = "modified"
	StatusRunning  = "running"
	StatusError    = "error"
)

// Device — конфигурация устройства. MAC уникален и служит identity устройства,
// Key — секрет, которым агент подписывает запросы к контроллеру.
type Device struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UUID    string `gorm:"uniqueIndex;size:64;not null" json:"uuid"`
	Key     string `gorm:"index;size:64;not null" json:"key"`
	Name    string `gorm:"size:255" json:"name"`
	Backend string `gorm:"size:64" json:"backend"`
	MAC     string `gorm:"uniqueIndex;size:32;not null" json:"mac_address"`
	Status  string `gorm:"size:16" json:"status"`
	LastIP  string `gorm:"size:64" json:"last_ip"`

	// Собственный фрагмент конфигурации и переопределения контекста.
	Config  datatypes.JSON `gorm:"type:jsonb" json:"config"`
	Context datatypes.JSON `gorm:"type:jsonb" json:"context"`

	// Срендеренный архив и его контрольная сумма (для change detection).
	ConfigArchive   []byte     `json:"-"`
	ConfigChecksum  string     `gorm:"size:64" json:"config_checksum"`
	ConfigVersion   int        `json:"config_version"`
	ConfigUpdatedAt *time.Time `json:"config_updated_at"`

	LastSeenAt *time.Time `json:"last_seen_at"`
}
