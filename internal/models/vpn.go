package models

import (
	"time"

	"gorm.io/datatypes"
)

// VPN — VPN-сервер, к которому подключаются устройства через vpn-шаблоны.
type VPN struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name    string `gorm:"uniqueIndex;size:255;not null" json:"name"`
	Backend string `gorm:"size:64;not null" json:"backend"` // должен входить в vpn_backends
	Host    string `gorm:"size:255" json:"host"`
	Port    int    `json:"port"`

	Config datatypes.JSON `gorm:"type:jsonb" json:"config"`

	CAID uint `gorm:"index" json:"ca_id"`
}

// WireGuardPeer — ключевой материал устройства для wireguard-бэкенда.
// Генерируется один раз и переиспользуется при последующих сборках.
type WireGuardPeer struct {
	ID           uint `gorm:"primaryKey"`
	DeviceID     uint `gorm:"uniqueIndex"`
	VPNID        uint `gorm:"index"`
	PrivateKey   string
	PublicKey    string
	PresharedKey string
	AddressCIDR  string // "10.10.0.X/32"
	CreatedAt    time.Time
}
