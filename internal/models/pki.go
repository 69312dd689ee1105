package models

import "time"

type CA struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex"`
	CertPEM   []byte
	KeyPEM    []byte
	NotBefore time.Time
	NotAfter  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Certificate — клиентский сертификат устройства для VPN.
// RevokedAt != nil означает отозванный сертификат; при удалении устройства
// или смене ключа все его сертификаты отзываются.
type Certificate struct {
	ID        uint   `gorm:"primaryKey"`
	CAID      uint   `gorm:"index"`
	DeviceID  *uint  `gorm:"index"`
	CN        string `gorm:"size:255;index"`
	Serial    string `gorm:"size:64;uniqueIndex"`
	CertPEM   []byte
	KeyPEM    []byte
	NotBefore time.Time
	NotAfter  time.Time
	RevokedAt *time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Revoked — удобный предикат для шаблонов/репозиториев.
func (c *Certificate) Revoked() bool { return c.RevokedAt != nil }
