// Package api — JSON-интерфейс управления: шаблоны, устройства, VPN,
// предпросмотр и пересборка конфигураций.
package api

import (
	"context"

	"loom/internal/build"
	"loom/internal/models"
	"loom/internal/render"
)

type DeviceStore interface {
	List(ctx context.Context, limit int) ([]models.Device, error)
	GetByUUID(ctx context.Context, uuid string) (*models.Device, error)
	Create(ctx context.Context, d *models.Device) error
	Save(ctx context.Context, d *models.Device) error
	Delete(ctx context.Context, uuid string) (*models.Device, error)
}

type TemplateStore interface {
	List(ctx context.Context) ([]models.Template, error)
	Get(ctx context.Context, id uint) (*models.Template, error)
	Save(ctx context.Context, t *models.Template) error
	Delete(ctx context.Context, id uint) error
	Assign(ctx context.Context, deviceID uint, templateIDs []uint) error
}

type VPNStore interface {
	List(ctx context.Context) ([]models.VPN, error)
	Get(ctx context.Context, id uint) (*models.VPN, error)
	Save(ctx context.Context, v *models.VPN) error
}

type Builder interface {
	Build(ctx context.Context, uuid string) (*build.Result, error)
	Preview(ctx context.Context, in build.PreviewInput) ([]render.File, string, error)
}

type CertRevoker interface {
	RevokeForDevice(ctx context.Context, deviceID uint) error
}
