package build

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"loom/internal/compose"
	"loom/internal/models"
	"loom/internal/pki"
	"loom/internal/render"
	"loom/internal/schema"
	"loom/internal/tarball"
	wg "loom/internal/vpn/wireguard"

	// регистрация бэкендов рендера
	_ "loom/internal/render/openvpn"
	_ "loom/internal/render/uci"
	_ "loom/internal/render/wireguard"
)

// DeviceStore — то, что сборщику нужно от устройств.
type DeviceStore interface {
	GetByUUID(ctx context.Context, uuid string) (*models.Device, error)
	PutArchive(ctx context.Context, uuid string, tarGz []byte, checksum string, version int) error
}

// TemplateStore отдаёт шаблоны устройства в порядке применения.
type TemplateStore interface {
	ForDevice(ctx context.Context, deviceID uint) ([]models.Template, error)
}

// VPNStore — VPN-сервера и ключи wireguard-пиров.
type VPNStore interface {
	Get(ctx context.Context, id uint) (*models.VPN, error)
	EnsureWGPeer(ctx context.Context, deviceID, vpnID uint, create func() (*models.WireGuardPeer, error)) (*models.WireGuardPeer, error)
}

// Options — настройки сборки из конфигурации приложения.
type Options struct {
	DefaultBackend   string
	CertPath         string // каталог x509-файлов на устройстве, "/etc/x509"
	CommonNameFormat string
	CAName           string
	CertTTL          time.Duration
	GlobalContext    map[string]any // netjsonconfig.context
}

// Result — итог одной сборки.
type Result struct {
	Checksum string
	Version  int
	Changed  bool
	Backend  string
}

// Builder собирает конфигурацию устройства: шаблоны → merge → контекст →
// валидация → рендер → детерминированный tar.gz. Архив сохраняется только
// если checksum изменилась, иначе устройство не должно перекачивать конфиг.
type Builder struct {
	Devices   DeviceStore
	Templates TemplateStore
	VPNs      VPNStore
	PKI       *pki.Service
	Log       *logrus.Logger
	Opts      Options
}

func New(devices DeviceStore, templates TemplateStore, vpns VPNStore, pkiSvc *pki.Service, log *logrus.Logger, opts Options) *Builder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Builder{Devices: devices, Templates: templates, VPNs: vpns, PKI: pkiSvc, Log: log, Opts: opts}
}

// Build пересобирает конфигурацию устройства по uuid.
func (b *Builder) Build(ctx context.Context, uuid string) (*Result, error) {
	d, err := b.Devices.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	tarGz, checksum, backend, err := b.Render(ctx, d)
	if err != nil {
		return nil, err
	}
	if checksum == d.ConfigChecksum {
		return &Result{Checksum: checksum, Version: d.ConfigVersion, Backend: backend}, nil
	}
	version := d.ConfigVersion + 1
	if err := b.Devices.PutArchive(ctx, uuid, tarGz, checksum, version); err != nil {
		return nil, err
	}
	b.Log.WithFields(logrus.Fields{
		"device":   uuid,
		"backend":  backend,
		"checksum": checksum,
		"version":  version,
	}).Info("configuration rebuilt")
	return &Result{Checksum: checksum, Version: version, Changed: true, Backend: backend}, nil
}

// Render выполняет сборку без сохранения (используется и из Build, и из preview).
func (b *Builder) Render(ctx context.Context, d *models.Device) (tarGz []byte, checksum, backend string, err error) {
	backend = d.Backend
	if backend == "" {
		backend = b.Opts.DefaultBackend
	}

	templates, err := b.Templates.ForDevice(ctx, d.ID)
	if err != nil {
		return nil, "", backend, err
	}

	sources := make([]compose.Source, 0, len(templates))
	autoVars := map[string]any{}
	extras := map[string][]byte{} // x509-материал, попадающий в архив как файлы
	for i, t := range templates {
		tree, derr := compose.DecodeTree(t.Config)
		if derr != nil {
			return nil, "", backend, fmt.Errorf("template %q: %w", t.Name, derr)
		}
		sources = append(sources, compose.Source{Name: t.Name, Order: i, Tree: tree})
		if t.Type == models.TemplateVPN {
			if verr := b.vpnVars(ctx, d, &t, autoVars, extras); verr != nil {
				return nil, "", backend, verr
			}
		}
	}

	own, err := compose.DecodeTree(d.Config)
	if err != nil {
		return nil, "", backend, fmt.Errorf("device config: %w", err)
	}
	overrides, err := compose.DecodeTree(d.Context)
	if err != nil {
		return nil, "", backend, fmt.Errorf("device context: %w", err)
	}

	// Слои контекста: глобальные ← встроенные ← авто (vpn/pki) ← устройство.
	builtin := map[string]any{
		"id":          d.UUID,
		"key":         d.Key,
		"name":        d.Name,
		"mac_address": d.MAC,
	}
	vars := compose.MergeContext(b.Opts.GlobalContext, builtin, autoVars, overrides)

	tree, err := compose.Compose(sources, own, vars)
	if err != nil {
		return nil, "", backend, err
	}

	// VPN-бэкенды не валидируются по схеме.
	if !render.IsVPN(backend) {
		if err := schema.Validate(backend, tree); err != nil {
			return nil, "", backend, err
		}
	}

	be, err := render.Get(backend)
	if err != nil {
		return nil, "", backend, err
	}
	files, err := be.Render(tree, render.Options{DeviceHostname: d.Name})
	if err != nil {
		return nil, "", backend, err
	}

	tarGz, checksum, err = tarball.Build(files, extras)
	return tarGz, checksum, backend, err
}

// vpnVars добавляет в контекст авто-переменные vpn-шаблона:
// адрес сервера, сертификаты (auto_cert) и ключи wireguard-пира.
func (b *Builder) vpnVars(ctx context.Context, d *models.Device, t *models.Template, vars map[string]any, extras map[string][]byte) error {
	if t.VPNID == nil {
		return nil
	}
	vpn, err := b.VPNs.Get(ctx, *t.VPNID)
	if err != nil {
		return err
	}
	if vpn == nil {
		return fmt.Errorf("template %q: vpn %d not found", t.Name, *t.VPNID)
	}
	vars["vpn_host"] = vpn.Host
	vars["vpn_port"] = fmt.Sprint(vpn.Port)

	vpnCfg, err := compose.DecodeTree(vpn.Config)
	if err != nil {
		return fmt.Errorf("vpn %q config: %w", vpn.Name, err)
	}

	switch vpn.Backend {
	case "wireguard":
		peer, err := b.VPNs.EnsureWGPeer(ctx, d.ID, vpn.ID, func() (*models.WireGuardPeer, error) {
			addr, _ := vpnCfg["address_cidr"].(string)
			return wg.GeneratePeer(addr)
		})
		if err != nil {
			return err
		}
		vars["private_key"] = peer.PrivateKey
		vars["public_key"] = peer.PublicKey
		vars["preshared_key"] = peer.PresharedKey
		if peer.AddressCIDR != "" {
			vars["address"] = peer.AddressCIDR
		}
		if pub, ok := vpnCfg["public_key"].(string); ok {
			vars["server_public_key"] = pub
		}
	default:
		if t.AutoCert && b.PKI != nil {
			if err := b.certVars(ctx, d, vars, extras); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Builder) certVars(ctx context.Context, d *models.Device, vars map[string]any, extras map[string][]byte) error {
	ca, err := b.PKI.EnsureRootCA(ctx, b.Opts.CAName, 10*b.Opts.CertTTL)
	if err != nil {
		return err
	}
	cn := pki.FormatCommonName(b.Opts.CommonNameFormat, d.MAC, d.Name)
	cert, err := b.PKI.EnsureDeviceCert(ctx, ca, d.ID, cn, b.Opts.CertTTL)
	if err != nil {
		return err
	}
	dir := b.Opts.CertPath
	if dir == "" {
		dir = "/etc/x509"
	}
	vars["ca_path"] = path.Join(dir, "ca.pem")
	vars["ca_contents"] = string(ca.CertPEM)
	vars["cert_path"] = path.Join(dir, "client.pem")
	vars["cert_contents"] = string(cert.CertPEM)
	vars["key_path"] = path.Join(dir, "key.pem")
	vars["key_contents"] = string(cert.KeyPEM)

	// те же файлы едут в архив по cert_path (tar-имена без ведущего слэша)
	rel := strings.TrimPrefix(dir, "/")
	extras[path.Join(rel, "ca.pem")] = ca.CertPEM
	extras[path.Join(rel, "client.pem")] = cert.CertPEM
	extras[path.Join(rel, "key.pem")] = cert.KeyPEM
	return nil
}

// PreviewInput — несохранённый кортеж (config, templates, context) для
// предпросмотра: рендер без устройства в базе и без записи архива.
type PreviewInput struct {
	Backend   string
	Config    map[string]any
	Templates []map[string]any
	Context   map[string]any

	// Идентичность для встроенных переменных; может быть пустой.
	ID   string
	Key  string
	Name string
	MAC  string
}

// Preview собирает и рендерит кортеж, возвращая файлы и checksum архива.
// Ошибки композиции и валидации отличимы от прочих: *compose.ErrUnresolvedVars
// и *schema.Error — ошибки входных данных.
func (b *Builder) Preview(_ context.Context, in PreviewInput) ([]render.File, string, error) {
	backend := in.Backend
	if backend == "" {
		backend = b.Opts.DefaultBackend
	}

	sources := make([]compose.Source, 0, len(in.Templates))
	for i, tree := range in.Templates {
		sources = append(sources, compose.Source{Name: fmt.Sprintf("template-%d", i), Order: i, Tree: tree})
	}
	builtin := map[string]any{
		"id":          in.ID,
		"key":         in.Key,
		"name":        in.Name,
		"mac_address": in.MAC,
	}
	vars := compose.MergeContext(b.Opts.GlobalContext, builtin, in.Context)

	tree, err := compose.Compose(sources, in.Config, vars)
	if err != nil {
		return nil, "", err
	}
	if !render.IsVPN(backend) {
		if err := schema.Validate(backend, tree); err != nil {
			return nil, "", err
		}
	}
	be, err := render.Get(backend)
	if err != nil {
		return nil, "", err
	}
	files, err := be.Render(tree, render.Options{DeviceHostname: in.Name})
	if err != nil {
		return nil, "", err
	}
	_, checksum, err := tarball.Build(files, nil)
	return files, checksum, err
}
