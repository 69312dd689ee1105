package build

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/compose"
	"loom/internal/models"
	"loom/internal/pki"
	"loom/internal/repo"
	"loom/internal/schema"
)

func testBuilder(mem *repo.MemStore) *Builder {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(mem, mem, mem, pki.New(mem), log, Options{
		DefaultBackend:   "openwrt",
		CertPath:         "/etc/x509",
		CommonNameFormat: "{mac_address}-{name}",
		CAName:           "Test-CA",
		CertTTL:          24 * time.Hour,
		GlobalContext:    map[string]any{"ntp_host": "pool.ntp.org"},
	})
}

func tarNames(t *testing.T, tarGz []byte) []string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(tarGz))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func seedDevice(t *testing.T, mem *repo.MemStore) *models.Device {
	t.Helper()
	d := &models.Device{Name: "router1", Backend: "openwrt", MAC: "00:11:22:33:44:55", Key: "k"}
	require.NoError(t, mem.Create(context.Background(), d))
	return d
}

func TestBuildComposesTemplatesAndDeviceConfig(t *testing.T) {
	ctx := context.Background()
	mem := repo.NewMemStore()
	b := testBuilder(mem)

	tpl := &models.Template{Name: "base", Type: models.TemplateGeneric, Config: mustJSON(t, map[string]any{
		"type":    "DeviceConfiguration",
		"general": map[string]any{"hostname": "from-template", "timezone": "UTC"},
	})}
	require.NoError(t, mem.SaveTemplate(ctx, tpl))

	d := seedDevice(t, mem)
	d.Config = mustJSON(t, map[string]any{
		"type":    "DeviceConfiguration",
		"general": map[string]any{"hostname": "{{ name }}"},
	})
	require.NoError(t, mem.Save(ctx, d))
	require.NoError(t, mem.Assign(ctx, d.ID, []uint{tpl.ID}))

	res, err := b.Build(ctx, d.UUID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 1, res.Version)
	assert.NotEmpty(t, res.Checksum)

	got, _ := mem.GetByUUID(ctx, d.UUID)
	assert.Equal(t, res.Checksum, got.ConfigChecksum)
	assert.NotEmpty(t, got.ConfigArchive)
	assert.Equal(t, models.StatusModified, got.Status)
}

func TestBuildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := repo.NewMemStore()
	b := testBuilder(mem)

	d := seedDevice(t, mem)
	d.Config = mustJSON(t, map[string]any{"type": "DeviceConfiguration"})
	require.NoError(t, mem.Save(ctx, d))

	first, err := b.Build(ctx, d.UUID)
	require.NoError(t, err)
	second, err := b.Build(ctx, d.UUID)
	require.NoError(t, err)

	assert.True(t, first.Changed)
	assert.False(t, second.Changed, "unchanged input must not bump the version")
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.Version, second.Version)
}

func TestBuildChecksumChangesWithTemplate(t *testing.T) {
	ctx := context.Background()
	mem := repo.NewMemStore()
	b := testBuilder(mem)

	tpl := &models.Template{Name: "base", Config: mustJSON(t, map[string]any{
		"type":    "DeviceConfiguration",
		"general": map[string]any{"timezone": "UTC"},
	})}
	require.NoError(t, mem.SaveTemplate(ctx, tpl))

	d := seedDevice(t, mem)
	require.NoError(t, mem.Assign(ctx, d.ID, []uint{tpl.ID}))

	first, err := b.Build(ctx, d.UUID)
	require.NoError(t, err)

	tpl.Config = mustJSON(t, map[string]any{
		"type":    "DeviceConfiguration",
		"general": map[string]any{"timezone": "Europe/Rome"},
	})
	require.NoError(t, mem.SaveTemplate(ctx, tpl))

	second, err := b.Build(ctx, d.UUID)
	require.NoError(t, err)
	assert.True(t, second.Changed)
	assert.NotEqual(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.Version+1, second.Version)
}

func TestBuildFailsOnUnresolvedVariable(t *testing.T) {
	ctx := context.Background()
	mem := repo.NewMemStore()
	b := testBuilder(mem)

	d := seedDevice(t, mem)
	d.Config = mustJSON(t, map[string]any{
		"type":    "DeviceConfiguration",
		"general": map[string]any{"hostname": "{{ missing_var }}"},
	})
	require.NoError(t, mem.Save(ctx, d))

	_, err := b.Build(ctx, d.UUID)
	var uerr *compose.ErrUnresolvedVars
	require.ErrorAs(t, err, &uerr)
	assert.Contains(t, uerr.Vars, "missing_var")
}

func TestBuildValidatesGenericBackend(t *testing.T) {
	ctx := context.Background()
	mem := repo.NewMemStore()
	b := testBuilder(mem)

	d := seedDevice(t, mem)
	d.Config = mustJSON(t, map[string]any{
		"type":    "DeviceConfiguration",
		"general": map[string]any{"hostname": "bad host!"},
	})
	require.NoError(t, mem.Save(ctx, d))

	_, err := b.Build(ctx, d.UUID)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "openwrt", serr.Backend)
}

func TestBuildWireGuardPeerIsStable(t *testing.T) {
	ctx := context.Background()
	mem := repo.NewMemStore()
	b := testBuilder(mem)

	vpn := &models.VPN{Name: "wg0", Backend: "wireguard", Host: "vpn.example.com", Port: 51820,
		Config: mustJSON(t, map[string]any{"public_key": "SERVERPUB", "address_cidr": "10.10.0.2/32"})}
	require.NoError(t, mem.SaveVPN(ctx, vpn))

	tpl := &models.Template{Name: "wg", Type: models.TemplateVPN, VPNID: &vpn.ID, Config: mustJSON(t, map[string]any{
		"wireguard": map[string]any{
			"interface":   "wg0",
			"private_key": "{{ private_key }}",
			"address":     "{{ address }}",
			"peers": []any{map[string]any{
				"public_key":    "{{ server_public_key }}",
				"preshared_key": "{{ preshared_key }}",
				"endpoint":      "{{ vpn_host }}:{{ vpn_port }}",
			}},
		},
	})}
	require.NoError(t, mem.SaveTemplate(ctx, tpl))

	d := seedDevice(t, mem)
	d.Backend = "wireguard"
	require.NoError(t, mem.Save(ctx, d))
	require.NoError(t, mem.Assign(ctx, d.ID, []uint{tpl.ID}))

	first, err := b.Build(ctx, d.UUID)
	require.NoError(t, err)

	// ключи пира генерируются один раз, повторная сборка не меняет архив
	second, err := b.Build(ctx, d.UUID)
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.False(t, second.Changed)
}

func TestBuildOpenVPNAutoCert(t *testing.T) {
	ctx := context.Background()
	mem := repo.NewMemStore()
	b := testBuilder(mem)

	vpn := &models.VPN{Name: "ovpn", Backend: "openvpn", Host: "vpn.example.com", Port: 1194}
	require.NoError(t, mem.SaveVPN(ctx, vpn))

	tpl := &models.Template{Name: "ovpn-client", Type: models.TemplateVPN, VPNID: &vpn.ID, AutoCert: true,
		Config: mustJSON(t, map[string]any{
			"openvpn": map[string]any{
				"clients": []any{map[string]any{
					"name":   "ovpn",
					"remote": "{{ vpn_host }}",
					"port":   1194,
					"ca":     "{{ ca_path }}",
					"cert":   "{{ cert_path }}",
					"key":    "{{ key_path }}",
				}},
			},
		})}
	require.NoError(t, mem.SaveTemplate(ctx, tpl))

	d := seedDevice(t, mem)
	d.Backend = "openvpn"
	require.NoError(t, mem.Save(ctx, d))
	require.NoError(t, mem.Assign(ctx, d.ID, []uint{tpl.ID}))

	first, err := b.Build(ctx, d.UUID)
	require.NoError(t, err)
	assert.True(t, first.Changed)

	// сертификат идемпотентен, вторая сборка даёт ту же checksum
	second, err := b.Build(ctx, d.UUID)
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, second.Checksum)

	cert, err := mem.ActiveCert(ctx, d.ID, "00:11:22:33:44:55-router1")
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.NotEmpty(t, cert.CertPEM)

	// x509-материал лежит в архиве по cert_path
	got, err := mem.GetByUUID(ctx, d.UUID)
	require.NoError(t, err)
	names := tarNames(t, got.ConfigArchive)
	assert.Contains(t, names, "etc/x509/ca.pem")
	assert.Contains(t, names, "etc/x509/client.pem")
	assert.Contains(t, names, "etc/x509/key.pem")
	assert.Contains(t, names, "etc/openvpn/ovpn.conf")
}

func TestBuildUnknownDevice(t *testing.T) {
	mem := repo.NewMemStore()
	b := testBuilder(mem)
	_, err := b.Build(context.Background(), "no-such-uuid")
	assert.Error(t, err)
}
