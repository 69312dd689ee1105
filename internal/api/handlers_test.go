package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/build"
	"loom/internal/models"
	"loom/internal/pki"
	"loom/internal/repo"
)

func newTestAPI(t *testing.T) (*httptest.Server, *repo.MemStore) {
	t.Helper()
	mem := repo.NewMemStore()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	pkiSvc := pki.New(mem)
	builder := build.New(mem, mem, mem, pkiSvc, log, build.Options{
		DefaultBackend:   "openwrt",
		CertPath:         "/etc/x509",
		CommonNameFormat: "{mac_address}-{name}",
		CAName:           "Test-CA",
		CertTTL:          24 * time.Hour,
	})
	set := Settings{
		IsVPNBackend:      func(b string) bool { return b == "openvpn" || b == "wireguard" },
		DefaultVPNBackend: "openvpn",
		DefaultAutoCert:   true,
	}
	h := New(mem, repo.MemTemplateStore{M: mem}, repo.MemVPNStore{M: mem}, builder, pkiSvc, log, set)

	r := mux.NewRouter()
	RegisterRoutes(r, h)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, mem
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestTemplateCRUD(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, raw := doJSON(t, "POST", srv.URL+"/api/v1/templates", map[string]any{
		"name":    "base",
		"default": true,
		"config":  map[string]any{"type": "DeviceConfiguration"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var created models.Template
	require.NoError(t, json.Unmarshal(raw, &created))
	assert.Equal(t, models.TemplateGeneric, created.Type)
	assert.True(t, created.Default)

	resp, raw = doJSON(t, "GET", srv.URL+"/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.Template
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 1)

	resp, raw = doJSON(t, "PUT", fmt.Sprintf("%s/api/v1/templates/%d", srv.URL, created.ID), map[string]any{
		"name":   "renamed",
		"config": map[string]any{"type": "DeviceConfiguration"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, _ = doJSON(t, "DELETE", fmt.Sprintf("%s/api/v1/templates/%d", srv.URL, created.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, "GET", fmt.Sprintf("%s/api/v1/templates/%d", srv.URL, created.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTemplateValidation(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, _ := doJSON(t, "POST", srv.URL+"/api/v1/templates", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// vpn-шаблон без vpn_id не принимается
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/templates", map[string]any{
		"name": "wg", "type": "vpn",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeviceLifecycle(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, raw := doJSON(t, "POST", srv.URL+"/api/v1/devices", map[string]any{
		"name":        "router1",
		"backend":     "openwrt",
		"mac_address": "AA:BB:CC:00:11:22",
		"key":         "k",
		"config":      map[string]any{"type": "DeviceConfiguration"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var dev models.Device
	require.NoError(t, json.Unmarshal(raw, &dev))
	assert.Equal(t, "aa:bb:cc:00:11:22", dev.MAC, "MAC is normalized to lower case")
	assert.Equal(t, models.StatusModified, dev.Status)

	// дубликат MAC отклоняется
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/devices", map[string]any{
		"mac_address": "aa:bb:cc:00:11:22",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = doJSON(t, "POST", srv.URL+"/api/v1/devices/"+dev.UUID+"/rebuild", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var res build.Result
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.True(t, res.Changed)
	assert.NotEmpty(t, res.Checksum)

	cres, err := http.Get(srv.URL + "/api/v1/devices/" + dev.UUID + "/configuration")
	require.NoError(t, err)
	defer cres.Body.Close()
	require.Equal(t, http.StatusOK, cres.StatusCode)
	assert.Equal(t, "application/gzip", cres.Header.Get("Content-Type"))

	resp, _ = doJSON(t, "DELETE", srv.URL+"/api/v1/devices/"+dev.UUID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = doJSON(t, "GET", srv.URL+"/api/v1/devices/"+dev.UUID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeviceTemplateAssignmentOrder(t *testing.T) {
	srv, _ := newTestAPI(t)

	mk := func(name, tz string) uint {
		resp, raw := doJSON(t, "POST", srv.URL+"/api/v1/templates", map[string]any{
			"name": name,
			"config": map[string]any{
				"type":    "DeviceConfiguration",
				"general": map[string]any{"timezone": tz},
			},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
		var t2 models.Template
		require.NoError(t, json.Unmarshal(raw, &t2))
		return t2.ID
	}
	a := mk("a", "UTC")
	b := mk("b", "Europe/Rome")

	resp, raw := doJSON(t, "POST", srv.URL+"/api/v1/devices", map[string]any{
		"name": "router1", "mac_address": "aa:bb:cc:00:11:22", "key": "k",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var dev models.Device
	require.NoError(t, json.Unmarshal(raw, &dev))

	assign := func(ids []uint) string {
		resp, raw := doJSON(t, "PUT", srv.URL+"/api/v1/devices/"+dev.UUID+"/templates",
			map[string]any{"template_ids": ids})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
		resp, raw = doJSON(t, "POST", srv.URL+"/api/v1/devices/"+dev.UUID+"/rebuild", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
		var res build.Result
		require.NoError(t, json.Unmarshal(raw, &res))
		return res.Checksum
	}
	// порядок шаблонов меняет результат: последний выигрывает merge
	sumAB := assign([]uint{a, b})
	sumBA := assign([]uint{b, a})
	assert.NotEqual(t, sumAB, sumBA)

	// назначение несуществующего шаблона — 400
	resp, _ = doJSON(t, "PUT", srv.URL+"/api/v1/devices/"+dev.UUID+"/templates",
		map[string]any{"template_ids": []uint{9999}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVPNCreateValidatesBackend(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, _ := doJSON(t, "POST", srv.URL+"/api/v1/vpns", map[string]any{
		"name": "wg0", "backend": "wireguard", "host": "vpn.example.com", "port": 51820,
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/vpns", map[string]any{
		"name": "x", "backend": "openwrt",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVPNCreateDefaultBackend(t *testing.T) {
	srv, _ := newTestAPI(t)

	// без backend-а подставляется NETJSONCONFIG_DEFAULT_VPN_BACKEND
	resp, raw := doJSON(t, "POST", srv.URL+"/api/v1/vpns", map[string]any{
		"name": "auto", "host": "vpn.example.com", "port": 1194,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var v models.VPN
	require.NoError(t, json.Unmarshal(raw, &v))
	assert.Equal(t, "openvpn", v.Backend)
}

func TestTemplateVPNAutoCertDefault(t *testing.T) {
	srv, mem := newTestAPI(t)
	ctx := context.Background()

	resp, raw := doJSON(t, "POST", srv.URL+"/api/v1/vpns", map[string]any{
		"name": "ovpn", "backend": "openvpn", "host": "vpn.example.com", "port": 1194,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var v models.VPN
	require.NoError(t, json.Unmarshal(raw, &v))

	// auto_cert не указан: берётся значение NETJSONCONFIG_DEFAULT_AUTO_CERT
	resp, raw = doJSON(t, "POST", srv.URL+"/api/v1/templates", map[string]any{
		"name": "ovpn-client", "type": "vpn", "vpn_id": v.ID,
		"config": map[string]any{
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
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var tpl models.Template
	require.NoError(t, json.Unmarshal(raw, &tpl))
	assert.True(t, tpl.AutoCert)

	// явный auto_cert: false не перекрывается настройкой
	resp, raw = doJSON(t, "POST", srv.URL+"/api/v1/templates", map[string]any{
		"name": "ovpn-nocert", "type": "vpn", "vpn_id": v.ID, "auto_cert": false,
		"config": map[string]any{"openvpn": map[string]any{"clients": []any{}}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var noCert models.Template
	require.NoError(t, json.Unmarshal(raw, &noCert))
	assert.False(t, noCert.AutoCert)

	// сборка устройства с таким шаблоном выдаёт сертификат
	resp, raw = doJSON(t, "POST", srv.URL+"/api/v1/devices", map[string]any{
		"name": "router1", "backend": "openvpn", "mac_address": "aa:bb:cc:00:11:22", "key": "k",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var dev models.Device
	require.NoError(t, json.Unmarshal(raw, &dev))

	resp, raw = doJSON(t, "PUT", srv.URL+"/api/v1/devices/"+dev.UUID+"/templates",
		map[string]any{"template_ids": []uint{tpl.ID}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	resp, raw = doJSON(t, "POST", srv.URL+"/api/v1/devices/"+dev.UUID+"/rebuild", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	cert, err := mem.ActiveCert(ctx, dev.ID, "aa:bb:cc:00:11:22-router1")
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.NotEmpty(t, cert.CertPEM)
}

func TestDeviceKeyChangeRevokesCerts(t *testing.T) {
	srv, mem := newTestAPI(t)
	ctx := context.Background()

	resp, raw := doJSON(t, "POST", srv.URL+"/api/v1/devices", map[string]any{
		"name": "router1", "mac_address": "aa:bb:cc:00:11:22", "key": "k",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var dev models.Device
	require.NoError(t, json.Unmarshal(raw, &dev))

	require.NoError(t, mem.SaveCert(ctx, &models.Certificate{
		DeviceID: &dev.ID, CN: "router1", NotAfter: time.Now().Add(time.Hour),
	}))

	resp, raw = doJSON(t, "PUT", srv.URL+"/api/v1/devices/"+dev.UUID, map[string]any{
		"key": "rotated",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	// ключ сохранён, сертификаты отозваны
	got, err := mem.GetByUUID(ctx, dev.UUID)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Key)
	cert, err := mem.ActiveCert(ctx, dev.ID, "router1")
	require.NoError(t, err)
	assert.Nil(t, cert)
}

func TestPreview(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, raw := doJSON(t, "POST", srv.URL+"/api/v1/preview", map[string]any{
		"backend": "openwrt",
		"name":    "preview-host",
		"config": map[string]any{
			"type":    "DeviceConfiguration",
			"general": map[string]any{"hostname": "{{ host_var }}"},
		},
		"templates": []map[string]any{
			{"type": "DeviceConfiguration", "general": map[string]any{"timezone": "UTC"}},
		},
		"context": map[string]any{"host_var": "composed"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var out struct {
		Checksum string `json:"checksum"`
		Files    []struct {
			Name     string `json:"name"`
			Contents string `json:"contents"`
		} `json:"files"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Len(t, out.Checksum, 64)
	found := false
	for _, f := range out.Files {
		if f.Name == "etc/config/system" {
			found = true
			assert.Contains(t, f.Contents, "composed")
			assert.Contains(t, f.Contents, "UTC")
		}
	}
	assert.True(t, found, "system config must be rendered")
}

func TestPreviewValidationErrors(t *testing.T) {
	srv, _ := newTestAPI(t)

	// неразрешённая переменная — 400 со списком имён
	resp, raw := doJSON(t, "POST", srv.URL+"/api/v1/preview", map[string]any{
		"config": map[string]any{
			"type":    "DeviceConfiguration",
			"general": map[string]any{"hostname": "{{ nope }}"},
		},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "nope")

	// нарушение схемы — 400
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/preview", map[string]any{
		"config": map[string]any{
			"type":    "DeviceConfiguration",
			"general": map[string]any{"hostname": "bad host!"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// неизвестный бэкенд — 500
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/preview", map[string]any{
		"backend": "does-not-exist",
		"config":  map[string]any{"type": "DeviceConfiguration"},
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
