package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"loom/internal/build"
	"loom/internal/compose"
	"loom/internal/httpx"
	"loom/internal/models"
	"loom/internal/repo"
	"loom/internal/schema"
)

type Handler struct {
	devices   DeviceStore
	templates TemplateStore
	vpns      VPNStore
	builder   Builder
	certs     CertRevoker
	log       *logrus.Logger

	set Settings
}

// Settings — операционные настройки API (секция netjsonconfig конфига).
type Settings struct {
	// IsVPNBackend — проверка backend-а VPN-сервера против
	// NETJSONCONFIG_VPN_BACKENDS; nil отключает проверку.
	IsVPNBackend func(string) bool
	// DefaultVPNBackend подставляется при создании VPN без backend-а.
	DefaultVPNBackend string
	// DefaultAutoCert — значение auto_cert для VPN-шаблонов,
	// созданных без явного флага.
	DefaultAutoCert bool
}

func New(devices DeviceStore, templates TemplateStore, vpns VPNStore, builder Builder, certs CertRevoker, log *logrus.Logger, set Settings) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{devices: devices, templates: templates, vpns: vpns, builder: builder,
		certs: certs, log: log, set: set}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

/* ---------- templates ---------- */

type templateIn struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Backend  string          `json:"backend"`
	Default  bool            `json:"default"`
	Config   json.RawMessage `json:"config"`
	VPNID    *uint           `json:"vpn_id"`
	AutoCert *bool           `json:"auto_cert"`
}

// apply переносит входные поля в модель; отсутствующий auto_cert у
// VPN-шаблона берёт значение из NETJSONCONFIG_DEFAULT_AUTO_CERT.
func (in *templateIn) apply(t *models.Template, defaultAutoCert bool) error {
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("name required")
	}
	if len(in.Config) > 0 && !json.Valid(in.Config) {
		return errors.New("config is not valid JSON")
	}
	switch in.Type {
	case "", models.TemplateGeneric:
		t.Type = models.TemplateGeneric
	case models.TemplateVPN:
		if in.VPNID == nil {
			return errors.New("vpn template requires vpn_id")
		}
		t.Type = models.TemplateVPN
	default:
		return fmt.Errorf("unknown template type %q", in.Type)
	}
	t.Name = in.Name
	t.Backend = in.Backend
	t.Default = in.Default
	t.Config = datatypes.JSON(in.Config)
	t.VPNID = in.VPNID
	switch {
	case in.AutoCert != nil:
		t.AutoCert = *in.AutoCert
	case t.Type == models.TemplateVPN:
		t.AutoCert = defaultAutoCert
	default:
		t.AutoCert = false
	}
	return nil
}

func (h *Handler) TemplateList(w http.ResponseWriter, r *http.Request) {
	out, err := h.templates.List(r.Context())
	if err != nil {
		httpx.ServerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) TemplateCreate(w http.ResponseWriter, r *http.Request) {
	var in templateIn
	if err := decode(r, &in); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	var t models.Template
	if err := in.apply(&t, h.set.DefaultAutoCert); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	if err := h.templates.Save(r.Context(), &t); err != nil {
		httpx.ServerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, t)
}

func (h *Handler) templateByID(w http.ResponseWriter, r *http.Request) (*models.Template, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		httpx.BadRequest(w, "bad template id")
		return nil, false
	}
	t, err := h.templates.Get(r.Context(), uint(id))
	if err != nil || t == nil {
		httpx.NotFound(w, "template not found")
		return nil, false
	}
	return t, true
}

func (h *Handler) TemplateGet(w http.ResponseWriter, r *http.Request) {
	if t, ok := h.templateByID(w, r); ok {
		httpx.WriteJSON(w, http.StatusOK, t)
	}
}

func (h *Handler) TemplateUpdate(w http.ResponseWriter, r *http.Request) {
	t, ok := h.templateByID(w, r)
	if !ok {
		return
	}
	var in templateIn
	if err := decode(r, &in); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	if err := in.apply(t, h.set.DefaultAutoCert); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	if err := h.templates.Save(r.Context(), t); err != nil {
		httpx.ServerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

func (h *Handler) TemplateDelete(w http.ResponseWriter, r *http.Request) {
	t, ok := h.templateByID(w, r)
	if !ok {
		return
	}
	if err := h.templates.Delete(r.Context(), t.ID); err != nil {
		httpx.ServerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/* ---------- vpns ---------- */

type vpnIn struct {
	Name    string          `json:"name"`
	Backend string          `json:"backend"`
	Host    string          `json:"host"`
	Port    int             `json:"port"`
	Config  json.RawMessage `json:"config"`
	CAID    uint            `json:"ca_id"`
}

func (h *Handler) VPNList(w http.ResponseWriter, r *http.Request) {
	out, err := h.vpns.List(r.Context())
	if err != nil {
		httpx.ServerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) VPNCreate(w http.ResponseWriter, r *http.Request) {
	var in vpnIn
	if err := decode(r, &in); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		httpx.BadRequest(w, "name required")
		return
	}
	if strings.TrimSpace(in.Backend) == "" {
		// NETJSONCONFIG_DEFAULT_VPN_BACKEND
		in.Backend = h.set.DefaultVPNBackend
	}
	if strings.TrimSpace(in.Backend) == "" {
		httpx.BadRequest(w, "backend required")
		return
	}
	if h.set.IsVPNBackend != nil && !h.set.IsVPNBackend(in.Backend) {
		httpx.BadRequest(w, fmt.Sprintf("%q is not a configured vpn backend", in.Backend))
		return
	}
	if len(in.Config) > 0 && !json.Valid(in.Config) {
		httpx.BadRequest(w, "config is not valid JSON")
		return
	}
	v := models.VPN{Name: in.Name, Backend: in.Backend, Host: in.Host, Port: in.Port,
		Config: datatypes.JSON(in.Config), CAID: in.CAID}
	if err := h.vpns.Save(r.Context(), &v); err != nil {
		httpx.ServerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, v)
}

/* ---------- devices ---------- */

type deviceIn struct {
	Name    string          `json:"name"`
	Backend string          `json:"backend"`
	MAC     string          `json:"mac_address"`
	Key     string          `json:"key"`
	Config  json.RawMessage `json:"config"`
	Context json.RawMessage `json:"context"`
}

func (h *Handler) DeviceList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := h.devices.List(r.Context(), limit)
	if err != nil {
		httpx.ServerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) DeviceCreate(w http.ResponseWriter, r *http.Request) {
	var in deviceIn
	if err := decode(r, &in); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(in.MAC) == "" {
		httpx.BadRequest(w, "mac_address required")
		return
	}
	for _, raw := range [][]byte{in.Config, in.Context} {
		if len(raw) > 0 && !json.Valid(raw) {
			httpx.BadRequest(w, "config/context is not valid JSON")
			return
		}
	}
	d := models.Device{
		Name: in.Name, Backend: in.Backend,
		MAC: strings.ToLower(in.MAC), Key: in.Key,
		Config: datatypes.JSON(in.Config), Context: datatypes.JSON(in.Context),
	}
	if err := h.devices.Create(r.Context(), &d); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, d)
}

func (h *Handler) deviceByUUID(w http.ResponseWriter, r *http.Request) (*models.Device, bool) {
	d, err := h.devices.GetByUUID(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			httpx.NotFound(w, "device not found")
		} else {
			httpx.ServerError(w, err)
		}
		return nil, false
	}
	return d, true
}

func (h *Handler) DeviceGet(w http.ResponseWriter, r *http.Request) {
	if d, ok := h.deviceByUUID(w, r); ok {
		httpx.WriteJSON(w, http.StatusOK, d)
	}
}

func (h *Handler) DeviceUpdate(w http.ResponseWriter, r *http.Request) {
	d, ok := h.deviceByUUID(w, r)
	if !ok {
		return
	}
	var in deviceIn
	if err := decode(r, &in); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	for _, raw := range [][]byte{in.Config, in.Context} {
		if len(raw) > 0 && !json.Valid(raw) {
			httpx.BadRequest(w, "config/context is not valid JSON")
			return
		}
	}
	if in.Name != "" {
		d.Name = in.Name
	}
	if in.Backend != "" {
		d.Backend = in.Backend
	}
	if in.Config != nil {
		d.Config = datatypes.JSON(in.Config)
	}
	if in.Context != nil {
		d.Context = datatypes.JSON(in.Context)
	}
	rotated := in.Key != "" && in.Key != d.Key
	if rotated {
		d.Key = in.Key
	}
	if err := h.devices.Save(r.Context(), d); err != nil {
		httpx.ServerError(w, err)
		return
	}
	// Смена ключа через API отзывает сертификаты, как и при ре-регистрации.
	// Отзыв только после успешного сохранения нового ключа.
	if rotated && h.certs != nil {
		if err := h.certs.RevokeForDevice(r.Context(), d.ID); err != nil {
			h.log.WithError(err).WithField("device", d.UUID).Error("certificate revocation failed")
		}
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}

func (h *Handler) DeviceDelete(w http.ResponseWriter, r *http.Request) {
	d, err := h.devices.Delete(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			httpx.NotFound(w, "device not found")
		} else {
			httpx.ServerError(w, err)
		}
		return
	}
	if h.certs != nil {
		if err := h.certs.RevokeForDevice(r.Context(), d.ID); err != nil {
			h.log.WithError(err).WithField("device", d.UUID).Error("certificate revocation failed")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignIn struct {
	TemplateIDs []uint `json:"template_ids"`
}

// DeviceAssignTemplates задаёт список шаблонов устройства; порядок в
// template_ids становится порядком применения при сборке.
func (h *Handler) DeviceAssignTemplates(w http.ResponseWriter, r *http.Request) {
	d, ok := h.deviceByUUID(w, r)
	if !ok {
		return
	}
	var in assignIn
	if err := decode(r, &in); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	for _, id := range in.TemplateIDs {
		if t, err := h.templates.Get(r.Context(), id); err != nil || t == nil {
			httpx.BadRequest(w, fmt.Sprintf("template %d not found", id))
			return
		}
	}
	if err := h.templates.Assign(r.Context(), d.ID, in.TemplateIDs); err != nil {
		httpx.ServerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"template_ids": in.TemplateIDs})
}

/* ---------- configuration ---------- */

func (h *Handler) DeviceRebuild(w http.ResponseWriter, r *http.Request) {
	d, ok := h.deviceByUUID(w, r)
	if !ok {
		return
	}
	res, err := h.builder.Build(r.Context(), d.UUID)
	if err != nil {
		h.writeBuildError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// DeviceConfiguration отдаёт собранный tar.gz (пересборка на лету).
func (h *Handler) DeviceConfiguration(w http.ResponseWriter, r *http.Request) {
	d, ok := h.deviceByUUID(w, r)
	if !ok {
		return
	}
	if _, err := h.builder.Build(r.Context(), d.UUID); err != nil {
		h.writeBuildError(w, r, err)
		return
	}
	d, err := h.devices.GetByUUID(r.Context(), d.UUID)
	if err != nil || len(d.ConfigArchive) == 0 {
		httpx.NotFound(w, "configuration not built")
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.tar.gz"`, d.UUID))
	_, _ = w.Write(d.ConfigArchive)
}

/* ---------- preview ---------- */

type previewIn struct {
	Backend   string            `json:"backend"`
	Config    json.RawMessage   `json:"config"`
	Templates []json.RawMessage `json:"templates"`
	Context   json.RawMessage   `json:"context"`
	Name      string            `json:"name"`
	MAC       string            `json:"mac_address"`
}

type previewFile struct {
	Name     string `json:"name"`
	Contents string `json:"contents"`
	Mode     int    `json:"mode,omitempty"`
}

// Preview рендерит несохранённый кортеж (config, templates, context).
// Ошибки входных данных (JSON, переменные, схема) — 400, остальное — 500.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var in previewIn
	if err := decode(r, &in); err != nil {
		h.log.WithError(err).Warn("preview: bad request body")
		httpx.BadRequest(w, err.Error())
		return
	}
	cfg, err := compose.DecodeTree(in.Config)
	if err != nil {
		h.log.WithError(err).Warn("preview: bad config")
		httpx.BadRequest(w, "config: "+err.Error())
		return
	}
	ctxTree, err := compose.DecodeTree(in.Context)
	if err != nil {
		h.log.WithError(err).Warn("preview: bad context")
		httpx.BadRequest(w, "context: "+err.Error())
		return
	}
	templates := make([]map[string]any, 0, len(in.Templates))
	for i, raw := range in.Templates {
		tree, err := compose.DecodeTree(raw)
		if err != nil {
			h.log.WithError(err).Warn("preview: bad template")
			httpx.BadRequest(w, fmt.Sprintf("templates[%d]: %v", i, err))
			return
		}
		templates = append(templates, tree)
	}

	files, checksum, err := h.builder.Preview(r.Context(), build.PreviewInput{
		Backend:   in.Backend,
		Config:    cfg,
		Templates: templates,
		Context:   ctxTree,
		Name:      in.Name,
		MAC:       in.MAC,
	})
	if err != nil {
		h.writeBuildError(w, r, err)
		return
	}
	out := make([]previewFile, 0, len(files))
	for _, f := range files {
		out = append(out, previewFile{Name: f.Name, Contents: string(f.Data), Mode: f.Mode})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"checksum": checksum, "files": out})
}

// writeBuildError разделяет ошибки входных данных (400) и внутренние (500).
func (h *Handler) writeBuildError(w http.ResponseWriter, r *http.Request, err error) {
	var uerr *compose.ErrUnresolvedVars
	var serr *schema.Error
	switch {
	case errors.As(err, &uerr):
		h.log.WithField("vars", uerr.Vars).Warn("build: unresolved variables")
		httpx.WriteProblem(w, http.StatusBadRequest, "Unresolved Variables", err.Error(),
			map[string]any{"vars": uerr.Vars})
	case errors.As(err, &serr):
		h.log.WithFields(logrus.Fields{"backend": serr.Backend, "path": serr.Path}).
			Warn("build: schema validation failed")
		httpx.WriteProblem(w, http.StatusBadRequest, "Validation Error", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		httpx.NotFound(w, "device not found")
	default:
		h.log.WithError(err).WithField("uri", r.RequestURI).Error("build failed")
		httpx.ServerError(w, err)
	}
}
