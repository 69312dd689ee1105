package controller

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"loom/internal/build"
	"loom/internal/httpx"
	"loom/internal/repo"
)

// Store — операции над устройствами, которые нужны протоколу контроллера.
// Реализуется и gorm-репозиторием, и in-memory хранилищем.
type Store interface {
	Register(ctx context.Context, in repo.RegisterInput) (*repo.RegisterResult, error)
	GetChecksum(ctx context.Context, uuid, key string) (string, error)
	GetConfig(ctx context.Context, uuid, key string) ([]byte, string, error)
	ReportStatus(ctx context.Context, uuid, key, status string) error
	RecordIP(ctx context.Context, uuid, ip string) error
}

// Builder пересобирает конфигурацию устройства перед выдачей.
type Builder interface {
	Build(ctx context.Context, uuid string) (*build.Result, error)
}

// CertRevoker отзывает сертификаты устройства при смене его ключа.
type CertRevoker interface {
	RevokeForDevice(ctx context.Context, deviceID uint) error
}

// Handler — HTTP-протокол, по которому устройства опрашивают контроллер.
type Handler struct {
	store         Store
	builder       Builder
	certs         CertRevoker
	log           *logrus.Logger
	sharedSecret  string
	regEnabled    bool
	consistentKey bool
}

func New(store Store, builder Builder, certs CertRevoker, log *logrus.Logger, sharedSecret string, regEnabled, consistentKey bool) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		store: store, builder: builder, certs: certs, log: log,
		sharedSecret: sharedSecret, regEnabled: regEnabled, consistentKey: consistentKey,
	}
}

// Агент проверяет этот заголовок, чтобы не принять чужой ответ за контроллерский.
func setControllerHeader(w http.ResponseWriter) {
	w.Header().Set("X-Openwisp-Controller", "true")
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forbidden логирует отказ на уровне warning и отвечает кодом code.
func (h *Handler) forbidden(w http.ResponseWriter, r *http.Request, code int, reason string) {
	h.log.WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"remote": remoteIP(r),
		"reason": reason,
	}).Warn("controller request refused")
	httpx.WriteProblem(w, code, http.StatusText(code), reason, nil)
}

// POST /controller/register/
// form: secret, name, backend, mac_address, key (опционально)
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	setControllerHeader(w)
	if err := r.ParseForm(); err != nil {
		httpx.BadRequest(w, "bad form")
		return
	}
	in := repo.RegisterInput{
		SharedSecret:   r.FormValue("secret"),
		ExpectedSecret: h.sharedSecret,
		Enabled:        h.regEnabled,
		Name:           r.FormValue("name"),
		Backend:        r.FormValue("backend"),
		MAC:            r.FormValue("mac_address"),
		KeyOptional:    r.FormValue("key"),
		ConsistentKey:  h.consistentKey,
	}
	res, err := h.store.Register(r.Context(), in)
	if err != nil {
		switch err {
		case repo.ErrRegistrationDisabled:
			h.forbidden(w, r, http.StatusForbidden, "registration disabled")
		case repo.ErrBadSecret:
			h.forbidden(w, r, http.StatusUnauthorized, "unrecognized secret")
		default:
			httpx.BadRequest(w, err.Error())
		}
		return
	}

	// Смена ключа делает выданные сертификаты недоверенными.
	if res.KeyRotated && h.certs != nil {
		if err := h.certs.RevokeForDevice(r.Context(), res.DeviceID); err != nil {
			h.log.WithError(err).WithField("device", res.UUID).Error("certificate revocation failed")
		}
	}

	// Первичная сборка best-effort: агент всё равно придёт за checksum
	if h.builder != nil {
		if _, err := h.builder.Build(r.Context(), res.UUID); err != nil {
			h.log.WithError(err).WithField("device", res.UUID).Warn("initial build failed")
		}
	}

	_ = h.store.RecordIP(r.Context(), res.UUID, remoteIP(r))

	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, "uuid: %s\nkey: %s\nhostname: %s\n", res.UUID, res.Key, res.Name)
	if res.IsNew {
		fmt.Fprintln(w, "is-new: 1")
	} else {
		fmt.Fprintln(w, "is-new: 0")
	}
}

// GET /controller/checksum/{uuid}/?key=...
func (h *Handler) Checksum(w http.ResponseWriter, r *http.Request) {
	setControllerHeader(w)
	uuid := mux.Vars(r)["uuid"]
	key := r.URL.Query().Get("key")

	// Ленивая пересборка: шаблоны могли измениться с прошлого опроса.
	if h.builder != nil {
		if _, err := h.builder.Build(r.Context(), uuid); err != nil {
			h.log.WithError(err).WithField("device", uuid).Warn("lazy build failed")
		}
	}

	sum, err := h.store.GetChecksum(r.Context(), uuid, key)
	if err != nil {
		h.refuse(w, r, err)
		return
	}
	_ = h.store.RecordIP(r.Context(), uuid, remoteIP(r))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, sum+"\n")
}

// GET /controller/download-config/{uuid}/?key=...
func (h *Handler) DownloadConfig(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	key := r.URL.Query().Get("key")

	if h.builder != nil {
		if _, err := h.builder.Build(r.Context(), uuid); err != nil {
			h.log.WithError(err).WithField("device", uuid).Warn("lazy build failed")
		}
	}

	data, sum, err := h.store.GetConfig(r.Context(), uuid, key)
	if err != nil {
		setControllerHeader(w)
		h.refuse(w, r, err)
		return
	}
	setControllerHeader(w)
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s.tar.gz"`, uuid, shortSum(sum)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// POST /controller/report-status/{uuid}/  body: key=...&status=running|error
func (h *Handler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	setControllerHeader(w)
	if err := r.ParseForm(); err != nil {
		httpx.BadRequest(w, "bad form")
		return
	}
	uuid := mux.Vars(r)["uuid"]
	key := r.FormValue("key")
	status := r.FormValue("status")

	if err := h.store.ReportStatus(r.Context(), uuid, key, status); err != nil {
		if err == repo.ErrBadStatus {
			httpx.BadRequest(w, fmt.Sprintf("invalid status %q", status))
			return
		}
		h.refuse(w, r, err)
		return
	}
	_ = h.store.RecordIP(r.Context(), uuid, remoteIP(r))
	// 200 без тела, агенту достаточно статус-строки и заголовка
	w.WriteHeader(http.StatusOK)
}

// refuse переводит ошибки хранилища в HTTP-коды протокола:
// неизвестный uuid — 404, неверный key — 403 (с warning-логом).
func (h *Handler) refuse(w http.ResponseWriter, r *http.Request, err error) {
	switch err {
	case repo.ErrNotFound:
		httpx.NotFound(w, "device not found")
	case repo.ErrUnauthorized:
		h.forbidden(w, r, http.StatusForbidden, "wrong key")
	default:
		h.log.WithError(err).Error("controller request failed")
		httpx.ServerError(w, err)
	}
}

func shortSum(sum string) string {
	if len(sum) > 8 {
		return sum[:8]
	}
	return sum
}
