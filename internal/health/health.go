package health

import (
	"net/http"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"loom/internal/httpx"
)

// RegisterRoutes — базовый liveness.
func RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
}

// RegisterRoutesWithDB — liveness + readiness (проверка БД).
func RegisterRoutesWithDB(r *mux.Router, db *gorm.DB) {
	RegisterRoutes(r)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if db == nil {
			httpx.WriteProblem(w, http.StatusServiceUnavailable, "Not Ready", "db not configured", nil)
			return
		}
		sqlDB, err := db.DB()
		if err != nil {
			httpx.WriteProblem(w, http.StatusServiceUnavailable, "Not Ready", "db handle error", nil)
			return
		}
		if err := sqlDB.Ping(); err != nil {
			httpx.WriteProblem(w, http.StatusServiceUnavailable, "Not Ready", "db unreachable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
}
