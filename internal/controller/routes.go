package controller

import "github.com/gorilla/mux"

// RegisterRoutes монтирует протокол агента под /controller.
// Завершающие слэши значимы: агент openwisp-config так формирует URL-ы.
func RegisterRoutes(r *mux.Router, h *Handler) {
	sub := r.PathPrefix("/controller").Subrouter()
	sub.HandleFunc("/register/", h.Register).Methods("POST")
	sub.HandleFunc("/checksum/{uuid}/", h.Checksum).Methods("GET")
	sub.HandleFunc("/download-config/{uuid}/", h.DownloadConfig).Methods("GET")
	sub.HandleFunc("/report-status/{uuid}/", h.ReportStatus).Methods("POST")
}
