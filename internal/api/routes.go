package api

import "github.com/gorilla/mux"

// RegisterRoutes монтирует management-API под /api/v1.
func RegisterRoutes(r *mux.Router, h *Handler) {
	sub := r.PathPrefix("/api/v1").Subrouter()

	sub.HandleFunc("/templates", h.TemplateList).Methods("GET")
	sub.HandleFunc("/templates", h.TemplateCreate).Methods("POST")
	sub.HandleFunc("/templates/{id:[0-9]+}", h.TemplateGet).Methods("GET")
	sub.HandleFunc("/templates/{id:[0-9]+}", h.TemplateUpdate).Methods("PUT")
	sub.HandleFunc("/templates/{id:[0-9]+}", h.TemplateDelete).Methods("DELETE")

	sub.HandleFunc("/vpns", h.VPNList).Methods("GET")
	sub.HandleFunc("/vpns", h.VPNCreate).Methods("POST")

	sub.HandleFunc("/devices", h.DeviceList).Methods("GET")
	sub.HandleFunc("/devices", h.DeviceCreate).Methods("POST")
	sub.HandleFunc("/devices/{uuid}", h.DeviceGet).Methods("GET")
	sub.HandleFunc("/devices/{uuid}", h.DeviceUpdate).Methods("PUT")
	sub.HandleFunc("/devices/{uuid}", h.DeviceDelete).Methods("DELETE")
	sub.HandleFunc("/devices/{uuid}/templates", h.DeviceAssignTemplates).Methods("PUT")
	sub.HandleFunc("/devices/{uuid}/rebuild", h.DeviceRebuild).Methods("POST")
	sub.HandleFunc("/devices/{uuid}/configuration", h.DeviceConfiguration).Methods("GET")

	sub.HandleFunc("/preview", h.Preview).Methods("POST")
}
