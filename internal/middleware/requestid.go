package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderRequestID отдаётся клиенту и принимается от доверенных прокси.
const HeaderRequestID = "X-Request-Id"

type requestIDKey struct{}

// RequestID прокидывает идентификатор запроса через контекст и
// ответный заголовок; без входящего заголовка генерирует UUID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// GetRequestID достаёт идентификатор из контекста запроса.
func GetRequestID(r *http.Request) string {
	if s, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return s
	}
	return ""
}
