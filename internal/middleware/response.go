package middleware

import (
	"net/http"

	"github.com/skyflock/skyflock/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}
