package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/logger"
)

// NotebookAccess answers 404 for unknown notebooks and 403 for notebooks owned by someone else.
// It must run after the JWT middleware.
func NotebookAccess(db core.DbClient, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing user")
				return
			}
			notebookID := chi.URLParam(r, "notebookID")
			nb, err := db.GetNotebookByID(r.Context(), notebookID)
			if err != nil {
				log.Error("notebook lookup failed", "notebook_id", notebookID, "err", err)
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				return
			}
			if nb == nil {
				writeError(w, http.StatusNotFound, "not_found", "notebook not found")
				return
			}
			if nb.UserID != userID {
				writeError(w, http.StatusForbidden, "forbidden", "notebook belongs to another user")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
