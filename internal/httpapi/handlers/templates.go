package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"renderhub/internal/httpkit"
)

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) error {
	out, err := h.templates.List(r.Context())
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"templates": out})
	return nil
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) error {
	t, err := h.templates.Get(r.Context(), chi.URLParam(r, "templateId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"template": t})
	return nil
}
