package handlers

import (
	"net/http"

	"retratai/internal/middleware"
)

type styleResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Available   bool   `json:"available"`
}

func (a *App) ListStyles(w http.ResponseWriter, r *http.Request) {
	locale := middleware.LocaleFromContext(r.Context())
	out := []styleResponse{}
	if a.Styles != nil {
		for _, s := range a.Styles.List() {
			out = append(out, styleResponse{ID: s.ID, Name: s.Name(locale), Description: s.Description(locale), Available: s.Available})
		}
	}
	a.json(w, http.StatusOK, map[string]any{"styles": out})
}
