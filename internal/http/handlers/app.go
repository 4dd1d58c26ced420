package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"retratai/internal/catalog"
	"retratai/internal/domain"
	"retratai/internal/guard"
	"retratai/internal/infra"
	"retratai/internal/middleware"
	"retratai/internal/pipeline"
	"retratai/internal/progress"
)

// App holds the dependencies shared by all HTTP handlers.
type App struct {
	Config   *infra.Config
	Logger   zerolog.Logger
	Trainer  pipeline.Trainer
	Runs     *pipeline.Registry
	Events   *progress.Broker
	Models   domain.TrainedModelRepository
	Guard    guard.Guard
	Styles   *catalog.Catalog
	Shuffler domain.Shuffler
	Now      func() time.Time

	upgrader websocket.Upgrader
}

type errorResponse struct {
	Success bool                `json:"success"`
	Error   string              `json:"error"`
	Code    string              `json:"code,omitempty"`
	Details []domain.FieldError `json:"details,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorResponse{Error: message, Code: errCode})
}

func (a *App) invalid(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: "Invalid request data", Code: "validation_failed"}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Details = verr.Fields
	}
	a.json(w, http.StatusBadRequest, resp)
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

func (a *App) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *App) requestLogger(r *http.Request) *zerolog.Logger {
	l := a.Logger.With().
		Str("request_id", middleware.RequestIDFromContext(r.Context())).
		Str("user_id", a.currentUserID(r)).
		Logger()
	return &l
}
