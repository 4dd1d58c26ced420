package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"retratai/internal/domain"
	"retratai/internal/guard"
	"retratai/internal/middleware"
	"retratai/internal/pipeline"
)

const (
	IdempotencyHeader = "Idempotency-Key"

	multipartMemory = 32 << 20
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 30 * time.Second
)

type submissionResponse struct {
	ID          string         `json:"id"`
	State       pipeline.State `json:"state"`
	TriggerWord string         `json:"triggerWord"`
	Events      string         `json:"events"`
}

// CreateSubmission validates the photo form and starts the training
// pipeline in the background.
func (a *App) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	}
	if a.Config != nil && a.Config.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.Config.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "too_large", "Upload too large")
			return
		}
		a.invalid(w, &domain.ValidationError{Fields: []domain.FieldError{{Field: "body", Message: "invalid multipart form"}}})
		return
	}
	defer r.MultipartForm.RemoveAll()

	images, err := readImages(r.MultipartForm.File["images"])
	if err != nil {
		a.invalid(w, &domain.ValidationError{Fields: []domain.FieldError{{Field: "images", Message: err.Error()}}})
		return
	}
	locale := middleware.LocaleFromContext(r.Context())
	style := strings.TrimSpace(r.FormValue("style"))
	sub, err := domain.NewSubmission(domain.SubmissionInput{
		UserID:    userID,
		ModelName: r.FormValue("modelName"),
		Gender:    r.FormValue("gender"),
		Style:     style,
		Locale:    locale,
		Images:    images,
	}, a.Shuffler)
	if err == nil && a.Styles != nil && !a.Styles.Available(style) {
		err = &domain.ValidationError{Fields: []domain.FieldError{{Field: "style", Message: "is not available"}}}
	}
	switch {
	case errors.Is(err, domain.ErrAuthenticationRequired):
		a.error(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	case err != nil:
		a.invalid(w, err)
		return
	}

	logger := a.requestLogger(r)
	var claimed string
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" && a.Guard != nil {
		claimed = guard.Key(userID, key)
		ttl := 24 * time.Hour
		if a.Config != nil && a.Config.IdempotencyTTL > 0 {
			ttl = a.Config.IdempotencyTTL
		}
		if err := a.Guard.Claim(r.Context(), claimed, ttl); err != nil {
			if errors.Is(err, domain.ErrDuplicateOperation) {
				a.error(w, http.StatusConflict, "duplicate", domain.UserMessage(err, locale))
				return
			}
			logger.Error().Err(err).Msg("submissions: idempotency guard failed")
			a.error(w, http.StatusServiceUnavailable, "unavailable", domain.UserMessage(err, locale))
			return
		}
	}

	run, err := a.Runs.Launch(sub)
	if err != nil {
		if claimed != "" {
			_ = a.Guard.Release(r.Context(), claimed)
		}
		logger.Error().Err(err).Msg("submissions: launch failed")
		a.error(w, http.StatusInternalServerError, "internal", domain.UserMessage(err, locale))
		return
	}
	logger.Info().
		Str("submission_id", sub.ID).
		Str("model_name", sub.ModelName).
		Int("images", len(sub.Images)).
		Msg("submissions: accepted")
	a.json(w, http.StatusAccepted, submissionResponse{
		ID:          sub.ID,
		State:       run.State(),
		TriggerWord: sub.TriggerWord,
		Events:      "/api/submissions/" + sub.ID + "/events",
	})
}

func readImages(files []*multipart.FileHeader) ([]domain.Image, error) {
	images := make([]domain.Image, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		images = append(images, domain.Image{
			Filename: fh.Filename,
			MIME:     imageMIME(fh.Header.Get("Content-Type"), data),
			Data:     data,
		})
	}
	return images, nil
}

// imageMIME keeps the declared type unless the client sent none or a generic
// one, in which case the bytes decide. Unknown content stays empty so the
// file extension is checked instead.
func imageMIME(declared string, data []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	switch sniffed := http.DetectContentType(data); sniffed {
	case "image/png", "image/jpeg":
		return sniffed
	}
	return ""
}

// ownedRun resolves the {id} route parameter to a run owned by the caller
// and writes the error response otherwise.
func (a *App) ownedRun(w http.ResponseWriter, r *http.Request) (*pipeline.Run, bool) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return nil, false
	}
	run, ok := a.Runs.Get(chi.URLParam(r, "id"))
	if !ok || run.UserID() != userID {
		a.error(w, http.StatusNotFound, "not_found", domain.UserMessage(domain.ErrNotFound, middleware.LocaleFromContext(r.Context())))
		return nil, false
	}
	return run, true
}

func (a *App) GetSubmission(w http.ResponseWriter, r *http.Request) {
	run, ok := a.ownedRun(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, run.Snapshot())
}

func (a *App) CancelSubmission(w http.ResponseWriter, r *http.Request) {
	run, ok := a.ownedRun(w, r)
	if !ok {
		return
	}
	canceled := run.Cancel()
	a.requestLogger(r).Info().Str("submission_id", run.ID()).Bool("canceled", canceled).Msg("submissions: cancel requested")
	a.json(w, http.StatusOK, map[string]any{"id": run.ID(), "canceled": canceled, "state": run.State()})
}

// SubmissionEvents streams run events over a WebSocket until the run
// reaches a terminal state or the client goes away.
func (a *App) SubmissionEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := a.ownedRun(w, r)
	if !ok {
		return
	}
	upgrader := a.upgrader
	upgrader.CheckOrigin = a.checkOrigin
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, release := a.Events.Subscribe(run.ID())
	defer release()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}
	closeNormal := func() {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	}

	snap := run.Snapshot()
	if err := write(snap); err != nil {
		return
	}
	if snap.State.Terminal() {
		closeNormal()
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				closeNormal()
				return
			}
			if err := write(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (a *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || a.Config == nil {
		return true
	}
	for _, allowed := range a.Config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
