package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"retratai/internal/catalog"
	"retratai/internal/domain"
	"retratai/internal/guard"
	"retratai/internal/infra"
	"retratai/internal/middleware"
	"retratai/internal/pipeline"
	"retratai/internal/progress"
	"retratai/internal/providers/caption"
	"retratai/internal/providers/replicate"
)

type stubTrainer struct {
	mu        sync.Mutex
	createErr error
	startErr  error
	requests  []domain.TrainingRequest
}

func (s *stubTrainer) CreateModel(_ context.Context, name string) (*domain.RemoteModel, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &domain.RemoteModel{ID: "retratai/" + name, Owner: "retratai", Name: name}, nil
}

func (s *stubTrainer) StartTraining(_ context.Context, req domain.TrainingRequest) (*domain.TrainingJob, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &domain.TrainingJob{ID: "tr_1", Status: domain.TrainingStarting}, nil
}

type stubCaptioner struct{}

func (stubCaptioner) Caption(_ context.Context, _ domain.Image, s caption.Subject) (string, error) {
	return "a photo of " + s.TriggerWord, nil
}

type stubUploader struct{}

func (stubUploader) Upload(context.Context, string, []byte, string) error { return nil }
func (stubUploader) PublicURL(key string) string { return "https://storage.test/" + key }

type stubModels struct {
	mu       sync.Mutex
	models   []domain.TrainedModel
	updates  map[string]domain.TrainingStatus
	listErr  error
	notFound bool
}

func (m *stubModels) Insert(_ context.Context, model *domain.TrainedModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = append(m.models, *model)
	return nil
}

func (m *stubModels) ListByUser(_ context.Context, userID string, _ int) ([]domain.TrainedModel, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.TrainedModel
	for _, model := range m.models {
		if model.UserID == userID {
			out = append(out, model)
		}
	}
	return out, nil
}

func (m *stubModels) UpdateStatusByTrainingID(_ context.Context, trainingID string, status domain.TrainingStatus) error {
	if m.notFound {
		return domain.ErrNotFound
	}
	if m.updates == nil {
		m.updates = map[string]domain.TrainingStatus{}
	}
	m.updates[trainingID] = status
	return nil
}

func newTestApp(t *testing.T) (*App, *stubTrainer, *stubModels) {
	t.Helper()
	trainer := &stubTrainer{}
	models := &stubModels{}
	broker := progress.NewBroker(64, nil)
	p, err := pipeline.New(pipeline.Options{
		Captioner: stubCaptioner{},
		Uploader:  stubUploader{},
		Trainer:   trainer,
		Models:    models,
		Observer:  broker,
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	app := &App{
		Config: &infra.Config{
			MaxUploadBytes:         10 << 20,
			IdempotencyTTL:         time.Hour,
			AllowedOrigins:         []string{"*"},
			ReplicateWebhookEvents: []string{"completed"},
		},
		Logger:  zerolog.Nop(),
		Trainer: trainer,
		Runs:    pipeline.NewRegistry(context.Background(), p, time.Hour),
		Events:  broker,
		Models:  models,
		Guard:   guard.NewMemoryGuard(),
		Styles:  catalog.Default(),
	}
	return app, trainer, models
}

func newRouter(app *App, userID string) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.ContextWithUserID(r.Context(), userID)))
		})
	})
	r.Post("/api/training", app.StartTraining)
	r.Post("/api/submissions", app.CreateSubmission)
	r.Get("/api/submissions/{id}", app.GetSubmission)
	r.Delete("/api/submissions/{id}", app.CancelSubmission)
	r.Get("/api/models", app.ListModels)
	r.Get("/api/styles", app.ListStyles)
	r.Post("/api/webhooks/replicate", app.ReplicateWebhook)
	return r
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestStartTraining(t *testing.T) {
	valid := `{"modelName":"Juan Perez","triggerWord":"ZEPNAJUER","zipUrl":"https://p.supabase.co/storage/v1/object/public/zip/juan.zip"}`
	cases := []struct {
		name       string
		userID     string
		body       string
		createErr  error
		wantStatus int
		wantError  string
	}{
		{name: "unauthenticated", body: valid, wantStatus: http.StatusUnauthorized, wantError: "Unauthorized"},
		{name: "missing fields", userID: "u1", body: `{"modelName":""}`, wantStatus: http.StatusBadRequest, wantError: "Invalid request data"},
		{name: "bad zip url", userID: "u1", body: `{"modelName":"a","triggerWord":"A","zipUrl":"not a url"}`, wantStatus: http.StatusBadRequest, wantError: "Invalid request data"},
		{name: "malformed json", userID: "u1", body: `{`, wantStatus: http.StatusBadRequest, wantError: "Invalid request data"},
		{name: "provider failure", userID: "u1", body: valid, createErr: errors.New("503"), wantStatus: http.StatusInternalServerError, wantError: "Failed to start training"},
		{name: "success", userID: "u1", body: valid, wantStatus: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app, trainer, _ := newTestApp(t)
			trainer.createErr = tc.createErr
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/training", strings.NewReader(tc.body))
			newRouter(app, tc.userID).ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
			}
			body := decode(t, rec)
			if tc.wantError != "" {
				if body["success"] != false || body["error"] != tc.wantError {
					t.Fatalf("body = %v", body)
				}
				return
			}
			if body["success"] != true {
				t.Fatalf("body = %v", body)
			}
			training := body["training"].(map[string]any)
			if training["id"] != "tr_1" {
				t.Fatalf("training = %v", training)
			}
			if len(trainer.requests) != 1 || trainer.requests[0].TriggerWord != "ZEPNAJUER" {
				t.Fatalf("requests = %+v", trainer.requests)
			}
		})
	}
}

func TestStartTrainingValidationDetails(t *testing.T) {
	app, _, _ := newTestApp(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/training", strings.NewReader(`{"modelName":"a","zipUrl":"ftp://x/a.zip"}`))
	newRouter(app, "u1").ServeHTTP(rec, req)
	details, _ := decode(t, rec)["details"].([]any)
	fields := map[string]bool{}
	for _, d := range details {
		fields[d.(map[string]any)["field"].(string)] = true
	}
	if !fields["triggerWord"] || !fields["zipUrl"] || fields["modelName"] {
		t.Fatalf("details = %v", details)
	}
}

func multipartBody(t *testing.T, fields map[string]string, images int) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	for i := 0; i < images; i++ {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename="photo_%d.jpg"`, i+1))
		h.Set("Content-Type", "image/jpeg")
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		_, _ = part.Write([]byte("jpeg-" + strconv.Itoa(i)))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func postSubmission(t *testing.T, h http.Handler, fields map[string]string, images int, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, fields, images)
	req := httptest.NewRequest(http.MethodPost, "/api/submissions", body)
	req.Header.Set("Content-Type", contentType)
	if idemKey != "" {
		req.Header.Set(IdempotencyHeader, idemKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateSubmission(t *testing.T) {
	app, trainer, models := newTestApp(t)
	h := newRouter(app, "user-1")
	fields := map[string]string{"modelName": "Juan Perez", "gender": "hombre", "style": "professional"}

	rec := postSubmission(t, h, fields, 12, "key-1")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	id, _ := body["id"].(string)
	trigger, _ := body["triggerWord"].(string)
	if id == "" || len(trigger) != len("JUANPEREZ") {
		t.Fatalf("body = %v", body)
	}
	if err := app.Runs.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(trainer.requests) != 1 || trainer.requests[0].TriggerWord != trigger {
		t.Fatalf("trigger word not propagated: %+v", trainer.requests)
	}
	if len(models.models) != 1 || models.models[0].UserID != "user-1" {
		t.Fatalf("models = %+v", models.models)
	}

	get := httptest.NewRecorder()
	h.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/api/submissions/"+id, nil))
	snap := decode(t, get)
	if get.Code != http.StatusOK || snap["state"] != string(pipeline.StateDone) {
		t.Fatalf("snapshot %d = %v", get.Code, snap)
	}

	dup := postSubmission(t, h, fields, 12, "key-1")
	if dup.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", dup.Code)
	}

	other := httptest.NewRecorder()
	newRouter(app, "user-2").ServeHTTP(other, httptest.NewRequest(http.MethodGet, "/api/submissions/"+id, nil))
	if other.Code != http.StatusNotFound {
		t.Fatalf("other user status = %d", other.Code)
	}
}

func TestCreateSubmissionValidation(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]string
		images int
		field  string
	}{
		{name: "too few images", fields: map[string]string{"modelName": "Ana", "gender": "mujer", "style": "professional"}, images: 9, field: "images"},
		{name: "bad gender", fields: map[string]string{"modelName": "Ana", "gender": "other", "style": "professional"}, images: 10, field: "gender"},
		{name: "style not available", fields: map[string]string{"modelName": "Ana", "gender": "mujer", "style": "casual"}, images: 10, field: "style"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app, trainer, _ := newTestApp(t)
			rec := postSubmission(t, newRouter(app, "user-1"), tc.fields, tc.images, "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"field":"`+tc.field+`"`) {
				t.Fatalf("body = %s", rec.Body.String())
			}
			if app.Runs.Len() != 0 || len(trainer.requests) != 0 {
				t.Fatal("invalid submission must not start a run")
			}
		})
	}
}

func TestCreateSubmissionRequiresUser(t *testing.T) {
	app, _, _ := newTestApp(t)
	rec := postSubmission(t, newRouter(app, ""), map[string]string{"modelName": "Ana"}, 10, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListModels(t *testing.T) {
	app, _, models := newTestApp(t)
	models.models = []domain.TrainedModel{{ID: "m1", UserID: "user-1", TrainingID: "tr_1"}, {ID: "m2", UserID: "user-2"}}
	rec := httptest.NewRecorder()
	newRouter(app, "user-1").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	list, _ := decode(t, rec)["models"].([]any)
	if rec.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("status %d models %v", rec.Code, list)
	}

	app.Models = nil
	rec = httptest.NewRecorder()
	newRouter(app, "user-1").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status without repository = %d", rec.Code)
	}
}

func signedWebhook(t *testing.T, secretKey []byte, body string, now time.Time) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(now.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/replicate", strings.NewReader(body))
	req.Header.Set("webhook-id", "msg_1")
	req.Header.Set("webhook-timestamp", ts)
	req.Header.Set("webhook-signature", "v1,"+replicate.SignWebhook(secretKey, "msg_1", ts, []byte(body)))
	return req
}

func TestReplicateWebhook(t *testing.T) {
	key := []byte("webhook-secret-key-for-tests-000")
	now := time.Unix(1_700_000_000, 0)
	app, _, models := newTestApp(t)
	app.Config.ReplicateWebhookSecret = "whsec_" + base64.StdEncoding.EncodeToString(key)
	app.Now = func() time.Time { return now }
	h := newRouter(app, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhook(t, key, `{"id":"tr_1","status":"succeeded"}`, now))
	if rec.Code != http.StatusOK || models.updates["tr_1"] != domain.TrainingSucceeded {
		t.Fatalf("status %d updates %v", rec.Code, models.updates)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhook(t, []byte("another-key-entirely-000000000000"), `{"id":"tr_1","status":"failed"}`, now))
	if rec.Code != http.StatusUnauthorized || models.updates["tr_1"] != domain.TrainingSucceeded {
		t.Fatalf("forged delivery: status %d updates %v", rec.Code, models.updates)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhook(t, key, `{"id":"tr_1","status":"exploded"}`, now))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status = %d", rec.Code)
	}

	models.notFound = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhook(t, key, `{"id":"tr_9","status":"failed"}`, now))
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "ignored" {
		t.Fatalf("unknown training: %d %s", rec.Code, rec.Body.String())
	}
}

func TestReplicateWebhookRequiresSecret(t *testing.T) {
	app, _, models := newTestApp(t)
	h := newRouter(app, "")

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/replicate", strings.NewReader(`{"id":"tr_1","status":"failed"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unsigned delivery status = %d", rec.Code)
	}
	if len(models.updates) != 0 {
		t.Fatalf("unsigned delivery changed records: %v", models.updates)
	}
}

func TestListStylesLocalized(t *testing.T) {
	app, _, _ := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/api/styles", nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.LocaleKey, "en"))
	rec := httptest.NewRecorder()
	newRouter(app, "").ServeHTTP(rec, req)
	styles, _ := decode(t, rec)["styles"].([]any)
	if len(styles) == 0 {
		t.Fatalf("body = %s", rec.Body.String())
	}
	first := styles[0].(map[string]any)
	if first["id"] != "professional" || first["name"] != "Professional" || first["available"] != true {
		t.Fatalf("first style = %v", first)
	}
}

func TestMetricsCountsRunsByState(t *testing.T) {
	app, _, _ := newTestApp(t)
	h := newRouter(app, "user-1")
	fields := map[string]string{"modelName": "Ana Gomez", "gender": "mujer", "style": "professional"}
	if rec := postSubmission(t, h, fields, 10, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if err := app.Runs.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	rec := httptest.NewRecorder()
	app.Metrics(rec, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	body := decode(t, rec)
	byState, _ := body["by_state"].(map[string]any)
	if body["tracked"] != float64(1) || byState[string(pipeline.StateDone)] != float64(1) {
		t.Fatalf("metrics = %v", body)
	}

	_, release := app.Events.Subscribe("watched-run")
	defer release()
	rec = httptest.NewRecorder()
	app.Metrics(rec, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	if body := decode(t, rec); body["watchers"] != float64(1) {
		t.Fatalf("metrics = %v", body)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	app, _, _ := newTestApp(t)
	rec := httptest.NewRecorder()
	app.OpenAPIJSON(rec, httptest.NewRequest(http.MethodGet, "/v1/openapi.json", nil))
	doc := decode(t, rec)
	paths, _ := doc["paths"].(map[string]any)
	for _, p := range []string{"/api/training", "/api/submissions", "/api/submissions/{id}/events"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("openapi document misses %s", p)
		}
	}

	docs := httptest.NewRecorder()
	app.OpenAPIDocs(docs, httptest.NewRequest(http.MethodGet, "/v1/docs", nil))
	if !strings.Contains(docs.Body.String(), "/v1/openapi.json") {
		t.Fatal("docs page does not reference the document")
	}
}

func TestImageMIME(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	cases := []struct {
		name     string
		declared string
		data     []byte
		want     string
	}{
		{name: "declared kept", declared: "image/png", data: jpeg, want: "image/png"},
		{name: "octet stream sniffed png", declared: "application/octet-stream", data: png, want: "image/png"},
		{name: "missing sniffed jpeg", data: jpeg, want: "image/jpeg"},
		{name: "unknown bytes left empty", data: []byte("hello"), want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := imageMIME(tc.declared, tc.data); got != tc.want {
				t.Fatalf("imageMIME() = %q, want %q", got, tc.want)
			}
		})
	}
}
