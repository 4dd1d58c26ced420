package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"retratai/internal/http/handlers"
	"retratai/internal/middleware"
)

// Options configures the middleware chain around the handlers.
type Options struct {
	Logger          zerolog.Logger
	AllowedOrigins  []string
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
	SessionSecret   string
	RateLimitPerMin int
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)

	// Ops
	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/metrics", app.Metrics)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Route("/api", func(r chi.Router) {
		r.Get("/styles", app.ListStyles)
		r.Post("/webhooks/replicate", app.ReplicateWebhook)

		r.Group(func(r chi.Router) {
			r.Use(middleware.SupabaseAuth(opts.SessionSecret))
			r.Get("/models", app.ListModels)
			r.Get("/submissions/{id}", app.GetSubmission)
			r.Get("/submissions/{id}/events", app.SubmissionEvents)
			r.Delete("/submissions/{id}", app.CancelSubmission)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
				r.Post("/training", app.StartTraining)
				r.Post("/submissions", app.CreateSubmission)
			})
		})
	})

	return r
}
