// Package imagehttp serves the image generation API.
package imagehttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/imagegen"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/ratelimit"
)

// MaxRequestBody caps POST /api/images bodies
const MaxRequestBody = 16 << 10

// Generator is implemented by *imagegen.Service
type Generator interface {
	Configured() bool
	GenerateAndStore(ctx context.Context, prompt string) (*imagegen.Result, error)
}

// UsageReporter is implemented by *ratelimit.Limiter
type UsageReporter interface {
	Usage(identity string, now time.Time) ratelimit.Usage
}

type Options struct {
	Logger    log.Logger
	Generator Generator
	Usage     UsageReporter
	// Limit guards the generation route, typically (*ratelimit.Limiter).Middleware. nil means unlimited.
	Limit func(http.Handler) http.Handler
	Clock func() time.Time
}

// API implements the image endpoints
type API struct {
	gen    Generator
	usage  UsageReporter
	limit  func(http.Handler) http.Handler
	logger log.Logger
	now    func() time.Time
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Limit == nil {
		opts.Limit = func(next http.Handler) http.Handler { return next }
	}
	return &API{
		gen:    opts.Generator,
		usage:  opts.Usage,
		limit:  opts.Limit,
		logger: opts.Logger,
		now:    opts.Clock,
	}
}

// RegisterRoutes attaches the endpoints. Only generation is rate limited; usage reads are free.
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.MaxBody(MaxRequestBody), api.limit).Post("/api/images", api.HandleGenerate)
	r.Get("/api/ratelimit", api.HandleUsage)
}

// HandleGenerate asks for details until is_details is set, then generates and stores an image
func (api *API) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	var req GenerateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
			return
		}
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Detail: err.Error()})
		return
	}

	if !req.IsDetails {
		api.writeJSON(ctx, w, http.StatusOK, GenerateResponse{Message: DetailsPrompt})
		return
	}

	res, err := api.gen.GenerateAndStore(ctx, req.Prompt)
	if err != nil {
		status, resp := errorResponse(err)
		if status >= 500 {
			L.Error(ctx, err, "image generation failed", "http.response.status_code", status)
		} else {
			L.Debug(ctx, "image generation rejected", "reason", err.Error())
		}
		api.writeJSON(ctx, w, status, resp)
		return
	}

	api.writeJSON(ctx, w, http.StatusCreated, GenerateResponse{
		Message: "Image URL generated: " + res.URL,
		URL:     res.URL,
		Key:     res.Key,
	})
}

// HandleUsage reports the caller's current counts against every policy
func (api *API) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := httpmw.CallerFromContext(ctx)
	if !ok {
		caller.ID = httpmw.ClientIPFromContext(ctx)
	}

	resp := UsageResponse{Identity: caller.ID, Exempt: caller.Exempt, Policies: []PolicyUsage{}}
	if api.usage != nil {
		u := api.usage.Usage(caller.ID, api.now())
		for _, p := range u.Policies {
			resp.Policies = append(resp.Policies, PolicyUsage{
				Policy:        string(p.Policy.Kind),
				Limit:         p.Policy.Limit,
				WindowSeconds: int64(p.Policy.Window / time.Second),
				Count:         p.Count,
				Remaining:     p.Remaining,
			})
		}
	}
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// errorResponse maps generation errors to a status and a body safe to show callers
func errorResponse(err error) (int, ErrorResponse) {
	var ue *imagegen.UpstreamError
	var se *imagegen.StorageError
	switch {
	case errors.Is(err, imagegen.ErrEmptyPrompt):
		return http.StatusBadRequest, ErrorResponse{Error: "prompt is required"}
	case errors.Is(err, imagegen.ErrNotConfigured):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "image generation is not configured"}
	case errors.As(err, &ue):
		return http.StatusBadGateway, ErrorResponse{Error: "error generating image", Detail: ue.Message}
	case errors.Is(err, imagegen.ErrNoImage):
		return http.StatusBadGateway, ErrorResponse{Error: "error generating image", Detail: imagegen.ErrNoImage.Error()}
	case errors.Is(err, imagegen.ErrImageTooLarge):
		return http.StatusBadGateway, ErrorResponse{Error: "error generating image", Detail: imagegen.ErrImageTooLarge.Error()}
	case errors.As(err, &se):
		return http.StatusBadGateway, ErrorResponse{Error: "error saving image"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse{Error: "image generation timed out"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal server error"}
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Error(ctx, err, "failed to encode JSON response")
	}
}
