// Package dashboard serves the read-only HTTP views over persisted
// violations: the JSON listing, the latest captured frame, saved violation
// images and a websocket stream of newly persisted records.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/roadwatch/internal/authmw"
	"github.com/linnemanlabs/roadwatch/internal/snapshot"
	"github.com/linnemanlabs/roadwatch/internal/violation"
)

const (
	// MaxListLimit caps the limit query parameter.
	MaxListLimit = 500

	// StreamPath is the websocket endpoint for newly persisted records.
	StreamPath = "/api/v1/stream"

	imagePrefix = "/violations/"
)

// RecordLister is the read side of the finding store.
type RecordLister interface {
	ListRecent(ctx context.Context, limit int) ([]violation.Record, error)
}

// Options configures the dashboard.
type Options struct {
	FrameDir     string // live preview frames
	ViolationDir string // saved violation images
	Token        string // bearer token; empty disables auth
	Hub          *Hub   // optional live stream
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	store  RecordLister
	opts   Options
}

// New creates a new API handler.
func New(logger log.Logger, store RecordLister, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil {
		panic(xerrors.New("violation store is required"))
	}
	return &API{
		logger: logger,
		store:  store,
		opts:   opts,
	}
}

// RegisterRoutes attaches dashboard endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(a.opts.Token))

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/violations", a.handleListViolations)
			r.Get("/frames/latest", a.handleLatestFrame)
			if a.opts.Hub != nil {
				r.Get("/stream", a.opts.Hub.ServeHTTP)
			}
		})

		if a.opts.ViolationDir != "" {
			r.Get(imagePrefix+"*", a.handleImage)
		}
	})
}

// StreamHandler returns the token-checked live stream for mounting outside the
// router, or nil when no Hub is configured. The upgrade needs a ResponseWriter
// that implements http.Hijacker, which rules out most wrapping middleware.
func (a *API) StreamHandler() http.Handler {
	if a.opts.Hub == nil {
		return nil
	}
	return authmw.BearerToken(a.opts.Token)(a.opts.Hub)
}

// ViolationView is a record plus the URL of its saved image.
type ViolationView struct {
	violation.Record
	ImageURL string `json:"image_url,omitempty"`
}

func newView(r violation.Record) ViolationView {
	v := ViolationView{Record: r}
	if r.ImagePath != "" {
		v.ImageURL = imagePrefix + filepath.Base(r.ImagePath)
	}
	return v
}

type listResponse struct {
	Violations []ViolationView `json:"violations"`
	Count      int             `json:"count"`
}

func (a *API) handleListViolations(w http.ResponseWriter, r *http.Request) {
	limit := violation.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		limit = min(n, MaxListLimit)
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("roadwatch.violations.limit", limit))

	recs, err := a.store.ListRecent(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list violations", "limit", limit)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	resp := listResponse{Violations: make([]ViolationView, 0, len(recs)), Count: len(recs)}
	for _, rec := range recs {
		resp.Violations = append(resp.Violations, newView(rec))
	}
	span.SetAttributes(attribute.Int("roadwatch.violations.count", len(recs)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleLatestFrame serves the newest capture for live preview. No frame yet
// is 204 with an empty body.
func (a *API) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	name, data, err := snapshot.Latest(a.opts.FrameDir)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read latest frame", "dir", a.opts.FrameDir)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if name == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("roadwatch.frame.name", filepath.Base(name)))

	w.Header().Set("Content-Type", contentType(name))
	w.Header().Set("X-Frame-Name", filepath.Base(name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// handleImage serves one saved violation image by file name. Directory
// listings and nested paths are not exposed.
func (a *API) handleImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" || strings.ContainsAny(name, `/\`) || name != path.Clean(name) || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(a.opts.ViolationDir, name))
}

func contentType(name string) string {
	if strings.EqualFold(filepath.Ext(name), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}
