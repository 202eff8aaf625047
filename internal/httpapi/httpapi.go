package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camgw/internal/catalog"
)

// FileResolver validates a filename and maps it to an on-disk path.
type FileResolver interface {
	Resolve(kind catalog.Kind, filename string) (string, error)
}

// ReadyChecker reports whether the downstream media server is reachable.
type ReadyChecker interface {
	Ping(ctx context.Context) error
}

// Router builds the plain-HTTP surface: media file downloads, health probes,
// the metrics endpoint, and the WebSocket upgrade path.
func Router(wsPath string, ws http.Handler, files FileResolver, ready ReadyChecker,
	metricsHandler http.Handler, logger zerolog.Logger) http.Handler {
	log := logger.With().Str("component", "httpapi").Logger()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Handle(wsPath, ws)
	r.Handle("/metrics", metricsHandler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := ready.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded", "reason": "media backend unreachable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	serve := func(kind catalog.Kind) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			filename := chi.URLParam(req, "filename")
			path, err := files.Resolve(kind, filename)
			if err != nil {
				status := http.StatusBadRequest
				if errors.Is(err, catalog.ErrFileNotFound) {
					status = http.StatusNotFound
				}
				log.Debug().Err(err).Str("file", filename).Msg("file request refused")
				http.Error(w, http.StatusText(status), status)
				return
			}
			w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
			http.ServeFile(w, req, path)
		}
	}
	r.Get("/files/recordings/{filename}", serve(catalog.KindRecording))
	r.Get("/files/snapshots/{filename}", serve(catalog.KindSnapshot))

	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
