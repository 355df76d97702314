// Package view serves a finished sweep over HTTP for interactive inspection.
package view

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gotmc/ivsweep"
	"github.com/gotmc/ivsweep/lib/record"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/plot"
)

// Handler returns a router serving the interactive chart at /, the rendered
// image at /plot.png and the numeric table at /data.txt. Nothing is written
// to disk.
func Handler(res *ivsweep.Result, p *plot.Plot) (http.Handler, error) {
	img, err := record.PNG(p)
	if err != nil {
		return nil, err
	}
	var table bytes.Buffer
	if err := record.WriteTable(&table, res); err != nil {
		return nil, errors.Wrap(err, "rendering table")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger())
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := record.WriteHTML(w, res); err != nil {
			log.Error().Err(err).Msg("rendering chart")
		}
	})
	r.Get("/plot.png", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	})
	r.Get("/data.txt", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(table.Bytes())
	})
	return r, nil
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving I-V curve; interrupt to exit")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "viewer")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requestLogger logs HTTP requests using zerolog.
func requestLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				log.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Msg("HTTP request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
