// Package server exposes the admin HTTP surface of a running kvsync process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/kvsync/internal/deadletter"
	"github.com/cybertec-postgresql/kvsync/internal/sync"
)

// DefaultLimit bounds dead-letter listings and replays without a limit parameter
const DefaultLimit = 100

// Admin is the part of the sync service the HTTP surface drives
type Admin interface {
	Status() []sync.Status
	Reset(name string) error
	DeadLetters(ctx context.Context, name string, limit int, includeReplayed bool) ([]deadletter.Record, error)
	Replay(ctx context.Context, name string, limit int) (sync.ReplayResult, error)
}

// NewRouter constructs a ServeMux with the admin routes registered
func NewRouter(admin Admin, gatherer prometheus.Gatherer) http.Handler {
	h := &handlers{admin: admin}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("POST /connectors/{name}/reset", h.reset)
	mux.HandleFunc("GET /connectors/{name}/dead-letters", h.deadLetters)
	mux.HandleFunc("POST /connectors/{name}/replay", h.replay)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type handlers struct {
	admin Admin
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.admin.Status())
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.admin.Reset(name); err != nil {
		writeError(w, err)
		return
	}
	logrus.WithField("connector", name).Info("Connector reset requested")
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	all := r.URL.Query().Get("all") == "true"
	records, err := h.admin.DeadLetters(r.Context(), r.PathValue("name"), limit, all)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []deadletter.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handlers) replay(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.admin.Replay(r.Context(), r.PathValue("name"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func limitParam(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return DefaultLimit, nil
	}
	limit, err := strconv.Atoi(s)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return limit, nil
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sync.ErrUnknownConnector):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, sync.ErrNotHalted):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logrus.WithError(err).Error("Admin request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("Failed to encode response")
	}
}

// Serve runs the admin server on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", addr).Info("Admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin server: %w", err)
	}
	return <-errCh
}
