package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/legalkg/internal/graph"
	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/monitoring"
	"github.com/sells-group/legalkg/internal/pipeline"
)

// maxExtractBody caps POST /v1/extract request bodies.
const maxExtractBody = 10 << 20

var (
	servePort    int
	serveNoStore bool
)

// batchRunner is the part of pipeline.BatchRunner the HTTP handlers use.
type batchRunner interface {
	Run(ctx context.Context, docs []pipeline.Document) (*pipeline.BatchSummary, error)
}

type extractRequest struct {
	DocumentID string `json:"documentId"`
	Text       string `json:"text"`
}

type extractResponse struct {
	Run    model.Run            `json:"run"`
	Report *model.QualityReport `json:"quality_report,omitempty"`
	Graph  graph.Batch          `json:"graph"`
	Stored bool                 `json:"stored"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP extraction API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve", !serveNoStore)
		if err != nil {
			return err
		}
		defer env.Close()

		var collector *monitoring.Collector
		if env.Store != nil {
			collector = monitoring.NewCollector(env.Store)
			if cfg.Monitoring.Enabled {
				checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
				go checker.Run(ctx)
			}
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildMux(env.Runner, collector),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoStore, "no-store", false, "skip graph storage")
	rootCmd.AddCommand(serveCmd)
}

// buildMux wires the API routes around runner. The stats route is only
// mounted when a collector is available.
func buildMux(runner batchRunner, collector *monitoring.Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/v1/extract", extractHandler(runner))
	if collector != nil {
		r.Get("/v1/stats", statsHandler(collector, cfg.Monitoring.LookbackWindowHours))
	}
	return r
}

func statsHandler(collector *monitoring.Collector, defaultHours int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours := defaultHours
		if v := r.URL.Query().Get("hours"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "hours must be a non-negative integer")
				return
			}
			hours = n
		}
		snap, err := collector.Collect(r.Context(), hours)
		if err != nil {
			zap.L().Error("stats request failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "stats unavailable")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func extractHandler(runner batchRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req extractRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExtractBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			writeError(w, http.StatusBadRequest, "text is required")
			return
		}
		if runner == nil {
			writeError(w, http.StatusServiceUnavailable, "pipeline not initialized")
			return
		}

		id := req.DocumentID
		if id == "" {
			id = pipeline.DocumentID("")
		}
		summary, err := runner.Run(r.Context(), []pipeline.Document{{ID: id, Text: req.Text}})
		if err != nil || summary == nil || len(summary.Results) != 1 {
			zap.L().Error("extract request failed", zap.String("document", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "extraction failed")
			return
		}

		res := summary.Results[0]
		resp := extractResponse{Run: res.Run, Stored: res.Run.StoredGraph, Graph: graph.Batch{}}
		if res.Result != nil && res.Result.State != nil {
			resp.Report = res.Result.State.QualityReport
			resp.Graph = graph.Build(res.Result.State)
		}

		status := http.StatusOK
		if res.Run.Status == model.RunStatusFailed {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, resp)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
