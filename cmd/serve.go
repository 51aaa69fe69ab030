package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sessions-cli/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline status and trigger server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mux := newServeMux(ctx, env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newServeMux builds the HTTP surface: health, read-only status views and
// the per-stage run trigger. runCtx governs triggered runs, which outlive
// the request.
func newServeMux(runCtx context.Context, env *env) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		ps, err := env.Reporter.Status(r.Context())
		if err != nil {
			zap.L().Error("status query failed", zap.Error(err))
			http.Error(w, `{"error":"status query failed"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ps)
	})

	mux.HandleFunc("GET /failed", func(w http.ResponseWriter, r *http.Request) {
		var stg model.Stage
		if raw := r.URL.Query().Get("stage"); raw != "" {
			parsed, ok := model.ParseStage(raw)
			if !ok {
				http.Error(w, `{"error":"unknown stage"}`, http.StatusBadRequest)
				return
			}
			stg = parsed
		}
		failures, err := env.Reporter.Failed(r.Context(), stg)
		if err != nil {
			zap.L().Error("failed query failed", zap.Error(err))
			http.Error(w, `{"error":"failed query failed"}`, http.StatusInternalServerError)
			return
		}
		if failures == nil {
			failures = []model.FailedSession{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(failures)
	})

	mux.HandleFunc("POST /stages/{stage}/run", func(w http.ResponseWriter, r *http.Request) {
		stg, ok := model.ParseStage(r.PathValue("stage"))
		if !ok {
			http.Error(w, `{"error":"unknown stage"}`, http.StatusBadRequest)
			return
		}

		// Run asynchronously; the server context governs the run.
		go func() {
			res, err := env.Orchestrator.RunStage(runCtx, stg)
			if err != nil {
				zap.L().Error("triggered stage run failed",
					zap.String("stage", string(stg)),
					zap.Error(err),
				)
				return
			}
			zap.L().Info("triggered stage run complete",
				zap.String("stage", string(stg)),
				zap.Int("processed", res.Processed),
				zap.Int("failed", res.Failed),
			)
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "accepted",
			"stage":  string(stg),
		})
	})

	return mux
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
