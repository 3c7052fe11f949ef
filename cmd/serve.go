package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/health"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/orchestrator"
	"github.com/sells-group/pricewatch/internal/retailer"
	"github.com/sells-group/pricewatch/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the background health checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		checker := health.NewChecker(env.Monitor, health.NewAlerter(cfg.Health), cfg.Health)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildMux(ctx, env),
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
	rootCmd.AddCommand(serveCmd)
}

// buildMux wires the HTTP routes. Runs started through the API live on ctx,
// not on the request.
func buildMux(ctx context.Context, env *scrapeEnv) http.Handler {
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
		writeJSON(w, http.StatusOK, env.healthBody())
	})

	r.Get("/reports", func(w http.ResponseWriter, req *http.Request) {
		ov, err := env.Monitor.ReportAll(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, ov)
	})

	r.Get("/reports/{source}", func(w http.ResponseWriter, req *http.Request) {
		rep, err := env.Monitor.Report(req.Context(), chi.URLParam(req, "source"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		runs, err := env.Store.ListRuns(req.Context(), store.RunFilter{
			Source: q.Get("source"),
			Status: model.RunStatus(q.Get("status")),
			Limit:  limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if runs == nil {
			runs = []model.ScrapingRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		run, err := env.Store.GetRun(req.Context(), chi.URLParam(req, "id"))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	r.Post("/runs/{source}", func(w http.ResponseWriter, req *http.Request) {
		if env.Orchestrator == nil {
			writeError(w, http.StatusServiceUnavailable, eris.New("no retailers configured"))
			return
		}
		source := chi.URLParam(req, "source")

		done, err := env.Orchestrator.Start(ctx, source)
		switch {
		case errors.Is(err, retailer.ErrUnknownScraper):
			writeError(w, http.StatusNotFound, err)
			return
		case errors.Is(err, orchestrator.ErrRunInProgress):
			writeError(w, http.StatusConflict, err)
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		if req.URL.Query().Get("wait") == "true" {
			res := <-done
			if res.Err != nil {
				writeError(w, http.StatusInternalServerError, res.Err)
				return
			}
			writeJSON(w, http.StatusOK, res.Run)
			return
		}

		go func() {
			res := <-done
			if res.Err != nil {
				zap.L().Error("api run failed", zap.String("source", source), zap.Error(res.Err))
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"source": source,
		})
	})

	r.Get("/history/{source}/{sku}", func(w http.ResponseWriter, req *http.Request) {
		entries, err := env.Store.ListHistory(req.Context(), chi.URLParam(req, "source"), chi.URLParam(req, "sku"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if entries == nil {
			entries = []model.PriceHistoryEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	})

	return r
}

// healthBody is the liveness payload with the politeness state per retailer.
type healthBody struct {
	Status     string                    `json:"status"`
	RateLimits map[string]limiterSummary `json:"rate_limits,omitempty"`
}

type limiterSummary struct {
	MinDelayMs    int64      `json:"min_delay_ms"`
	JitterMs      int64      `json:"jitter_ms"`
	PenaltyMs     int64      `json:"penalty_ms"`
	LastRequestAt *time.Time `json:"last_request_at,omitempty"`
}

func (e *scrapeEnv) healthBody() healthBody {
	body := healthBody{Status: "ok"}
	if e.Limiter == nil || e.Registry == nil {
		return body
	}
	body.RateLimits = make(map[string]limiterSummary)
	for _, name := range e.Registry.Names() {
		st := e.Limiter.Snapshot(name)
		sum := limiterSummary{
			MinDelayMs: st.MinDelay.Milliseconds(),
			JitterMs:   st.Jitter.Milliseconds(),
			PenaltyMs:  st.Penalty.Milliseconds(),
		}
		if !st.LastRequestAt.IsZero() {
			at := st.LastRequestAt.UTC()
			sum.LastRequestAt = &at
		}
		body.RateLimits[name] = sum
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
