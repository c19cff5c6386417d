package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/treasury-cli/internal/model"
	"github.com/sells-group/treasury-cli/internal/monitor"
	"github.com/sells-group/treasury-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API and scheduled monitoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Scheduled runs.
		scheduler := cron.New()
		if cfg.Monitor.Schedule != "" {
			if _, err := scheduler.AddFunc(cfg.Monitor.Schedule, func() {
				if _, err := env.Orchestrator.Run(ctx, monitor.Options{RunType: model.RunScheduled}); err != nil {
					zap.L().Error("scheduled monitor run failed", zap.Error(err))
				}
			}); err != nil {
				return eris.Wrap(err, "parse monitor schedule")
			}
		}
		if cfg.Monitor.VerifySchedule != "" {
			if _, err := scheduler.AddFunc(cfg.Monitor.VerifySchedule, func() {
				if _, err := runVerifyPass(ctx, env, nil); err != nil {
					zap.L().Error("scheduled verify pass failed", zap.Error(err))
				}
			}); err != nil {
				return eris.Wrap(err, "parse verify schedule")
			}
		}
		scheduler.Start()
		defer scheduler.Stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
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

func newRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/updates", func(w http.ResponseWriter, req *http.Request) {
			updates, err := env.Queue.List(req.Context(), store.UpdateFilter{
				Status: model.UpdateStatus(req.URL.Query().Get("status")),
				Ticker: req.URL.Query().Get("ticker"),
			})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, updates)
		})

		r.Post("/updates/{id}/approve", resolveUpdateHandler(env, true))
		r.Post("/updates/{id}/reject", resolveUpdateHandler(env, false))

		r.Get("/discrepancies", func(w http.ResponseWriter, req *http.Request) {
			discs, err := env.Store.ListDiscrepancies(req.Context(), store.DiscrepancyFilter{
				Status:   model.DiscrepancyStatus(req.URL.Query().Get("status")),
				Severity: model.DiscrepancySeverity(req.URL.Query().Get("severity")),
			})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, discs)
		})

		r.Post("/discrepancies/{id}/resolve", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Value string `json:"value"`
				Notes string `json:"notes"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
				return
			}
			value, err := decimal.NewFromString(body.Value)
			if err != nil {
				writeError(w, http.StatusBadRequest, eris.New("invalid value"))
				return
			}
			id := chi.URLParam(req, "id")
			if err := env.Detector.Resolve(req.Context(), id, value, body.Notes); err != nil {
				writeError(w, statusForStoreErr(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
		})

		r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
			runs, err := env.Store.ListRuns(req.Context(), 50)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Post("/runs", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Tickers []string `json:"tickers"`
				Force   bool     `json:"force"`
			}
			if req.Body != nil {
				_ = json.NewDecoder(req.Body).Decode(&body)
			}
			// Background: a batch run outlives the request.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
				defer cancel()
				if _, err := env.Orchestrator.Run(ctx, monitor.Options{
					Tickers: body.Tickers,
					Force:   body.Force,
					RunType: model.RunManual,
				}); err != nil {
					zap.L().Error("triggered run failed", zap.Error(err))
				}
			}()
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		})
	})

	return r
}

func resolveUpdateHandler(env *appEnv, approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Reviewer string `json:"reviewer"`
			Notes    string `json:"notes"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
			return
		}
		if body.Reviewer == "" {
			writeError(w, http.StatusBadRequest, eris.New("reviewer is required"))
			return
		}

		id := chi.URLParam(req, "id")
		var err error
		var u *model.PendingUpdate
		if approve {
			u, err = env.Queue.Approve(req.Context(), id, body.Reviewer, body.Notes)
		} else {
			u, err = env.Queue.Reject(req.Context(), id, body.Reviewer, body.Notes)
		}
		if err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func statusForStoreErr(err error) int {
	switch {
	case eris.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case eris.Is(err, store.ErrAlreadyResolved):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
