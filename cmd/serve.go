package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/account-signals/internal/fusion"
	"github.com/sells-group/account-signals/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for signal ingestion and resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/signals", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Kind       string         `json:"kind"`
				Entity     string         `json:"entity"`
				Type       string         `json:"type"`
				Source     string         `json:"source"`
				Value      string         `json:"value"`
				Confidence float64        `json:"confidence"`
				Context    map[string]any `json:"context,omitempty"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}

			draft := model.SignalDraft{
				Entity:        env.Mapper.Ref(model.EntityKind(body.Kind), body.Entity),
				Type:          model.SignalType(body.Type),
				Source:        model.Source(body.Source),
				Value:         body.Value,
				Confidence:    body.Confidence,
				SourceContext: body.Context,
			}

			event, err := env.Bus.Emit(req.Context(), draft)
			if err != nil {
				var verr *model.ValidationError
				if eris.As(err, &verr) {
					writeError(w, http.StatusUnprocessableEntity, verr.Error())
					return
				}
				zap.L().Error("emit failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "emit failed")
				return
			}
			writeJSON(w, http.StatusCreated, event)
		})

		r.Post("/feedback", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Source   string `json:"source"`
				Accepted bool   `json:"accepted"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Source == "" {
				writeError(w, http.StatusBadRequest, "source is required")
				return
			}
			weight, err := env.Learner.RecordFeedback(req.Context(), model.Source(body.Source), body.Accepted)
			if err != nil {
				zap.L().Error("record feedback failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "record feedback failed")
				return
			}
			writeJSON(w, http.StatusOK, weight)
		})

		r.Get("/resolutions/{kind}/{id}", func(w http.ResponseWriter, req *http.Request) {
			subject := env.Mapper.Ref(
				model.EntityKind(chi.URLParam(req, "kind")),
				chi.URLParam(req, "id"),
			)
			assoc, err := env.Resolver.Resolve(req.Context(), subject)
			if eris.Is(err, fusion.ErrUnresolved) {
				writeError(w, http.StatusNotFound, "no association above threshold")
				return
			}
			if err != nil {
				zap.L().Error("resolve failed", zap.String("subject", subject.String()), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "resolve failed")
				return
			}
			writeJSON(w, http.StatusOK, assoc)
		})

		r.Get("/callouts/{kind}/{id}", func(w http.ResponseWriter, req *http.Request) {
			entity := env.Mapper.Ref(
				model.EntityKind(chi.URLParam(req, "kind")),
				chi.URLParam(req, "id"),
			)
			callouts := []model.Callout{}
			for callout, err := range env.Callouts.Unsurfaced(req.Context(), entity) {
				if err != nil {
					zap.L().Error("list callouts failed", zap.Error(err))
					writeError(w, http.StatusInternalServerError, "list callouts failed")
					return
				}
				callouts = append(callouts, callout)
			}
			writeJSON(w, http.StatusOK, callouts)
		})

		r.Post("/callouts/{id}/seen", func(w http.ResponseWriter, req *http.Request) {
			if err := env.Callouts.MarkSeen(req.Context(), chi.URLParam(req, "id")); err != nil {
				zap.L().Error("mark seen failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "mark seen failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "seen"})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
