package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dealbrief/internal/hub"
	"github.com/sells-group/dealbrief/internal/model"
	"github.com/sells-group/dealbrief/internal/pipeline"
	"github.com/sells-group/dealbrief/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the deal intake API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env.Service, cfg.Server.CORSOrigins),
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

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the HTTP surface: submit, get, list, and the SSE watch
// stream.
func newRouter(svc *pipeline.Service, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/deals", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RawText string `json:"raw_text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.RawText == "" {
			writeError(w, http.StatusBadRequest, "raw_text is required")
			return
		}

		deal, err := svc.Submit(r.Context(), req.RawText)
		if err != nil {
			var dup *store.DuplicateError
			switch {
			case errors.Is(err, pipeline.ErrTooLarge):
				writeError(w, http.StatusRequestEntityTooLarge, "input too large")
			case errors.As(err, &dup):
				writeJSON(w, http.StatusConflict, map[string]string{
					"error":       "duplicate deal",
					"existing_id": dup.ExistingID,
				})
			default:
				zap.L().Error("submit deal", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
			return
		}

		writeJSON(w, http.StatusCreated, deal)
	})

	r.Get("/api/deals", func(w http.ResponseWriter, r *http.Request) {
		limit := 10
		if q := r.URL.Query().Get("limit"); q != "" {
			if n, err := strconv.Atoi(q); err == nil && n > 0 {
				limit = n
			}
		}
		deals, err := svc.ListDeals(r.Context(), limit)
		if err != nil {
			zap.L().Error("list deals", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
	})

	r.Get("/api/deals/{id}", func(w http.ResponseWriter, r *http.Request) {
		deal, err := svc.GetDeal(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "deal not found")
				return
			}
			zap.L().Error("get deal", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, deal)
	})

	r.Get("/api/deals/{id}/watch", func(w http.ResponseWriter, r *http.Request) {
		watchDeal(w, r, svc, chi.URLParam(r, "id"))
	})

	return r
}

// watchDeal streams status events for one deal as Server-Sent Events. The
// snapshot-subscribe-reread sequence closes the race where a transition
// lands between the initial read and the subscription becoming active.
func watchDeal(w http.ResponseWriter, r *http.Request, svc *pipeline.Service, id string) {
	deal, err := svc.GetDeal(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deal not found")
			return
		}
		zap.L().Error("watch deal", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := svc.Watch(id)
	defer sub.Close()

	// Snapshot first, then live updates on top of it.
	writeSSE(w, snapshotEvent(deal))
	flusher.Flush()
	if deal.Status.Terminal() {
		return
	}

	// The deal may have reached a terminal state between the snapshot read
	// and the subscription registering; re-read to catch that window.
	if current, err := svc.GetDeal(r.Context(), id); err == nil && current.Status != deal.Status {
		writeSSE(w, snapshotEvent(current))
		flusher.Flush()
		if current.Status.Terminal() {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Status.Terminal() {
				return
			}
		}
	}
}

// snapshotEvent converts a stored deal into the event shape the stream uses.
func snapshotEvent(deal *model.Deal) hub.Event {
	ev := hub.Event{
		DealID:    deal.ID,
		Status:    deal.Status,
		Extracted: deal.Extracted,
		At:        deal.UpdatedAt,
	}
	if deal.LastError != nil {
		ev.Error = *deal.LastError
	}
	return ev
}

func writeSSE(w http.ResponseWriter, ev hub.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		zap.L().Error("marshal status event", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
