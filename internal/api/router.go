package api

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/livelist/internal/auth"
)

// Handler builds the HTTP surface: the API routes, the websocket endpoint
// at /yjs/{id} and the metrics endpoint.
func (a *API) Handler(ws http.Handler, metrics http.Handler) http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(a.HealthHandler)
	r.Methods(http.MethodGet).Path("/api/stats").HandlerFunc(a.StatsHandler)
	if metrics != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(metrics)
	}

	r.Methods(http.MethodGet).Path("/api/status").HandlerFunc(a.StatusHandler)
	r.Methods(http.MethodPost).Path("/api/register").HandlerFunc(a.RegisterHandler)
	r.Methods(http.MethodPost).Path("/api/login").HandlerFunc(a.LoginHandler)
	r.Methods(http.MethodPost).Path("/api/logout").HandlerFunc(a.LogoutHandler)

	r.Methods(http.MethodGet).Path("/api/rooms").Handler(requireAdmin(a.ListRoomsHandler))
	r.Methods(http.MethodPost).Path("/api/rooms").Handler(requireAdmin(a.CreateRoomHandler))
	r.Methods(http.MethodGet).Path("/api/rooms/{id}").HandlerFunc(a.GetRoomHandler)
	r.Methods(http.MethodDelete).Path("/api/rooms/{id}").Handler(requireAdmin(a.DeleteRoomHandler))
	r.Methods(http.MethodGet).Path("/api/rooms/{id}/history").Handler(requireAdmin(a.HistoryHandler))
	r.Methods(http.MethodPost).Path("/api/rooms/{id}/visibility").Handler(requireAdmin(a.VisibilityHandler))
	r.Methods(http.MethodPost).Path("/api/rooms/{id}/title").Handler(requireAdmin(a.TitleHandler))
	r.Methods(http.MethodPost).Path("/api/rooms/{id}/admin-title").Handler(requireAdmin(a.AdminTitleHandler))
	r.Methods(http.MethodPost).Path("/api/reconcile").Handler(requireAdmin(a.ReconcileHandler))
	r.Methods(http.MethodGet).Path("/api/manifest/{id}").HandlerFunc(a.ManifestHandler)

	if ws != nil {
		r.Path("/yjs/{id}").Handler(ws)
	}

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})

	origins := a.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(a.sessions.Identify(r))
}

func requireAdmin(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r) {
			errorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		h(w, r)
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"url":      r.URL.Path,
			"status":   m.Code,
			"duration": m.Duration,
		}).Debug("handled")
	})
}
