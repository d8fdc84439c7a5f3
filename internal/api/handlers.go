package api

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/livelist/internal/access"
	"github.com/manpreetbhatti/livelist/internal/auth"
	"github.com/manpreetbhatti/livelist/internal/engine"
	"github.com/manpreetbhatti/livelist/internal/ratelimit"
)

// Login attempts allowed per client address.
const (
	loginsPerSecond = 0.2
	loginBurst      = 5
)

type API struct {
	engine   *engine.Engine
	users    *auth.Users
	sessions *auth.Sessions
	logins   *ratelimit.ClientLimiters
	config   Config
	started  time.Time
}

type Config struct {
	// CORSOrigins lists the origins allowed to call the API.
	CORSOrigins []string
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
}

func New(e *engine.Engine, users *auth.Users, sessions *auth.Sessions, config Config) *API {
	return &API{
		engine:   e,
		users:    users,
		sessions: sessions,
		logins:   ratelimit.NewClientLimiters(nil, loginsPerSecond, loginBurst),
		config:   config,
		started:  time.Now(),
	}
}

// Close stops background work of the API.
func (a *API) Close() { a.logins.Stop() }

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithField("err", err).Warn("encoding JSON response")
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// engineError maps an engine error to a response.
func engineError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, access.ErrNotFound):
		errorResponse(w, http.StatusNotFound, "List not found")
	case errors.Is(err, access.ErrDenied):
		errorResponse(w, http.StatusForbidden, "Access Denied")
	case errors.Is(err, engine.ErrInvalidTitle):
		errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		log.WithFields(log.Fields{"err": err, "action": action}).Error("request failed")
		errorResponse(w, http.StatusInternalServerError, action+" failed")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"engine":    a.engine.Stats(),
		"uptime":    time.Since(a.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Auth handlers

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) StatusHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]bool{
		"initialized":   a.users.Count() > 0,
		"authenticated": auth.IsAdmin(r),
	})
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decodeBody(w, r, &req) {
		return
	}
	switch err := a.users.Register(req.Username, req.Password); {
	case errors.Is(err, auth.ErrRegistrationClosed):
		errorResponse(w, http.StatusForbidden, "Registration disabled")
		return
	case errors.Is(err, auth.ErrMissingCredentials):
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.WithField("err", err).Error("registering user")
		errorResponse(w, http.StatusInternalServerError, "Registration failed")
		return
	}
	log.WithField("user", req.Username).Info("admin registered")
	a.startSession(w, req.Username)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if !a.logins.Allow(clientIP(r)) {
		errorResponse(w, http.StatusTooManyRequests, "Too many login attempts")
		return
	}
	var req credentials
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.users.Verify(req.Username, req.Password); err != nil {
		log.WithField("addr", clientIP(r)).Warn("failed login")
		errorResponse(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	a.startSession(w, req.Username)
}

func (a *API) startSession(w http.ResponseWriter, username string) {
	tok, err := a.sessions.Sign(username)
	if err != nil {
		log.WithField("err", err).Error("signing session")
		errorResponse(w, http.StatusInternalServerError, "Session failed")
		return
	}
	http.SetCookie(w, a.sessions.Cookie(tok, a.config.SecureCookies))
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"redirect": "/dashboard",
		"token":    tok,
	})
}

func (a *API) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, auth.ClearCookie())
	jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// Room handlers

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, a.engine.ListRooms())
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	entry, err := a.engine.CreateRoom(r.Context())
	if err != nil {
		engineError(w, err, "Create")
		return
	}
	jsonResponse(w, http.StatusCreated, entry)
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	entry, err := a.engine.GetRoom(mux.Vars(r)["id"], auth.IsAdmin(r))
	if err != nil {
		engineError(w, err, "Lookup")
		return
	}
	jsonResponse(w, http.StatusOK, entry)
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := a.engine.GetHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		engineError(w, err, "History")
		return
	}
	jsonResponse(w, http.StatusOK, entries)
}

func (a *API) VisibilityHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Public *bool `json:"public"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Public == nil {
		errorResponse(w, http.StatusBadRequest, "public is required")
		return
	}
	entry, err := a.engine.ToggleVisibility(r.Context(), mux.Vars(r)["id"], *req.Public)
	if err != nil {
		engineError(w, err, "Update")
		return
	}
	jsonResponse(w, http.StatusOK, entry)
}

func (a *API) TitleHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	entry, err := a.engine.RenameTitle(r.Context(), mux.Vars(r)["id"], req.Title)
	if err != nil {
		engineError(w, err, "Update")
		return
	}
	jsonResponse(w, http.StatusOK, entry)
}

func (a *API) AdminTitleHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdminTitle string `json:"adminTitle"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	entry, err := a.engine.RenameAdminTitle(r.Context(), mux.Vars(r)["id"], req.AdminTitle)
	if err != nil {
		engineError(w, err, "Update")
		return
	}
	jsonResponse(w, http.StatusOK, entry)
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.DeleteRoom(r.Context(), mux.Vars(r)["id"]); err != nil {
		engineError(w, err, "Delete")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	report, err := a.engine.Reconcile(r.Context())
	if err != nil {
		engineError(w, err, "Reconcile")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"loaded":     report.Loaded,
		"discovered": report.Discovered,
		"removed":    report.Removed,
		"skipped":    report.Skipped,
	})
}

type manifestIcon struct {
	Src   string `json:"src"`
	Sizes string `json:"sizes"`
	Type  string `json:"type"`
}

type manifest struct {
	Name            string         `json:"name"`
	ShortName       string         `json:"short_name"`
	Description     string         `json:"description"`
	StartURL        string         `json:"start_url"`
	Scope           string         `json:"scope"`
	ID              string         `json:"id"`
	Display         string         `json:"display"`
	BackgroundColor string         `json:"background_color"`
	ThemeColor      string         `json:"theme_color"`
	Icons           []manifestIcon `json:"icons"`
}

// ManifestHandler serves a web app manifest scoped to one room.
func (a *API) ManifestHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, err := a.engine.GetRoom(id, auth.IsAdmin(r))
	if err != nil {
		engineError(w, err, "Manifest")
		return
	}

	title := entry.Title
	if title == "" {
		title = "Live-List"
	}
	short := title
	if runes := []rune(title); len(runes) > 12 {
		short = string(runes[:12]) + "..."
	}
	jsonResponse(w, http.StatusOK, manifest{
		Name:            title,
		ShortName:       short,
		Description:     "List: " + title,
		StartURL:        "/" + id,
		Scope:           "/" + id,
		ID:              "/" + id,
		Display:         "standalone",
		BackgroundColor: "#f4f4f5",
		ThemeColor:      "#f4f4f5",
		Icons:           []manifestIcon{{Src: "/icon.png", Sizes: "512x512", Type: "image/png"}},
	})
}
