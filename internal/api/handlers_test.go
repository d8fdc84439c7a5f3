package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/livelist/internal/auth"
	"github.com/manpreetbhatti/livelist/internal/engine"
	"github.com/manpreetbhatti/livelist/internal/history"
	"github.com/manpreetbhatti/livelist/internal/index"
	"github.com/manpreetbhatti/livelist/internal/merge/mergetest"
	"github.com/manpreetbhatti/livelist/internal/storage"
)

type testAPI struct {
	api     *API
	engine  *engine.Engine
	handler http.Handler
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()

	fs := afero.NewMemMapFs()
	blobs, err := storage.NewFS(fs, "/data")
	require.NoError(t, err)
	e := engine.New(storage.NewRepository(blobs), engine.Config{
		WriteDelay:  time.Hour,
		History:     history.DefaultConfig(),
		NewDocument: mergetest.New,
		Clock:       clock.NewMock(),
	})
	_, err = e.Reconcile(context.Background())
	require.NoError(t, err)

	users, err := auth.LoadUsers(fs, "/data/users.json")
	require.NoError(t, err)
	a := New(e, users, auth.NewSessions("test-secret", time.Hour, nil), Config{})

	t.Cleanup(func() {
		a.Close()
		e.Shutdown()
	})
	return &testAPI{api: a, engine: e, handler: a.Handler(nil, nil)}
}

func (ta *testAPI) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

// register creates the first admin and returns its token.
func (ta *testAPI) register(t *testing.T) string {
	w := ta.do(t, http.MethodPost, "/api/register", "", credentials{Username: "admin", Password: "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Token string `json:"token"`
	}
	decode(t, w, &resp)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealthHandler(t *testing.T) {
	ta := setupTestAPI(t)

	w := ta.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]any
	decode(t, w, &response)
	assert.Equal(t, "ok", response["status"])
}

func TestStatsHandler(t *testing.T) {
	ta := setupTestAPI(t)

	w := ta.do(t, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Engine engine.Stats `json:"engine"`
	}
	decode(t, w, &response)
	assert.Zero(t, response.Engine.Rooms)
}

func TestAuthFlow(t *testing.T) {
	ta := setupTestAPI(t)

	var status map[string]bool
	decode(t, ta.do(t, http.MethodGet, "/api/status", "", nil), &status)
	assert.False(t, status["initialized"])

	token := ta.register(t)

	w := ta.do(t, http.MethodPost, "/api/register", "", credentials{Username: "eve", Password: "pw"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	decode(t, ta.do(t, http.MethodGet, "/api/status", token, nil), &status)
	assert.True(t, status["initialized"])
	assert.True(t, status["authenticated"])

	w = ta.do(t, http.MethodPost, "/api/login", "", credentials{Username: "admin", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ta.do(t, http.MethodPost, "/api/login", "", credentials{Username: "admin", Password: "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, auth.CookieName, cookies[0].Name)

	w = ta.do(t, http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, -1, w.Result().Cookies()[0].MaxAge)
}

func TestLoginIsRateLimited(t *testing.T) {
	ta := setupTestAPI(t)
	ta.register(t)

	var last int
	for i := 0; i < loginBurst+1; i++ {
		last = ta.do(t, http.MethodPost, "/api/login", "", credentials{Username: "admin", Password: "bad"}).Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestAdminRoutesRequireSession(t *testing.T) {
	ta := setupTestAPI(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/rooms"},
		{http.MethodPost, "/api/rooms"},
		{http.MethodGet, "/api/rooms/abc/history"},
		{http.MethodPost, "/api/rooms/abc/visibility"},
		{http.MethodPost, "/api/rooms/abc/title"},
		{http.MethodPost, "/api/rooms/abc/admin-title"},
		{http.MethodDelete, "/api/rooms/abc"},
		{http.MethodPost, "/api/reconcile"},
	} {
		w := ta.do(t, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestRoomLifecycle(t *testing.T) {
	ta := setupTestAPI(t)
	token := ta.register(t)

	w := ta.do(t, http.MethodPost, "/api/rooms", token, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var created index.Entry
	decode(t, w, &created)
	assert.Equal(t, engine.DefaultTitle, created.Title)
	assert.False(t, created.Public)

	base := "/api/rooms/" + created.ID

	// Private rooms are hidden from anonymous callers.
	assert.Equal(t, http.StatusForbidden, ta.do(t, http.MethodGet, base, "", nil).Code)
	assert.Equal(t, http.StatusForbidden, ta.do(t, http.MethodGet, "/api/manifest/"+created.ID, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, ta.do(t, http.MethodGet, "/api/rooms/missing", "", nil).Code)

	w = ta.do(t, http.MethodPost, base+"/title", token, map[string]string{"title": "Groceries and more"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodPost, base+"/title", token, map[string]string{"title": " "}).Code)

	w = ta.do(t, http.MethodPost, base+"/admin-title", token, map[string]string{"adminTitle": "Mum"})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodPost, base+"/visibility", token, map[string]string{}).Code)
	w = ta.do(t, http.MethodPost, base+"/visibility", token, map[string]bool{"public": true})
	require.Equal(t, http.StatusOK, w.Code)

	var public index.Entry
	w = ta.do(t, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &public)
	assert.Equal(t, "Groceries and more", public.Title)
	assert.Empty(t, public.AdminTitle)

	var m manifest
	w = ta.do(t, http.MethodGet, "/api/manifest/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &m)
	assert.Equal(t, "Groceries an...", m.ShortName)
	assert.Equal(t, "/"+created.ID, m.Scope)

	var list []index.Entry
	decode(t, ta.do(t, http.MethodGet, "/api/rooms", token, nil), &list)
	require.Len(t, list, 1)
	assert.Equal(t, "Mum", list[0].AdminTitle)

	w = ta.do(t, http.MethodGet, base+"/history", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ta.do(t, http.MethodDelete, base, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, ta.do(t, http.MethodGet, base+"/history", token, nil).Code)

	// Deleting again still succeeds.
	assert.Equal(t, http.StatusOK, ta.do(t, http.MethodDelete, base, token, nil).Code)
}

func TestReconcileHandler(t *testing.T) {
	ta := setupTestAPI(t)
	token := ta.register(t)

	w := ta.do(t, http.MethodPost, "/api/reconcile", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report map[string]any
	decode(t, w, &report)
	assert.EqualValues(t, 0, report["loaded"])
}

func TestMethodNotAllowed(t *testing.T) {
	ta := setupTestAPI(t)
	w := ta.do(t, http.MethodPut, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
