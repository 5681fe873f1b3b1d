package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appbase-cms/appbase/internal/app"
	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/identity"
	"github.com/appbase-cms/appbase/internal/media/blob"
	"github.com/appbase-cms/appbase/internal/observability"
	"github.com/appbase-cms/appbase/internal/storage"
)

const adminPrefix = "admin-secret-prefix"

func testConfig() *app.Config {
	return &app.Config{
		AppEnv:                   "test",
		SessionSecret:            strings.Repeat("s", 32),
		AdminURLPrefix:           adminPrefix,
		StorageBackend:           "memory",
		MediaBackend:             "fs",
		AdminLoginAcceptIP:       "*",
		ContributorLoginAcceptIP: "*",
		CookieName:               "appbase_session",
	}
}

func newServer(t *testing.T) (http.Handler, *app.Services) {
	t.Helper()
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	svc, err := app.NewServices(cfg, storage.NewMemoryEngine(), store, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	for _, p := range []identity.NewPrincipal{
		{Username: "root", Password: "correct horse", Role: authz.RoleAdmin},
		{Username: "alice", Password: "correct horse", Role: authz.RoleContributor},
	} {
		_, err := svc.Identity.CreatePrincipal(context.Background(), p)
		require.NoError(t, err)
	}
	return app.NewRouter(app.RouterParams{Logger: logger, Config: cfg, Services: svc, Metrics: observability.NewMetrics()}), svc
}

type session struct {
	Token     string `json:"token"`
	CSRFToken string `json:"csrf_token"`
}

func call(t *testing.T, h http.Handler, method, path string, body any, s *session) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:4000"
	if s != nil {
		req.Header.Set("Authorization", "Bearer "+s.Token)
		req.Header.Set(identity.CSRFHeader, s.CSRFToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler, prefix, user string) *session {
	t.Helper()
	rec := call(t, h, http.MethodPost, "/management/"+prefix+"/login", map[string]string{"username": user, "password": "correct horse"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var s session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	return &s
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	h, _ := newServer(t)
	rec := call(t, h, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = call(t, h, http.MethodGet, "/api/is_server_active", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownPrefixLooksLikeNothing(t *testing.T) {
	h, _ := newServer(t)
	for _, path := range []string{"/management/guess/login", "/management/admin/login", "/management/guess/content"} {
		rec := call(t, h, http.MethodPost, path, map[string]string{"username": "root", "password": "correct horse"}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestSurfacesAreSeparated(t *testing.T) {
	h, _ := newServer(t)

	rec := call(t, h, http.MethodPost, "/management/contributors/login", map[string]string{"username": "root", "password": "correct horse"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = call(t, h, http.MethodPost, "/management/"+adminPrefix+"/login", map[string]string{"username": "alice", "password": "correct horse"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	alice := login(t, h, "contributors", "alice")
	rec = call(t, h, http.MethodGet, "/management/"+adminPrefix+"/session", nil, alice)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = call(t, h, http.MethodGet, "/management/contributors/settings", nil, alice)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = call(t, h, http.MethodGet, "/management/contributors/inspector", nil, alice)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	root := login(t, h, adminPrefix, "root")
	rec = call(t, h, http.MethodGet, "/management/"+adminPrefix+"/inspector", nil, root)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPublishFlowThroughHTTP(t *testing.T) {
	h, _ := newServer(t)
	alice := login(t, h, "contributors", "alice")
	root := login(t, h, adminPrefix, "root")

	rec := call(t, h, http.MethodPost, "/management/contributors/content", map[string]any{
		"title": "Launch Notes", "body": "We **shipped**.", "tags": []string{"News"},
	}, alice)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var item struct {
		ID       string `json:"id"`
		Slug     string `json:"slug"`
		Revision int64  `json:"revision"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))

	rec = call(t, h, http.MethodGet, "/api/posts/slug/"+item.Slug, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, h, http.MethodPost, "/management/contributors/content/"+item.ID+"/submit", map[string]any{"expected_revision": 0}, alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodPost, "/management/contributors/content/"+item.ID+"/approve", map[string]any{"expected_revision": 1}, alice)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h, http.MethodPost, "/management/"+adminPrefix+"/content/"+item.ID+"/approve", map[string]any{"expected_revision": 0}, root)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = call(t, h, http.MethodPost, "/management/"+adminPrefix+"/content/"+item.ID+"/approve", map[string]any{"expected_revision": 1}, root)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodGet, "/api/posts/slug/"+item.Slug, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var post struct {
		HTML string `json:"html"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &post))
	assert.Contains(t, post.HTML, "<strong>shipped</strong>")

	rec = call(t, h, http.MethodGet, "/api/posts/tag/news", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), item.ID)
}

func TestContributorPrefixComesFromSettings(t *testing.T) {
	h, _ := newServer(t)
	root := login(t, h, adminPrefix, "root")

	rec := call(t, h, http.MethodPut, "/management/"+adminPrefix+"/settings/contributor_path_prefix", map[string]any{"value": "writers-room"}, root)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodPost, "/management/contributors/login", map[string]string{"username": "alice", "password": "correct horse"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	login(t, h, "writers-room", "alice")

	rec = call(t, h, http.MethodPut, "/management/"+adminPrefix+"/settings/contributor_path_prefix", map[string]any{"value": adminPrefix}, root)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestInspectorDeleteAndCleanThroughHTTP(t *testing.T) {
	h, _ := newServer(t)
	alice := login(t, h, "contributors", "alice")
	root := login(t, h, adminPrefix, "root")
	base := "/management/" + adminPrefix + "/inspector/content"

	var ids []string
	for _, title := range []string{"One", "Two"} {
		rec := call(t, h, http.MethodPost, "/management/contributors/content", map[string]any{"title": title}, alice)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var item struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
		ids = append(ids, item.ID)
	}

	rec := call(t, h, http.MethodDelete, base+"/"+ids[0]+"?expected_revision=7", nil, root)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = call(t, h, http.MethodDelete, base+"/"+ids[0]+"?expected_revision=0", nil, root)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = call(t, h, http.MethodGet, base+"/"+ids[0], nil, root)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, h, http.MethodPost, base+"/clean", map[string]string{"password": "wrong"}, root)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = call(t, h, http.MethodPost, base+"/clean", map[string]string{}, root)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = call(t, h, http.MethodPost, "/management/contributors/inspector/content/clean", map[string]string{"password": "correct horse"}, alice)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h, http.MethodPost, base+"/clean", map[string]string{"password": "correct horse"}, root)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())
	rec = call(t, h, http.MethodGet, base+"/"+ids[1], nil, root)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
