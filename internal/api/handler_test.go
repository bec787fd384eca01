package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elskow/binder-build/internal/auth"
	"github.com/elskow/binder-build/internal/config"
	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/events"
	"github.com/elskow/binder-build/internal/pipeline/types"
	"github.com/elskow/binder-build/internal/registry"
	"github.com/elskow/binder-build/internal/store"
)

const testKey = "test-key"

type mockBuildService struct {
	store        store.BuildStore
	hub          *events.Hub
	submitCalled bool
	submitErr    error
	cancelErr    error
	removeErr    error
}

func (m *mockBuildService) Submit(ctx context.Context, repository string) (*types.BuildRecord, error) {
	m.submitCalled = true
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	record := types.NewBuildRecord("org-repo", "org/repo", repository, "a1", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	if err := m.store.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (m *mockBuildService) Cancel(ctx context.Context, name string) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	_, err := m.store.Upsert(ctx, name, func(current *types.BuildRecord) (*types.BuildRecord, error) {
		if current == nil {
			return nil, builderrors.New(builderrors.CodeNotFound, name)
		}
		return current, current.Fail("build cancelled", time.Now())
	})
	return err
}

func (m *mockBuildService) Remove(ctx context.Context, name string) error {
	if m.removeErr != nil {
		return m.removeErr
	}
	return m.store.Delete(ctx, name)
}

func (m *mockBuildService) Watch(ctx context.Context, name string) (*types.BuildRecord, <-chan *types.BuildRecord, func(), error) {
	updates, stop := m.hub.Subscribe(name)
	record, err := m.store.FindByName(ctx, name)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return record, updates, stop, nil
}

type testAPI struct {
	builds    *mockBuildService
	store     store.BuildStore
	templates *registry.MemoryRegistry
	router    http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	logger := zap.NewNop()
	buildStore := store.NewMemoryStore()
	templates := registry.NewMemoryRegistry()
	builds := &mockBuildService{store: buildStore, hub: events.NewHub()}

	authService := auth.NewService(&config.AuthConfig{APIKey: testKey, TokenExpiration: time.Hour}, logger)
	reg := prometheus.NewRegistry()

	return &testAPI{
		builds:    builds,
		store:     buildStore,
		templates: templates,
		router: NewRouter(RouterParams{
			Handler:        NewHandler(builds, buildStore, templates, logger),
			AuthMiddleware: auth.NewAuthMiddleware(authService, logger),
			Registerer:     reg,
			Gatherer:       reg,
			RequestTimeout: 5 * time.Second,
			Logger:         logger,
		}),
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		req.Header.Set("Authorization", testKey)
	}

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandler_SubmitBuild(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
		wantType   string
		wantCalled bool
	}{
		{
			name:       "accepted",
			body:       `{"repository":"https://github.com/org/repo"}`,
			wantStatus: http.StatusAccepted,
			wantCalled: true,
		},
		{
			name:       "missing repository",
			body:       `{}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantType:   "invalidRequest",
		},
		{
			name:       "empty body",
			body:       "",
			wantStatus: http.StatusUnprocessableEntity,
			wantType:   "invalidRequest",
		},
		{
			name:       "malformed body",
			body:       `{"repository":`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalidRequest",
		},
		{
			name:       "unsupported source",
			body:       `{"repository":"ftp://example.com/x"}`,
			submitErr:  builderrors.New(builderrors.CodeUnsupportedSource, "ftp://example.com/x"),
			wantStatus: http.StatusBadRequest,
			wantType:   "unsupportedSource",
			wantCalled: true,
		},
		{
			name:       "active build",
			body:       `{"repository":"https://github.com/org/repo"}`,
			submitErr:  builderrors.New(builderrors.CodeConflict, "org-repo"),
			wantStatus: http.StatusConflict,
			wantType:   "conflict",
			wantCalled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t)
			api.builds.submitErr = tt.submitErr

			rec := api.do(t, http.MethodPost, "/builds", tt.body, true)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCalled, api.builds.submitCalled)

			body := decodeBody(t, rec)
			if tt.wantType != "" {
				assert.Equal(t, tt.wantType, body["type"])
				return
			}
			assert.Equal(t, "org-repo", body["name"])
			assert.Equal(t, "https://github.com/org/repo", body["repository"])
			assert.Equal(t, "2024-01-02T03:04:05Z", body["startTime"])
		})
	}
}

func TestHandler_RequiresAuthorization(t *testing.T) {
	api := newTestAPI(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/builds"},
		{http.MethodGet, "/builds"},
		{http.MethodGet, "/builds/org-repo"},
		{http.MethodDelete, "/builds/org-repo"},
		{http.MethodPost, "/builds/org-repo/cancel"},
		{http.MethodGet, "/builds/org-repo/events"},
		{http.MethodGet, "/templates"},
		{http.MethodGet, "/templates/org-repo"},
	}

	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			rec := api.do(t, route.method, route.path, "", false)
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
	assert.False(t, api.builds.submitCalled)
}

func TestHandler_PublicEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	api.do(t, http.MethodGet, "/builds", "", true)
	rec = api.do(t, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "binder_http_requests_total")
}

func TestHandler_Builds(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/builds/org-repo", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "doesNotExist", decodeBody(t, rec)["type"])

	rec = api.do(t, http.MethodPost, "/builds", `{"repository":"https://github.com/org/repo"}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = api.do(t, http.MethodGet, "/builds/org-repo", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "SUBMITTED", body["status"])
	assert.Equal(t, "FETCHING", body["phase"])
	assert.Equal(t, "https://github.com/org/repo", body["repository"])

	rec = api.do(t, http.MethodGet, "/builds", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "org-repo", list[0]["name"])

	rec = api.do(t, http.MethodPost, "/builds/org-repo/cancel", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "FAILED", body["status"])
	assert.Equal(t, "build cancelled", body["error"])

	rec = api.do(t, http.MethodDelete, "/builds/org-repo", "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodDelete, "/builds/org-repo", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"conflict", builderrors.New(builderrors.CodeConflict), http.StatusConflict, "conflict"},
		{"not found", builderrors.New(builderrors.CodeNotFound), http.StatusNotFound, "doesNotExist"},
		{"persistence", builderrors.New(builderrors.CodePersistence), http.StatusInternalServerError, "persistenceError"},
		{"unclassified", assert.AnError, http.StatusInternalServerError, "persistenceError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t)
			api.builds.removeErr = tt.err

			rec := api.do(t, http.MethodDelete, "/builds/org-repo", "", true)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantType, decodeBody(t, rec)["type"])
		})
	}
}

func TestHandler_Templates(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	rec := api.do(t, http.MethodGet, "/templates/org-repo", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "doesNotExist", decodeBody(t, rec)["type"])

	_, err := api.templates.Upsert(ctx, "org-repo", &types.Template{
		ImageName:   "org-repo",
		ImageSource: "registry.local/org-repo:latest",
		Services:    []types.Service{{Name: "postgres", Version: "14"}},
		Port:        types.DefaultTemplatePort,
	})
	require.NoError(t, err)

	rec = api.do(t, http.MethodGet, "/templates/org-repo", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "org-repo", body["name"])
	assert.Equal(t, "registry.local/org-repo:latest", body["imageSource"])
	assert.EqualValues(t, 8888, body["port"])
	assert.NotEmpty(t, body["timeCreated"])
	assert.NotEmpty(t, body["timeModified"])

	_, err = api.templates.Upsert(ctx, "org-plain", &types.Template{
		ImageName:   "org-plain",
		ImageSource: "registry.local/org-plain:latest",
		Port:        types.DefaultTemplatePort,
	})
	require.NoError(t, err)

	rec = api.do(t, http.MethodGet, "/templates/org-plain", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"services":[]`)

	rec = api.do(t, http.MethodGet, "/templates", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)
}

func TestHandler_BuildEvents(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	srv := httptest.NewServer(api.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/builds/org-repo/events"
	header := http.Header{"Authorization": []string{"Bearer " + testKey}}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = api.builds.Submit(ctx, "https://github.com/org/repo")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot types.BuildRecord
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, types.BuildStatusSubmitted, snapshot.Status)

	require.Eventually(t, func() bool {
		return api.builds.hub.Subscribers("org-repo") == 1
	}, time.Second, 10*time.Millisecond)

	next := snapshot.Clone()
	require.NoError(t, next.Start("/ws/org-repo"))
	api.builds.hub.Publish(next)

	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, types.BuildStatusRunning, snapshot.Status)

	api.builds.hub.Close("org-repo")
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestRouter_CORS(t *testing.T) {
	logger := zap.NewNop()
	authService := auth.NewService(&config.AuthConfig{APIKey: testKey}, logger)
	router := NewRouter(RouterParams{
		Handler:        NewHandler(&mockBuildService{store: store.NewMemoryStore(), hub: events.NewHub()}, store.NewMemoryStore(), registry.NewMemoryRegistry(), logger),
		AuthMiddleware: auth.NewAuthMiddleware(authService, logger),
		AllowedOrigins: []string{"http://localhost:3000"},
		Logger:         logger,
	})

	req := httptest.NewRequest(http.MethodOptions, "/builds", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
