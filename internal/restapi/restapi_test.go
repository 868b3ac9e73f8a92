package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termgate/internal/identity"
	"termgate/internal/ratelimit"
	"termgate/internal/registry"
	"termgate/internal/sandbox"
	"termgate/internal/tmux"
)

type fakeMux struct {
	cwd    string
	infos  []tmux.SessionInfo
	killed []string
}

func (m *fakeMux) GetCwd(_ context.Context, name string) (string, error) {
	return m.cwd, nil
}

func (m *fakeMux) Kill(_ context.Context, name string) error {
	m.killed = append(m.killed, name)
	return nil
}

func (m *fakeMux) ListInfo(_ context.Context) ([]tmux.SessionInfo, error) {
	return m.infos, nil
}

type memStore struct {
	settings    map[string]string
	drafts      map[string]string
	annotations map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		settings:    make(map[string]string),
		drafts:      make(map[string]string),
		annotations: make(map[string]string),
	}
}

func (s *memStore) Get(identityHash, namespace, key string) ([]byte, time.Time, bool) {
	v, ok := s.settings[identityHash+"/"+namespace+"/"+key]
	return []byte(v), time.Now(), ok
}

func (s *memStore) Put(identityHash, namespace, key string, value []byte) error {
	s.settings[identityHash+"/"+namespace+"/"+key] = string(value)
	return nil
}

func (s *memStore) GetDraft(identityHash, sessionName string) (string, time.Time, bool) {
	v, ok := s.drafts[identityHash+"/"+sessionName]
	return v, time.Now(), ok
}

func (s *memStore) PutDraft(identityHash, sessionName, content string) error {
	s.drafts[identityHash+"/"+sessionName] = content
	return nil
}

func (s *memStore) GetAnnotation(identityHash, sessionName, filePath string) (string, time.Time, bool) {
	v, ok := s.annotations[identityHash+"/"+sessionName+"/"+filePath]
	return v, time.Now(), ok
}

func (s *memStore) PutAnnotation(identityHash, sessionName, filePath, content string) error {
	s.annotations[identityHash+"/"+sessionName+"/"+filePath] = content
	return nil
}

func (s *memStore) DeleteOlderThan(table string, age time.Duration) (int64, error) {
	return 0, nil
}

func (s *memStore) Close() error { return nil }

type testAPI struct {
	router *gin.Engine
	mux    *fakeMux
	reg    *registry.Registry
	store  *memStore
	prefix string
}

const testToken = "rest-secret"

func newTestAPI(t *testing.T, cwd string) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	limiter := ratelimit.New(ratelimit.Config{})
	t.Cleanup(limiter.Stop)

	api := &testAPI{
		mux:    &fakeMux{cwd: cwd},
		reg:    registry.New(),
		store:  newMemStore(),
		prefix: identity.IdentityPrefix(identity.Key(testToken)),
	}

	srv := NewServer(Config{AuthToken: testToken}, api.reg, api.mux, sandbox.New(), api.store)
	api.router = gin.New()
	srv.Mount(api.router, limiter)
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, body)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) doJSON(t *testing.T, method, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return a.do(t, method, path, bytes.NewBuffer(data), "application/json")
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthNoAuth(t *testing.T) {
	api := newTestAPI(t, t.TempDir())
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	api := newTestAPI(t, t.TempDir())
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListSessionsFiltersByIdentity(t *testing.T) {
	api := newTestAPI(t, t.TempDir())
	mine := api.prefix + "-abc"
	api.mux.infos = []tmux.SessionInfo{
		{Name: mine, CreatedAt: time.Unix(1700000000, 0)},
		{Name: "termgate-0123456789abcdef-other", CreatedAt: time.Unix(1700000001, 0)},
	}
	api.reg.Bind(mine, fakeOccupant{})

	w := api.do(t, http.MethodGet, "/api/sessions", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	entry := sessions[0].(map[string]any)
	assert.Equal(t, mine, entry["name"])
	assert.Equal(t, true, entry["active"])
}

type fakeOccupant struct{}

func (fakeOccupant) Close(code int, reason string) {}

func TestSessionCwdAndOwnership(t *testing.T) {
	cwd := t.TempDir()
	api := newTestAPI(t, cwd)

	t.Run("owned", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/api/sessions/"+api.prefix+"-abc/cwd", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, cwd, decodeBody(t, w)["cwd"])
	})

	t.Run("foreign prefix is not found", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/api/sessions/termgate-ffffffffffffffff-abc/cwd", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestDeleteSession(t *testing.T) {
	api := newTestAPI(t, t.TempDir())
	name := api.prefix + "-doomed"
	w := api.do(t, http.MethodDelete, "/api/sessions/"+name, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{name}, api.mux.killed)
}

func TestListFiles(t *testing.T) {
	cwd := t.TempDir()
	api := newTestAPI(t, cwd)

	require.NoError(t, os.Mkdir(filepath.Join(cwd, "zdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "afile.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "bfile.txt"), []byte("world!"), 0o644))

	w := api.do(t, http.MethodGet, "/api/sessions/"+api.prefix+"-abc/files?path=.", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	entries := body["entries"].([]any)
	require.Len(t, entries, 3)
	assert.Equal(t, false, body["truncated"])

	// Directories sort first, then names.
	first := entries[0].(map[string]any)
	assert.Equal(t, "zdir", first["name"])
	assert.Equal(t, true, first["is_dir"])
	second := entries[1].(map[string]any)
	assert.Equal(t, "afile.txt", second["name"])
	assert.Equal(t, float64(5), second["size"])
}

func TestListFilesRejectsTraversal(t *testing.T) {
	api := newTestAPI(t, t.TempDir())
	w := api.do(t, http.MethodGet, "/api/sessions/"+api.prefix+"-abc/files?path=../../etc", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotContains(t, w.Body.String(), "passwd")
}

func TestDownloadFile(t *testing.T) {
	cwd := t.TempDir()
	api := newTestAPI(t, cwd)
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "notes.txt"), []byte("downloaded"), 0o644))

	w := api.do(t, http.MethodGet, "/api/sessions/"+api.prefix+"-abc/files/download?path=notes.txt", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "notes.txt")
}

func TestDownloadRejectsSymlink(t *testing.T) {
	cwd := t.TempDir()
	api := newTestAPI(t, cwd)
	outside := filepath.Join(t.TempDir(), "target.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(cwd, "link.txt")))

	w := api.do(t, http.MethodGet, "/api/sessions/"+api.prefix+"-abc/files/download?path=link.txt", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTouchFile(t *testing.T) {
	cwd := t.TempDir()
	api := newTestAPI(t, cwd)

	w := api.doJSON(t, http.MethodPost, "/api/sessions/"+api.prefix+"-abc/files/touch", gin.H{"path": "new.txt"})
	require.Equal(t, http.StatusCreated, w.Code)
	_, err := os.Stat(filepath.Join(cwd, "new.txt"))
	assert.NoError(t, err)

	w = api.doJSON(t, http.MethodPost, "/api/sessions/"+api.prefix+"-abc/files/touch", gin.H{"path": "../escape.txt"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadFile(t *testing.T) {
	cwd := t.TempDir()
	api := newTestAPI(t, cwd)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "upload.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("uploaded content"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := api.do(t, http.MethodPost, "/api/sessions/"+api.prefix+"-abc/files/upload", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, w.Code)

	data, err := os.ReadFile(filepath.Join(cwd, "upload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "uploaded content", string(data))
}

func TestSettingsRoundTrip(t *testing.T) {
	api := newTestAPI(t, t.TempDir())

	w := api.do(t, http.MethodGet, "/api/settings/theme", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.doJSON(t, http.MethodPut, "/api/settings/theme", gin.H{"value": "dark"})
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/api/settings/theme", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dark", decodeBody(t, w)["value"])
}

func TestDraftRoundTrip(t *testing.T) {
	api := newTestAPI(t, t.TempDir())
	name := api.prefix + "-abc"

	w := api.doJSON(t, http.MethodPut, "/api/sessions/"+name+"/draft", gin.H{"content": "half-typed command"})
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/api/sessions/"+name+"/draft", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "half-typed command", decodeBody(t, w)["content"])
}

func TestAnnotationRoundTrip(t *testing.T) {
	api := newTestAPI(t, t.TempDir())
	name := api.prefix + "-abc"

	w := api.doJSON(t, http.MethodPut, "/api/sessions/"+name+"/annotations",
		gin.H{"path": "src/main.go", "content": "refactor this"})
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/api/sessions/"+name+"/annotations?path="+strings.ReplaceAll("src/main.go", "/", "%2F"), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "refactor this", decodeBody(t, w)["content"])
}
