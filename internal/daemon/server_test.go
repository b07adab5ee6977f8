package daemon

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-build/sheetext-host/internal/extensions/events"
	"github.com/apex-build/sheetext-host/internal/extensions/host"
)

func newTestServer(t *testing.T) (*Server, []byte) {
	t.Helper()
	secret := []byte("server-test-secret")
	srv := NewServer(events.NewBroadcaster(), secret)
	srv.Attach(host.New(host.Options{Events: events.NewBroadcaster()}))
	return srv, secret
}

func writeTestManifest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	manifest := `{
		"name": "daemon-test",
		"publisher": "acme",
		"version": "1.0.0",
		"main": "main.js",
		"engines": {"formula": "^1.0.0"},
		"activationEvents": ["onStartupFinished"]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.js"), []byte("function activate(){}"), 0o644))
	return dir
}

func TestHealthzRequiresNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/healthz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/extensions/acme.daemon-test", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoadAndFetchExtensionOverHTTP(t *testing.T) {
	srv, secret := newTestServer(t)
	router := srv.Router()
	root := writeTestManifest(t)
	token, err := IssueToken(secret, "tester", time.Hour)
	require.NoError(t, err)

	body := `{"rootDir": "` + root + `"}`
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/extensions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/api/v1/extensions/acme.daemon-test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"Name":"daemon-test"`)
}

func TestGetManifestUnknownExtensionReturns404(t *testing.T) {
	srv, secret := newTestServer(t)
	router := srv.Router()
	token, err := IssueToken(secret, "tester", time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/extensions/nobody.nothing", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
