package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/rbacgate"
	"github.com/oarkflow/rbacgate/logger"
)

const testConfig = `
users:
  - {id: admin-1, role: ADMIN, email_verified: true, two_factor_verified: true, token: admin-token}
  - {id: tester-1, role: TESTER, email_verified: true, token: tester-token}
memberships:
  - {project_id: p1, members: [tester-1]}
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rbac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRulesCommand(t *testing.T) {
	out, err := execute(t, "rules")
	require.NoError(t, err)
	assert.Contains(t, out, "LEVEL")
	assert.Less(t, strings.Index(out, "VIEWER"), strings.Index(out, "ADMIN"))
	assert.Contains(t, out, "owner+team")
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "ok (default rules, 0 routes, 2 users, 1 memberships)")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("users: [{id: x, role: ROOT}]"), 0o600))
	_, err = execute(t, "validate", bad)
	assert.Error(t, err)
}

func TestCheckCommand(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "check", "-c", path, "--role", "tester", "--action", "create", "--resource", "test_run", "--user", "tester-1", "--project", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "ALLOW TESTER CREATE TEST_RUN")

	out, err = execute(t, "check", "--role", "tester", "--action", "create", "--resource", "test_run", "--user", "tester-1", "--project", "p1", "--members", "someone-else")
	require.NoError(t, err)
	assert.Contains(t, out, "DENY")
	assert.Contains(t, out, rbacgate.ReasonConditionsFail)

	_, err = execute(t, "check", "--role", "root", "--action", "read", "--resource", "project")
	assert.Error(t, err)
}

func newTestServer(t *testing.T) (*server, http.Handler) {
	t.Helper()
	return newTestServerWith(t, testConfig)
}

func newTestServerWith(t *testing.T, config string) (*server, http.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	path := filepath.Join(t.TempDir(), "rbac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o600))
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	b, err := openBackend(ctx, serverConfig{})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	require.NoError(t, b.seed(ctx, cfg))
	srv, h, err := newServer(ctx, cfg, b, prometheus.NewRegistry(), logger.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		_ = srv.Close(closeCtx)
	})
	return srv, h
}

func call(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerGatesRoutes(t *testing.T) {
	_, h := newTestServer(t)

	assert.Equal(t, http.StatusNoContent, call(h, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(h, http.MethodGet, "/v1/whoami", "", "").Code)

	rec := call(h, http.MethodGet, "/v1/whoami", "tester-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tester-1"`)

	assert.Equal(t, http.StatusForbidden, call(h, http.MethodGet, "/v1/audit", "tester-token", "").Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServerCheckEndpoint(t *testing.T) {
	_, h := newTestServer(t)

	rec := call(h, http.MethodPost, "/v1/check", "tester-token", `{"action":"CREATE","resource":"TEST_RUN","project_id":"p1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var d rbacgate.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	assert.True(t, d.Allowed)
	assert.Equal(t, rbacgate.RoleTester, d.Role)

	rec = call(h, http.MethodPost, "/v1/check", "tester-token", `{"action":"DELETE","resource":"PROJECT","project_id":"p1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	assert.False(t, d.Allowed)

	assert.Equal(t, http.StatusBadRequest, call(h, http.MethodPost, "/v1/check", "tester-token", "{").Code)
}

func TestServerAuditTrail(t *testing.T) {
	srv, h := newTestServer(t)

	require.Equal(t, http.StatusNoContent, call(h, http.MethodDelete, "/v1/cache", "admin-token", "").Code)

	q, ok := srv.sink.(rbacgate.AuditQuerier)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		recs, err := q.Query(context.Background(), rbacgate.AuditFilter{Action: "cache.flush"})
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := call(h, http.MethodGet, "/v1/audit?action=cache.flush", "admin-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []*rbacgate.AuditRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "admin-1", recs[0].UserID)
	assert.Equal(t, rbacgate.OutcomeGranted, recs[0].Outcome)
}

func TestServerGatesUnlistedRoutes(t *testing.T) {
	_, h := newTestServerWith(t, testConfig+`
routes:
  - pattern: "GET /v1/whoami"
    name: whoami
`)

	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/v1/whoami", "tester-token", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(h, http.MethodGet, "/v1/audit", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(h, http.MethodDelete, "/v1/cache", "", "").Code)
	assert.Equal(t, http.StatusForbidden, call(h, http.MethodDelete, "/v1/cache", "tester-token", "").Code)
	assert.Equal(t, http.StatusNoContent, call(h, http.MethodDelete, "/v1/cache", "admin-token", "").Code)
	assert.Equal(t, http.StatusNoContent, call(h, http.MethodGet, "/healthz", "", "").Code)
}
