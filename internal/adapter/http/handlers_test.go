package adapthttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	adapthttp "barbershop/internal/adapter/http"
	"barbershop/internal/adapter/memory"
	"barbershop/internal/app"
	"barbershop/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAgent   = "barbershop-test/1.0"
	testAllowed = "https://barbershop.test"
	indexHTML   = "<html>spa</html>"
)

// ---------------------------------------------------------------------------
// Test-server helper
// ---------------------------------------------------------------------------

type testEnv struct {
	ts     *httptest.Server
	auth   *app.AuthService
	client *http.Client
}

func newTestServer(t *testing.T, backendURL string, configure ...func(*adapthttp.Server)) *testEnv {
	t.Helper()

	if backendURL == "" {
		backendURL = "https://backend.invalid"
	}

	db := memory.New()
	authSvc := app.NewAuthService(db, db.NewSessionRepo())

	proxySvc, err := app.NewProxyService(app.ProxyConfig{
		BackendOrigin: backendURL,
		AllowedOrigin: testAllowed,
	}, nil)
	require.NoError(t, err)

	webDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(webDir, "index.html"), []byte(indexHTML), 0o600))

	srv := adapthttp.New(authSvc, proxySvc, webDir).
		WithRoutes([]adapthttp.GuardedRoute{
			{Path: "/admin", Role: domain.RoleAdmin},
			{Path: "/barber", Role: domain.RoleBarber},
			{Path: "/appointments", Role: domain.RoleAny},
		}).
		WithMetrics(adapthttp.NewMetrics(prometheus.NewRegistry()))
	for _, fn := range configure {
		fn(srv)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		ts:   ts,
		auth: authSvc,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, cookie *http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("User-Agent", testAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) createUser(t *testing.T, username string, role domain.Role, tipo domain.Tipo) {
	t.Helper()
	_, err := e.auth.CreateUser(context.Background(), username, "password123", role, tipo)
	require.NoError(t, err)
}

func (e *testEnv) login(t *testing.T, username string) *http.Cookie {
	t.Helper()
	b, _ := json.Marshal(map[string]string{"username": username, "password": "password123"})
	resp := e.do(t, http.MethodPost, "/api/auth/login", bytes.NewReader(b), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, c := range resp.Cookies() {
		if c.Name == "session" {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return m
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t, "")

	resp := env.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["ok"])
}

func TestGuard_AnonymousRedirectsToLogin(t *testing.T) {
	env := newTestServer(t, "")

	resp := env.do(t, http.MethodGet, "/admin/reports?tab=week", nil, nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
	assert.Equal(t, "/admin/reports?tab=week", loc.Query().Get("from"))
	assert.Equal(t, domain.LoginRequiredMessage, loc.Query().Get("message"))
}

func TestGuard_RoleMatrix(t *testing.T) {
	env := newTestServer(t, "")
	env.createUser(t, "barbeiro", domain.RoleBarber, domain.TipoComum)
	env.createUser(t, "gerente", domain.RoleClient, domain.TipoAdministrador)
	env.createUser(t, "cliente", domain.RoleClient, domain.TipoComum)

	tests := []struct {
		user     string
		path     string
		wantCode int
	}{
		{"barbeiro", "/admin", http.StatusSeeOther},
		{"barbeiro", "/barber", http.StatusOK},
		{"barbeiro", "/appointments", http.StatusOK},
		{"gerente", "/admin", http.StatusOK},
		{"gerente", "/barber", http.StatusSeeOther},
		{"cliente", "/admin/", http.StatusSeeOther},
		{"cliente", "/appointments/42", http.StatusOK},
	}

	cookies := map[string]*http.Cookie{}
	for _, tc := range tests {
		t.Run(tc.user+" "+tc.path, func(t *testing.T) {
			c, ok := cookies[tc.user]
			if !ok {
				c = env.login(t, tc.user)
				cookies[tc.user] = c
			}
			resp := env.do(t, http.MethodGet, tc.path, nil, c)
			require.Equal(t, tc.wantCode, resp.StatusCode)
			if tc.wantCode == http.StatusSeeOther {
				assert.Equal(t, "/", resp.Header.Get("Location"))
			} else {
				assert.Equal(t, indexHTML, readBody(t, resp))
			}
		})
	}
}

func TestGuard_SessionBoundToUserAgent(t *testing.T) {
	env := newTestServer(t, "")
	env.createUser(t, "barbeiro", domain.RoleBarber, domain.TipoComum)
	cookie := env.login(t, "barbeiro")

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/barber", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "someone-else")
	req.AddCookie(cookie)
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/login?"))
}

func TestUnguardedViewsServeSPA(t *testing.T) {
	env := newTestServer(t, "")

	for _, p := range []string{"/", "/login", "/barbers/12"} {
		resp := env.do(t, http.MethodGet, p, nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
		assert.Equal(t, indexHTML, readBody(t, resp), p)
	}
}

func TestSessionEndpoint(t *testing.T) {
	env := newTestServer(t, "")
	env.createUser(t, "gerente", domain.RoleClient, domain.TipoAdministrador)

	resp := env.do(t, http.MethodGet, "/api/session", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["isAuthenticated"])
	assert.Nil(t, body["user"])

	resp = env.do(t, http.MethodGet, "/api/session", nil, env.login(t, "gerente"))
	body = decodeBody(t, resp)
	assert.Equal(t, true, body["isAuthenticated"])
	assert.Equal(t, map[string]any{"role": "CLIENT", "tipo": "ADMINISTRADOR"}, body["user"])
}

func TestAccessEndpoint(t *testing.T) {
	env := newTestServer(t, "")
	env.createUser(t, "barbeiro", domain.RoleBarber, domain.TipoComum)
	cookie := env.login(t, "barbeiro")

	tests := []struct {
		name         string
		query        string
		cookie       *http.Cookie
		wantDecision string
		wantLocation string
	}{
		{"anonymous", "?role=ADMIN&from=/admin", nil, "redirect_login", "/login?from=%2Fadmin&message=you+need+to+log+in+to+continue"},
		{"anonymous default role", "", nil, "redirect_login", "/login?from=%2F&message=you+need+to+log+in+to+continue"},
		{"barber to admin", "?role=ADMIN", cookie, "redirect_home", "/"},
		{"barber to barber", "?role=BARBER", cookie, "render", ""},
		{"barber to any", "?role=ANY", cookie, "render", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, "/api/access"+tc.query, nil, tc.cookie)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			body := decodeBody(t, resp)
			assert.Equal(t, tc.wantDecision, body["decision"])
			assert.Equal(t, tc.wantLocation, body["location"])
		})
	}

	resp := env.do(t, http.MethodGet, "/api/access?role=OWNER", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoginLogout(t *testing.T) {
	env := newTestServer(t, "")
	env.createUser(t, "cliente", domain.RoleClient, domain.TipoComum)

	b, _ := json.Marshal(map[string]string{"username": "cliente", "password": "wrong-password"})
	resp := env.do(t, http.MethodPost, "/api/auth/login", bytes.NewReader(b), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cookie := env.login(t, "cliente")
	resp = env.do(t, http.MethodGet, "/api/me", nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeBody(t, resp)
	assert.Equal(t, "cliente", me["username"])
	assert.Equal(t, "CLIENT", me["role"])

	resp = env.do(t, http.MethodPost, "/api/auth/logout", nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/me", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSetupUser(t *testing.T) {
	env := newTestServer(t, "")

	b, _ := json.Marshal(map[string]string{"username": "dono", "password": "password123"})
	resp := env.do(t, http.MethodPost, "/api/auth/setup", bytes.NewReader(b), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/auth/setup", bytes.NewReader(b), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/admin", nil, env.login(t, "dono"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForwardAuth(t *testing.T) {
	trusting := newTestServer(t, "", func(s *adapthttp.Server) { s.WithForwardAuth(true) })
	plain := newTestServer(t, "")

	for name, env := range map[string]*testEnv{"trusted": trusting, "untrusted": plain} {
		req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/session", nil)
		require.NoError(t, err)
		req.Header.Set("Remote-User", "visitante")
		resp, err := env.client.Do(req)
		require.NoError(t, err)
		body := decodeBody(t, resp)
		_ = resp.Body.Close()

		assert.Equal(t, name == "trusted", body["isAuthenticated"], name)
	}
}

func TestSSODisabled(t *testing.T) {
	env := newTestServer(t, "")

	resp := env.do(t, http.MethodGet, "/api/auth/config", nil, nil)
	assert.Equal(t, false, decodeBody(t, resp)["sso_enabled"])

	resp = env.do(t, http.MethodGet, "/api/auth/sso/login", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxy_ForwardsAndWrapsCORS(t *testing.T) {
	var gotHost, gotPath, gotQuery, gotAuth, gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header()["Content-Type"] = nil
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer backend.Close()

	env := newTestServer(t, backend.URL)

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/proxy/appointments?barber=3", strings.NewReader(`{"slot":"09:30"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer xyz")
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	backendURL, _ := url.Parse(backend.URL)
	assert.Equal(t, backendURL.Host, gotHost)
	assert.Equal(t, "/appointments", gotPath)
	assert.Equal(t, "barber=3", gotQuery)
	assert.Equal(t, "Bearer xyz", gotAuth)
	assert.Equal(t, `{"slot":"09:30"}`, gotBody)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"id":7}`, readBody(t, resp))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, testAllowed, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, app.AllowMethods, resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, app.AllowHeaders, resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Empty(t, resp.Header.Get("X-Backend"))
	assert.Empty(t, resp.Header.Get("Cache-Control"))
}

func TestProxy_PathReachesBackendUncleaned(t *testing.T) {
	var gotPath string
	var gotBodyLen int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotBodyLen = int(r.ContentLength)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	env := newTestServer(t, backend.URL)

	resp := env.do(t, http.MethodGet, "/proxy//services/../slots%2Fnext", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "//services/../slots%2Fnext", gotPath)
	assert.Zero(t, gotBodyLen)

	resp = env.do(t, http.MethodGet, "/proxy", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "/", gotPath)
}

func TestProxy_UpstreamDown(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	deadURL := backend.URL
	backend.Close()

	env := newTestServer(t, deadURL)

	resp := env.do(t, http.MethodGet, "/proxy/barbers", nil, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	metrics := readBody(t, env.do(t, http.MethodGet, "/metrics", nil, nil))
	assert.Contains(t, metrics, "barbershop_proxy_upstream_failures_total 1")
	assert.Contains(t, metrics, `barbershop_proxy_requests_total{code="502",method="GET"} 1`)
}

func TestProxy_BodyTooLarge(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called")
	}))
	defer backend.Close()

	env := newTestServer(t, backend.URL, func(s *adapthttp.Server) { s.WithMaxBodyBytes(8) })

	resp := env.do(t, http.MethodPost, "/proxy/reviews", strings.NewReader(`{"text":"excellent fade"}`), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	metrics := readBody(t, env.do(t, http.MethodGet, "/metrics", nil, nil))
	assert.Contains(t, metrics, `barbershop_proxy_requests_total{code="413",method="POST"} 1`)
}

func TestProxy_EncodedPathsCannotEscapeBackend(t *testing.T) {
	var hits []string
	var hosts []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.EscapedPath())
		hosts = append(hosts, r.Host)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	backendURL, _ := url.Parse(backend.URL)

	env := newTestServer(t, backend.URL)

	// An encoded slash right after the mount is not a segment boundary, so
	// these are ordinary frontend paths and never reach the proxy.
	for _, path := range []string{"/proxy%2F@evil.example/steal", "/%70roxy/x"} {
		req, err := http.NewRequest(http.MethodGet, env.ts.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer secret")
		resp, err := env.client.Do(req)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, indexHTML, readBody(t, resp), path)
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"), path)
		_ = resp.Body.Close()
	}
	assert.Empty(t, hits)

	resp := env.do(t, http.MethodGet, "/proxy/%2F@evil.example/steal", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"/%2F@evil.example/steal"}, hits)
	assert.Equal(t, []string{backendURL.Host}, hosts)
}

func TestGuardMetrics(t *testing.T) {
	env := newTestServer(t, "")

	_ = env.do(t, http.MethodGet, "/admin", nil, nil)
	_ = env.do(t, http.MethodGet, "/barber", nil, nil)

	metrics := readBody(t, env.do(t, http.MethodGet, "/metrics", nil, nil))
	assert.Contains(t, metrics, `barbershop_guard_decisions_total{decision="redirect_login"} 2`)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestServer(t, "")

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"GET auth/login", http.MethodGet, "/api/auth/login"},
		{"GET auth/logout", http.MethodGet, "/api/auth/logout"},
		{"GET auth/setup", http.MethodGet, "/api/auth/setup"},
		{"POST session", http.MethodPost, "/api/session"},
		{"DELETE access", http.MethodDelete, "/api/access"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, tc.method, tc.path, nil, nil)
			if resp.StatusCode != http.StatusMethodNotAllowed {
				t.Fatalf("expected 405, got %d", resp.StatusCode)
			}
		})
	}
}
