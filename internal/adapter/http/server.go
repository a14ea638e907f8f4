// Package adapthttp implements the HTTP adapter for the application.
package adapthttp

import (
	"net/http"
	"strings"

	"barbershop/internal/app"
	"barbershop/internal/domain"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// GuardedRoute protects a frontend view with the route guard.
type GuardedRoute struct {
	Path string
	Role domain.Role
}

// OIDCConfig holds the single sign-on provider. Claim names select the
// id-token fields that carry the user's role and tipo.
type OIDCConfig struct {
	Enabled      bool
	OAuth2Config *oauth2.Config
	Provider     *oidc.Provider
	RoleClaim    string
	TipoClaim    string
}

// Server is the driving HTTP adapter that routes requests to application
// services.
type Server struct {
	authSvc      *app.AuthService
	proxySvc     *app.ProxyService
	webDir       string
	routes       []GuardedRoute
	oidcConfig   OIDCConfig
	metrics      *Metrics
	log          zerolog.Logger
	maxBodyBytes int64
	forwardAuth  bool
}

// New creates a Server wired to the given application services.
func New(authSvc *app.AuthService, proxySvc *app.ProxyService, webDir string) *Server {
	return &Server{
		authSvc:      authSvc,
		proxySvc:     proxySvc,
		webDir:       webDir,
		log:          zerolog.Nop(),
		maxBodyBytes: 10 << 20,
	}
}

// WithRoutes sets the guarded views.
func (s *Server) WithRoutes(routes []GuardedRoute) *Server {
	s.routes = routes
	return s
}

// WithOIDC enables single sign-on.
func (s *Server) WithOIDC(cfg OIDCConfig) *Server {
	s.oidcConfig = cfg
	return s
}

// WithMetrics records proxy and guard metrics and serves them on /metrics.
func (s *Server) WithMetrics(m *Metrics) *Server {
	s.metrics = m
	return s
}

// WithLogger sets the request logger.
func (s *Server) WithLogger(l zerolog.Logger) *Server {
	s.log = l
	return s
}

// WithMaxBodyBytes caps the size of a proxied request body.
func (s *Server) WithMaxBodyBytes(n int64) *Server {
	if n > 0 {
		s.maxBodyBytes = n
	}
	return s
}

// WithForwardAuth trusts the Remote-User header from an authenticating
// reverse proxy.
func (s *Server) WithForwardAuth(enabled bool) *Server {
	s.forwardAuth = enabled
	return s
}

// Handler returns the root http.Handler for the application.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	api.HandleFunc("/auth/login", s.handleLogin)
	api.HandleFunc("/auth/logout", s.handleLogout)
	api.HandleFunc("/auth/setup", s.handleSetupUser)
	api.HandleFunc("/auth/config", s.handleConfig)
	api.HandleFunc("/auth/sso/login", s.handleSSOLogin)
	api.HandleFunc("/auth/sso/callback", s.handleSSOCallback)

	api.HandleFunc("/session", s.handleSession)
	api.HandleFunc("/access", s.handleAccess)
	api.Handle("/me", s.authMiddleware(http.HandlerFunc(s.handleMe)))

	root := http.NewServeMux()
	root.Handle("/api/", withNoCache(http.StripPrefix("/api", api)))
	if s.metrics != nil {
		root.Handle("/metrics", s.metrics.Handler())
	}

	spa := withNoCache(spaFromDisk(s.webDir))
	for _, rt := range s.routes {
		guarded := s.requireRole(rt.Role, spa)
		p := strings.TrimSuffix(rt.Path, "/")
		root.Handle(p, guarded)
		root.Handle(p+"/", guarded)
	}
	root.Handle("/", spa)

	proxy := http.HandlerFunc(s.handleProxy)

	// The proxy bypasses the mux so that paths reach the backend uncleaned.
	dispatch := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.proxySvc.Handles(r.URL.EscapedPath()) {
			proxy.ServeHTTP(w, r)
			return
		}
		root.ServeHTTP(w, r)
	})

	return s.loggingMiddleware(dispatch)
}
