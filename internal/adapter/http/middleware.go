package adapthttp

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"barbershop/internal/app"
	"barbershop/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const userContextKey contextKey = "user"

const sessionCookie = "session"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs one line per request and puts a request-scoped
// logger on the context for handlers to use through zerolog.Ctx.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := s.log.With().Str("request_id", uuid.NewString()).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("request")
	})
}

// authMiddleware validates session tokens and forward auth headers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := s.forwardAuthUser(r); user != nil {
			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := s.authSvc.ValidateSession(r.Context(), cookie.Value, r.UserAgent())
		if errors.Is(err, app.ErrSessionNotFound) || errors.Is(err, app.ErrSessionExpired) || errors.Is(err, app.ErrUserNotFound) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("validate session")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(r *http.Request) *domain.User {
	u, _ := r.Context().Value(userContextKey).(*domain.User)
	return u
}

func (s *Server) forwardAuthUser(r *http.Request) *domain.User {
	if !s.forwardAuth {
		return nil
	}
	remoteUser := r.Header.Get("Remote-User")
	if remoteUser == "" {
		return nil
	}
	user, err := s.authSvc.ValidateForwardAuth(r.Context(), remoteUser)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("remote_user", remoteUser).Msg("forward auth rejected")
		return nil
	}
	return user
}

// sessionState reads the caller's session for the route guard.
func (s *Server) sessionState(r *http.Request) domain.SessionState {
	if user := s.forwardAuthUser(r); user != nil {
		return app.StateForUser(user)
	}
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return domain.SessionState{}
	}
	return s.authSvc.SessionState(r.Context(), cookie.Value, r.UserAgent())
}

// requireRole wraps a view with the route guard.
func (s *Server) requireRole(role domain.Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := domain.Decide(s.sessionState(r), role)
		s.metrics.observeDecision(d)

		if d.Kind == domain.Render {
			next.ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, redirectTarget(d, r.URL.RequestURI()), http.StatusSeeOther)
	})
}

// loginLocation builds the login URL carrying the attempted location and
// the message to show there.
func loginLocation(from, message string) string {
	q := url.Values{}
	q.Set("from", from)
	q.Set("message", message)
	return "/login?" + q.Encode()
}

// redirectTarget is where a decision sends the browser; empty for Render.
func redirectTarget(d domain.Decision, from string) string {
	switch d.Kind {
	case domain.RedirectToLogin:
		return loginLocation(from, d.Message)
	case domain.RedirectToHome:
		return "/"
	}
	return ""
}
