package adapthttp

import (
	"errors"
	"io"
	"net/http"
	"time"

	"barbershop/internal/app"
	"barbershop/internal/domain"

	"github.com/rs/zerolog"
)

// handleProxy forwards everything under the mount prefix to the backend.
// Upstream failures surface as 502 with a plain text body. Every outcome is
// counted in the proxy request metric.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.proxyError(w, r.Method, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			s.proxyError(w, r.Method, "bad request", http.StatusBadRequest)
			return
		}
		body = data
	}

	start := time.Now()
	resp, err := s.proxySvc.Forward(r.Context(), domain.InboundRequest{
		Method:   r.Method,
		Path:     r.URL.EscapedPath(),
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     body,
	})
	if errors.Is(err, app.ErrUpstreamUnavailable) {
		s.metrics.observeUpstreamFailure()
		logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("upstream unavailable")
		s.proxyError(w, r.Method, "bad gateway", http.StatusBadGateway)
		return
	}
	if err != nil {
		logger.Warn().Err(err).Str("path", r.URL.EscapedPath()).Msg("proxy request rejected")
		s.proxyError(w, r.Method, "bad request", http.StatusBadRequest)
		return
	}
	s.metrics.observeProxy(r.Method, resp.StatusCode, time.Since(start))

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (s *Server) proxyError(w http.ResponseWriter, method, msg string, code int) {
	s.metrics.observeProxyStatus(method, code)
	http.Error(w, msg, code)
}
