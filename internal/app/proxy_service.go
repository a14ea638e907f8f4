package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"barbershop/internal/domain"
)

// ErrUpstreamUnavailable indicates the backend could not be reached or its
// reply could not be read. It is never retried.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// ErrInvalidTarget indicates a path that does not map onto the backend
// origin under the mount prefix.
var ErrInvalidTarget = errors.New("invalid proxy target")

// DefaultMountPrefix is the path segment that routes a request to the proxy.
const DefaultMountPrefix = "/proxy"

// Fixed response headers sent with every proxied reply.
const (
	AllowMethods       = "GET,POST,PUT,DELETE,OPTIONS,PATCH"
	AllowHeaders       = "Authorization,Content-Type"
	DefaultContentType = "application/json"
)

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProxyConfig configures the edge proxy.
type ProxyConfig struct {
	MountPrefix   string
	BackendOrigin string
	AllowedOrigin string
	// Timeout bounds one forward. Zero leaves it to the transport.
	Timeout time.Duration
}

// ProxyService forwards browser requests to the backend origin and re-wraps
// the replies with a fixed CORS header set. It holds no per-request state.
type ProxyService struct {
	cfg    ProxyConfig
	origin *url.URL
	client Doer
}

// NewProxyService validates cfg and returns a ProxyService. A nil client
// uses a plain http.Client.
func NewProxyService(cfg ProxyConfig, client Doer) (*ProxyService, error) {
	u, err := url.Parse(cfg.BackendOrigin)
	if err != nil {
		return nil, fmt.Errorf("backend origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend origin %q must be an absolute URL", cfg.BackendOrigin)
	}
	if cfg.AllowedOrigin == "" {
		return nil, errors.New("allowed origin is required")
	}
	if cfg.MountPrefix == "" {
		cfg.MountPrefix = DefaultMountPrefix
	}
	cfg.MountPrefix = strings.TrimSuffix(cfg.MountPrefix, "/")
	if client == nil {
		client = &http.Client{}
	}
	return &ProxyService{cfg: cfg, origin: u, client: client}, nil
}

// MountPrefix returns the normalized mount prefix, without a trailing slash.
func (s *ProxyService) MountPrefix() string {
	return s.cfg.MountPrefix
}

// BackendHost returns the host every forwarded request is addressed to.
func (s *ProxyService) BackendHost() string {
	return s.origin.Host
}

// Handles reports whether the escaped request path belongs to the proxy.
func (s *ProxyService) Handles(escapedPath string) bool {
	return UnderMount(escapedPath, s.cfg.MountPrefix)
}

// UnderMount reports whether path is mount itself or lies below it. Callers
// pass the escaped path so that an encoded slash never counts as a segment
// boundary.
func UnderMount(path, mount string) bool {
	if !strings.HasPrefix(path, mount) {
		return false
	}
	return len(path) == len(mount) || path[len(mount)] == '/'
}

// TargetURL maps an escaped path under mount onto origin. The remainder keeps
// its encoding and the scheme and host always come from origin.
func TargetURL(origin *url.URL, mount, escapedPath, rawQuery string) (*url.URL, error) {
	if !UnderMount(escapedPath, mount) {
		return nil, fmt.Errorf("%w: %q is not under %q", ErrInvalidTarget, escapedPath, mount)
	}
	rest := escapedPath[len(mount):]
	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	return &url.URL{
		Scheme:   origin.Scheme,
		Host:     origin.Host,
		Path:     strings.TrimSuffix(origin.Path, "/") + decoded,
		RawPath:  strings.TrimSuffix(origin.EscapedPath(), "/") + rest,
		RawQuery: rawQuery,
	}, nil
}

// CORSHeaders returns the header set attached to every proxied reply,
// without Content-Type.
func CORSHeaders(allowedOrigin string) http.Header {
	h := make(http.Header, 5)
	h.Set("Access-Control-Allow-Origin", allowedOrigin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", AllowMethods)
	h.Set("Access-Control-Allow-Headers", AllowHeaders)
	return h
}

// Forward sends in to the backend and buffers the full reply. The outbound
// request keeps the inbound method, body and headers, except Host, which is
// replaced by the backend host.
func (s *ProxyService) Forward(ctx context.Context, in domain.InboundRequest) (*domain.ProxiedResponse, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	target, err := TargetURL(s.origin, s.cfg.MountPrefix, in.Path, in.RawQuery)
	if err != nil {
		return nil, err
	}
	backendHost := s.BackendHost()

	var body io.Reader
	if in.Body != nil {
		body = bytes.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if req.URL.Host != backendHost {
		return nil, fmt.Errorf("%w: resolved host %q", ErrInvalidTarget, req.URL.Host)
	}
	req.Header = in.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set("Host", backendHost)
	req.Host = backendHost

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUpstreamUnavailable, err)
	}
	// Content-Encoding is not passed back, so the body must go out decoded.
	if !resp.Uncompressed {
		data, err = decodeContent(data, strings.Join(resp.Header.Values("Content-Encoding"), ","))
		if err != nil {
			return nil, fmt.Errorf("%w: decode body: %w", ErrUpstreamUnavailable, err)
		}
	}

	header := CORSHeaders(s.cfg.AllowedOrigin)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}
	header.Set("Content-Type", contentType)

	return &domain.ProxiedResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       data,
	}, nil
}
