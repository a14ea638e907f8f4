package domain

import "net/http"

// InboundRequest is a browser request addressed to the proxy mount. A nil
// Body means the request carried no body, which is not the same as an empty
// one.
type InboundRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ProxiedResponse is the backend's reply, already re-wrapped for the browser.
type ProxiedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
