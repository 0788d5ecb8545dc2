package recorder

import (
	"net"
	"net/http"
	"strings"
)

// Request is the view of an incoming request the recorder extracts data from.
// Host frameworks adapt their request type to it.
type Request interface {
	Method() string
	URL() string
	Params() map[string]any
	Headers() map[string]string
	UserAgent() string
	RemoteIP() string
	SessionID() string
}

// SessionCookies are the cookie names checked for a session id.
var SessionCookies = []string{"session_id", "sessionid", "_session_id", "sid"}

// HTTPRequest adapts *http.Request. It never reads the body; form values are
// included only when the handler already parsed them.
type HTTPRequest struct {
	R *http.Request
}

func (h HTTPRequest) Method() string { return h.R.Method }

func (h HTTPRequest) URL() string {
	scheme := "http"
	if h.R.TLS != nil {
		scheme = "https"
	}
	if proto := h.R.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + h.R.Host + h.R.URL.RequestURI()
}

func (h HTTPRequest) Params() map[string]any {
	params := make(map[string]any)
	for k, vs := range h.R.URL.Query() {
		params[k] = flatten(vs)
	}
	for k, vs := range h.R.PostForm {
		params[k] = flatten(vs)
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

func flatten(vs []string) any {
	if len(vs) == 1 {
		return vs[0]
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func (h HTTPRequest) Headers() map[string]string {
	out := make(map[string]string, len(h.R.Header))
	for k, vs := range h.R.Header {
		if len(vs) > 0 {
			out[k] = strings.Join(vs, ", ")
		}
	}
	return out
}

func (h HTTPRequest) UserAgent() string { return h.R.UserAgent() }

func (h HTTPRequest) RemoteIP() string {
	if xff := h.R.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := h.R.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(h.R.RemoteAddr)
	if err != nil {
		return h.R.RemoteAddr
	}
	return host
}

func (h HTTPRequest) SessionID() string {
	for _, name := range SessionCookies {
		if c, err := h.R.Cookie(name); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return h.R.Header.Get("X-Session-Id")
}

// RequestData is a Request built from already-extracted values, e.g. an
// event posted to the ingestion API.
type RequestData struct {
	MethodValue    string            `json:"method"`
	URLValue       string            `json:"url"`
	ParamsValue    map[string]any    `json:"params"`
	HeadersValue   map[string]string `json:"headers"`
	UserAgentValue string            `json:"user_agent"`
	IPValue        string            `json:"ip"`
	SessionValue   string            `json:"session_id"`
}

func (d *RequestData) Method() string             { return d.MethodValue }
func (d *RequestData) URL() string                { return d.URLValue }
func (d *RequestData) Params() map[string]any     { return d.ParamsValue }
func (d *RequestData) Headers() map[string]string { return d.HeadersValue }
func (d *RequestData) UserAgent() string {
	if d.UserAgentValue != "" {
		return d.UserAgentValue
	}
	for k, v := range d.HeadersValue {
		if strings.EqualFold(k, "User-Agent") {
			return v
		}
	}
	return ""
}
func (d *RequestData) RemoteIP() string  { return d.IPValue }
func (d *RequestData) SessionID() string { return d.SessionValue }
