// Package httpgate runs the rbacgate request gate in front of net/http
// handlers.
package httpgate

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/httprate"

	"github.com/oarkflow/rbacgate"
	"github.com/oarkflow/rbacgate/logger"
)

// Option configures request translation.
type Option func(*settings)

type settings struct {
	keyFunc       httprate.KeyFunc
	sessionCookie string
	resourceParam string
	logger        logger.Logger
}

func defaults() *settings {
	return &settings{
		keyFunc:       httprate.KeyByIP,
		sessionCookie: "session",
		resourceParam: "id",
		logger:        logger.NewNullLogger(),
	}
}

// WithKeyFunc replaces httprate.KeyByIP as the source of the network identity.
func WithKeyFunc(f httprate.KeyFunc) Option {
	return func(s *settings) {
		if f != nil {
			s.keyFunc = f
		}
	}
}

// WithSessionCookie names the cookie read when no Authorization header is set.
func WithSessionCookie(name string) Option {
	return func(s *settings) { s.sessionCookie = name }
}

// WithResourceParam names the route parameter copied into Request.ResourceID.
func WithResourceParam(name string) Option {
	return func(s *settings) { s.resourceParam = name }
}

func WithLogger(l logger.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewRequest translates r. A failing key function leaves ClientKey empty.
func NewRequest(r *http.Request, opts ...Option) *rbacgate.Request {
	s := defaults()
	for _, o := range opts {
		o(s)
	}
	return s.request(r, nil)
}

func (s *settings) request(r *http.Request, params map[string]string) *rbacgate.Request {
	req := &rbacgate.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		Credentials: s.credentials(r),
		Metadata:    map[string]string{"method": r.Method},
	}
	if ua := r.UserAgent(); ua != "" {
		req.Metadata["user_agent"] = ua
	}
	if rid := r.Header.Get("X-Request-Id"); rid != "" {
		req.Metadata["request_id"] = rid
	}
	if key, err := s.keyFunc(r); err == nil {
		req.ClientKey = key
	} else {
		s.logger.Warn("client key unavailable", "path", r.URL.Path, "err", err)
	}
	if s.resourceParam != "" {
		req.ResourceID = params[s.resourceParam]
	}
	return req
}

func (s *settings) credentials(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		return h
	}
	if s.sessionCookie != "" {
		if c, err := r.Cookie(s.sessionCookie); err == nil {
			return c.Value
		}
	}
	return ""
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError renders err as a JSON body with the matching status. Rate limit
// rejections carry Retry-After in whole seconds.
func WriteError(w http.ResponseWriter, err error) {
	if d, ok := rbacgate.RetryAfter(err); ok {
		secs := (&rbacgate.RateLimitExceeded{ResetIn: d}).ResetInSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	status := rbacgate.StatusCode(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: rbacgate.Kind(err), Message: rbacgate.PublicMessage(err)})
}

// Protect gates next with opts.
func Protect(g *rbacgate.Gate, opts rbacgate.Options, next http.Handler, options ...Option) http.Handler {
	s := defaults()
	for _, o := range options {
		o(s)
	}
	return s.protect(g, opts, nil, next)
}

// Middleware is Protect in chi/alice middleware form.
func Middleware(g *rbacgate.Gate, opts rbacgate.Options, options ...Option) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return Protect(g, opts, next, options...)
	}
}

func (s *settings) protect(g *rbacgate.Gate, opts rbacgate.Options, params map[string]string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := s.request(r, params)
		p, err := g.Check(r.Context(), req, opts)
		if err != nil {
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(rbacgate.ContextWithPrincipal(r.Context(), p)))
	})
}
