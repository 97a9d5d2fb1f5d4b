package httpgate

import (
	"net/http"
	"sort"

	"github.com/oarkflow/rbacgate"
	"github.com/oarkflow/rbacgate/utils"
)

type route struct {
	utils.Route
	opts rbacgate.Options
}

// Router picks gate options per request from configured route patterns. The
// most specific matching pattern wins; requests matching nothing reach the
// handler ungated unless a fallback is set.
type Router struct {
	gate     *rbacgate.Gate
	routes   []route
	fallback *rbacgate.Options
	settings *settings
}

func NewRouter(g *rbacgate.Gate, routes []rbacgate.RouteConfig, options ...Option) *Router {
	s := defaults()
	for _, o := range options {
		o(s)
	}
	rt := &Router{gate: g, settings: s, routes: make([]route, 0, len(routes))}
	for _, rc := range routes {
		rt.routes = append(rt.routes, route{Route: utils.ParseRoute(rc.Pattern), opts: rc.Options})
	}
	sort.SliceStable(rt.routes, func(i, j int) bool {
		return rt.routes[i].Specificity() > rt.routes[j].Specificity()
	})
	return rt
}

// SetFallback gates requests that match no route with opts.
func (rt *Router) SetFallback(opts rbacgate.Options) {
	rt.fallback = &opts
}

// Lookup returns the options and captured parameters for method and path.
func (rt *Router) Lookup(method, path string) (rbacgate.Options, map[string]string, bool) {
	for _, r := range rt.routes {
		if params, ok := r.Match(method, path); ok {
			return r.opts, params, true
		}
	}
	if rt.fallback != nil {
		return *rt.fallback, nil, true
	}
	return rbacgate.Options{}, nil, false
}

// Handler wraps next with the gate selected per request.
func (rt *Router) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opts, params, ok := rt.Lookup(r.Method, r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		rt.settings.protect(rt.gate, opts, params, next).ServeHTTP(w, r)
	})
}
