package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/unrolled/secure"

	"github.com/oarkflow/rbacgate"
	"github.com/oarkflow/rbacgate/httpgate"
	"github.com/oarkflow/rbacgate/logger"
)

// serverConfig is read from the environment.
type serverConfig struct {
	Addr            string        `envconfig:"RBAC_ADDR" default:":8080"`
	RedisAddr       string        `envconfig:"RBAC_REDIS_ADDR"`
	RedisPrefix     string        `envconfig:"RBAC_REDIS_PREFIX" default:"rbac"`
	SessionTTL      time.Duration `envconfig:"RBAC_SESSION_TTL" default:"24h"`
	SQLiteDSN       string        `envconfig:"RBAC_SQLITE_DSN"`
	ConfigPath      string        `envconfig:"RBAC_CONFIG"`
	LogFormat       string        `envconfig:"RBAC_LOG_FORMAT" default:"phuslu"`
	ShutdownTimeout time.Duration `envconfig:"RBAC_SHUTDOWN_TIMEOUT" default:"5s"`
}

func loadServerConfig() (serverConfig, error) {
	var cfg serverConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// defaultRoutes gate the demo API when no config file is given.
func defaultRoutes() []rbacgate.RouteConfig {
	return []rbacgate.RouteConfig{
		{Pattern: "GET /v1/whoami", Options: rbacgate.Options{Name: "whoami"}},
		{Pattern: "POST /v1/check", Options: rbacgate.Options{
			Name:      "check",
			RateLimit: &rbacgate.Limit{Points: 60, Duration: time.Minute},
		}},
		{Pattern: "GET /v1/audit", Options: rbacgate.Options{
			Name:            "audit-read",
			Roles:           []rbacgate.Role{rbacgate.RoleAdmin},
			RequireVerified: true,
			Require2FA:      true,
			Audit:           &rbacgate.AuditOptions{Action: "audit.read"},
		}},
		{Pattern: "DELETE /v1/cache", Options: rbacgate.Options{
			Name:  "cache-flush",
			Roles: []rbacgate.Role{rbacgate.RoleAdmin},
			Audit: &rbacgate.AuditOptions{Action: "cache.flush"},
		}},
	}
}

// unlistedRouteOptions gate API routes the config does not list.
var unlistedRouteOptions = rbacgate.Options{
	Name:  "unlisted",
	Roles: []rbacgate.Role{rbacgate.RoleAdmin},
}

type server struct {
	engine *rbacgate.Engine
	audit  *rbacgate.AuditDispatcher
	sink   rbacgate.AuditSink
	cache  rbacgate.PermissionCache
	log    logger.Logger
}

func newServer(ctx context.Context, cfg *rbacgate.Config, b *backend, reg *prometheus.Registry, log logger.Logger) (*server, http.Handler, error) {
	metrics, err := rbacgate.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}
	table, err := cfg.RuleTable()
	if err != nil {
		return nil, nil, err
	}
	cache, err := cfg.BuildCache(nil)
	if err != nil {
		return nil, nil, err
	}
	if mc, ok := cache.(*rbacgate.MemoryCache); ok {
		mc.StartSweeper(ctx, cfg.SweepInterval())
	}
	engine, err := rbacgate.NewEngine(table,
		rbacgate.WithCache(cache),
		rbacgate.WithMembershipStore(b.members),
		rbacgate.WithIdentityStore(b.identity),
		rbacgate.WithLogger(log),
		rbacgate.WithMetrics(metrics),
	)
	if err != nil {
		return nil, nil, err
	}
	audit := rbacgate.NewAuditDispatcher(b.audit, cfg.Audit.Buffer, log, metrics)
	gate, err := rbacgate.NewGate(b.identity,
		rbacgate.WithRateLimiter(b.limiter),
		rbacgate.WithAuditDispatcher(audit),
		rbacgate.WithGateLogger(log),
		rbacgate.WithGateMetrics(metrics),
	)
	if err != nil {
		return nil, nil, err
	}

	routes := cfg.Routes
	if len(routes) == 0 {
		routes = defaultRoutes()
	}
	gated := httpgate.NewRouter(gate, routes, httpgate.WithLogger(log))
	gated.SetFallback(unlistedRouteOptions)

	s := &server{engine: engine, audit: audit, sink: b.audit, cache: cache, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "no-referrer",
	}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(gated.Handler)
		r.Get("/v1/whoami", s.whoami)
		r.Post("/v1/check", s.check)
		r.Get("/v1/audit", s.queryAudit)
		r.Delete("/v1/cache", s.flushCache)
	})
	return s, r, nil
}

// Close drains the audit queue and stops the cache sweeper.
func (s *server) Close(ctx context.Context) error {
	err := s.audit.Close(ctx)
	switch c := s.cache.(type) {
	case *rbacgate.MemoryCache:
		c.Close()
	case *rbacgate.RistrettoCache:
		c.Close()
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) whoami(w http.ResponseWriter, r *http.Request) {
	p, _ := rbacgate.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, p)
}

type checkBody struct {
	Action          rbacgate.Action   `json:"action"`
	Resource        rbacgate.Resource `json:"resource"`
	ResourceOwnerID string            `json:"resource_owner_id,omitempty"`
	ProjectID       string            `json:"project_id,omitempty"`
	TeamMembers     []string          `json:"team_members,omitempty"`
}

// check explains the decision for the calling principal.
func (s *server) check(w http.ResponseWriter, r *http.Request) {
	p, ok := rbacgate.PrincipalFromContext(r.Context())
	if !ok {
		httpgate.WriteError(w, &rbacgate.AuthenticationError{})
		return
	}
	var body checkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "invalid JSON body"})
		return
	}
	rc := &rbacgate.ResourceContext{
		UserID:          p.ID,
		ResourceOwnerID: body.ResourceOwnerID,
		ProjectID:       body.ProjectID,
		TeamMembers:     body.TeamMembers,
	}
	d, err := s.engine.Explain(r.Context(), p.Role, body.Action, body.Resource, rc)
	if err != nil {
		httpgate.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) queryAudit(w http.ResponseWriter, r *http.Request) {
	q, ok := s.sink.(rbacgate.AuditQuerier)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "not_implemented", "message": "audit sink is write-only"})
		return
	}
	v := r.URL.Query()
	filter := rbacgate.AuditFilter{
		UserID:       v.Get("user_id"),
		Action:       v.Get("action"),
		ResourcePath: v.Get("resource_path"),
		Outcome:      v.Get("outcome"),
	}
	if n, err := strconv.Atoi(v.Get("limit")); err == nil {
		filter.Limit = n
	}
	recs, err := q.Query(r.Context(), filter)
	if err != nil {
		s.log.Error("audit query failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": "audit query failed"})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *server) flushCache(w http.ResponseWriter, r *http.Request) {
	s.engine.InvalidateCache()
	w.WriteHeader(http.StatusNoContent)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the demo HTTP API behind the gate",
		Long:  "Run an HTTP API gated per route. Settings come from RBAC_* environment variables.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadServerConfig()
			if err != nil {
				return err
			}
			log := logger.New(env.LogFormat)
			cfg, err := loadConfig(env.ConfigPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, env)
			if err != nil {
				return err
			}
			defer b.Close()
			if err := b.seed(ctx, cfg); err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			srv, handler, err := newServer(ctx, cfg, b, reg, log)
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:              env.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info("rbacgate server started", "addr", env.Addr, "redis", env.RedisAddr != "", "sqlite", env.SQLiteDSN != "")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				log.Info("shutdown signal received")
			case err := <-errCh:
				return fmt.Errorf("rbacgate server: %w", err)
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), env.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return srv.Close(shutdownCtx)
		},
	}
}
