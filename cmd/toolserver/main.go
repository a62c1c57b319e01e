package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	api "github.com/mind-engage/lti1p3-tool/internal/api/http"
	authmw "github.com/mind-engage/lti1p3-tool/internal/auth/middleware"
	"github.com/mind-engage/lti1p3-tool/internal/config"
	"github.com/mind-engage/lti1p3-tool/internal/db"
	"github.com/mind-engage/lti1p3-tool/internal/logger"
	"github.com/mind-engage/lti1p3-tool/internal/metrics"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/cache"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/gradebook"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/httpchi"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/sqlstore"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// --- launch cache ---
	var shared lti.Cache = cache.NewMemory(10 * time.Minute)
	var ready []func(context.Context) error
	if cfg.RedisURL != "" {
		rdb, err := db.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalw("redis", "err", err)
		}
		defer rdb.Close()
		rc := cache.NewRedis(rdb, "lti1p3:")
		shared = rc
		ready = append(ready, rc.Ping)
		log.Infow("redis ready", "addr", rdb.Options().Addr)
	}

	// --- registry ---
	registry, registrations, store, dbh := openRegistry(ctx, cfg, log)
	if dbh != nil {
		defer dbh.Close()
		ready = append(ready, dbh.PingContext)
	}

	// --- engine ---
	m := metrics.New()
	outbound := &http.Client{
		Timeout:   cfg.HTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	keys := lti.NewKeyStore(shared, log)
	keys.TTL = cfg.JWKSTTL
	keys.HTTP = outbound
	tool := &lti.Tool{
		Registry:       registry,
		Keys:           keys,
		Cache:          shared,
		SessionCookie:  cfg.SessionCookie,
		LaunchLifetime: cfg.LaunchLifetime,
		HTTP:           outbound,
		Leeway:         5 * time.Second,
		Observer:       m,
		Log:            log,
	}
	ltiAPI := &httpchi.API{
		Tool: tool,
		Login: lti.LoginOptions{
			LaunchURL:    cfg.LaunchURL(),
			JSRedirect:   cfg.JSRedirect,
			CheckCookies: cfg.CheckCookies,
		},
		Registrations: registrations,
		Log:           log,
	}
	ltiAPI.OnLaunch = func(w http.ResponseWriter, r *http.Request, ml *lti.MessageLaunch) {
		// the browser app picks up from here with the launch id
		http.Redirect(w, r, "/app/"+ml.LaunchID()+"/", http.StatusSeeOther)
	}

	// --- router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		for _, check := range ready {
			if err := check(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(200)
	})
	r.Handle("/metrics", m.Handler())

	app := &api.App{Launches: ltiAPI, Log: log}
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	if store != nil {
		// grades go through the SQL outbox so platform outages do not lose them
		syncer := gradebook.New(store, tool, log)
		app.Grades = syncer
		if cfg.GradeRetry > 0 {
			go syncer.Run(runCtx, cfg.GradeRetry)
		}
		guard := authmw.BasicAuth{User: cfg.AdminUser, PassHash: cfg.AdminPassHash}
		api.MountAdmin(r, store, api.Outbox{Store: store, Syncer: syncer}, guard.Middleware, log)
	}

	r.Group(func(lr chi.Router) {
		lr.Use(httpchi.Sessions(cfg.SessionCookie, shared, log))
		ltiAPI.Routes(lr)
		app.Mount(lr)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(r, "lti-tool"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("listening", "addr", cfg.HTTPAddr, "public_url", cfg.PublicURL, "redis", cfg.RedisURL != "", "db", cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	stopRun()
	shutdown, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = srv.Shutdown(shutdown)
	log.Infow("stopped")
}

// openRegistry prefers the SQL registry and seeds it from the tool conf file
// when both are configured. Without a database the file is the registry.
func openRegistry(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (
	lti.Registry, func(context.Context) ([]*lti.Registration, error), *sqlstore.Store, *sql.DB,
) {
	if cfg.DBDriver == "" {
		if cfg.ToolConfPath == "" {
			log.Fatalw("no registry configured", "hint", "set LTI_TOOL_CONF or DB_DRIVER")
		}
		tc, err := lti.LoadToolConf(cfg.ToolConfPath)
		if err != nil {
			log.Fatalw("tool conf", "path", cfg.ToolConfPath, "err", err)
		}
		log.Infow("registry loaded", "path", cfg.ToolConfPath, "registrations", len(tc.Registrations()))
		return tc, func(context.Context) ([]*lti.Registration, error) { return tc.Registrations(), nil }, nil, nil
	}

	driver, err := db.ParseDriver(cfg.DBDriver)
	if err != nil {
		log.Fatalw("db driver", "err", err)
	}
	dbh, err := db.Open(ctx, driver, cfg.DBDSN)
	if err != nil {
		log.Fatalw("db open failed", "err", err)
	}
	store := sqlstore.New(dbh)
	if cfg.ToolConfPath != "" {
		entries, err := lti.ReadToolConf(cfg.ToolConfPath)
		if err != nil {
			log.Fatalw("tool conf", "path", cfg.ToolConfPath, "err", err)
		}
		n, err := store.Import(ctx, entries)
		if err != nil {
			log.Fatalw("tool conf import", "err", err)
		}
		log.Infow("tool conf imported", "path", cfg.ToolConfPath, "registrations", n)
	}
	return store, store.Registrations, store, dbh
}
