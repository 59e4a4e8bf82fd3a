package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"staffportal.org/internal/audit"
	"staffportal.org/internal/auth"
	"staffportal.org/internal/broadcast"
	"staffportal.org/internal/config"
	"staffportal.org/internal/cookie"
	"staffportal.org/internal/httpapi"
	"staffportal.org/internal/obs"
	"staffportal.org/internal/ratelimit"
	"staffportal.org/internal/session"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	if cfg.Version != "" && version == "dev" {
		version = cfg.Version
	}

	log := obs.InitLogger(cfg.Log.Level)
	defer func() { _ = log.Sync() }()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if cfg.Database.DSN == "" {
		log.Fatal("database.dsn is required")
	}
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime)

	// Cross-app broadcast: NATS when configured, otherwise in-process only.
	var transport broadcast.Transport
	var natsConn *broadcast.NATS
	if cfg.NATS.URL != "" {
		natsConn, err = broadcast.DialNATS(broadcast.NATSConfig{
			Servers: []string{cfg.NATS.URL},
			Name:    cfg.NATS.Name,
			Subject: cfg.NATS.Subject,
		})
		if err != nil {
			log.Fatal("connect nats", zap.Error(err))
		}
		transport = natsConn
	} else {
		transport = broadcast.NewHub().Transport()
	}
	bus, err := broadcast.New(transport)
	if err != nil {
		log.Fatal("broadcast bus", zap.Error(err))
	}

	store := session.NewCachedStore(
		session.NewPGStore(db, session.WithLifetime(cfg.Session.Lifetime)),
		cfg.Session.UserCacheTTL,
	)
	unsubscribe := bus.OnAuthChange(func(m broadcast.Message) {
		if m.Action == broadcast.ActionSignOut {
			store.Invalidate()
		}
	})
	defer unsubscribe()

	var limiter ratelimit.Limiter
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		limiter = ratelimit.NewRedis(rdb, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
	} else {
		fw := ratelimit.NewFixedWindow(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
		defer fw.Close()
		limiter = fw
	}

	var auditLog *audit.Logger
	if cfg.Audit.Enabled {
		sink, err := auditSink(cfg, db)
		if err != nil {
			log.Fatal("audit sink", zap.Error(err))
		}
		auditLog = audit.NewLogger(sink, audit.WithTimeout(cfg.Audit.Timeout))
	}

	tokens := auth.NewTokens(cfg.Auth.TokenSecret, cfg.Auth.Issuer)
	if !tokens.Enabled() {
		log.Warn("auth.token_secret not set; access tokens are raw session tokens")
	}
	codec := cookie.New(cookie.Config{
		Domain:      cfg.Cookie.Domain,
		Key:         cfg.Cookie.Name,
		Instance:    cfg.Cookie.Instance,
		Development: cfg.Development(),
		LegacyUntil: cfg.Cookie.LegacyDeadline(),
	})
	ready := httpapi.ReadyProbe{DB: db}

	api := httpapi.New(httpapi.Deps{
		Store:          store,
		Tokens:         tokens,
		Codec:          codec,
		CookieName:     cfg.Cookie.Name,
		Audit:          auditLog,
		Bus:            bus,
		Limiter:        limiter,
		Ready:          ready,
		Version:        version,
		BackendTimeout: cfg.Server.BackendTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Development:    cfg.Development(),
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		IPBurst:        cfg.IPThrottle.Burst,
		IPPerSecond:    cfg.IPThrottle.PerSecond,
		TrustedProxies: cfg.Server.TrustedProxyPrefixes(),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	httpapi.RegisterSessionService(grpcServer, httpapi.NewGRPCServer(ready, version, api.Authorizer(),
		httpapi.WithLimiter(limiter),
		httpapi.WithHIPAA(audit.HIPAAOptions{
			PHIFields:    cfg.Audit.PHIFields,
			PHIResources: audit.DefaultPHIResources,
		}),
	))

	log.Info("starting portal-auth",
		zap.String("version", version),
		zap.String("http_addr", srv.Addr),
		zap.String("grpc_addr", cfg.Server.GRPCAddr),
		zap.Bool("redis", rdb != nil),
		zap.Bool("nats", natsConn != nil),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http listen", zap.Error(err))
		}
	}()
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			log.Fatal("grpc listen", zap.Error(err))
		}
		go func() {
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error("grpc serve", zap.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	stopGRPC(ctx, grpcServer)
	_ = bus.Close()
	if natsConn != nil {
		_ = natsConn.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	_ = db.Close()
	log.Info("stopped")
}

// auditSink prefers Elasticsearch, then the Postgres table.
func auditSink(cfg *config.Config, db *sql.DB) (audit.Sink, error) {
	if cfg.Elasticsearch.URL != "" {
		return audit.NewElasticSink(cfg.Elasticsearch.URL, cfg.Elasticsearch.Index)
	}
	if db != nil {
		return audit.NewPostgresSink(db), nil
	}
	return audit.LogSink{}, nil
}

func stopGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
	}
}
