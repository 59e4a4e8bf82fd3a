package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"staffportal.org/internal/audit"
	"staffportal.org/internal/config"
	"staffportal.org/internal/obs"
	"staffportal.org/internal/session"
)

// audit-purge drops audit records past retention and expired sessions. It is
// meant to run from cron.
func main() {
	configPath := flag.String("config", "", "path to config file")
	dryRun := flag.Bool("dry-run", false, "report the cutoff without deleting")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	log := obs.InitLogger(cfg.Log.Level)
	defer func() { _ = log.Sync() }()

	if cfg.Database.DSN == "" {
		log.Fatal("database.dsn is required")
	}
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	now := time.Now().UTC()
	cutoff := now.Add(-cfg.Audit.Retention)
	log.Info("purge starting", zap.Time("audit_cutoff", cutoff), zap.Bool("dry_run", *dryRun))
	if *dryRun {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var sink audit.Sink = audit.NewPostgresSink(db)
	if cfg.Elasticsearch.URL != "" {
		es, err := audit.NewElasticSink(cfg.Elasticsearch.URL, cfg.Elasticsearch.Index)
		if err != nil {
			log.Fatal("elasticsearch", zap.Error(err))
		}
		sink = es
	}
	records, err := sink.Purge(ctx, cutoff)
	switch {
	case errors.Is(err, audit.ErrUnsupported):
		log.Warn("audit sink does not support purge")
	case err != nil:
		log.Fatal("purge audit records", zap.Error(err))
	}

	sessions, err := session.NewPGStore(db).PurgeExpired(ctx, now)
	if err != nil {
		log.Fatal("purge sessions", zap.Error(err))
	}
	log.Info("purge complete", zap.Int64("audit_records", records), zap.Int64("sessions", sessions))
}
