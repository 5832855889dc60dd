// Command scimserver runs the multi-tenant SCIM provisioning server. It
// loads its YAML configuration, connects the configured storage engine
// (PostgreSQL or SQLite, mirroring the teacher's cmd/authsome-cli
// dialect-switching connectDatabaseMulti), builds the tenant registry
// and protocol front end, and serves until an interrupt or term signal
// arrives.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/xraph/scimserver/internal/config"
	"github.com/xraph/scimserver/internal/httpapi"
	"github.com/xraph/scimserver/internal/logging"
	"github.com/xraph/scimserver/internal/metrics"
	"github.com/xraph/scimserver/internal/passwordhash"
	"github.com/xraph/scimserver/internal/schema"
	"github.com/xraph/scimserver/internal/store"
	"github.com/xraph/scimserver/internal/tenant"
)

func main() {
	configPath := flag.String("config", "scimserver.yaml", "path to the server's YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scimserver: failed to load config:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scimserver: failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := connectDatabase(cfg.Database)
	if err != nil {
		log.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	st := store.New(db, cfg.StorageEngine())
	reg := schema.NewRegistry()
	descriptors := config.BuildTenants(cfg.Tenants, nil)
	tenants := tenant.NewRegistry(descriptors)
	m := metrics.New("scimserver")

	srv := httpapi.NewServer(tenants, reg, st, passwordhash.NewBcrypt(), log, m)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("scimserver listening", zap.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func connectDatabase(cfg config.DatabaseConfig) (*bun.DB, error) {
	var sqldb *sql.DB
	var db *bun.DB

	switch cfg.Engine {
	case "postgres":
		connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN))
		sqldb = sql.OpenDB(connector)
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		var err error
		sqldb, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db = bun.NewDB(sqldb, sqlitedialect.New())
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
