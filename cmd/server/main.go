/*
main.go - Application entry point

PURPOSE:
  Starts the fleet ledger HTTP server. Handles configuration, dependency
  wiring, background reconciliation and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Open the SQLite store (and Redis, when configured)
  3. Create the API handler and reconciliation scheduler
  4. Configure the HTTP router
  5. Serve until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: $PORT or 8080)
  -db      SQLite database path (default: $DB_PATH or fleet.db)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  See config/config.go. REDIS_ADDR enables shared locks and payment
  numbering; RECONCILE_INTERVAL=0 disables the scheduler.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close Redis and the database

SEE ALSO:
  - api/server.go: Router configuration
  - app/app.go: Service wiring
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/api"
	"github.com/warp/fleet-ledger/app"
	"github.com/warp/fleet-ledger/config"
)

func main() {
	cfg := config.Load()

	// Flags override the environment
	port := flag.String("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	flag.Parse()
	cfg.Server.Port = *port
	cfg.Database.Path = *dbPath

	log := config.NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		config.LogError(log, "main", "Open", "failed to initialize", cfg.Database.Path, err)
		os.Exit(1)
	}
	defer a.Close()

	handler := api.NewHandler(a.Service, log)

	scheduler := api.NewReconciliationScheduler(a.Service, log)
	scheduler.CheckInterval = cfg.Reconcile.Interval
	scheduler.Enabled = cfg.Reconcile.Interval > 0
	handler.Scheduler = scheduler
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, cfg.Server.CORSOrigins...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Server.Port, "db": cfg.Database.Path}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		config.LogError(log, "main", "Shutdown", "server forced to shutdown", cfg.Server.Port, err)
	}

	log.Info("server stopped")
}
