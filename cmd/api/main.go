package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/lumehealth/lume-sync/pkg/config"
	"github.com/lumehealth/lume-sync/pkg/database"
	"github.com/lumehealth/lume-sync/pkg/dedup"
	"github.com/lumehealth/lume-sync/pkg/gateway"
	"github.com/lumehealth/lume-sync/pkg/ingest"
	"github.com/lumehealth/lume-sync/pkg/migrations"
	"github.com/lumehealth/lume-sync/pkg/notify"
	"github.com/lumehealth/lume-sync/pkg/outbox"
	"github.com/lumehealth/lume-sync/pkg/records"
	"github.com/lumehealth/lume-sync/pkg/server"
	"github.com/lumehealth/lume-sync/pkg/session"
	"github.com/lumehealth/lume-sync/pkg/tokens"
	"github.com/lumehealth/lume-sync/pkg/version"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
)

func main() {
	ctx := context.Background()
	log := logger.New()

	log.Info("starting lume-sync", logger.Data{"version": version.Version})

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Err(err).Fatal("database error")
	}

	group, err := migrations.BringUpToDate(ctx, db)
	if err != nil {
		log.Err(err).Fatal("migrations error")
	}
	if group.ID == 0 {
		log.Info("no new migrations to run")
	} else {
		log.Info("migrated to new group", logger.Data{"group_id": group.ID, "migration_names": group.Migrations.String()})
	}

	notifier := notify.New()
	outboxService := outbox.NewService(db)
	recordsService := records.NewService(db, dedup.NewService(cfg.DedupTolerance), outboxService, notifier)
	sessionService := tokens.NewService(db)
	client := gateway.NewClient(cfg)
	coordinator := tokens.NewCoordinator(sessionService, client)
	manager := session.NewManager(cfg, sessionService, coordinator, recordsService, outboxService, notifier, client)

	// Events stuck in processing from a previous crash go back in the queue
	// before any dispatcher starts.
	reset, err := outboxService.ResetStuckProcessing(ctx)
	if err != nil {
		log.Err(err).Fatal("crash recovery error")
	}
	if reset > 0 {
		log.Info("recovered stuck events", logger.Data{"count": reset})
	}

	ingestService := ingest.NewService(recordsService, newOriginAdapter(), cfg.StalenessThreshold)
	recordsService.SetRefreshScheduler(ingestService)

	srv, err := server.New(cfg, recordsService, outboxService, manager)
	if err != nil {
		log.Err(err).Fatal("server error")
	}

	graceful := signals.Setup()

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
		lc := net.ListenConfig{}
		listener, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			log.Err(err).Fatal("failed to bind port")
		}

		actualPort := listener.Addr().(*net.TCPAddr).Port
		log.Info("server started", logger.Data{"port": actualPort})

		err = srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Fatal("server stopped")
		}
		log.Info("server stopped")
	}()

	if err := manager.Resume(ctx); err != nil {
		log.Err(err).Error("session resume error")
	}
	log.Info("sessions resumed")

	<-graceful
	log.Info("starting graceful shutdown")

	err = srv.Shutdown(ctx)
	if err != nil {
		log.Err(err).Error("server shutdown error")
	}
	log.Info("server shutdown")

	manager.Shutdown()
	log.Info("dispatchers shutdown")

	err = db.Close()
	if err != nil {
		log.Err(err).Error("database close error")
	}
	log.Info("database closed")
}
