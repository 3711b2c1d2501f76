package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"juday/api/internal/app"
	"juday/api/internal/archive"
	"juday/api/internal/config"
	"juday/api/internal/email"
	"juday/api/internal/export"
	"juday/api/internal/history"
	"juday/api/internal/identity"
	"juday/api/internal/realtime"
	"juday/api/internal/search"
	"juday/api/internal/session"
	"juday/api/internal/sheet"
	"juday/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.JournalsDir, 0o755); err != nil {
		log.Fatalf("failed to create journals dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	historyService := history.New(cfg.JournalsDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	sheetService := sheet.NewService(dataStore).
		WithHistorian(historyService).
		WithIndexer(searchService)

	// Redis carries refresh sessions and the live-update fanout; without
	// it sessions fall back to Postgres and live updates are disabled.
	var redisStore *session.RedisStore
	var hub *realtime.Hub
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()

		hub, err = realtime.NewHub(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis pubsub connection failed: %v", err)
		}
		defer hub.Close()
		sheetService = sheetService.WithPublisher(hub)
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		archiveStore, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			log.Fatalf("archive connection failed: %v", err)
		}
		sheetService = sheetService.WithArchiver(archiveStore)
	}

	magic := identity.NewService(dataStore, cfg.BaseURL, cfg.MagicLinkTTL)
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	var service *app.Service
	if redisStore != nil {
		service = app.New(cfg, dataStore, redisStore, magic, sheetService)
	} else {
		service = app.New(cfg, dataStore, dataStore, magic, sheetService)
	}
	service = service.
		WithProviders(identity.NewProviders(cfg.Providers)).
		WithMailer(mailer).
		WithSearch(searchService).
		WithHistory(historyService).
		WithPDF(export.NewService(dataStore))

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Long timeouts so sheet event streams are not cut off mid-write.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Juday API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
