package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"oathboard/api/internal/app"
	"oathboard/api/internal/archive"
	"oathboard/api/internal/authsession"
	"oathboard/api/internal/config"
	"oathboard/api/internal/email"
	"oathboard/api/internal/feed"
	"oathboard/api/internal/magiclink"
	"oathboard/api/internal/pairing"
	"oathboard/api/internal/profile"
	"oathboard/api/internal/search"
	"oathboard/api/internal/store"
)

// backend is everything the API reads and writes rows through.
// store.PostgresStore and store.MemoryStore both satisfy it.
type backend interface {
	pairing.Store
	magiclink.LinkStore
	profile.Store
	app.AccountStore
	app.RefreshStore
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	var (
		rows     backend
		fallback search.Searcher
		pgfts    *search.PgFTS
	)
	if cfg.DatabaseURL == config.MemoryDatabase {
		log.Printf("Using in-memory storage; data is lost on restart")
		memory := store.NewMemoryStore()
		rows = memory
		fallback = search.NewScan(memory)
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		rows = store.NewPostgresStore(db)
		pgfts = search.NewPgFTS(db)
		fallback = pgfts
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, fallback)
	defer searchService.Close()
	go searchService.ReindexFromPG(context.Background(), pgfts)

	deps := app.Deps{Accounts: rows, Refresh: rows, Search: searchService}
	var publisher pairing.Publisher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		changes, err := feed.NewFromURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer changes.Close()
		log.Printf("Using Redis for the change feed and refresh tokens")
		publisher = changes
		deps.Events = changes
		deps.Refresh = authsession.NewRedisStoreWithClient(changes.Client())
	} else {
		log.Printf("REDIS_URL not set; live updates are disabled")
	}

	pairingOpts := pairing.Options{
		GuidedLevels: cfg.GuidedLevels,
		RatingMax:    cfg.RatingMax,
		CodeAttempts: cfg.CodeAttempts,
	}
	archiveCfg := archiveConfig(cfg)
	if archiveCfg.IsConfigured() {
		archiver, err := archive.New(archiveCfg)
		if err != nil {
			return fmt.Errorf("archive client failed: %w", err)
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: archive bucket unavailable, transcripts will not be kept: %v", err)
		} else {
			pairingOpts.Archiver = archiver
		}
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Printf("SMTP not configured; magic links are returned in the response")
	}

	appURL := strings.TrimRight(cfg.AppURL, "/")
	deps.Pairing = pairing.NewService(rows, publisher, pairingOpts)
	deps.Links = magiclink.NewService(rows, mailer, magiclink.Options{
		VerifyURL: appURL + "/auth/verify",
		TTL:       cfg.MagicLinkTTL,
	})
	deps.Profiles = profile.NewService(rows, searchService, mailer, profile.Options{PublicURL: appURL + "/p/"})

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Oathboard API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}

func archiveConfig(cfg config.Config) archive.Config {
	return archive.Config{
		Endpoint:  cfg.ArchiveEndpoint,
		AccessKey: cfg.ArchiveAccessKey,
		SecretKey: cfg.ArchiveSecretKey,
		Bucket:    cfg.ArchiveBucket,
		UseSSL:    cfg.ArchiveUseSSL,
	}
}
