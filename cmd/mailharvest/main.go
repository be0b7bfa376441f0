package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crescent-systems/mailharvest/internal/archive"
	"github.com/crescent-systems/mailharvest/internal/config"
	"github.com/crescent-systems/mailharvest/internal/crypt"
	"github.com/crescent-systems/mailharvest/internal/database"
	"github.com/crescent-systems/mailharvest/internal/ingest"
	"github.com/crescent-systems/mailharvest/internal/mailbox"
	"github.com/crescent-systems/mailharvest/internal/ratelimit"
	"github.com/crescent-systems/mailharvest/internal/sink"
	"github.com/crescent-systems/mailharvest/internal/store/postgres"
	"github.com/crescent-systems/mailharvest/internal/token"
	"github.com/crescent-systems/mailharvest/internal/web"
	"github.com/crescent-systems/mailharvest/internal/web/handlers"
	"github.com/crescent-systems/mailharvest/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Database
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := postgres.NewDB(startupCtx, cfg.DatabaseURL, postgres.Options{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
		PingAttempts: cfg.DBPingAttempts,
	})
	cancelStartup()
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Migrations
	if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Token-at-rest encryption
	box, err := crypt.NewBox(cfg.CredentialKey)
	if err != nil {
		slog.Error("failed to initialize credential encryption", "error", err)
		os.Exit(1)
	}
	if box == nil {
		slog.Warn("CREDENTIAL_KEY not set, tokens will be stored unencrypted")
	}

	credStore := postgres.NewCredentialStore(db, box)

	// Token lifecycle
	tokens := token.NewManager(token.Options{
		Endpoint:     token.DefaultEndpoint(cfg.OAuthTenant),
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Scope:        cfg.OAuthScope,
		Skew:         cfg.ExpirySkew,
		RefreshRPS:   cfg.RefreshRPS,
		RefreshBurst: cfg.RefreshBurst,
	})

	// Mailbox access
	dialer := mailbox.NewDialer(mailbox.DialerOptions{
		Host:       cfg.IMAPHost,
		Port:       cfg.IMAPPort,
		Mailbox:    cfg.Mailbox,
		SkipVerify: cfg.IMAPSkipVerify,
	})

	// Sink
	emailSink, err := sink.NewElasticSink(sink.ElasticOptions{
		Endpoint: cfg.ElasticEndpoint,
		CloudID:  cfg.ElasticCloudID,
		Username: cfg.ElasticUsername,
		Password: cfg.ElasticPassword,
		Index:    cfg.ElasticIndex,
	})
	if err != nil {
		slog.Error("failed to initialize elasticsearch sink", "error", err)
		os.Exit(1)
	}

	// Raw message archive (optional)
	archiveStore, err := archive.NewFromConfig(context.Background(), archive.Config{
		Backend:           cfg.ArchiveBackend,
		FSRoot:            cfg.ArchiveFSRoot,
		S3Bucket:          cfg.ArchiveS3Bucket,
		S3Region:          cfg.ArchiveS3Region,
		S3Endpoint:        cfg.ArchiveS3Endpoint,
		S3AccessKeyID:     cfg.ArchiveS3AccessKeyID,
		S3SecretAccessKey: cfg.ArchiveS3SecretKey,
		S3ForcePathStyle:  cfg.ArchiveS3ForcePathStyle,
	})
	if err != nil {
		slog.Error("failed to initialize raw message archive", "error", err)
		os.Exit(1)
	}

	// Ingestion scheduler
	scheduler := ingest.NewScheduler(
		credStore,
		tokens,
		ingest.DialerFunc(func(ctx context.Context, mailAddress, accessToken string) (ingest.MailboxSession, error) {
			return dialer.Dial(ctx, mailAddress, accessToken)
		}),
		emailSink,
		archiveStore,
		ingest.SchedulerOptions{
			Interval:      cfg.TickInterval,
			TenantWorkers: cfg.TenantWorkers,
		},
	)

	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	go scheduler.Run(schedulerCtx)

	// Rate limiter
	limiter := ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Handlers
	tenantHandler := handlers.NewTenantHandler(credStore)
	ingestHandler := handlers.NewIngestHandler(scheduler)

	// Router
	router := web.NewRouter(web.RouterDeps{
		TenantHandler: tenantHandler,
		IngestHandler: ingestHandler,
		APIToken:      cfg.APIToken,
		Limiter:       limiter,
	})

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("mailharvest starting", "addr", addr, "tick_interval", cfg.TickInterval)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down...")

	stopScheduler()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
