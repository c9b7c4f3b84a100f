// Command cloudillo-core runs the federation core node: a single-tenant
// or few-tenant server implementing the action pipeline, realtime bus,
// scheduler, and ACME-managed front door of spec.md.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"

	"github.com/cloudillo/cloudillo/internal/action"
	"github.com/cloudillo/cloudillo/internal/adapters"
	"github.com/cloudillo/cloudillo/internal/bus"
	"github.com/cloudillo/cloudillo/internal/certmgr"
	"github.com/cloudillo/cloudillo/internal/config"
	"github.com/cloudillo/cloudillo/internal/email"
	"github.com/cloudillo/cloudillo/internal/fedclient"
	"github.com/cloudillo/cloudillo/internal/httpapi"
	"github.com/cloudillo/cloudillo/internal/media"
	"github.com/cloudillo/cloudillo/internal/profilesync"
	"github.com/cloudillo/cloudillo/internal/push"
	"github.com/cloudillo/cloudillo/internal/ratelimit"
	"github.com/cloudillo/cloudillo/internal/realtime"
	"github.com/cloudillo/cloudillo/internal/scheduler"
	"github.com/cloudillo/cloudillo/internal/search"
	"github.com/cloudillo/cloudillo/internal/store"
	"github.com/cloudillo/cloudillo/internal/token"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintln(os.Stderr, "cloudillo-core:", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintln(os.Stderr, "cloudillo-core:", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("cloudillo-core %s (commit %s, built %s)\n", version, commit, buildDate)
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "cloudillo-core: unknown command %q\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`cloudillo-core - federation core node

Usage:
  cloudillo-core serve              start the node
  cloudillo-core migrate up|down|status
  cloudillo-core version
  cloudillo-core help`)
}

func configPath() string {
	if p := os.Getenv("CLOUDILLO_CONFIG_PATH"); p != "" {
		return p
	}
	return "cloudillo.toml"
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func runMigrate() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	sub := "up"
	if len(os.Args) >= 3 {
		sub = os.Args[2]
	}
	switch sub {
	case "up":
		return store.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return store.MigrateDown(cfg.Database.URL, logger)
	case "status":
		ver, dirty, err := store.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%v\n", ver, dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate subcommand %q", sub)
	}
}

func runServe() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting to database")
	if err := store.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	db, err := store.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Pool.Close()

	authStore := adapters.NewPostgresAuthStore(db.Pool)
	metaStore := adapters.NewPostgresMetaStore(db.Pool)

	baseTnID, err := ensureBaseTenant(ctx, authStore, cfg.Base.IDTag, cfg.Base.Password)
	if err != nil {
		return fmt.Errorf("bootstrapping base tenant: %w", err)
	}

	b, err := bus.New(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to message bus: %w", err)
	}
	defer b.Close()

	var fanout realtime.Fanout
	var redisClient *redis.Client
	if cfg.Cache.URL != "" {
		opts, err := redis.ParseURL(cfg.Cache.URL)
		if err != nil {
			return fmt.Errorf("parsing cache url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		rf := realtime.NewRedisFanout(redisClient, "cloudillo:rt:", logger)
		fanout = rf
	}
	rtManager := realtime.NewManager(cfg.WebSocket.MaxChannels, fanout)
	if rf, ok := fanout.(*realtime.RedisFanout); ok {
		go func() {
			if err := rf.Run(ctx, rtManager); err != nil && ctx.Err() == nil {
				logger.Error("redis fanout pump stopped", slog.Any("error", err))
			}
		}()
	}

	limiter := ratelimit.New(ratelimit.Config{Limits: ratelimit.DefaultLimits()})

	minter := adapters.NewTokenMinterAdapter(authStore, baseTnID, cfg.Base.IDTag)
	fedCli := fedclient.New(fedclient.Config{Minter: minter, UserAgent: "cloudillo-core/" + version})
	keyCache := fedclient.NewKeyCache(10_000, 10*time.Minute)
	failureCache := fedclient.NewFailureCache(10_000)
	keyFetcher := fedclient.NewKeyFetcher(fedCli, keyCache, failureCache)

	var searchIdx *search.Index
	if cfg.Search.Enabled {
		searchIdx, err = search.New(ctx, cfg.Search.URL, cfg.Search.APIKey)
		if err != nil {
			logger.Warn("search index unavailable, continuing without it", slog.Any("error", err))
			searchIdx = nil
		}
	}

	certMgr, err := certmgr.NewManager(ctx, authStore, certmgr.Config{
		DirectoryURL: cfg.ACME.DirectoryURL,
		ContactEmail: cfg.ACME.Email,
		IDTag:        cfg.Base.IDTag,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("setting up certificate manager: %w", err)
	}

	sched := scheduler.New(adapters.NewSchedulerStore(metaStore), nil)

	sched.Register(action.DeliveryTaskType{
		Store:     adapters.NewActionStoreAdapter(metaStore),
		Deliverer: adapters.NewDeliveryClientAdapter(fedCli),
	})
	sched.Register(certmgr.RenewalTaskType{Manager: certMgr})
	sched.Register(email.TaskType{
		Sender: email.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From),
	})
	profileSyncTask := profilesync.TaskType{
		Store:   adapters.NewProfileSyncStoreAdapter(metaStore),
		Fetcher: adapters.NewProfileSyncFetcherAdapter(fedCli),
	}
	if searchIdx != nil {
		profileSyncTask.Indexer = adapters.NewProfileIndexAdapter(searchIdx)
	}
	sched.Register(profileSyncTask)
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		sched.Register(push.TaskType{
			Store: adapters.NewPushStoreAdapter(metaStore),
			VAPID: push.VAPIDConfig{
				PublicKey:  cfg.Push.VAPIDPublicKey,
				PrivateKey: cfg.Push.VAPIDPrivateKey,
				Contact:    cfg.Push.VAPIDContactEmail,
			},
		})
	}

	workers := scheduler.NewWorkerPool(sched, scheduler.WorkerConfig{
		WorkerID:    hostWorkerID(),
		Concurrency: 4,
		Logger:      logger,
	})
	defer workers.Stop()

	var blobs adapters.BlobStore
	switch cfg.Storage.Type {
	case "s3":
		blobs, err = adapters.NewMinIOBlobStore(ctx, adapters.MinIOConfig{
			Endpoint:  cfg.Storage.Endpoint,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Region:    cfg.Storage.Region,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("connecting to object storage: %w", err)
		}
	default:
		blobs, err = adapters.NewFSBlobStore(cfg.Base.DataDir)
		if err != nil {
			return fmt.Errorf("opening filesystem blob store: %w", err)
		}
	}
	mediaPipeline := media.New(
		adapters.NewMediaBlobStoreAdapter(blobs),
		adapters.NewMediaFileStoreAdapter(metaStore),
	)

	pipeline := action.New(
		adapters.NewActionStoreAdapter(metaStore),
		adapters.NewKeyProviderAdapter(authStore, keyFetcher),
		adapters.NewProfileCheckerAdapter(metaStore, sched),
		adapters.NewAttachmentFetcherAdapter(blobs, fedCli),
		adapters.NewTenantResolverAdapter(authStore),
		sched,
		limiter,
		b,
		rtManager,
		nil,
	)

	srv := httpapi.New(pipeline, authStore, certMgr, rtManager, limiter, cfg, baseTnID, logger)
	srv.Media = mediaPipeline
	if cfg.HTTP.Listen != "" {
		wa, err := webauthn.New(&webauthn.Config{
			RPDisplayName: cfg.Base.IDTag,
			RPID:          cfg.Base.IDTag,
			RPOrigins:     []string{"https://" + cfg.Base.IDTag},
		})
		if err != nil {
			logger.Warn("passkey login unavailable, continuing without it", slog.Any("error", err))
		} else {
			srv.WebAuthn = wa
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("cloudillo-core started", slog.String("id_tag", cfg.Base.IDTag), slog.String("version", version))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}
	workers.Stop()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	return nil
}

func hostWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "cloudillo-core"
	}
	return host
}

// ensureBaseTenant provisions the node's own tenant row on first boot, or
// resolves the existing one. A node runs as a single base tenant plus
// whatever remote identities it caches in profiles.
func ensureBaseTenant(ctx context.Context, auth adapters.AuthStore, idTag, password string) (string, error) {
	tnID, err := auth.TenantByIDTag(ctx, idTag)
	if err == nil {
		return tnID, nil
	}
	tnID, err = auth.CreateTenant(ctx, idTag, "person", password)
	if err != nil {
		return "", err
	}
	key, err := token.GenerateKey(idTag + "#1")
	if err != nil {
		return "", err
	}
	if err := auth.RotateSigningKey(ctx, tnID, key); err != nil {
		return "", err
	}
	return tnID, nil
}
