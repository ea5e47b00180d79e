package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"retail-pos/internal/config"
	apphttp "retail-pos/internal/http"
	"retail-pos/internal/repository/sqlite"
	"retail-pos/internal/service"
	"retail-pos/internal/snapshot"
	"retail-pos/internal/storage"
	"retail-pos/internal/store"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}

	passwords, err := service.NewPasswordVerifier(service.PasswordMode(cfg.Auth.PasswordHashing))
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}
	if passwords.Mode() == service.PasswordPlaintext {
		logger.Warn("passwords are stored and compared in plaintext; set auth.passwordhashing=bcrypt to hash them")
	}

	jwtSecret := strings.TrimSpace(cfg.Auth.JWTSecret)
	if jwtSecret == "" {
		jwtSecret = uuid.NewString()
		logger.Warn("auth jwt secret not configured; tokens will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := storage.OpenBadger(storage.BadgerConfig{Dir: cfg.Storage.DataDir, Logger: logger})
	if err != nil {
		logger.Fatalf("open local storage: %v", err)
	}
	defer kv.Close()

	remote, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup backup storage: %v", err)
	}

	guard := sqlite.NewGuard(sqlite.GuardConfig{
		AdminUsername:  cfg.Auth.AdminUsername,
		AdminPassword:  cfg.Auth.AdminPassword,
		EncodePassword: passwords.Encode,
		Logger:         logger,
	})

	storeCfg := store.Config{
		Interval:     time.Duration(cfg.Storage.AutosaveSeconds) * time.Second,
		ExportDir:    cfg.Storage.ExportDir,
		Clock:        clock.WallClock,
		Logger:       logger,
		RemoteBucket: cfg.Backup.Bucket,
		RemotePrefix: cfg.Backup.KeyPrefix,
	}
	if remote != nil {
		storeCfg.Remote = remote
	}
	manager := store.NewManager(storeCfg, snapshot.NewCodec(), kv, guard)
	if err := manager.Initialize(ctx); err != nil {
		logger.Fatalf("initialize store: %v", err)
	}

	sessions := service.NewSessionService(manager, kv, service.SessionConfig{
		Passwords: passwords,
		Logger:    logger,
	})
	manager.OnReplace(func(ctx context.Context) {
		if err := sessions.Revalidate(ctx); err != nil {
			logger.Warnf("revalidate session after import: %v", err)
		}
	})
	manager.OnSave(func(ev store.SaveEvent) {
		logger.WithField("reason", ev.Reason).Debugf("store saved (%d bytes)", ev.Size)
	})

	if ok, err := sessions.RestoreSession(ctx); err != nil {
		logger.Warnf("restore session: %v", err)
	} else if ok {
		logger.Infof("resumed session for %s", sessions.CurrentUser().Username)
	}

	manager.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	tokens := apphttp.NewTokenIssuer([]byte(jwtSecret), time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute)
	handler := apphttp.NewHandler(sessions, manager, tokens, logger, cfg.Server.AllowedOrigins...)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("store shutdown: %v", err)
	}

	logger.Info("bye")
}

// buildStorage returns the remote backup mirror, or nil when no bucket is configured.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*storage.S3Service, error) {
	if cfg.Backup.Bucket == "" {
		logger.Info("remote backup disabled (no bucket configured)")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Backup.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Backup.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Backup.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("mirroring exports to s3 bucket %s (region %s)", cfg.Backup.Bucket, cfg.Backup.Region)
	return storage.NewS3Service(client), nil
}
