package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/vanish/internal/auth"
	"github.com/MarcoPoloResearchLab/vanish/internal/config"
	"github.com/MarcoPoloResearchLab/vanish/internal/database"
	"github.com/MarcoPoloResearchLab/vanish/internal/logging"
	"github.com/MarcoPoloResearchLab/vanish/internal/notes"
	"github.com/MarcoPoloResearchLab/vanish/internal/server"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer          = "vanish-api"
	tokenAudience        = "vanish-owner"
	shutdownTimeout      = 10 * time.Second
	limiterCleanupPeriod = time.Minute
)

// noteStore couples a store with the release of its underlying connection.
type noteStore struct {
	notes.Store
	close func() error
}

func openStore(cfg config.AppConfig, logger *zap.Logger) (noteStore, error) {
	if cfg.StoreDriver == config.StoreDriverRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store, err := notes.NewRedisStore(notes.RedisStoreConfig{
			Client:    client,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			_ = client.Close()
			return noteStore{}, err
		}
		logger.Info("redis store configured", zap.String("address", cfg.RedisAddress))
		return noteStore{Store: store, close: client.Close}, nil
	}

	db, err := database.Open(database.Config{
		Driver:      cfg.StoreDriver,
		Path:        cfg.DatabasePath,
		DSN:         cfg.DatabaseDSN,
		ReplicaDSNs: cfg.ReplicaDSNs,
	}, logger)
	if err != nil {
		return noteStore{}, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return noteStore{}, err
	}
	store, err := notes.NewGormStore(db)
	if err != nil {
		_ = sqlDB.Close()
		return noteStore{}, err
	}
	return noteStore{Store: store, close: sqlDB.Close}, nil
}

func newTokenIssuer(cfg config.AppConfig, logger *zap.Logger) (*auth.TokenIssuer, error) {
	secret := []byte(cfg.SigningSecret)
	if len(secret) == 0 {
		generated, err := auth.GenerateSigningSecret()
		if err != nil {
			return nil, err
		}
		secret = generated
		logger.Warn("auth.signing_secret not set; owner tokens will not survive a restart")
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: secret,
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		IDProvider:    notes.NewUUIDProvider(),
	})
}

func loadRuntime(configViper *viper.Viper) (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(configViper)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context, configViper *viper.Viper) error {
	appConfig, logger, err := loadRuntime(configViper)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer store.close() //nolint:errcheck

	tokens, err := newTokenIssuer(appConfig, logger)
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	notesService, err := notes.NewService(notes.ServiceConfig{
		Store:         store,
		Clock:         time.Now,
		CodeGenerator: notes.NewRandomCodeGenerator(),
		OwnerTokens:   tokens,
		Gone:          realtime,
		MaxLifetime:   appConfig.MaxLifetime(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer notesService.Close()

	limiter := server.NewRateLimiter(time.Now)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		NotesService: notesService,
		Realtime:     realtime,
		RateLimiter:  limiter,
		RateLimits: server.RateLimits{
			CreateLimit:  appConfig.RateLimits.CreateLimit,
			CreateWindow: appConfig.RateLimits.CreateWindow,
			FetchLimit:   appConfig.RateLimits.FetchLimit,
			FetchWindow:  appConfig.RateLimits.FetchWindow,
		},
		BaseURL:         appConfig.BaseURL,
		TrustedProxies:  appConfig.TrustedProxies,
		TrustedPlatform: appConfig.TrustedPlatform,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := notes.NewSweeper(notesService, appConfig.SweepInterval, logger)
	sweeper.Start(signalCtx)
	defer sweeper.Stop()

	go limiter.RunCleanup(signalCtx, limiterCleanupPeriod)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store", appConfig.StoreDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runSweep(ctx context.Context, configViper *viper.Viper, out io.Writer) error {
	appConfig, logger, err := loadRuntime(configViper)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer store.close() //nolint:errcheck

	notesService, err := notes.NewService(notes.ServiceConfig{
		Store:         store,
		CodeGenerator: notes.NewRandomCodeGenerator(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer notesService.Close()

	removed, err := notesService.Sweep(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "swept %d expired notes\n", removed)
	return err
}
