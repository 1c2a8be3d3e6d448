package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/celerix-guard/internal/api"
	"github.com/celerix-dev/celerix-guard/internal/config"
	"github.com/celerix-dev/celerix-guard/internal/engine"
	"github.com/celerix-dev/celerix-guard/internal/guard"
	"github.com/celerix-dev/celerix-guard/internal/onebot"
	"github.com/celerix-dev/celerix-guard/internal/review"
	"github.com/celerix-dev/celerix-guard/internal/server"
	"github.com/celerix-dev/celerix-guard/internal/vault"
	pkgengine "github.com/celerix-dev/celerix-guard/pkg/engine"
)

func main() {
	// 1. Configuration and logging
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("starting celerix guard daemon")

	// 2. Blacklist
	bans, err := openBanStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open ban store", zap.String("backend", cfg.Ban.Backend), zap.Error(err))
	}

	// 3. OneBot client and bot identity
	client := onebot.NewClient(onebot.Options{
		BaseURL:     cfg.OneBot.APIURL,
		AccessToken: cfg.OneBot.AccessToken,
		Logger:      logger,
	})
	selfID := cfg.OneBot.SelfID
	if selfID == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		selfID, err = client.SelfID(ctx)
		cancel()
		if err != nil {
			logger.Warn("could not look up bot account, mentions of the bot rely on self_id in events", zap.Error(err))
		} else {
			logger.Info("bot account resolved", zap.String("self_id", selfID))
		}
	}

	// 4. Verification, review and dispatch
	manager := guard.NewManager(cfg.GuardSettings(), client, guard.WithLogger(logger))
	dispatcher := &guard.Dispatcher{
		Manager:   manager,
		BanPolicy: cfg.BanPolicy(),
		Logger:    logger.Named("dispatch"),
	}
	if cfg.Ban.Enabled {
		dispatcher.Bans = bans
	}
	var reviewer *review.Reviewer
	if cfg.Review.Enabled {
		reviewer = review.NewReviewer(cfg.ReviewPolicy(), client, review.WithLogger(logger))
		dispatcher.Reviewer = reviewer
	}

	// 5. HTTP: webhook and admin API
	if !cfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), api.AccessLog(logger.Named("http")))
	h := &api.Handler{
		Bans:       bans,
		Pending:    manager,
		Events:     dispatcher,
		Secret:     cfg.OneBot.Secret,
		SelfID:     selfID,
		AdminToken: cfg.AdminToken,
		Logger:     logger.Named("webhook"),
	}
	h.Register(r)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	// 6. TCP admin router
	var router *server.Router
	if cfg.AdminAddr != "" {
		router = server.NewRouter(bans, manager, logger)
		if cfg.AdminTLS {
			cert, err := vault.GenerateSelfSignedCert()
			if err != nil {
				logger.Fatal("failed to generate TLS certificate", zap.Error(err))
			}
			router.SetCertificate(cert)
		}
	}

	// 7. Run until a signal arrives or a server fails
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if router != nil {
		g.Go(func() error {
			if err := router.Listen(cfg.AdminAddr); err != nil {
				return fmt.Errorf("admin listener: %w", err)
			}
			return nil
		})
	}
	if cfg.OneBot.WSURL != "" {
		feed := &onebot.EventFeed{
			URL:         cfg.OneBot.WSURL,
			AccessToken: cfg.OneBot.AccessToken,
			SelfID:      selfID,
			Handle:      func(ctx context.Context, ev guard.Event) { dispatcher.Dispatch(ctx, ev) },
			Logger:      logger,
		}
		g.Go(func() error { return feed.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if router != nil {
			router.Stop()
		}
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	// 8. Cancel every pending timeout and flush the blacklist
	manager.Shutdown()
	if reviewer != nil {
		reviewer.Close()
	}
	if err := bans.Close(); err != nil {
		logger.Error("closing ban store", zap.Error(err))
	}
	if runErr != nil {
		logger.Fatal("daemon stopped with error", zap.Error(runErr))
	}
	logger.Info("daemon stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func openBanStore(cfg *config.Config, logger *zap.Logger) (pkgengine.BanStore, error) {
	if cfg.Ban.Backend == "sqlite" {
		return engine.OpenSQLiteBanStore(cfg.Ban.SQLitePath, cfg.Ban.InitialList, logger)
	}

	persister, err := engine.NewPersistence(cfg.Ban.DataDir)
	if err != nil {
		return nil, err
	}
	stored, err := persister.LoadBans()
	if err != nil {
		logger.Warn("could not load existing ban list", zap.Error(err))
	}
	bans := engine.NewBanList(append(stored, cfg.Ban.InitialList...), persister, logger)
	list, _ := bans.List()
	logger.Info("ban list loaded", zap.Int("count", len(list)))
	return bans, nil
}
