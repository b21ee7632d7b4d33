package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/bridge"
	"callbridge/internal/campaign"
	"callbridge/internal/config"
	"callbridge/internal/httpapi"
	"callbridge/internal/lock"
	"callbridge/internal/reporting"
	"callbridge/internal/store"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"
	"callbridge/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	if err := httpapi.RegisterValidators(); err != nil {
		return err
	}

	dialect := store.DialectPostgres
	if cfg.DB.Driver == "sqlite" {
		dialect = store.DialectSQLite
	}
	db, err := utils.OpenDB(ctx, dialect.DriverName(), cfg.DSN(), utils.PoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.NewSQLStore(db, dialect)
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// Redis is optional outside production; without it locks and the call cap
	// are process-local.
	var rdb *redis.Client
	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: addr})
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	legs, err := telephony.NewTwilioLegController(telephony.TwilioConfig{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
	}, log)
	if err != nil {
		return err
	}

	sink, err := newCampaignSink(cfg.Campaign, log)
	if err != nil {
		return err
	}

	auditSvc := audit.NewService(audit.NewSQLRepo(db, dialect))
	deps := bridge.Deps{
		Store: st,
		Legs:  legs,
		Audit: auditSvc,
		Sink:  sink,
		Log:   log,
	}
	if rdb != nil {
		deps.Locker = lock.NewRedisLocker(rdb, lock.RedisConfig{Log: log})
		// MAX_ACTIVE_CALLS=0 disables the cap.
		if cfg.Limits.MaxActiveCalls > 0 {
			deps.Cap = bridge.NewRedisCap(rdb, "", cfg.Limits.MaxActiveCalls, cfg.Limits.ActiveCallTTL)
		}
	} else {
		deps.Locker = lock.NewKeyedMutex()
		log.Warn("redis not configured, using process-local locks and no active call cap")
	}

	svc, err := bridge.NewService(bridge.Config{
		PublicBaseURL: cfg.App.PublicBaseURL,
		CallerNumber:  cfg.Twilio.CallerNumber,
		Voice:         telephony.Voice{Name: cfg.Voice.Name, Language: cfg.Voice.Language},
		GreetingText:  cfg.Voice.GreetingText,
		BridgeText:    cfg.Voice.BridgeText,
		GatherTimeout: cfg.Voice.GatherTimeout,
	}, deps)
	if err != nil {
		return err
	}
	defer svc.Wait()

	limiter := httpapi.NewRateLimiter(httpapi.RateLimiterConfig{
		Rate:  rate.Limit(cfg.Limits.RatePerSecond),
		Burst: cfg.Limits.RateBurst,
	})
	defer limiter.Stop()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		db:       db,
		authMW:   auth.RequireAccessToken(authManager),
		limiter:  limiter,
		handlers: httpapi.Handlers{Auth: authManager, Calls: svc, Reports: reporting.NewService(st), Audit: auditSvc},
		webhooks: httpapi.WebhookHandlers{Calls: svc},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "db", cfg.DB.Driver, "redis", rdb != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
		return nil
	})
	return g.Wait()
}

func newCampaignSink(cfg config.CampaignConfig, log *slog.Logger) (campaign.Sink, error) {
	if cfg.GraphQLURL == "" {
		log.Info("campaign reporting disabled")
		return campaign.NoopSink{Log: log}, nil
	}
	return campaign.NewGraphQLSink(campaign.GraphQLConfig{
		URL:                        cfg.GraphQLURL,
		AdminSecret:                cfg.AdminSecret,
		Timeout:                    cfg.Timeout,
		RetryAttempts:              cfg.RetryMax,
		BreakerConsecutiveFailures: cfg.BreakerFails,
	}, log)
}

// readiness reports whether the database answers within a short timeout.
func readiness(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			logger.FromGin(c).Warn("readiness check failed", "err", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
