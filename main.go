package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PPresence/global/config"
	"PPresence/logger"
	"PPresence/middleware"
	"PPresence/service/api"
	"PPresence/service/auth"
	"PPresence/service/fanout"
	"PPresence/service/gateway"
	"PPresence/service/identity"
	"PPresence/service/messaging"
	"PPresence/service/scheduler"
	"PPresence/service/session"
	"PPresence/service/shutdown"
	"PPresence/service/storage"
	redisx "PPresence/service/storage/redis"
	"PPresence/tools/errs"
	"PPresence/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("PRESENCE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("config", zap.Error(err))
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.JSON)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ===== 共享存储 =====
	if err := redisx.InitRedis(ctx, redisx.Config{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		ClientName: cfg.Redis.ClientName,
	}); err != nil {
		return err
	}
	rdb := redisx.GetRedis()

	loader, closeLoader, err := newLoader(ctx, cfg.Identity)
	if err != nil {
		_ = redisx.CloseRedis()
		return err
	}
	users := identity.NewRedisCache(rdb, cfg.Keys.Prefix, cfg.Identity.CacheTTL, loader)

	keys := storage.NewKeys(cfg.Keys.Prefix)
	sockets := storage.NewSocketRegistry(rdb, keys, cfg.Registry.TTL, cfg.Registry.ScanPage)
	presence := storage.NewPresence(rdb, keys, sockets, users)

	// ===== 鉴权 =====
	authCfg := auth.Config{CookieName: cfg.Session.CookieName, Secrets: cfg.Session.Secrets}
	if cfg.JWT.Secret != "" {
		opts := security.DefaultOptions([]byte(cfg.JWT.Secret))
		opts.Alg = cfg.JWT.Alg
		authCfg.JWT = &opts
	}
	authenticator := auth.New(session.NewRedisStore(rdb, cfg.Session.KeyPrefix), authCfg)

	// ===== 扇出 =====
	bus, err := newBus(rdb, cfg)
	if err != nil {
		closeLoader()
		_ = redisx.CloseRedis()
		return err
	}
	adapter := fanout.NewAdapter(bus, fanout.Options{
		ProcessID:     cfg.ProcessID,
		ChannelPrefix: cfg.Fanout.ChannelPrefix,
		Namespaces:    cfg.Gateway.Namespaces,
		AckRetention:  cfg.Fanout.AckRetention,
	})
	if err := adapter.Start(ctx); err != nil {
		_ = bus.Close()
		closeLoader()
		_ = redisx.CloseRedis()
		return err
	}
	emitter := messaging.NewEmitter(adapter, sockets, config.DefaultNamespace)

	// ===== 网关 =====
	gw := gateway.New(gateway.Config{
		ProcessID:         cfg.ProcessID,
		PingInterval:      cfg.Gateway.PingInterval,
		PongWait:          cfg.Gateway.PongWait,
		WriteWait:         cfg.Gateway.WriteWait,
		SendQueue:         cfg.Gateway.SendQueue,
		ReadLimit:         cfg.Gateway.ReadLimit,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
	}, authenticator, sockets, presence, adapter)
	admin := gateway.NewAdminRooms(gateway.AdminConfig{
		Room:      cfg.Gateway.AdminRoom,
		Namespace: cfg.Gateway.AdminNamespace,
		Roles:     cfg.Gateway.AdminRoles,
	}, users, sockets, gw)
	admin.Attach()

	roleSub := redisx.NewNamedSubscriber(rdb, cfg.ProcessID, redisx.RolesSuffix)
	watcher := identity.NewRoleWatcher(roleSub,
		identity.RoleChannel(cfg.Keys.Prefix), users, admin.OnRoleChange)
	sched := scheduler.New(scheduler.Config{Interval: cfg.Scheduler.Interval, Room: cfg.Gateway.AdminRoom},
		presence, emitter.In(messaging.AllNamespaces))

	// ===== HTTP =====
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	mids := middleware.NewManager()
	mids.Add(middleware.Recover(), middleware.AccessLog())
	engine.Use(mids.Use())
	gw.Register(engine)
	apiGroup := engine.Group("/", middleware.Origin(cfg.Gateway.AllowedOrigins))
	api.New(api.Deps{
		Presence:      presence,
		Sockets:       sockets,
		Emitter:       emitter,
		Draining:      authenticator.Draining,
		InternalToken: cfg.API.InternalToken,
	}).Register(apiGroup)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: engine, ReadHeaderTimeout: 10 * time.Second}

	coord := shutdown.New(cfg.Shutdown.Timeout, authenticator, adapter, gw)
	coord.AddCloser("http", func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	coord.AddCloser("fanout", adapter.Close)
	coord.AddCloser("identity", func() error { closeLoader(); return nil })
	coord.AddCloser("role-watcher", roleSub.Close)
	coord.AddCloser("redis", redisx.CloseRedis)

	// ===== 运行 =====
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("[main] http listening", zap.String("addr", cfg.HTTP.Addr), zap.String("process_id", cfg.ProcessID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errs.WrapMsg(err, "http serve", "addr", cfg.HTTP.Addr)
		}
		return nil
	})
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil {
			// role changes then only apply on reconnect
			logger.Error("[main] role watcher stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("[main] shutting down")
		return coord.Shutdown(context.Background())
	})
	return g.Wait()
}

func newBus(rdb *redis.Client, cfg config.AppConfig) (fanout.Bus, error) {
	if cfg.Fanout.Transport == "nats" {
		nb, err := fanout.NewNATSBus(fanout.NATSConfig{
			Servers: cfg.Fanout.NATS.Servers,
			Name:    cfg.ProcessID,
			User:    cfg.Fanout.NATS.User,
			Pass:    cfg.Fanout.NATS.Pass,
		})
		if err != nil {
			return nil, err
		}
		return nb, nil
	}
	return fanout.NewRedisBus(rdb, cfg.ProcessID), nil
}

func newLoader(ctx context.Context, c config.IdentityConfig) (identity.Loader, func(), error) {
	switch c.Loader {
	case "mongo":
		l, err := identity.NewMongoLoader(ctx, identity.MongoConfig{
			URI: c.Mongo.URI, Database: c.Mongo.Database, Collection: c.Mongo.Collection,
		})
		if err != nil {
			return nil, nil, err
		}
		return l, func() {
			cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = l.Close(cctx)
		}, nil
	case "postgres":
		l, err := identity.NewPostgresLoader(ctx, c.Postgres.DSN, c.Postgres.Table)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	default:
		// cache only: profiles are written by the session layer
		return nil, func() {}, nil
	}
}
