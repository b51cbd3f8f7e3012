package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
	"nuha.dev/presence/internal/store/impl/logstore"
	"nuha.dev/presence/internal/store/impl/memstore"
	"nuha.dev/presence/internal/store/impl/pgstore"
	"nuha.dev/presence/internal/store/impl/redisstore"
	"nuha.dev/presence/internal/storesrv"
	"nuha.dev/presence/internal/web/login"
)

func main() {
	_ = godotenv.Load()
	viper.AutomaticEnv()
	viper.SetDefault("db_url", "")
	viper.SetDefault("redis_url", "")
	viper.SetDefault("api_addr", ":3333")
	viper.SetDefault("feed_addr", ":3334")
	viper.SetDefault("token_secret", "presence-dev-secret")
	viper.SetDefault("cursor_salt", "presence-feed")
	viper.SetDefault("freshness_window", presence.DefaultFreshnessWindow)
	viper.SetDefault("sweep_interval", 30*time.Second)
	viper.SetDefault("feed_ring", 1024)
	viper.SetDefault("proxy_protocol", false)
	viper.SetDefault("log_writes", false)
	viper.SetDefault("nats_url", "")
	viper.SetDefault("nats_subject", storesrv.DefaultChangeSubject)

	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "presenced").Value()

	var st store.PresenceStore
	var dir storesrv.Directory
	switch {
	case viper.GetString("db_url") != "":
		pool, err := pgxpool.Connect(context.Background(), viper.GetString("db_url"))
		if err != nil {
			panic(err.Error())
		}
		st = pgstore.NewStore(pool)
		// profile lookups resolve against the dashboard user table
		dir = login.NewLoginHandler(pool, "")
		logger.Info().Msg("using postgres store")
	case viper.GetString("redis_url") != "":
		opts, err := redis.ParseURL(viper.GetString("redis_url"))
		if err != nil {
			panic(err.Error())
		}
		st = redisstore.NewStore(redis.NewClient(opts))
		logger.Info().Msg("using redis store")
	default:
		st = memstore.NewStore()
		logger.Warn().Msg("no db_url or redis_url set, records are in-memory only")
	}
	if viper.GetBool("log_writes") {
		st = logstore.NewStore(st)
	}

	auth := storesrv.NewTokenAuth(viper.GetString("token_secret"))
	cursor, err := storesrv.NewCursor(viper.GetString("cursor_salt"))
	if err != nil {
		panic(err.Error())
	}
	stat := storesrv.NewStat()

	window := viper.GetDuration("freshness_window")
	sweeper := storesrv.NewSweeper(st, window, viper.GetDuration("sweep_interval"), stat)
	api := storesrv.NewApi(st, auth, dir, stat, &storesrv.ApiConfig{
		ListenAddr: viper.GetString("api_addr"),
	})
	feed := storesrv.NewFeedServer(st, auth, cursor, stat, storesrv.FeedConfig{
		ListenAddr:    viper.GetString("feed_addr"),
		ProxyProtocol: viper.GetBool("proxy_protocol"),
		RingSize:      viper.GetInt("feed_ring"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		s := <-sigch
		logger.Info().Str("signal", s.String()).Msg("shutting down")
		cancel()
	}()

	go sweeper.Run(ctx)
	if viper.GetString("nats_url") != "" {
		nc, err := nats.Connect(viper.GetString("nats_url"))
		if err != nil {
			panic(err.Error())
		}
		defer nc.Close()
		bridge := storesrv.NewNatsBridge(nc, st, viper.GetString("nats_subject"))
		go bridge.Run(ctx)
	}
	go feed.Run(ctx)
	go api.Run()
	logger.Info().Str("api", viper.GetString("api_addr")).Str("feed", viper.GetString("feed_addr")).Msg("presenced up")

	<-ctx.Done()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	_ = api.Shutdown(sctx)
	_ = feed.Shutdown(sctx)
}
