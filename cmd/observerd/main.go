package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"nuha.dev/presence/internal/observer/fanout"
	"nuha.dev/presence/internal/observer/feedclient"
	"nuha.dev/presence/internal/observer/notify"
	"nuha.dev/presence/internal/observer/storeapi"
	"nuha.dev/presence/internal/observer/webstream"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/web"
	"nuha.dev/presence/internal/web/monitoring"
)

type observerConfig struct {
	StoreURL string `validate:"required,url"`
	FeedURL  string `validate:"required,url"`
	Token    string `validate:"required"`
}

func main() {
	_ = godotenv.Load()
	viper.AutomaticEnv()
	viper.SetDefault("store_url", "http://127.0.0.1:3333")
	viper.SetDefault("feed_url", "ws://127.0.0.1:3334")
	viper.SetDefault("observer_token", "")
	viper.SetDefault("db_url", "")
	viper.SetDefault("dash_addr", ":3000")
	viper.SetDefault("stream_addr", ":3001")
	viper.SetDefault("mon_addr", "127.0.0.1:3002")
	viper.SetDefault("cookie_domain", "")
	viper.SetDefault("freshness_window", presence.DefaultFreshnessWindow)
	viper.SetDefault("debounce", 400*time.Millisecond)
	viper.SetDefault("node", 1)
	viper.SetDefault("mock_token", false)
	viper.SetDefault("telegram_token", "")
	viper.SetDefault("telegram_chat_id", 0)
	viper.SetDefault("suppression", 5*time.Minute)

	cfg := observerConfig{
		StoreURL: viper.GetString("store_url"),
		FeedURL:  viper.GetString("feed_url"),
		Token:    viper.GetString("observer_token"),
	}
	if err := validator.New().Struct(cfg); err != nil {
		panic(err.Error())
	}

	logger := log.With().Str("module", "observerd").Logger()

	sc := storeapi.New(storeapi.Config{BaseURL: cfg.StoreURL, Token: cfg.Token})
	fc := feedclient.New(sc, feedclient.Config{FeedURL: cfg.FeedURL, Token: cfg.Token})
	fan, err := fanout.New(sc, fanout.Config{
		Debounce:        viper.GetDuration("debounce"),
		FreshnessWindow: viper.GetDuration("freshness_window"),
		Node:            uint64(viper.GetInt("node")),
	})
	if err != nil {
		panic(err.Error())
	}

	notifier, err := notify.New(viper.GetString("telegram_token"), viper.GetInt64("telegram_chat_id"), notify.Config{
		Suppression: viper.GetDuration("suppression"),
	})
	if err != nil {
		panic(err.Error())
	}
	if notifier != nil {
		fan.Subscribe("notify", notifier.Observe)
		logger.Info().Msg("telegram alerts enabled")
	}

	status := func() interface{} {
		return map[string]interface{}{
			"feed_health": fc.Health().String(),
			"users":       len(fan.Snapshot()),
			"alerts":      notifier != nil,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		s := <-sigch
		logger.Info().Str("signal", s.String()).Msg("shutting down")
		cancel()
	}()

	go fc.Run(ctx)
	go fan.Run(ctx, fc.Updates())

	mock := viper.GetBool("mock_token")
	var verifier webstream.TokenVerifier
	var webapi *web.Api
	if viper.GetString("db_url") != "" {
		pool, err := pgxpool.Connect(context.Background(), viper.GetString("db_url"))
		if err != nil {
			panic(err.Error())
		}
		webapi = web.NewApi(pool, status, &web.ApiConfig{
			ListenAddr:   viper.GetString("dash_addr"),
			CookieDomain: viper.GetString("cookie_domain"),
		})
		verifier = webapi.Login()
		go webapi.Run()
	} else if !mock {
		logger.Warn().Msg("no db_url set, webstream accepts any token")
		mock = true
	}

	stream := webstream.NewWebstream(fan, verifier, webstream.WebStreamConfig{
		ListenAddr: viper.GetString("stream_addr"),
		MockToken:  mock,
	})
	go stream.Run()

	mon := monitoring.NewMonApi(status, &monitoring.MonitoringConfig{
		ListenAddr: viper.GetString("mon_addr"),
	})
	go mon.Run()

	logger.Info().
		Str("stream", viper.GetString("stream_addr")).
		Str("mon", viper.GetString("mon_addr")).
		Msg("observerd up")

	<-ctx.Done()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	_ = stream.Shutdown(sctx)
	if webapi != nil {
		_ = webapi.Shutdown(sctx)
	}
}
