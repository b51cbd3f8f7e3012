// devstack runs the whole presence pipeline in one process with no
// external dependencies: in-memory store, HTTP api, websocket feed,
// a handful of simulated agents and the observer side with mock
// webstream tokens. Development and demo use only.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/rs/zerolog"

	"nuha.dev/presence/internal/agent/client"
	"nuha.dev/presence/internal/agent/emitter"
	"nuha.dev/presence/internal/agent/intent"
	"nuha.dev/presence/internal/agent/source"
	"nuha.dev/presence/internal/agent/source/sim"
	"nuha.dev/presence/internal/observer/fanout"
	"nuha.dev/presence/internal/observer/feedclient"
	"nuha.dev/presence/internal/observer/storeapi"
	"nuha.dev/presence/internal/observer/webstream"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store/impl/memstore"
	"nuha.dev/presence/internal/storesrv"
	"nuha.dev/presence/internal/web/monitoring"
)

func localURL(scheme, addr string) string {
	if strings.HasPrefix(addr, ":") {
		return scheme + "://127.0.0.1" + addr
	}
	return scheme + "://" + addr
}

func main() {
	api_addr := flag.String("api_address", ":3333", "store api address to listen to")
	feed_addr := flag.String("feed_address", ":3334", "feed server address to listen to")
	stream_addr := flag.String("stream_address", ":3001", "webstream address to listen to")
	mon_addr := flag.String("mon_address", "localhost:3002", "monitoring server address to listen to")
	agents := flag.Int("agents", 3, "simulated agents to run")
	window := flag.Duration("freshness_window", presence.DefaultFreshnessWindow, "staleness window")
	debounce := flag.Duration("debounce", 400*time.Millisecond, "fan-out debounce")
	debug := flag.Bool("debug", true, "sets log level to debug")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.DefaultLogger.Level = log.InfoLevel
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.DefaultLogger.Level = log.DebugLevel
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		<-sigch
		cancel()
	}()

	st := memstore.NewStore()
	auth := storesrv.NewTokenAuth("devstack-secret")
	cursor, err := storesrv.NewCursor("devstack")
	if err != nil {
		panic(err.Error())
	}
	stat := storesrv.NewStat()

	api := storesrv.NewApi(st, auth, nil, stat, &storesrv.ApiConfig{ListenAddr: *api_addr})
	feed := storesrv.NewFeedServer(st, auth, cursor, stat, storesrv.FeedConfig{ListenAddr: *feed_addr, RingSize: 256})
	sweeper := storesrv.NewSweeper(st, *window, 5*time.Second, stat)
	go api.Run()
	go feed.Run(ctx)
	go sweeper.Run(ctx)

	intentDir, err := os.MkdirTemp("", "devstack-intent-")
	if err != nil {
		panic(err.Error())
	}
	defer os.RemoveAll(intentDir)

	storeURL := localURL("http", *api_addr)
	for i := 0; i < *agents; i++ {
		uid := fmt.Sprintf("sim-%d", i)
		tok, err := auth.Mint(uid, storesrv.RoleAgent, 24*time.Hour)
		if err != nil {
			panic(err.Error())
		}
		src := sim.New(sim.Config{Seed: int64(i + 1)})
		filtered := source.NewFilter(src, source.FilterConfig{}, log.DefaultLogger)
		cl := client.New(client.Config{BaseURL: storeURL, Token: tok, UserID: uid}, log.DefaultLogger)
		em := emitter.New(filtered, cl, emitter.Config{}, log.DefaultLogger)
		file := intent.NewStore(filepath.Join(intentDir, uid+".json"))
		rec := intent.NewReconciler(uid, file, grantedPermission{}, em, nil, intent.Config{FreshnessWindow: *window}, log.DefaultLogger)
		if err := rec.StartSharing(ctx); err != nil {
			log.Error().Err(err).Str("user_id", uid).Msg("sim agent failed to start")
			continue
		}
		go rec.Run(ctx)
	}

	observerTok, err := auth.Mint("devstack-observer", storesrv.RoleObserver, 24*time.Hour)
	if err != nil {
		panic(err.Error())
	}
	sc := storeapi.New(storeapi.Config{BaseURL: storeURL, Token: observerTok})
	fc := feedclient.New(sc, feedclient.Config{FeedURL: localURL("ws", *feed_addr), Token: observerTok})
	fan, err := fanout.New(sc, fanout.Config{Debounce: *debounce, FreshnessWindow: *window})
	if err != nil {
		panic(err.Error())
	}
	go fc.Run(ctx)
	go fan.Run(ctx, fc.Updates())

	stream := webstream.NewWebstream(fan, nil, webstream.WebStreamConfig{ListenAddr: *stream_addr, MockToken: true})
	go stream.Run()

	status := func() interface{} {
		return map[string]interface{}{
			"feed_health": fc.Health().String(),
			"users":       len(fan.Snapshot()),
			"store":       stat.Status(),
		}
	}
	mon := monitoring.NewMonApi(status, &monitoring.MonitoringConfig{ListenAddr: *mon_addr})
	go mon.Run()

	fmt.Println("devstack up")
	fmt.Println("  store api :", storeURL)
	fmt.Println("  feed      :", localURL("ws", *feed_addr))
	fmt.Println("  webstream :", localURL("ws", *stream_addr), "(send any token)")
	fmt.Println("  monitoring:", localURL("http", *mon_addr))

	<-ctx.Done()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	_ = stream.Shutdown(sctx)
	_ = api.Shutdown(sctx)
	_ = feed.Shutdown(sctx)
}

type grantedPermission struct{}

func (grantedPermission) Current(ctx context.Context) (intent.Permission, error) {
	return intent.PermissionGranted, nil
}

func (grantedPermission) Request(ctx context.Context) (intent.Permission, error) {
	return intent.PermissionGranted, nil
}
