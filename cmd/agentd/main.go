package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/phuslu/log"
	"github.com/spf13/viper"

	"nuha.dev/presence/internal/agent/client"
	"nuha.dev/presence/internal/agent/emitter"
	"nuha.dev/presence/internal/agent/intent"
	"nuha.dev/presence/internal/agent/source"
	"nuha.dev/presence/internal/agent/source/gpsd"
	"nuha.dev/presence/internal/agent/source/sim"
	"nuha.dev/presence/internal/agent/supervisor"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/util"
)

type agentConfig struct {
	StoreURL   string `validate:"required,url"`
	Token      string `validate:"required"`
	UserID     string `validate:"required"`
	Source     string `validate:"oneof=sim gpsd"`
	IntentPath string `validate:"required"`
}

// grantedPermission is the plain-Linux permission surface: there is no
// location permission broker on this host, the grant always stands.
type grantedPermission struct{}

func (grantedPermission) Current(ctx context.Context) (intent.Permission, error) {
	return intent.PermissionGranted, nil
}

func (grantedPermission) Request(ctx context.Context) (intent.Permission, error) {
	return intent.PermissionGranted, nil
}

// selfReader adapts the store client to the reconciler's read contract,
// where a missing record is (nil, nil) rather than an error.
type selfReader struct{ c *client.Client }

func (s selfReader) Self(ctx context.Context) (*presence.Record, error) {
	rec, err := s.c.Self(ctx)
	if errors.Is(err, client.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func main() {
	_ = godotenv.Load()
	viper.AutomaticEnv()
	viper.SetDefault("store_url", "http://127.0.0.1:3333")
	viper.SetDefault("agent_token", "")
	viper.SetDefault("user_id", "")
	viper.SetDefault("source", "sim")
	viper.SetDefault("gpsd_addr", "127.0.0.1:2947")
	viper.SetDefault("sim_lat", 0.0)
	viper.SetDefault("sim_lng", 0.0)
	viper.SetDefault("intent_path", "agent-intent.json")
	viper.SetDefault("throttle", 5*time.Second)
	viper.SetDefault("liveness", 40*time.Second)
	viper.SetDefault("freshness_window", presence.DefaultFreshnessWindow)
	viper.SetDefault("wake_interval", 35*time.Second)
	viper.SetDefault("control_addr", "127.0.0.1:3340")

	cfg := agentConfig{
		StoreURL:   viper.GetString("store_url"),
		Token:      viper.GetString("agent_token"),
		UserID:     viper.GetString("user_id"),
		Source:     viper.GetString("source"),
		IntentPath: viper.GetString("intent_path"),
	}
	if err := validator.New().Struct(cfg); err != nil {
		panic(err.Error())
	}

	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "agentd").Str("user_id", cfg.UserID).Value()

	var src source.Source
	switch cfg.Source {
	case "gpsd":
		src = gpsd.New(gpsd.Config{Addr: viper.GetString("gpsd_addr")}, log.DefaultLogger)
	default:
		src = sim.New(sim.Config{
			Latitude:  viper.GetFloat64("sim_lat"),
			Longitude: viper.GetFloat64("sim_lng"),
		})
	}
	filtered := source.NewFilter(src, source.FilterConfig{}, log.DefaultLogger)

	cl := client.New(client.Config{
		BaseURL: cfg.StoreURL,
		Token:   cfg.Token,
		UserID:  cfg.UserID,
	}, log.DefaultLogger)

	var sup *supervisor.Supervisor
	em := emitter.New(filtered, cl, emitter.Config{
		Throttle: viper.GetDuration("throttle"),
		Liveness: viper.GetDuration("liveness"),
		Degraded: func(consecutive int) {
			if sup != nil {
				sup.OnDegraded(consecutive)
			}
		},
	}, log.DefaultLogger)

	file := intent.NewStore(cfg.IntentPath)
	rec := intent.NewReconciler(cfg.UserID, file, grantedPermission{}, em, selfReader{cl}, intent.Config{
		FreshnessWindow: viper.GetDuration("freshness_window"),
	}, log.DefaultLogger)

	plat := supervisor.NewHostPlatform(log.DefaultLogger)
	sup = supervisor.New(plat, rec, supervisor.Config{
		WakeInterval: viper.GetDuration("wake_interval"),
	}, log.DefaultLogger)

	status := func() interface{} {
		return map[string]interface{}{
			"user_id":    cfg.UserID,
			"sharing":    rec.Sharing(),
			"reporting":  em.Running(),
			"supervisor": sup.Status(),
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/func/{name}", func(w http.ResponseWriter, req *http.Request) {
		var err error
		switch chi.URLParam(req, "name") {
		case "StartSharing":
			err = rec.StartSharing(req.Context())
		case "StopSharing":
			err = rec.StopSharing(req.Context())
		case "SignOut":
			err = rec.SignOut(req.Context())
		default:
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		if errors.Is(err, intent.ErrPermission) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		util.JsonWrite(w, map[string]bool{"ok": true})
	})
	r.Get("/statusz", func(w http.ResponseWriter, req *http.Request) {
		util.JsonWrite(w, status())
	})
	ctrl := &http.Server{
		Addr:           viper.GetString("control_addr"),
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		err := ctrl.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		s := <-sigch
		logger.Info().Str("signal", s.String()).Msg("shutting down")
		cancel()
	}()

	logger.Info().Str("control", viper.GetString("control_addr")).Str("source", cfg.Source).Msg("agentd up")
	if err := sup.Run(ctx); err != nil {
		panic(err.Error())
	}
	// teardown is not a stop: the record stays active and persisted
	// intent resumes reporting on the next start
	em.Abort()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	_ = ctrl.Shutdown(sctx)
}
