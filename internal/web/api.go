// Package web hosts the dashboard HTTP api: login and session
// endpoints, user management RPCs behind csrf, and an observer status
// page.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/presence/internal/util"
	"nuha.dev/presence/internal/web/login"
	"nuha.dev/presence/internal/web/service"
)

type ApiConfig struct {
	ListenAddr   string
	CookieDomain string
}

// StatusSource supplies the /statusz payload, wired by the observer.
type StatusSource func() interface{}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    zerolog.Logger
	login  *login.LoginHandler
}

func NewApi(db *pgxpool.Pool, status StatusSource, config *ApiConfig) *Api {
	api := &Api{config: config}
	api.log = log.With().Str("module", "webapi").Logger()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-XSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	svc := service.NewServiceRegistry(db)
	svc.RegisterService()
	login_handler := login.NewLoginHandler(db, config.CookieDomain)
	api.login = login_handler

	r.Post("/func/login", login_handler.Login)
	r.With(xsrf_verify).Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
		f := chi.URLParam(r, "name")
		switch f {
		case "InitPassword":
			login_handler.InitPassword(w, r)
		case "GetWsToken":
			login_handler.GetWsToken(w, r)
		case "Logout":
			login_handler.Logout(w, r)
		default:
			svc.Call(f, w, r)
		}
	})
	if status != nil {
		r.Get("/statusz", func(w http.ResponseWriter, r *http.Request) {
			util.JsonWrite(w, status())
		})
	}

	api.r = r
	s := &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	api.s = s
	return api
}

// Login exposes the session service for the webstream's token check.
func (api *Api) Login() *login.LoginHandler { return api.login }

func (api *Api) Handler() http.Handler { return api.r }

func (api *Api) Run() {
	err := api.s.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func xsrf_verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hsrf := r.Header.Get("X-XSRF-TOKEN")
		ct, err1 := r.Cookie("GSURF")
		var cookie_token string
		if err1 == nil {
			cookie_token = ct.Value
		}
		if err1 != nil || hsrf == "" || hsrf != cookie_token {
			log.Debug().Err(err1).Str("header_token", hsrf).Msg("mismatched csrf token")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
