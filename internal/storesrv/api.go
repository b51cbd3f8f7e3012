package storesrv

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
	"nuha.dev/presence/internal/util"
)

type ApiConfig struct {
	ListenAddr string
}

// Profile is the display data observers attach to presence events.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Directory resolves user ids to display profiles. Returns store.ErrNotFound
// for unknown users.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*Profile, error)
}

type UpdateRequest struct {
	UserID    string  `json:"user_id" validate:"required"`
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
	Accuracy  float32 `json:"accuracy" validate:"min=0"`
	Active    bool    `json:"active"`
}

type SetActiveRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Active bool   `json:"active"`
}

type ListResponse struct {
	Now     time.Time         `json:"now"`
	Records []presence.Record `json:"records"`
}

type Api struct {
	r        chi.Router
	s        *http.Server
	config   *ApiConfig
	st       store.PresenceStore
	auth     *TokenAuth
	dir      Directory
	stat     *Stat
	validate *validator.Validate
	log      zerolog.Logger
}

func NewApi(st store.PresenceStore, auth *TokenAuth, dir Directory, stat *Stat, config *ApiConfig) *Api {
	api := &Api{config: config, st: st, auth: auth, dir: dir, stat: stat}
	api.validate = validator.New()
	api.log = log.With().Str("module", "api").Logger()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", api.healthz)
	r.Get("/statusz", api.statusz)
	r.Route("/v1", func(r chi.Router) {
		r.With(auth.Require(RoleAgent)).Post("/presence", api.update)
		r.With(auth.Require(RoleAgent)).Post("/presence/active", api.setActive)
		r.With(auth.Require(RoleAgent)).Delete("/presence/{user_id}", api.unregister)
		r.With(auth.Require(RoleObserver)).Get("/presence", api.list)
		r.With(auth.Require(RoleObserver, RoleAgent)).Get("/presence/{user_id}", api.get)
		r.With(auth.Require(RoleObserver)).Get("/profile/{user_id}", api.profile)
	})
	api.r = r
	api.s = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

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

// allowWrite enforces the single-writer rule: the token subject must own the
// record it writes. Admin tokens may write any record.
func (api *Api) allowWrite(r *http.Request, userID string) bool {
	claims := ClaimsFrom(r.Context())
	if claims == nil {
		return false
	}
	return claims.UserID == userID || claims.Role == RoleAdmin
}

func (api *Api) update(w http.ResponseWriter, r *http.Request) {
	req := UpdateRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = api.validate.Struct(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !api.allowWrite(r, req.UserID) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	rec, err := api.st.Upsert(r.Context(), store.Write{
		UserID:    req.UserID,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Accuracy:  req.Accuracy,
		Active:    req.Active,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalid) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		api.log.Err(err).Str("user_id", req.UserID).Msg("upsert failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	api.stat.WriteEv(1, time.Now())
	util.JsonWrite(w, rec)
}

func (api *Api) setActive(w http.ResponseWriter, r *http.Request) {
	req := SetActiveRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = api.validate.Struct(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !api.allowWrite(r, req.UserID) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	rec, err := api.st.SetActive(r.Context(), req.UserID, req.Active)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		api.log.Err(err).Str("user_id", req.UserID).Msg("set active failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	api.stat.WriteEv(1, time.Now())
	util.JsonWrite(w, rec)
}

func (api *Api) unregister(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "user_id")
	if !api.allowWrite(r, uid) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	err := api.st.Delete(r.Context(), uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		api.log.Err(err).Str("user_id", uid).Msg("unregister failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *Api) get(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "user_id")
	claims := ClaimsFrom(r.Context())
	if claims != nil && claims.Role == RoleAgent && claims.UserID != uid {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	rec, err := api.st.Get(r.Context(), uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		api.log.Err(err).Str("user_id", uid).Msg("get failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	util.JsonWrite(w, rec)
}

func (api *Api) list(w http.ResponseWriter, r *http.Request) {
	ao := r.URL.Query().Get("active_only")
	recs, err := api.st.List(r.Context(), store.Filter{ActiveOnly: ao == "true" || ao == "1"})
	if err != nil {
		api.log.Err(err).Msg("list failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	util.JsonWrite(w, ListResponse{Now: time.Now().UTC(), Records: recs})
}

func (api *Api) profile(w http.ResponseWriter, r *http.Request) {
	if api.dir == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	uid := chi.URLParam(r, "user_id")
	p, err := api.dir.Lookup(r.Context(), uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		api.log.Err(err).Str("user_id", uid).Msg("profile lookup failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	util.JsonWrite(w, p)
}

func (api *Api) healthz(w http.ResponseWriter, r *http.Request) {
	if err := api.st.Ping(r.Context()); err != nil {
		api.log.Err(err).Msg("store unreachable")
		w.WriteHeader(http.StatusServiceUnavailable)
		util.JsonWrite(w, map[string]string{"status": "unavailable"})
		return
	}
	util.JsonWrite(w, map[string]string{"status": "ok"})
}

func (api *Api) statusz(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, api.stat.Status())
}
