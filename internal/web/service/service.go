// Package service is the dashboard's call-by-name RPC surface. Handlers
// are plain methods taking (ctx, *Req, *Res) or (ctx, *Res) and are
// dispatched by reflection from POST /func/{name}.
package service

import (
	"encoding/json"
	"net/http"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v4/pgxpool"

	"nuha.dev/presence/internal/util"
)

type ServiceRegistry struct {
	svcs map[string]service
	*validator.Validate
	db *pgxpool.Pool
}

type service struct {
	reqType reflect.Type
	resType reflect.Type
	handler reflect.Value
}

func NewServiceRegistry(db *pgxpool.Pool) *ServiceRegistry {
	svc := &ServiceRegistry{}
	svc.db = db
	svc.svcs = make(map[string]service)
	svc.Validate = validator.New()
	return svc
}

// RegisterService wires every dashboard RPC.
func (sreg *ServiceRegistry) RegisterService() {
	u := &User{db: sreg.db}
	sreg.Add("CreateUser", u.CreateUser)
	sreg.Add("GetUsers", u.GetUsers)
	sreg.Add("SuspendUser", u.SuspendUser)
	sreg.Add("ReinstateUser", u.ReinstateUser)
	sreg.Add("UpdateProfile", u.UpdateProfile)
}

func (sreg *ServiceRegistry) Add(tag string, i interface{}) {
	s := service{}
	s.handler = reflect.ValueOf(i)
	if s.handler.Type().NumIn() == 2 {
		s.reqType = nil
		s.resType = s.handler.Type().In(1).Elem()
	} else {
		s.reqType = s.handler.Type().In(1).Elem()
		s.resType = s.handler.Type().In(2).Elem()
	}
	sreg.svcs[tag] = s
}

func (sreg *ServiceRegistry) Call(tag string, w http.ResponseWriter, r *http.Request) {
	svc, ok := sreg.svcs[tag]
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	ctx := reflect.ValueOf(r.Context())
	response := reflect.New(svc.resType)
	if svc.reqType != nil {
		request := reflect.New(svc.reqType)
		err := json.NewDecoder(r.Body).Decode(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = sreg.Struct(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		svc.handler.Call([]reflect.Value{ctx, request, response})
	} else {
		svc.handler.Call([]reflect.Value{ctx, response})
	}
	util.JsonWrite(w, response.Interface())
}

type BasicResponse struct {
	Status int `json:"status"`
}
