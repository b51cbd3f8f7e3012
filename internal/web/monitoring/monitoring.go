// Package monitoring serves the observer's internal status on its own
// listener, kept off the public dashboard port.
package monitoring

import (
	"errors"
	"net/http"
	"time"

	"nuha.dev/presence/internal/util"
)

type MonitoringServer struct {
	status func() interface{}
	server *http.Server
}

type MonitoringConfig struct {
	ListenAddr string
}

func NewMonApi(status func() interface{}, config *MonitoringConfig) *MonitoringServer {
	m := &MonitoringServer{}
	m.status = status
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        http.HandlerFunc(m.serve_http),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m
}

func (m *MonitoringServer) Run() {
	err := m.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

func (m *MonitoringServer) serve_http(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, m.status())
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return http.HandlerFunc(m.serve_http)
}
