// Package webstream streams enriched presence events to dashboard
// websockets. Each connection authenticates with a ws token, receives a
// full snapshot and is then fed live events from the fan-out bus.
package webstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"nuha.dev/presence/internal/observer/fanout"
)

// TokenVerifier checks a dashboard ws token, implemented by the login
// service. Returns the owning username.
type TokenVerifier interface {
	VerifyWsToken(ctx context.Context, token string) (string, error)
}

type WebStreamConfig struct {
	ListenAddr string
	// MockToken skips token validation, for local development only.
	MockToken bool
	// IdleTimeout closes connections with no client frames. Dashboards
	// send a ping frame well inside this window.
	IdleTimeout time.Duration
}

type frame struct {
	Type   string         `json:"type"`
	Events []fanout.Event `json:"events,omitempty"`
	Event  *fanout.Event  `json:"event,omitempty"`
}

type WebstreamServer struct {
	server *http.Server
	logger zerolog.Logger
	fan    *fanout.Fanout
	auth   TokenVerifier
	config WebStreamConfig
}

func NewWebstream(fan *fanout.Fanout, auth TokenVerifier, config WebStreamConfig) *WebstreamServer {
	o := &WebstreamServer{config: config}
	if o.config.IdleTimeout == 0 {
		o.config.IdleTimeout = 60 * time.Second
	}
	o.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        http.HandlerFunc(o.serve_http),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	o.logger = log.With().Str("module", "webstream").Logger()
	o.fan = fan
	o.auth = auth
	return o
}

func (ws *WebstreamServer) Run() {
	err := ws.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

func (ws *WebstreamServer) Shutdown(ctx context.Context) error {
	return ws.server.Shutdown(ctx)
}

// Handler exposes the websocket endpoint for callers that mount it on
// their own server or in tests.
func (ws *WebstreamServer) Handler() http.Handler {
	return http.HandlerFunc(ws.serve_http)
}

func (ws *WebstreamServer) serve_http(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.logger.Err(err).Msg("Error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "unhandled error")

	//read ws token
	readCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	_, msg, err := c.Read(readCtx)
	if err != nil {
		ws.logger.Err(err).Msg("Error while reading auth token")
		return
	}

	var username string
	if !ws.config.MockToken {
		username, err = ws.auth.VerifyWsToken(r.Context(), string(msg))
		if err != nil {
			ws.logger.Warn().Err(err).Msg("rejecting websocket with invalid token")
			c.Close(websocket.StatusPolicyViolation, "invalid token")
			return
		}
	}

	wc := &WebstreamClient{
		cid:     uuid.NewString(),
		user:    username,
		srv:     ws,
		c:       c,
		wch:     make(chan []byte, 32),
		resetch: make(chan struct{}, 1),
		done:    make(chan struct{}),
		timer:   time.NewTimer(ws.config.IdleTimeout),
	}
	wc.logger = ws.logger.With().Str("cid", wc.cid).Str("user", username).Logger()
	wc.logger.Info().Msg("dashboard connected")

	// subscribe before the snapshot write so nothing falls between
	key := "webstream:" + wc.cid
	ws.fan.Subscribe(key, wc.push)
	defer ws.fan.Unsubscribe(key)

	if err := wc.writeSnapshot(ws.fan.Snapshot()); err != nil {
		wc.logger.Err(err).Msg("snapshot write failed")
		return
	}
	wc.run()
	wc.logger.Info().Uint64("pushed", atomic.LoadUint64(&wc.pushed)).
		Uint64("skipped", atomic.LoadUint64(&wc.skipped)).Msg("dashboard disconnected")
}

type WebstreamClient struct {
	cid     string
	user    string
	srv     *WebstreamServer
	c       *websocket.Conn
	wch     chan []byte
	resetch chan struct{}
	done    chan struct{}
	timer   *time.Timer
	logger  zerolog.Logger
	closed  uint32
	pushed  uint64
	skipped uint64
}

// push marshals one event and queues it. Slow consumers lose events
// rather than stalling the bus; the counter shows up on disconnect.
func (wc *WebstreamClient) push(ctx context.Context, ev fanout.Event) {
	f := frame{Type: "event", Event: &ev}
	b, err := json.Marshal(f)
	if err != nil {
		wc.logger.Err(err).Msg("event marshal failed")
		return
	}
	select {
	case <-wc.done:
	case wc.wch <- b:
		atomic.AddUint64(&wc.pushed, 1)
	default:
		atomic.AddUint64(&wc.skipped, 1)
	}
}

func (wc *WebstreamClient) writeSnapshot(evs []fanout.Event) error {
	b, err := json.Marshal(frame{Type: "snapshot", Events: evs})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return wc.c.Write(writeCtx, websocket.MessageText, b)
}

func (wc *WebstreamClient) run() {
	go wc.readloop()
	go wc.timeout_timer()
	defer wc.closeErr()

	for {
		select {
		case <-wc.done:
			return
		case b := <-wc.wch:
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := wc.c.Write(writeCtx, websocket.MessageText, b)
			cancel()
			if err != nil {
				wc.logger.Err(err).Msg("Error while writing to connection")
				return
			}
		}
	}
}

func (wc *WebstreamClient) timeout_timer() {
	for {
		select {
		case <-wc.done:
			return
		case <-wc.timer.C:
			wc.c.Close(websocket.StatusAbnormalClosure, "timeout")
			return
		case <-wc.resetch:
			if !wc.timer.Stop() {
				select {
				case <-wc.timer.C:
				default:
				}
			}
			wc.timer.Reset(wc.srv.config.IdleTimeout)
		}
	}
}

// readloop drains client frames. Dashboards only send pings; any frame
// resets the idle timer.
func (wc *WebstreamClient) readloop() {
	for {
		_, _, err := wc.c.Read(context.Background())
		if err != nil {
			wc.closeErr()
			return
		}
		select {
		case wc.resetch <- struct{}{}:
		default:
		}
	}
}

func (wc *WebstreamClient) closeErr() {
	if atomic.CompareAndSwapUint32(&wc.closed, 0, 1) {
		close(wc.done)
	}
}
