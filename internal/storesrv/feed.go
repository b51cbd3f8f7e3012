package storesrv

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
	"nuha.dev/presence/internal/util"
)

type FeedConfig struct {
	ListenAddr string
	// ProxyProtocol wraps the listener for deployments behind a TCP load
	// balancer that speaks PROXY protocol.
	ProxyProtocol bool
	RingSize      int
	ClientBuffer  int
	IdleTimeout   time.Duration
}

// FeedHello is the first client message on a feed connection.
type FeedHello struct {
	Token  string `json:"token"`
	Cursor string `json:"cursor,omitempty"`
}

const (
	MsgSnapshot = "snapshot"
	MsgChange   = "change"
)

// FeedMessage is a server frame. A snapshot carries the full record set and
// the cursor to resume from; a change carries one mutation and its cursor.
// Replayed and live changes may overlap a snapshot, so consumers keep the
// max seq per user and skip anything older.
type FeedMessage struct {
	Type    string            `json:"type"`
	Cursor  string            `json:"cursor,omitempty"`
	Records []presence.Record `json:"records,omitempty"`
	Change  *store.Change     `json:"change,omitempty"`
}

var (
	errSlowConsumer = errors.New("slow consumer")
	errIdleTimeout  = errors.New("idle timeout")
	errFeedResync   = errors.New("store feed resync")
)

type FeedServer struct {
	server  *http.Server
	logger  zerolog.Logger
	st      store.PresenceStore
	auth    *TokenAuth
	cursor  *Cursor
	ring    *changeRing
	stat    *Stat
	config  FeedConfig
	mu      sync.Mutex
	clients map[*FeedClient]bool
}

func NewFeedServer(st store.PresenceStore, auth *TokenAuth, cursor *Cursor, stat *Stat, config FeedConfig) *FeedServer {
	if config.ClientBuffer <= 0 {
		config.ClientBuffer = 256
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 60 * time.Second
	}
	o := &FeedServer{st: st, auth: auth, cursor: cursor, stat: stat, config: config}
	o.ring = newChangeRing(config.RingSize)
	o.clients = make(map[*FeedClient]bool)
	o.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        http.HandlerFunc(o.serve_http),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	o.logger = log.With().Str("module", "feed").Logger()
	return o
}

// Handler exposes the websocket endpoint for callers that mount the
// feed on their own server or in tests.
func (fs *FeedServer) Handler() http.Handler { return http.HandlerFunc(fs.serve_http) }

// RunDispatcher drives the store subscription without the listener, for
// callers that mount Handler themselves.
func (fs *FeedServer) RunDispatcher(ctx context.Context) { fs.feedLoop(ctx) }

func (fs *FeedServer) Shutdown(ctx context.Context) error {
	return fs.server.Shutdown(ctx)
}

func (fs *FeedServer) Run(ctx context.Context) {
	go fs.feedLoop(ctx)
	ln, err := net.Listen("tcp", fs.config.ListenAddr)
	util.Pan1c(err)
	fs.logger.Info().Str("addr", fs.config.ListenAddr).Bool("proxy_protocol", fs.config.ProxyProtocol).Msg("feed listening")
	if fs.config.ProxyProtocol {
		pln := &proxyproto.Listener{Listener: ln}
		err = fs.server.Serve(pln)
	} else {
		err = fs.server.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

// feedLoop keeps one store subscription alive and fans changes out. When the
// subscription dies the buffered continuity is broken, so connected clients
// are dropped and must re-enter through snapshot or cursor resume.
func (fs *FeedServer) feedLoop(ctx context.Context) {
	for {
		feed, err := fs.st.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fs.logger.Err(err).Msg("store feed subscribe failed")
			time.Sleep(2 * time.Second)
			continue
		}
		fs.dispatch(feed)
		if ctx.Err() != nil {
			return
		}
		fs.logger.Error().Err(feed.Err()).Msg("store feed interrupted, resyncing clients")
		fs.dropAllClients()
		time.Sleep(2 * time.Second)
	}
}

func (fs *FeedServer) dispatch(feed store.Feed) {
	for c := range feed.Changes() {
		fs.ring.Add(c)
		c := c
		data, err := json.Marshal(FeedMessage{Type: MsgChange, Cursor: fs.cursor.Encode(c.Record.Seq), Change: &c})
		if err != nil {
			fs.logger.Err(err).Msg("marshal change")
			continue
		}
		fs.mu.Lock()
		for cl := range fs.clients {
			if cl.Push(data) {
				delete(fs.clients, cl)
			}
		}
		fs.mu.Unlock()
	}
}

func (fs *FeedServer) dropAllClients() {
	fs.mu.Lock()
	for cl := range fs.clients {
		cl.closeErr(errFeedResync)
		delete(fs.clients, cl)
	}
	fs.mu.Unlock()
}

func (fs *FeedServer) addClient(cl *FeedClient) {
	fs.mu.Lock()
	fs.clients[cl] = true
	fs.mu.Unlock()
}

func (fs *FeedServer) removeClient(cl *FeedClient) {
	fs.mu.Lock()
	delete(fs.clients, cl)
	fs.mu.Unlock()
}

func (fs *FeedServer) serve_http(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		fs.logger.Err(err).Msg("error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "unhandled error")

	//read hello with token and optional resume cursor
	readCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	hello := FeedHello{}
	err = wsjson.Read(readCtx, c, &hello)
	if err != nil {
		fs.logger.Err(err).Msg("error while reading feed hello")
		return
	}
	claims, err := fs.auth.Verify(hello.Token)
	if err != nil || (claims.Role != RoleObserver && claims.Role != RoleAdmin) {
		fs.stat.AuthFailEv(time.Now())
		c.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	cl := newFeedClient(fs, c)
	// register before snapshot so nothing between snapshot read and live
	// streaming is lost; consumers dedupe by seq
	fs.addClient(cl)
	fs.stat.ConnectEv(time.Now())
	fs.stat.ClientAdd()
	defer func() {
		fs.removeClient(cl)
		fs.stat.DisconnectEv(time.Now())
		fs.stat.ClientRemove()
	}()

	if !fs.resume(r.Context(), c, hello.Cursor) {
		if !fs.snapshot(r.Context(), c) {
			return
		}
	}
	cl.run(r.Context())
}

// resume replays buffered changes after the client cursor. Returns false when
// the cursor is absent, malformed or fell off the ring; the caller then sends
// a snapshot instead.
func (fs *FeedServer) resume(ctx context.Context, c *websocket.Conn, cursorStr string) bool {
	if cursorStr == "" {
		return false
	}
	seq, err := fs.cursor.Decode(cursorStr)
	if err != nil {
		fs.logger.Debug().Err(err).Str("cursor", cursorStr).Msg("bad resume cursor")
		return false
	}
	changes, ok := fs.ring.Since(seq)
	if !ok {
		return false
	}
	for i := range changes {
		msg := FeedMessage{Type: MsgChange, Cursor: fs.cursor.Encode(changes[i].Record.Seq), Change: &changes[i]}
		if err := wsjson.Write(ctx, c, msg); err != nil {
			fs.logger.Err(err).Msg("error while writing replay")
			return true
		}
	}
	return true
}

func (fs *FeedServer) snapshot(ctx context.Context, c *websocket.Conn) bool {
	recs, err := fs.st.List(ctx, store.Filter{})
	if err != nil {
		fs.logger.Err(err).Msg("snapshot list failed")
		c.Close(websocket.StatusInternalError, "snapshot failed")
		return false
	}
	var max uint64
	for _, rec := range recs {
		if rec.Seq > max {
			max = rec.Seq
		}
	}
	msg := FeedMessage{Type: MsgSnapshot, Cursor: fs.cursor.Encode(max), Records: recs}
	if err := wsjson.Write(ctx, c, msg); err != nil {
		fs.logger.Err(err).Msg("error while writing snapshot")
		return false
	}
	return true
}

type FeedClient struct {
	srv     *FeedServer
	c       *websocket.Conn
	wch     chan []byte
	timer   *time.Timer
	resetch chan struct{}
	dead    chan struct{}
	once    sync.Once
	closed  uint32
	dropped uint64
	err     error
}

func newFeedClient(fs *FeedServer, c *websocket.Conn) *FeedClient {
	return &FeedClient{
		srv:     fs,
		c:       c,
		wch:     make(chan []byte, fs.config.ClientBuffer),
		timer:   time.NewTimer(fs.config.IdleTimeout),
		resetch: make(chan struct{}, 1),
		dead:    make(chan struct{}),
	}
}

func (cl *FeedClient) closeErr(err error) {
	cl.once.Do(func() {
		atomic.StoreUint32(&cl.closed, 1)
		cl.err = err
		close(cl.dead)
	})
}

// Push queues a frame for the client. Reports true when the client should be
// dropped from the fan-out set. Never touches the connection: the run loop
// owns all conn operations.
func (cl *FeedClient) Push(d []byte) bool {
	if atomic.LoadUint32(&cl.closed) == 1 {
		return true
	}
	select {
	case cl.wch <- d:
		return false
	default:
		atomic.AddUint64(&cl.dropped, 1)
		cl.closeErr(errSlowConsumer)
		return true
	}
}

func (cl *FeedClient) run(ctx context.Context) {
	go cl.readloop()
	go cl.timeout_timer()
	for {
		select {
		case data := <-cl.wch:
			if err := cl.c.Write(ctx, websocket.MessageText, data); err != nil {
				cl.closeErr(err)
				return
			}
		case <-cl.dead:
			return
		case <-ctx.Done():
			cl.closeErr(ctx.Err())
			return
		}
	}
}

func (cl *FeedClient) timeout_timer() {
	for {
		select {
		case <-cl.timer.C:
			cl.closeErr(errIdleTimeout)
			cl.c.Close(websocket.StatusGoingAway, "idle timeout")
			return
		case <-cl.resetch:
			if !cl.timer.Stop() {
				select {
				case <-cl.timer.C:
				default:
				}
			}
			cl.timer.Reset(cl.srv.config.IdleTimeout)
		case <-cl.dead:
			return
		}
	}
}

// readloop drains client frames; any frame counts as liveness and resets the
// idle timer.
func (cl *FeedClient) readloop() {
	for {
		_, _, err := cl.c.Read(context.Background())
		if err != nil {
			cl.closeErr(err)
			return
		}
		select {
		case cl.resetch <- struct{}{}:
		default:
		}
	}
}
