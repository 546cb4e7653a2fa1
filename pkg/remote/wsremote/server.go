package wsremote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vango-dev/nest/pkg/remote"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Logger receives connection errors. Defaults to slog.Default().
	Logger *slog.Logger

	// ReadTimeout bounds the wait for the next client message.
	// Zero disables the deadline.
	ReadTimeout time.Duration

	// WriteTimeout bounds each write. Default: 10s.
	WriteTimeout time.Duration

	// CheckOrigin is passed to the websocket upgrader. Nil accepts all
	// origins.
	CheckOrigin func(r *http.Request) bool

	// OnConnect and OnDisconnect observe connection lifecycle.
	OnConnect    func()
	OnDisconnect func()
}

// Server exposes a remote.Service over websockets.
type Server struct {
	svc      remote.Service
	config   ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   chi.Router

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

// NewServer creates a server for svc.
func NewServer(svc remote.Service, cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	s := &Server{
		svc:    svc,
		config: cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.CheckOrigin != nil {
					return cfg.CheckOrigin(r)
				}
				return true
			},
		},
		conns: make(map[*serverConn]struct{}),
	}

	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealth)
	s.router = r
	return s
}

// Router returns the server routes so callers can mount more.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.Connections(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &serverConn{
		srv:     s,
		conn:    conn,
		watches: make(map[uint64]remote.Watch),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	if s.config.OnConnect != nil {
		s.config.OnConnect()
	}

	c.readLoop()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect()
	}
}

// serverConn is one client connection.
type serverConn struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	watches map[uint64]remote.Watch
	closed  bool
}

func (c *serverConn) readLoop() {
	defer c.close()

	for {
		if c.srv.config.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.srv.logger.Error("read error", "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.srv.logger.Warn("request decode error", "error", err)
			c.send(Response{Type: TypeError, Code: CodeBadInput, Error: err.Error()})
			continue
		}
		c.handle(req)
	}
}

func (c *serverConn) handle(req Request) {
	ctx := context.Background()
	svc := c.srv.svc

	switch req.Op {
	case OpWatch:
		c.watch(req)

	case OpUnwatch:
		c.mu.Lock()
		w := c.watches[req.Watch]
		delete(c.watches, req.Watch)
		c.mu.Unlock()
		if w != nil {
			w.Close()
		}
		c.reply(req.ID, Response{})

	case OpGet:
		if req.Query == nil {
			c.fail(req.ID, 0, CodeBadInput, "get requires a query")
			return
		}
		snap, err := svc.Get(ctx, *req.Query)
		if err != nil {
			c.failErr(req.ID, 0, err)
			return
		}
		c.reply(req.ID, Response{Snapshot: &snap})

	case OpSet:
		c.result(req.ID, svc.Set(ctx, req.Path, req.Value))

	case OpUpdate:
		c.result(req.ID, svc.Update(ctx, req.Path, req.Values))

	case OpPush:
		key, err := svc.Push(ctx, req.Path, req.Value)
		if err != nil {
			c.failErr(req.ID, 0, err)
			return
		}
		c.reply(req.ID, Response{Key: key})

	case OpRemove:
		c.result(req.ID, svc.Remove(ctx, req.Path))

	default:
		c.srv.logger.Warn("unknown op", "op", req.Op)
		c.fail(req.ID, 0, CodeBadInput, "unknown op "+string(req.Op))
	}
}

func (c *serverConn) watch(req Request) {
	if req.Query == nil {
		c.fail(req.ID, req.ID, CodeBadInput, "watch requires a query")
		return
	}
	id := req.ID
	w, err := c.srv.svc.Watch(*req.Query, req.Mode, remote.Handler{
		OnEvent: func(ev remote.Event) {
			c.send(Response{Type: TypeEvent, Watch: id, Event: &ev})
		},
		OnError: func(err error) {
			c.failErr(0, id, err)
		},
	})
	if err != nil {
		c.failErr(req.ID, id, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		w.Close()
		return
	}
	if old := c.watches[id]; old != nil {
		old.Close()
	}
	c.watches[id] = w
	c.mu.Unlock()
	c.reply(req.ID, Response{Watch: id})
}

func (c *serverConn) result(id uint64, err error) {
	if err != nil {
		c.failErr(id, 0, err)
		return
	}
	c.reply(id, Response{})
}

func (c *serverConn) reply(id uint64, r Response) {
	r.ID = id
	r.Type = TypeReply
	c.send(r)
}

func (c *serverConn) failErr(id, watch uint64, err error) {
	c.fail(id, watch, errorCode(err), err.Error())
}

func (c *serverConn) fail(id, watch uint64, code, msg string) {
	c.send(Response{ID: id, Type: TypeError, Watch: watch, Code: code, Error: msg})
}

func (c *serverConn) send(r Response) {
	data, err := json.Marshal(r)
	if err != nil {
		c.srv.logger.Error("response encode error", "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.srv.logger.Debug("write error", "error", err)
	}
}

func (c *serverConn) close() {
	c.mu.Lock()
	c.closed = true
	watches := c.watches
	c.watches = nil
	c.mu.Unlock()

	for _, w := range watches {
		w.Close()
	}
	c.conn.Close()
}
