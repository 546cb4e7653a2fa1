package wsremote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/nest/pkg/remote"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Logger *slog.Logger

	// HandshakeTimeout bounds the websocket handshake. Default: 10s.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each write. A write that times out ends the
	// connection. Default: 10s.
	WriteTimeout time.Duration
}

// Client is a remote.Service backed by a websocket connection.
type Client struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Response
	watches map[uint64]*clientWatch
	err     error

	done chan struct{}
}

var _ remote.Service = (*Client)(nil)

// Dial connects to a Server websocket endpoint, for example
// ws://localhost:7070/ws.
func Dial(ctx context.Context, url string, cfg ClientConfig) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsremote: dial %s: %w", url, err)
	}

	c := &Client{
		conn:         conn,
		logger:       cfg.Logger,
		writeTimeout: cfg.WriteTimeout,
		pending:      make(map[uint64]chan Response),
		watches:      make(map[uint64]*clientWatch),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the connection. Open watches receive remote.ErrClosed.
func (c *Client) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	<-c.done
	return err
}

// Watch opens a watch on the server. Failures, including a rejected
// query, are reported through h.OnError.
func (c *Client) Watch(q remote.Query, mode remote.WatchMode, h remote.Handler) (remote.Watch, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	w := &clientWatch{id: id, client: c, handler: h, box: remote.NewMailbox()}
	c.watches[id] = w
	c.mu.Unlock()

	if err := c.write(Request{ID: id, Op: OpWatch, Query: &q, Mode: mode}); err != nil {
		c.dropWatch(id)
		w.box.Close()
		return nil, err
	}
	return w, nil
}

// Get reads a location once.
func (c *Client) Get(ctx context.Context, q remote.Query) (remote.Snapshot, error) {
	r, err := c.call(ctx, Request{Op: OpGet, Query: &q})
	if err != nil {
		return remote.Snapshot{}, err
	}
	if r.Snapshot == nil {
		return remote.Snapshot{Key: remote.LastSegment(q.Path)}, nil
	}
	return *r.Snapshot, nil
}

// Set writes value at path.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	_, err := c.call(ctx, Request{Op: OpSet, Path: path, Value: value})
	return err
}

// Update writes several children of path.
func (c *Client) Update(ctx context.Context, path string, values map[string]any) error {
	_, err := c.call(ctx, Request{Op: OpUpdate, Path: path, Values: values})
	return err
}

// Push appends value under a server generated key.
func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	r, err := c.call(ctx, Request{Op: OpPush, Path: path, Value: value})
	if err != nil {
		return "", err
	}
	return r.Key, nil
}

// Remove deletes path.
func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.call(ctx, Request{Op: OpRemove, Path: path})
	return err
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Response{}, err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return Response{}, err
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return Response{}, remote.ErrClosed
		}
		if r.Type == TypeError {
			return r, responseError(r)
		}
		return r, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *Client) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("wsremote: encode %s: %w", req.Op, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("write error", "op", req.Op, "error", err)
		c.conn.Close()
		return fmt.Errorf("%w: %v", remote.ErrClosed, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.logger.Error("read error", "error", err)
			}
			return
		}

		var r Response
		if err := json.Unmarshal(msg, &r); err != nil {
			c.logger.Warn("response decode error", "error", err)
			continue
		}
		c.dispatch(r)
	}
}

func (c *Client) dispatch(r Response) {
	c.mu.Lock()
	ch := c.pending[r.ID]
	w := c.watches[r.Watch]
	c.mu.Unlock()

	switch {
	case r.ID != 0 && ch != nil:
		ch <- r
	case r.Type == TypeEvent && w != nil && r.Event != nil:
		w.deliver(*r.Event)
	case r.Type == TypeError && w != nil:
		c.dropWatch(w.id)
		w.failed(responseError(r))
	case r.Type == TypeError:
		c.logger.Warn("server error", "code", r.Code, "error", r.Error)
	}
}

func (c *Client) dropWatch(id uint64) {
	c.mu.Lock()
	delete(c.watches, id)
	c.mu.Unlock()
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.err = remote.ErrClosed
	pending := c.pending
	c.pending = make(map[uint64]chan Response)
	watches := c.watches
	c.watches = make(map[uint64]*clientWatch)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, w := range watches {
		w.failed(remote.ErrClosed)
	}
	c.conn.Close()
	close(c.done)
}

type clientWatch struct {
	id      uint64
	client  *Client
	handler remote.Handler
	box     *remote.Mailbox
	once    sync.Once
}

func (w *clientWatch) deliver(ev remote.Event) {
	if h := w.handler.OnEvent; h != nil {
		w.box.Post(func() { h(ev) })
	}
}

func (w *clientWatch) failed(err error) {
	if h := w.handler.OnError; h != nil {
		w.box.Post(func() { h(err) })
	}
	w.box.CloseAfterDrain()
}

// Close sends an unwatch without waiting for the reply.
func (w *clientWatch) Close() error {
	w.once.Do(func() {
		w.box.Close()
		w.client.dropWatch(w.id)
		if err := w.client.write(Request{Op: OpUnwatch, Watch: w.id}); err != nil {
			w.client.logger.Debug("unwatch failed", "watch", w.id, "error", err)
		}
	})
	return nil
}
