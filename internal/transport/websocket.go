// SPDX-License-Identifier: MIT
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"micstream/internal/bridge"
	applog "micstream/internal/log"
)

const (
	defaultPath      = "/ws"
	defaultQueueSize = 256
	writeWait        = time.Second
)

// Options configures a WebSocketTransport.
type Options struct {
	Addr string // host:port; ":0" picks a free port
	Path string // defaults to /ws

	Codec  bridge.Codec   // defaults to JSON
	Router *bridge.Router // inbound calls are ignored when nil

	// OnFirstClient and OnLastClient fire when the client count moves
	// between zero and one.
	OnFirstClient func()
	OnLastClient  func()
	// Clients is told the client count after every change.
	Clients func(n int)

	// Handlers are mounted next to the socket, e.g. /metrics.
	Handlers map[string]http.Handler

	QueueSize int
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(msgType, data)
}

// WebSocketTransport serves the bridge over WebSocket. Send broadcasts an
// event to every connected client; messages a client sends are decoded as
// bridge calls and answered on the same connection.
type WebSocketTransport struct {
	opts     Options
	msgType  int
	upgrader websocket.Upgrader
	listener net.Listener
	server   *http.Server
	log      *applog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	clientsMu sync.Mutex
	clients   map[*client]struct{}
	closed    bool

	broadcast chan any
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebSocketTransport starts listening on opts.Addr.
func NewWebSocketTransport(opts Options) (*WebSocketTransport, error) {
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.Codec == nil {
		opts.Codec = bridge.JSON{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	wst := &WebSocketTransport{
		opts:    opts,
		msgType: websocket.TextMessage,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // local UI clients connect from arbitrary origins
			},
		},
		listener:  ln,
		log:       applog.For("websocket"),
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[*client]struct{}),
		broadcast: make(chan any, opts.QueueSize),
		done:      make(chan struct{}),
	}
	if opts.Codec.Binary() {
		wst.msgType = websocket.BinaryMessage
	}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, wst.handleWebSocket)
	for path, h := range opts.Handlers {
		mux.Handle(path, h)
	}
	wst.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	wst.wg.Add(2)
	go wst.serve()
	go wst.handleBroadcasts()
	return wst, nil
}

// Addr returns the address the server is listening on.
func (wst *WebSocketTransport) Addr() string {
	return wst.listener.Addr().String()
}

// URL returns the ws:// URL clients should dial.
func (wst *WebSocketTransport) URL() string {
	return "ws://" + wst.Addr() + wst.opts.Path
}

func (wst *WebSocketTransport) serve() {
	defer wst.wg.Done()
	wst.log.Infof("serving bridge on %s (%s)", wst.URL(), wst.opts.Codec.Name())
	if err := wst.server.Serve(wst.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		wst.log.Errorf("server error: %v", err)
	}
}

func (wst *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wst.log.Warnf("upgrade error: %v", err)
		return
	}
	c := &client{conn: conn}

	wst.clientsMu.Lock()
	if wst.closed {
		wst.clientsMu.Unlock()
		conn.Close()
		return
	}
	wst.clients[c] = struct{}{}
	n := len(wst.clients)
	wst.wg.Add(1)
	if n == 1 && wst.opts.OnFirstClient != nil {
		wst.opts.OnFirstClient()
	}
	if wst.opts.Clients != nil {
		wst.opts.Clients(n)
	}
	wst.clientsMu.Unlock()

	wst.log.Infof("client connected from %s, total: %d", r.RemoteAddr, n)
	go wst.readLoop(c)
}

// readLoop answers calls until the connection fails.
func (wst *WebSocketTransport) readLoop(c *client) {
	defer wst.wg.Done()
	defer wst.remove(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if wst.opts.Router == nil {
			continue
		}

		var reply bridge.Reply
		var call bridge.Call
		if err := wst.opts.Codec.Unmarshal(data, &call); err != nil {
			reply = bridge.Reply{
				Type:  bridge.TypeReply,
				Error: &bridge.ErrorPayload{Code: bridge.CodeBadRequest, Message: err.Error()},
			}
		} else {
			reply = wst.opts.Router.Invoke(wst.ctx, call)
		}

		out, err := wst.opts.Codec.Marshal(reply)
		if err != nil {
			wst.log.Errorf("encoding %s reply: %v", call.Method, err)
			continue
		}
		if err := c.write(wst.msgType, out); err != nil {
			return
		}
	}
}

func (wst *WebSocketTransport) remove(c *client) {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()

	if _, ok := wst.clients[c]; !ok {
		return
	}
	delete(wst.clients, c)
	c.conn.Close()

	n := len(wst.clients)
	if n == 0 && wst.opts.OnLastClient != nil {
		wst.opts.OnLastClient()
	}
	if wst.opts.Clients != nil {
		wst.opts.Clients(n)
	}
	wst.log.Infof("client disconnected, total: %d", n)
}

func (wst *WebSocketTransport) snapshot(dst []*client) []*client {
	dst = dst[:0]
	wst.clientsMu.Lock()
	for c := range wst.clients {
		dst = append(dst, c)
	}
	wst.clientsMu.Unlock()
	return dst
}

// handleBroadcasts encodes each queued message once and writes it to every
// client. A client whose write fails is disconnected.
func (wst *WebSocketTransport) handleBroadcasts() {
	defer wst.wg.Done()

	var targets []*client
	for {
		select {
		case <-wst.done:
			return
		case msg := <-wst.broadcast:
			targets = wst.snapshot(targets)
			if len(targets) == 0 {
				continue
			}
			data, err := wst.opts.Codec.Marshal(msg)
			if err != nil {
				wst.log.Errorf("encoding %T: %v", msg, err)
				continue
			}
			for _, c := range targets {
				if err := c.write(wst.msgType, data); err != nil {
					wst.log.Warnf("error sending to client: %v", err)
					// readLoop notices the closed connection and removes the client.
					c.conn.Close()
				}
			}
		}
	}
}

// Clients returns the number of connected clients.
func (wst *WebSocketTransport) Clients() int {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	return len(wst.clients)
}

// Send queues msg for broadcast. It returns ErrQueueFull instead of
// blocking when clients are not keeping up.
func (wst *WebSocketTransport) Send(msg any) error {
	select {
	case <-wst.done:
		return ErrClosed
	default:
	}
	select {
	case wst.broadcast <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close shuts down the server, disconnects every client and waits for the
// connection goroutines to exit.
func (wst *WebSocketTransport) Close() error {
	var err error
	wst.closeOnce.Do(func() {
		wst.log.Infof("closing server")
		close(wst.done)
		wst.cancel()
		err = wst.server.Close()

		wst.clientsMu.Lock()
		wst.closed = true
		for c := range wst.clients {
			c.conn.Close()
		}
		wst.clientsMu.Unlock()

		wst.wg.Wait()
	})
	return err
}

var _ Transport = (*WebSocketTransport)(nil)
