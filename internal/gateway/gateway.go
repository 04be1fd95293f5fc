package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaylabs/relay/internal/broker"
	"github.com/relaylabs/relay/internal/config"
)

// Gateway accepts websocket connections on an HTTP endpoint and routes
// decoded frames into the Broker. It implements server.Service.
type Gateway struct {
	cfg    config.Config
	broker *broker.Broker
	logger *zap.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

// New creates a Gateway serving the websocket endpoint at
// cfg.Server.Path.
//
// Precondition: cfg must be validated; b and logger must be non-nil.
func New(cfg config.Config, b *broker.Broker, logger *zap.Logger) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		broker: b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The relay has no origin policy; browsers connect from
			// anywhere, like the rest of the wire surface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.Path, g.handleWebSocket)
	g.httpSrv = &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: mux,
	}
	return g
}

// Handler exposes the HTTP handler for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpSrv.Handler
}

// Start runs the HTTP listener, blocking until Stop is called or the
// listener fails.
func (g *Gateway) Start() error {
	g.logger.Info("gateway listening",
		zap.String("addr", g.cfg.Server.Addr()),
		zap.String("path", g.cfg.Server.Path),
	)
	err := g.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes every live connection and shuts the listener down.
//
// Postcondition: All read/write pumps have exited when Stop returns.
func (g *Gateway) Stop() {
	g.mu.Lock()
	open := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		open = append(open, c)
	}
	g.mu.Unlock()

	for _, c := range open {
		c.close()
		_ = c.conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := g.httpSrv.Shutdown(ctx); err != nil {
		g.logger.Warn("http shutdown", zap.Error(err))
	}

	g.wg.Wait()
	g.logger.Info("gateway stopped")
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	c := newClient(conn, g.cfg.WebSocket.SendBuffer)
	g.logger.Info("websocket connected",
		zap.String("conn_id", c.id),
		zap.String("remote", r.RemoteAddr),
	)

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	g.broker.OnConnect(c)

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.writePump(c)
	}()
	defer g.wg.Done()
	g.readPump(c)
}

// readPump reads frames until the connection fails, dispatching decoded
// requests into the broker. Connection loss here is the sole trigger
// for the broker's disconnect teardown.
func (g *Gateway) readPump(c *client) {
	defer func() {
		g.broker.OnDisconnect(c)

		g.mu.Lock()
		delete(g.clients, c)
		g.mu.Unlock()

		c.close()
		_ = c.conn.Close()
	}()

	ws := g.cfg.WebSocket
	c.conn.SetReadLimit(ws.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(ws.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ws.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				g.logger.Warn("websocket read failed",
					zap.String("conn_id", c.id),
					zap.Error(err),
				)
			}
			return
		}

		req, err := decodeRequest(data)
		if err != nil {
			// Malformed frames are dropped at the transport boundary
			// and never reach the broker.
			g.logger.Debug("dropping malformed frame",
				zap.String("conn_id", c.id),
				zap.Error(err),
			)
			continue
		}
		g.broker.OnEvent(c, req)
	}
}

// writePump drains the client's send queue onto the socket and keeps
// the connection alive with periodic pings.
func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(g.cfg.WebSocket.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WebSocket.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WebSocket.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
