// Package api provides the REST API for adap.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/adap-ai/adap/internal/api/handlers"
	"github.com/adap-ai/adap/internal/events"
	"github.com/adap-ai/adap/internal/logging"
	"github.com/adap-ai/adap/pkg/types"
)

const (
	eventBuffer  = 256
	writeTimeout = 10 * time.Second
)

// Backend is the runtime surface served over HTTP.
type Backend interface {
	handlers.Backend
	Subscribe(topic string, h events.Handler) func()
}

// Router holds all API dependencies and routes.
type Router struct {
	engine  *gin.Engine
	backend Backend
	logger  *log.Logger

	// WebSocket upgrader
	upgrader websocket.Upgrader

	// WebSocket clients
	wsClientsMu sync.RWMutex
	wsClients   map[*websocket.Conn]bool

	events      chan types.WebSocketMessage
	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// NewRouter creates a new API router and starts forwarding bus events to
// WebSocket clients.
func NewRouter(backend Backend, logger *log.Logger) *Router {
	r := &Router{
		engine:  gin.New(),
		backend: backend,
		logger:  logging.OrDiscard(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		wsClients: make(map[*websocket.Conn]bool),
		events:    make(chan types.WebSocketMessage, eventBuffer),
		done:      make(chan struct{}),
	}

	r.engine.Use(gin.Recovery(), r.requestLogger())
	r.setupRoutes()

	r.unsubscribe = backend.Subscribe(events.Wildcard, r.forward)
	go r.broadcastEvents()

	return r
}

// setupRoutes configures all API routes.
func (r *Router) setupRoutes() {
	// Health check
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API v1 group
	v1 := r.engine.Group("/api/v1")
	{
		modules := v1.Group("/modules")
		{
			modules.GET("", r.listModules)
			modules.GET("/:name", r.getModule)
		}

		v1.POST("/exec", r.exec)
		v1.POST("/enqueue", r.enqueue)

		v1.GET("/events/heartbeat", r.heartbeat)
		v1.POST("/events/heartbeat", r.heartbeat)
		v1.GET("/logs", r.logs)
		v1.GET("/feedback", r.feedback)
	}

	// WebSocket for real-time updates
	r.engine.GET("/ws", r.handleWebSocket)
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Close stops event forwarding and disconnects WebSocket clients.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.unsubscribe()
		close(r.done)

		r.wsClientsMu.Lock()
		for conn := range r.wsClients {
			conn.Close()
			delete(r.wsClients, conn)
		}
		r.wsClientsMu.Unlock()
	})
}

func (r *Router) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Module handlers

func (r *Router) listModules(c *gin.Context) {
	h := handlers.NewModuleHandler(r.backend)
	h.List(c)
}

func (r *Router) getModule(c *gin.Context) {
	h := handlers.NewModuleHandler(r.backend)
	h.Get(c)
}

// Exec handlers

func (r *Router) exec(c *gin.Context) {
	h := handlers.NewExecHandler(r.backend)
	h.Exec(c)
}

func (r *Router) enqueue(c *gin.Context) {
	h := handlers.NewExecHandler(r.backend)
	h.Enqueue(c)
}

// Event handlers

func (r *Router) heartbeat(c *gin.Context) {
	h := handlers.NewEventHandler(r.backend)
	h.Heartbeat(c)
}

func (r *Router) logs(c *gin.Context) {
	h := handlers.NewEventHandler(r.backend)
	h.Logs(c)
}

func (r *Router) feedback(c *gin.Context) {
	h := handlers.NewEventHandler(r.backend)
	h.Feedback(c)
}

// WebSocket handler

func (r *Router) handleWebSocket(c *gin.Context) {
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	// Register client
	r.wsClientsMu.Lock()
	r.wsClients[conn] = true
	r.wsClientsMu.Unlock()

	defer func() {
		r.wsClientsMu.Lock()
		delete(r.wsClients, conn)
		r.wsClientsMu.Unlock()
		conn.Close()
	}()

	// Reads only detect disconnects; clients do not send commands.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// forward queues a bus event for broadcast without blocking the publisher.
func (r *Router) forward(ev events.Event) error {
	msg := types.WebSocketMessage{Type: ev.Topic, Payload: ev.Data}
	select {
	case r.events <- msg:
	default:
		r.logger.Warn("websocket event buffer full; dropping event", "topic", ev.Topic)
	}
	return nil
}

// broadcastEvents writes queued events to all WebSocket clients.
func (r *Router) broadcastEvents() {
	for {
		select {
		case <-r.done:
			return
		case msg := <-r.events:
			r.broadcast(msg.Type, msg.Payload)
		}
	}
}

// broadcast sends a message to all WebSocket clients.
func (r *Router) broadcast(msgType string, payload interface{}) {
	msg := types.WebSocketMessage{
		Type:    msgType,
		Payload: payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("failed to encode websocket message", "type", msgType, "error", err)
		return
	}

	r.wsClientsMu.RLock()
	defer r.wsClientsMu.RUnlock()

	for conn := range r.wsClients {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// Client will be removed when read fails
			continue
		}
	}
}

func (r *Router) clientCount() int {
	r.wsClientsMu.RLock()
	defer r.wsClientsMu.RUnlock()
	return len(r.wsClients)
}
