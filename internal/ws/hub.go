// Package ws serves the /ws endpoint: one Client per websocket, driven by
// a small per-connection state machine on top of the delivery router.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pliu/lightning/internal/delivery"
	"github.com/pliu/lightning/internal/presence"
)

// Authenticator resolves a bearer token to a username.
type Authenticator interface {
	TokenToIdentity(ctx context.Context, token string) (string, error)
}

type Options struct {
	// AllowedOrigins lists browser origins allowed to connect. Empty or
	// "*" allows any origin; requests without an Origin header always pass.
	AllowedOrigins []string
	MaxFrameBytes  int64
	WriteTimeout   time.Duration
	PongWait       time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxFrameBytes == 0 {
		o.MaxFrameBytes = 2 << 20
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait == 0 {
		o.PongWait = 60 * time.Second
	}
}

type Hub struct {
	auth     Authenticator
	router   *delivery.Router
	registry *presence.Registry[delivery.Conn]
	logger   zerolog.Logger
	opts     Options
	upgrader websocket.Upgrader

	// Live clients, authenticated or not.
	mu      sync.Mutex
	clients map[*Client]bool
}

func NewHub(auth Authenticator, router *delivery.Router, registry *presence.Registry[delivery.Conn], logger zerolog.Logger, opts Options) *Hub {
	opts.setDefaults()
	return &Hub{
		auth:     auth,
		router:   router,
		registry: registry,
		logger:   logger,
		opts:     opts,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		clients:  make(map[*Client]bool),
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP upgrades the request and runs the session until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:    h,
		conn:   conn,
		id:     id,
		logger: h.logger.With().Str("conn_id", id).Logger(),
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
	}()

	client.logger.Debug().Str("remote", r.RemoteAddr).Msg("connection opened")
	client.run(r.Context())
}

// Shutdown sends a going-away close frame to every live client and
// closes its transport. Sessions then unwind through their normal
// disconnect path.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}
