package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/pairpilot/pkg/events"
	"github.com/cuemby/pairpilot/pkg/identity"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/cuemby/pairpilot/pkg/metrics"
	"github.com/cuemby/pairpilot/pkg/transport"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

// Config configures a Server
type Config struct {
	// Auth verifies the token query parameter; nil admits everyone
	Auth identity.Resolver
	// Redis, when set, fans envelopes out across relay instances through the
	// same channels transport.Redis peers use
	Redis  redis.UniversalClient
	Health *metrics.HealthChecker
	// AllowedOrigins restricts browser origins; empty allows all
	AllowedOrigins []string
}

// Server is a stateless broadcast relay. Every text frame received on
// /rooms/{room} is forwarded to the other connections of that room; the relay
// never inspects payloads beyond the envelope header.
type Server struct {
	hub      *events.Hub
	auth     identity.Resolver
	redis    redis.UniversalClient
	health   *metrics.HealthChecker
	upgrader websocket.Upgrader
	router   *mux.Router
	logger   zerolog.Logger

	conns atomic.Int64

	mu         sync.Mutex
	pubsub     *redis.PubSub
	httpServer *http.Server
}

// NewServer creates a relay and registers its routes
func NewServer(cfg Config) *Server {
	if cfg.Health == nil {
		cfg.Health = metrics.NewHealthChecker("")
	}
	s := &Server{
		hub:    events.NewHub(),
		auth:   cfg.Auth,
		redis:  cfg.Redis,
		health: cfg.Health,
		router: mux.NewRouter(),
		logger: log.WithComponent("relay"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	s.router.HandleFunc("/rooms/{room}", s.handleRoom).Methods(http.MethodGet)
	s.router.Handle("/health", s.health.HealthHandler()).Methods(http.MethodGet)
	s.router.Handle("/ready", s.health.ReadyHandler()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Handler returns the router for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stats implements metrics.StatsSource
func (s *Server) Stats() metrics.RelayStats {
	return metrics.RelayStats{
		Rooms:       s.hub.Rooms(),
		Connections: int(s.conns.Load()),
	}
}

// Start subscribes to cross-instance fan-out when Redis is configured. It
// returns once the subscription is confirmed.
func (s *Server) Start(ctx context.Context) error {
	if s.redis == nil {
		s.health.Set("fanout", true, "local")
		return nil
	}
	ps := s.redis.PSubscribe(ctx, transport.ChannelName("*"))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		s.health.Set("fanout", false, err.Error())
		return err
	}
	s.mu.Lock()
	s.pubsub = ps
	s.mu.Unlock()
	s.health.Set("fanout", true, "redis")

	prefix := transport.ChannelName("")
	go func(ch <-chan *redis.Message) {
		for msg := range ch {
			env, err := decode([]byte(msg.Payload))
			if err != nil {
				s.logger.Debug().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed envelope")
				continue
			}
			s.hub.Publish(strings.TrimPrefix(msg.Channel, prefix), env)
		}
	}(ps.Channel())
	return nil
}

// ListenAndServe serves on addr until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Bool("redis", s.redis != nil).Msg("Relay listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and the Redis subscription
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, ps := s.httpServer, s.pubsub
	s.pubsub = nil
	s.mu.Unlock()

	if ps != nil {
		_ = ps.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func decode(b []byte) (*events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, errors.New("envelope without event")
	}
	return &env, nil
}

func (s *Server) authorize(r *http.Request) (types.Identity, error) {
	if s.auth == nil {
		return types.Identity{ID: "anonymous"}, nil
	}
	token, err := identity.FromRequest(r)
	if err != nil {
		return types.Identity{}, err
	}
	return s.auth.Resolve(r.Context(), token)
}

// publish forwards an envelope to every connection of room, through Redis
// when configured so other instances see it too
func (s *Server) publish(ctx context.Context, room string, raw []byte, env *events.Envelope) {
	metrics.RelayMessagesTotal.WithLabelValues(env.Event).Inc()
	if s.redis == nil {
		s.hub.Publish(room, env)
		return
	}
	if err := s.redis.Publish(ctx, transport.ChannelName(room), raw).Err(); err != nil {
		s.logger.Warn().Err(err).Str("room_id", room).Msg("Redis publish failed, delivering locally")
		s.hub.Publish(room, env)
	}
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	user, err := s.authorize(r)
	if err != nil {
		s.logger.Debug().Err(err).Str("room_id", room).Msg("Rejected connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client
		s.logger.Debug().Err(err).Msg("Upgrade failed")
		return
	}

	c := &client{
		server: s,
		conn:   conn,
		room:   room,
		logger: s.logger.With().
			Str("room_id", room).
			Str("user_id", user.ID).
			Str("relay_conn", uuid.NewString()).
			Logger(),
	}
	_, sub := s.hub.Join(room)
	s.conns.Add(1)
	c.logger.Debug().Msg("Connection joined")

	go c.writePump(sub)
	c.readPump()

	s.conns.Add(-1)
	s.hub.Leave(room, sub)
	c.logger.Debug().Msg("Connection left")
}
