package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/heitortanoue/crdtboard/pkg/presence"
)

// Config configura o relay
type Config struct {
	PingInterval     time.Duration // intervalo entre pings; sem pong a conexão é fechada
	AwarenessTimeout time.Duration // expiração de presença sem renovação
	GC               bool          // descarta conteúdo apagado após cada merge
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:     30 * time.Second,
		AwarenessTimeout: presence.DefaultTimeout,
		GC:               true,
	}
}

// Server forwards document updates and presence between the clients of a
// room. It keeps room state in memory only while the room has connections.
type Server struct {
	cfg      Config
	fanout   Fanout
	router   *mux.Router
	upgrader websocket.Upgrader

	mutex     sync.Mutex
	rooms     map[string]*room
	httpSrv   *http.Server
	startTime time.Time
	accepted  int64
}

// NewServer builds a relay. fanout may be nil for a single instance.
func NewServer(cfg Config, fanout Fanout) *Server {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.AwarenessTimeout <= 0 {
		cfg.AwarenessTimeout = def.AwarenessTimeout
	}

	s := &Server{
		cfg:    cfg,
		fanout: fanout,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms:     make(map[string]*room),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configura as rotas do relay
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/{room}", s.handleRoom).Methods(http.MethodGet)
}

// Handler returns the HTTP handler serving the relay routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.mutex.Lock()
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}
	srv := s.httpSrv
	s.mutex.Unlock()

	log.Printf("[RELAY] running at '%s'", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay listen on %s: %w", addr, err)
	}
	return nil
}

// Shutdown stops accepting connections, closes the open ones and releases
// the fan-out.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	srv := s.httpSrv
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mutex.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	// hijacked websocket connections are not tracked by http.Server
	for _, r := range rooms {
		r.mutex.Lock()
		for c := range r.conns {
			c.shutdown()
		}
		r.mutex.Unlock()
	}
	if s.fanout != nil {
		if cerr := s.fanout.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Rooms returns the number of live rooms.
func (s *Server) Rooms() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.rooms)
}

// join returns the room called name, creating it for its first connection,
// and registers c in it.
func (s *Server) join(ctx context.Context, name string, c *conn) (*room, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	r, ok := s.rooms[name]
	if !ok {
		r = newRoom(name, s.cfg, s.fanout)
		if err := r.attachFanout(ctx); err != nil {
			r.destroy()
			return nil, err
		}
		s.rooms[name] = r
		log.Printf("[RELAY] Room %s opened", name)
	}
	r.add(c)
	s.accepted++
	return r, nil
}

// leave unregisters c and destroys the room once it is empty.
func (s *Server) leave(r *room, c *conn) {
	s.mutex.Lock()
	left := r.remove(c)
	if left == 0 && s.rooms[r.name] == r {
		delete(s.rooms, r.name)
	} else {
		r = nil
	}
	s.mutex.Unlock()

	if r != nil {
		r.destroy()
		log.Printf("[RELAY] Room %s closed", r.name)
	}
}

func (s *Server) handleRoom(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["room"]

	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("[RELAY] Upgrade failed: %v", err)
		return
	}

	// the room outlives this request
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	c := newConn(ws)
	r, err := s.join(ctx, name, c)
	cancel()
	if err != nil {
		log.Printf("[RELAY] Join %s failed: %v", name, err)
		ws.Close()
		return
	}

	go c.writeLoop(s.cfg.PingInterval)
	r.welcome(c)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		r.handle(c, data)
	}

	c.shutdown()
	<-c.done
	s.leave(r, c)
}

// StatsResponse is returned by /stats.
type StatsResponse struct {
	Rooms         map[string]map[string]interface{} `json:"rooms"`
	Accepted      int64                             `json:"accepted_connections"`
	ServerUptime  string                            `json:"server_uptime"`
	Fanout        map[string]interface{}            `json:"fanout,omitempty"`
	GC            bool                              `json:"gc"`
	PingIntervalS float64                           `json:"ping_interval_seconds"`
}

// GetStats collects per-room details.
func (s *Server) GetStats() StatsResponse {
	s.mutex.Lock()
	rooms := make(map[string]*room, len(s.rooms))
	for name, r := range s.rooms {
		rooms[name] = r
	}
	accepted := s.accepted
	s.mutex.Unlock()

	resp := StatsResponse{
		Rooms:         make(map[string]map[string]interface{}, len(rooms)),
		Accepted:      accepted,
		ServerUptime:  time.Since(s.startTime).String(),
		GC:            s.cfg.GC,
		PingIntervalS: s.cfg.PingInterval.Seconds(),
	}
	for name, r := range rooms {
		resp.Rooms[name] = r.stats()
	}
	if rf, ok := s.fanout.(*RedisFanout); ok {
		resp.Fanout = rf.GetStats()
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"rooms":  s.Rooms(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.GetStats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
