package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/heitortanoue/crdtboard/pkg/board"
	"github.com/heitortanoue/crdtboard/pkg/crdt"
	"github.com/heitortanoue/crdtboard/pkg/gossip"
	"github.com/heitortanoue/crdtboard/pkg/peer"
	"github.com/heitortanoue/crdtboard/pkg/presence"
)

// BoardServer representa o servidor HTTP de um par
type BoardServer struct {
	peer      *peer.Peer
	port      int
	router    *mux.Router
	upgrader  websocket.Upgrader
	httpSrv   *http.Server
	startTime time.Time
}

// NewBoardServer cria o servidor da API para o par
func NewBoardServer(p *peer.Peer, port int) *BoardServer {
	s := &BoardServer{
		peer:   p,
		port:   port,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configura as rotas da API
func (s *BoardServer) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/board", s.handleGetBoard).Methods(http.MethodGet)
	s.router.HandleFunc("/board/stream", s.handleStream).Methods(http.MethodGet)
	s.router.HandleFunc("/board/toggle", s.handleToggle).Methods(http.MethodPost)
	s.router.HandleFunc("/board/color", s.handleSetColor).Methods(http.MethodPost)
	s.router.HandleFunc("/board/reset", s.handleReset).Methods(http.MethodPost)
	s.router.HandleFunc("/board/fill", s.handleFill).Methods(http.MethodPost)
	s.router.HandleFunc("/palette", s.handlePalette).Methods(http.MethodGet)
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.HandleFunc("/presence", s.handlePresence).Methods(http.MethodPost)
	s.router.HandleFunc("/join", s.handleJoin).Methods(http.MethodPost)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
}

// Handler returns the router serving the API.
func (s *BoardServer) Handler() http.Handler {
	return s.router
}

// Start inicia o servidor HTTP
func (s *BoardServer) Start() error {
	s.httpSrv = &http.Server{Addr: ":" + strconv.Itoa(s.port), Handler: s.router}
	log.Printf("[API] Servidor do par %d na porta %d", s.peer.ClientID(), s.port)

	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen on %d: %w", s.port, err)
	}
	return nil
}

// Shutdown desliga o servidor gracefully
func (s *BoardServer) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Estruturas para requisições e respostas da API
type BoardResponse struct {
	Rows   int      `json:"rows"`
	Cols   int      `json:"cols"`
	Length int      `json:"length"`
	Colors []string `json:"colors"`
}

type ToggleRequest struct {
	Index *int `json:"index"`
}

type ColorRequest struct {
	Index *int   `json:"index"`
	Color string `json:"color"`
}

type FillRequest struct {
	Color string `json:"color"`
}

type PaletteResponse struct {
	Colors []string `json:"colors"`
}

type PeersResponse struct {
	LocalID uint64     `json:"local_id"`
	Peers   []PeerInfo `json:"peers"`
	Total   int        `json:"total"`
	Leader  uint64     `json:"leader"`
}

type PeerInfo struct {
	ClientID uint64         `json:"client_id"`
	Local    bool           `json:"local"`
	State    presence.State `json:"state"`
}

type PresenceRequest struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

type JoinRequest struct {
	NodeAddress string `json:"node_address"`
}

type JoinResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *BoardServer) boardResponse() BoardResponse {
	colors := s.peer.Store().Snapshot()
	return BoardResponse{Rows: board.Rows, Cols: board.Cols, Length: len(colors), Colors: colors}
}

// handleHealth processa GET /health
func (s *BoardServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"client_id": uint64(s.peer.ClientID()),
		"synced":    s.peer.Provider().Synced(),
	})
}

// handleGetBoard processa GET /board
func (s *BoardServer) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.boardResponse())
}

// handleToggle processa POST /board/toggle
func (s *BoardServer) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Index == nil {
		writeError(w, http.StatusBadRequest, "JSON inválido: index obrigatório")
		return
	}
	if err := s.peer.ToggleSquare(*req.Index); err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.boardResponse())
}

// handleSetColor processa POST /board/color
func (s *BoardServer) handleSetColor(w http.ResponseWriter, r *http.Request) {
	var req ColorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Index == nil || req.Color == "" {
		writeError(w, http.StatusBadRequest, "JSON inválido: index e color obrigatórios")
		return
	}
	if err := s.peer.SetSquareColor(*req.Index, req.Color); err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.boardResponse())
}

// handleReset processa POST /board/reset
func (s *BoardServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.peer.Reset(); err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.boardResponse())
}

// handleFill processa POST /board/fill
func (s *BoardServer) handleFill(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Color == "" {
		writeError(w, http.StatusBadRequest, "JSON inválido: color obrigatório")
		return
	}
	if err := s.peer.Fill(req.Color); err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.boardResponse())
}

// handlePalette processa GET /palette
func (s *BoardServer) handlePalette(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PaletteResponse{Colors: s.peer.Palette()})
}

// handlePeers processa GET /peers
func (s *BoardServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	aw := s.peer.Awareness()
	states := aw.States()
	ids := aw.PeerIDs()

	resp := PeersResponse{
		LocalID: uint64(aw.LocalID()),
		Peers:   make([]PeerInfo, 0, len(ids)),
		Total:   len(ids),
	}
	leader := aw.LocalID()
	if len(ids) > 0 {
		leader = ids[0]
	}
	resp.Leader = uint64(leader)
	for _, id := range ids {
		resp.Peers = append(resp.Peers, PeerInfo{
			ClientID: uint64(id),
			Local:    id == aw.LocalID(),
			State:    states[id],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePresence processa POST /presence
func (s *BoardServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req PresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "JSON inválido")
		return
	}
	if err := s.peer.SetPresence(req.Key, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.peer.Awareness().LocalState())
}

// handleJoin processa POST /join. Only the gossip transport can join nodes
// by address.
func (s *BoardServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	gp, ok := s.peer.Provider().(*gossip.Provider)
	if !ok {
		writeError(w, http.StatusConflict, "transporte atual não aceita join")
		return
	}

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeAddress == "" {
		writeError(w, http.StatusBadRequest, "JSON inválido: node_address obrigatório")
		return
	}

	resp := JoinResponse{Success: true, Message: fmt.Sprintf("Conectado ao cluster via %s", req.NodeAddress)}
	status := http.StatusOK
	if _, err := gp.Join([]string{req.NodeAddress}); err != nil {
		resp = JoinResponse{Success: false, Message: fmt.Sprintf("Falha ao conectar: %v", err)}
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

// handleStats processa GET /stats
func (s *BoardServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.peer.Stats()
	stats["server_uptime"] = time.Since(s.startTime).Round(time.Second).String()
	writeJSON(w, http.StatusOK, stats)
}

// handleStream processa GET /board/stream: every committed change pushes
// the full board to the client.
func (s *BoardServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the reader only notices the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for colors := range s.peer.Projection().Watch(ctx) {
		resp := BoardResponse{Rows: board.Rows, Cols: board.Cols, Length: len(colors), Colors: colors}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func writeMutationError(w http.ResponseWriter, err error) {
	if errors.Is(err, crdt.ErrIndexOutOfRange) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
