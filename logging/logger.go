package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/heitortanoue/crdtboard/pkg/crdt"
)

// PeerLogger gerencia logs estruturados do par
type PeerLogger struct {
	clientID crdt.ClientID
	logger   *log.Logger
}

// NewPeerLogger cria um novo logger para o par
func NewPeerLogger(clientID crdt.ClientID) *PeerLogger {
	return NewPeerLoggerTo(os.Stdout, clientID)
}

// NewPeerLoggerTo writes the event lines to w.
func NewPeerLoggerTo(w io.Writer, clientID crdt.ClientID) *PeerLogger {
	logger := log.New(w, fmt.Sprintf("[%d] ", clientID), log.LstdFlags|log.Lmicroseconds)
	return &PeerLogger{
		clientID: clientID,
		logger:   logger,
	}
}

// LogBoardEdit registra uma edição local do tabuleiro
func (l *PeerLogger) LogBoardEdit(op string, index int, color string) {
	l.logger.Printf("BOARD_EDIT: op=%s index=%d color=%s edited_at=%d",
		op, index, color, time.Now().UnixMilli())
}

// LogUpdate registra uma atualização aplicada ao documento
func (l *PeerLogger) LogUpdate(ev crdt.Event) {
	source := "remote"
	if ev.Local {
		source = "local"
	}
	l.logger.Printf("UPDATE: source=%s inserts=%d deletes=%d applied_at=%d",
		source, len(ev.Update.Inserts), len(ev.Update.Deletes), time.Now().UnixMilli())
}

// LogPeerJoin registra entrada de novo par
func (l *PeerLogger) LogPeerJoin(peerID crdt.ClientID) {
	l.logger.Printf("PEER_JOIN: peer=%d joined_at=%d",
		peerID, time.Now().UnixMilli())
}

// LogPeerLeave registra saída de par
func (l *PeerLogger) LogPeerLeave(peerID crdt.ClientID) {
	l.logger.Printf("PEER_LEAVE: peer=%d left_at=%d",
		peerID, time.Now().UnixMilli())
}

// LogElection registra o resultado de uma decisão de eleição
func (l *PeerLogger) LogElection(outcome string, leader crdt.ClientID) {
	l.logger.Printf("ELECTION: outcome=%s leader=%d decided_at=%d",
		outcome, leader, time.Now().UnixMilli())
}

// LogStatus registra mudanças de conexão
func (l *PeerLogger) LogStatus(status string) {
	l.logger.Printf("STATUS: status=%s changed_at=%d",
		status, time.Now().UnixMilli())
}

// LogSynced registra mudanças do estado de sincronização
func (l *PeerLogger) LogSynced(synced bool) {
	l.logger.Printf("SYNCED: synced=%t changed_at=%d",
		synced, time.Now().UnixMilli())
}

// LogStateSnapshot registra snapshot do estado atual
func (l *PeerLogger) LogStateSnapshot(squares int, peers int) {
	l.logger.Printf("STATE_SNAPSHOT: squares=%d peers=%d snapshot_at=%d",
		squares, peers, time.Now().UnixMilli())
}

// LogError registra erros
func (l *PeerLogger) LogError(operation string, err error) {
	l.logger.Printf("ERROR: operation=%s error=%s occurred_at=%d",
		operation, err.Error(), time.Now().UnixMilli())
}

// LogMetrics registra métricas de desempenho
func (l *PeerLogger) LogMetrics(operation string, duration time.Duration, count int) {
	l.logger.Printf("METRICS: operation=%s duration_ms=%.2f count=%d ops_per_sec=%.2f measured_at=%d",
		operation, float64(duration.Microseconds())/1000.0, count,
		float64(count)/duration.Seconds(), time.Now().UnixMilli())
}
