package election

import (
	"log"
	"sync"
	"time"

	"github.com/heitortanoue/crdtboard/internal/observer"
	"github.com/heitortanoue/crdtboard/pkg/crdt"
)

const (
	DefaultDelay        = 800 * time.Millisecond
	DefaultStartupDelay = 300 * time.Millisecond
)

// Outcome describes what one election decision did.
type Outcome string

const (
	OutcomeSeeded        Outcome = "seeded"
	OutcomeAlreadySeeded Outcome = "already-seeded"
	OutcomeNotEmpty      Outcome = "not-empty"
	OutcomeFollower      Outcome = "follower"
	OutcomeSeedFailed    Outcome = "seed-failed"
)

// Presence is the view of the peer set the election decides on.
type Presence interface {
	LocalID() crdt.ClientID
	PeerIDs() []crdt.ClientID
}

// Seeder is the board the leader initializes.
type Seeder interface {
	Len() int
	Seed(origin any) error
}

// Leader returns the lowest id, or self when ids is empty.
func Leader(ids []crdt.ClientID, self crdt.ClientID) crdt.ClientID {
	if len(ids) == 0 {
		return self
	}
	leader := ids[0]
	for _, id := range ids[1:] {
		if id < leader {
			leader = id
		}
	}
	return leader
}

// Election decides which peer seeds an empty board. Every trigger
// reschedules one decision delay ahead, so bursts of presence churn
// collapse into a single decision once the peer set is quiet.
type Election struct {
	presence     Presence
	seeder       Seeder
	startupDelay time.Duration

	debouncer *Debouncer
	startup   *time.Timer

	mutex        sync.RWMutex
	seeded       bool
	lastOutcome  Outcome
	lastLeader   crdt.ClientID
	decisions    int
	stateChanged time.Time

	listeners observer.Set[Decision]
}

// NewElection cria a eleição do líder que semeia o tabuleiro
func NewElection(presence Presence, seeder Seeder, delay, startupDelay time.Duration) *Election {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if startupDelay <= 0 {
		startupDelay = DefaultStartupDelay
	}
	e := &Election{
		presence:     presence,
		seeder:       seeder,
		startupDelay: startupDelay,
		stateChanged: time.Now(),
	}
	e.debouncer = NewDebouncer(delay, func() { e.Decide() })
	return e
}

// Schedule (re)arms the pending decision.
func (e *Election) Schedule() {
	e.debouncer.Trigger()
}

// Start arms the one-shot startup kick, which itself schedules a decision.
func (e *Election) Start() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.startup != nil {
		return
	}
	e.startup = time.AfterFunc(e.startupDelay, e.Schedule)
}

// Stop cancels the startup kick and any pending decision.
func (e *Election) Stop() {
	e.mutex.Lock()
	if e.startup != nil {
		e.startup.Stop()
	}
	e.mutex.Unlock()
	e.debouncer.Stop()
}

// Decision is reported to OnDecision listeners after every decision.
type Decision struct {
	Outcome Outcome
	Leader  crdt.ClientID
}

// OnDecision registers fn for every decision taken.
func (e *Election) OnDecision(fn func(Decision)) func() {
	return e.listeners.Add(fn)
}

// Decide runs the election once: a seeded or non-empty board is left alone,
// otherwise the lowest present id seeds it.
func (e *Election) Decide() Outcome {
	e.mutex.Lock()
	o := e.decide()
	d := Decision{Outcome: o, Leader: e.lastLeader}
	e.mutex.Unlock()

	e.listeners.Emit(d)
	return o
}

func (e *Election) decide() Outcome {
	e.decisions++
	self := e.presence.LocalID()

	if e.seeded {
		return e.record(OutcomeAlreadySeeded, 0)
	}
	if n := e.seeder.Len(); n != 0 {
		return e.record(OutcomeNotEmpty, 0)
	}

	leader := Leader(e.presence.PeerIDs(), self)
	if leader != self {
		log.Printf("[ELECTION] %d aguardando líder %d semear o tabuleiro", self, leader)
		return e.record(OutcomeFollower, leader)
	}

	if err := e.seeder.Seed("election"); err != nil {
		log.Printf("[ELECTION] %d falhou ao semear: %v", self, err)
		return e.record(OutcomeSeedFailed, leader)
	}
	e.seeded = true
	log.Printf("[ELECTION] %d eleito líder, tabuleiro semeado", self)
	return e.record(OutcomeSeeded, leader)
}

func (e *Election) record(o Outcome, leader crdt.ClientID) Outcome {
	e.lastOutcome = o
	e.lastLeader = leader
	e.stateChanged = time.Now()
	return o
}

// Seeded reports whether this peer seeded the board.
func (e *Election) Seeded() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.seeded
}

// Pending reports whether a decision is scheduled.
func (e *Election) Pending() bool {
	return e.debouncer.Pending()
}

// GetStateInfo retorna informações detalhadas do estado
func (e *Election) GetStateInfo() map[string]interface{} {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return map[string]interface{}{
		"client_id":     uint64(e.presence.LocalID()),
		"seeded":        e.seeded,
		"last_outcome":  string(e.lastOutcome),
		"last_leader":   uint64(e.lastLeader),
		"decisions":     e.decisions,
		"state_changed": e.stateChanged.UnixMilli(),
		"pending":       e.debouncer.Pending(),
	}
}
