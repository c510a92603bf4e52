package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/heitortanoue/crdtboard/internal/config"
	"github.com/heitortanoue/crdtboard/logging"
	"github.com/heitortanoue/crdtboard/pkg/board"
	"github.com/heitortanoue/crdtboard/pkg/crdt"
	"github.com/heitortanoue/crdtboard/pkg/discovery"
	"github.com/heitortanoue/crdtboard/pkg/election"
	"github.com/heitortanoue/crdtboard/pkg/gossip"
	"github.com/heitortanoue/crdtboard/pkg/presence"
	"github.com/heitortanoue/crdtboard/pkg/projection"
	"github.com/heitortanoue/crdtboard/pkg/transport"
)

// ErrEmptyPresenceKey is returned by SetPresence for an empty field name.
var ErrEmptyPresenceKey = errors.New("presence key is empty")

// Config describes one replica.
type Config struct {
	Room      string
	ClientID  crdt.ClientID // 0 sorteia um id
	User      string
	Palette   []string
	Transport string // websocket, gossip ou local
	RelayURL  string
	Gossip    gossip.Config
	MDNS      bool

	ElectionDelay    time.Duration
	StartupDelay     time.Duration
	AwarenessTimeout time.Duration

	LogOutput io.Writer // nil escreve em os.Stdout
}

// ConfigFrom maps the file configuration onto a peer configuration.
func ConfigFrom(c *config.Config) Config {
	g := gossip.DefaultConfig()
	g.BindAddr = c.Gossip.BindAddr
	g.BindPort = c.Gossip.BindPort
	g.Seeds = c.Gossip.Seeds
	g.Profile = c.Gossip.Profile
	g.TTL = c.Gossip.TTL
	g.RetransmitMult = c.Gossip.RetransmitMult
	g.PushPullInterval = c.Gossip.PushPullInterval

	return Config{
		Room:             c.Room,
		ClientID:         crdt.ClientID(c.ClientID),
		User:             c.User,
		Palette:          c.Palette,
		Transport:        c.Transport,
		RelayURL:         c.RelayURL,
		Gossip:           g,
		MDNS:             c.Gossip.MDNS,
		ElectionDelay:    c.ElectionDelay,
		StartupDelay:     c.StartupDelay,
		AwarenessTimeout: c.AwarenessTimeout,
	}
}

// Peer owns everything one replica needs: the document and its board view,
// presence, the transport, the seeding election and the projection.
type Peer struct {
	cfg        Config
	doc        *crdt.Doc
	store      *board.Store
	awareness  *presence.Awareness
	provider   transport.Provider
	election   *election.Election
	projection *projection.Projection
	logger     *logging.PeerLogger
	discovery  *discovery.Discovery

	mutex     sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	unsub     []func()
	startTime time.Time
}

// New assembles a replica. Nothing runs until Start.
func New(cfg Config) (*Peer, error) {
	if cfg.Room == "" {
		return nil, fmt.Errorf("%w: room is required", config.ErrInvalidConfig)
	}
	if cfg.ClientID == 0 {
		cfg.ClientID = crdt.NewClientID()
	}
	if len(cfg.Palette) == 0 {
		cfg.Palette = board.DefaultPalette
	}

	doc := crdt.NewDoc(cfg.ClientID)
	store := board.NewStore(doc)
	aw := presence.NewAwareness(cfg.ClientID, cfg.AwarenessTimeout)

	var provider transport.Provider
	switch cfg.Transport {
	case config.TransportWebsocket, "":
		provider = transport.NewWebsocketProvider(cfg.RelayURL, cfg.Room, doc, aw)
	case config.TransportGossip:
		provider = gossip.NewProvider(cfg.Gossip, cfg.Room, doc, aw)
	case config.TransportLocal:
		provider = transport.NewLocalProvider(aw)
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, cfg.Transport)
	}

	logger := logging.NewPeerLogger(cfg.ClientID)
	if cfg.LogOutput != nil {
		logger = logging.NewPeerLoggerTo(cfg.LogOutput, cfg.ClientID)
	}

	return &Peer{
		cfg:        cfg,
		doc:        doc,
		store:      store,
		awareness:  aw,
		provider:   provider,
		election:   election.NewElection(aw, store, cfg.ElectionDelay, cfg.StartupDelay),
		projection: projection.New(store),
		logger:     logger,
	}, nil
}

// Start announces presence, connects the transport and arms the election.
// Transport failures are recorded on the provider; the replica keeps
// working offline.
func (p *Peer) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.started {
		return nil
	}
	p.started = true
	p.startTime = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	state := presence.State{}
	if p.cfg.User != "" {
		state["user"] = p.cfg.User
	}
	p.awareness.SetLocalState(state)
	p.awareness.Start()

	p.unsub = append(p.unsub,
		p.awareness.Observe(p.onPresence),
		p.provider.OnSynced(func(synced bool) {
			p.logger.LogSynced(synced)
			p.election.Schedule()
		}),
		p.provider.OnStatus(func(s transport.Status) {
			p.logger.LogStatus(string(s))
			p.election.Schedule()
		}),
		p.election.OnDecision(func(d election.Decision) {
			p.logger.LogElection(string(d.Outcome), d.Leader)
			p.logger.LogStateSnapshot(p.store.Len(), p.awareness.Count())
		}),
		p.doc.OnUpdate(p.logger.LogUpdate),
	)

	if err := p.provider.Connect(runCtx); err != nil {
		p.logger.LogError("connect", err)
	}
	p.startDiscovery(runCtx)
	p.election.Start()

	log.Printf("[PEER] %d started in room %s (transport %s)", p.cfg.ClientID, p.cfg.Room, p.TransportName())
	return nil
}

func (p *Peer) onPresence(ev presence.ChangeEvent) {
	for _, id := range ev.Added {
		if id != p.cfg.ClientID {
			p.logger.LogPeerJoin(id)
		}
	}
	for _, id := range ev.Removed {
		if id != p.cfg.ClientID {
			p.logger.LogPeerLeave(id)
		}
	}
	p.election.Schedule()
}

// startDiscovery advertises the gossip endpoint over mDNS and joins the
// peers found in the same room.
func (p *Peer) startDiscovery(ctx context.Context) {
	gp, ok := p.provider.(*gossip.Provider)
	if !ok || !p.cfg.MDNS {
		return
	}
	_, portStr, err := net.SplitHostPort(gp.LocalAddr())
	if err != nil {
		p.logger.LogError("discovery", err)
		return
	}
	port, _ := strconv.Atoi(portStr)

	d := discovery.New(discovery.DefaultConfig(), p.cfg.Room, p.cfg.ClientID, port)
	if err := d.Advertise(); err != nil {
		p.logger.LogError("discovery", err)
		return
	}
	p.discovery = d

	go func() {
		err := d.Run(ctx, func(addrs []string) {
			if _, err := gp.Join(addrs); err != nil {
				for _, addr := range addrs {
					d.Forget(addr)
				}
			}
		})
		if err != nil {
			p.logger.LogError("discovery", err)
		}
	}()
}

// Stop leaves the room and releases every background task. It is safe to
// call more than once.
func (p *Peer) Stop() error {
	p.mutex.Lock()
	if !p.started || p.stopped {
		p.mutex.Unlock()
		return nil
	}
	p.stopped = true
	unsub := p.unsub
	p.unsub = nil
	cancel := p.cancel
	p.mutex.Unlock()

	for _, fn := range unsub {
		fn()
	}
	p.election.Stop()
	if p.discovery != nil {
		p.discovery.Stop()
	}
	err := p.provider.Close()
	p.awareness.Stop()
	cancel()

	log.Printf("[PEER] %d stopped", p.cfg.ClientID)
	return err
}

// ToggleSquare flips square index between black and white.
func (p *Peer) ToggleSquare(index int) error {
	if err := p.store.ToggleSquare(index, p); err != nil {
		return err
	}
	color, _ := p.store.Get(index)
	p.logger.LogBoardEdit("toggle", index, color)
	return nil
}

// SetSquareColor paints square index with color.
func (p *Peer) SetSquareColor(index int, color string) error {
	if err := p.store.SetSquareColor(index, color, p); err != nil {
		return err
	}
	p.logger.LogBoardEdit("set", index, color)
	return nil
}

// Reset restores the checkerboard pattern.
func (p *Peer) Reset() error {
	start := time.Now()
	if err := p.store.Reset(p); err != nil {
		return err
	}
	p.logger.LogMetrics("reset", time.Since(start), board.Size)
	p.logger.LogBoardEdit("reset", -1, "")
	return nil
}

// Fill paints every square with color.
func (p *Peer) Fill(color string) error {
	start := time.Now()
	if err := p.store.Fill(color, p); err != nil {
		return err
	}
	p.logger.LogMetrics("fill", time.Since(start), board.Size)
	p.logger.LogBoardEdit("fill", -1, color)
	return nil
}

// SetPresence publishes one field of the local presence state, such as the
// color the user has picked.
func (p *Peer) SetPresence(key string, value any) error {
	if key == "" {
		return ErrEmptyPresenceKey
	}
	p.awareness.SetLocalStateField(key, value)
	return nil
}

// ClientID returns the replica id.
func (p *Peer) ClientID() crdt.ClientID { return p.cfg.ClientID }

// Room returns the room the replica belongs to.
func (p *Peer) Room() string { return p.cfg.Room }

// Palette returns the colors offered to users.
func (p *Peer) Palette() []string { return append([]string(nil), p.cfg.Palette...) }

// Store returns the board view.
func (p *Peer) Store() *board.Store { return p.store }

// Awareness returns the presence tracker.
func (p *Peer) Awareness() *presence.Awareness { return p.awareness }

// Provider returns the transport.
func (p *Peer) Provider() transport.Provider { return p.provider }

// Election returns the seeding election.
func (p *Peer) Election() *election.Election { return p.election }

// Projection returns the snapshot projection of the board.
func (p *Peer) Projection() *projection.Projection { return p.projection }

// Logger returns the event logger.
func (p *Peer) Logger() *logging.PeerLogger { return p.logger }

// TransportName returns the configured transport kind.
func (p *Peer) TransportName() string {
	switch p.provider.(type) {
	case *gossip.Provider:
		return config.TransportGossip
	case *transport.LocalProvider:
		return config.TransportLocal
	default:
		return config.TransportWebsocket
	}
}

// Stats returns the replica state for status endpoints.
func (p *Peer) Stats() map[string]interface{} {
	p.mutex.Lock()
	startTime := p.startTime
	p.mutex.Unlock()

	stats := map[string]interface{}{
		"client_id":  uint64(p.cfg.ClientID),
		"room":       p.cfg.Room,
		"transport":  p.TransportName(),
		"squares":    p.store.Len(),
		"pending":    p.doc.PendingCount(),
		"election":   p.election.GetStateInfo(),
		"presence":   p.awareness.GetStats(),
		"projection": p.projection.Subscribers(),
		"observers":  p.store.Colors().Observers(),
	}
	if !startTime.IsZero() {
		stats["uptime"] = time.Since(startTime).String()
	}
	if s, ok := p.provider.(interface{ Stats() map[string]interface{} }); ok {
		stats["provider"] = s.Stats()
	}
	return stats
}
