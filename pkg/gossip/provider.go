package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/heitortanoue/crdtboard/pkg/crdt"
	"github.com/heitortanoue/crdtboard/pkg/presence"
	"github.com/heitortanoue/crdtboard/pkg/protocol"
	"github.com/heitortanoue/crdtboard/pkg/transport"
)

const leaveTimeout = 5 * time.Second

// remoteState is exchanged during push/pull anti-entropy.
type remoteState struct {
	Room      string          `json:"room"`
	ClientID  crdt.ClientID   `json:"client_id"`
	Update    crdt.Update     `json:"update"`
	Awareness presence.Update `json:"awareness"`
}

// Provider replicates a room over a SWIM cluster instead of a relay.
// Small messages ride the gossip queue; the full document is exchanged on
// join and on every push/pull.
type Provider struct {
	*transport.Notifier

	cfg       Config
	room      string
	doc       *crdt.Doc
	awareness *presence.Awareness
	diss      *Disseminator

	mutex sync.RWMutex
	ml    *memberlist.Memberlist
	nodes map[string]crdt.ClientID // nome do nó -> cliente
	unsub []func()
}

// NewProvider prepares a gossip provider. Nothing listens until Connect.
func NewProvider(cfg Config, room string, doc *crdt.Doc, awareness *presence.Awareness) *Provider {
	p := &Provider{
		Notifier:  transport.NewNotifier(),
		cfg:       cfg,
		room:      room,
		doc:       doc,
		awareness: awareness,
		nodes:     make(map[string]crdt.ClientID),
	}
	p.diss = NewDisseminator(cfg.TTL, cfg.RetransmitMult, p.numNodes, p.sendReliable)
	return p
}

// Awareness returns the presence tracker carried by this provider.
func (p *Provider) Awareness() *presence.Awareness {
	return p.awareness
}

// Connect starts the SWIM node and joins the configured seeds.
func (p *Provider) Connect(ctx context.Context) error {
	p.mutex.Lock()
	if p.ml != nil {
		p.mutex.Unlock()
		return nil
	}
	p.mutex.Unlock()

	p.SetStatus(transport.StatusConnecting)
	mc := memberlistConfig(p.cfg, p.doc.ClientID())
	mc.Delegate = p
	mc.Events = p

	ml, err := memberlist.Create(mc)
	if err != nil {
		err = fmt.Errorf("create memberlist: %w: %v", transport.ErrTransportUnavailable, err)
		p.SetError(err)
		p.SetStatus(transport.StatusDisconnected)
		return err
	}

	p.mutex.Lock()
	p.ml = ml
	p.unsub = append(p.unsub,
		p.doc.OnUpdate(p.forwardUpdate),
		p.awareness.OnUpdate(p.forwardAwareness),
	)
	p.mutex.Unlock()

	log.Printf("[GOSSIP] Node %s listening on %s", mc.Name, ml.LocalNode().Address())
	p.SetStatus(transport.StatusConnected)

	seeds := filterSeeds(p.cfg.Seeds, ml.LocalNode().Address())
	if len(seeds) == 0 {
		p.SetSynced(true)
		return nil
	}
	if _, err := p.Join(seeds); err != nil {
		log.Printf("[GOSSIP] Aviso: erro ao juntar-se aos seeds %v: %v", seeds, err)
	}
	return nil
}

// Join contacts addrs and merges their state.
func (p *Provider) Join(addrs []string) (int, error) {
	ml := p.list()
	if ml == nil {
		return 0, transport.ErrTransportUnavailable
	}

	n, err := ml.Join(addrs)
	if err != nil {
		p.SetError(fmt.Errorf("join %v: %w: %v", addrs, transport.ErrTransportUnavailable, err))
		return n, err
	}
	log.Printf("[GOSSIP] Juntou-se a %d nós", n)
	if err := p.diss.Disseminate(protocol.CreateQueryAwarenessMessage(p.room, p.doc.ClientID())); err != nil {
		log.Printf("[GOSSIP] Awareness query not sent: %v", err)
	}
	return n, nil
}

// Close leaves the cluster gracefully and shuts the node down.
func (p *Provider) Close() error {
	p.mutex.Lock()
	ml := p.ml
	unsub := p.unsub
	p.ml, p.unsub = nil, nil
	p.mutex.Unlock()

	if ml == nil {
		return nil
	}
	for _, fn := range unsub {
		fn()
	}

	if err := ml.Leave(leaveTimeout); err != nil {
		log.Printf("[GOSSIP] Leave: %v", err)
	}
	err := ml.Shutdown()
	p.diss.Reset()

	p.SetSynced(false)
	if remote := p.awareness.RemoteIDs(); len(remote) > 0 {
		p.awareness.RemoveStates(remote, p)
	}
	p.SetStatus(transport.StatusDisconnected)
	if err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	return nil
}

// LocalAddr returns the host:port other peers can join.
func (p *Provider) LocalAddr() string {
	ml := p.list()
	if ml == nil {
		return ""
	}
	return ml.LocalNode().Address()
}

// Members returns the number of live members, this node included.
func (p *Provider) Members() int {
	return p.numNodes()
}

// p.mutex is never held while calling into memberlist: event callbacks run
// under memberlist's node lock and take p.mutex themselves.
func (p *Provider) list() *memberlist.Memberlist {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.ml
}

func (p *Provider) numNodes() int {
	ml := p.list()
	if ml == nil {
		return 1
	}
	return ml.NumMembers()
}

// sendReliable streams data to every other member. It runs asynchronously
// because memberlist may invoke callbacks while holding its node lock.
func (p *Provider) sendReliable(data []byte) {
	ml := p.list()
	if ml == nil {
		return
	}

	go func() {
		local := ml.LocalNode().Name
		for _, node := range ml.Members() {
			if node.Name == local {
				continue
			}
			if err := ml.SendReliable(node, data); err != nil {
				log.Printf("[GOSSIP] Reliable send to %s failed: %v", node.Name, err)
			}
		}
	}()
}

func (p *Provider) forwardUpdate(ev crdt.Event) {
	if ev.Origin == p {
		return
	}
	msg := protocol.CreateUpdateMessage(p.room, p.doc.ClientID(), ev.Update)
	if err := p.diss.Disseminate(msg); err != nil {
		log.Printf("[GOSSIP] Update not sent: %v", err)
	}
}

func (p *Provider) forwardAwareness(ev presence.ChangeEvent) {
	if ev.Origin == p {
		return
	}
	p.broadcastAwareness(ev.Clients()...)
}

func (p *Provider) broadcastAwareness(clients ...crdt.ClientID) {
	msg, err := protocol.CreateAwarenessMessage(p.room, p.doc.ClientID(), p.awareness.EncodeUpdate(clients...))
	if err != nil {
		log.Printf("[GOSSIP] Awareness not sent: %v", err)
		return
	}
	if err := p.diss.Disseminate(msg); err != nil {
		log.Printf("[GOSSIP] Awareness not sent: %v", err)
	}
}

// NodeMeta implements memberlist.Delegate.
func (p *Provider) NodeMeta(limit int) []byte {
	raw, err := json.Marshal(nodeMeta{ClientID: p.doc.ClientID(), Room: p.room})
	if err != nil || len(raw) > limit {
		return nil
	}
	return raw
}

// NotifyMsg implements memberlist.Delegate.
func (p *Provider) NotifyMsg(buf []byte) {
	data := make([]byte, len(buf))
	copy(data, buf)

	msg, ok := p.diss.Receive(data)
	if !ok || msg.Room != p.room || msg.SenderID == p.doc.ClientID() {
		return
	}

	switch msg.Type {
	case protocol.UpdateType, protocol.SyncStep2Type:
		if _, err := protocol.HandleSync(p.doc, msg, p); err != nil {
			log.Printf("[GOSSIP] Update from %d rejected: %v", msg.SenderID, err)
		}
	case protocol.AwarenessType:
		if aw, ok := protocol.ParseAwarenessMessage(msg); ok {
			p.awareness.ApplyUpdate(aw.Update, p)
		}
	case protocol.QueryAwarenessType:
		if p.awareness.LocalState() != nil {
			p.broadcastAwareness(p.awareness.LocalID())
		}
	}
}

// GetBroadcasts implements memberlist.Delegate.
func (p *Provider) GetBroadcasts(overhead, limit int) [][]byte {
	return p.diss.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate.
func (p *Provider) LocalState(join bool) []byte {
	raw, err := json.Marshal(remoteState{
		Room:      p.room,
		ClientID:  p.doc.ClientID(),
		Update:    p.doc.EncodeStateAsUpdate(nil),
		Awareness: p.awareness.EncodeUpdate(),
	})
	if err != nil {
		log.Printf("[GOSSIP] Local state not encoded: %v", err)
		return nil
	}
	return raw
}

// MergeRemoteState implements memberlist.Delegate.
func (p *Provider) MergeRemoteState(buf []byte, join bool) {
	var st remoteState
	if err := json.Unmarshal(buf, &st); err != nil {
		log.Printf("[GOSSIP] Remote state discarded: %v", err)
		return
	}
	if st.Room != p.room {
		return
	}
	if err := p.doc.ApplyUpdate(st.Update, p); err != nil {
		log.Printf("[GOSSIP] Remote state from %d rejected: %v", st.ClientID, err)
		return
	}
	p.awareness.ApplyUpdate(st.Awareness, p)
	p.SetSynced(true)
}

// NotifyJoin implements memberlist.EventDelegate.
func (p *Provider) NotifyJoin(n *memberlist.Node) {
	meta, ok := decodeMeta(n.Meta)
	if !ok || meta.Room != p.room || meta.ClientID == p.doc.ClientID() {
		return
	}
	p.mutex.Lock()
	p.nodes[n.Name] = meta.ClientID
	p.mutex.Unlock()

	log.Printf("[GOSSIP] Nó %s (%s) se juntou à sala %s", n.Name, n.Address(), p.room)
	if p.awareness.LocalState() != nil {
		p.broadcastAwareness(p.awareness.LocalID())
	}
}

// NotifyLeave implements memberlist.EventDelegate.
func (p *Provider) NotifyLeave(n *memberlist.Node) {
	p.mutex.Lock()
	id, ok := p.nodes[n.Name]
	delete(p.nodes, n.Name)
	p.mutex.Unlock()
	if !ok {
		return
	}

	log.Printf("[GOSSIP] Nó %s deixou o cluster", n.Name)
	p.awareness.RemoveStates([]crdt.ClientID{id}, p)
}

// NotifyUpdate implements memberlist.EventDelegate.
func (p *Provider) NotifyUpdate(n *memberlist.Node) {}

// Stats returns cluster and dissemination details.
func (p *Provider) Stats() map[string]interface{} {
	stats := p.Notifier.Stats()
	stats["transport"] = "gossip"
	stats["members"] = p.Members()
	stats["local_addr"] = p.LocalAddr()
	stats["dissemination"] = p.diss.GetStats()

	p.mutex.RLock()
	stats["room_peers"] = len(p.nodes)
	p.mutex.RUnlock()
	return stats
}
