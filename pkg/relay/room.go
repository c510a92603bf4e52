package relay

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heitortanoue/crdtboard/pkg/crdt"
	"github.com/heitortanoue/crdtboard/pkg/presence"
	"github.com/heitortanoue/crdtboard/pkg/protocol"
)

const (
	writeWait    = 10 * time.Second
	sendBuffer   = 256
	maxFrameSize = 8 << 20
)

// fanoutOrigin marks changes that arrived from another relay instance.
type fanoutOrigin struct{}

// conn is one client connection with its writer goroutine.
type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
	pong    atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.pong.Store(true)
	ws.SetReadLimit(maxFrameSize)
	ws.SetPongHandler(func(string) error {
		c.pong.Store(true)
		return nil
	})
	return c
}

func (c *conn) enqueue(data []byte) {
	select {
	case <-c.closing:
	case c.send <- data:
	default:
		log.Printf("[RELAY] Send buffer full, closing %s", c.ws.RemoteAddr())
		c.shutdown()
	}
}

func (c *conn) shutdown() {
	c.once.Do(func() { close(c.closing) })
}

// writeLoop sends queued frames and pings the client every pingInterval.
// A client that did not answer the previous ping is disconnected.
func (c *conn) writeLoop(pingInterval time.Duration) {
	defer close(c.done)
	defer c.ws.Close()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		case <-ping.C:
			if !c.pong.Swap(false) {
				log.Printf("[RELAY] No pong from %s, closing", c.ws.RemoteAddr())
				c.shutdown()
				return
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown()
				return
			}
		case <-c.closing:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// room is the in-memory session of one board: a document, the presence of
// its clients and the open connections. It lives only while connections do.
type room struct {
	name      string
	doc       *crdt.Doc
	awareness *presence.Awareness
	fanout    Fanout
	gc        bool

	mutex sync.Mutex
	conns map[*conn]map[crdt.ClientID]struct{} // clientes controlados por conexão
	unsub []func()
}

func newRoom(name string, cfg Config, fanout Fanout) *room {
	id := crdt.NewClientID()
	r := &room{
		name:      name,
		doc:       crdt.NewDoc(id),
		awareness: presence.NewAwareness(id, cfg.AwarenessTimeout),
		fanout:    fanout,
		gc:        cfg.GC,
		conns:     make(map[*conn]map[crdt.ClientID]struct{}),
	}
	r.unsub = append(r.unsub,
		r.doc.OnUpdate(r.onDocUpdate),
		r.awareness.OnUpdate(r.onAwareness),
	)
	r.awareness.Start()
	return r
}

// attachFanout subscribes to the room channel and asks the other instances
// for the state they hold.
func (r *room) attachFanout(ctx context.Context) error {
	if r.fanout == nil {
		return nil
	}
	cancel, err := r.fanout.Subscribe(ctx, r.name, r.onFanout)
	if err != nil {
		return err
	}
	r.mutex.Lock()
	r.unsub = append(r.unsub, cancel)
	r.mutex.Unlock()

	r.publish(protocol.CreateSyncStep1Message(r.name, r.doc.ClientID(), r.doc.StateVector()))
	return nil
}

func (r *room) add(c *conn) {
	r.mutex.Lock()
	r.conns[c] = make(map[crdt.ClientID]struct{})
	r.mutex.Unlock()
}

// remove drops c and the presence it controlled. It returns the number of
// connections left.
func (r *room) remove(c *conn) int {
	r.mutex.Lock()
	controlled, ok := r.conns[c]
	delete(r.conns, c)
	left := len(r.conns)
	r.mutex.Unlock()

	if !ok || len(controlled) == 0 {
		return left
	}
	ids := make([]crdt.ClientID, 0, len(controlled))
	for id := range controlled {
		ids = append(ids, id)
	}
	if removed := r.awareness.RemoveStates(ids, r); len(removed.Clients) > 0 {
		msg, err := protocol.CreateAwarenessMessage(r.name, r.doc.ClientID(), removed)
		if err == nil {
			r.broadcast(msg)
			r.publish(msg)
		}
	}
	return left
}

// destroy releases everything the room holds.
func (r *room) destroy() {
	r.mutex.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mutex.Unlock()

	for _, fn := range unsub {
		fn()
	}
	r.awareness.Stop()
}

// welcome sends a new connection the room's sync step 1 and the current
// presence.
func (r *room) welcome(c *conn) {
	r.sendTo(c, protocol.CreateSyncStep1Message(r.name, r.doc.ClientID(), r.doc.StateVector()))
	if states := r.awareness.EncodeUpdate(); len(states.Clients) > 0 {
		if msg, err := protocol.CreateAwarenessMessage(r.name, r.doc.ClientID(), states); err == nil {
			r.sendTo(c, msg)
		}
	}
}

// handle processes one frame received from c.
func (r *room) handle(c *conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Printf("[RELAY] Dropping frame in %s: %v", r.name, err)
		return
	}

	switch msg.Type {
	case protocol.SyncStep1Type, protocol.SyncStep2Type, protocol.UpdateType:
		reply, err := protocol.HandleSync(r.doc, msg, c)
		if err != nil {
			log.Printf("[RELAY] Update from %d rejected in %s: %v", msg.SenderID, r.name, err)
			return
		}
		if reply != nil {
			r.sendTo(c, *reply)
		}
		if r.gc && msg.Type != protocol.SyncStep1Type {
			r.doc.GC()
		}

	case protocol.AwarenessType:
		aw, ok := protocol.ParseAwarenessMessage(msg)
		if !ok {
			log.Printf("[RELAY] Bad awareness frame from %d in %s", msg.SenderID, r.name)
			return
		}
		r.awareness.ApplyUpdate(aw.Update, c)

	case protocol.QueryAwarenessType:
		if reply, err := protocol.CreateAwarenessMessage(r.name, r.doc.ClientID(), r.awareness.EncodeUpdate()); err == nil {
			r.sendTo(c, reply)
		}
	}
}

// onDocUpdate relays every merged update to all connections, the sender
// included, and to the other instances.
func (r *room) onDocUpdate(ev crdt.Event) {
	msg := protocol.CreateUpdateMessage(r.name, r.doc.ClientID(), ev.Update)
	r.broadcast(msg)
	if _, ok := ev.Origin.(fanoutOrigin); !ok {
		r.publish(msg)
	}
}

func (r *room) onAwareness(ev presence.ChangeEvent) {
	if c, ok := ev.Origin.(*conn); ok {
		r.mutex.Lock()
		if controlled, ok := r.conns[c]; ok {
			for _, id := range ev.Added {
				controlled[id] = struct{}{}
			}
			for _, id := range ev.Updated {
				controlled[id] = struct{}{}
			}
			for _, id := range ev.Removed {
				delete(controlled, id)
			}
		}
		r.mutex.Unlock()
	}

	// removals by RemoveStates leave nothing to encode and are sent by remove
	update := r.awareness.EncodeUpdate(ev.Clients()...)
	if len(update.Clients) == 0 {
		return
	}
	msg, err := protocol.CreateAwarenessMessage(r.name, r.doc.ClientID(), update)
	if err != nil {
		log.Printf("[RELAY] Awareness not relayed: %v", err)
		return
	}
	r.broadcast(msg)
	if _, ok := ev.Origin.(fanoutOrigin); !ok {
		r.publish(msg)
	}
}

func (r *room) onFanout(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Printf("[RELAY] Dropping fanout frame in %s: %v", r.name, err)
		return
	}

	switch msg.Type {
	case protocol.SyncStep1Type, protocol.SyncStep2Type, protocol.UpdateType:
		reply, err := protocol.HandleSync(r.doc, msg, fanoutOrigin{})
		if err != nil {
			log.Printf("[RELAY] Fanout update rejected in %s: %v", r.name, err)
			return
		}
		if reply != nil {
			r.publish(*reply)
			if states := r.awareness.EncodeUpdate(); len(states.Clients) > 0 {
				if aw, err := protocol.CreateAwarenessMessage(r.name, r.doc.ClientID(), states); err == nil {
					r.publish(aw)
				}
			}
		}
	case protocol.AwarenessType:
		if aw, ok := protocol.ParseAwarenessMessage(msg); ok {
			r.awareness.ApplyUpdate(aw.Update, fanoutOrigin{})
		}
	}
}

func (r *room) sendTo(c *conn, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("[RELAY] Encode %s: %v", msg.Type, err)
		return
	}
	c.enqueue(data)
}

func (r *room) broadcast(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("[RELAY] Encode %s: %v", msg.Type, err)
		return
	}

	r.mutex.Lock()
	targets := make([]*conn, 0, len(r.conns))
	for c := range r.conns {
		targets = append(targets, c)
	}
	r.mutex.Unlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

func (r *room) publish(msg protocol.Message) {
	if r.fanout == nil {
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	if err := r.fanout.Publish(context.Background(), r.name, data); err != nil {
		log.Printf("[RELAY] Fanout publish failed in %s: %v", r.name, err)
	}
}

func (r *room) stats() map[string]interface{} {
	r.mutex.Lock()
	conns := len(r.conns)
	r.mutex.Unlock()

	var clock uint64
	for _, n := range r.doc.StateVector() {
		clock += n
	}
	return map[string]interface{}{
		"connections": conns,
		"awareness":   r.awareness.Count(),
		"operations":  clock,
		"pending":     r.doc.PendingCount(),
	}
}
