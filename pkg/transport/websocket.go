package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/heitortanoue/crdtboard/pkg/crdt"
	"github.com/heitortanoue/crdtboard/pkg/presence"
	"github.com/heitortanoue/crdtboard/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// WebsocketProvider connects a replica to a relay room. It reconnects with
// exponential backoff and resynchronizes after every reconnect.
type WebsocketProvider struct {
	*Notifier

	url       string
	room      string
	doc       *crdt.Doc
	awareness *presence.Awareness
	dialer    *websocket.Dialer
	newPolicy func() backoff.BackOff

	mutex   sync.Mutex
	session *session
	cancel  context.CancelFunc
	done    chan struct{}
	unsub   []func()
}

// WebsocketOption customizes a WebsocketProvider.
type WebsocketOption func(*WebsocketProvider)

// WithBackoff replaces the reconnect policy.
func WithBackoff(newPolicy func() backoff.BackOff) WebsocketOption {
	return func(p *WebsocketProvider) { p.newPolicy = newPolicy }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) WebsocketOption {
	return func(p *WebsocketProvider) { p.dialer = d }
}

// NewWebsocketProvider prepares a provider for relayURL/room. Nothing is
// dialed until Connect.
func NewWebsocketProvider(relayURL, room string, doc *crdt.Doc, awareness *presence.Awareness, opts ...WebsocketOption) *WebsocketProvider {
	p := &WebsocketProvider{
		Notifier:  NewNotifier(),
		url:       strings.TrimRight(relayURL, "/") + "/" + room,
		room:      room,
		doc:       doc,
		awareness: awareness,
		dialer:    websocket.DefaultDialer,
		newPolicy: defaultPolicy,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2500 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// URL returns the room endpoint the provider dials.
func (p *WebsocketProvider) URL() string {
	return p.url
}

// Awareness returns the presence tracker carried by this provider.
func (p *WebsocketProvider) Awareness() *presence.Awareness {
	return p.awareness
}

// Connect starts the connection loop in the background. It returns
// immediately; progress is reported through OnStatus and OnSynced.
func (p *WebsocketProvider) Connect(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	p.unsub = append(p.unsub,
		p.doc.OnUpdate(p.forwardUpdate),
		p.awareness.OnUpdate(p.forwardAwareness),
	)

	go p.run(runCtx, p.done)
	return nil
}

// Close announces the local client's departure, closes the connection and
// waits for the loop to exit.
func (p *WebsocketProvider) Close() error {
	p.mutex.Lock()
	cancel, done, s := p.cancel, p.done, p.session
	unsub := p.unsub
	p.cancel, p.unsub = nil, nil
	p.mutex.Unlock()

	if cancel == nil {
		return nil
	}
	for _, fn := range unsub {
		fn()
	}

	if s != nil {
		if msg, err := p.departureMessage(); err == nil {
			s.enqueue(msg)
		}
		s.shutdown()
	}
	cancel()
	<-done
	return nil
}

func (p *WebsocketProvider) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	policy := p.newPolicy()
	for {
		p.SetStatus(StatusConnecting)
		conn, _, err := p.dialer.DialContext(ctx, p.url, http.Header{})
		if err != nil {
			if ctx.Err() != nil {
				p.SetStatus(StatusDisconnected)
				return
			}
			p.SetError(fmt.Errorf("dial %s: %w: %v", p.url, ErrTransportUnavailable, err))
			p.SetStatus(StatusDisconnected)

			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				log.Printf("[WS] Giving up on %s", p.url)
				return
			}
			log.Printf("[WS] Relay unreachable, retrying in %v", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		policy.Reset()
		p.serve(ctx, conn)
		p.disconnected()

		if ctx.Err() != nil {
			return
		}
	}
}

// serve runs one connection until it breaks or ctx is done.
func (p *WebsocketProvider) serve(ctx context.Context, conn *websocket.Conn) {
	s := newSession(conn)

	p.mutex.Lock()
	p.session = s
	p.mutex.Unlock()

	go s.writeLoop()
	stop := context.AfterFunc(ctx, s.shutdown)
	defer stop()

	log.Printf("[WS] Connected to %s", p.url)
	p.SetStatus(StatusConnected)

	s.enqueue(protocol.CreateSyncStep1Message(p.room, p.doc.ClientID(), p.doc.StateVector()))
	if p.awareness.LocalState() != nil {
		if msg, err := protocol.CreateAwarenessMessage(p.room, p.doc.ClientID(), p.awareness.EncodeUpdate(p.awareness.LocalID())); err == nil {
			s.enqueue(msg)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				p.SetError(fmt.Errorf("read %s: %w: %v", p.url, ErrTransportUnavailable, err))
				log.Printf("[WS] Connection lost: %v", err)
			}
			break
		}
		p.handle(s, data)
	}

	s.shutdown()
	<-s.done

	p.mutex.Lock()
	if p.session == s {
		p.session = nil
	}
	p.mutex.Unlock()
}

func (p *WebsocketProvider) handle(s *session, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Printf("[WS] Dropping frame: %v", err)
		return
	}

	switch msg.Type {
	case protocol.SyncStep1Type, protocol.SyncStep2Type, protocol.UpdateType:
		reply, err := protocol.HandleSync(p.doc, msg, p)
		if err != nil {
			log.Printf("[WS] Sync message rejected: %v", err)
			return
		}
		if reply != nil {
			s.enqueue(*reply)
		}
		if msg.Type == protocol.SyncStep2Type {
			p.SetSynced(true)
		}

	case protocol.AwarenessType:
		aw, ok := protocol.ParseAwarenessMessage(msg)
		if !ok {
			log.Printf("[WS] Bad awareness frame from %d", msg.SenderID)
			return
		}
		p.awareness.ApplyUpdate(aw.Update, p)

	case protocol.QueryAwarenessType:
		if reply, err := protocol.CreateAwarenessMessage(p.room, p.doc.ClientID(), p.awareness.EncodeUpdate()); err == nil {
			s.enqueue(reply)
		}
	}
}

// disconnected drops the remote peers learned through the lost connection.
func (p *WebsocketProvider) disconnected() {
	p.SetSynced(false)
	if remote := p.awareness.RemoteIDs(); len(remote) > 0 {
		p.awareness.RemoveStates(remote, p)
	}
	p.SetStatus(StatusDisconnected)
}

func (p *WebsocketProvider) forwardUpdate(ev crdt.Event) {
	if ev.Origin == p {
		return
	}
	p.send(protocol.CreateUpdateMessage(p.room, p.doc.ClientID(), ev.Update))
}

func (p *WebsocketProvider) forwardAwareness(ev presence.ChangeEvent) {
	if ev.Origin == p {
		return
	}
	msg, err := protocol.CreateAwarenessMessage(p.room, p.doc.ClientID(), p.awareness.EncodeUpdate(ev.Clients()...))
	if err != nil {
		log.Printf("[WS] Awareness not sent: %v", err)
		return
	}
	p.send(msg)
}

// send queues msg on the live connection. Without one the message is
// dropped; the next sync exchange recovers document state.
func (p *WebsocketProvider) send(msg protocol.Message) {
	p.mutex.Lock()
	s := p.session
	p.mutex.Unlock()
	if s != nil {
		s.enqueue(msg)
	}
}

func (p *WebsocketProvider) departureMessage() (protocol.Message, error) {
	local := p.awareness.EncodeUpdate(p.awareness.LocalID())
	if len(local.Clients) == 0 {
		return protocol.Message{}, fmt.Errorf("no local presence")
	}
	local.Clients[0].Clock++
	local.Clients[0].State = nil
	return protocol.CreateAwarenessMessage(p.room, p.doc.ClientID(), local)
}

// Stats returns connection details for status endpoints.
func (p *WebsocketProvider) Stats() map[string]interface{} {
	stats := p.Notifier.Stats()
	stats["transport"] = "websocket"
	stats["url"] = p.url
	return stats
}

// session is one live websocket connection with its writer goroutine.
type session struct {
	conn    *websocket.Conn
	send    chan []byte
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *session) enqueue(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("[WS] Encode %s: %v", msg.Type, err)
		return
	}
	select {
	case <-s.closing:
	case s.send <- data:
	default:
		// a stalled connection is dropped; the reconnect resyncs
		log.Printf("[WS] Send buffer full, dropping connection")
		s.shutdown()
	}
}

func (s *session) shutdown() {
	s.once.Do(func() { close(s.closing) })
}

func (s *session) writeLoop() {
	defer close(s.done)
	defer s.conn.Close()

	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				s.shutdown()
				return
			}
		case <-s.closing:
			for {
				select {
				case data := <-s.send:
					if s.write(data) != nil {
						return
					}
				default:
					s.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (s *session) write(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
