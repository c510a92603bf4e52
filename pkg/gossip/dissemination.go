package gossip

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"

	"github.com/heitortanoue/crdtboard/pkg/protocol"
)

// maxBroadcastSize is the largest payload sent through the UDP gossip
// queue. Larger payloads go over the reliable stream to every member.
const maxBroadcastSize = 1000

// envelope wraps a protocol message with the hop budget left.
type envelope struct {
	ID  uuid.UUID        `json:"id"`
	TTL int              `json:"ttl"`
	Msg protocol.Message `json:"msg"`
}

// broadcast adapts an encoded envelope to memberlist's queue.
type broadcast struct {
	data []byte
}

func (b *broadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (b *broadcast) Message() []byte                       { return b.data }
func (b *broadcast) Finished()                             {}

// Disseminator spreads messages with a TTL over the gossip queue, dropping
// duplicates by message ID.
type Disseminator struct {
	ttl      int
	queue    *memberlist.TransmitLimitedQueue
	cache    *DeduplicationCache
	reliable func(data []byte)

	mutex         sync.Mutex
	sentCount     int64
	reliableCount int64
	receivedCount int64
	droppedCount  int64
}

// NewDisseminator cria o sistema de disseminação. reliable is called with
// payloads too large for a broadcast and must deliver them to every member.
func NewDisseminator(ttl, retransmitMult int, numNodes func() int, reliable func(data []byte)) *Disseminator {
	if ttl < 0 {
		ttl = 0
	}
	return &Disseminator{
		ttl: ttl,
		queue: &memberlist.TransmitLimitedQueue{
			NumNodes:       numNodes,
			RetransmitMult: retransmitMult,
		},
		cache:    NewDeduplicationCache(10000),
		reliable: reliable,
	}
}

// Disseminate sends a locally produced message.
func (d *Disseminator) Disseminate(msg protocol.Message) error {
	d.cache.Add(msg.ID)
	env := envelope{ID: msg.ID, TTL: d.ttl, Msg: msg}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if len(data) > maxBroadcastSize {
		// direct delivery reaches every member, no hops needed
		env.TTL = 0
		if data, err = json.Marshal(env); err != nil {
			return fmt.Errorf("encode %s: %w", msg.Type, err)
		}
		d.mutex.Lock()
		d.reliableCount++
		d.mutex.Unlock()
		d.reliable(data)
		return nil
	}

	d.queue.QueueBroadcast(&broadcast{data: data})
	d.mutex.Lock()
	d.sentCount++
	d.mutex.Unlock()
	return nil
}

// Receive decodes an incoming payload. It returns false for duplicates and
// malformed payloads; otherwise the message is forwarded with one hop less
// while hops remain.
func (d *Disseminator) Receive(data []byte) (protocol.Message, bool) {
	d.mutex.Lock()
	d.receivedCount++
	d.mutex.Unlock()

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.ID != env.Msg.ID {
		d.drop()
		log.Printf("[GOSSIP] Discarding malformed payload (%d bytes)", len(data))
		return protocol.Message{}, false
	}
	if d.cache.Seen(env.ID) {
		d.drop()
		return protocol.Message{}, false
	}

	if env.TTL > 0 {
		env.TTL--
		if fwd, err := json.Marshal(env); err == nil {
			d.queue.QueueBroadcast(&broadcast{data: fwd})
		}
	}
	return env.Msg, true
}

func (d *Disseminator) drop() {
	d.mutex.Lock()
	d.droppedCount++
	d.mutex.Unlock()
}

// GetBroadcasts returns queued payloads that fit in limit.
func (d *Disseminator) GetBroadcasts(overhead, limit int) [][]byte {
	return d.queue.GetBroadcasts(overhead, limit)
}

// Queued returns the number of payloads waiting for retransmission.
func (d *Disseminator) Queued() int {
	return d.queue.NumQueued()
}

// Reset drops queued broadcasts and forgets seen message ids. Close calls
// it so a later Connect starts from an empty queue.
func (d *Disseminator) Reset() {
	d.queue.Reset()
	d.cache.Clear()
}

// GetStats returns dissemination system statistics
func (d *Disseminator) GetStats() map[string]interface{} {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return map[string]interface{}{
		"ttl":            d.ttl,
		"sent_count":     d.sentCount,
		"reliable_count": d.reliableCount,
		"received_count": d.receivedCount,
		"dropped_count":  d.droppedCount,
		"queued":         d.queue.NumQueued(),
		"cache_size":     d.cache.Size(),
	}
}
