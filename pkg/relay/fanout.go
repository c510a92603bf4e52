package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ChannelPrefix is prepended to the room name to build the pub/sub channel.
const ChannelPrefix = "crdtboard:room:"

// Fanout shares room traffic between relay instances.
type Fanout interface {
	Publish(ctx context.Context, room string, data []byte) error
	Subscribe(ctx context.Context, room string, fn func(data []byte)) (func(), error)
	Close() error
}

// fanoutFrame tags a payload with the instance that published it so an
// instance never consumes its own traffic.
type fanoutFrame struct {
	Instance uuid.UUID       `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

// RedisFanout distributes room traffic over Redis pub/sub, one channel
// per room.
type RedisFanout struct {
	rdb      *redis.Client
	instance uuid.UUID

	mutex     sync.Mutex
	published int64
	received  int64
}

// NewRedisFanout connects to Redis and checks the connection.
func NewRedisFanout(ctx context.Context, opts *redis.Options) (*RedisFanout, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	log.Printf("[RELAY] Connected to Redis at %s", opts.Addr)
	return &RedisFanout{rdb: rdb, instance: uuid.New()}, nil
}

// Instance returns the identifier stamped on published frames.
func (f *RedisFanout) Instance() uuid.UUID {
	return f.instance
}

// Publish sends data to every other instance serving room.
func (f *RedisFanout) Publish(ctx context.Context, room string, data []byte) error {
	raw, err := json.Marshal(fanoutFrame{Instance: f.instance, Data: data})
	if err != nil {
		return fmt.Errorf("encode fanout frame: %w", err)
	}
	if err := f.rdb.Publish(ctx, ChannelPrefix+room, raw).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", room, err)
	}
	f.mutex.Lock()
	f.published++
	f.mutex.Unlock()
	return nil
}

// Subscribe calls fn for every frame another instance publishes on room.
// The subscription is confirmed before Subscribe returns; the returned
// function ends it.
func (f *RedisFanout) Subscribe(ctx context.Context, room string, fn func(data []byte)) (func(), error) {
	pubsub := f.rdb.Subscribe(ctx, ChannelPrefix+room)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", room, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var frame fanoutFrame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					log.Printf("[RELAY] Discarding fanout frame on %s: %v", msg.Channel, err)
					continue
				}
				if frame.Instance == f.instance {
					continue
				}
				f.mutex.Lock()
				f.received++
				f.mutex.Unlock()
				fn(frame.Data)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			pubsub.Close()
			<-done
		})
	}, nil
}

// Close releases the Redis client.
func (f *RedisFanout) Close() error {
	return f.rdb.Close()
}

// GetStats returns fan-out counters.
func (f *RedisFanout) GetStats() map[string]interface{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return map[string]interface{}{
		"instance":  f.instance.String(),
		"published": f.published,
		"received":  f.received,
	}
}
