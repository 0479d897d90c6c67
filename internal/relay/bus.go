package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lvbridge/internal/constants"
	"lvbridge/internal/utils"
)

// BusMessage is one message received from a subscribed topic.
type BusMessage struct {
	Topic   string
	Payload []byte
}

// Bus is the publish/subscribe transport used to relay frames across
// gateway instances. The production implementation is Redis pub/sub; tests
// and single-instance deployments use the in-memory bus.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Messages() <-chan BusMessage
	Close() error
}

const (
	EnvRedisAddr     = "REDIS_ADDR"
	EnvRedisHost     = "REDIS_HOST"
	EnvRedisPort     = "REDIS_PORT"
	EnvRedisUser     = "REDIS_USERNAME"
	EnvRedisPassword = "REDIS_PASSWORD"
)

// NewBus builds the bus from the environment: Redis when configured and
// reachable, otherwise the in-memory bus for single-instance operation.
func NewBus() Bus {
	addr := utils.GetEnv(EnvRedisAddr, "")
	if addr == "" {
		host := utils.GetEnv(EnvRedisHost, constants.DefaultRedisHost)
		port := utils.GetEnv(EnvRedisPort, constants.DefaultRedisPort)
		addr = host + ":" + port
	}

	bus, err := NewRedisBus(addr, utils.GetEnv(EnvRedisUser, ""), utils.GetEnv(EnvRedisPassword, ""))
	if err != nil {
		log.Printf("⚠️  Redis connection failed: %v", err)
		log.Println("📨 Falling back to in-memory relay bus (single instance)")
		return NewMemoryBus()
	}
	log.Printf("📨 Using Redis relay bus: %s", addr)
	return bus
}

// RedisBus relays messages through Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	pubsub *redis.PubSub
	msgCh  chan BusMessage
	cancel context.CancelFunc
}

func NewRedisBus(addr, username, password string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: username,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	b := &RedisBus{
		client: client,
		pubsub: client.Subscribe(ctx),
		msgCh:  make(chan BusMessage, constants.SendQueueSize),
		cancel: stop,
	}
	go b.pump(ctx)
	return b, nil
}

func (b *RedisBus) pump(ctx context.Context) {
	defer close(b.msgCh)
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case b.msgCh <- BusMessage{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) error {
	return b.pubsub.Subscribe(ctx, topic)
}

func (b *RedisBus) Unsubscribe(ctx context.Context, topic string) error {
	return b.pubsub.Unsubscribe(ctx, topic)
}

func (b *RedisBus) Messages() <-chan BusMessage {
	return b.msgCh
}

func (b *RedisBus) Close() error {
	b.cancel()
	_ = b.pubsub.Close()
	return b.client.Close()
}

// MemoryBus is an in-process Bus. It backs single-instance deployments with
// no Redis configured and the relay tests.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]struct{}
	msgCh  chan BusMessage
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:  make(map[string]struct{}),
		msgCh: make(chan BusMessage, constants.SendQueueSize),
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if _, ok := b.subs[topic]; !ok {
		// Nobody on this instance listens; on Redis the message would fan
		// out to other gateways, here it has nowhere to go.
		return nil
	}
	select {
	case b.msgCh <- BusMessage{Topic: topic, Payload: payload}:
	default:
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.subs[topic] = struct{}{}
	return nil
}

func (b *MemoryBus) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
	return nil
}

func (b *MemoryBus) Messages() <-chan BusMessage {
	return b.msgCh
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.msgCh)
	}
	return nil
}
