package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"tracksure/internal/metrics"
	"tracksure/internal/wire"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Hub fans device envelopes out to websocket subscribers. With Redis
// configured every broadcast goes through pub/sub, so all feed instances and
// direct Redis subscribers see the same stream; local clients are fed from the
// pattern subscription.
type Hub struct {
	redis   *redis.Client
	log     zerolog.Logger
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex

	mirrored atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

type Client struct {
	DeviceID string
	Send     chan []byte
}

func NewHub(redisClient *redis.Client, log zerolog.Logger) *Hub {
	h := &Hub{
		redis:   redisClient,
		log:     log,
		clients: map[string]map[*Client]struct{}{},
		done:    make(chan struct{}),
	}

	if redisClient == nil {
		close(h.done)
		return h
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	ready := make(chan struct{})
	go h.subscribeRedis(ctx, ready)
	<-ready
	return h
}

func (h *Hub) Register(deviceID string) *Client {
	client := &Client{
		DeviceID: deviceID,
		Send:     make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[deviceID] == nil {
		h.clients[deviceID] = map[*Client]struct{}{}
	}
	h.clients[deviceID][client] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	deviceClients, ok := h.clients[client.DeviceID]
	if !ok {
		return
	}
	if _, ok := deviceClients[client]; !ok {
		return
	}
	delete(deviceClients, client)
	if len(deviceClients) == 0 {
		delete(h.clients, client.DeviceID)
	}
	metrics.StreamSubscribers.Dec()
	close(client.Send)
}

// Broadcast sends one envelope to every subscriber of deviceID. When the
// Redis mirror is down the envelope is delivered locally only.
func (h *Hub) Broadcast(deviceID string, payload []byte) {
	if h.redis != nil && h.mirrored.Load() {
		err := h.redis.Publish(context.Background(), wire.RedisChannel(deviceID), payload).Err()
		if err == nil {
			return
		}
		h.log.Error().Err(err).Str("device_id", deviceID).Msg("redis publish failed")
	}
	h.deliver(deviceID, payload)
}

// Close stops the Redis subscription.
func (h *Hub) Close() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
}

func (h *Hub) deliver(deviceID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[deviceID] {
		select {
		case client.Send <- payload:
		default:
			h.log.Warn().Str("device_id", deviceID).Msg("subscriber buffer full, frame dropped")
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context, ready chan<- struct{}) {
	defer close(h.done)

	pubsub := h.redis.PSubscribe(ctx, wire.RedisPattern())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.Error().Err(err).Msg("redis subscribe failed, broadcasting locally")
		close(ready)
		return
	}
	h.mirrored.Store(true)
	defer h.mirrored.Store(false)
	close(ready)

	msgs := pubsub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if deviceID := wire.DeviceFromChannel(msg.Channel); deviceID != "" {
				h.deliver(deviceID, []byte(msg.Payload))
			}
		case <-ctx.Done():
			return
		}
	}
}
