package channel

import (
	"context"

	"tracksure/internal/wire"

	"github.com/redis/go-redis/v9"
)

// RedisTransport subscribes directly to the feed's pub/sub mirror.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// Dial subscribes and waits for the server's confirmation, which is the
// handshake for this transport.
func (t *RedisTransport) Dial(ctx context.Context, deviceID string) (Conn, error) {
	ps := t.client.Subscribe(ctx, wire.RedisChannel(deviceID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return &redisConn{ps: ps}, nil
}

type redisConn struct {
	ps *redis.PubSub
}

func (c *redisConn) Receive(ctx context.Context) ([]byte, error) {
	msg, err := c.ps.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (c *redisConn) Close() error {
	return c.ps.Close()
}
