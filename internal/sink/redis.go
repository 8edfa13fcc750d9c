package sink

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes msgpack-encoded packets on "<prefix>:<stream id>".
type RedisPublisher struct {
	client redisClient
	prefix string
}

// RedisOptions configures DialRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// DialRedis connects to redis and checks the connection with PING.
func DialRedis(ctx context.Context, o RedisOptions) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %v", o.Addr)
	}
	return newRedisPublisher(rdb, o.Prefix), nil
}

func newRedisPublisher(c redisClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "opus"
	}
	return &RedisPublisher{client: c, prefix: prefix}
}

// Channel returns the pub/sub channel for streamID.
func (p *RedisPublisher) Channel(streamID string) string {
	return p.prefix + ":" + streamID
}

func (p *RedisPublisher) WritePacket(ctx context.Context, pkt Packet) error {
	b, err := msgpack.Marshal(&pkt)
	if err != nil {
		return errors.Wrap(err, "encode packet")
	}
	if err := p.client.Publish(ctx, p.Channel(pkt.StreamID), b).Err(); err != nil {
		return errors.Wrapf(err, "publish %v", p.Channel(pkt.StreamID))
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// DecodePacket decodes a message published by RedisPublisher.
func DecodePacket(b []byte) (Packet, error) {
	var p Packet
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return Packet{}, errors.Wrap(err, "decode packet")
	}
	return p, nil
}
