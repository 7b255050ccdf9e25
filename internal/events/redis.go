package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// streamMaxLen bounds the redis stream; trimming is approximate.
const streamMaxLen = 100000

// RedisSink appends events to a redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
}

// DialRedis connects and verifies the server is reachable.
func DialRedis(ctx context.Context, addr, password string, db int, stream string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", addr)
	}
	return NewRedisSink(client, stream), nil
}

func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

func (s *RedisSink) Name() string { return "redis" }

// Client exposes the underlying connection so other components can share it.
func (s *RedisSink) Client() *redis.Client { return s.client }

func (s *RedisSink) Write(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":         evt.ID,
			"session_id": evt.SessionID,
			"type":       evt.Type,
			"ts":         evt.Timestamp.Format(time.RFC3339Nano),
			"payload":    string(payload),
		},
	}).Err()
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
