package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

const DefaultStream = "vesting:events"

type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink appends every event to a Redis stream. Stream entries carry
// the event key so readers can drop redeliveries.
func NewRedisSink(addr, password string, db int, stream string) (*RedisSink, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if stream == "" {
		stream = DefaultStream
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisSink{client: client, stream: stream, maxLen: 100_000}, nil
}

func (s *RedisSink) Publish(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{
				"key":     e.Key,
				"kind":    string(e.Kind),
				"payload": payload,
			},
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
