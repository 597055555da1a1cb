package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"tradebot-signals/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// LoadSnapshot returns the snapshot saved under key, or model.ErrNotFound.
func (s *Store) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, SnapshotKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis snapshot %s: %w", key, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get snapshot %s: %w", key, err)
	}
	return data, nil
}

// Latest returns the most recent classification published for the
// instrument and interval, or model.ErrNotFound.
func (s *Store) Latest(ctx context.Context, instrument string, iv model.Interval) (model.Classification, error) {
	var c model.Classification
	data, err := s.client.Get(ctx, LatestKey(instrument, iv)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return c, fmt.Errorf("redis latest %s: %w", instrument, model.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("redis get latest %s: %w", instrument, err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("unmarshal classification: %w", err)
	}
	return c, nil
}

// Subscribe forwards classifications published for the instrument and
// interval to out until ctx is cancelled. Malformed messages are skipped.
func (s *Store) Subscribe(ctx context.Context, instrument string, iv model.Interval, out chan<- model.Classification) error {
	channel := Channel(instrument, iv)
	pubsub := s.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	// Wait for confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	log.Printf("[redis] subscribed to %s", channel)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var c model.Classification
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.Printf("[redis] bad message on %s: %v", channel, err)
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
