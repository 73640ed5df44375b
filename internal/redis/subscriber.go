package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type Subscriber struct {
	client *redis.Client
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe delivers messages on the given channels to handler until ctx is
// done or handler returns false.
func (s *Subscriber) Subscribe(ctx context.Context, channels []string, handler func(channel string, payload []byte) bool) error {
	sub := s.client.Subscribe(ctx, channels...)
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !handler(msg.Channel, []byte(msg.Payload)) {
			return nil
		}
	}
}

// PSubscribe is Subscribe for channel patterns such as "media:progress:*".
func (s *Subscriber) PSubscribe(ctx context.Context, patterns []string, handler func(channel string, payload []byte) bool) error {
	sub := s.client.PSubscribe(ctx, patterns...)
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !handler(msg.Channel, []byte(msg.Payload)) {
			return nil
		}
	}
}
