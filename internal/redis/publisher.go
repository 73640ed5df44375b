package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const progressPrefix = "media:progress:"

// ProgressPattern matches every progress channel.
const ProgressPattern = progressPrefix + "*"

// ProgressChannel is the pub/sub channel carrying one session's snapshots.
func ProgressChannel(sessionID uuid.UUID) string {
	return fmt.Sprintf("%s%s", progressPrefix, sessionID)
}

// SessionFromChannel is the inverse of ProgressChannel.
func SessionFromChannel(channel string) (uuid.UUID, bool) {
	if !strings.HasPrefix(channel, progressPrefix) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimPrefix(channel, progressPrefix))
	return id, err == nil
}

type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// PublishProgress fans a session snapshot out to other replicas.
func (p *Publisher) PublishProgress(ctx context.Context, sessionID uuid.UUID, snapshot any) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return p.Publish(ctx, ProgressChannel(sessionID), payload)
}
