package websocket

import (
	"context"
	"encoding/json"

	"moments-media/internal/redis"
	"moments-media/internal/services"
	"moments-media/internal/transport/httpdto"
	"moments-media/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PatternSubscriber is the pub/sub side the bridge consumes.
type PatternSubscriber interface {
	PSubscribe(ctx context.Context, patterns []string, handler func(channel string, payload []byte) bool) error
}

// RedisBridge relays progress published by any replica to the clients of
// this process's hub.
type RedisBridge struct {
	subscriber PatternSubscriber
	hub        *Hub
	log        *logger.Logger
}

func NewRedisBridge(subscriber PatternSubscriber, hub *Hub, l *logger.Logger) *RedisBridge {
	return &RedisBridge{subscriber: subscriber, hub: hub, log: l.Named("ws_bridge")}
}

// Run blocks until ctx is done or the subscription fails.
func (b *RedisBridge) Run(ctx context.Context) error {
	return b.subscriber.PSubscribe(ctx, []string{redis.ProgressPattern}, func(channel string, payload []byte) bool {
		b.Deliver(ctx, channel, payload)
		return true
	})
}

// Deliver forwards one published event. Malformed payloads are dropped.
func (b *RedisBridge) Deliver(ctx context.Context, channel string, payload []byte) {
	sessionID, ok := redis.SessionFromChannel(channel)
	if !ok {
		return
	}
	var ev services.ProgressEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.log.Debug(ctx, "dropping malformed progress event", zap.String("channel", channel), zap.Error(err))
		return
	}
	frame, err := json.Marshal(eventMessage(sessionID, ev))
	if err != nil {
		return
	}
	if ev.Status.Terminal() {
		b.hub.Finish(sessionID, ev.UserID, frame)
		return
	}
	b.hub.Broadcast(sessionID, ev.UserID, frame)
}

func eventMessage(sessionID uuid.UUID, ev services.ProgressEvent) httpdto.ProgressMessage {
	return httpdto.ProgressMessage{
		SessionID: sessionID.String(),
		Status:    string(ev.Status),
		Progress:  ev.Progress,
		Code:      ev.Code,
		Error:     ev.Error,
	}
}
