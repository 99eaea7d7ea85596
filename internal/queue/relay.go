package queue

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Broadcaster fans an event out to live subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, payload []byte) error
}

// RedisBroadcaster publishes on Redis pub/sub.
type RedisBroadcaster struct {
	client *redis.Client
}

// NewRedisBroadcaster wraps client.
func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// LogBroadcaster writes events to the log instead of fanning them out. The
// API drains its in-memory queue into it when no worker runs.
type LogBroadcaster struct {
	log *zap.Logger
}

// NewLogBroadcaster wraps log.
func NewLogBroadcaster(log *zap.Logger) *LogBroadcaster {
	return &LogBroadcaster{log: log}
}

func (b *LogBroadcaster) Broadcast(_ context.Context, channel string, payload []byte) error {
	b.log.Debug("attendance event", zap.String("channel", channel), zap.ByteString("payload", payload))
	return nil
}

// SectionChannel is the pub/sub channel dashboards of a section listen on.
func SectionChannel(sectionID string) string {
	return "attendance:section:" + sectionID
}

// Relay forwards attendance.marked events to their section channel until
// msgs is closed. It returns the number of events forwarded.
func Relay(ctx context.Context, msgs <-chan Message, b Broadcaster, log *zap.Logger) int {
	n := 0
	for msg := range msgs {
		if msg.Type != TypeAttendanceMarked {
			log.Debug("skip message", zap.String("type", msg.Type))
			continue
		}
		var evt MarkedEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Warn("decode event", zap.Error(err))
			continue
		}
		if err := b.Broadcast(ctx, SectionChannel(evt.SectionID), msg.Body); err != nil {
			log.Error("broadcast failed", zap.Error(err), zap.String("session_id", evt.SessionID))
			continue
		}
		n++
	}
	return n
}
