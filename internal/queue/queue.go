// Package queue carries notification events from the API to the worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TypeAttendanceMarked is published after a successful attendance mark.
const TypeAttendanceMarked = "attendance.marked"

// Message represents one event on the queue. Body is a JSON document whose
// shape depends on Type.
type Message struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// MarkedEvent is the body of TypeAttendanceMarked.
type MarkedEvent struct {
	SessionID string    `json:"session_id"`
	SectionID string    `json:"section_id"`
	StudentID string    `json:"student_id"`
	Status    string    `json:"status"`
	Method    string    `json:"method"`
	MarkedAt  time.Time `json:"marked_at"`
}

// NewMessage encodes body as JSON under the given type.
func NewMessage(typ string, body any) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Message{Type: typ, Body: raw}, nil
}

// Publisher is the producing half of a Queue.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publisher
	Consume(ctx context.Context) (<-chan Message, error)
}

// ErrQueueFull is returned by InMemory.Publish when the buffer has no room.
var ErrQueueFull = errors.New("queue full")

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message without waiting for a consumer. A full buffer
// drops the message and returns ErrQueueFull.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a simple Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "attendance:events"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// Consume streams messages using BRPOP. Undecodable entries are dropped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					time.Sleep(time.Second)
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
