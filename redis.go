package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const hotSnapshotTTL = 24 * time.Hour

// RedisChannel propagates room mutations between instances: a per-room hash
// holds the hot snapshot, a pub/sub channel carries put/delete events. Every
// event is tagged with the publishing instance's id so subscribers can skip
// their own messages.
type RedisChannel struct {
	client     *redis.Client
	ctx        context.Context
	instanceID string
}

type channelEvent struct {
	Origin  string                     `json:"origin"`
	Put     map[string]json.RawMessage `json:"put,omitempty"`
	Removed []string                   `json:"removed,omitempty"`
}

func NewRedisChannel(addr string) (*RedisChannel, error) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisChannel{
		client:     client,
		ctx:        ctx,
		instanceID: uuid.NewString(),
	}, nil
}

func snapshotKey(roomID string) string { return "canvas:room:" + roomID }
func eventsKey(roomID string) string   { return "canvas:room:" + roomID + ":events" }
func activeKey(roomID string) string   { return "canvas:room:" + roomID + ":active" }

// Open subscribes to the room's event stream and marks the room active. The
// returned handle serves reads and publishes until closed.
func (c *RedisChannel) Open(roomID string, onUpdate func(RemoteUpdate)) (ChannelHandle, error) {
	pubsub := c.client.Subscribe(c.ctx, eventsKey(roomID))
	if _, err := pubsub.Receive(c.ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe room %s: %w", roomID, err)
	}

	if err := c.client.Set(c.ctx, activeKey(roomID), c.instanceID, hotSnapshotTTL).Err(); err != nil {
		log.Printf("active marker set failed room=%s: %v", roomID, err)
	}

	h := &redisHandle{ch: c, roomID: roomID, pubsub: pubsub}
	go h.listen(onUpdate)
	return h, nil
}

// Ping reports propagation-layer reachability for the health endpoint.
func (c *RedisChannel) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisChannel) Close() error {
	return c.client.Close()
}

type redisHandle struct {
	ch     *RedisChannel
	roomID string
	pubsub *redis.PubSub

	closeOnce sync.Once
}

func (h *redisHandle) listen(onUpdate func(RemoteUpdate)) {
	for msg := range h.pubsub.Channel() {
		var ev channelEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Printf("bad channel event room=%s: %v", h.roomID, err)
			continue
		}
		if ev.Origin == h.ch.instanceID {
			continue
		}
		onUpdate(RemoteUpdate{Put: ev.Put, Removed: ev.Removed})
	}
}

func (h *redisHandle) GetAll(ctx context.Context) (Snapshot, error) {
	fields, err := h.ch.client.HGetAll(ctx, snapshotKey(h.roomID)).Result()
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot, len(fields))
	for k, v := range fields {
		snap[k] = json.RawMessage(v)
	}
	return snap, nil
}

func (h *redisHandle) PutBatch(ctx context.Context, records map[string]json.RawMessage) error {
	if len(records) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(records)*2)
	for k, v := range records {
		args = append(args, k, string(v))
	}

	pipe := h.ch.client.Pipeline()
	pipe.HSet(ctx, snapshotKey(h.roomID), args...)
	pipe.Expire(ctx, snapshotKey(h.roomID), hotSnapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return h.publish(ctx, channelEvent{Origin: h.ch.instanceID, Put: records})
}

func (h *redisHandle) Delete(ctx context.Context, key string) error {
	if err := h.ch.client.HDel(ctx, snapshotKey(h.roomID), key).Err(); err != nil {
		return err
	}
	return h.publish(ctx, channelEvent{Origin: h.ch.instanceID, Removed: []string{key}})
}

func (h *redisHandle) publish(ctx context.Context, ev channelEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return h.ch.client.Publish(ctx, eventsKey(h.roomID), payload).Err()
}

// Close invalidates the active marker and tears down the subscription.
func (h *redisHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if delErr := h.ch.client.Del(h.ch.ctx, activeKey(h.roomID)).Err(); delErr != nil {
			log.Printf("active marker delete failed room=%s: %v", h.roomID, delErr)
		}
		err = h.pubsub.Close()
	})
	return err
}
