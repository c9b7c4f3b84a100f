package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisFanout implements Fanout for multi-node deployments: every
// Manager instance subscribes to a single Redis pub/sub channel prefix
// and republishes incoming messages to its own local topics, so a
// message published on one node reaches subscribers connected to any
// other node.
type RedisFanout struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// NewRedisFanout creates a RedisFanout against an existing client.
func NewRedisFanout(client *redis.Client, prefix string, log *slog.Logger) *RedisFanout {
	if log == nil {
		log = slog.Default()
	}
	return &RedisFanout{client: client, prefix: prefix, log: log}
}

type fanoutEnvelope struct {
	Topic   string  `json:"topic"`
	Message Message `json:"message"`
}

func (f *RedisFanout) channel() string { return f.prefix + ":realtime" }

// Publish sends msg to the shared channel for every node to pick up.
func (f *RedisFanout) Publish(topicName string, msg Message) error {
	b, err := json.Marshal(fanoutEnvelope{Topic: topicName, Message: msg})
	if err != nil {
		return fmt.Errorf("encoding fanout envelope: %w", err)
	}
	return f.client.Publish(context.Background(), f.channel(), b).Err()
}

// Run subscribes to the shared channel and republishes every received
// message into mgr's local topics, skipping messages this same process
// just published locally is not attempted — duplicate local delivery is
// harmless since WS clients dedupe by message id. Run blocks until ctx
// is cancelled.
func (f *RedisFanout) Run(ctx context.Context, mgr *Manager) error {
	sub := f.client.Subscribe(ctx, f.channel())
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rmsg, ok := <-ch:
			if !ok {
				return nil
			}
			var env fanoutEnvelope
			if err := json.Unmarshal([]byte(rmsg.Payload), &env); err != nil {
				f.log.Error("discarding malformed fanout envelope", "error", err)
				continue
			}
			mgr.publishLocalOnly(env.Topic, env.Message)
		}
	}
}
