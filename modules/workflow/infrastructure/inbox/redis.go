// Package inbox keeps a capped pull-notification list per user and per role
// in Redis.
package inbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/iota-uz/regflow/modules/workflow/domain/events"
)

const (
	keyPrefix  = "workflow:inbox:"
	seenPrefix = "workflow:inbox:seen:"

	DefaultSize    int64 = 200
	DefaultSeenTTL       = 72 * time.Hour
)

// Notification is what a recipient sees in the inbox.
type Notification struct {
	EventID       string          `json:"event_id"`
	Topic         string          `json:"topic"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Actor         string          `json:"actor,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data"`
}

type Options struct {
	Size    int64
	SeenTTL time.Duration
}

type Redis struct {
	client *redis.Client
	opts   Options
}

func NewRedis(client *redis.Client, opts Options) *Redis {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = DefaultSeenTTL
	}
	return &Redis{client: client, opts: opts}
}

// Dial parses a redis:// URL and pings the server.
func Dial(ctx context.Context, url string, opts Options) (*Redis, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "inbox: parse redis url")
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "inbox: ping redis")
	}
	return NewRedis(client, opts), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func Key(rc events.Recipient) string {
	return keyPrefix + string(rc.Kind) + ":" + rc.ID
}

// Push delivers ev to every recipient in ev.Notify. Redelivery of an event
// that was already pushed is a no-op.
func (r *Redis) Push(ctx context.Context, ev *events.EventV1) (bool, error) {
	if ev == nil || len(ev.Notify) == 0 {
		return false, nil
	}
	fresh, err := r.client.SetNX(ctx, seenPrefix+ev.EventID.String(), 1, r.opts.SeenTTL).Result()
	if err != nil {
		return false, errors.Wrap(err, "inbox: mark event seen")
	}
	if !fresh {
		return false, nil
	}

	raw, err := json.Marshal(Notification{
		EventID:       ev.EventID.String(),
		Topic:         ev.Topic,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID.String(),
		Actor:         ev.Actor,
		OccurredAt:    ev.OccurredAt,
		Data:          ev.Data,
	})
	if err != nil {
		return false, errors.Wrap(err, "inbox: encode notification")
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rc := range ev.Notify {
			key := Key(rc)
			pipe.LPush(ctx, key, raw)
			pipe.LTrim(ctx, key, 0, r.opts.Size-1)
		}
		return nil
	})
	if err != nil {
		// Let the relay retry the whole event.
		_ = r.client.Del(ctx, seenPrefix+ev.EventID.String()).Err()
		return false, errors.Wrap(err, "inbox: push")
	}
	return true, nil
}

// List returns up to limit notifications for rc, newest first.
func (r *Redis) List(ctx context.Context, rc events.Recipient, limit int64) ([]Notification, error) {
	if limit <= 0 || limit > r.opts.Size {
		limit = r.opts.Size
	}
	items, err := r.client.LRange(ctx, Key(rc), 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "inbox: list")
	}
	out := make([]Notification, 0, len(items))
	for _, item := range items {
		var n Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			return nil, errors.Wrap(err, "inbox: decode notification")
		}
		out = append(out, n)
	}
	return out, nil
}
