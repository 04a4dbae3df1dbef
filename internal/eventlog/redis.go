package eventlog

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
)

// envelopeField is the single hash field carrying the envelope bytes in
// each stream entry.
const envelopeField = "event"

// Redis implements Log on Redis Streams. Offsets are native stream IDs;
// consumer groups, pending lists, and claiming map directly onto
// XREADGROUP / XACK / XAUTOCLAIM.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// DialRedis connects to a store URL and verifies the connection.
func DialRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse store url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping store").With("url", url)
	}
	return &Redis{client: client}, nil
}

// Client exposes the underlying connection for shared facilities such as
// the idempotency cache.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Append implements Log.
func (r *Redis) Append(ctx context.Context, stream string, data []byte) (Offset, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{envelopeField: string(data)},
	}).Result()
	if err != nil {
		return "", errors.Wrap(err, "xadd").With("stream", stream)
	}
	return Offset(id), nil
}

// ReadRange implements Log.
func (r *Redis) ReadRange(ctx context.Context, stream string, from Offset, limit int) ([]Entry, error) {
	start := string(from)
	if start == "" {
		start = "-"
	}
	if limit <= 0 {
		limit = 1000
	}
	msgs, err := r.client.XRangeN(ctx, stream, start, "+", int64(limit)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "xrange").With("stream", stream)
	}
	return messagesToEntries(msgs), nil
}

// GroupRead implements Log.
func (r *Redis) GroupRead(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, ErrNoGroup
		}
		return nil, errors.Wrap(err, "xreadgroup").With("stream", stream).With("group", group)
	}
	var out []Entry
	for _, s := range res {
		out = append(out, messagesToEntries(s.Messages)...)
	}
	return out, nil
}

// Ack implements Log.
func (r *Redis) Ack(ctx context.Context, stream, group string, offset Offset) error {
	if err := r.client.XAck(ctx, stream, group, string(offset)).Err(); err != nil {
		return errors.Wrap(err, "xack").With("stream", stream).With("offset", offset)
	}
	return nil
}

// ClaimStale implements Log.
func (r *Redis) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, ErrNoGroup
		}
		return nil, errors.Wrap(err, "xautoclaim").With("stream", stream).With("group", group)
	}
	return messagesToEntries(msgs), nil
}

// CreateGroup implements Log. BUSYGROUP answers make creation idempotent.
func (r *Redis) CreateGroup(ctx context.Context, stream, group string, start Offset) error {
	s := string(start)
	if s == "" {
		s = string(StartBeginning)
	}
	err := r.client.XGroupCreateMkStream(ctx, stream, group, s).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrap(err, "xgroup create").With("stream", stream).With("group", group)
	}
	return nil
}

func messagesToEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		body, _ := msg.Values[envelopeField].(string)
		out = append(out, Entry{Offset: Offset(msg.ID), Data: []byte(body)})
	}
	return out
}
