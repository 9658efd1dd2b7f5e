// Package redisbackend implements backend.Backend on top of Redis: per
// channel and global sorted sets keyed by id, atomic publish via a Lua
// script, and PUBSUB as the firehose transport.
package redisbackend

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "__mb_"

// publishScript atomically allocates both ids, appends the encoded message
// to the channel and global backlogs, trims each to its configured size
// bound, refreshes each backlog's whole-key TTL, and publishes the
// wire-encoded message on the firehose channel.
//
// Age expiry is whole-key: the TTL is reset on every publish, so a backlog
// either still holds every non-size-trimmed row or has vanished wholesale
// after max_backlog_age of silence. There is no per-entry age trim on this
// backend; that precision belongs to the Postgres backend's added_at
// column.
//
// KEYS: 1=channel_id 2=channel_backlog 3=global_id 4=global_backlog
//
//	5=pubsub_channel
//
// ARGV: 1=channel(escaped) 2=payload 3=max_channel_backlog
//
//	4=max_global_backlog 5=max_age_millis
var publishScript = redis.NewScript(`
local channel_id_key = KEYS[1]
local channel_backlog_key = KEYS[2]
local global_id_key = KEYS[3]
local global_backlog_key = KEYS[4]
local pubsub_channel = KEYS[5]

local channel = ARGV[1]
local payload = ARGV[2]
local max_channel_backlog = tonumber(ARGV[3])
local max_global_backlog = tonumber(ARGV[4])
local max_age = tonumber(ARGV[5])

local id = redis.call('INCR', channel_id_key)
local global_id = redis.call('INCR', global_id_key)

local wire = global_id .. '|' .. id .. '|' .. channel .. '|' .. payload

redis.call('ZADD', channel_backlog_key, id, wire)
redis.call('ZADD', global_backlog_key, global_id, wire)

local csize = redis.call('ZCARD', channel_backlog_key)
if csize > max_channel_backlog then
	redis.call('ZREMRANGEBYRANK', channel_backlog_key, 0, csize - max_channel_backlog - 1)
end
local gsize = redis.call('ZCARD', global_backlog_key)
if gsize > max_global_backlog then
	redis.call('ZREMRANGEBYRANK', global_backlog_key, 0, gsize - max_global_backlog - 1)
end

if max_age > 0 then
	redis.call('PEXPIRE', channel_backlog_key, max_age)
	redis.call('PEXPIRE', global_backlog_key, max_age)
end

redis.call('PUBLISH', pubsub_channel, wire)

return global_id
`)

// Backend implements backend.Backend against a Redis client.
type Backend struct {
	client        redis.UniversalClient
	logger        zerolog.Logger
	pubsubChannel string
}

// Option configures a Backend.
type Option func(*Backend)

// WithPubSubChannel overrides the default firehose channel name. Useful to
// keep multiple logical buses isolated on a shared Redis instance beyond
// what key namespacing already provides.
func WithPubSubChannel(name string) Option {
	return func(b *Backend) { b.pubsubChannel = name }
}

// New constructs a Backend bound to an existing client. The caller owns the
// client's lifecycle except that Close also closes it.
func New(client redis.UniversalClient, logger zerolog.Logger, opts ...Option) *Backend {
	b := &Backend{
		client:        client,
		logger:        logger.With().Str("component", "redis_backend").Logger(),
		pubsubChannel: keyPrefix + "pubsub",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) channelIDKey(channel string) string { return keyPrefix + "chan_id:" + channel }
func (b *Backend) channelBacklogKey(channel string) string {
	return keyPrefix + "chan_backlog:" + channel
}
func (b *Backend) globalIDKey() string      { return keyPrefix + "global_id" }
func (b *Backend) globalBacklogKey() string { return keyPrefix + "global_backlog" }

// classifyErr maps a redis client error to the backend sentinel errors so
// callers can branch on errors.Is without importing go-redis themselves.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if err == redis.ErrClosed {
		return fmt.Errorf("%w: %v", backend.ErrFatal, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "READONLY") || strings.Contains(msg, "LOADING") ||
		strings.Contains(msg, "CLUSTERDOWN") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout") {
		return fmt.Errorf("%w: %v", backend.ErrReadOnly, err)
	}
	return err
}

// Publish implements backend.Backend.
func (b *Backend) Publish(ctx context.Context, channel string, payload []byte, opts backend.PublishOptions) (int64, error) {
	escaped := message.EscapeChannel(channel)

	keys := []string{
		b.channelIDKey(channel), b.channelBacklogKey(channel),
		b.globalIDKey(), b.globalBacklogKey(),
		b.pubsubChannel,
	}
	args := []interface{}{
		escaped, string(payload),
		opts.MaxBacklogSizeOrDefault(), backend.DefaultMaxGlobalBacklogSize,
		opts.MaxBacklogAgeOrDefault().Milliseconds(),
	}

	res, err := publishScript.Run(ctx, b.client, keys, args...).Result()
	if err != nil {
		return 0, classifyErr(err)
	}
	gid, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected publish script result type %T", backend.ErrFatal, res)
	}
	return gid, nil
}

// LastID implements backend.Backend.
func (b *Backend) LastID(ctx context.Context, channel string) (int64, error) {
	v, err := b.client.Get(ctx, b.channelIDKey(channel)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, classifyErr(err)
	}
	return v, nil
}

// LastIDs implements backend.Backend.
func (b *Backend) LastIDs(ctx context.Context, channels []string) ([]int64, error) {
	out := make([]int64, len(channels))
	pipe := b.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(channels))
	for i, channel := range channels {
		cmds[i] = pipe.Get(ctx, b.channelIDKey(channel))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, classifyErr(err)
	}
	for i, cmd := range cmds {
		v, err := cmd.Int64()
		if err != nil && err != redis.Nil {
			return nil, classifyErr(err)
		}
		out[i] = v
	}
	return out, nil
}

func decodeMembers(members []string) ([]message.Message, error) {
	out := make([]message.Message, 0, len(members))
	for _, wire := range members {
		gid, id, channel, payload, ok := message.Decode(wire)
		if !ok {
			continue
		}
		out = append(out, message.Message{
			GlobalID: gid,
			ID:       id,
			Channel:  channel,
			Data:     payload,
		})
	}
	return out, nil
}

// Backlog implements backend.Backend.
func (b *Backend) Backlog(ctx context.Context, channel string, sinceID int64) ([]message.Message, error) {
	members, err := b.client.ZRangeByScore(ctx, b.channelBacklogKey(channel), &redis.ZRangeBy{
		Min: strconv.FormatInt(sinceID+1, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, classifyErr(err)
	}
	return decodeMembers(members)
}

// GlobalBacklog implements backend.Backend.
func (b *Backend) GlobalBacklog(ctx context.Context, sinceGlobalID int64) ([]message.Message, error) {
	members, err := b.client.ZRangeByScore(ctx, b.globalBacklogKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(sinceGlobalID+1, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, classifyErr(err)
	}
	return decodeMembers(members)
}

// GetMessage implements backend.Backend.
func (b *Backend) GetMessage(ctx context.Context, channel string, id int64) (message.Message, bool, error) {
	members, err := b.client.ZRangeByScore(ctx, b.channelBacklogKey(channel), &redis.ZRangeBy{
		Min: strconv.FormatInt(id, 10),
		Max: strconv.FormatInt(id, 10),
	}).Result()
	if err != nil {
		return message.Message{}, false, classifyErr(err)
	}
	if len(members) == 0 {
		return message.Message{}, false, nil
	}
	msgs, err := decodeMembers(members[:1])
	if err != nil || len(msgs) == 0 {
		return message.Message{}, false, err
	}
	return msgs[0], true, nil
}

// GlobalSubscribe implements backend.Backend using Redis PUBSUB as the live
// transport and GlobalBacklog for both the startup drain and gap recovery.
func (b *Backend) GlobalSubscribe(ctx context.Context, lastID int64, handler backend.Handler) error {
	sub := b.client.Subscribe(ctx, b.pubsubChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return classifyErr(err)
	}

	rec := backend.NewRecovery(handler, b.GlobalBacklog)
	if err := rec.Start(ctx, lastID); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case redisMsg, ok := <-ch:
			if !ok {
				return nil
			}
			if redisMsg.Payload == backend.UnsubscribeSentinel {
				return nil
			}
			gid, id, channel, payload, decOk := message.Decode(redisMsg.Payload)
			if !decOk {
				b.logger.Warn().Str("payload", redisMsg.Payload).Msg("dropping malformed firehose message")
				continue
			}
			rec.Deliver(ctx, message.Message{GlobalID: gid, ID: id, Channel: channel, Data: payload})
		}
	}
}

// GlobalUnsubscribe implements backend.Backend.
func (b *Backend) GlobalUnsubscribe(ctx context.Context) error {
	return classifyErr(b.client.Publish(ctx, b.pubsubChannel, backend.UnsubscribeSentinel).Err())
}

// Reset implements backend.Backend: scans and deletes every key this
// backend owns, then zeroes the global counter.
func (b *Backend) Reset(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return classifyErr(err)
	}
	if len(keys) == 0 {
		return nil
	}
	return classifyErr(b.client.Del(ctx, keys...).Err())
}

// ExpireAllBacklogs implements backend.Backend. Age expiry on this backend
// is whole-key (the publish script refreshes a PEXPIRE on each backlog, so
// Redis itself drops an idle backlog in one piece); forcing it means
// deleting every backlog key outright. Id counters survive so ids are
// never reused.
func (b *Backend) ExpireAllBacklogs(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, keyPrefix+"chan_backlog:*", 200).Iterator()
	keys := []string{b.globalBacklogKey()}
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return classifyErr(err)
	}
	return classifyErr(b.client.Del(ctx, keys...).Err())
}

// AfterFork implements backend.Backend as a no-op: the client and its
// connection pool are kept as they are, not re-established.
func (b *Backend) AfterFork(ctx context.Context) error {
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	return b.client.Close()
}
