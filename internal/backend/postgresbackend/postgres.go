// Package postgresbackend implements backend.Backend on PostgreSQL: a
// single message table indexed by (channel, id) and (added_at), a
// per-channel sequence table for channel-scoped ids, and LISTEN/NOTIFY as
// the firehose transport.
package postgresbackend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/message"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	listenChannel = "message_bus_notify"

	// notifyPayloadLimit mirrors PostgreSQL's NOTIFY payload cap.
	notifyPayloadLimit = 8000

	schema = `
CREATE TABLE IF NOT EXISTS message_bus_channel_seq (
	channel TEXT PRIMARY KEY,
	last_id BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS message_bus_messages (
	global_id BIGSERIAL PRIMARY KEY,
	channel TEXT NOT NULL,
	id BIGINT NOT NULL,
	payload TEXT NOT NULL CHECK (octet_length(payload) >= 2),
	added_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS message_bus_messages_channel_id_idx
	ON message_bus_messages (channel, id);
CREATE INDEX IF NOT EXISTS message_bus_messages_added_at_idx
	ON message_bus_messages (added_at);
`
)

// Backend implements backend.Backend against a pgx connection pool.
type Backend struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New constructs a Backend bound to an existing pool. Migrate must be called
// once before first use (it is idempotent and safe to call on every boot).
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Backend {
	return &Backend{pool: pool, logger: logger.With().Str("component", "postgres_backend").Logger()}
}

// Migrate creates the backend's schema if absent.
func (b *Backend) Migrate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, schema)
	return b.classifyErr(err)
}

func (b *Backend) classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P03", "08000", "08003", "08006": // cannot_connect_now, connection_exception family
			return fmt.Errorf("%w: %v", backend.ErrReadOnly, err)
		case "25006": // read_only_sql_transaction
			return fmt.Errorf("%w: %v", backend.ErrReadOnly, err)
		case "42P01": // undefined_table
			return fmt.Errorf("%w: %v", backend.ErrFatal, err)
		}
	}
	if b.pool.Stat().AcquiredConns() == 0 && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", backend.ErrReadOnly, err)
	}
	return err
}

// Publish implements backend.Backend. Channel-id allocation, insert, and
// both trims happen in a single transaction so a crash never leaves the two
// backlogs or the sequence table inconsistent.
func (b *Backend) Publish(ctx context.Context, channel string, payload []byte, opts backend.PublishOptions) (int64, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, b.classifyErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO message_bus_channel_seq (channel, last_id) VALUES ($1, 1)
		ON CONFLICT (channel) DO UPDATE SET last_id = message_bus_channel_seq.last_id + 1
		RETURNING last_id
	`, channel).Scan(&id)
	if err != nil {
		return 0, b.classifyErr(err)
	}

	var globalID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO message_bus_messages (channel, id, payload) VALUES ($1, $2, $3)
		RETURNING global_id
	`, channel, id, string(payload)).Scan(&globalID)
	if err != nil {
		return 0, b.classifyErr(err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM message_bus_messages
		WHERE channel = $1 AND id <= (
			SELECT id FROM message_bus_messages
			WHERE channel = $1
			ORDER BY id DESC
			OFFSET $2 LIMIT 1
		)
	`, channel, opts.MaxBacklogSizeOrDefault()); err != nil {
		return 0, b.classifyErr(err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM message_bus_messages
		WHERE global_id <= (
			SELECT global_id FROM message_bus_messages
			ORDER BY global_id DESC
			OFFSET $1 LIMIT 1
		)
	`, backend.DefaultMaxGlobalBacklogSize); err != nil {
		return 0, b.classifyErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, b.classifyErr(err)
	}

	wire := message.Encode(globalID, id, channel, payload)
	if len(wire) <= notifyPayloadLimit {
		if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", listenChannel, wire); err != nil {
			b.logger.Error().Err(err).Msg("notify failed after commit; live subscribers rely on gap recovery")
		}
	} else {
		b.logger.Warn().Int("size", len(wire)).Msg("message too large for NOTIFY payload; live subscribers will pick it up via gap recovery")
	}

	return globalID, nil
}

// LastID implements backend.Backend.
func (b *Backend) LastID(ctx context.Context, channel string) (int64, error) {
	var id int64
	err := b.pool.QueryRow(ctx, `SELECT last_id FROM message_bus_channel_seq WHERE channel = $1`, channel).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, b.classifyErr(err)
	}
	return id, nil
}

// LastIDs implements backend.Backend.
func (b *Backend) LastIDs(ctx context.Context, channels []string) ([]int64, error) {
	out := make([]int64, len(channels))
	rows, err := b.pool.Query(ctx, `SELECT channel, last_id FROM message_bus_channel_seq WHERE channel = ANY($1)`, channels)
	if err != nil {
		return nil, b.classifyErr(err)
	}
	defer rows.Close()

	found := make(map[string]int64, len(channels))
	for rows.Next() {
		var channel string
		var id int64
		if err := rows.Scan(&channel, &id); err != nil {
			return nil, b.classifyErr(err)
		}
		found[channel] = id
	}
	if err := rows.Err(); err != nil {
		return nil, b.classifyErr(err)
	}
	for i, channel := range channels {
		out[i] = found[channel]
	}
	return out, nil
}

// Backlog implements backend.Backend.
func (b *Backend) Backlog(ctx context.Context, channel string, sinceID int64) ([]message.Message, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT global_id, id, channel, payload FROM message_bus_messages
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC
	`, channel, sinceID)
	if err != nil {
		return nil, b.classifyErr(err)
	}
	return b.scanMessages(rows)
}

// GlobalBacklog implements backend.Backend.
func (b *Backend) GlobalBacklog(ctx context.Context, sinceGlobalID int64) ([]message.Message, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT global_id, id, channel, payload FROM message_bus_messages
		WHERE global_id > $1
		ORDER BY global_id ASC
	`, sinceGlobalID)
	if err != nil {
		return nil, b.classifyErr(err)
	}
	return b.scanMessages(rows)
}

func (b *Backend) scanMessages(rows pgx.Rows) ([]message.Message, error) {
	defer rows.Close()
	var out []message.Message
	for rows.Next() {
		var m message.Message
		var payload string
		if err := rows.Scan(&m.GlobalID, &m.ID, &m.Channel, &payload); err != nil {
			return nil, b.classifyErr(err)
		}
		m.Data = []byte(payload)
		out = append(out, m)
	}
	return out, b.classifyErr(rows.Err())
}

// GetMessage implements backend.Backend.
func (b *Backend) GetMessage(ctx context.Context, channel string, id int64) (message.Message, bool, error) {
	var m message.Message
	var payload string
	err := b.pool.QueryRow(ctx, `
		SELECT global_id, id, channel, payload FROM message_bus_messages
		WHERE channel = $1 AND id = $2
	`, channel, id).Scan(&m.GlobalID, &m.ID, &m.Channel, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return message.Message{}, false, nil
	}
	if err != nil {
		return message.Message{}, false, b.classifyErr(err)
	}
	m.Data = []byte(payload)
	return m, true, nil
}

// GlobalSubscribe implements backend.Backend using a dedicated LISTEN
// connection plus GlobalBacklog for startup drain and gap recovery.
func (b *Backend) GlobalSubscribe(ctx context.Context, lastID int64, handler backend.Handler) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return b.classifyErr(err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{listenChannel}.Sanitize()); err != nil {
		return b.classifyErr(err)
	}

	rec := backend.NewRecovery(handler, b.GlobalBacklog)
	if err := rec.Start(ctx, lastID); err != nil {
		return err
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return b.classifyErr(err)
		}
		if notification.Payload == backend.UnsubscribeSentinel {
			return nil
		}
		gid, id, channel, payload, ok := message.Decode(notification.Payload)
		if !ok {
			b.logger.Warn().Str("payload", notification.Payload).Msg("dropping malformed firehose notification")
			continue
		}
		rec.Deliver(ctx, message.Message{GlobalID: gid, ID: id, Channel: channel, Data: payload})
	}
}

// GlobalUnsubscribe implements backend.Backend.
func (b *Backend) GlobalUnsubscribe(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", listenChannel, backend.UnsubscribeSentinel)
	return b.classifyErr(err)
}

// Reset implements backend.Backend.
func (b *Backend) Reset(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		TRUNCATE message_bus_messages;
		TRUNCATE message_bus_channel_seq;
		ALTER SEQUENCE message_bus_messages_global_id_seq RESTART WITH 1;
	`)
	return b.classifyErr(err)
}

// ExpireAllBacklogs implements backend.Backend: a direct age-based delete
// against the added_at index, independent of the size-based trim Publish
// already performs.
func (b *Backend) ExpireAllBacklogs(ctx context.Context) error {
	cutoff := time.Now().Add(-backend.DefaultMaxBacklogAge)
	_, err := b.pool.Exec(ctx, `DELETE FROM message_bus_messages WHERE added_at < $1`, cutoff)
	return b.classifyErr(err)
}

// AfterFork implements backend.Backend. pgxpool manages its own connections
// per-process; nothing needs reopening here, but the hook stays in the
// interface so callers don't need backend-specific branches.
func (b *Backend) AfterFork(ctx context.Context) error { return nil }

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}
