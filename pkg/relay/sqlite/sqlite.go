// Package sqlite provides a durable relay.Relay backed by a SQLite file that
// several server processes on one host can share.
//
// Durable streams live in the database. Best-effort publish/subscribe is
// in-process only.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aideator/aideator-sub000/pkg/model"
	"github.com/aideator/aideator-sub000/pkg/relay"
)

// Config tunes the relay.
type Config struct {
	Path string
	// MaxLen trims a stream on append once it grows past this many entries.
	// Zero leaves trimming to the janitor.
	MaxLen int
	// OpTimeout bounds each database call.
	OpTimeout time.Duration
	// PollInterval is how often blocked reads look for appends made by
	// other processes.
	PollInterval time.Duration
}

// Relay implements relay.Relay on SQLite.
type Relay struct {
	db     *sql.DB
	cfg    Config
	pubsub *relay.MemoryRelay

	mu     sync.Mutex
	wake   chan struct{}
	closed chan struct{}
}

// New opens (or creates) the relay database.
func New(cfg Config) (*Relay, error) {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = relay.DefaultOpTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening relay database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running relay migrations: %w", err)
	}

	return &Relay{
		db:     db,
		cfg:    cfg,
		pubsub: relay.NewMemoryRelay(0),
		wake:   make(chan struct{}),
		closed: make(chan struct{}),
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS relay_streams (
			channel    TEXT PRIMARY KEY,
			last_id    INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS relay_entries (
			channel TEXT NOT NULL,
			id      INTEGER NOT NULL,
			data    TEXT NOT NULL,
			PRIMARY KEY (channel, id)
		);
	`)
	return err
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, relay.ErrUnavailable, err)
}

func (r *Relay) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.OpTimeout)
}

// Publish fans out to subscribers in this process.
func (r *Relay) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	return r.pubsub.Publish(ctx, channel, payload)
}

// Subscribe registers an in-process subscriber.
func (r *Relay) Subscribe(ctx context.Context, channel string) (*relay.Subscription, error) {
	return r.pubsub.Subscribe(ctx, channel)
}

// Append assigns the next id for channel and stores ev in one transaction.
func (r *Relay) Append(ctx context.Context, channel string, ev *model.Event) (int64, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	stored := *ev
	stored.ID = 0
	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("marshalling event: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("append", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO relay_streams (channel, last_id, updated_at) VALUES (?, 1, ?)
		 ON CONFLICT(channel) DO UPDATE SET last_id = last_id + 1, updated_at = excluded.updated_at
		 RETURNING last_id`,
		channel, time.Now().UnixNano(),
	).Scan(&id)
	if err != nil {
		return 0, unavailable("append", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO relay_entries (channel, id, data) VALUES (?, ?, ?)`,
		channel, id, string(data),
	); err != nil {
		return 0, unavailable("append", err)
	}
	if r.cfg.MaxLen > 0 && id > int64(r.cfg.MaxLen) {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM relay_entries WHERE channel = ? AND id <= ?`,
			channel, id-int64(r.cfg.MaxLen),
		); err != nil {
			return 0, unavailable("append", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("append", err)
	}

	ev.ID = id
	r.signal()
	return id, nil
}

func (r *Relay) signal() {
	r.mu.Lock()
	close(r.wake)
	r.wake = make(chan struct{})
	r.mu.Unlock()
}

func (r *Relay) wakeup() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wake
}

// Read returns entries after afterID. Blocked reads wake on local appends
// and poll for appends made by other processes.
func (r *Relay) Read(ctx context.Context, channel string, afterID int64, count int, block time.Duration) ([]*model.Event, error) {
	if count <= 0 {
		count = relay.DefaultReadCount
	}
	deadline := time.Now().Add(block)
	for {
		wake := r.wakeup()
		evs, err := r.query(ctx, channel, afterID, count)
		if err != nil || len(evs) > 0 {
			return evs, err
		}
		remaining := time.Until(deadline)
		if block <= 0 || remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(min(remaining, r.cfg.PollInterval))
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-r.closed:
			timer.Stop()
			return nil, unavailable("read", errors.New("closed"))
		}
		timer.Stop()
	}
}

func (r *Relay) query(ctx context.Context, channel string, afterID int64, count int) ([]*model.Event, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, data FROM relay_entries
		 WHERE channel = ? AND id > ?
		 ORDER BY id ASC LIMIT ?`,
		channel, afterID, count,
	)
	if err != nil {
		return nil, unavailable("read", err)
	}
	defer rows.Close()

	var evs []*model.Event
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, unavailable("read", err)
		}
		ev := &model.Event{}
		if err := json.Unmarshal([]byte(data), ev); err != nil {
			return nil, fmt.Errorf("decoding entry %s/%d: %w", channel, id, err)
		}
		ev.ID = id
		evs = append(evs, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read", err)
	}
	return evs, nil
}

// LastID returns the newest id assigned on channel.
func (r *Relay) LastID(ctx context.Context, channel string) (int64, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT last_id FROM relay_streams WHERE channel = ?`, channel).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("last id", err)
	}
	return id, nil
}

// Trim keeps the newest maxLen entries of channel.
func (r *Relay) Trim(ctx context.Context, channel string, maxLen int) (int, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM relay_entries WHERE channel = ? AND id <= (
			SELECT id FROM relay_entries WHERE channel = ? ORDER BY id DESC LIMIT 1 OFFSET ?
		)`,
		channel, channel, maxLen,
	)
	if err != nil {
		return 0, unavailable("trim", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Streams lists every stream with its retained length.
func (r *Relay) Streams(ctx context.Context) ([]relay.StreamInfo, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT s.channel, s.last_id, s.updated_at, COUNT(e.id)
		 FROM relay_streams s LEFT JOIN relay_entries e ON e.channel = s.channel
		 GROUP BY s.channel ORDER BY s.channel`,
	)
	if err != nil {
		return nil, unavailable("streams", err)
	}
	defer rows.Close()

	var out []relay.StreamInfo
	for rows.Next() {
		var (
			info    relay.StreamInfo
			updated int64
		)
		if err := rows.Scan(&info.Channel, &info.LastID, &updated, &info.Length); err != nil {
			return nil, unavailable("streams", err)
		}
		info.UpdatedAt = time.Unix(0, updated)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("streams", err)
	}
	return out, nil
}

// Delete drops a stream and its entries.
func (r *Relay) Delete(ctx context.Context, channel string) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("delete", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `DELETE FROM relay_entries WHERE channel = ?`, channel); err != nil {
		return unavailable("delete", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM relay_streams WHERE channel = ?`, channel); err != nil {
		return unavailable("delete", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Close ends blocked reads and closes the database.
func (r *Relay) Close() error {
	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		return nil
	default:
		close(r.closed)
	}
	r.mu.Unlock()
	_ = r.pubsub.Close()
	return r.db.Close()
}

var _ relay.Relay = (*Relay)(nil)
