package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"tradebot-signals/internal/logger"
	"tradebot-signals/internal/metrics"
	"tradebot-signals/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	snapshotsKept     = 10
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/signals.db"
}

// record is a classification queued for the batching loop.
type record struct {
	runID string
	c     model.Classification
}

// Store is a single-writer SQLite database holding cached candles, the
// classification log, run summaries and indicator snapshots.
type Store struct {
	db    *sql.DB
	m     *metrics.Metrics
	queue chan record
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode and creates the schema. m may be nil.
func New(cfg Config, m *metrics.Metrics) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db, m: m, queue: make(chan record, 4*defaultBatchSize)}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			instrument TEXT    NOT NULL,
			interval   TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			open       TEXT    NOT NULL,
			high       TEXT    NOT NULL,
			low        TEXT    NOT NULL,
			close      TEXT    NOT NULL,
			volume     INTEGER,
			PRIMARY KEY (instrument, interval, ts)
		);

		CREATE TABLE IF NOT EXISTS classifications (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT    NOT NULL,
			instrument TEXT    NOT NULL,
			interval   TEXT    NOT NULL,
			idx        INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			close      REAL    NOT NULL,
			action     TEXT    NOT NULL,
			score      REAL    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS classifications_run ON classifications (run_id, idx);

		CREATE TABLE IF NOT EXISTS runs (
			run_id     TEXT    PRIMARY KEY,
			mode       TEXT    NOT NULL,
			instrument TEXT    NOT NULL,
			interval   TEXT    NOT NULL,
			started_at INTEGER NOT NULL,
			summary    TEXT
		);

		CREATE TABLE IF NOT EXISTS snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			key        TEXT    NOT NULL,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// WriteCandles upserts candles in a single transaction.
func (s *Store) WriteCandles(ctx context.Context, instrument string, iv model.Interval, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (instrument, interval, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx, instrument, string(iv), c.TS.UnixMilli(),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert candle: %w", err)
		}
	}
	return tx.Commit()
}

// WriteClassification queues c for the batching loop under the run ID
// carried by ctx. Run must be running for the queue to drain.
func (s *Store) WriteClassification(ctx context.Context, c model.Classification) error {
	select {
	case s.queue <- record{runID: logger.RunID(ctx), c: c}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains queued classifications and inserts them in batched
// transactions. Flushes every batchSize records OR every flushDelay,
// whichever first. Blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	batch := make([]record, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		// ctx may already be cancelled on the final flush
		if err := s.insertBatch(context.Background(), batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		} else {
			s.observeCommit(start)
			log.Printf("[sqlite] committed %d classifications in %v", len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case r := <-s.queue:
					batch = append(batch, r)
				default:
					flush()
					return
				}
			}

		case r := <-s.queue:
			batch = append(batch, r)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// WriteClassifications inserts a whole run's classifications at once.
func (s *Store) WriteClassifications(ctx context.Context, runID string, cs []model.Classification) error {
	batch := make([]record, len(cs))
	for i, c := range cs {
		batch[i] = record{runID: runID, c: c}
	}
	start := time.Now()
	if err := s.insertBatch(ctx, batch); err != nil {
		return err
	}
	s.observeCommit(start)
	return nil
}

// insertBatch inserts a batch of classifications in a single transaction.
func (s *Store) insertBatch(ctx context.Context, batch []record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO classifications (run_id, instrument, interval, idx, ts, close, action, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range batch {
		c := r.c
		_, err := stmt.ExecContext(ctx, r.runID, c.Instrument, string(c.Interval), c.Index,
			c.TS.UnixMilli(), c.Close, string(c.Action), c.Score)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert classification: %w", err)
		}
	}
	return tx.Commit()
}

// RunRecord describes one live session or backtest.
type RunRecord struct {
	RunID      string
	Mode       string
	Instrument string
	Interval   model.Interval
	StartedAt  time.Time
	Summary    any // JSON-encoded into the summary column
}

// SaveRun upserts a run row.
func (s *Store) SaveRun(ctx context.Context, r RunRecord) error {
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, mode, instrument, interval, started_at, summary) VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Mode, r.Instrument, string(r.Interval), r.StartedAt.UnixMilli(), string(summary))
	if err != nil {
		return fmt.Errorf("sqlite insert run: %w", err)
	}
	return nil
}

// SaveSnapshot stores data under key, keeping the last 10 per key.
func (s *Store) SaveSnapshot(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (key, data, created_at) VALUES (?, ?, ?)`,
		key, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite insert snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE key = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE key = ? ORDER BY id DESC LIMIT ?
		)`, key, key, snapshotsKept)
	if err != nil {
		log.Printf("[sqlite] prune snapshots warning: %v", err)
	}
	return nil
}

func (s *Store) observeCommit(start time.Time) {
	if s.m != nil {
		s.m.SQLiteCommitDur.Observe(time.Since(start).Seconds())
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
