package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

// ErrUnavailable indicates the local persistence layer could not be opened.
// Callers must degrade to passthrough mode instead of retrying.
var ErrUnavailable = errors.New("local store unavailable")

// Partition names. One SQLite table per partition.
const (
	PartConversations   = "conversations"
	PartVerses          = "verses"
	PartCachedResponses = "cached_responses"
	PartJournalEntries  = "journal_entries"
	PartMoodCheckins    = "mood_checkins"
	PartWisdomCache     = "wisdom_cache"
	PartOperationQueue  = "operation_queue"
)

// Item is the unit of storage. Payload is opaque to the store; UserID, Kind
// and Key exist so partitions can be queried by secondary index. TTL of zero
// means the item never expires.
type Item struct {
	ID        string
	UserID    string
	Kind      string
	Key       string
	Payload   []byte
	CreatedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the item's TTL has elapsed at the given instant.
func (it Item) Expired(now time.Time) bool {
	return it.TTL > 0 && it.CreatedAt.Add(it.TTL).Before(now)
}

// indexed columns permitted per partition, keyed by index name.
var partitions = map[string]map[string]string{
	PartConversations:   {"user_id": "user_id", "created_at": "created_at"},
	PartVerses:          {"key": "key", "kind": "kind"},
	PartCachedResponses: {"key": "key"},
	PartJournalEntries:  {"user_id": "user_id", "created_at": "created_at"},
	PartMoodCheckins:    {"user_id": "user_id", "created_at": "created_at"},
	PartWisdomCache:     {"key": "key"},
	PartOperationQueue:  {"kind": "kind", "created_at": "created_at"},
}

// Store is the durable, indexed key-value layer over SQLite. All access to
// local persistence goes through it; no other component opens the database.
type Store struct {
	db     *sql.DB
	logger *zerolog.Logger
}

// New opens (or creates) the database at path and provisions every
// partition. Safe to call repeatedly against the same file.
func New(path string, logger *zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create directory: %v", ErrUnavailable, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect: %v", ErrUnavailable, err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: provision partitions: %v", ErrUnavailable, err)
	}

	logger.Info().Str("path", path).Msg("store initialized")
	return &Store{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	for name, indexes := range partitions {
		queries := []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL DEFAULT '',
            kind TEXT NOT NULL DEFAULT '',
            key TEXT NOT NULL DEFAULT '',
            payload BLOB NOT NULL,
            created_at INTEGER NOT NULL,
            ttl_ms INTEGER NOT NULL DEFAULT 0
        )`, name)}

		for idx, col := range indexes {
			queries = append(queries, fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)`, name, idx, name, col))
		}

		for _, query := range queries {
			if _, err := db.Exec(query); err != nil {
				return fmt.Errorf("error executing query %s: %v", query, err)
			}
		}
	}
	return nil
}

func column(partition, index string) (string, error) {
	indexes, ok := partitions[partition]
	if !ok {
		return "", fmt.Errorf("unknown partition: %s", partition)
	}
	col, ok := indexes[index]
	if !ok {
		return "", fmt.Errorf("partition %s has no index %s", partition, index)
	}
	return col, nil
}

func checkPartition(partition string) error {
	if _, ok := partitions[partition]; !ok {
		return fmt.Errorf("unknown partition: %s", partition)
	}
	return nil
}

// Put inserts or replaces an item. The write is durable once Put returns.
func (s *Store) Put(ctx context.Context, partition string, item Item) error {
	if err := checkPartition(partition); err != nil {
		return err
	}
	if item.ID == "" {
		return errors.New("item id is required")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, user_id, kind, key, payload, created_at, ttl_ms)
              VALUES (?, ?, ?, ?, ?, ?, ?)`, partition)
	_, err := s.db.ExecContext(ctx, query,
		item.ID, item.UserID, item.Kind, item.Key, item.Payload,
		item.CreatedAt.UnixMilli(), item.TTL.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to put item into %s: %w", partition, err)
	}
	return nil
}

// Get returns the item by primary key, or nil when absent.
func (s *Store) Get(ctx context.Context, partition, id string) (*Item, error) {
	if err := checkPartition(partition); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, user_id, kind, key, payload, created_at, ttl_ms
              FROM %s WHERE id = ?`, partition)
	item, err := scanItem(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item from %s: %w", partition, err)
	}
	return item, nil
}

// GetAll returns every item in the partition ordered by creation time.
func (s *Store) GetAll(ctx context.Context, partition string) ([]Item, error) {
	if err := checkPartition(partition); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, user_id, kind, key, payload, created_at, ttl_ms
              FROM %s ORDER BY created_at ASC, id ASC`, partition)
	return s.queryItems(ctx, partition, query)
}

// GetByIndex returns items whose indexed column equals value, ordered by
// creation time. Returns an empty slice on no match.
func (s *Store) GetByIndex(ctx context.Context, partition, index, value string) ([]Item, error) {
	col, err := column(partition, index)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, user_id, kind, key, payload, created_at, ttl_ms
              FROM %s WHERE %s = ? ORDER BY created_at ASC, id ASC`, partition, col)
	return s.queryItems(ctx, partition, query, value)
}

// Delete removes the item by primary key. Deleting a missing id is a no-op.
func (s *Store) Delete(ctx context.Context, partition, id string) error {
	if err := checkPartition(partition); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, partition)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete item from %s: %w", partition, err)
	}
	return nil
}

// ReplaceAll swaps the partition's entire contents for items inside a
// single transaction. Either the new contents are fully durable or the
// previous ones remain; readers never observe a half-rewritten partition.
func (s *Store) ReplaceAll(ctx context.Context, partition string, items []Item) error {
	if err := checkPartition(partition); err != nil {
		return err
	}
	for i := range items {
		if items[i].ID == "" {
			return errors.New("item id is required")
		}
		if items[i].CreatedAt.IsZero() {
			items[i].CreatedAt = time.Now()
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, partition)); err != nil {
		return fmt.Errorf("failed to clear %s in tx: %w", partition, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, user_id, kind, key, payload, created_at, ttl_ms)
              VALUES (?, ?, ?, ?, ?, ?, ?)`, partition)
	for _, item := range items {
		_, err := tx.ExecContext(ctx, query,
			item.ID, item.UserID, item.Kind, item.Key, item.Payload,
			item.CreatedAt.UnixMilli(), item.TTL.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to put item into %s in tx: %w", partition, err)
		}
	}

	return tx.Commit()
}

// Clear removes every item in the partition.
func (s *Store) Clear(ctx context.Context, partition string) error {
	if err := checkPartition(partition); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s`, partition)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to clear %s: %w", partition, err)
	}
	return nil
}

// Count returns the number of items in the partition.
func (s *Store) Count(ctx context.Context, partition string) (int, error) {
	if err := checkPartition(partition); err != nil {
		return 0, err
	}
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, partition)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", partition, err)
	}
	return count, nil
}

// CleanupExpired deletes every item whose TTL has elapsed and returns the
// number removed. Items with zero TTL are never touched.
func (s *Store) CleanupExpired(ctx context.Context, partition string) (int64, error) {
	if err := checkPartition(partition); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE ttl_ms > 0 AND created_at + ttl_ms < ?`, partition)
	result, err := s.db.ExecContext(ctx, query, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup %s: %w", partition, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cleanup result for %s: %w", partition, err)
	}
	return deleted, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryItems(ctx context.Context, partition, query string, args ...interface{}) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", partition, err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item from %s: %w", partition, err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var createdMs, ttlMs int64
	if err := row.Scan(&it.ID, &it.UserID, &it.Kind, &it.Key, &it.Payload, &createdMs, &ttlMs); err != nil {
		return nil, err
	}
	it.CreatedAt = time.UnixMilli(createdMs)
	it.TTL = time.Duration(ttlMs) * time.Millisecond
	return &it, nil
}
