package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/yadazula/s3emulator/internal/types"
)

const listBucketsLimit = 1000

const schema = `
CREATE TABLE IF NOT EXISTS buckets (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS objects (
	id           TEXT PRIMARY KEY,
	bucket       TEXT NOT NULL,
	key          TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	checksum     TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	size         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS objects_bucket_key ON objects (bucket, key);

CREATE TABLE IF NOT EXISTS blobs (
	id   TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
`

// SQLiteStorage implements Storage over a SQLite database holding
// bucket records, object metadata, and content blobs.
type SQLiteStorage struct {
	db        *sql.DB
	log       zerolog.Logger
	closeOnce sync.Once
	closeErr  error
}

var _ Storage = (*SQLiteStorage)(nil)

// memorySeq distinguishes in-memory databases opened in one process;
// shared-cache memory databases with the same name alias each other.
var memorySeq atomic.Int64

// Open creates a SQLiteStorage in dir, or a volatile in-memory store
// when inMemory is set.
func Open(dir string, inMemory bool, logger zerolog.Logger) (*SQLiteStorage, error) {
	var dsn string
	if inMemory {
		// Shared cache so every pooled connection sees one database.
		dsn = fmt.Sprintf("file:s3emulator-%d?mode=memory&cache=shared&_busy_timeout=5000", memorySeq.Add(1))
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dsn = "file:" + filepath.Join(dir, "s3emulator.db") + "?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if inMemory {
		// The in-memory database lives as long as one connection does.
		db.SetMaxIdleConns(1)
		db.SetConnMaxIdleTime(0)
		db.SetConnMaxLifetime(0)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info().Str("dsn", dsn).Bool("inmemory", inMemory).Msg("storage opened")

	return &SQLiteStorage{db: db, log: logger}, nil
}

func (s *SQLiteStorage) AddBucket(ctx context.Context, bucket *types.Bucket) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO buckets (name, created_at) VALUES (?, ?)`,
		bucket.Name, bucket.CreationDate.UTC())
	if err != nil {
		return fmt.Errorf("add bucket %q: %w", bucket.Name, err)
	}
	return nil
}

func (s *SQLiteStorage) GetBucket(ctx context.Context, name string) (*types.Bucket, error) {
	bucket := types.Bucket{Name: name}

	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM buckets WHERE name = ?`, name).Scan(&bucket.CreationDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bucket %q: %w", name, err)
	}

	return &bucket, nil
}

func (s *SQLiteStorage) DeleteBucket(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete bucket %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStorage) ListBuckets(ctx context.Context) ([]types.Bucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, created_at FROM buckets ORDER BY name LIMIT ?`, listBucketsLimit)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []types.Bucket
	for rows.Next() {
		var b types.Bucket
		if err := rows.Scan(&b.Name, &b.CreationDate); err != nil {
			return nil, fmt.Errorf("list buckets: %w", err)
		}
		buckets = append(buckets, b)
	}

	return buckets, rows.Err()
}

// AddObject stores the object's blob and metadata in one transaction,
// blob first, so observed metadata always has its blob.
func (s *SQLiteStorage) AddObject(ctx context.Context, obj *types.Object) error {
	content, err := obj.Content()
	if err != nil {
		return fmt.Errorf("add object %q: resolve content: %w", obj.ID(), err)
	}
	defer content.Close()

	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("add object %q: read content: %w", obj.ID(), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add object %q: %w", obj.ID(), err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO blobs (id, data) VALUES (?, ?)`,
		obj.ID(), data); err != nil {
		return fmt.Errorf("add object %q: store blob: %w", obj.ID(), err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (id, bucket, key, content_type, checksum, created_at, size)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		obj.ID(), obj.Bucket, obj.Key, obj.ContentType, obj.Checksum,
		obj.CreationDate.UTC(), obj.Size); err != nil {
		return fmt.Errorf("add object %q: store metadata: %w", obj.ID(), err)
	}

	return tx.Commit()
}

// GetObject returns the object's metadata with Content bound to a blob
// lookup by id. The blob is read only when Content is called; metadata
// without a blob surfaces ErrIntegrity there.
func (s *SQLiteStorage) GetObject(ctx context.Context, bucket, key string) (*types.Object, error) {
	id := types.ObjectID(bucket, key)
	obj := types.Object{Bucket: bucket, Key: key}

	err := s.db.QueryRowContext(ctx,
		`SELECT content_type, checksum, created_at, size FROM objects WHERE id = ?`, id).
		Scan(&obj.ContentType, &obj.Checksum, &obj.CreationDate, &obj.Size)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", id, err)
	}

	obj.Content = s.blobFunc(id)

	return &obj, nil
}

func (s *SQLiteStorage) blobFunc(id string) types.BlobFunc {
	return func() (io.ReadCloser, error) {
		var data []byte
		err := s.db.QueryRow(`SELECT data FROM blobs WHERE id = ?`, id).Scan(&data)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("object %q: %w", id, ErrIntegrity)
		}
		if err != nil {
			return nil, fmt.Errorf("object %q: read blob: %w", id, err)
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// DeleteObject removes metadata and blob in one transaction, metadata
// first, so a reader never finds metadata for a vanished blob.
func (s *SQLiteStorage) DeleteObject(ctx context.Context, bucket, key string) error {
	id := types.ObjectID(bucket, key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete object %q: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete object %q: metadata: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete object %q: blob: %w", id, err)
	}

	return tx.Commit()
}

func (s *SQLiteStorage) QueryObjects(ctx context.Context, bucket, prefix, marker string, fn func(*types.Object) bool) error {
	query := `SELECT key, content_type, checksum, created_at, size FROM objects
		  WHERE bucket = ? AND key >= ? AND key > ?`
	args := []any{bucket, prefix, marker}

	// Byte-wise prefix match as a range scan: the upper bound is the
	// prefix with its last non-0xFF byte incremented.
	if end, ok := prefixEnd(prefix); ok {
		query += ` AND key < ?`
		args = append(args, end)
	}
	query += ` ORDER BY key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query objects in %q: %w", bucket, err)
	}
	defer rows.Close()

	for rows.Next() {
		obj := types.Object{Bucket: bucket}
		if err := rows.Scan(&obj.Key, &obj.ContentType, &obj.Checksum, &obj.CreationDate, &obj.Size); err != nil {
			return fmt.Errorf("query objects in %q: %w", bucket, err)
		}
		if !fn(&obj) {
			return nil
		}
	}

	return rows.Err()
}

// prefixEnd returns the smallest key greater than every key with the
// given prefix. ok is false when no upper bound exists (empty prefix or
// all 0xFF bytes).
func prefixEnd(prefix string) (string, bool) {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return string(end[:i+1]), true
		}
	}
	return "", false
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
		s.log.Info().Msg("storage closed")
	})
	return s.closeErr
}
