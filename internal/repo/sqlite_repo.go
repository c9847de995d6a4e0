package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	kind       TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (kind, key)
);
CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at);
`

// SQLiteRepo はSQLiteのdocumentsテーブルに保存するバックエンドです
// 更新はversion列による比較交換で行います
type SQLiteRepo struct {
	db *sql.DB
}

// OpenSQLiteRepo はデータベースを開き、スキーマを作成します
func OpenSQLiteRepo(ctx context.Context, path string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, unavailable("sqlite open", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, unavailable("sqlite pragma", err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, unavailable("sqlite schema", err)
	}
	return &SQLiteRepo{db: db}, nil
}

func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func (s *SQLiteRepo) Create(ctx context.Context, kind Kind, key string, doc []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (kind, key, body, version, updated_at) VALUES (?, ?, ?, 1, ?)`,
		string(kind), key, doc, time.Now().UTC())
	if isConstraintViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return unavailable("sqlite create", err)
	}
	return nil
}

func (s *SQLiteRepo) Get(ctx context.Context, kind Kind, key string) ([]byte, error) {
	body, _, err := s.get(ctx, kind, key)
	return body, err
}

func (s *SQLiteRepo) get(ctx context.Context, kind Kind, key string) ([]byte, int64, error) {
	var body []byte
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT body, version FROM documents WHERE kind = ? AND key = ?`,
		string(kind), key).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, unavailable("sqlite get", err)
	}
	return body, version, nil
}

func (s *SQLiteRepo) Put(ctx context.Context, kind Kind, key string, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (kind, key, body, version, updated_at) VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(kind, key) DO UPDATE SET
			body = excluded.body,
			version = documents.version + 1,
			updated_at = excluded.updated_at`,
		string(kind), key, doc, time.Now().UTC())
	if err != nil {
		return unavailable("sqlite put", err)
	}
	return nil
}

// Update は読み出したversionが変わっていない場合だけ書き込みます
// 他の書き込みと競合した場合は読み直してやり直します
func (s *SQLiteRepo) Update(ctx context.Context, kind Kind, key string, fn Mutator) error {
	for i := 0; i < maxUpdateRetries; i++ {
		cur, version, err := s.get(ctx, kind, key)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}

		var res sql.Result
		if next == nil {
			res, err = s.db.ExecContext(ctx,
				`DELETE FROM documents WHERE kind = ? AND key = ? AND version = ?`,
				string(kind), key, version)
		} else {
			res, err = s.db.ExecContext(ctx,
				`UPDATE documents SET body = ?, version = version + 1, updated_at = ?
				 WHERE kind = ? AND key = ? AND version = ?`,
				next, time.Now().UTC(), string(kind), key, version)
		}
		if err != nil {
			return unavailable("sqlite update", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("sqlite update", err)
		}
		if n == 1 {
			return nil
		}
	}
	return fmt.Errorf("sqlite update %s/%s: %w", kind, key, ErrContention)
}

func (s *SQLiteRepo) Delete(ctx context.Context, kind Kind, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE kind = ? AND key = ?`, string(kind), key); err != nil {
		return unavailable("sqlite delete", err)
	}
	return nil
}

func (s *SQLiteRepo) Persistent() bool { return true }

func (s *SQLiteRepo) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("sqlite ping", err)
	}
	return nil
}

func (s *SQLiteRepo) Close() error { return s.db.Close() }
