package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStorage implements the Storage interface using an embedded SQLite file
// SQLiteファイルを使用したStorageインターフェースの実装
type SQLiteStorage struct {
	*sqlStorage
}

// NewSQLiteStorage opens (or creates) the database file and applies the schema.
// ":memory:" opens a private in-memory database.
// Write transactions start with BEGIN IMMEDIATE so concurrent writers queue on the file lock.
// SQLiteストレージを作成（スキーマは自動適用）
func NewSQLiteStorage(path string, logger *zap.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	if path == ":memory:" {
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on&_txlock=immediate", uuid.NewString())
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// SQLiteは単一ライター
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{sqlStorage: newSQLStorage(db, sqliteDialect{}, logger)}
	if err := Migrate(context.Background(), db, DriverSQLite, s.logger); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return DriverSQLite }

func (sqliteDialect) rebind(query string) string { return query }

// lockItems only checks existence; BEGIN IMMEDIATE already holds the write lock
func (sqliteDialect) lockItems(ctx context.Context, tx *sql.Tx, ids []string) ([]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM inventory_items WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found = append(found, id)
	}
	return found, rows.Err()
}

func (sqliteDialect) isUniqueViolation(err error) bool {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (sqliteDialect) isConflict(err error) bool {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
}
