package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	*sqlStorage
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgreSQLStorage{sqlStorage: newSQLStorage(db, postgresDialect{}, logger)}, nil
}

// Migrate applies the embedded PostgreSQL schema
// 埋め込みスキーマを適用
func (s *PostgreSQLStorage) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db, DriverPostgres, s.logger)
}

type postgresDialect struct{}

func (postgresDialect) name() string { return DriverPostgres }

// rebind rewrites ? placeholders into $1, $2, ...
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) lockItems(ctx context.Context, tx *sql.Tx, ids []string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM inventory_items WHERE id = ANY($1) ORDER BY id FOR UPDATE`, pq.Array(ids))
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

func (postgresDialect) isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isConflict covers serialization failures, deadlocks and lock timeouts
func (postgresDialect) isConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}
