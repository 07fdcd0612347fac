package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Supported database drivers
// 対応しているデータベースドライバ
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// MigrationStatus describes one embedded migration
// マイグレーションの適用状態
type MigrationStatus struct {
	Version   string     `json:"version"`
	Checksum  string     `json:"checksum"`
	AppliedAt *time.Time `json:"applied_at"`
}

type migration struct {
	version  string
	sql      string
	checksum string
}

func loadMigrations(driver string) ([]migration, error) {
	dir := path.Join("migrations", driverDir(driver))
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("未対応のドライバです: %s", driver)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		body, err := fs.ReadFile(migrationFiles, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("マイグレーションファイルの読み込みに失敗しました: %w", err)
		}
		sum := sha256.Sum256(body)
		out = append(out, migration{
			version:  e.Name(),
			sql:      string(body),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func driverDir(driver string) string {
	if driver == DriverSQLite {
		return "sqlite"
	}
	return driver
}

func placeholder(driver string, n int) string {
	if driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func ensureMigrationTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("マイグレーション管理テーブルの作成に失敗しました: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[string]MigrationStatus, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("適用済みマイグレーションの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	applied := map[string]MigrationStatus{}
	for rows.Next() {
		var st MigrationStatus
		var at time.Time
		if err := rows.Scan(&st.Version, &st.Checksum, &at); err != nil {
			return nil, fmt.Errorf("マイグレーション情報の読み取りに失敗しました: %w", err)
		}
		at = at.UTC()
		st.AppliedAt = &at
		applied[st.Version] = st
	}
	return applied, rows.Err()
}

// Migrate applies every embedded migration not yet recorded in schema_migrations.
// An applied file whose checksum changed is an error.
// 未適用のマイグレーションを順に適用
func Migrate(ctx context.Context, db *sql.DB, driver string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations, err := loadMigrations(driver)
	if err != nil {
		return err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}

	insert := fmt.Sprintf(`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (%s, %s, %s)`,
		placeholder(driver, 1), placeholder(driver, 2), placeholder(driver, 3))

	for _, m := range migrations {
		if st, ok := applied[m.version]; ok {
			if st.Checksum != m.checksum {
				return fmt.Errorf("適用済みマイグレーション %s のチェックサムが一致しません", m.version)
			}
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("マイグレーション %s の適用に失敗しました: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, insert, m.version, m.checksum, time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("マイグレーション %s の記録に失敗しました: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("マイグレーション %s のコミットに失敗しました: %w", m.version, err)
		}
		logger.Info("マイグレーションを適用しました", zap.String("version", m.version), zap.String("driver", driver))
	}
	return nil
}

// Status lists embedded migrations with their applied time, if any
// マイグレーションの適用状況を取得
func Status(ctx context.Context, db *sql.DB, driver string) ([]MigrationStatus, error) {
	migrations, err := loadMigrations(driver)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		st := MigrationStatus{Version: m.version, Checksum: m.checksum}
		if a, ok := applied[m.version]; ok {
			st.AppliedAt = a.AppliedAt
		}
		out = append(out, st)
	}
	return out, nil
}
