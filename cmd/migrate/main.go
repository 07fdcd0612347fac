package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLotEngine/internal/config"
	"github.com/nemonet1337/zaiLotEngine/pkg/inventory/storage"
)

type sqlBacked interface {
	DB() *sql.DB
}

func main() {
	log.Println("zaiLotEngine マイグレーション実行ツール")

	statusOnly := flag.Bool("status", false, "適用状況のみ表示する")
	flag.Parse()

	_ = godotenv.Load()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	logger, err := cfg.Logging.BuildLogger()
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	if cfg.Database.Driver == storage.DriverMemory {
		log.Println("メモリストレージにはマイグレーションは不要です")
		return
	}

	// データベース接続
	log.Printf("データベースに接続中: driver=%s", cfg.Database.Driver)
	store, err := storage.Open(cfg.Database.Driver, cfg.DSN(), logger)
	if err != nil {
		log.Fatal("データベース接続に失敗しました:", err)
	}
	defer store.Close()

	backed, ok := store.(sqlBacked)
	if !ok {
		log.Fatalf("このドライバはSQLマイグレーションに対応していません: %s", cfg.Database.Driver)
	}
	db := backed.DB()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if !*statusOnly {
		if err := storage.Migrate(ctx, db, cfg.Database.Driver, logger); err != nil {
			logger.Error("マイグレーション実行に失敗しました", zap.Error(err))
			os.Exit(1)
		}
		log.Println("すべてのマイグレーションが完了しました")
	}

	if err := printStatus(ctx, db, cfg.Database.Driver); err != nil {
		log.Fatal("適用状況の取得に失敗しました:", err)
	}
}

// printStatus マイグレーションの適用状況を表示
func printStatus(ctx context.Context, db *sql.DB, driver string) error {
	statuses, err := storage.Status(ctx, db, driver)
	if err != nil {
		return err
	}
	for _, st := range statuses {
		applied := "未適用"
		if st.AppliedAt != nil {
			applied = st.AppliedAt.Format(time.RFC3339)
		}
		fmt.Printf("%-24s %s  %s\n", st.Version, st.Checksum[:12], applied)
	}
	return nil
}
