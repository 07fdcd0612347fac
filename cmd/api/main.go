package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nemonet1337/zaiLotEngine/internal/config"
	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
	"github.com/nemonet1337/zaiLotEngine/pkg/inventory/storage"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

func main() {
	// .envがあれば読み込む（無くてもよい）
	_ = godotenv.Load()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	logger, err := cfg.Logging.BuildLogger()
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("サーバーが異常終了しました", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("サーバーが正常に停止しました")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// データベース接続
	store, err := storage.Open(cfg.Database.Driver, cfg.DSN(), logger)
	if err != nil {
		return fmt.Errorf("データベース接続に失敗しました: %w", err)
	}
	defer store.Close()

	if m, ok := store.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("マイグレーションに失敗しました: %w", err)
		}
	}

	engineConfig, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// ロットエンジン初期化
	manager := inventory.NewManager(store, inventory.NewLogPublisher(logger), logger, engineConfig,
		inventory.WithMetrics(inventory.NewMetrics(registry)))
	valuation := inventory.NewValuationEngine(store, logger, engineConfig, inventory.SystemClock{})

	// HTTPハンドラー設定
	handlers := NewHandlers(manager, valuation, store, logger)
	router := setupRouter(handlers)
	if cfg.API.EnableMetrics {
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	var handler http.Handler = router
	if cfg.API.EnableCORS {
		handler = corsMiddleware(cfg.API.AllowedOrigins)(handler)
	}

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      handler,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("ロットエンジンAPIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("driver", cfg.Database.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("サーバー開始に失敗しました: %w", err)
		}
		return nil
	})

	if cfg.Inventory.ExpiryScanInterval > 0 {
		monitor := inventory.NewExpiryMonitor(manager, cfg.Inventory.ExpiryScanInterval, logger)
		g.Go(func() error {
			return monitor.Run(gctx)
		})
	}

	// グレースフルシャットダウン
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("サーバーをシャットダウンしています...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("サーバーシャットダウンに失敗しました: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// ロケーション管理
	api.HandleFunc("/locations", handlers.CreateLocation).Methods("POST")
	api.HandleFunc("/locations", handlers.ListLocations).Methods("GET")
	api.HandleFunc("/locations/{locationId}/below-par", handlers.ListBelowPar).Methods("GET")
	api.HandleFunc("/locations/{locationId}/valuation", handlers.LocationValuation).Methods("GET")

	// 商品管理
	api.HandleFunc("/items", handlers.RegisterItem).Methods("POST")
	api.HandleFunc("/items", handlers.ListItems).Methods("GET")
	api.HandleFunc("/items/{itemId}", handlers.GetItem).Methods("GET")
	api.HandleFunc("/items/{itemId}", handlers.UpdateItem).Methods("PUT")
	api.HandleFunc("/items/{itemId}", handlers.DeactivateItem).Methods("DELETE")
	api.HandleFunc("/items/{itemId}/on-hand", handlers.GetOnHand).Methods("GET")
	api.HandleFunc("/items/{itemId}/batches", handlers.ListItemBatches).Methods("GET")
	api.HandleFunc("/items/{itemId}/ledger", handlers.GetLedger).Methods("GET")
	api.HandleFunc("/items/{itemId}/verify", handlers.VerifyItem).Methods("GET")
	api.HandleFunc("/items/{itemId}/valuation", handlers.ItemValuation).Methods("GET")

	// 在庫操作
	api.HandleFunc("/consume", handlers.Consume).Methods("POST")
	api.HandleFunc("/transfer", handlers.Transfer).Methods("POST")

	// バッチ管理（固定パスを先に登録）
	api.HandleFunc("/batches/expiring", handlers.ListExpiring).Methods("GET")
	api.HandleFunc("/batches/expired", handlers.ListExpired).Methods("GET")
	api.HandleFunc("/batches/{batchId}", handlers.GetBatch).Methods("GET")
	api.HandleFunc("/batches/{batchId}/dispose", handlers.DisposeBatch).Methods("POST")
	api.HandleFunc("/expiry/run", handlers.RunExpiryPass).Methods("POST")

	// 発注書
	api.HandleFunc("/purchase-orders", handlers.CreatePurchaseOrder).Methods("POST")
	api.HandleFunc("/purchase-orders/{poId}", handlers.GetPurchaseOrder).Methods("GET")
	api.HandleFunc("/purchase-orders/{poId}/submit", handlers.SubmitPurchaseOrder).Methods("POST")
	api.HandleFunc("/purchase-orders/{poId}/approve", handlers.ApprovePurchaseOrder).Methods("POST")
	api.HandleFunc("/purchase-orders/{poId}/cancel", handlers.CancelPurchaseOrder).Methods("POST")
	api.HandleFunc("/purchase-orders/{poId}/receive", handlers.ReceivePurchaseOrder).Methods("POST")

	// 棚卸
	api.HandleFunc("/opnames", handlers.CreateOpname).Methods("POST")
	api.HandleFunc("/opnames/{opnameId}", handlers.GetOpnameSummary).Methods("GET")
	api.HandleFunc("/opnames/{opnameId}/start", handlers.StartOpname).Methods("POST")
	api.HandleFunc("/opnames/{opnameId}/counts", handlers.RecordCount).Methods("POST")
	api.HandleFunc("/opnames/{opnameId}/complete", handlers.CompleteOpname).Methods("POST")
	api.HandleFunc("/opnames/{opnameId}/cancel", handlers.CancelOpname).Methods("POST")

	// 監査証跡
	api.HandleFunc("/audit", handlers.GetAuditTrail).Methods("GET")

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// corsMiddleware allows browser clients from the configured origins
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", ActorHeader},
		MaxAge:         300,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// リクエスト処理
			next.ServeHTTP(rec, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("actor", r.Header.Get(ActorHeader)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
