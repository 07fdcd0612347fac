package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LotEngine defines the mutating operations of the lot lifecycle engine
// ロットライフサイクルエンジンの更新系インターフェースを定義
type LotEngine interface {
	// 消費（FEFO） - Consumption
	Consume(ctx context.Context, req ConsumeRequest) ([]Allocation, error)

	// 廃棄 - Disposal
	Dispose(ctx context.Context, req DisposeRequest) (*LedgerEntry, error)

	// 移動 - Transfer
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)

	// 入荷 - Receiving
	Receive(ctx context.Context, req ReceiveRequest) ([]Batch, error)

	// 期限監視 - Expiry
	RunExpiryPass(ctx context.Context) (*ExpiryPassResult, error)
}

// PurchaseOrderManager defines the purchase order workflow operations
// 発注書ワークフローのインターフェースを定義
type PurchaseOrderManager interface {
	CreatePurchaseOrder(ctx context.Context, req CreatePurchaseOrderRequest) (*PurchaseOrder, error)
	SubmitPurchaseOrder(ctx context.Context, poID, actorID string) (*PurchaseOrder, error)
	ApprovePurchaseOrder(ctx context.Context, poID, actorID string) (*PurchaseOrder, error)
	CancelPurchaseOrder(ctx context.Context, poID, actorID, notes string) (*PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, poID string) (*PurchaseOrder, error)
}

// OpnameManager defines the stock opname operations
// 棚卸操作のインターフェースを定義
type OpnameManager interface {
	CreateOpname(ctx context.Context, req CreateOpnameRequest) (*StockOpname, error)
	StartOpname(ctx context.Context, opnameID, actorID string) (*StockOpname, error)
	RecordCount(ctx context.Context, req RecordCountRequest) (*OpnameLine, error)
	CompleteOpname(ctx context.Context, opnameID, actorID string) (*StockOpname, error)
	CancelOpname(ctx context.Context, opnameID, actorID, notes string) (*StockOpname, error)
	GetOpnameSummary(ctx context.Context, opnameID string) (*OpnameSummary, error)
}

// ItemManager defines master data operations for items and locations
// 商品・ロケーションのマスタ操作を定義
type ItemManager interface {
	CreateLocation(ctx context.Context, location *Location, actorID string) error
	ListLocations(ctx context.Context) ([]Location, error)
	RegisterItem(ctx context.Context, req RegisterItemRequest) (*Item, error)
	UpdateItem(ctx context.Context, req UpdateItemRequest) (*Item, error)
	DeactivateItem(ctx context.Context, itemID, actorID string) (*Item, error)
	GetItem(ctx context.Context, itemID string) (*Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]Item, error)
}

// ReportingQueries defines read-only queries for presentation layers
// 表示・レポート層向けの参照系クエリを定義
type ReportingQueries interface {
	ListExpiringBatches(ctx context.Context, thresholdDays int) ([]BatchExpiryView, error)
	ListExpiredBatches(ctx context.Context) ([]BatchExpiryView, error)
	GetItemOnHand(ctx context.Context, itemID string) (decimal.Decimal, error)
	GetAuditTrail(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error)
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	ListBatches(ctx context.Context, itemID string) ([]Batch, error)
	GetLedger(ctx context.Context, itemID string) ([]LedgerEntry, error)
	ListBelowPar(ctx context.Context, locationID string) ([]Item, error)
	VerifyItem(ctx context.Context, itemID string) (*ItemReconciliation, error)
}

// Storage defines the interface for data persistence layer
// データ永続化層のインターフェースを定義
type Storage interface {
	// Update runs fn in one read-write transaction; every write inside commits together
	Update(ctx context.Context, fn func(tx StorageTx) error) error
	// View runs fn in a read-only transaction
	View(ctx context.Context, fn func(tx StorageTx) error) error

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// StorageTx is the set of operations available inside a transaction
// トランザクション内で利用可能な操作
type StorageTx interface {
	// LockItems takes per-item locks in ascending id order
	LockItems(ctx context.Context, itemIDs ...string) error

	// Location management
	CreateLocation(ctx context.Context, location *Location) error
	GetLocation(ctx context.Context, locationID string) (*Location, error)
	ListLocations(ctx context.Context) ([]Location, error)

	// Item management
	CreateItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, itemID string) (*Item, error)
	FindItem(ctx context.Context, sku, locationID string) (*Item, error)
	UpdateItem(ctx context.Context, item *Item) error
	ListItems(ctx context.Context, filter ItemFilter) ([]Item, error)

	// Batch registry
	CreateBatch(ctx context.Context, batch *Batch) error
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	UpdateBatch(ctx context.Context, batch *Batch) error
	ListBatchesByItem(ctx context.Context, itemID string) ([]Batch, error)
	ListExpiryTrackedBatches(ctx context.Context) ([]Batch, error)

	// Ledger (append-only)
	AppendLedgerEntries(ctx context.Context, entries ...*LedgerEntry) error
	ListLedgerEntries(ctx context.Context, itemID string) ([]LedgerEntry, error)

	// Audit log (append-only)
	AppendAuditEntry(ctx context.Context, entry *AuditLogEntry) error
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error)

	// Purchase orders
	CreatePurchaseOrder(ctx context.Context, po *PurchaseOrder) error
	GetPurchaseOrder(ctx context.Context, poID string) (*PurchaseOrder, error)
	UpdatePurchaseOrder(ctx context.Context, po *PurchaseOrder) error

	// Stock opname
	CreateOpname(ctx context.Context, opname *StockOpname) error
	GetOpname(ctx context.Context, opnameID string) (*StockOpname, error)
	UpdateOpname(ctx context.Context, opname *StockOpname) error
	SaveOpnameLine(ctx context.Context, line *OpnameLine) error
}

// ItemFilter narrows item listings
// 商品一覧の絞り込み条件
type ItemFilter struct {
	LocationID      string `json:"location_id"`
	SKU             string `json:"sku"`
	IncludeInactive bool   `json:"include_inactive"`
}

// AuditFilter narrows audit trail queries
// 監査証跡の絞り込み条件
type AuditFilter struct {
	ModelName ModelName   `json:"model_name"`
	ObjectID  string      `json:"object_id"`
	ActorID   string      `json:"actor_id"`
	Action    AuditAction `json:"action"`
	From      *time.Time  `json:"from"`
	To        *time.Time  `json:"to"`
	Limit     int         `json:"limit"`
}

// Matches reports whether an entry satisfies the filter
// 監査ログが条件に一致するか判定
func (f AuditFilter) Matches(e *AuditLogEntry) bool {
	if f.ModelName != "" && e.ModelName != f.ModelName {
		return false
	}
	if f.ObjectID != "" && e.ObjectID != f.ObjectID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// Clock supplies the current time
// 現在時刻の供給元
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns time.Now
func (SystemClock) Now() time.Time { return time.Now() }

// EventPublisher defines interface for publishing inventory events
// 在庫イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishStockChanged(ctx context.Context, event StockChangedEvent) error
	PublishLowStockAlert(ctx context.Context, event LowStockAlertEvent) error
	PublishBatchExpiry(ctx context.Context, event BatchExpiryEvent) error
}

// Events for inventory operations
// 在庫操作のイベント定義

// StockChangedEvent represents an on-hand change committed by an operation
// 在庫数量変更イベントを表現
type StockChangedEvent struct {
	ItemID      string          `json:"item_id"`
	LocationID  string          `json:"location_id"`
	OldQuantity decimal.Decimal `json:"old_quantity"`
	NewQuantity decimal.Decimal `json:"new_quantity"`
	ChangeType  TransactionType `json:"change_type"`
	Reference   string          `json:"reference"`
	Timestamp   time.Time       `json:"timestamp"`
	ActorID     string          `json:"actor_id"`
}

// LowStockAlertEvent represents an item falling below its par level
// パーレベル割れイベントを表現
type LowStockAlertEvent struct {
	ItemID     string          `json:"item_id"`
	LocationID string          `json:"location_id"`
	CurrentQty decimal.Decimal `json:"current_qty"`
	Threshold  decimal.Decimal `json:"threshold"`
	Timestamp  time.Time       `json:"timestamp"`
}

// BatchExpiryEvent represents a batch entering EXPIRING or EXPIRED
// バッチの期限状態変化イベントを表現
type BatchExpiryEvent struct {
	BatchID         string          `json:"batch_id"`
	BatchNumber     string          `json:"batch_number"`
	ItemID          string          `json:"item_id"`
	OldStatus       BatchStatus     `json:"old_status"`
	NewStatus       BatchStatus     `json:"new_status"`
	DaysUntilExpiry int             `json:"days_until_expiry"`
	Remaining       decimal.Decimal `json:"remaining"`
	Timestamp       time.Time       `json:"timestamp"`
}
