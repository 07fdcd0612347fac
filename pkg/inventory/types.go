// Package inventory provides the lot lifecycle and FEFO consumption engine
package inventory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Location represents a physical storage location (warehouse, kitchen, bar)
// 保管場所（倉庫、キッチン、バー）を表現
type Location struct {
	ID        string       `json:"id" db:"id"`                 // ロケーションID
	Name      string       `json:"name" db:"name"`             // ロケーション名
	Type      LocationType `json:"type" db:"type"`             // タイプ
	IsActive  bool         `json:"is_active" db:"is_active"`   // アクティブ状態
	CreatedAt time.Time    `json:"created_at" db:"created_at"` // 作成日時
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"` // 更新日時
}

// LocationType defines the kind of a location
// ロケーションの種類を定義
type LocationType string

const (
	LocationTypeWarehouse LocationType = "warehouse" // 倉庫
	LocationTypeKitchen   LocationType = "kitchen"   // キッチン
	LocationTypeBar       LocationType = "bar"       // バー
	LocationTypeOther     LocationType = "other"     // その他
)

// Item represents a SKU registered at one location
// ロケーションに登録されたSKU（在庫品目）を表現
type Item struct {
	ID          string          `json:"id" db:"id"`                     // 商品ID
	SKU         string          `json:"sku" db:"sku"`                   // SKU
	LocationID  string          `json:"location_id" db:"location_id"`   // ロケーションID
	Name        string          `json:"name" db:"name"`                 // 商品名
	Unit        string          `json:"unit" db:"unit"`                 // 単位
	Category    string          `json:"category" db:"category"`         // カテゴリ
	Perishable  bool            `json:"perishable" db:"perishable"`     // 要賞味期限管理
	MinQuantity decimal.Decimal `json:"min_quantity" db:"min_quantity"` // 最低在庫（パーレベル）
	OnHand      decimal.Decimal `json:"on_hand" db:"on_hand"`           // 現在庫（キャッシュ）
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"` // 平均原価
	IsActive    bool            `json:"is_active" db:"is_active"`       // アクティブ状態
	Version     int64           `json:"version" db:"version"`           // 楽観的ロック用バージョン
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`     // 作成日時
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`     // 更新日時
}

// Batch represents a lot of stock received at one time
// 一度に入荷した在庫ロットを表現
type Batch struct {
	ID                string          `json:"id" db:"id"`                                 // バッチID
	BatchNumber       string          `json:"batch_number" db:"batch_number"`             // バッチ番号
	ItemID            string          `json:"item_id" db:"item_id"`                       // 商品ID
	OriginalQuantity  decimal.Decimal `json:"original_quantity" db:"original_quantity"`   // 入荷数量
	QuantityRemaining decimal.Decimal `json:"quantity_remaining" db:"quantity_remaining"` // 残数量
	UnitCost          decimal.Decimal `json:"unit_cost" db:"unit_cost"`                   // 単価
	ManufacturingDate *time.Time      `json:"manufacturing_date" db:"manufacturing_date"` // 製造日
	ExpiryDate        *time.Time      `json:"expiry_date" db:"expiry_date"`               // 賞味期限（nilは期限なし）
	ReceivedDate      time.Time       `json:"received_date" db:"received_date"`           // 入荷日
	Status            BatchStatus     `json:"status" db:"status"`                         // ステータス
	SourceBatchID     *string         `json:"source_batch_id" db:"source_batch_id"`       // 移動元バッチ
	PurchaseOrderID   *string         `json:"purchase_order_id" db:"purchase_order_id"`   // 発注書ID
	IsAdjustment      bool            `json:"is_adjustment" db:"is_adjustment"`           // 棚卸調整用バッチ
	DisposalMethod    DisposalMethod  `json:"disposal_method,omitempty" db:"disposal_method"`
	DisposalNotes     string          `json:"disposal_notes,omitempty" db:"disposal_notes"`
	DisposedAt        *time.Time      `json:"disposed_at,omitempty" db:"disposed_at"`
	DisposedBy        string          `json:"disposed_by,omitempty" db:"disposed_by"`
	Version           int64           `json:"version" db:"version"`       // 楽観的ロック用バージョン
	CreatedAt         time.Time       `json:"created_at" db:"created_at"` // 作成日時
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"` // 更新日時
}

// DisposalMethod defines how a batch left the inventory
// バッチの廃棄方法を定義
type DisposalMethod string

const (
	DisposalMethodDiscard          DisposalMethod = "DISCARD"            // 廃棄
	DisposalMethodCompost          DisposalMethod = "COMPOST"            // 堆肥化
	DisposalMethodDonate           DisposalMethod = "DONATE"             // 寄付
	DisposalMethodReturnToSupplier DisposalMethod = "RETURN_TO_SUPPLIER" // 返品
	DisposalMethodOther            DisposalMethod = "OTHER"              // その他
)

// LedgerEntry represents an immutable quantity change
// 不変の数量変動記録を表現
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`                 // トランザクションID
	Sequence  int64           `json:"sequence" db:"seq"`          // 記録順序
	ItemID    string          `json:"item_id" db:"item_id"`       // 商品ID
	BatchID   *string         `json:"batch_id" db:"batch_id"`     // バッチID（商品単位の調整ではnil）
	Type      TransactionType `json:"type" db:"type"`             // トランザクションタイプ
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`     // 符号付き数量
	UnitCost  decimal.Decimal `json:"unit_cost" db:"unit_cost"`   // 単価
	TotalCost decimal.Decimal `json:"total_cost" db:"total_cost"` // 金額（符号付き）
	Reference string          `json:"reference" db:"reference"`   // 参照番号
	Notes     string          `json:"notes" db:"notes"`           // 備考
	CreatedBy string          `json:"created_by" db:"created_by"` // 作成者
	CreatedAt time.Time       `json:"created_at" db:"created_at"` // 作成日時
}

// TransactionType defines the type of a ledger entry
// 台帳エントリのタイプを定義
type TransactionType string

const (
	TransactionTypeIn       TransactionType = "IN"       // 入庫
	TransactionTypeOut      TransactionType = "OUT"      // 出庫
	TransactionTypeAdjust   TransactionType = "ADJUST"   // 棚卸調整
	TransactionTypeWaste    TransactionType = "WASTE"    // 廃棄
	TransactionTypeTransfer TransactionType = "TRANSFER" // 移動
	TransactionTypeBreakage TransactionType = "BREAKAGE" // 破損
)

// PurchaseOrder represents an order feeding the receiving step
// 入荷処理の元となる発注書を表現
type PurchaseOrder struct {
	ID          string              `json:"id" db:"id"`                     // 発注書ID
	Number      string              `json:"number" db:"number"`             // 発注番号
	Supplier    string              `json:"supplier" db:"supplier"`         // 仕入先
	LocationID  string              `json:"location_id" db:"location_id"`   // 納品先ロケーション
	Status      POStatus            `json:"status" db:"status"`             // ステータス
	Notes       string              `json:"notes" db:"notes"`               // 備考
	Items       []PurchaseOrderItem `json:"items"`                          // 明細
	CreatedBy   string              `json:"created_by" db:"created_by"`     // 作成者
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`     // 作成日時
	UpdatedAt   time.Time           `json:"updated_at" db:"updated_at"`     // 更新日時
	SubmittedAt *time.Time          `json:"submitted_at" db:"submitted_at"` // 提出日時
	ApprovedAt  *time.Time          `json:"approved_at" db:"approved_at"`   // 承認日時
	ApprovedBy  string              `json:"approved_by" db:"approved_by"`
	ReceivedAt  *time.Time          `json:"received_at" db:"received_at"` // 入荷日時
	ReceivedBy  string              `json:"received_by" db:"received_by"`
	CancelledAt *time.Time          `json:"cancelled_at" db:"cancelled_at"` // 取消日時
	CancelledBy string              `json:"cancelled_by" db:"cancelled_by"`
	Version     int64               `json:"version" db:"version"`
}

// PurchaseOrderItem represents one line of a purchase order
// 発注書の明細行を表現
type PurchaseOrderItem struct {
	ID              string          `json:"id" db:"id"`
	PurchaseOrderID string          `json:"purchase_order_id" db:"purchase_order_id"`
	LineNo          int             `json:"line_no" db:"line_no"`
	ItemID          string          `json:"item_id" db:"item_id"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price" db:"unit_price"`
	BatchID         *string         `json:"batch_id" db:"batch_id"` // 入荷時に作成されたバッチ
}

// TotalAmount returns Σ quantity × unit price
// 発注金額合計を返す
func (po *PurchaseOrder) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, line := range po.Items {
		total = total.Add(line.Quantity.Mul(line.UnitPrice))
	}
	return total
}

// StockOpname represents a physical count session
// 棚卸（実地棚卸）セッションを表現
type StockOpname struct {
	ID                    string          `json:"id" db:"id"`
	Number                string          `json:"number" db:"number"`
	LocationID            string          `json:"location_id" db:"location_id"`
	Status                OpnameStatus    `json:"status" db:"status"`
	Notes                 string          `json:"notes" db:"notes"`
	Lines                 []OpnameLine    `json:"lines"`
	TotalItemsCounted     int             `json:"total_items_counted" db:"total_items_counted"`         // 棚卸済み品目数
	TotalDiscrepancies    int             `json:"total_discrepancies" db:"total_discrepancies"`         // 差異品目数
	TotalDiscrepancyValue decimal.Decimal `json:"total_discrepancy_value" db:"total_discrepancy_value"` // 差異金額（符号付き）
	CreatedBy             string          `json:"created_by" db:"created_by"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
	StartedAt             *time.Time      `json:"started_at" db:"started_at"`
	CompletedAt           *time.Time      `json:"completed_at" db:"completed_at"`
	CompletedBy           string          `json:"completed_by" db:"completed_by"`
	CancelledAt           *time.Time      `json:"cancelled_at" db:"cancelled_at"`
	CancelledBy           string          `json:"cancelled_by" db:"cancelled_by"`
	Version               int64           `json:"version" db:"version"`
}

// OpnameLine holds the counted and system quantity of one item
// 品目ごとの実数と帳簿数量を保持
type OpnameLine struct {
	OpnameID         string          `json:"opname_id" db:"opname_id"`
	ItemID           string          `json:"item_id" db:"item_id"`
	SystemQuantity   decimal.Decimal `json:"system_quantity" db:"system_quantity"`     // 棚卸時点の帳簿数量
	CountedQuantity  decimal.Decimal `json:"counted_quantity" db:"counted_quantity"`   // 実数
	Discrepancy      decimal.Decimal `json:"discrepancy" db:"discrepancy"`             // 差異 = 実数 - 帳簿
	DiscrepancyValue decimal.Decimal `json:"discrepancy_value" db:"discrepancy_value"` // 差異金額
	CountedAt        time.Time       `json:"counted_at" db:"counted_at"`
	CountedBy        string          `json:"counted_by" db:"counted_by"`
}

// Line returns the count line for an item
// 指定商品の棚卸行を返す
func (o *StockOpname) Line(itemID string) (*OpnameLine, bool) {
	for i := range o.Lines {
		if o.Lines[i].ItemID == itemID {
			return &o.Lines[i], true
		}
	}
	return nil, false
}

// Allocation describes how much was drawn from one batch
// バッチごとの引当数量を表現
type Allocation struct {
	BatchID     string          `json:"batch_id"`
	BatchNumber string          `json:"batch_number"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

// NewID generates a new identifier
// 新しいIDを生成
func NewID() string {
	return uuid.New().String()
}

// shortCode returns a short upper-case random suffix for human-readable numbers
func shortCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
}

// NewBatchNumber generates a traceable batch number
// 追跡可能なバッチ番号を生成
func NewBatchNumber(sku string, received time.Time) string {
	return fmt.Sprintf("%s-%s-%s", sku, received.Format("20060102"), shortCode())
}

// NewDocumentNumber generates a number for purchase orders and opnames
// 発注書・棚卸の番号を生成
func NewDocumentNumber(prefix string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s", prefix, at.Format("20060102"), shortCode())
}

// DateOf truncates a time to its calendar date in UTC
// 日付部分のみを取り出す
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysUntil returns expiry - today in whole calendar days
// 期限までの日数を返す
func DaysUntil(expiry, today time.Time) int {
	return int(DateOf(expiry).Sub(DateOf(today)).Hours() / 24)
}

// IsExpiredOn checks if a batch is past its expiry date on the given day
// 指定日時点で期限切れかチェック
func (b *Batch) IsExpiredOn(today time.Time) bool {
	if b.ExpiryDate == nil {
		return false
	}
	return DaysUntil(*b.ExpiryDate, today) < 0
}

// IsBelowPar reports whether on-hand fell below the par level
// 在庫がパーレベルを下回っているか
func (i *Item) IsBelowPar() bool {
	return i.MinQuantity.IsPositive() && i.OnHand.LessThan(i.MinQuantity)
}
