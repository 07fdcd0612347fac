package inventory

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Common inventory errors
// 共通の在庫エラー定義

var (
	// ErrItemNotFound is returned when an item doesn't exist
	// 商品が存在しない場合のエラー
	ErrItemNotFound = errors.New("商品が見つかりません")

	// ErrLocationNotFound is returned when a location doesn't exist
	// ロケーションが存在しない場合のエラー
	ErrLocationNotFound = errors.New("ロケーションが見つかりません")

	// ErrBatchNotFound is returned when a batch doesn't exist
	// バッチが存在しない場合のエラー
	ErrBatchNotFound = errors.New("バッチが見つかりません")

	// ErrPurchaseOrderNotFound is returned when a purchase order doesn't exist
	// 発注書が存在しない場合のエラー
	ErrPurchaseOrderNotFound = errors.New("発注書が見つかりません")

	// ErrOpnameNotFound is returned when a stock opname doesn't exist
	// 棚卸が存在しない場合のエラー
	ErrOpnameNotFound = errors.New("棚卸が見つかりません")

	// ErrDuplicateItem is returned when the SKU is already registered at the location
	// 同じロケーションに同じSKUが既に存在する場合のエラー
	ErrDuplicateItem = errors.New("商品は既に存在します")

	// ErrDuplicateLocation is returned when trying to create a location that already exists
	// 既に存在するロケーションを作成しようとした場合のエラー
	ErrDuplicateLocation = errors.New("ロケーションは既に存在します")

	// ErrDuplicateBatch is returned when a batch number is already used
	// バッチ番号が重複している場合のエラー
	ErrDuplicateBatch = errors.New("バッチ番号は既に存在します")

	// ErrDuplicateDocument is returned when a purchase order or opname number is already used
	ErrDuplicateDocument = errors.New("伝票番号は既に存在します")

	// ErrInsufficientStock is returned when consumption exceeds active on-hand
	// 有効在庫が不足している場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrInsufficientBatchQuantity is returned when a single debit exceeds a batch remainder
	// バッチ残数量を超える引落しのエラー
	ErrInsufficientBatchQuantity = errors.New("バッチ残数量が不足しています")

	// ErrInvalidPOState is returned for an illegal purchase order transition
	// 発注書の状態遷移が不正な場合のエラー
	ErrInvalidPOState = errors.New("発注書の状態が不正です")

	// ErrInvalidOpnameState is returned for an illegal opname transition
	// 棚卸の状態遷移が不正な場合のエラー
	ErrInvalidOpnameState = errors.New("棚卸の状態が不正です")

	// ErrInvalidBatchState is returned for an illegal batch transition
	// バッチの状態遷移が不正な場合のエラー
	ErrInvalidBatchState = errors.New("バッチの状態が不正です")

	// ErrConcurrentModification is returned on lock or version conflicts; safe to retry
	// ロック・バージョン競合のエラー（再試行可能）
	ErrConcurrentModification = errors.New("他の処理によって更新されています")

	// ErrValidation is the sentinel behind every ValidationError
	ErrValidation = errors.New("入力値が不正です")

	// ErrBusinessRule is the sentinel behind every BusinessRuleError
	ErrBusinessRule = errors.New("ビジネスルール違反です")

	// ErrRecountRequired is returned when stock moved below a recorded shortage before completion
	// 棚卸完了前に在庫が変動し再カウントが必要な場合のエラー
	ErrRecountRequired = errors.New("再カウントが必要です")
)

// EntityKind names the entity an InvalidStateError refers to
// 状態エラーの対象エンティティ
type EntityKind string

const (
	EntityBatch         EntityKind = "batch"
	EntityPurchaseOrder EntityKind = "purchase_order"
	EntityOpname        EntityKind = "stock_opname"
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

func (e ValidationError) Unwrap() error {
	return ErrValidation
}

// BusinessRuleError represents a business rule violation
// ビジネスルール違反を表現
type BusinessRuleError struct {
	Rule    string `json:"rule"`    // ルール名
	Message string `json:"message"` // エラーメッセージ
	Context string `json:"context"` // コンテキスト情報
}

func (e BusinessRuleError) Error() string {
	return fmt.Sprintf("ビジネスルール違反 [%s]: %s (コンテキスト: %s)", e.Rule, e.Message, e.Context)
}

func (e BusinessRuleError) Unwrap() error {
	return ErrBusinessRule
}

// InsufficientStockError carries the item and quantities involved
// 在庫不足の詳細（商品と数量）を保持
type InsufficientStockError struct {
	ItemID    string          `json:"item_id"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("在庫不足 [%s]: 要求 %s, 有効在庫 %s", e.ItemID, e.Requested, e.Available)
}

func (e InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// RecountRequiredError reports an opname line whose shortage exceeds the stock left at completion.
// The opname stays IN_PROGRESS; recording the line again refreshes its system quantity.
// 棚卸完了時に不足数量が残在庫を上回った行（棚卸は実施中のまま、再カウントで解消）
type RecountRequiredError struct {
	OpnameID  string          `json:"opname_id"`
	ItemID    string          `json:"item_id"`
	Shortage  decimal.Decimal `json:"shortage"`
	Available decimal.Decimal `json:"available"`
}

func (e RecountRequiredError) Error() string {
	return fmt.Sprintf("再カウントが必要です [%s:%s]: 棚卸差異 %s, 現在の有効在庫 %s", e.OpnameID, e.ItemID, e.Shortage.Neg(), e.Available)
}

func (e RecountRequiredError) Unwrap() error {
	return ErrRecountRequired
}

// InsufficientBatchQuantityError carries the batch and quantities involved
type InsufficientBatchQuantityError struct {
	BatchID     string          `json:"batch_id"`
	BatchNumber string          `json:"batch_number"`
	Requested   decimal.Decimal `json:"requested"`
	Remaining   decimal.Decimal `json:"remaining"`
}

func (e InsufficientBatchQuantityError) Error() string {
	return fmt.Sprintf("バッチ残数量不足 [%s]: 要求 %s, 残 %s", e.BatchNumber, e.Requested, e.Remaining)
}

func (e InsufficientBatchQuantityError) Unwrap() error {
	return ErrInsufficientBatchQuantity
}

// InvalidStateError represents a rejected state transition
// 拒否された状態遷移を表現
type InvalidStateError struct {
	Entity EntityKind `json:"entity"`
	ID     string     `json:"id"`
	From   string     `json:"from"`
	To     string     `json:"to"`
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("状態遷移エラー [%s:%s]: %s -> %s は許可されていません", e.Entity, e.ID, e.From, e.To)
}

func (e InvalidStateError) Unwrap() error {
	switch e.Entity {
	case EntityPurchaseOrder:
		return ErrInvalidPOState
	case EntityOpname:
		return ErrInvalidOpnameState
	default:
		return ErrInvalidBatchState
	}
}

// ConcurrencyError represents a concurrency-related error
// 同時実行関連のエラーを表現
type ConcurrencyError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Message   string `json:"message"`   // エラーメッセージ
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("同時実行エラー [%s:%s]: %s", e.Operation, e.Resource, e.Message)
}

func (e ConcurrencyError) Unwrap() error {
	return ErrConcurrentModification
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewBusinessRuleError creates a new business rule error
// 新しいビジネスルールエラーを作成
func NewBusinessRuleError(rule, message, context string) *BusinessRuleError {
	return &BusinessRuleError{
		Rule:    rule,
		Message: message,
		Context: context,
	}
}

// NewInvalidStateError creates a new state transition error
// 新しい状態遷移エラーを作成
func NewInvalidStateError(entity EntityKind, id, from, to string) *InvalidStateError {
	return &InvalidStateError{Entity: entity, ID: id, From: from, To: to}
}

// NewConcurrencyError creates a new concurrency error
// 新しい同時実行エラーを作成
func NewConcurrencyError(operation, resource, message string) *ConcurrencyError {
	return &ConcurrencyError{
		Operation: operation,
		Resource:  resource,
		Message:   message,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// wrapStorage keeps domain errors intact and wraps everything else as a StorageError
func wrapStorage(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return NewStorageError(operation, message, err)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrItemNotFound, ErrLocationNotFound, ErrBatchNotFound, ErrPurchaseOrderNotFound, ErrOpnameNotFound,
		ErrDuplicateItem, ErrDuplicateLocation, ErrDuplicateBatch, ErrDuplicateDocument,
		ErrInsufficientStock, ErrInsufficientBatchQuantity,
		ErrInvalidPOState, ErrInvalidOpnameState, ErrInvalidBatchState,
		ErrConcurrentModification, ErrValidation, ErrBusinessRule, ErrRecountRequired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the engine may retry the operation
// 再試行可能なエラーか判定
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound reports whether err is one of the not-found sentinels
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrLocationNotFound) ||
		errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrPurchaseOrderNotFound) ||
		errors.Is(err, ErrOpnameNotFound)
}

// ErrorKind returns the name of the error kind for presentation layers
// 表示層向けにエラー種別名を返す
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientBatchQuantity):
		return "InsufficientBatchQuantity"
	case errors.Is(err, ErrInsufficientStock):
		return "InsufficientStock"
	case errors.Is(err, ErrInvalidPOState):
		return "InvalidPOState"
	case errors.Is(err, ErrInvalidOpnameState):
		return "InvalidOpnameState"
	case errors.Is(err, ErrRecountRequired):
		return "RecountRequired"
	case errors.Is(err, ErrInvalidBatchState):
		return "InvalidBatchState"
	case errors.Is(err, ErrConcurrentModification):
		return "ConcurrentModification"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrBusinessRule):
		return "BusinessRuleViolation"
	case IsNotFound(err):
		return "NotFound"
	case errors.Is(err, ErrDuplicateItem), errors.Is(err, ErrDuplicateLocation),
		errors.Is(err, ErrDuplicateBatch), errors.Is(err, ErrDuplicateDocument):
		return "Duplicate"
	default:
		return "Internal"
	}
}
