package inventory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	idPattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	codePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// 数量・金額の上限（NUMERIC(18,4)に収まる範囲）
	maxAmount = decimal.New(1, 14)
)

// ValidateID 識別子の形式をバリデーション
func ValidateID(field, id string) error {
	if id == "" {
		return NewValidationError(field, "IDが空です", id)
	}
	if len(id) > 255 {
		return NewValidationError(field, "IDが長すぎます", id)
	}
	// 英数字、ハイフン、アンダースコアのみ許可
	if !idPattern.MatchString(id) {
		return NewValidationError(field, "IDに無効な文字が含まれています", id)
	}
	return nil
}

// ValidateQuantity 数量をバリデーション（正の値のみ）
func ValidateQuantity(quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return NewValidationError("quantity", "数量は正の値である必要があります", quantity.String())
	}
	if quantity.GreaterThanOrEqual(maxAmount) {
		return NewValidationError("quantity", "数量が有効範囲を超えています", quantity.String())
	}
	return nil
}

// ValidateCountedQuantity 棚卸実数をバリデーション（0以上）
func ValidateCountedQuantity(quantity decimal.Decimal) error {
	if quantity.IsNegative() {
		return NewValidationError("counted_quantity", "実数は0以上である必要があります", quantity.String())
	}
	if quantity.GreaterThanOrEqual(maxAmount) {
		return NewValidationError("counted_quantity", "実数が有効範囲を超えています", quantity.String())
	}
	return nil
}

// ValidateMinQuantity パーレベルをバリデーション
func ValidateMinQuantity(quantity decimal.Decimal) error {
	if quantity.IsNegative() {
		return NewValidationError("min_quantity", "最低在庫は0以上である必要があります", quantity.String())
	}
	return nil
}

// ValidateUnitCost 単価をバリデーション
func ValidateUnitCost(unitCost decimal.Decimal) error {
	if unitCost.IsNegative() {
		return NewValidationError("unit_cost", "単価は0以上である必要があります", unitCost.String())
	}
	if unitCost.GreaterThanOrEqual(maxAmount) {
		return NewValidationError("unit_cost", "単価が有効範囲を超えています", unitCost.String())
	}
	return nil
}

// ValidateItemName 商品名をバリデーション
func ValidateItemName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("name", "商品名が空です", name)
	}
	if len(name) > 500 {
		return NewValidationError("name", "商品名が長すぎます", name)
	}
	return nil
}

// ValidateLocationName ロケーション名をバリデーション
func ValidateLocationName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("name", "ロケーション名が空です", name)
	}
	if len(name) > 500 {
		return NewValidationError("name", "ロケーション名が長すぎます", name)
	}
	return nil
}

// ValidateLocationType ロケーション種別をバリデーション
func ValidateLocationType(t LocationType) error {
	switch t {
	case LocationTypeWarehouse, LocationTypeKitchen, LocationTypeBar, LocationTypeOther:
		return nil
	}
	return NewValidationError("type", "無効なロケーション種別です", string(t))
}

// ValidateSKU SKUの形式をバリデーション
func ValidateSKU(sku string) error {
	if sku == "" {
		return NewValidationError("sku", "SKUが空です", sku)
	}
	if len(sku) > 255 {
		return NewValidationError("sku", "SKUが長すぎます", sku)
	}
	// 英数字、ハイフン、アンダースコア、ドットのみ許可
	if !codePattern.MatchString(sku) {
		return NewValidationError("sku", "SKUに無効な文字が含まれています", sku)
	}
	return nil
}

// ValidateUnit 単位をバリデーション
func ValidateUnit(unit string) error {
	if strings.TrimSpace(unit) == "" {
		return NewValidationError("unit", "単位が空です", unit)
	}
	if len(unit) > 50 {
		return NewValidationError("unit", "単位が長すぎます", unit)
	}
	return nil
}

// ValidateCategory カテゴリの形式をバリデーション
func ValidateCategory(category string) error {
	if len(category) > 255 {
		return NewValidationError("category", "カテゴリが長すぎます", category)
	}
	return nil
}

// ValidateReference 参照番号の形式をバリデーション
func ValidateReference(reference string) error {
	if len(reference) > 500 {
		return NewValidationError("reference", "参照番号が長すぎます", reference)
	}
	return nil
}

// ValidateBatchNumber バッチ番号の形式をバリデーション
func ValidateBatchNumber(batchNumber string) error {
	if batchNumber == "" {
		return NewValidationError("batch_number", "バッチ番号が空です", batchNumber)
	}
	if len(batchNumber) > 255 {
		return NewValidationError("batch_number", "バッチ番号が長すぎます", batchNumber)
	}
	if !codePattern.MatchString(batchNumber) {
		return NewValidationError("batch_number", "バッチ番号に無効な文字が含まれています", batchNumber)
	}
	return nil
}

// ValidateActorID 操作者IDをバリデーション
func ValidateActorID(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return NewValidationError("actor_id", "操作者IDが空です", actorID)
	}
	if len(actorID) > 255 {
		return NewValidationError("actor_id", "操作者IDが長すぎます", actorID)
	}
	return nil
}

// ValidateConsumptionType 消費系のトランザクション種別をバリデーション
func ValidateConsumptionType(t TransactionType) error {
	switch t {
	case TransactionTypeOut, TransactionTypeWaste, TransactionTypeBreakage:
		return nil
	}
	return NewValidationError("type", "消費に使用できないトランザクション種別です", string(t))
}

// ValidateDisposalMethod 廃棄方法をバリデーション
func ValidateDisposalMethod(method DisposalMethod) error {
	switch method {
	case DisposalMethodDiscard, DisposalMethodCompost, DisposalMethodDonate,
		DisposalMethodReturnToSupplier, DisposalMethodOther:
		return nil
	}
	return NewValidationError("method", "無効な廃棄方法です", string(method))
}

// ValidateThresholdDays 期限間近の閾値日数をバリデーション
func ValidateThresholdDays(days int) error {
	if days < 0 {
		return NewValidationError("threshold_days", "閾値日数は0以上である必要があります", fmt.Sprintf("%d", days))
	}
	if days > 3650 {
		return NewValidationError("threshold_days", "閾値日数が有効範囲を超えています", fmt.Sprintf("%d", days))
	}
	return nil
}

// ValidateLocation ロケーション全体をバリデーション
func ValidateLocation(location *Location) error {
	if location == nil {
		return NewValidationError("location", "ロケーションが指定されていません", "nil")
	}
	if err := ValidateID("location_id", location.ID); err != nil {
		return err
	}
	if err := ValidateLocationName(location.Name); err != nil {
		return err
	}
	return ValidateLocationType(location.Type)
}

// ValidateItem 商品全体をバリデーション
func ValidateItem(item *Item) error {
	if item == nil {
		return NewValidationError("item", "商品が指定されていません", "nil")
	}

	if err := ValidateSKU(item.SKU); err != nil {
		return err
	}
	if err := ValidateID("location_id", item.LocationID); err != nil {
		return err
	}
	if err := ValidateItemName(item.Name); err != nil {
		return err
	}
	if err := ValidateUnit(item.Unit); err != nil {
		return err
	}
	if err := ValidateCategory(item.Category); err != nil {
		return err
	}
	if err := ValidateMinQuantity(item.MinQuantity); err != nil {
		return err
	}
	return ValidateUnitCost(item.AverageCost)
}
