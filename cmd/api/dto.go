package main

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
)

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

// CreateLocationRequest represents request to create a location
// ロケーション作成リクエストを表現
type CreateLocationRequest struct {
	ID   string `json:"id" validate:"required,max=50"`
	Name string `json:"name" validate:"required,max=255"`
	Type string `json:"type" validate:"required,oneof=warehouse kitchen bar other"`
}

// RegisterItemRequest represents request to register an item at a location
// 商品登録リクエストを表現
type RegisterItemRequest struct {
	SKU         string          `json:"sku" validate:"required,max=100"`
	LocationID  string          `json:"location_id" validate:"required,max=50"`
	Name        string          `json:"name" validate:"required,max=255"`
	Unit        string          `json:"unit" validate:"required,max=20"`
	Category    string          `json:"category" validate:"max=100"`
	Perishable  bool            `json:"perishable"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
}

// UpdateItemRequest represents request to change item master data
// 商品マスタ更新リクエストを表現
type UpdateItemRequest struct {
	Name        *string          `json:"name" validate:"omitempty,max=255"`
	Unit        *string          `json:"unit" validate:"omitempty,max=20"`
	Category    *string          `json:"category" validate:"omitempty,max=100"`
	Perishable  *bool            `json:"perishable"`
	MinQuantity *decimal.Decimal `json:"min_quantity"`
}

// ConsumeRequest represents request to consume stock in FEFO order
// FEFO消費リクエストを表現
type ConsumeRequest struct {
	ItemID    string          `json:"item_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
	Type      string          `json:"type" validate:"omitempty,oneof=OUT WASTE BREAKAGE"`
	Reference string          `json:"reference" validate:"max=100"`
	Notes     string          `json:"notes" validate:"max=1000"`
}

// TransferStockRequest represents request to transfer stock
// 在庫移動リクエストを表現
type TransferStockRequest struct {
	SKU            string          `json:"sku" validate:"required"`
	FromLocationID string          `json:"from_location_id" validate:"required"`
	ToLocationID   string          `json:"to_location_id" validate:"required,nefield=FromLocationID"`
	Quantity       decimal.Decimal `json:"quantity"`
	Reference      string          `json:"reference" validate:"max=100"`
	Notes          string          `json:"notes" validate:"max=1000"`
}

// DisposeRequest represents request to dispose a batch
// バッチ廃棄リクエストを表現
type DisposeRequest struct {
	Method string `json:"method" validate:"required,oneof=DISCARD COMPOST DONATE RETURN_TO_SUPPLIER OTHER"`
	Notes  string `json:"notes" validate:"max=1000"`
}

// PurchaseOrderLineRequest is one requested purchase order line
type PurchaseOrderLineRequest struct {
	ItemID    string          `json:"item_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CreatePurchaseOrderRequest represents request to create a purchase order
// 発注書作成リクエストを表現
type CreatePurchaseOrderRequest struct {
	Supplier   string                     `json:"supplier" validate:"required,max=255"`
	LocationID string                     `json:"location_id" validate:"required"`
	Notes      string                     `json:"notes" validate:"max=1000"`
	Lines      []PurchaseOrderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// ReceiptLineRequest carries the receiving details of one purchase order line
// 明細ごとの入荷情報
type ReceiptLineRequest struct {
	ExpiryDate        string `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	ManufacturingDate string `json:"manufacturing_date" validate:"omitempty,datetime=2006-01-02"`
	BatchNumber       string `json:"batch_number" validate:"max=100"`
}

// ReceiveRequest represents request to receive a purchase order
// 入荷リクエストを表現
type ReceiveRequest struct {
	Lines map[string]ReceiptLineRequest `json:"lines" validate:"dive"`
}

// CancelRequest carries the reason of a cancellation
type CancelRequest struct {
	Notes string `json:"notes" validate:"max=1000"`
}

// CreateOpnameRequest represents request to create a count session
// 棚卸作成リクエストを表現
type CreateOpnameRequest struct {
	LocationID string `json:"location_id" validate:"required"`
	Notes      string `json:"notes" validate:"max=1000"`
}

// RecordCountRequest represents request to record one counted quantity
// 実数記録リクエストを表現
type RecordCountRequest struct {
	ItemID          string          `json:"item_id" validate:"required"`
	CountedQuantity decimal.Decimal `json:"counted_quantity"`
}

func newValidator() *validator.Validate {
	return validator.New()
}

// validationMessage flattens validator errors into one message
func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("入力値が不正です: %s (%s)", fe.Namespace(), fe.Tag())
}

func parseDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r ReceiveRequest) toDomain(poID, actorID string) (inventory.ReceiveRequest, error) {
	req := inventory.ReceiveRequest{PurchaseOrderID: poID, ActorID: actorID, Lines: map[string]inventory.ReceiptDetails{}}
	for lineID, line := range r.Lines {
		expiry, err := parseDate(line.ExpiryDate)
		if err != nil {
			return req, inventory.NewValidationError("expiry_date", "日付の形式が不正です", line.ExpiryDate)
		}
		mfg, err := parseDate(line.ManufacturingDate)
		if err != nil {
			return req, inventory.NewValidationError("manufacturing_date", "日付の形式が不正です", line.ManufacturingDate)
		}
		req.Lines[lineID] = inventory.ReceiptDetails{ExpiryDate: expiry, ManufacturingDate: mfg, BatchNumber: line.BatchNumber}
	}
	return req, nil
}

func (r CreatePurchaseOrderRequest) toDomain(actorID string) inventory.CreatePurchaseOrderRequest {
	req := inventory.CreatePurchaseOrderRequest{
		Supplier:   r.Supplier,
		LocationID: r.LocationID,
		Notes:      r.Notes,
		ActorID:    actorID,
	}
	for _, line := range r.Lines {
		req.Lines = append(req.Lines, inventory.PurchaseOrderLineSpec{
			ItemID:    line.ItemID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return req
}
