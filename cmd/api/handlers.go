package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
)

// ActorHeader names the request header carrying the acting user
const ActorHeader = "X-Actor-ID"

// Service is every engine surface the API exposes
// APIが公開するエンジン操作の集合
type Service interface {
	inventory.LotEngine
	inventory.PurchaseOrderManager
	inventory.OpnameManager
	inventory.ItemManager
	inventory.ReportingQueries
}

// Valuator values stock for the valuation endpoints
type Valuator interface {
	CalculateItemValue(ctx context.Context, itemID string, method inventory.ValuationMethod) (*inventory.ItemValuation, error)
	CalculateLocationValue(ctx context.Context, locationID string, method inventory.ValuationMethod) (*inventory.LocationValuation, error)
}

// Pinger reports storage health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handlers for the lot engine API
// ロットエンジンAPI用のHTTPハンドラーを保持
type Handlers struct {
	service   Service
	valuation Valuator
	health    Pinger
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(service Service, valuation Valuator, health Pinger, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		service:   service,
		valuation: valuation,
		health:    health,
		validate:  newValidator(),
		logger:    logger,
	}
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Ping(r.Context()); err != nil {
		h.logger.Error("ヘルスチェックに失敗しました", zap.Error(err))
		h.sendError(w, http.StatusServiceUnavailable, "ストレージに接続できません", "Unavailable")
		return
	}
	h.sendSuccess(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// ---- locations ----

// CreateLocation handles location creation
// ロケーション作成を処理
func (h *Handlers) CreateLocation(w http.ResponseWriter, r *http.Request) {
	var req CreateLocationRequest
	if !h.decode(w, r, &req) {
		return
	}
	loc := &inventory.Location{ID: req.ID, Name: req.Name, Type: inventory.LocationType(req.Type)}
	if err := h.service.CreateLocation(r.Context(), loc, actor(r)); err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusCreated, loc)
}

// ListLocations lists every location
func (h *Handlers) ListLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := h.service.ListLocations(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, locations)
}

// ListBelowPar lists items below their par level at a location
// パーレベル割れ商品一覧を処理
func (h *Handlers) ListBelowPar(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListBelowPar(r.Context(), mux.Vars(r)["locationId"])
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, items)
}

// LocationValuation values every active item at a location
// ロケーション在庫評価を処理
func (h *Handlers) LocationValuation(w http.ResponseWriter, r *http.Request) {
	result, err := h.valuation.CalculateLocationValue(r.Context(), mux.Vars(r)["locationId"], valuationMethod(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, result)
}

// ---- items ----

// RegisterItem handles item registration
// 商品登録を処理
func (h *Handlers) RegisterItem(w http.ResponseWriter, r *http.Request) {
	var req RegisterItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	item, err := h.service.RegisterItem(r.Context(), inventory.RegisterItemRequest{
		SKU:         req.SKU,
		LocationID:  req.LocationID,
		Name:        req.Name,
		Unit:        req.Unit,
		Category:    req.Category,
		Perishable:  req.Perishable,
		MinQuantity: req.MinQuantity,
		ActorID:     actor(r),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusCreated, item)
}

// ListItems lists items filtered by location, SKU and activity
// 商品一覧を処理
func (h *Handlers) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeInactive, _ := strconv.ParseBool(q.Get("include_inactive"))
	items, err := h.service.ListItems(r.Context(), inventory.ItemFilter{
		LocationID:      q.Get("location_id"),
		SKU:             q.Get("sku"),
		IncludeInactive: includeInactive,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, items)
}

// GetItem handles item retrieval
// 商品取得を処理
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.GetItem(r.Context(), mux.Vars(r)["itemId"])
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, item)
}

// UpdateItem handles item master data changes
// 商品更新を処理
func (h *Handlers) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	item, err := h.service.UpdateItem(r.Context(), inventory.UpdateItemRequest{
		ItemID:      mux.Vars(r)["itemId"],
		Name:        req.Name,
		Unit:        req.Unit,
		Category:    req.Category,
		Perishable:  req.Perishable,
		MinQuantity: req.MinQuantity,
		ActorID:     actor(r),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, item)
}

// DeactivateItem handles item deactivation
// 商品の無効化を処理
func (h *Handlers) DeactivateItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.DeactivateItem(r.Context(), mux.Vars(r)["itemId"], actor(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, item)
}

// GetOnHand returns the cached on-hand of an item
func (h *Handlers) GetOnHand(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemId"]
	qty, err := h.service.GetItemOnHand(r.Context(), itemID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, map[string]interface{}{"item_id": itemID, "on_hand": qty})
}

// ListItemBatches lists the batches of an item in FEFO order
func (h *Handlers) ListItemBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.service.ListBatches(r.Context(), mux.Vars(r)["itemId"])
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, batches)
}

// GetLedger returns the ledger of an item
// 商品台帳を処理
func (h *Handlers) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.GetLedger(r.Context(), mux.Vars(r)["itemId"])
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, entries)
}

// VerifyItem reconciles on-hand with batches and the ledger
func (h *Handlers) VerifyItem(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.VerifyItem(r.Context(), mux.Vars(r)["itemId"])
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, rec)
}

// ItemValuation values one item
// 商品在庫評価を処理
func (h *Handlers) ItemValuation(w http.ResponseWriter, r *http.Request) {
	result, err := h.valuation.CalculateItemValue(r.Context(), mux.Vars(r)["itemId"], valuationMethod(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, result)
}

// ---- stock movements ----

// Consume handles FEFO consumption
// FEFO消費を処理
func (h *Handlers) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	allocations, err := h.service.Consume(r.Context(), inventory.ConsumeRequest{
		ItemID:    req.ItemID,
		Quantity:  req.Quantity,
		Type:      inventory.TransactionType(req.Type),
		Reference: req.Reference,
		Notes:     req.Notes,
		ActorID:   actor(r),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, allocations)
}

// Transfer handles stock transfer between locations
// 在庫移動を処理
func (h *Handlers) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferStockRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Transfer(r.Context(), inventory.TransferRequest{
		SKU:            req.SKU,
		FromLocationID: req.FromLocationID,
		ToLocationID:   req.ToLocationID,
		Quantity:       req.Quantity,
		Reference:      req.Reference,
		Notes:          req.Notes,
		ActorID:        actor(r),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, result)
}

// ---- batches ----

// GetBatch handles batch retrieval
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.GetBatch(r.Context(), mux.Vars(r)["batchId"])
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, batch)
}

// DisposeBatch handles batch disposal
// バッチ廃棄を処理
func (h *Handlers) DisposeBatch(w http.ResponseWriter, r *http.Request) {
	var req DisposeRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.service.Dispose(r.Context(), inventory.DisposeRequest{
		BatchID: mux.Vars(r)["batchId"],
		Method:  inventory.DisposalMethod(req.Method),
		Notes:   req.Notes,
		ActorID: actor(r),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, entry)
}

// ListExpiring lists batches expiring within ?days= (default 7)
// 期限間近バッチ一覧を処理
func (h *Handlers) ListExpiring(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "daysは整数で指定してください", "ValidationError")
			return
		}
		days = parsed
	}
	views, err := h.service.ListExpiringBatches(r.Context(), days)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, views)
}

// ListExpired lists stocked batches past their expiry
func (h *Handlers) ListExpired(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.ListExpiredBatches(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, views)
}

// RunExpiryPass triggers one expiry pass
// 期限判定を手動実行
func (h *Handlers) RunExpiryPass(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunExpiryPass(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, result)
}

// ---- purchase orders ----

// CreatePurchaseOrder handles purchase order creation
// 発注書作成を処理
func (h *Handlers) CreatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	po, err := h.service.CreatePurchaseOrder(r.Context(), req.toDomain(actor(r)))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusCreated, po)
}

// GetPurchaseOrder handles purchase order retrieval
func (h *Handlers) GetPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	po, err := h.service.GetPurchaseOrder(r.Context(), mux.Vars(r)["poId"])
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, po)
}

// SubmitPurchaseOrder moves a purchase order to SUBMITTED
func (h *Handlers) SubmitPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	po, err := h.service.SubmitPurchaseOrder(r.Context(), mux.Vars(r)["poId"], actor(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, po)
}

// ApprovePurchaseOrder moves a purchase order to APPROVED
func (h *Handlers) ApprovePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	po, err := h.service.ApprovePurchaseOrder(r.Context(), mux.Vars(r)["poId"], actor(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, po)
}

// CancelPurchaseOrder moves a purchase order to CANCELLED
func (h *Handlers) CancelPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	po, err := h.service.CancelPurchaseOrder(r.Context(), mux.Vars(r)["poId"], actor(r), req.Notes)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, po)
}

// ReceivePurchaseOrder creates one batch per purchase order line
// 入荷処理を実行
func (h *Handlers) ReceivePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req ReceiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	domain, err := req.toDomain(mux.Vars(r)["poId"], actor(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	batches, err := h.service.Receive(r.Context(), domain)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, batches)
}

// ---- stock opname ----

// CreateOpname handles count session creation
// 棚卸作成を処理
func (h *Handlers) CreateOpname(w http.ResponseWriter, r *http.Request) {
	var req CreateOpnameRequest
	if !h.decode(w, r, &req) {
		return
	}
	opname, err := h.service.CreateOpname(r.Context(), inventory.CreateOpnameRequest{
		LocationID: req.LocationID,
		Notes:      req.Notes,
		ActorID:    actor(r),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusCreated, opname)
}

// StartOpname moves a count session to IN_PROGRESS
func (h *Handlers) StartOpname(w http.ResponseWriter, r *http.Request) {
	opname, err := h.service.StartOpname(r.Context(), mux.Vars(r)["opnameId"], actor(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, opname)
}

// RecordCount records one counted quantity
// 実数記録を処理
func (h *Handlers) RecordCount(w http.ResponseWriter, r *http.Request) {
	var req RecordCountRequest
	if !h.decode(w, r, &req) {
		return
	}
	line, err := h.service.RecordCount(r.Context(), inventory.RecordCountRequest{
		OpnameID:        mux.Vars(r)["opnameId"],
		ItemID:          req.ItemID,
		CountedQuantity: req.CountedQuantity,
		ActorID:         actor(r),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, line)
}

// CompleteOpname posts the adjustments of a count session
// 棚卸確定を処理
func (h *Handlers) CompleteOpname(w http.ResponseWriter, r *http.Request) {
	opname, err := h.service.CompleteOpname(r.Context(), mux.Vars(r)["opnameId"], actor(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, opname)
}

// CancelOpname moves a count session to CANCELLED
func (h *Handlers) CancelOpname(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	opname, err := h.service.CancelOpname(r.Context(), mux.Vars(r)["opnameId"], actor(r), req.Notes)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, opname)
}

// GetOpnameSummary returns the totals of a count session
func (h *Handlers) GetOpnameSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetOpnameSummary(r.Context(), mux.Vars(r)["opnameId"])
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, summary)
}

// ---- audit ----

// GetAuditTrail lists audit entries matching the query parameters
// 監査証跡照会を処理
func (h *Handlers) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := inventory.AuditFilter{
		ModelName: inventory.ModelName(q.Get("model")),
		ObjectID:  q.Get("object_id"),
		ActorID:   q.Get("actor_id"),
		Action:    inventory.AuditAction(q.Get("action")),
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, name+"はRFC3339形式で指定してください", "ValidationError")
			return
		}
		*dst = &t
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.sendError(w, http.StatusBadRequest, "limitは0以上の整数で指定してください", "ValidationError")
			return
		}
		filter.Limit = limit
	}

	entries, err := h.service.GetAuditTrail(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, entries)
}

// ヘルパーメソッド

func actor(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

func valuationMethod(r *http.Request) inventory.ValuationMethod {
	if m := r.URL.Query().Get("method"); m != "" {
		return inventory.ValuationMethod(m)
	}
	return inventory.ValuationMethodBatch
}

// decode reads and validates a JSON body; an empty body is allowed for optional payloads
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です", "ValidationError")
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		h.sendError(w, http.StatusBadRequest, validationMessage(err), "ValidationError")
		return false
	}
	return true
}

// statusFor maps an engine error kind onto an HTTP status
func statusFor(kind string) int {
	switch kind {
	case "ValidationError":
		return http.StatusBadRequest
	case "NotFound":
		return http.StatusNotFound
	case "Duplicate", "ConcurrentModification", "InvalidPOState", "InvalidOpnameState", "InvalidBatchState", "RecountRequired":
		return http.StatusConflict
	case "InsufficientStock", "InsufficientBatchQuantity", "BusinessRuleViolation":
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handlers) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		h.sendError(w, http.StatusRequestTimeout, "リクエストがキャンセルされました", "Canceled")
		return
	}
	kind := inventory.ErrorKind(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
		h.sendError(w, status, "内部エラーが発生しました", kind)
		return
	}
	h.sendError(w, status, err.Error(), kind)
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: true,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error:   message,
		Kind:    kind,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("エラーレスポンス送信に失敗しました", zap.Error(err))
	}
}
