package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
	"github.com/nemonet1337/zaiLotEngine/pkg/inventory/storage"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
}

type apiFixture struct {
	t      *testing.T
	router *mux.Router
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStorage(logger)
	config := inventory.DefaultConfig()
	manager := inventory.NewManager(store, inventory.NewLogPublisher(logger), logger, config)
	valuation := inventory.NewValuationEngine(store, logger, config, inventory.SystemClock{})
	return &apiFixture{t: t, router: setupRouter(NewHandlers(manager, valuation, store, logger))}
}

func (f *apiFixture) do(method, path, actorID string, body interface{}) (int, envelope) {
	f.t.Helper()
	var req *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if actorID != "" {
		req.Header.Set(ActorHeader, actorID)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func (f *apiFixture) mustDo(method, path string, body interface{}, want int, dst interface{}) {
	f.t.Helper()
	status, env := f.do(method, path, "chef", body)
	require.Equal(f.t, want, status, env.Error)
	require.True(f.t, env.Success)
	if dst != nil {
		require.NoError(f.t, json.Unmarshal(env.Data, dst))
	}
}

// seed creates a kitchen, one perishable item and a received purchase order of 10 units
func (f *apiFixture) seed() (inventory.Item, inventory.PurchaseOrder) {
	f.t.Helper()
	f.mustDo("POST", "/api/v1/locations", CreateLocationRequest{ID: "kitchen-1", Name: "Main Kitchen", Type: "kitchen"}, http.StatusCreated, nil)

	var item inventory.Item
	f.mustDo("POST", "/api/v1/items", RegisterItemRequest{
		SKU:         "MILK-1L",
		LocationID:  "kitchen-1",
		Name:        "Milk 1L",
		Unit:        "btl",
		Perishable:  true,
		MinQuantity: decimal.NewFromInt(2),
	}, http.StatusCreated, &item)

	var po inventory.PurchaseOrder
	f.mustDo("POST", "/api/v1/purchase-orders", CreatePurchaseOrderRequest{
		Supplier:   "Dairy Co",
		LocationID: "kitchen-1",
		Lines: []PurchaseOrderLineRequest{
			{ItemID: item.ID, Quantity: decimal.NewFromInt(10), UnitPrice: decimal.RequireFromString("1.5")},
		},
	}, http.StatusCreated, &po)
	require.Len(f.t, po.Items, 1)

	f.mustDo("POST", "/api/v1/purchase-orders/"+po.ID+"/submit", nil, http.StatusOK, nil)

	expiry := time.Now().UTC().AddDate(0, 0, 60).Format("2006-01-02")
	var batches []inventory.Batch
	f.mustDo("POST", "/api/v1/purchase-orders/"+po.ID+"/receive", ReceiveRequest{
		Lines: map[string]ReceiptLineRequest{po.Items[0].ID: {ExpiryDate: expiry, BatchNumber: "MILK-B1"}},
	}, http.StatusOK, &batches)
	require.Len(f.t, batches, 1)
	return item, po
}

func TestHandlers_HealthCheck(t *testing.T) {
	f := newAPIFixture(t)
	status, env := f.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
}

func TestHandlers_ReceiveAndConsume(t *testing.T) {
	f := newAPIFixture(t)
	item, _ := f.seed()

	var allocations []inventory.Allocation
	f.mustDo("POST", "/api/v1/consume", ConsumeRequest{ItemID: item.ID, Quantity: decimal.NewFromInt(4)}, http.StatusOK, &allocations)
	require.Len(t, allocations, 1)
	assert.Equal(t, "MILK-B1", allocations[0].BatchNumber)
	assert.True(t, allocations[0].Quantity.Equal(decimal.NewFromInt(4)))

	var onHand struct {
		ItemID string          `json:"item_id"`
		OnHand decimal.Decimal `json:"on_hand"`
	}
	f.mustDo("GET", "/api/v1/items/"+item.ID+"/on-hand", nil, http.StatusOK, &onHand)
	assert.True(t, onHand.OnHand.Equal(decimal.NewFromInt(6)), onHand.OnHand.String())

	var ledger []inventory.LedgerEntry
	f.mustDo("GET", "/api/v1/items/"+item.ID+"/ledger", nil, http.StatusOK, &ledger)
	require.Len(t, ledger, 2)
	assert.Equal(t, inventory.TransactionTypeIn, ledger[0].Type)
	assert.Equal(t, inventory.TransactionTypeOut, ledger[1].Type)

	var rec inventory.ItemReconciliation
	f.mustDo("GET", "/api/v1/items/"+item.ID+"/verify", nil, http.StatusOK, &rec)
	assert.True(t, rec.Consistent)

	var audit []inventory.AuditLogEntry
	f.mustDo("GET", "/api/v1/audit?object_id="+item.ID, nil, http.StatusOK, &audit)
	assert.NotEmpty(t, audit)
	for _, e := range audit {
		assert.Equal(t, item.ID, e.ObjectID)
	}
}

func TestHandlers_InsufficientStock(t *testing.T) {
	f := newAPIFixture(t)
	item, _ := f.seed()

	status, env := f.do("POST", "/api/v1/consume", "chef", ConsumeRequest{ItemID: item.ID, Quantity: decimal.NewFromInt(11)})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.False(t, env.Success)
	assert.Equal(t, "InsufficientStock", env.Kind)

	// 失敗時は在庫が変わらない
	var batch []inventory.Batch
	f.mustDo("GET", "/api/v1/items/"+item.ID+"/batches", nil, http.StatusOK, &batch)
	require.Len(t, batch, 1)
	assert.True(t, batch[0].QuantityRemaining.Equal(decimal.NewFromInt(10)))
}

func TestHandlers_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	item, po := f.seed()

	tests := []struct {
		name    string
		method  string
		path    string
		actorID string
		body    interface{}
		status  int
		kind    string
	}{
		{"unknown item", "GET", "/api/v1/items/nope", "chef", nil, http.StatusNotFound, "NotFound"},
		{"unknown batch", "GET", "/api/v1/batches/nope", "chef", nil, http.StatusNotFound, "NotFound"},
		{"missing actor", "POST", "/api/v1/consume", "", ConsumeRequest{ItemID: item.ID, Quantity: decimal.NewFromInt(1)}, http.StatusBadRequest, "ValidationError"},
		{"zero quantity", "POST", "/api/v1/consume", "chef", ConsumeRequest{ItemID: item.ID, Quantity: decimal.Zero}, http.StatusBadRequest, "ValidationError"},
		{"bad location type", "POST", "/api/v1/locations", "chef", CreateLocationRequest{ID: "x", Name: "X", Type: "garage"}, http.StatusBadRequest, "ValidationError"},
		{"duplicate location", "POST", "/api/v1/locations", "chef", CreateLocationRequest{ID: "kitchen-1", Name: "Again", Type: "kitchen"}, http.StatusConflict, "Duplicate"},
		{"cancel received order", "POST", "/api/v1/purchase-orders/" + po.ID + "/cancel", "chef", nil, http.StatusConflict, "InvalidPOState"},
		{"bad days", "GET", "/api/v1/batches/expiring?days=soon", "chef", nil, http.StatusBadRequest, "ValidationError"},
		{"bad audit limit", "GET", "/api/v1/audit?limit=-1", "chef", nil, http.StatusBadRequest, "ValidationError"},
		{"same transfer locations", "POST", "/api/v1/transfer", "chef", TransferStockRequest{SKU: "MILK-1L", FromLocationID: "kitchen-1", ToLocationID: "kitchen-1", Quantity: decimal.NewFromInt(1)}, http.StatusBadRequest, "ValidationError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := f.do(tt.method, tt.path, tt.actorID, tt.body)
			assert.Equal(t, tt.status, status, env.Error)
			assert.False(t, env.Success)
			assert.Equal(t, tt.kind, env.Kind)
		})
	}
}

func TestHandlers_DisposeBatch(t *testing.T) {
	f := newAPIFixture(t)
	item, _ := f.seed()

	var batches []inventory.Batch
	f.mustDo("GET", "/api/v1/items/"+item.ID+"/batches", nil, http.StatusOK, &batches)
	require.Len(t, batches, 1)

	var entry inventory.LedgerEntry
	f.mustDo("POST", "/api/v1/batches/"+batches[0].ID+"/dispose", DisposeRequest{Method: "DISCARD", Notes: "spilled"}, http.StatusOK, &entry)
	assert.Equal(t, inventory.TransactionTypeWaste, entry.Type)
	assert.True(t, entry.Quantity.Equal(decimal.NewFromInt(-10)))

	status, env := f.do("POST", "/api/v1/batches/"+batches[0].ID+"/dispose", "chef", DisposeRequest{Method: "DISCARD"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "InvalidBatchState", env.Kind)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(inventory.ErrorKind(inventory.NewValidationError("f", "m", "v"))))
	assert.Equal(t, http.StatusNotFound, statusFor(inventory.ErrorKind(inventory.ErrItemNotFound)))
	assert.Equal(t, http.StatusConflict, statusFor(inventory.ErrorKind(inventory.ErrConcurrentModification)))
	assert.Equal(t, http.StatusConflict, statusFor(inventory.ErrorKind(&inventory.RecountRequiredError{OpnameID: "o1", ItemID: "i1"})))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(inventory.ErrorKind(inventory.ErrInsufficientStock)))
	assert.Equal(t, http.StatusInternalServerError, statusFor("Internal"))
}
