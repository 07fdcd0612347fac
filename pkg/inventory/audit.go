package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AuditAction defines the kind of audited mutation
// 監査対象の操作種別を定義
type AuditAction string

const (
	AuditActionCreate   AuditAction = "CREATE"
	AuditActionUpdate   AuditAction = "UPDATE"
	AuditActionDelete   AuditAction = "DELETE"
	AuditActionAdjust   AuditAction = "ADJUST"
	AuditActionCount    AuditAction = "COUNT"
	AuditActionApprove  AuditAction = "APPROVE"
	AuditActionComplete AuditAction = "COMPLETE"
	AuditActionCancel   AuditAction = "CANCEL"
)

// ModelName tags which entity an audit entry describes
// 監査ログの対象モデル名
type ModelName string

const (
	ModelLocation      ModelName = "location"
	ModelItem          ModelName = "inventory_item"
	ModelBatch         ModelName = "inventory_batch"
	ModelPurchaseOrder ModelName = "purchase_order"
	ModelOpname        ModelName = "stock_opname"
)

// AuditLogEntry is one immutable row per mutation
// 変更ごとの不変な監査ログ
type AuditLogEntry struct {
	ID         string      `json:"id" db:"id"`
	Sequence   int64       `json:"sequence" db:"seq"`
	Action     AuditAction `json:"action" db:"action"`
	ModelName  ModelName   `json:"model_name" db:"model_name"`
	ObjectID   string      `json:"object_id" db:"object_id"`
	ObjectRepr string      `json:"object_repr" db:"object_repr"`
	Changes    Changes     `json:"changes" db:"changes"`
	ActorID    string      `json:"actor_id" db:"actor_id"`
	Timestamp  time.Time   `json:"timestamp" db:"created_at"`
	Notes      string      `json:"notes" db:"notes"`
}

// FieldChange is the before/after value of one field
type FieldChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// Changes maps a field name to its before/after values
// フィールド名から変更前後の値へのマップ
type Changes map[string]FieldChange

// Set records a change for a dynamic field; equal values are ignored
// 動的フィールドの変更を記録（同値は無視）
func (c Changes) Set(field, oldValue, newValue string) {
	if oldValue == newValue {
		return
	}
	c[field] = FieldChange{Old: oldValue, New: newValue}
}

// Merge copies other into c, prefixing each field with prefix when given
// 別の変更セットをプレフィックス付きで統合
func (c Changes) Merge(prefix string, other Changes) {
	for field, change := range other {
		if prefix != "" {
			field = prefix + "." + field
		}
		c[field] = change
	}
}

// Fields returns the changed field names in sorted order
func (c Changes) Fields() []string {
	fields := make([]string, 0, len(c))
	for field := range c {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// Auditable is implemented by every entity the recorder can diff.
// Each implementation exposes a fixed set of diffable fields.
// 監査対象エンティティ（固定の差分フィールドを持つ）
type Auditable interface {
	AuditModel() ModelName
	AuditID() string
	AuditRepr() string
	AuditFields() map[string]string
}

// Diff compares two field snapshots of the same entity.
// A nil before snapshot yields the full creation diff.
// 2つのスナップショットを比較して差分を作成
func Diff(before, after map[string]string) Changes {
	changes := Changes{}
	for field, newValue := range after {
		changes.Set(field, before[field], newValue)
	}
	for field, oldValue := range before {
		if _, ok := after[field]; !ok {
			changes.Set(field, oldValue, "")
		}
	}
	return changes
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func formatDecimal(d decimal.Decimal) string {
	return d.String()
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// AuditModel implements Auditable
func (l *Location) AuditModel() ModelName { return ModelLocation }

// AuditID implements Auditable
func (l *Location) AuditID() string { return l.ID }

// AuditRepr implements Auditable
func (l *Location) AuditRepr() string { return fmt.Sprintf("%s (%s)", l.Name, l.Type) }

// AuditFields implements Auditable
func (l *Location) AuditFields() map[string]string {
	return map[string]string{
		"name":      l.Name,
		"type":      string(l.Type),
		"is_active": formatBool(l.IsActive),
	}
}

// AuditModel implements Auditable
func (i *Item) AuditModel() ModelName { return ModelItem }

// AuditID implements Auditable
func (i *Item) AuditID() string { return i.ID }

// AuditRepr implements Auditable
func (i *Item) AuditRepr() string { return fmt.Sprintf("%s %s @ %s", i.SKU, i.Name, i.LocationID) }

// AuditFields implements Auditable
func (i *Item) AuditFields() map[string]string {
	return map[string]string{
		"sku":          i.SKU,
		"location_id":  i.LocationID,
		"name":         i.Name,
		"unit":         i.Unit,
		"category":     i.Category,
		"perishable":   formatBool(i.Perishable),
		"min_quantity": formatDecimal(i.MinQuantity),
		"on_hand":      formatDecimal(i.OnHand),
		"average_cost": formatDecimal(i.AverageCost),
		"is_active":    formatBool(i.IsActive),
	}
}

// AuditModel implements Auditable
func (b *Batch) AuditModel() ModelName { return ModelBatch }

// AuditID implements Auditable
func (b *Batch) AuditID() string { return b.ID }

// AuditRepr implements Auditable
func (b *Batch) AuditRepr() string { return b.BatchNumber }

// AuditFields implements Auditable
func (b *Batch) AuditFields() map[string]string {
	fields := map[string]string{
		"batch_number":       b.BatchNumber,
		"item_id":            b.ItemID,
		"original_quantity":  formatDecimal(b.OriginalQuantity),
		"quantity_remaining": formatDecimal(b.QuantityRemaining),
		"unit_cost":          formatDecimal(b.UnitCost),
		"manufacturing_date": formatDate(b.ManufacturingDate),
		"expiry_date":        formatDate(b.ExpiryDate),
		"received_date":      b.ReceivedDate.Format("2006-01-02"),
		"status":             string(b.Status),
		"disposal_method":    string(b.DisposalMethod),
		"disposal_notes":     b.DisposalNotes,
		"disposed_at":        formatTime(b.DisposedAt),
		"disposed_by":        b.DisposedBy,
	}
	if b.SourceBatchID != nil {
		fields["source_batch_id"] = *b.SourceBatchID
	}
	return fields
}

// AuditModel implements Auditable
func (po *PurchaseOrder) AuditModel() ModelName { return ModelPurchaseOrder }

// AuditID implements Auditable
func (po *PurchaseOrder) AuditID() string { return po.ID }

// AuditRepr implements Auditable
func (po *PurchaseOrder) AuditRepr() string { return fmt.Sprintf("%s (%s)", po.Number, po.Supplier) }

// AuditFields implements Auditable
func (po *PurchaseOrder) AuditFields() map[string]string {
	return map[string]string{
		"number":       po.Number,
		"supplier":     po.Supplier,
		"location_id":  po.LocationID,
		"status":       string(po.Status),
		"notes":        po.Notes,
		"line_count":   fmt.Sprintf("%d", len(po.Items)),
		"total_amount": formatDecimal(po.TotalAmount()),
		"submitted_at": formatTime(po.SubmittedAt),
		"approved_at":  formatTime(po.ApprovedAt),
		"approved_by":  po.ApprovedBy,
		"received_at":  formatTime(po.ReceivedAt),
		"received_by":  po.ReceivedBy,
		"cancelled_at": formatTime(po.CancelledAt),
		"cancelled_by": po.CancelledBy,
	}
}

// AuditModel implements Auditable
func (o *StockOpname) AuditModel() ModelName { return ModelOpname }

// AuditID implements Auditable
func (o *StockOpname) AuditID() string { return o.ID }

// AuditRepr implements Auditable
func (o *StockOpname) AuditRepr() string { return fmt.Sprintf("%s @ %s", o.Number, o.LocationID) }

// AuditFields implements Auditable
func (o *StockOpname) AuditFields() map[string]string {
	return map[string]string{
		"number":                  o.Number,
		"location_id":             o.LocationID,
		"status":                  string(o.Status),
		"notes":                   o.Notes,
		"total_items_counted":     fmt.Sprintf("%d", o.TotalItemsCounted),
		"total_discrepancies":     fmt.Sprintf("%d", o.TotalDiscrepancies),
		"total_discrepancy_value": formatDecimal(o.TotalDiscrepancyValue),
		"started_at":              formatTime(o.StartedAt),
		"completed_at":            formatTime(o.CompletedAt),
		"completed_by":            o.CompletedBy,
		"cancelled_at":            formatTime(o.CancelledAt),
		"cancelled_by":            o.CancelledBy,
	}
}

// auditFields returns the field snapshot of a count line
func (l *OpnameLine) auditFields() map[string]string {
	return map[string]string{
		"system_quantity":  formatDecimal(l.SystemQuantity),
		"counted_quantity": formatDecimal(l.CountedQuantity),
		"counted_by":       l.CountedBy,
	}
}

// AuditRecord is the input of AuditRecorder.Record
type AuditRecord struct {
	ActorID string
	Action  AuditAction
	Subject Auditable
	Changes Changes
	Notes   string
}

// AuditRecorder writes audit entries inside the business transaction
// 業務トランザクション内で監査ログを書き込む
type AuditRecorder struct {
	clock Clock
}

// NewAuditRecorder creates a new audit recorder
// 新しい監査レコーダーを作成
func NewAuditRecorder(clock Clock) *AuditRecorder {
	if clock == nil {
		clock = SystemClock{}
	}
	return &AuditRecorder{clock: clock}
}

// Record appends one audit entry through tx.
// A failed write fails the enclosing operation.
func (r *AuditRecorder) Record(ctx context.Context, tx StorageTx, rec AuditRecord) (*AuditLogEntry, error) {
	if rec.ActorID == "" {
		return nil, NewValidationError("actor_id", "操作者IDが指定されていません", "")
	}
	changes := rec.Changes
	if changes == nil {
		changes = Changes{}
	}

	entry := &AuditLogEntry{
		ID:         NewID(),
		Action:     rec.Action,
		ModelName:  rec.Subject.AuditModel(),
		ObjectID:   rec.Subject.AuditID(),
		ObjectRepr: rec.Subject.AuditRepr(),
		Changes:    changes,
		ActorID:    rec.ActorID,
		Timestamp:  r.clock.Now().UTC(),
		Notes:      rec.Notes,
	}

	if err := tx.AppendAuditEntry(ctx, entry); err != nil {
		return nil, wrapStorage("append_audit_entry", "監査ログの書き込みに失敗しました", err)
	}
	return entry, nil
}

// joinNotes prefixes operation context to caller notes
// 操作の補足情報を備考の先頭に付与
func joinNotes(prefix, notes string) string {
	if strings.TrimSpace(notes) == "" {
		return prefix
	}
	return prefix + " / " + notes
}
