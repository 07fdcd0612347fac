package inventory

// BatchStatus defines the lifecycle status of a batch
// バッチのライフサイクル状態を定義
type BatchStatus string

const (
	BatchStatusActive   BatchStatus = "ACTIVE"   // 有効
	BatchStatusExpiring BatchStatus = "EXPIRING" // 期限間近
	BatchStatusExpired  BatchStatus = "EXPIRED"  // 期限切れ
	BatchStatusDisposed BatchStatus = "DISPOSED" // 廃棄済み
)

// POStatus defines purchase order states
// 発注書の状態を定義
type POStatus string

const (
	POStatusDraft     POStatus = "DRAFT"     // 下書き
	POStatusSubmitted POStatus = "SUBMITTED" // 提出済み
	POStatusApproved  POStatus = "APPROVED"  // 承認済み
	POStatusReceived  POStatus = "RECEIVED"  // 入荷済み
	POStatusCancelled POStatus = "CANCELLED" // 取消
)

// OpnameStatus defines stock opname states
// 棚卸の状態を定義
type OpnameStatus string

const (
	OpnameStatusDraft      OpnameStatus = "DRAFT"       // 下書き
	OpnameStatusInProgress OpnameStatus = "IN_PROGRESS" // 棚卸中
	OpnameStatusCompleted  OpnameStatus = "COMPLETED"   // 完了
	OpnameStatusCancelled  OpnameStatus = "CANCELLED"   // 取消
)

// transitionTable is the single source of allowed state transitions for one entity
// エンティティごとの唯一の状態遷移表
type transitionTable[S ~string] map[S][]S

func (t transitionTable[S]) can(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (t transitionTable[S]) terminal(s S) bool {
	return len(t[s]) == 0
}

var batchTransitions = transitionTable[BatchStatus]{
	BatchStatusActive:   {BatchStatusExpiring, BatchStatusExpired, BatchStatusDisposed},
	BatchStatusExpiring: {BatchStatusExpired, BatchStatusDisposed},
	BatchStatusExpired:  {BatchStatusDisposed},
}

var poTransitions = transitionTable[POStatus]{
	POStatusDraft:     {POStatusSubmitted, POStatusCancelled},
	POStatusSubmitted: {POStatusApproved, POStatusReceived, POStatusCancelled},
	POStatusApproved:  {POStatusReceived, POStatusCancelled},
}

var opnameTransitions = transitionTable[OpnameStatus]{
	OpnameStatusDraft:      {OpnameStatusInProgress, OpnameStatusCancelled},
	OpnameStatusInProgress: {OpnameStatusCompleted, OpnameStatusCancelled},
}

// CanTransition reports whether a batch may move from one status to another
func (s BatchStatus) CanTransition(to BatchStatus) bool { return batchTransitions.can(s, to) }

// IsTerminal reports whether no further transition is possible
func (s BatchStatus) IsTerminal() bool { return batchTransitions.terminal(s) }

// CanTransition reports whether a purchase order may move to the given status
func (s POStatus) CanTransition(to POStatus) bool { return poTransitions.can(s, to) }

// IsTerminal reports whether the purchase order is closed
func (s POStatus) IsTerminal() bool { return poTransitions.terminal(s) }

// CanTransition reports whether an opname may move to the given status
func (s OpnameStatus) CanTransition(to OpnameStatus) bool { return opnameTransitions.can(s, to) }

// IsTerminal reports whether the opname is closed
func (s OpnameStatus) IsTerminal() bool { return opnameTransitions.terminal(s) }

// expiryRank orders the expiry-driven statuses; derived status never moves backwards
func expiryRank(s BatchStatus) int {
	switch s {
	case BatchStatusExpiring:
		return 1
	case BatchStatusExpired:
		return 2
	case BatchStatusDisposed:
		return 3
	default:
		return 0
	}
}

// transitionBatch moves a batch to a new status through the transition table
// 遷移表に従ってバッチ状態を変更
func transitionBatch(b *Batch, to BatchStatus) error {
	if !b.Status.CanTransition(to) {
		return NewInvalidStateError(EntityBatch, b.ID, string(b.Status), string(to))
	}
	b.Status = to
	return nil
}

// transitionPO moves a purchase order to a new status
// 発注書の状態を変更
func transitionPO(po *PurchaseOrder, to POStatus) error {
	if !po.Status.CanTransition(to) {
		return NewInvalidStateError(EntityPurchaseOrder, po.ID, string(po.Status), string(to))
	}
	po.Status = to
	return nil
}

// transitionOpname moves an opname to a new status
// 棚卸の状態を変更
func transitionOpname(o *StockOpname, to OpnameStatus) error {
	if !o.Status.CanTransition(to) {
		return NewInvalidStateError(EntityOpname, o.ID, string(o.Status), string(to))
	}
	o.Status = to
	return nil
}
