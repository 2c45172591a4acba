package domain

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Hold 是购物车对某个 SKU 的临时占用，过期后不再计入占用量。
type Hold struct {
	SKU       string
	CartID    string
	Qty       int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ExpiredAt 判断该占用在 now 时刻是否已过期。
func (h Hold) ExpiredAt(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// Commitment 是订单对库存的永久占用，只能被显式释放或减少。
type Commitment struct {
	SKU         string
	OrderID     string
	Qty         int
	CommittedAt time.Time
}

// Record 是每个 SKU 一条的库存台账聚合根。
//
// 所有变更方法都是纯内存操作，并记录被改动的 hold / commitment 键，
// 由仓储在同一个条件写入中持久化这些改动。
type Record struct {
	SKU         string
	TotalQty    int
	Version     int64
	Holds       map[string]Hold       // key: cartID
	Commitments map[string]Commitment // key: orderID
	UpdatedAt   time.Time

	totalChanged       bool
	touchedHolds       map[string]struct{}
	touchedCommitments map[string]struct{}
}

// NewRecord 创建一个空台账，供仓储加载或首次入库使用。
func NewRecord(sku string, totalQty int) *Record {
	return &Record{
		SKU:         sku,
		TotalQty:    totalQty,
		Holds:       make(map[string]Hold),
		Commitments: make(map[string]Commitment),
	}
}

// Reserved 返回未过期 hold 的数量之和（惰性过期）。
func (r *Record) Reserved(now time.Time) int {
	return r.reservedExcept("", now)
}

func (r *Record) reservedExcept(cartID string, now time.Time) int {
	sum := 0
	for id, h := range r.Holds {
		if id == cartID || h.ExpiredAt(now) {
			continue
		}
		sum += h.Qty
	}
	return sum
}

// Committed 返回所有订单占用之和。
func (r *Record) Committed() int {
	sum := 0
	for _, c := range r.Commitments {
		sum += c.Qty
	}
	return sum
}

// Available = totalQty - Σ(未过期 holds) - Σ(commitments)
func (r *Record) Available(now time.Time) int {
	return r.TotalQty - r.Reserved(now) - r.Committed()
}

// PutHold 为 cartID 新建或替换 hold，并刷新过期时间。
// 计算可用量时排除该购物车原有的 hold；库存不足时不做任何修改。
func (r *Record) PutHold(cartID string, qty int, ttl time.Duration, now time.Time) (Hold, error) {
	if qty <= 0 {
		return Hold{}, errors.Wrapf(ErrInvalidQuantity, "hold qty must be positive, got %d", qty)
	}
	available := r.TotalQty - r.reservedExcept(cartID, now) - r.Committed()
	if qty > available {
		return Hold{}, errors.Wrapf(ErrInsufficientStock, "sku %s: requested %d, available %d", r.SKU, qty, available)
	}

	createdAt := now
	if prev, ok := r.Holds[cartID]; ok && !prev.ExpiredAt(now) {
		createdAt = prev.CreatedAt
	}
	h := Hold{
		SKU:       r.SKU,
		CartID:    cartID,
		Qty:       qty,
		CreatedAt: createdAt,
		ExpiresAt: now.Add(ttl),
	}
	r.Holds[cartID] = h
	r.touchHold(cartID)
	return h, nil
}

// DropHold 删除 cartID 的 hold，不存在时返回 false。
func (r *Record) DropHold(cartID string) (Hold, bool) {
	h, ok := r.Holds[cartID]
	if !ok {
		return Hold{}, false
	}
	delete(r.Holds, cartID)
	r.touchHold(cartID)
	return h, true
}

// CommitHold 把购物车的 hold 转换为订单占用。
// hold 缺失、过期或数量不足时返回 ErrStaleReservation，且不修改台账。
func (r *Record) CommitHold(cartID, orderID string, qty int, now time.Time) (Commitment, error) {
	if qty <= 0 {
		return Commitment{}, errors.Wrapf(ErrInvalidQuantity, "commit qty must be positive, got %d", qty)
	}
	h, ok := r.Holds[cartID]
	switch {
	case !ok:
		return Commitment{}, errors.Wrapf(ErrStaleReservation, "sku %s: no hold for cart %s", r.SKU, cartID)
	case h.ExpiredAt(now):
		return Commitment{}, errors.Wrapf(ErrStaleReservation, "sku %s: hold for cart %s expired at %s", r.SKU, cartID, h.ExpiresAt.Format(time.RFC3339))
	case h.Qty < qty:
		return Commitment{}, errors.Wrapf(ErrStaleReservation, "sku %s: hold for cart %s is %d, need %d", r.SKU, cartID, h.Qty, qty)
	}
	if _, exists := r.Commitments[orderID]; exists {
		return Commitment{}, errors.Wrapf(ErrDuplicateOrder, "sku %s: order %s", r.SKU, orderID)
	}

	delete(r.Holds, cartID)
	r.touchHold(cartID)

	c := Commitment{SKU: r.SKU, OrderID: orderID, Qty: qty, CommittedAt: now}
	r.Commitments[orderID] = c
	r.touchCommitment(orderID)
	return c, nil
}

// ReleaseCommitment 删除订单占用，不存在时返回 false。
func (r *Record) ReleaseCommitment(orderID string) (Commitment, bool) {
	c, ok := r.Commitments[orderID]
	if !ok {
		return Commitment{}, false
	}
	delete(r.Commitments, orderID)
	r.touchCommitment(orderID)
	return c, true
}

// AdjustCommitment 把订单占用减少到 newQty，newQty 为 0 时删除该占用。
// 返回调整前的占用。
func (r *Record) AdjustCommitment(orderID string, newQty int) (Commitment, error) {
	c, ok := r.Commitments[orderID]
	if !ok {
		return Commitment{}, errors.Wrapf(ErrNotFound, "sku %s: no commitment for order %s", r.SKU, orderID)
	}
	if newQty < 0 {
		return Commitment{}, errors.Wrapf(ErrInvalidQuantity, "new qty must not be negative, got %d", newQty)
	}
	if newQty > c.Qty {
		return Commitment{}, errors.Wrapf(ErrInvalidAdjustment, "sku %s order %s: %d -> %d", r.SKU, orderID, c.Qty, newQty)
	}
	if newQty == c.Qty {
		return c, nil
	}

	if newQty == 0 {
		delete(r.Commitments, orderID)
	} else {
		adjusted := c
		adjusted.Qty = newQty
		r.Commitments[orderID] = adjusted
	}
	r.touchCommitment(orderID)
	return c, nil
}

// PurgeExpired 物理删除在 now 时刻已过期的 hold，返回被删除的 hold。
// 被刷新过的 hold（expiresAt 已延后）不会被删除。
func (r *Record) PurgeExpired(now time.Time) []Hold {
	var purged []Hold
	for cartID, h := range r.Holds {
		if !h.ExpiredAt(now) {
			continue
		}
		delete(r.Holds, cartID)
		r.touchHold(cartID)
		purged = append(purged, h)
	}
	sort.Slice(purged, func(i, j int) bool { return purged[i].CartID < purged[j].CartID })
	return purged
}

// SetTotal 修改实物库存。新库存不能低于当前 hold 与 commitment 之和。
func (r *Record) SetTotal(total int, now time.Time) error {
	if total < 0 {
		return errors.Wrapf(ErrInvalidQuantity, "total qty must not be negative, got %d", total)
	}
	if claimed := r.Reserved(now) + r.Committed(); total < claimed {
		return errors.Wrapf(ErrInsufficientStock, "sku %s: total %d below claimed %d", r.SKU, total, claimed)
	}
	if total != r.TotalQty {
		r.TotalQty = total
		r.totalChanged = true
	}
	return nil
}

// Dirty 表示自加载以来是否有任何改动。
func (r *Record) Dirty() bool {
	return r.totalChanged || len(r.touchedHolds) > 0 || len(r.touchedCommitments) > 0
}

// Changes 返回被改动过的 hold 与 commitment 键（已排序）。
// 键仍存在于 Holds / Commitments 中表示 upsert，否则表示删除。
func (r *Record) Changes() (holdKeys, commitmentKeys []string) {
	return sortedKeys(r.touchedHolds), sortedKeys(r.touchedCommitments)
}

func (r *Record) touchHold(cartID string) {
	if r.touchedHolds == nil {
		r.touchedHolds = make(map[string]struct{})
	}
	r.touchedHolds[cartID] = struct{}{}
}

func (r *Record) touchCommitment(orderID string) {
	if r.touchedCommitments == nil {
		r.touchedCommitments = make(map[string]struct{})
	}
	r.touchedCommitments[orderID] = struct{}{}
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
