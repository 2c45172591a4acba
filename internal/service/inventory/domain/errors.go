package domain

import "github.com/pkg/errors"

// 领域错误。基础设施层和应用层通过 errors.Wrap 附加上下文，接口层用 errors.Is 判断类型。
var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrStaleReservation  = errors.New("stale reservation")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrInvalidAdjustment = errors.New("commitment can only be reduced")
	ErrNotFound          = errors.New("not found")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrHoldRejected      = errors.New("hold rejected by policy")
	ErrDuplicateOrder    = errors.New("order already committed")
)

// errorCodes 是错误在 HTTP 接口上的稳定编码，客户端据此还原为同一个哨兵错误
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInsufficientStock, "INSUFFICIENT_STOCK"},
	{ErrStaleReservation, "STALE_RESERVATION"},
	{ErrConflict, "CONFLICT"},
	{ErrInvalidAdjustment, "INVALID_ADJUSTMENT"},
	{ErrNotFound, "NOT_FOUND"},
	{ErrInvalidQuantity, "INVALID_QUANTITY"},
	{ErrInvalidArgument, "INVALID_ARGUMENT"},
	{ErrHoldRejected, "HOLD_REJECTED"},
	{ErrDuplicateOrder, "DUPLICATE_ORDER"},
}

// ErrorCode 返回 err 对应的错误编码，非领域错误返回 "INTERNAL"
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// ErrorFromCode 是 ErrorCode 的逆操作，未知编码返回 nil
func ErrorFromCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
