package port

import "context"

// IdempotencyStore 是结账幂等键存储的出站端口。
// 绑定分两个阶段：Claim 建立短期的进行中标记，结账成功后 Confirm 把它延长为长期绑定。
// 进程在两者之间崩溃时，标记会在短期内自动失效，客户端可以用同一个 key 重试。
type IdempotencyStore interface {
	// Claim 尝试把 key 绑定到 orderID。
	// 首次绑定返回 (orderID, true)；已被绑定时返回 (已绑定的 orderID, false)。
	Claim(ctx context.Context, key, orderID string) (owner string, claimed bool, err error)

	// Confirm 在结账成功后把绑定延长为长期有效。
	Confirm(ctx context.Context, key, orderID string) error

	// Release 解除绑定，用于结账失败后允许客户端用同一个 key 重试。
	Release(ctx context.Context, key string) error
}
