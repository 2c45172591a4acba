package port

import "context"

// SweepLocker 保证同一时刻只有一个实例在执行过期清理。
// 拿不到锁时返回 ok=false，调用方应直接跳过本轮。
type SweepLocker interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}
