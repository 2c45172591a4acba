package adapter

import (
	"context"
	"sync"

	"stockledger/internal/pkg/logger"
	"stockledger/internal/zookeeper"
)

const sweepLockResource = "inventory-hold-reaper"

// SweepLockZKAdapter 用 ZooKeeper 锁串行化多个实例的过期清理
type SweepLockZKAdapter struct {
	conn zookeeper.Conn
}

func NewSweepLockZKAdapter(conn zookeeper.Conn) *SweepLockZKAdapter {
	return &SweepLockZKAdapter{conn: conn}
}

// TryAcquire 不等待地尝试获取锁，本轮拿不到就跳过
func (a *SweepLockZKAdapter) TryAcquire(ctx context.Context) (func(), bool, error) {
	lock, err := zookeeper.NewDistributedLock(a.conn, sweepLockResource)
	if err != nil {
		return nil, false, err
	}
	ok, err := lock.TryLock()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		if err := lock.Unlock(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to release sweep lock")
		}
	}
	return release, true, nil
}

// LocalSweepLocker 只在进程内互斥，未配置 ZooKeeper 时使用。
// 多实例同时清理依然安全，只是会有重复的条件写入。
type LocalSweepLocker struct {
	mu sync.Mutex
}

func (l *LocalSweepLocker) TryAcquire(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}
