package zookeeper

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

const (
	lockRoot = "/distributed_locks" // 所有分布式锁的根节点
)

// Conn 是锁依赖的 ZooKeeper 操作，*zk.Conn 满足该接口
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

// Connect 连接 ZooKeeper 集群
func Connect(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to zookeeper")
	}
	return conn, nil
}

// DistributedLock 是基于临时顺序节点的分布式锁。
// 会话断开时临时节点自动删除，持锁进程崩溃不会导致死锁。
type DistributedLock struct {
	conn     Conn
	path     string // 锁的路径，例如 /distributed_locks/hold-reaper
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建一个新的分布式锁实例，并确保锁路径存在
func NewDistributedLock(conn Conn, resourceID string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID
	for _, p := range []string{lockRoot, lockPath} {
		if err := ensureNode(conn, p); err != nil {
			return nil, err
		}
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

func ensureNode(conn Conn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return errors.Wrapf(err, "failed to check node %s", path)
	}
	if exists {
		return nil
	}
	_, err = conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrapf(err, "failed to create node %s", path)
	}
	return nil
}

// TryLock 尝试获取锁，不等待。拿不到锁时删除自己的节点并返回 false。
func (l *DistributedLock) TryLock() (bool, error) {
	if err := l.enqueue(); err != nil {
		return false, err
	}
	children, err := l.sortedChildren()
	if err != nil {
		_ = l.Unlock()
		return false, err
	}
	if len(children) > 0 && children[0] == l.nodeName() {
		return true, nil
	}
	if err := l.Unlock(); err != nil {
		return false, err
	}
	return false, nil
}

// Lock 获取锁，拿不到时监听前一个节点并阻塞等待，直到 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context) error {
	if err := l.enqueue(); err != nil {
		return err
	}
	for {
		children, err := l.sortedChildren()
		if err != nil {
			_ = l.Unlock()
			return err
		}
		myNodeName := l.nodeName()
		idx := -1
		for i, child := range children {
			if child == myNodeName {
				idx = i
				break
			}
		}
		if idx < 0 {
			l.lockNode = ""
			return errors.New("lock node disappeared, session may have expired")
		}
		if idx == 0 {
			return nil
		}

		// 不是最小节点，监听前一个节点
		prevNodePath := l.path + "/" + children[idx-1]
		exists, _, eventChan, err := l.conn.ExistsW(prevNodePath)
		if err != nil {
			_ = l.Unlock()
			return errors.Wrap(err, "failed to watch previous node")
		}
		if !exists {
			continue
		}
		select {
		case <-eventChan:
		case <-ctx.Done():
			_ = l.Unlock()
			return ctx.Err()
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return errors.Wrap(err, "failed to delete lock node")
	}
	l.lockNode = ""
	return nil
}

func (l *DistributedLock) enqueue() error {
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return errors.Wrap(err, "failed to create sequential node")
	}
	l.lockNode = nodePath
	return nil
}

func (l *DistributedLock) nodeName() string {
	return strings.TrimPrefix(l.lockNode, l.path+"/")
}

// sortedChildren 按顺序号排序子节点。受保护节点名带有随机 GUID 前缀，不能直接按字符串排序。
func (l *DistributedLock) sortedChildren() ([]string, error) {
	children, _, err := l.conn.Children(l.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get children nodes")
	}
	sort.Slice(children, func(i, j int) bool { return sequenceOf(children[i]) < sequenceOf(children[j]) })
	return children, nil
}

func sequenceOf(node string) int64 {
	i := strings.LastIndex(node, "-")
	if i < 0 {
		return -1
	}
	seq, err := strconv.ParseInt(node[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return seq
}
