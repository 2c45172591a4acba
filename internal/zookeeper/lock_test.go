package zookeeper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memConn 是一个内存版的 ZooKeeper，只实现锁用到的操作
type memConn struct {
	mu       sync.Mutex
	nodes    map[string]bool
	seq      int
	watchers map[string][]chan zk.Event
}

func newMemConn() *memConn {
	return &memConn{nodes: map[string]bool{}, watchers: map[string][]chan zk.Event{}}
}

func (c *memConn) Exists(path string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[path], &zk.Stat{}, nil
}

func (c *memConn) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan zk.Event, 1)
	c.watchers[path] = append(c.watchers[path], ch)
	return c.nodes[path], &zk.Stat{}, ch, nil
}

func (c *memConn) Create(path string, _ []byte, _ int32, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodes[path] {
		return "", zk.ErrNodeExists
	}
	c.nodes[path] = true
	return path, nil
}

func (c *memConn) CreateProtectedEphemeralSequential(path string, _ []byte, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dir := path[:strings.LastIndex(path, "/")]
	base := path[strings.LastIndex(path, "/")+1:]
	// 让 GUID 前缀的字典序与顺序号相反，验证排序按顺序号进行
	node := fmt.Sprintf("%s/_c_%032x-%s%010d", dir, 1000-c.seq, base, c.seq)
	c.seq++
	c.nodes[node] = true
	return node, nil
}

func (c *memConn) Children(path string) ([]string, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var children []string
	for n := range c.nodes {
		if strings.HasPrefix(n, path+"/") && !strings.Contains(strings.TrimPrefix(n, path+"/"), "/") {
			children = append(children, strings.TrimPrefix(n, path+"/"))
		}
	}
	return children, &zk.Stat{}, nil
}

func (c *memConn) Delete(path string, _ int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.nodes[path] {
		return zk.ErrNoNode
	}
	delete(c.nodes, path)
	for _, ch := range c.watchers[path] {
		ch <- zk.Event{Type: zk.EventNodeDeleted, Path: path}
	}
	delete(c.watchers, path)
	return nil
}

func TestNewDistributedLock_CreatesPath(t *testing.T) {
	conn := newMemConn()

	_, err := NewDistributedLock(conn, "hold-reaper")
	require.NoError(t, err)
	_, err = NewDistributedLock(conn, "hold-reaper")
	require.NoError(t, err)

	assert.True(t, conn.nodes[lockRoot])
	assert.True(t, conn.nodes[lockRoot+"/hold-reaper"])
}

func TestTryLock_SecondHolderIsRejected(t *testing.T) {
	conn := newMemConn()
	a, err := NewDistributedLock(conn, "hold-reaper")
	require.NoError(t, err)
	b, err := NewDistributedLock(conn, "hold-reaper")
	require.NoError(t, err)

	ok, err := a.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)
	children, _, _ := conn.Children(lockRoot + "/hold-reaper")
	assert.Len(t, children, 1, "rejected contender must remove its node")

	require.NoError(t, a.Unlock())
	ok, err = b.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_WaitsForPredecessor(t *testing.T) {
	conn := newMemConn()
	a, _ := NewDistributedLock(conn, "hold-reaper")
	b, _ := NewDistributedLock(conn, "hold-reaper")
	require.NoError(t, a.Lock(context.Background()))

	acquired := make(chan error, 1)
	go func() { acquired <- b.Lock(context.Background()) }()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a.Unlock())
	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second lock was not acquired after release")
	}
}

func TestLock_ContextCancelled(t *testing.T) {
	conn := newMemConn()
	a, _ := NewDistributedLock(conn, "hold-reaper")
	b, _ := NewDistributedLock(conn, "hold-reaper")
	require.NoError(t, a.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, b.Lock(ctx), context.DeadlineExceeded)
	children, _, _ := conn.Children(lockRoot + "/hold-reaper")
	assert.Len(t, children, 1)
}

func TestUnlock_WithoutLock(t *testing.T) {
	l, err := NewDistributedLock(newMemConn(), "x")
	require.NoError(t, err)

	assert.Error(t, l.Unlock())
}

func TestSequenceOf(t *testing.T) {
	assert.Equal(t, int64(12), sequenceOf("_c_abcdef-lock-0000000012"))
	assert.Equal(t, int64(-1), sequenceOf("garbage"))
}
