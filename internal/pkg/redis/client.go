package redis

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Client 封装了 go-redis 的 UniversalClient，并按名字管理 Lua 脚本
type Client struct {
	client  goredis.UniversalClient
	mu      sync.RWMutex
	scripts map[string]*goredis.Script
}

// NewClient 连接单机、哨兵或集群（由 addrs 数量与 masterName 决定）
func NewClient(addrs []string, password string, db int, masterName string) *Client {
	return NewClientFrom(goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:      addrs,
		Password:   password,
		DB:         db,
		MasterName: masterName,
	}))
}

// NewClientFrom 包装一个已有的客户端，测试中用于注入 redismock
func NewClientFrom(c goredis.UniversalClient) *Client {
	return &Client{client: c, scripts: make(map[string]*goredis.Script)}
}

func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// LoadScriptFromContent 注册一个 Lua 脚本。脚本在首次执行时通过 EVALSHA 加载，
// 服务端缺少脚本时自动退回 EVAL。
func (c *Client) LoadScriptFromContent(name, content string) error {
	if name == "" || content == "" {
		return errors.New("script name and content must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = goredis.NewScript(content)
	return nil
}

// Script 返回已注册的脚本
func (c *Client) Script(name string) (*goredis.Script, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.scripts[name]
	return s, ok
}

// RunScript 执行已注册的脚本
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	script, ok := c.Script(name)
	if !ok {
		return nil, errors.Errorf("redis script %q is not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

func (c *Client) Close() error {
	return c.client.Close()
}
