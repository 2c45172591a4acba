package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"stockledger/internal/pkg/logger"
	"stockledger/internal/service/inventory/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBufferSize = 64
)

// StockStream 通过 WebSocket 向商品页推送库存事件，连接时用 ?sku= 指定关心的 SKU（可重复）。
// 它实现了 port.EventPublisher，由应用服务在台账变更提交后调用。
type StockStream struct {
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	skus map[string]struct{}
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// NewStockStream 创建推送中心
func NewStockStream() *StockStream {
	return &StockStream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // 跨域由网关控制
		},
		subscribers: make(map[*subscriber]struct{}),
	}
}

// ServeHTTP 把请求升级为 WebSocket 并注册订阅
func (s *StockStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	skus := r.URL.Query()["sku"]
	if len(skus) == 0 {
		writeError(r.Context(), w, errors.Wrap(domain.ErrInvalidArgument, "at least one sku is required"))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := &subscriber{conn: conn, skus: make(map[string]struct{}, len(skus)), send: make(chan []byte, sendBufferSize)}
	for _, sku := range skus {
		sub.skus[sku] = struct{}{}
	}
	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	go s.writePump(sub)
	go s.readPump(sub)
}

// Publish 把事件推送给订阅了对应 SKU 的连接。发送缓冲已满的慢连接会被断开，不会阻塞调用方。
func (s *StockStream) Publish(ctx context.Context, events ...domain.StockEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "failed to encode stock event")
		}
		for sub := range s.subscribers {
			if _, ok := sub.skus[e.SKU]; !ok {
				continue
			}
			select {
			case sub.send <- payload:
			default:
				logger.Ctx(ctx).Warn().Str("sku", e.SKU).Msg("stock stream subscriber too slow, disconnecting")
				delete(s.subscribers, sub)
				sub.close()
			}
		}
	}
	return nil
}

// Subscribers 返回当前连接数
func (s *StockStream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Close 断开所有连接
func (s *StockStream) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		sub.close()
		delete(s.subscribers, sub)
	}
	return nil
}

func (s *StockStream) remove(sub *subscriber) {
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
	sub.close()
}

// writePump 是连接唯一的写入者，负责事件与心跳
func (s *StockStream) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.remove(sub)
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.remove(sub)
				return
			}
		}
	}
}

// readPump 只处理 pong 与关闭帧，客户端发来的其他消息被忽略
func (s *StockStream) readPump(sub *subscriber) {
	defer s.remove(sub)
	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}
