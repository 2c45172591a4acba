package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/service/inventory/domain"
)

func dialStream(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStockStream_DeliversSubscribedSKUs(t *testing.T) {
	stream := NewStockStream()
	mux := http.NewServeMux()
	mux.Handle("GET /stream", stream)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialStream(t, srv, "sku=SKU-A&sku=SKU-C")
	require.Eventually(t, func() bool { return stream.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	err := stream.Publish(context.Background(),
		domain.StockEvent{Type: domain.EventHoldPlaced, SKU: "SKU-B", Qty: 1},
		domain.StockEvent{Type: domain.EventHoldPlaced, SKU: "SKU-A", Qty: 2, AvailableQty: 8},
	)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var got domain.StockEvent
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "SKU-A", got.SKU)
	assert.Equal(t, 8, got.AvailableQty)

	require.NoError(t, stream.Close(context.Background()))
	assert.Equal(t, 0, stream.Subscribers())
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStockStream_RequiresSKU(t *testing.T) {
	srv := httptest.NewServer(NewStockStream())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
