package orderengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/krobus00/market-maker-service/internal/config"
	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExchange(serverURL string) *RESTExchange {
	return NewRESTExchange(config.ExchangeConfig{
		BaseURL:   serverURL,
		APIKey:    "test-key",
		APISecret: "test-secret",
	}, entity.Market{
		Base:  entity.Asset{Symbol: "ETH", Precision: 4},
		Quote: entity.Asset{Symbol: "USDT", Precision: 2},
	})
}

func TestPlaceOrder(t *testing.T) {
	var gotPath, gotAPIKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-MBX-APIKEY")
		_, _ = w.Write([]byte(`{"orderId": 12345}`))
	}))
	defer server.Close()

	orderID, err := testExchange(server.URL).PlaceOrder(context.Background(),
		entity.OrderSideBuy,
		decimal.RequireFromString("99.123456"),
		decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.Equal(t, "12345", orderID)
	assert.Equal(t, "/api/v3/order", gotPath)
	assert.Equal(t, "test-key", gotAPIKey)
}

func TestPlaceOrderAmountTruncatesToZero(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/order" {
			t.Error("order request should never reach the exchange")
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := testExchange(server.URL).PlaceOrder(context.Background(),
		entity.OrderSideBuy,
		decimal.RequireFromString("100"),
		decimal.RequireFromString("0.00001"))
	assert.ErrorIs(t, err, ErrRejectedByExchange)
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "insufficient balance", body: `{"code": -2010, "msg": "Account has insufficient balance"}`, want: ErrInsufficientBalance},
		{name: "invalid order", body: `{"code": -1013, "msg": "Filter failure: PRICE_FILTER"}`, want: ErrRejectedByExchange},
		{name: "unknown order", body: `{"code": -2011, "msg": "Unknown order sent"}`, want: ErrOrderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := testExchange(server.URL).PlaceOrder(context.Background(),
				entity.OrderSideBuy,
				decimal.RequireFromString("100"),
				decimal.RequireFromString("1"))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestListOpenOrders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
			{"orderId": 1, "side": "BUY", "price": "99.00", "origQty": "1.5", "clientOrderId": "B0"},
			{"orderId": 2, "side": "SELL", "price": "101.00", "origQty": "1.5", "clientOrderId": ""}
		]`))
	}))
	defer server.Close()

	orders, err := testExchange(server.URL).ListOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, "1", orders[0].OrderID.String)
	assert.Equal(t, entity.OrderSideBuy, orders[0].Side)
	assert.Equal(t, "B0", orders[0].Custom.String)
	assert.False(t, orders[1].Custom.Valid)
}

func TestBalances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"balances": [
			{"asset": "ETH", "free": "2.5"},
			{"asset": "USDT", "free": "1000"}
		]}`))
	}))
	defer server.Close()

	balances, err := testExchange(server.URL).Balances(context.Background())
	require.NoError(t, err)
	assert.True(t, balances.Get("ETH").Equal(decimal.RequireFromString("2.5")))
	assert.True(t, balances.Get("USDT").Equal(decimal.RequireFromString("1000")))
	assert.True(t, balances.Get("BTC").IsZero())
}
