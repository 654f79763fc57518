package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/krobus00/market-maker-service/internal/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSourceFetchWithoutQuote(t *testing.T) {
	source := NewStreamSource(config.FeedSourceConfig{Name: "stream"})

	quote, err := source.Fetch(context.Background())
	assert.Error(t, err)
	assert.True(t, quote.Failed())
	assert.Equal(t, "stream", quote.Source)
}

func TestStreamSourceCachesLatestTrade(t *testing.T) {
	source := NewStreamSource(config.FeedSourceConfig{Name: "stream"})

	require.NoError(t, source.handleMessage([]byte(`{"price": "100.5", "volume": "2"}`)))
	require.NoError(t, source.handleMessage([]byte(`{"price": "101", "volume": "3"}`)))

	quote, err := source.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, quote.Price.Equal(decimal.RequireFromString("101")))
	assert.True(t, quote.Volume.Equal(decimal.RequireFromString("3")))
}

func TestStreamSourceRejectsMalformedTrade(t *testing.T) {
	source := NewStreamSource(config.FeedSourceConfig{Name: "stream"})

	assert.ErrorIs(t, source.handleMessage([]byte(`{"volume": "3"}`)), ErrMalformedTicker)
	assert.ErrorIs(t, source.handleMessage([]byte(`{"price": "-1"}`)), ErrMalformedTicker)
}

func TestRunReleasesHelpersAcrossReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		// Drop the connection at once to force the client back into its
		// reconnect loop.
		_ = conn.Close()
	}))
	defer server.Close()

	source := NewStreamSource(config.FeedSourceConfig{
		Name: "flaky",
		URL:  "ws" + strings.TrimPrefix(server.URL, "http"),
	})

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go source.Run(ctx)

	require.Eventually(t, func() bool { return conns.Load() >= 6 },
		30*time.Second, 50*time.Millisecond, "stream source never churned through reconnects")

	// Every dropped connection must release its ping and close helpers;
	// only the run loop and the current attempt's goroutines may remain.
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+5
	}, 5*time.Second, 50*time.Millisecond, "helper goroutines pile up across reconnects")
}
