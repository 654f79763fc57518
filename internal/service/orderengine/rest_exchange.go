package orderengine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-maker-service/internal/config"
	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultRecvWindow       = int64(5000)
	defaultExchangeTimeout  = 15 * time.Second
	precisionCacheLifetime  = 1 * time.Hour
	insufficientBalanceCode = -2010
	invalidOrderCode        = -1013
	unknownOrderCode        = -2011
)

// RESTExchange talks to a spot exchange's signed REST API and implements
// OrderEngine for one market.
type RESTExchange struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow int64
	market     entity.Market
	httpClient *http.Client

	precisionMu        sync.RWMutex
	precisionFetchedAt time.Time
	basePrecision      int32
	quotePrecision     int32
}

func NewRESTExchange(cfg config.ExchangeConfig, market entity.Market) *RESTExchange {
	recvWindow := cfg.RecvWindow
	if recvWindow <= 0 || recvWindow > 60000 {
		recvWindow = defaultRecvWindow
	}

	return &RESTExchange{
		apiKey:         strings.TrimSpace(cfg.APIKey),
		apiSecret:      strings.TrimSpace(cfg.APISecret),
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		recvWindow:     recvWindow,
		market:         market,
		httpClient:     &http.Client{Timeout: defaultExchangeTimeout},
		basePrecision:  market.Base.Precision,
		quotePrecision: market.Quote.Precision,
	}
}

func (e *RESTExchange) PlaceOrder(ctx context.Context, side entity.OrderSide, price, amount decimal.Decimal) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if e.apiKey == "" || e.apiSecret == "" {
		return "", fmt.Errorf("exchange credentials are missing in config")
	}

	basePrecision, quotePrecision := e.symbolPrecision(ctx)

	normalizedAmount := amount.Truncate(basePrecision)
	if !normalizedAmount.GreaterThan(decimal.Zero) {
		return "", fmt.Errorf("%w: amount %s truncates to zero at precision %d", ErrRejectedByExchange, amount.String(), basePrecision)
	}

	normalizedPrice := price.Truncate(quotePrecision)
	if !normalizedPrice.GreaterThan(decimal.Zero) {
		return "", fmt.Errorf("%w: price %s truncates to zero at precision %d", ErrRejectedByExchange, price.String(), quotePrecision)
	}

	pairs := []string{
		"symbol=" + e.market.Symbol(),
		"side=" + string(side),
		"type=LIMIT",
		"timeInForce=GTC",
		"quantity=" + normalizedAmount.String(),
		"price=" + normalizedPrice.String(),
		"timestamp=" + strconv.FormatInt(time.Now().UnixMilli(), 10),
		"recvWindow=" + strconv.FormatInt(e.recvWindow, 10),
	}

	var placed struct {
		OrderID int64 `json:"orderId"`
	}
	if err := e.signedRequest(ctx, http.MethodPost, "/api/v3/order", strings.Join(pairs, "&"), &placed); err != nil {
		return "", err
	}

	orderID := strconv.FormatInt(placed.OrderID, 10)

	logrus.WithFields(logrus.Fields{
		"symbol":   e.market.Symbol(),
		"side":     side,
		"price":    normalizedPrice.String(),
		"quantity": normalizedAmount.String(),
		"order_id": orderID,
	}).Info("order placed")

	return orderID, nil
}

func (e *RESTExchange) CancelOrder(ctx context.Context, orderID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	pairs := []string{
		"symbol=" + e.market.Symbol(),
		"orderId=" + orderID,
		"timestamp=" + strconv.FormatInt(time.Now().UnixMilli(), 10),
		"recvWindow=" + strconv.FormatInt(e.recvWindow, 10),
	}

	if err := e.signedRequest(ctx, http.MethodDelete, "/api/v3/order", strings.Join(pairs, "&"), nil); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"symbol":   e.market.Symbol(),
		"order_id": orderID,
	}).Info("order cancelled")

	return nil
}

func (e *RESTExchange) ListOpenOrders(ctx context.Context) ([]entity.Order, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	pairs := []string{
		"symbol=" + e.market.Symbol(),
		"timestamp=" + strconv.FormatInt(time.Now().UnixMilli(), 10),
		"recvWindow=" + strconv.FormatInt(e.recvWindow, 10),
	}

	var raw []struct {
		OrderID       int64  `json:"orderId"`
		Side          string `json:"side"`
		Price         string `json:"price"`
		OrigQty       string `json:"origQty"`
		ClientOrderID string `json:"clientOrderId"`
	}
	if err := e.signedRequest(ctx, http.MethodGet, "/api/v3/openOrders", strings.Join(pairs, "&"), &raw); err != nil {
		return nil, err
	}

	orders := make([]entity.Order, 0, len(raw))
	for _, item := range raw {
		price, err := decimal.NewFromString(item.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid open order price %q: %w", item.Price, err)
		}

		amount, err := decimal.NewFromString(item.OrigQty)
		if err != nil {
			return nil, fmt.Errorf("invalid open order quantity %q: %w", item.OrigQty, err)
		}

		order := entity.Order{
			Side:   entity.OrderSide(strings.ToUpper(item.Side)),
			Price:  price,
			Amount: amount,
		}
		order.OrderID.SetValid(strconv.FormatInt(item.OrderID, 10))
		if item.ClientOrderID != "" {
			order.Custom.SetValid(item.ClientOrderID)
		}

		orders = append(orders, order)
	}

	return orders, nil
}

func (e *RESTExchange) Balances(ctx context.Context) (entity.AccountBalances, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	pairs := []string{
		"timestamp=" + strconv.FormatInt(time.Now().UnixMilli(), 10),
		"recvWindow=" + strconv.FormatInt(e.recvWindow, 10),
	}

	var account struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := e.signedRequest(ctx, http.MethodGet, "/api/v3/account", strings.Join(pairs, "&"), &account); err != nil {
		return nil, err
	}

	balances := make(entity.AccountBalances, len(account.Balances))
	for _, item := range account.Balances {
		free, err := decimal.NewFromString(item.Free)
		if err != nil {
			return nil, fmt.Errorf("invalid balance for %s: %w", item.Asset, err)
		}
		balances[item.Asset] = free
	}

	return balances, nil
}

// signedRequest signs the query payload, performs the request and decodes
// the response into out, mapping exchange error codes onto the engine's
// error taxonomy.
func (e *RESTExchange) signedRequest(ctx context.Context, method, path, payload string, out any) error {
	signature := hmacSHA256Hex(e.apiSecret, payload)
	signedPayload := payload + "&signature=" + signature

	endpoint := e.baseURL + path
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(signedPayload)
	} else {
		endpoint += "?" + signedPayload
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}

	req.Header.Set("X-MBX-APIKEY", e.apiKey)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return mapExchangeError(resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("exchange response parse failed: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	return nil
}

func mapExchangeError(statusCode int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return fmt.Errorf("exchange request failed: status=%d body=%s", statusCode, string(body))
	}

	switch apiErr.Code {
	case insufficientBalanceCode:
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, apiErr.Msg)
	case invalidOrderCode:
		return fmt.Errorf("%w: %s", ErrRejectedByExchange, apiErr.Msg)
	case unknownOrderCode:
		return fmt.Errorf("%w: %s", ErrOrderNotFound, apiErr.Msg)
	}

	return fmt.Errorf("exchange request failed: status=%d code=%d message=%s", statusCode, apiErr.Code, apiErr.Msg)
}

// symbolPrecision serves configured precisions, refreshed from the exchange
// filters when the cache expires. Falls back to configuration on failure.
func (e *RESTExchange) symbolPrecision(ctx context.Context) (base, quote int32) {
	e.precisionMu.RLock()
	fetchedAt := e.precisionFetchedAt
	base, quote = e.basePrecision, e.quotePrecision
	e.precisionMu.RUnlock()

	if time.Since(fetchedAt) < precisionCacheLifetime {
		return base, quote
	}

	var info struct {
		Symbols []struct {
			Symbol         string `json:"symbol"`
			BasePrecision  int32  `json:"baseAssetPrecision"`
			QuotePrecision int32  `json:"quoteAssetPrecision"`
		} `json:"symbols"`
	}

	endpoint := e.baseURL + "/api/v3/exchangeInfo?symbol=" + strings.ToUpper(e.market.Symbol())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return base, quote
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		logrus.Warnf("failed to refresh symbol precision: %v", err)
		return base, quote
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode >= http.StatusBadRequest {
		logrus.Warnf("failed to refresh symbol precision: status=%d", resp.StatusCode)
		return base, quote
	}

	if err := json.Unmarshal(respBody, &info); err != nil || len(info.Symbols) == 0 {
		return base, quote
	}

	e.precisionMu.Lock()
	e.basePrecision = info.Symbols[0].BasePrecision
	e.quotePrecision = info.Symbols[0].QuotePrecision
	e.precisionFetchedAt = time.Now()
	base, quote = e.basePrecision, e.quotePrecision
	e.precisionMu.Unlock()

	return base, quote
}

func hmacSHA256Hex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
