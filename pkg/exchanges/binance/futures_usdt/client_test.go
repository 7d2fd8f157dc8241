package futures_usdt

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL}, zaptest.NewLogger(t))
}

func TestGetSymbolRulesParsesFiltersAndCaches(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		_, _ = io.WriteString(w, `{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.10"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
			{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`)
	})

	rules, err := c.GetSymbolRules(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.1, rules.TickSize)
	assert.Equal(t, 0.001, rules.LotSize)
	assert.Equal(t, 0.001, rules.MinQty)
	assert.Equal(t, 100.0, rules.MinNotional)

	_, err = c.GetSymbolRules(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestGetPriceIsCachedWithinTTL(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/fapi/v1/ticker/price", r.URL.Path)
		_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","price":"50123.4"}`)
	}))
	defer srv.Close()
	c := NewClient(Config{BaseURL: srv.URL, PriceTTL: time.Minute}, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		price, err := c.GetPrice(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, 50123.4, price)
	}
	assert.Equal(t, 1, calls)
}

func TestSubmitOrderSignsAndMapsResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		body, _ := io.ReadAll(r.Body)
		form, err := url.ParseQuery(string(body))
		assert.NoError(t, err)
		assert.Equal(t, "STOP_MARKET", form.Get("type"))
		assert.Equal(t, "49000", form.Get("stopPrice"))
		assert.Equal(t, "true", form.Get("reduceOnly"))
		assert.NotEmpty(t, form.Get("signature"))
		_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"abc","status":"NEW","avgPrice":"0","executedQty":"0"}`)
	})

	res, err := c.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       common.SideSell,
		Type:       common.OrderTypeStopMarket,
		Qty:        0.01,
		StopPrice:  49000,
		ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", res.ExchangeOrderID)
	assert.Equal(t, common.StatusNew, res.Status)
}

func TestRejectionIsClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":-2019,"msg":"Margin is insufficient."}`)
	})

	_, err := c.SubmitOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1})
	require.Error(t, err)
	var apiErr *common.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -2019, apiErr.Code)
	assert.True(t, common.IsRejected(err))
}

func TestUnknownOrderMapsToNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":-2011,"msg":"Unknown order sent."}`)
	})

	err := c.CancelOrder(context.Background(), "BTCUSDT", "7")
	assert.ErrorIs(t, err, common.ErrOrderNotFound)
}

func TestSetPositionModeTreatsNoChangeAsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":-4059,"msg":"No need to change position side."}`)
	})

	assert.NoError(t, c.SetPositionMode(context.Background(), common.PositionModeOneWay))
}

func TestGetOpenPositionAndMarginRatio(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/positionRisk":
			_, _ = io.WriteString(w, `[{"symbol":"ETHUSDT","positionSide":"BOTH","positionAmt":"-0.500","entryPrice":"3000","markPrice":"2990","leverage":"10"}]`)
		case "/fapi/v2/account":
			_, _ = io.WriteString(w, `{"canTrade":true,"totalMarginBalance":"300","totalMaintMargin":"100"}`)
		default:
			http.NotFound(w, r)
		}
	})

	pos, err := c.GetOpenPosition(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, -0.5, pos.Amount)
	assert.Equal(t, 3000.0, pos.EntryPrice)
	assert.Equal(t, 10, pos.Leverage)

	ratio, err := c.GetMarginRatio(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3.0, ratio, 1e-9)
}

func TestMarginRatioWithoutExposureIsInfinite(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"totalMarginBalance":"300","totalMaintMargin":"0"}`)
	})
	ratio, err := c.GetMarginRatio(context.Background())
	require.NoError(t, err)
	assert.True(t, math.IsInf(ratio, 1))
}

func TestSignedCallsRequireKeys(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	_, err := c.GetBalance(context.Background())
	assert.Error(t, err)
}
