package futures_usdt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joehajt/tradingbotappweb/pkg/cache"
	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

const venue = "binance usdt futures"

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64         // ms
	BaseURL    string        // overrides the mainnet/testnet host
	QuoteAsset string        // balance asset, USDT by default
	PriceTTL   time.Duration // ticker prices are reused this long; 0 disables
}

// Client handles Binance USDT-M futures and implements common.Gateway.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weight     *common.WeightTracker
	logger     *zap.Logger
	prices     *cache.PriceCache

	rulesMu sync.RWMutex
	rules   map[string]common.SymbolRules
}

var _ common.Gateway = (*Client)(nil)

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("binance"),
		rules:      make(map[string]common.SymbolRules),
	}
	if cfg.PriceTTL > 0 {
		c.prices = cache.NewPriceCache(cfg.PriceTTL)
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, c.logger)
	c.weight = common.NewWeightTracker(2400, time.Minute, c.logger) // 2400 weight/min for futures
	return c
}

// TimeSync exposes the clock offset tracker so callers can Start it.
func (c *Client) TimeSync() *common.TimeSync {
	return c.timeSync
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

func (c *Client) requireKeys() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binance usdt futures: API key/secret required")
	}
	return nil
}

// GetPrice returns the last traded price.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if c.prices != nil {
		return c.prices.Fetch(ctx, symbol, c.fetchPrice)
	}
	return c.fetchPrice(ctx, symbol)
}

func (c *Client) fetchPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/fapi/v1/ticker/price", params)
	if err != nil {
		return 0, err
	}
	var tp tickerPrice
	if err := json.Unmarshal(body, &tp); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	price := parseFloat(tp.Price)
	if price <= 0 {
		return 0, fmt.Errorf("binance usdt futures: invalid price %q for %s", tp.Price, symbol)
	}
	return price, nil
}

// GetSymbolRules returns tick/lot rules, cached after the first lookup.
func (c *Client) GetSymbolRules(ctx context.Context, symbol string) (common.SymbolRules, error) {
	c.rulesMu.RLock()
	r, ok := c.rules[symbol]
	c.rulesMu.RUnlock()
	if ok {
		return r, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", params)
	if err != nil {
		return common.SymbolRules{}, err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return common.SymbolRules{}, fmt.Errorf("decode exchange info: %w", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := common.SymbolRules{Symbol: symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rules.TickSize = parseFloat(f.TickSize)
			case "LOT_SIZE":
				rules.LotSize = parseFloat(f.StepSize)
				rules.MinQty = parseFloat(f.MinQty)
			case "MIN_NOTIONAL":
				rules.MinNotional = parseFloat(f.Notional)
			}
		}
		c.rulesMu.Lock()
		c.rules[symbol] = rules
		c.rulesMu.Unlock()
		return rules, nil
	}
	return common.SymbolRules{}, &common.APIError{Venue: venue, StatusCode: http.StatusBadRequest, Msg: "unknown symbol " + symbol}
}

// GetBalance returns the available balance of the quote asset.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	if err := c.requireKeys(); err != nil {
		return 0, err
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", c.signedParams())
	if err != nil {
		return 0, err
	}
	var bal []FuturesBalance
	if err := json.Unmarshal(body, &bal); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, b := range bal {
		if strings.EqualFold(b.Asset, c.cfg.QuoteAsset) {
			return parseFloat(b.AvailableBalance), nil
		}
	}
	return 0, nil
}

// GetMarginRatio returns margin balance over maintenance margin. With no
// open exposure the ratio is +Inf.
func (c *Client) GetMarginRatio(ctx context.Context) (float64, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return 0, err
	}
	maint := parseFloat(info.TotalMaintMargin)
	if maint <= 0 {
		return math.Inf(1), nil
	}
	return parseFloat(info.TotalMarginBalance) / maint, nil
}

// GetAccountInfo returns futures account totals.
func (c *Client) GetAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/account", c.signedParams())
	if err != nil {
		return nil, err
	}
	var info FuturesAccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := c.signedParams()
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// SetPositionMode switches between one-way and hedge mode. Asking for the
// mode the account is already in is not an error.
func (c *Client) SetPositionMode(ctx context.Context, mode common.PositionMode) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := c.signedParams()
	params.Set("dualSidePosition", strconv.FormatBool(mode == common.PositionModeHedge))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params)
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeNoNeedToChangeSide {
		return nil
	}
	return err
}

// SubmitOrder places an order.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderResult{}, err
	}
	params := c.signedParams()
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("newOrderRespType", "RESULT")

	if req.Type == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", string(toBinanceTIF(req.TimeInForce)))
	}
	if req.Type.Conditional() {
		params.Set("stopPrice", formatFloat(req.StopPrice))
		workingType := req.WorkingType
		if workingType == "" {
			workingType = "MARK_PRICE"
		}
		params.Set("workingType", workingType)
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	} else if req.ReduceOnly {
		// reduceOnly is rejected in hedge mode, where positionSide carries the intent.
		params.Set("reduceOnly", "true")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapStatus(resp.Status),
		ClientID:        resp.ClientOrderID,
		AvgPrice:        parseFloat(resp.AvgPrice),
		ExecutedQty:     parseFloat(resp.ExecutedQty),
	}, nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := c.signedParams()
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return notFound(err)
}

// GetOrderStatus queries a single order.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (common.OrderInfo, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderInfo{}, err
	}
	params := c.signedParams()
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderInfo{}, notFound(err)
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderInfo{}, fmt.Errorf("decode order status: %w", err)
	}
	return common.OrderInfo{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Symbol:          resp.Symbol,
		Status:          mapStatus(resp.Status),
		Type:            common.OrderType(resp.Type),
		Side:            common.Side(resp.Side),
		OrigQty:         parseFloat(resp.OrigQty),
		ExecutedQty:     parseFloat(resp.ExecutedQty),
		AvgPrice:        parseFloat(resp.AvgPrice),
		StopPrice:       parseFloat(resp.StopPrice),
		UpdatedAt:       time.UnixMilli(resp.UpdateTime),
	}, nil
}

// GetOpenPosition returns the net position for a symbol. In hedge mode the
// two legs are summed.
func (c *Client) GetOpenPosition(ctx context.Context, symbol string) (common.OpenPosition, error) {
	rows, err := c.GetPositions(ctx, symbol)
	if err != nil {
		return common.OpenPosition{}, err
	}
	out := common.OpenPosition{Symbol: symbol}
	for _, r := range rows {
		if r.Symbol != symbol {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		out.Amount += amt
		if amt != 0 {
			out.EntryPrice = parseFloat(r.EntryPrice)
		}
		out.MarkPrice = parseFloat(r.MarkPrice)
		if lev, err := strconv.Atoi(r.Leverage); err == nil {
			out.Leverage = lev
		}
	}
	return out, nil
}

// GetPositions returns the position risk view; symbol optional.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	params := c.signedParams()
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var pos []PositionRisk
	if err := json.Unmarshal(body, &pos); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return pos, nil
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (c *Client) signedParams() url.Values {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	return params
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// doSigned handles signing and sending requests.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if c.weight != nil {
		c.weight.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL.Path, err)
	}
	if res.StatusCode >= 300 {
		apiErr := &common.APIError{Venue: venue, StatusCode: res.StatusCode, Msg: string(body)}
		var eb apiErrorBody
		if json.Unmarshal(body, &eb) == nil && eb.Code != 0 {
			apiErr.Code = eb.Code
			apiErr.Msg = eb.Msg
		}
		c.logger.Debug("request failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", res.StatusCode),
			zap.Int("code", apiErr.Code))
		return nil, apiErr
	}
	return body, nil
}

func notFound(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && (apiErr.Code == codeUnknownOrder || apiErr.Code == codeOrderNotExist) {
		return fmt.Errorf("%w: %s", common.ErrOrderNotFound, apiErr.Msg)
	}
	return err
}
