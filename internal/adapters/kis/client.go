package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kisTradeBot/internal/domain"
	"kisTradeBot/internal/ports"
)

// KIS transaction IDs per endpoint. Orders use different IDs for real
// and sandbox accounts.
const (
	trIDCurrentPrice = "FHKST01010100"
	trIDDailyPrices  = "FHKST03010100"

	trIDBuyReal     = "TTTC0802U"
	trIDBuySandbox  = "VTTC0802U"
	trIDSellReal    = "TTTC0801U"
	trIDSellSandbox = "VTTC0801U"
)

// Client implements ports.BrokerageAPI against the Korea Investment &
// Securities OpenAPI.
type Client struct {
	baseURL     string
	appKey      string
	appSecret   string
	accountNo   string // CANO
	productCode string // ACNT_PRDT_CD
	realAccount bool
	httpClient  *http.Client
	logger      ports.Logger
}

// Config holds configuration specific to the KIS client adapter.
type Config struct {
	BaseURL       string
	AppKey        string
	AppSecret     string
	AccountNumber string // "CANO-PRDT" form, e.g. "12345678-01"
	RealAccount   bool
	Timeout       time.Duration // HTTP timeout, defaults to 10s
	Logger        ports.Logger
}

// New creates a new KIS client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for KIS client")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for KIS client")
	}
	if cfg.AppKey == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("app key and app secret are required for KIS client")
	}

	parts := strings.Split(cfg.AccountNumber, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("account number %q is not in CANO-PRDT form: %w", cfg.AccountNumber, ports.ErrInvalidAccount)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		appKey:      cfg.AppKey,
		appSecret:   cfg.AppSecret,
		accountNo:   parts[0],
		productCode: parts[1],
		realAccount: cfg.RealAccount,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      cfg.Logger,
	}, nil
}

// APIError is a structured failure from the KIS API, carrying the
// machine-readable code and the human message from the response envelope.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("KIS API error (http %d, code %s): %s", e.HTTPStatus, e.Code, e.Message)
}

// IssueToken requests a fresh OAuth2 access token. A 403 from the token
// endpoint signals that another process holding the same credentials
// issued concurrently, and is reported as ports.ErrTokenContention so
// the credential broker can retry.
func (c *Client) IssueToken(ctx context.Context) (string, time.Duration, error) {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.appKey,
		"appsecret":  c.appSecret,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth2/tokenP", bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode == http.StatusForbidden {
		c.logger.Warn(ctx, "Token issuance rejected, likely a concurrent request from another process")
		return "", 0, fmt.Errorf("token endpoint returned 403: %w", ports.ErrTokenContention)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, &APIError{HTTPStatus: resp.StatusCode, Code: "HTTP", Message: strings.TrimSpace(string(raw))}
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", 0, fmt.Errorf("failed to decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", 0, fmt.Errorf("token response contained no access token: %w", ports.ErrTokenUnavailable)
	}

	c.logger.Info(ctx, "KIS OAuth2 token issued", map[string]interface{}{"expiresInSeconds": result.ExpiresIn})
	return result.AccessToken, time.Duration(result.ExpiresIn) * time.Second, nil
}

// envelope is the common KIS response wrapper.
type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

// CurrentPrice retrieves the latest traded price for a symbol.
func (c *Client) CurrentPrice(ctx context.Context, token, symbol string) (int64, error) {
	params := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {symbol},
	}

	var result struct {
		envelope
		Output struct {
			Price string `json:"stck_prpr"`
		} `json:"output"`
	}
	if err := c.get(ctx, "/uapi/domestic-stock/v1/quotations/inquire-price", trIDCurrentPrice, token, params, &result); err != nil {
		return 0, fmt.Errorf("failed to fetch current price for %s: %w", symbol, err)
	}
	if err := result.check(); err != nil {
		return 0, fmt.Errorf("current price request for %s rejected: %w", symbol, err)
	}

	price, err := strconv.ParseInt(result.Output.Price, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable current price %q for %s: %w", result.Output.Price, symbol, err)
	}
	c.logger.Debug(ctx, "Fetched current price", map[string]interface{}{"symbol": symbol, "price": price})
	return price, nil
}

// DailyPrices retrieves up to `days` most recent daily bars, newest first.
func (c *Client) DailyPrices(ctx context.Context, token, symbol string, days int) ([]domain.DailyPrice, error) {
	end := time.Now()
	// The range is padded so weekends and holidays still leave enough
	// trading days in the window.
	start := end.AddDate(0, 0, -days*2)

	params := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {symbol},
		"FID_INPUT_DATE_1":       {start.Format("20060102")},
		"FID_INPUT_DATE_2":       {end.Format("20060102")},
		"FID_PERIOD_DIV_CODE":    {"D"},
		"FID_ORG_ADJ_PRC":        {"0"},
	}

	var result struct {
		envelope
		Output2 []struct {
			Date   string `json:"stck_bsop_date"`
			Open   string `json:"stck_oprc"`
			High   string `json:"stck_hgpr"`
			Low    string `json:"stck_lwpr"`
			Close  string `json:"stck_clpr"`
			Volume string `json:"acml_vol"`
		} `json:"output2"`
	}
	if err := c.get(ctx, "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice", trIDDailyPrices, token, params, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch daily prices for %s: %w", symbol, err)
	}
	if err := result.check(); err != nil {
		return nil, fmt.Errorf("daily prices request for %s rejected: %w", symbol, err)
	}

	bars := make([]domain.DailyPrice, 0, days)
	for _, row := range result.Output2 {
		if len(bars) >= days {
			break
		}
		bars = append(bars, domain.DailyPrice{
			Date:   row.Date,
			Open:   parseWon(row.Open),
			High:   parseWon(row.High),
			Low:    parseWon(row.Low),
			Close:  parseWon(row.Close),
			Volume: parseWon(row.Volume),
		})
	}
	c.logger.Debug(ctx, "Fetched daily prices", map[string]interface{}{"symbol": symbol, "bars": len(bars)})
	return bars, nil
}

// PlaceOrder submits a market order (ORD_DVSN 01, unit price 0) and
// returns the brokerage order ID.
func (c *Client) PlaceOrder(ctx context.Context, token, symbol string, side domain.OrderSide, quantity int64) (string, error) {
	if quantity <= 0 {
		return "", fmt.Errorf("order quantity must be positive, got %d: %w", quantity, ports.ErrOrderRejected)
	}

	trID := c.orderTrID(side)
	body := map[string]string{
		"CANO":         c.accountNo,
		"ACNT_PRDT_CD": c.productCode,
		"PDNO":         symbol,
		"ORD_DVSN":     "01", // market order
		"ORD_QTY":      strconv.FormatInt(quantity, 10),
		"ORD_UNPR":     "0", // market orders carry no unit price
	}

	var result struct {
		envelope
		Output struct {
			OrderOrg string `json:"KRX_FWDG_ORD_ORGNO"`
			OrderNo  string `json:"ODNO"`
		} `json:"output"`
	}
	if err := c.post(ctx, "/uapi/domestic-stock/v1/trading/order-cash", trID, token, body, &result); err != nil {
		return "", fmt.Errorf("failed to place %s order for %s: %w", side, symbol, err)
	}
	if err := result.check(); err != nil {
		return "", fmt.Errorf("%s order for %s rejected: %w", side, symbol, errors.Join(ports.ErrOrderRejected, err))
	}

	orderID := result.Output.OrderOrg + result.Output.OrderNo
	c.logger.Info(ctx, "Order submitted", map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"quantity": quantity,
		"orderID":  orderID,
	})
	return orderID, nil
}

func (c *Client) orderTrID(side domain.OrderSide) string {
	if side == domain.Buy {
		if c.realAccount {
			return trIDBuyReal
		}
		return trIDBuySandbox
	}
	if c.realAccount {
		return trIDSellReal
	}
	return trIDSellSandbox
}

// check converts a non-zero rt_cd envelope into an APIError.
func (e envelope) check() error {
	if e.RtCd != "0" {
		return &APIError{HTTPStatus: http.StatusOK, Code: e.MsgCd, Message: e.Msg1}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path, trID, token string, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req, trID, token)
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path, trID, token string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req, trID, token)
	return c.do(req, out)
}

func (c *Client) setHeaders(req *http.Request, trID, token string) {
	req.Header.Set("content-type", "application/json")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", c.appKey)
	req.Header.Set("appsecret", c.appSecret)
	req.Header.Set("tr_id", trID)
	req.Header.Set("custtype", "P")
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("http 429: %w", ports.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return &APIError{HTTPStatus: resp.StatusCode, Code: "HTTP", Message: strings.TrimSpace(string(raw))}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseWon parses an integer price field, returning 0 for blank or
// malformed values (daily bars occasionally carry empty strings).
func parseWon(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

var _ ports.BrokerageAPI = (*Client)(nil)
