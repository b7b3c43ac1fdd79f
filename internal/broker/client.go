// Package broker provides the HTTPS client for the Korea Investment
// securities open API: header construction, TR-ID selection, rate-limited
// request/response with retry classification, and the typed operations the
// trading engine consumes.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/seoulquant/kisbot/internal/models"
	"github.com/seoulquant/kisbot/internal/util"
)

// transportTimeout bounds every single HTTP exchange.
const transportTimeout = 10 * time.Second

// Retry attempt caps: idempotent reads may retry more than order placement.
const (
	maxReadAttempts  = 5
	maxOrderAttempts = 3
)

// TokenSource supplies a usable access token for the client's account.
type TokenSource interface {
	GetValid(ctx context.Context) (string, error)
}

// Limiter is the admission gate consulted before every request.
type Limiter interface {
	Acquire(ctx context.Context) error
	RecordStatus(code int)
}

// FillListener is notified after an order submission completes so account
// state can be invalidated and refreshed.
type FillListener interface {
	NotifyTradeCompleted(side models.Side, symbol string, accepted bool)
}

// Client is the rate-limited, retry-safe API client for one account.
type Client struct {
	httpClient *http.Client
	account    *models.Account
	tokens     TokenSource
	limiter    Limiter
	logger     *log.Logger

	// dryRun downgrades order placement to simulated acknowledgments.
	dryRun bool
	// readOnly refuses all order placement; set on clients borrowed for
	// cross-environment market-data reads.
	readOnly bool

	fills FillListener

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client for account using tokens and limiter.
func NewClient(account *models.Account, tokens TokenSource, limiter Limiter, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "broker: ", log.LstdFlags)
	}
	return &Client{
		httpClient: &http.Client{Timeout: transportTimeout},
		account:    account,
		tokens:     tokens,
		limiter:    limiter,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithDryRun downgrades order placement to simulated acknowledgments that
// are never transmitted. Results are marked Simulated.
func (c *Client) WithDryRun(on bool) *Client {
	c.dryRun = on
	return c
}

// ReadOnly marks the client as market-data-only; order placement is refused.
func (c *Client) ReadOnly() *Client {
	c.readOnly = true
	return c
}

// SetFillListener registers the collaborator notified after order
// submissions. At most one listener is supported.
func (c *Client) SetFillListener(l FillListener) {
	c.fills = l
}

// Account returns the account this client operates.
func (c *Client) Account() *models.Account { return c.account }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ============ Token Issuance ============

// IssueToken mints a fresh access token for account via the client
// credentials grant. It bypasses the rate limiter and token source since it
// is what the token service itself calls.
func IssueToken(ctx context.Context, hc *http.Client, account *models.Account) (*models.Token, error) {
	if hc == nil {
		hc = &http.Client{Timeout: transportTimeout}
	}

	body, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     account.AppKey,
		"appsecret":  account.AppSecret,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		account.RESTURL+"/oauth2/tokenP", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer closeBody(resp, nil)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("token response read: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, &APIError{Kind: FailServer, Status: resp.StatusCode,
			BrokerMessage: "unparseable token response", Err: err}
	}

	if resp.StatusCode >= 400 || tr.AccessToken == "" {
		kind := FailClient
		if resp.StatusCode >= 500 {
			kind = FailServer
		}
		return nil, &APIError{
			Kind:          kind,
			Status:        resp.StatusCode,
			BrokerCode:    tr.ErrorCode,
			BrokerMessage: tr.ErrorDescription,
		}
	}

	now := time.Now()
	expires := tr.ExpiresIn
	if expires <= 0 {
		expires = 86400
	}
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &models.Token{
		Kind:        account.Kind,
		AccessToken: tr.AccessToken,
		TokenType:   tokenType,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Duration(expires) * time.Second),
	}, nil
}

// ============ Request Core ============

// call performs one classified, rate-limited, retried request.
// When acceptReject is true an HTTP 200 with a non-success rt_cd is
// returned to the caller instead of becoming a ClientError (order
// acknowledgments carry their rejection in the result).
func (c *Client) call(ctx context.Context, op Operation, method, path string,
	query url.Values, body []byte, extraHeaders map[string]string,
	out enveloped, acceptReject bool) (json.RawMessage, error) {

	tr, err := trID(op, c.account.Kind)
	if err != nil {
		return nil, &APIError{Kind: FailClient, BrokerMessage: err.Error()}
	}

	maxAttempts := maxReadAttempts
	if isOrderOp(op) {
		maxAttempts = maxOrderAttempts
	}

	endpoint := c.account.RESTURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		raw, status, err := c.doOnce(ctx, method, endpoint, tr, body, extraHeaders)
		if err != nil {
			// Transport failure: timeout, connection reset.
			lastErr = err
			if attempt == maxAttempts-1 {
				return nil, &APIError{Kind: FailNetwork, Attempts: maxAttempts, Err: err}
			}
			backoff := time.Duration(3*(attempt+1)) * time.Second
			if isOrderOp(op) {
				backoff = time.Duration(10*(attempt+1)) * time.Second
				c.httpClient.CloseIdleConnections()
			}
			c.logger.Printf("transport failure on %s (attempt %d/%d), retrying in %v: %v",
				op, attempt+1, maxAttempts, backoff, err)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			continue
		}

		c.limiter.RecordStatus(status)

		switch {
		case status == http.StatusOK:
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, &APIError{Kind: FailServer, Status: status,
					BrokerMessage: "unparseable response body", Err: err}
			}
			env := out.env()
			if env.ok() {
				return raw, nil
			}
			if isRateLimitMessage(env.Msg1) {
				lastErr = &APIError{Kind: FailServer, Status: status,
					BrokerCode: env.MsgCd, BrokerMessage: env.Msg1}
				if attempt == maxAttempts-1 {
					return nil, &APIError{Kind: FailServer, Status: status,
						BrokerCode: env.MsgCd, BrokerMessage: env.Msg1, Attempts: maxAttempts}
				}
				backoff := expBackoff(attempt, 10*time.Second)
				c.logger.Printf("broker throttled %s (attempt %d/%d), retrying in %v",
					op, attempt+1, maxAttempts, backoff)
				if err := c.sleep(ctx, backoff); err != nil {
					return nil, err
				}
				continue
			}
			if acceptReject {
				return raw, nil
			}
			return nil, &APIError{Kind: FailClient, Status: status,
				BrokerCode: env.MsgCd, BrokerMessage: env.Msg1}

		case status == http.StatusTooManyRequests:
			lastErr = &APIError{Kind: FailServer, Status: status}
			if attempt == maxAttempts-1 {
				return nil, &APIError{Kind: FailServer, Status: status, Attempts: maxAttempts}
			}
			backoff := expBackoff(attempt, 10*time.Second)
			c.logger.Printf("HTTP 429 on %s (attempt %d/%d), retrying in %v",
				op, attempt+1, maxAttempts, backoff)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			continue

		case status >= 500:
			code, msg := decodeErrorEnvelope(raw)
			rateLimited := code == gatewayRateLimitCode || isRateLimitMessage(msg) ||
				bytes.Contains(raw, []byte(gatewayRateLimitCode))
			lastErr = &APIError{Kind: FailServer, Status: status, BrokerCode: code, BrokerMessage: msg}
			if attempt == maxAttempts-1 {
				return nil, &APIError{Kind: FailServer, Status: status,
					BrokerCode: code, BrokerMessage: msg, Attempts: maxAttempts}
			}
			var backoff time.Duration
			if rateLimited {
				backoff = expBackoff(attempt, 15*time.Second)
				c.logger.Printf("gateway rate limit on %s (attempt %d/%d), retrying in %v",
					op, attempt+1, maxAttempts, backoff)
			} else {
				backoff = time.Duration(5*(attempt+1)) * time.Second
				c.logger.Printf("HTTP %d on %s (attempt %d/%d), retrying in %v",
					status, op, attempt+1, maxAttempts, backoff)
			}
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			continue

		default:
			// Other 4xx: terminal, no retry.
			code, msg := decodeErrorEnvelope(raw)
			return nil, &APIError{Kind: FailClient, Status: status,
				BrokerCode: code, BrokerMessage: msg}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("request failed with no recorded error")
	}
	return nil, lastErr
}

// doOnce performs a single HTTP exchange and returns the raw body.
func (c *Client) doOnce(ctx context.Context, method, endpoint, tr string,
	body []byte, extraHeaders map[string]string) (json.RawMessage, int, error) {

	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, err
	}

	token, err := c.tokens.GetValid(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("token: %w", err)
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", c.account.AppKey)
	req.Header.Set("appsecret", c.account.AppSecret)
	req.Header.Set("tr_id", tr)
	req.Header.Set("custtype", "P")
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer closeBody(resp, c.logger)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, err
	}
	return raw, resp.StatusCode, nil
}

func closeBody(resp *http.Response, logger *log.Logger) {
	if err := resp.Body.Close(); err != nil && logger != nil {
		logger.Printf("failed to close response body: %v", err)
	}
}

// expBackoff returns min(2^attempt, cap) seconds.
func expBackoff(attempt int, cap time.Duration) time.Duration {
	if attempt > 30 {
		return cap
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > cap {
		return cap
	}
	return d
}

// decodeErrorEnvelope best-effort extracts (msg_cd, msg1) from an error body.
func decodeErrorEnvelope(raw []byte) (code, msg string) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", string(truncate(raw, 200))
	}
	return env.MsgCd, env.Msg1
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// ============ Market Data Operations ============

// GetQuote retrieves the current price snapshot for a symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	if !util.ValidSymbol(symbol) {
		return nil, &APIError{Kind: FailClient, BrokerMessage: fmt.Sprintf("invalid symbol %q", symbol)}
	}

	q := url.Values{}
	q.Set("FID_COND_MRKT_DIV_CODE", "J")
	q.Set("FID_INPUT_ISCD", symbol)

	var resp quoteResponse
	if _, err := c.call(ctx, OpQuote, http.MethodGet,
		"/uapi/domestic-stock/v1/quotations/inquire-price", q, nil, nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.toQuote(symbol), nil
}

// GetDailyCandles retrieves up to n most-recent daily OHLCV bars, newest first.
func (c *Client) GetDailyCandles(ctx context.Context, symbol string, n int) ([]Candle, error) {
	if !util.ValidSymbol(symbol) {
		return nil, &APIError{Kind: FailClient, BrokerMessage: fmt.Sprintf("invalid symbol %q", symbol)}
	}

	q := url.Values{}
	q.Set("FID_COND_MRKT_DIV_CODE", "J")
	q.Set("FID_INPUT_ISCD", symbol)
	q.Set("FID_PERIOD_DIV_CODE", "D")
	q.Set("FID_ORG_ADJ_PRC", "0")

	var resp dailyCandleResponse
	if _, err := c.call(ctx, OpDailyCandles, http.MethodGet,
		"/uapi/domestic-stock/v1/quotations/inquire-daily-price", q, nil, nil, &resp, false); err != nil {
		return nil, err
	}

	out := make([]Candle, 0, len(resp.Output))
	for _, d := range resp.Output {
		if len(out) >= n {
			break
		}
		out = append(out, Candle{
			Date:   d.Date,
			Open:   parseF(d.Open),
			High:   parseF(d.High),
			Low:    parseF(d.Low),
			Close:  parseF(d.Close),
			Volume: parseI(d.Volume),
		})
	}
	return out, nil
}

// GetMinuteCandles retrieves up to n most-recent minute bars, newest first.
func (c *Client) GetMinuteCandles(ctx context.Context, symbol string, n int) ([]Candle, error) {
	if !util.ValidSymbol(symbol) {
		return nil, &APIError{Kind: FailClient, BrokerMessage: fmt.Sprintf("invalid symbol %q", symbol)}
	}

	q := url.Values{}
	q.Set("FID_ETC_CLS_CODE", "")
	q.Set("FID_COND_MRKT_DIV_CODE", "J")
	q.Set("FID_INPUT_ISCD", symbol)
	q.Set("FID_INPUT_HOUR_1", "")
	q.Set("FID_PW_DATA_INCU_YN", "Y")

	var resp minuteCandleResponse
	if _, err := c.call(ctx, OpMinuteCandles, http.MethodGet,
		"/uapi/domestic-stock/v1/quotations/inquire-time-itemchartprice", q, nil, nil, &resp, false); err != nil {
		return nil, err
	}

	out := make([]Candle, 0, len(resp.Output2))
	for _, m := range resp.Output2 {
		if len(out) >= n {
			break
		}
		out = append(out, Candle{
			Date:   m.Date,
			Time:   m.Hour,
			Open:   parseF(m.Open),
			High:   parseF(m.High),
			Low:    parseF(m.Low),
			Close:  parseF(m.Close),
			Volume: parseI(m.Volume),
		})
	}
	return out, nil
}

// GetTopGainersRanking retrieves up to limit entries of the intraday
// fluctuation ranking. Only available against the live endpoint.
func (c *Client) GetTopGainersRanking(ctx context.Context, limit int) ([]RankedStock, error) {
	if limit < 0 {
		limit = 0
	}
	q := url.Values{}
	q.Set("fid_cond_mrkt_div_code", "J")
	q.Set("fid_cond_scr_div_code", "20170")
	q.Set("fid_input_iscd", "0000")
	q.Set("fid_rank_sort_cls_code", "0") // ascending rank of gainers
	q.Set("fid_prc_cls_code", "1")
	q.Set("fid_input_cnt_1", "0")
	q.Set("fid_trgt_cls_code", "0")
	q.Set("fid_trgt_exls_cls_code", "0")
	q.Set("fid_div_cls_code", "0")
	q.Set("fid_rsfl_rate1", "")
	q.Set("fid_rsfl_rate2", "")
	q.Set("fid_input_price_1", "")
	q.Set("fid_input_price_2", "")
	q.Set("fid_vol_cnt", "")

	var resp rankingResponse
	if _, err := c.call(ctx, OpRanking, http.MethodGet,
		"/uapi/domestic-stock/v1/ranking/fluctuation", q, nil, nil, &resp, false); err != nil {
		return nil, err
	}

	out := make([]RankedStock, 0, limit)
	for _, r := range resp.Output {
		if len(out) >= limit {
			break
		}
		out = append(out, RankedStock{
			Symbol:      r.Symbol,
			Name:        r.Name,
			Price:       parseF(r.Price),
			ChangeRate:  parseF(r.ChangeRate),
			Volume:      parseI(r.Volume),
			VolumeRatio: parseF(r.VolumeRatio) / 100,
		})
	}
	return out, nil
}

// ============ Account Operations ============

// GetAccountBalance retrieves the current cash and holdings snapshot.
func (c *Client) GetAccountBalance(ctx context.Context) (*models.AccountSnapshot, error) {
	q := url.Values{}
	q.Set("CANO", c.account.Number)
	q.Set("ACNT_PRDT_CD", c.account.ProductCode)
	q.Set("AFHR_FLPR_YN", "N")
	q.Set("OFL_YN", "")
	q.Set("INQR_DVSN", "02")
	q.Set("UNPR_DVSN", "01")
	q.Set("FUND_STTL_ICLD_YN", "N")
	q.Set("FNCG_AMT_AUTO_RDPT_YN", "N")
	q.Set("PRCS_DVSN", "00")
	q.Set("CTX_AREA_FK100", "")
	q.Set("CTX_AREA_NK100", "")

	var resp balanceResponse
	if _, err := c.call(ctx, OpBalance, http.MethodGet,
		"/uapi/domestic-stock/v1/trading/inquire-balance", q, nil, nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.toSnapshot(time.Now()), nil
}

// ============ Trading Operations ============

// PlaceBuyOrder submits a cash buy order.
func (c *Client) PlaceBuyOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	req.Side = models.SideBuy
	return c.placeOrder(ctx, OpBuyOrder, req)
}

// PlaceSellOrder submits a cash sell order.
func (c *Client) PlaceSellOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	req.Side = models.SideSell
	return c.placeOrder(ctx, OpSellOrder, req)
}

func (c *Client) placeOrder(ctx context.Context, op Operation, req models.OrderRequest) (*models.OrderResult, error) {
	if c.readOnly {
		return nil, &APIError{Kind: FailClient,
			BrokerMessage: "client is read-only; order placement refused"}
	}
	if req.Quantity <= 0 {
		return nil, &APIError{Kind: FailClient,
			BrokerMessage: fmt.Sprintf("invalid quantity %d (must be > 0)", req.Quantity)}
	}
	if !util.ValidSymbol(req.Symbol) {
		return nil, &APIError{Kind: FailClient,
			BrokerMessage: fmt.Sprintf("invalid symbol %q (must be 6 alphanumeric chars)", req.Symbol)}
	}

	if c.dryRun {
		c.logger.Printf("dry-run: %s %d x %s acknowledged without transmission",
			req.Side, req.Quantity, req.Symbol)
		return &models.OrderResult{
			Accepted:      true,
			OrderID:       "SIM-" + uuid.New().String()[:8],
			BrokerCode:    "0",
			BrokerMessage: "simulated acknowledgment",
			Simulated:     true,
		}, nil
	}

	// ORD_DVSN 01 = market, 00 = limit. Market orders carry price "0".
	ordDvsn := "01"
	unpr := "0"
	if req.Mode == models.PriceLimit {
		ordDvsn = "00"
		unpr = strconv.FormatInt(req.LimitPrice, 10)
	}

	body, err := json.Marshal(map[string]string{
		"CANO":         c.account.Number,
		"ACNT_PRDT_CD": c.account.ProductCode,
		"PDNO":         req.Symbol,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.FormatInt(req.Quantity, 10),
		"ORD_UNPR":     unpr,
	})
	if err != nil {
		return nil, err
	}

	headers := map[string]string{}
	if hash, err := c.generateHashkey(ctx, body); err != nil {
		c.logger.Printf("hashkey generation failed, sending order without it: %v", err)
	} else {
		headers["hashkey"] = hash
	}

	var resp orderResponse
	raw, err := c.call(ctx, op, http.MethodPost,
		"/uapi/domestic-stock/v1/trading/order-cash", nil, body, headers, &resp, true)
	if err != nil {
		return nil, err
	}

	result := &models.OrderResult{
		Accepted:      resp.ok(),
		OrderID:       resp.Output.OrderNo,
		BrokerCode:    resp.RtCd,
		BrokerMessage: resp.Msg1,
		Raw:           raw,
	}

	if c.fills != nil {
		c.fills.NotifyTradeCompleted(req.Side, req.Symbol, result.Accepted)
	}
	return result, nil
}

// generateHashkey asks the broker to digest the order payload. Failures
// degrade gracefully: the order is sent without the header.
func (c *Client) generateHashkey(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.account.RESTURL+"/uapi/hashkey", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("appkey", c.account.AppKey)
	req.Header.Set("appsecret", c.account.AppSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp, c.logger)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("hashkey endpoint returned %d", resp.StatusCode)
	}

	var hr hashkeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return "", err
	}
	if hr.Hash == "" {
		return "", fmt.Errorf("hashkey response missing HASH field")
	}
	return hr.Hash, nil
}
