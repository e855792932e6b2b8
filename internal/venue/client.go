package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"venuelink/internal/config"
)

const (
	headerAPIKey        = "X-API-KEY"
	headerVersion       = "Version"
	headerClientToken   = "CST"
	headerSecurityToken = "X-SECURITY-TOKEN"
)

// limiter 抽象限流闸门，便于测试替换。
type limiter interface {
	Acquire(ctx context.Context) error
}

// Client 封装场所 REST 会话：持有会话凭证，所有调用先过限流闸门。
// 交易类调用（下单、改单、撤单）与查询类调用使用相互独立的配额。
type Client struct {
	cfg        config.VenueConfig
	httpClient *http.Client
	logger     *zap.Logger

	tradingGate limiter
	dataGate    limiter

	sessionMu sync.RWMutex
	session   *Session
}

// NewClient 创建场所客户端，两个闸门由调用方注入，不得共享实例。
func NewClient(cfg config.VenueConfig, tradingGate, dataGate limiter, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
		tradingGate: tradingGate,
		dataGate:    dataGate,
	}
}

// Session 返回当前会话快照，未登录时为 nil。
func (c *Client) Session() *Session {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	if c.session == nil {
		return nil
	}
	snapshot := *c.session
	return &snapshot
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type loginResponse struct {
	StreamEndpoint string `json:"streamingEndpoint"`
	CurrentAccount string `json:"currentAccountId"`
}

// Login 创建会话：从响应头提取两枚会话令牌，从响应体提取
// 流推送入口与当前账户。之后的每次调用自动携带令牌。
func (c *Client) Login(ctx context.Context) (*Session, error) {
	payload := loginRequest{Identifier: c.cfg.Identifier, Password: c.cfg.Secret}

	status, header, body, err := c.send(ctx, c.dataGate, http.MethodPost, "/session", "2", payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &RemoteRejection{Status: status, Body: string(body)}
	}

	clientToken := header.Get(headerClientToken)
	securityToken := header.Get(headerSecurityToken)
	if clientToken == "" || securityToken == "" {
		return nil, fmt.Errorf("%w: 响应缺少会话令牌", ErrAuthentication)
	}

	var decoded loginResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("venue: 解析登录响应失败: %w", err)
	}

	session := &Session{
		ClientToken:     clientToken,
		SecurityToken:   securityToken,
		StreamEndpoint:  decoded.StreamEndpoint,
		ActiveAccountID: decoded.CurrentAccount,
		CreatedAt:       time.Now().UTC(),
	}

	c.sessionMu.Lock()
	c.session = session
	c.sessionMu.Unlock()

	c.logger.Info("场所会话已建立",
		zap.String("account", session.ActiveAccountID),
		zap.String("stream_endpoint", session.StreamEndpoint),
	)

	snapshot := *session
	return &snapshot, nil
}

// Logout 尽力而为地结束会话，失败只记录日志。本地凭证总是被清除。
func (c *Client) Logout(ctx context.Context) {
	if err := c.call(ctx, c.dataGate, http.MethodDelete, "/session", "1", nil, nil); err != nil {
		c.logger.Warn("注销会话失败", zap.Error(err))
	}

	c.sessionMu.Lock()
	c.session = nil
	c.sessionMu.Unlock()
}

type accountsResponse struct {
	Accounts []struct {
		AccountID string `json:"accountId"`
		Name      string `json:"accountName"`
		Currency  string `json:"currency"`
		Balance   struct {
			Balance    float64 `json:"balance"`
			Deposit    float64 `json:"deposit"`
			ProfitLoss float64 `json:"profitLoss"`
			Available  float64 `json:"available"`
		} `json:"balance"`
	} `json:"accounts"`
}

// GetAccountBalance 查询指定账户的资金概况，账户不在列表中返回 ErrNotFound。
func (c *Client) GetAccountBalance(ctx context.Context, accountID string) (AccountSnapshot, error) {
	var decoded accountsResponse
	if err := c.call(ctx, c.dataGate, http.MethodGet, "/accounts", "1", nil, &decoded); err != nil {
		return AccountSnapshot{}, err
	}

	for _, account := range decoded.Accounts {
		if account.AccountID != accountID {
			continue
		}
		return AccountSnapshot{
			AccountID:  account.AccountID,
			Name:       account.Name,
			Currency:   account.Currency,
			Balance:    account.Balance.Balance,
			Deposit:    account.Balance.Deposit,
			ProfitLoss: account.Balance.ProfitLoss,
			Available:  account.Balance.Available,
		}, nil
	}

	return AccountSnapshot{}, fmt.Errorf("%w: 账户 %s", ErrNotFound, accountID)
}

type positionsResponse struct {
	Positions []struct {
		Position struct {
			DealID    string  `json:"dealId"`
			Direction string  `json:"direction"`
			Size      float64 `json:"size"`
			Level     float64 `json:"level"`
			Currency  string  `json:"currency"`
		} `json:"position"`
		Market struct {
			Code string `json:"epic"`
		} `json:"market"`
	} `json:"positions"`
}

// GetOpenPositions 查询当前持仓，响应缺少集合视为空结果。
func (c *Client) GetOpenPositions(ctx context.Context) ([]Position, error) {
	var decoded positionsResponse
	if err := c.call(ctx, c.dataGate, http.MethodGet, "/positions", "2", nil, &decoded); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(decoded.Positions))
	for _, item := range decoded.Positions {
		positions = append(positions, Position{
			DealID:     item.Position.DealID,
			Instrument: item.Market.Code,
			Direction:  Direction(item.Position.Direction),
			Size:       item.Position.Size,
			OpenLevel:  item.Position.Level,
			Currency:   item.Position.Currency,
		})
	}
	return positions, nil
}

type workingOrdersResponse struct {
	WorkingOrders []struct {
		Order struct {
			DealID    string  `json:"dealId"`
			Direction string  `json:"direction"`
			OrderType string  `json:"type"`
			Size      float64 `json:"orderSize"`
			Level     float64 `json:"orderLevel"`
			CreatedAt string  `json:"createdDateUTC"`
		} `json:"workingOrderData"`
		Market struct {
			Code string `json:"epic"`
		} `json:"marketData"`
	} `json:"workingOrders"`
}

// GetWorkingOrders 查询挂单。场所对空挂单列表可能直接回 404，
// 该情况按空结果处理而非错误。
func (c *Client) GetWorkingOrders(ctx context.Context) ([]WorkingOrder, error) {
	status, _, body, err := c.send(ctx, c.dataGate, http.MethodGet, "/workingorders", "2", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return []WorkingOrder{}, nil
	}
	if status < 200 || status >= 300 {
		return nil, c.reject(status, body)
	}

	var decoded workingOrdersResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("venue: 解析挂单列表失败: %w", err)
	}

	orders := make([]WorkingOrder, 0, len(decoded.WorkingOrders))
	for _, item := range decoded.WorkingOrders {
		createdAt, parseErr := time.Parse(time.RFC3339, item.Order.CreatedAt)
		if parseErr != nil {
			c.logger.Debug("挂单创建时间解析失败",
				zap.String("deal_id", item.Order.DealID),
				zap.String("raw", item.Order.CreatedAt),
			)
		}
		orders = append(orders, WorkingOrder{
			DealID:     item.Order.DealID,
			Instrument: item.Market.Code,
			Direction:  Direction(item.Order.Direction),
			OrderType:  item.Order.OrderType,
			Size:       item.Order.Size,
			Level:      item.Order.Level,
			CreatedAt:  createdAt,
		})
	}
	return orders, nil
}

type orderRequest struct {
	Epic         string  `json:"epic,omitempty"`
	Direction    string  `json:"direction,omitempty"`
	OrderType    string  `json:"orderType,omitempty"`
	Size         float64 `json:"size,omitempty"`
	Level        float64 `json:"level,omitempty"`
	StopLevel    float64 `json:"stopLevel,omitempty"`
	LimitLevel   float64 `json:"limitLevel,omitempty"`
	TimeInForce  string  `json:"timeInForce,omitempty"`
	CurrencyCode string  `json:"currencyCode,omitempty"`
	Expiry       string  `json:"expiry,omitempty"`
}

type dealReferenceResponse struct {
	DealReference string `json:"dealReference"`
}

// PlaceOrder 提交新订单，返回场所分配的 deal reference。
// 成功仅代表请求被受理，成交状态由流推送或确认查询给出。
func (c *Client) PlaceOrder(ctx context.Context, spec OrderSpec) (string, error) {
	var decoded dealReferenceResponse
	if err := c.call(ctx, c.tradingGate, http.MethodPost, "/orders", "2", orderSpecPayload(spec), &decoded); err != nil {
		return "", err
	}
	return decoded.DealReference, nil
}

// UpdateOrder 修改既有订单。
func (c *Client) UpdateOrder(ctx context.Context, dealID string, spec OrderSpec) (string, error) {
	var decoded dealReferenceResponse
	path := "/orders/" + url.PathEscape(dealID)
	if err := c.call(ctx, c.tradingGate, http.MethodPut, path, "2", orderSpecPayload(spec), &decoded); err != nil {
		return "", err
	}
	return decoded.DealReference, nil
}

// CancelOrder 撤销既有订单。
func (c *Client) CancelOrder(ctx context.Context, dealID string) (string, error) {
	var decoded dealReferenceResponse
	path := "/orders/" + url.PathEscape(dealID)
	if err := c.call(ctx, c.tradingGate, http.MethodDelete, path, "2", nil, &decoded); err != nil {
		return "", err
	}
	return decoded.DealReference, nil
}

type confirmationResponse struct {
	DealReference string  `json:"dealReference"`
	DealID        string  `json:"dealId"`
	DealStatus    string  `json:"dealStatus"`
	Reason        string  `json:"reason"`
	Level         float64 `json:"level"`
	Size          float64 `json:"size"`
}

// GetDealConfirmation 按 deal reference 查询成交确认，
// 用于流推送确认迟迟未到时的轮询兜底。
func (c *Client) GetDealConfirmation(ctx context.Context, dealReference string) (Confirmation, error) {
	var decoded confirmationResponse
	path := "/confirms/" + url.PathEscape(dealReference)
	if err := c.call(ctx, c.dataGate, http.MethodGet, path, "1", nil, &decoded); err != nil {
		return Confirmation{}, err
	}
	return Confirmation{
		DealReference: decoded.DealReference,
		DealID:        decoded.DealID,
		Status:        decoded.DealStatus,
		Reason:        decoded.Reason,
		Level:         decoded.Level,
		Size:          decoded.Size,
	}, nil
}

type marketsResponse struct {
	Markets []struct {
		Code   string `json:"epic"`
		Name   string `json:"instrumentName"`
		Type   string `json:"instrumentType"`
		Expiry string `json:"expiry"`
	} `json:"markets"`
}

// SearchInstruments 按关键字搜索可交易标的。
func (c *Client) SearchInstruments(ctx context.Context, term string) ([]InstrumentSummary, error) {
	var decoded marketsResponse
	path := "/markets?searchTerm=" + url.QueryEscape(term)
	if err := c.call(ctx, c.dataGate, http.MethodGet, path, "1", nil, &decoded); err != nil {
		return nil, err
	}

	results := make([]InstrumentSummary, 0, len(decoded.Markets))
	for _, market := range decoded.Markets {
		results = append(results, InstrumentSummary{
			Code:   market.Code,
			Name:   market.Name,
			Type:   market.Type,
			Expiry: market.Expiry,
		})
	}
	return results, nil
}

type pricesResponse struct {
	Prices []struct {
		SnapshotTime string  `json:"snapshotTimeUTC"`
		Open         float64 `json:"openPrice"`
		High         float64 `json:"highPrice"`
		Low          float64 `json:"lowPrice"`
		Close        float64 `json:"closePrice"`
		Volume       float64 `json:"lastTradedVolume"`
	} `json:"prices"`
}

// GetHistoricalPrices 拉取指定区间的历史K线。
func (c *Client) GetHistoricalPrices(ctx context.Context, instrument string, resolution Resolution, from, to time.Time) ([]Candle, error) {
	query := url.Values{}
	query.Set("resolution", string(resolution))
	query.Set("from", from.UTC().Format(time.RFC3339))
	query.Set("to", to.UTC().Format(time.RFC3339))

	var decoded pricesResponse
	path := "/prices/" + url.PathEscape(instrument) + "?" + query.Encode()
	if err := c.call(ctx, c.dataGate, http.MethodGet, path, "3", nil, &decoded); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(decoded.Prices))
	for _, price := range decoded.Prices {
		ts, parseErr := time.Parse(time.RFC3339, price.SnapshotTime)
		if parseErr != nil {
			c.logger.Debug("K线时间解析失败",
				zap.String("instrument", instrument),
				zap.String("raw", price.SnapshotTime),
			)
		}
		candles = append(candles, Candle{
			Timestamp: ts,
			Open:      price.Open,
			High:      price.High,
			Low:       price.Low,
			Close:     price.Close,
			Volume:    price.Volume,
		})
	}
	return candles, nil
}

// call 发送请求并统一处理非成功状态码与响应解码。
func (c *Client) call(ctx context.Context, gate limiter, method, path, version string, payload, out any) error {
	status, _, body, err := c.send(ctx, gate, method, path, version, payload)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return c.reject(status, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("venue: 解析响应失败 %s %s: %w", method, path, err)
	}
	return nil
}

// send 过闸门后发出请求，返回原始状态码、响应头与响应体。
// 网络层失败统一包装为 ErrTransport，由上层决定重试策略。
func (c *Client) send(ctx context.Context, gate limiter, method, path, version string, payload any) (int, http.Header, []byte, error) {
	if err := gate.Acquire(ctx); err != nil {
		return 0, nil, nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("venue: 序列化请求失败: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reqBody)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("venue: 构造请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerAPIKey, c.cfg.APIKey)
	req.Header.Set(headerVersion, version)

	c.sessionMu.RLock()
	if c.session != nil {
		req.Header.Set(headerClientToken, c.session.ClientToken)
		req.Header.Set(headerSecurityToken, c.session.SecurityToken)
	}
	c.sessionMu.RUnlock()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: 读取响应失败 %s %s: %v", ErrTransport, method, path, err)
	}

	c.logger.Debug("场所调用完成",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	return resp.StatusCode, resp.Header, body, nil
}

// reject 构造拒绝错误；鉴权失效时立即作废本地会话，由调用方决定是否重新登录。
func (c *Client) reject(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		c.sessionMu.Lock()
		c.session = nil
		c.sessionMu.Unlock()
		c.logger.Warn("会话凭证失效，已清除本地会话")
	}
	return &RemoteRejection{Status: status, Body: string(body)}
}

func orderSpecPayload(spec OrderSpec) orderRequest {
	return orderRequest{
		Epic:         spec.Instrument,
		Direction:    string(spec.Direction),
		OrderType:    spec.OrderType,
		Size:         spec.Size,
		Level:        spec.Level,
		StopLevel:    spec.StopLevel,
		LimitLevel:   spec.LimitLevel,
		TimeInForce:  spec.TimeInForce,
		CurrencyCode: spec.CurrencyCode,
		Expiry:       spec.Expiry,
	}
}
