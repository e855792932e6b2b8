package venue

import "time"

// Direction 表示委托方向。
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Resolution 表示历史K线粒度。
type Resolution string

const (
	ResolutionMinute Resolution = "MINUTE"
	ResolutionHour   Resolution = "HOUR"
	ResolutionDay    Resolution = "DAY"
)

// Session 保存登录后获得的会话凭证与流推送入口。
type Session struct {
	ClientToken     string
	SecurityToken   string
	StreamEndpoint  string
	ActiveAccountID string
	CreatedAt       time.Time
}

// AccountSnapshot 描述单个账户的资金概况。
type AccountSnapshot struct {
	AccountID  string
	Name       string
	Currency   string
	Balance    float64
	Deposit    float64
	ProfitLoss float64
	Available  float64
}

// Position 表示一笔已开仓位。
type Position struct {
	DealID     string
	Instrument string
	Direction  Direction
	Size       float64
	OpenLevel  float64
	Currency   string
}

// WorkingOrder 表示一笔挂单。
type WorkingOrder struct {
	DealID     string
	Instrument string
	Direction  Direction
	OrderType  string
	Size       float64
	Level      float64
	CreatedAt  time.Time
}

// OrderSpec 描述一次下单或改单请求。
type OrderSpec struct {
	Instrument   string
	Direction    Direction
	OrderType    string // MARKET | LIMIT | STOP
	Size         float64
	Level        float64
	StopLevel    float64
	LimitLevel   float64
	TimeInForce  string
	CurrencyCode string
	Expiry       string
}

// Confirmation 为成交确认查询结果。
type Confirmation struct {
	DealReference string
	DealID        string
	Status        string
	Reason        string
	Level         float64
	Size          float64
}

// InstrumentSummary 为标的搜索结果条目。
type InstrumentSummary struct {
	Code   string
	Name   string
	Type   string
	Expiry string
}

// Candle 代表单根历史K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}
