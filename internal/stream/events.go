package stream

// PriceUpdate 为行情推送解码结果，未更新的字段为 nil。
type PriceUpdate struct {
	Instrument  string
	Bid         *float64
	Ask         *float64
	High        *float64
	Low         *float64
	MidOpen     *float64
	Change      *float64
	UpdateTime  string
	MarketState string
}

// TradeUpdate 为成交确认推送解码结果。
type TradeUpdate struct {
	DealID      string
	Status      string
	Reason      string
	FilledPrice *float64
	FilledSize  *float64
}

// AccountUpdate 为账户资金推送解码结果。
type AccountUpdate struct {
	Currency  string
	Balance   *float64
	Margin    *float64
	Available *float64
	PnL       *float64
}

// Listener 接收流推送事件。实现方不得在回调内长时间阻塞；
// 回调外不持有连接内部锁，因此允许在回调中反向调用连接方法。
type Listener interface {
	OnPrice(update PriceUpdate)
	OnTrade(update TradeUpdate)
	OnAccount(update AccountUpdate)
	OnDisconnect(reason string)
}
