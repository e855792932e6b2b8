package stream

import (
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// parseOptionalFloat 解析推送字段中的数值。字段缺失返回 nil；
// 数值非法时记录日志并退化为 nil，绝不让单条更新中断整条流。
func parseOptionalFloat(logger *zap.Logger, topic, key string, fields map[string]string) *float64 {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("推送字段数值解析失败",
			zap.String("topic", topic),
			zap.String("field", key),
			zap.String("raw", raw),
		)
		return nil
	}
	return &value
}

type confirmPayload struct {
	DealID string   `json:"dealId"`
	Status string   `json:"dealStatus"`
	Reason string   `json:"reason"`
	Level  *float64 `json:"level"`
	Size   *float64 `json:"size"`
}

// decodeTradeUpdate 解析成交确认推送。载荷为 JSON 文本，装在单个字段里。
// 解析失败返回 false，由调用方丢弃该条更新。
func decodeTradeUpdate(logger *zap.Logger, topic string, fields map[string]string) (TradeUpdate, bool) {
	raw, ok := fields[fieldConfirms]
	if !ok || strings.TrimSpace(raw) == "" {
		logger.Warn("成交确认推送缺少载荷", zap.String("topic", topic))
		return TradeUpdate{}, false
	}

	var payload confirmPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		logger.Warn("成交确认载荷解析失败",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return TradeUpdate{}, false
	}
	if payload.DealID == "" {
		logger.Warn("成交确认载荷缺少 dealId", zap.String("topic", topic))
		return TradeUpdate{}, false
	}

	return TradeUpdate{
		DealID:      payload.DealID,
		Status:      payload.Status,
		Reason:      payload.Reason,
		FilledPrice: payload.Level,
		FilledSize:  payload.Size,
	}, true
}

func decodePriceUpdate(logger *zap.Logger, topic, instrument string, fields map[string]string) PriceUpdate {
	return PriceUpdate{
		Instrument:  instrument,
		Bid:         parseOptionalFloat(logger, topic, fieldBid, fields),
		Ask:         parseOptionalFloat(logger, topic, fieldOffer, fields),
		High:        parseOptionalFloat(logger, topic, fieldHigh, fields),
		Low:         parseOptionalFloat(logger, topic, fieldLow, fields),
		MidOpen:     parseOptionalFloat(logger, topic, fieldMidOpen, fields),
		Change:      parseOptionalFloat(logger, topic, fieldChange, fields),
		UpdateTime:  fields[fieldUpdateTime],
		MarketState: fields[fieldMarketState],
	}
}

func decodeAccountUpdate(logger *zap.Logger, topic string, fields map[string]string) AccountUpdate {
	return AccountUpdate{
		Currency:  fields[fieldCurrency],
		Balance:   parseOptionalFloat(logger, topic, fieldBalance, fields),
		Margin:    parseOptionalFloat(logger, topic, fieldMargin, fields),
		Available: parseOptionalFloat(logger, topic, fieldAvailable, fields),
		PnL:       parseOptionalFloat(logger, topic, fieldPnL, fields),
	}
}
