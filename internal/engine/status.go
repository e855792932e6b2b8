package engine

import "strings"

// OrderStatus 为适配器侧的订单生命周期状态。
type OrderStatus string

const (
	StatusNone            OrderStatus = ""
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusUpdateSubmitted OrderStatus = "UPDATE_SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusInvalid         OrderStatus = "INVALID"
)

// Terminal 报告该状态之后是否不再有后续迁移。
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusInvalid:
		return true
	default:
		return false
	}
}

// mapVenueStatus 将场所状态词表映射为适配器状态，大小写不敏感。
// 未知状态返回 StatusNone，由调用方记录后丢弃。
func mapVenueStatus(raw string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ACCEPTED", "OPEN":
		return StatusSubmitted
	case "AMENDED":
		return StatusUpdateSubmitted
	case "DELETED":
		return StatusCanceled
	case "REJECTED":
		return StatusInvalid
	case "FILLED":
		return StatusFilled
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	default:
		return StatusNone
	}
}
