package equitix

import (
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

// apiEnvelope carries the structured decline field every response may
// include.
type apiEnvelope struct {
	ErrorText string `json:"errorText"`
}

// orderRequest is the order placement payload. Zero-valued optional
// fields are omitted from the wire.
type orderRequest struct {
	Account       string  `json:"account"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Qty           int     `json:"qty"`
	LimitPrice    float64 `json:"limitPrice,omitempty"`
	StopPrice     float64 `json:"stopPrice,omitempty"`
	TrailDistance float64 `json:"trailDistance,omitempty"`
	ClientOrderID string  `json:"clientOrderId"`
}

type apiOrder struct {
	OrderID       string    `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId"`
	Account       string    `json:"account"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Qty           int       `json:"qty"`
	LimitPrice    float64   `json:"limitPrice"`
	StopPrice     float64   `json:"stopPrice"`
	Status        string    `json:"status"`
	FilledQty     int       `json:"filledQty"`
	AvgFillPrice  float64   `json:"avgFillPrice"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (o apiOrder) toDomain() domain.Order {
	status := domain.OrderWorking
	switch o.Status {
	case "filled":
		status = domain.OrderFilled
	case "cancelled", "canceled":
		status = domain.OrderCancelled
	case "rejected":
		status = domain.OrderRejected
	case "expired":
		status = domain.OrderExpired
	}
	return domain.Order{
		ID:            o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Subaccount:    o.Account,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		Type:          domain.OrderType(o.Type),
		Qty:           o.Qty,
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
		Status:        status,
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
		CreatedAt:     o.CreatedAt,
	}
}
