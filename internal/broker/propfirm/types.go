package propfirm

import (
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

// apiEnvelope is the shared rejection surface: a 2xx response with
// errorText set is a decline.
type apiEnvelope struct {
	ErrorText string `json:"errorText"`
}

func (e apiEnvelope) errorText() string { return e.ErrorText }

type apiContract struct {
	apiEnvelope
	ContractID string  `json:"contractId"`
	Symbol     string  `json:"symbol"`
	TickSize   float64 `json:"tickSize"`
	TickValue  float64 `json:"tickValue"`
}

type apiOrderResult struct {
	apiEnvelope
	OrderID string `json:"orderId"`
}

type apiBracketResult struct {
	apiEnvelope
	BracketID    string   `json:"bracketId"`
	EntryOrderID string   `json:"entryOrderId"`
	TPOrderIDs   []string `json:"takeProfitOrderIds"`
	SLOrderID    string   `json:"stopLossOrderId"`
}

type apiOrder struct {
	OrderID       string    `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId"`
	Account       string    `json:"account"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // buy | sell
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
		Status:        orderStatus(o.Status),
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
		CreatedAt:     o.CreatedAt,
	}
}

type apiOrderList struct {
	apiEnvelope
	Orders []apiOrder `json:"orders"`
}

type apiPosition struct {
	Account  string  `json:"account"`
	Symbol   string  `json:"symbol"`
	NetQty   int     `json:"netQty"`
	AvgPrice float64 `json:"avgPrice"`
}

type apiPositionList struct {
	apiEnvelope
	Positions []apiPosition `json:"positions"`
}

func orderStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderFilled
	case "cancelled", "canceled":
		return domain.OrderCancelled
	case "rejected":
		return domain.OrderRejected
	case "expired":
		return domain.OrderExpired
	default:
		return domain.OrderWorking
	}
}
