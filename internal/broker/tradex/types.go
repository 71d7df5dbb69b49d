package tradex

import (
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

// apiResult is the common envelope on Tradex command responses. A 2xx
// with FailureText set is still a rejection.
type apiResult struct {
	Success     bool   `json:"success"`
	FailureText string `json:"failureText"`
}

func (r apiResult) rejected() bool { return !r.Success || r.FailureText != "" }

// apiTokenResponse is returned by the login and renew endpoints.
type apiTokenResponse struct {
	apiResult
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"` // seconds
}

// apiContract is the contract-find payload.
type apiContract struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	TickSize  float64 `json:"tickSize"`
	TickValue float64 `json:"tickValue"`
}

func (c apiContract) toDomain() domain.Contract {
	return domain.Contract{
		ID:        c.ID,
		Symbol:    c.Name,
		TickSize:  c.TickSize,
		TickValue: c.TickValue,
	}
}

// apiOrderResult is returned by order placement commands.
type apiOrderResult struct {
	apiResult
	OrderID string `json:"orderId"`
}

// apiBracketResult is returned by the bracket placement command.
type apiBracketResult struct {
	apiResult
	BracketID    string   `json:"bracketId"`
	EntryOrderID string   `json:"entryOrderId"`
	TPOrderIDs   []string `json:"tpOrderIds"`
	SLOrderID    string   `json:"slOrderId"`
}

// apiOrder is one row of the order-list payload.
type apiOrder struct {
	ID           string    `json:"id"`
	ClOrdID      string    `json:"clOrdId"`
	Account      string    `json:"account"`
	Symbol       string    `json:"symbol"`
	Action       string    `json:"action"` // Buy | Sell
	OrderType    string    `json:"orderType"`
	Qty          int       `json:"orderQty"`
	Price        float64   `json:"price"`
	StopPrice    float64   `json:"stopPrice"`
	Status       string    `json:"ordStatus"`
	FilledQty    int       `json:"cumQty"`
	AvgFillPrice float64   `json:"avgPx"`
	Timestamp    time.Time `json:"timestamp"`
}

func (o apiOrder) toDomain() domain.Order {
	return domain.Order{
		ID:            o.ID,
		ClientOrderID: o.ClOrdID,
		Subaccount:    o.Account,
		Symbol:        o.Symbol,
		Side:          sideFromAction(o.Action),
		Type:          typeFromWire(o.OrderType),
		Qty:           o.Qty,
		LimitPrice:    o.Price,
		StopPrice:     o.StopPrice,
		Status:        statusFromWire(o.Status),
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
		CreatedAt:     o.Timestamp,
	}
}

// apiPosition is one row of the position-list payload.
type apiPosition struct {
	Account  string  `json:"account"`
	Symbol   string  `json:"symbol"`
	NetPos   int     `json:"netPos"`
	AvgPrice float64 `json:"avgPrice"`
}

func (p apiPosition) toDomain() domain.BrokerPosition {
	return domain.BrokerPosition{
		Subaccount: p.Account,
		Symbol:     p.Symbol,
		Qty:        p.NetPos,
		AvgPrice:   p.AvgPrice,
	}
}

func sideFromAction(action string) domain.OrderSide {
	if action == "Sell" {
		return domain.OrderSell
	}
	return domain.OrderBuy
}

func actionFromSide(side domain.OrderSide) string {
	if side == domain.OrderSell {
		return "Sell"
	}
	return "Buy"
}

func typeFromWire(t string) domain.OrderType {
	switch t {
	case "Limit":
		return domain.OrderLimit
	case "Stop":
		return domain.OrderStop
	case "StopLimit":
		return domain.OrderStopLimit
	case "TrailingStop":
		return domain.OrderTrailingStop
	default:
		return domain.OrderMarket
	}
}

func statusFromWire(s string) domain.OrderStatus {
	switch s {
	case "Filled":
		return domain.OrderFilled
	case "Canceled", "Cancelled":
		return domain.OrderCancelled
	case "Rejected":
		return domain.OrderRejected
	case "Expired":
		return domain.OrderExpired
	default:
		return domain.OrderWorking
	}
}
