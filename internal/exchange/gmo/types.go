package gmo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Side is the trade direction as the exchange spells it.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// envelope is the common private/public API response wrapper. status 0
// means success; anything else carries one or more message entries.
type envelope struct {
	Status   int             `json:"status"`
	Data     json.RawMessage `json:"data"`
	Messages []struct {
		MessageCode   string `json:"message_code"`
		MessageString string `json:"message_string"`
	} `json:"messages"`
}

// apiError converts a non-zero envelope into an *APIError.
func (e *envelope) apiError(httpStatus int) *APIError {
	apiErr := &APIError{HTTPStatus: httpStatus}
	if len(e.Messages) > 0 {
		apiErr.Code = e.Messages[0].MessageCode
		apiErr.Message = e.Messages[0].MessageString
	}
	return apiErr
}

// Ticker is one symbol's current quote.
type Ticker struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid,string"`
	Ask    float64 `json:"ask,string"`
}

// Spread returns ask minus bid.
func (t Ticker) Spread() float64 { return t.Ask - t.Bid }

// AccountAssets is the canonical shape of /v1/account/assets. The
// exchange returns data either as a single object or as a one-element
// list depending on account type; decodeAssets folds both into this.
type AccountAssets struct {
	Balance         float64 `json:"balance,string"`
	AvailableAmount float64 `json:"availableAmount,string"`
}

// decodeAssets normalizes the list-or-object data field.
func decodeAssets(raw json.RawMessage) (*AccountAssets, error) {
	var list []AccountAssets
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return nil, fmt.Errorf("account assets list is empty")
		}
		return &list[0], nil
	}
	var single AccountAssets
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("account assets has unexpected shape: %w", err)
	}
	return &single, nil
}

// OrderRequest is the body of POST /v1/order.
type OrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          Side   `json:"side"`
	Size          string `json:"size"`
	ExecutionType string `json:"executionType"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

// CloseOrderRequest is the body of POST /v1/closeOrder.
type CloseOrderRequest struct {
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	ExecutionType  string           `json:"executionType"`
	SettlePosition []SettlePosition `json:"settlePosition"`
}

// SettlePosition names one position to settle and how much of it.
type SettlePosition struct {
	PositionID int64  `json:"positionId"`
	Size       string `json:"size"`
}

// Order is one accepted order returned from /v1/order or /v1/closeOrder.
type Order struct {
	OrderID int64 `json:"orderId"`
}

// decodeOrders normalizes the list-or-object order data field.
func decodeOrders(raw json.RawMessage) ([]Order, error) {
	// Order acceptance sometimes arrives as a bare order id string.
	var idStr string
	if err := json.Unmarshal(raw, &idStr); err == nil {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("order id %q is not numeric: %w", idStr, err)
		}
		return []Order{{OrderID: id}}, nil
	}
	var list []Order
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single Order
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("order data has unexpected shape: %w", err)
	}
	return []Order{single}, nil
}

// Execution is one fill from /v1/executions.
type Execution struct {
	ExecutionID int64   `json:"executionId"`
	OrderID     int64   `json:"orderId"`
	PositionID  int64   `json:"positionId"`
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	Price       float64 `json:"price,string"`
	Size        float64 `json:"size,string"`
	Fee         float64 `json:"fee,string"`
	Timestamp   string  `json:"timestamp"`
}

// Position is one open position from /v1/openPositions.
type Position struct {
	PositionID int64   `json:"positionId"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Price      float64 `json:"price,string"`
	Size       float64 `json:"size,string"`
	Timestamp  string  `json:"timestamp"`
}

// OpenTime parses the position's exchange timestamp, returning the zero
// time when the field is absent or malformed.
func (p Position) OpenTime() time.Time {
	if p.Timestamp == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// listData is the {"list": [...]} wrapper used by executions and
// openPositions responses.
type listData[T any] struct {
	List []T `json:"list"`
}

func decodeList[T any](raw json.RawMessage) ([]T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	// A wrapper without a list key means a position-free account.
	var wrapped listData[T]
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.List, nil
	}
	// Some endpoints answer with a bare array when there is one page.
	var list []T
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("list data has unexpected shape: %w", err)
	}
	return list, nil
}
