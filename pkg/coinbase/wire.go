package coinbase

import (
	"strings"
	"time"

	"github.com/gregtusar/quoter/pkg/models"
	"github.com/shopspring/decimal"
)

// REST payloads. Numbers travel as strings on this API.

type limitGTC struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
	PostOnly   bool   `json:"post_only"`
}

type marketIOC struct {
	BaseSize string `json:"base_size"`
}

type orderConfiguration struct {
	LimitGTC  *limitGTC  `json:"limit_limit_gtc,omitempty"`
	MarketIOC *marketIOC `json:"market_market_ioc,omitempty"`
}

type createOrderRequest struct {
	ClientOrderID      string             `json:"client_order_id"`
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"`
	OrderConfiguration orderConfiguration `json:"order_configuration"`
}

type createOrderResponse struct {
	Success         bool   `json:"success"`
	FailureReason   string `json:"failure_reason"`
	OrderID         string `json:"order_id"`
	SuccessResponse struct {
		OrderID       string `json:"order_id"`
		ProductID     string `json:"product_id"`
		Side          string `json:"side"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error                 string `json:"error"`
		Message               string `json:"message"`
		ErrorDetails          string `json:"error_details"`
		PreviewFailureReason  string `json:"preview_failure_reason"`
		NewOrderFailureReason string `json:"new_order_failure_reason"`
	} `json:"error_response"`
}

type editOrderRequest struct {
	OrderID string `json:"order_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
}

type editOrderResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		EditFailureReason    string `json:"edit_failure_reason"`
		PreviewFailureReason string `json:"preview_failure_reason"`
	} `json:"errors"`
}

type batchCancelRequest struct {
	OrderIDs []string `json:"order_ids"`
}

type batchCancelResponse struct {
	Results []struct {
		Success       bool   `json:"success"`
		FailureReason string `json:"failure_reason"`
		OrderID       string `json:"order_id"`
	} `json:"results"`
}

type apiError struct {
	Error        string `json:"error"`
	Code         any    `json:"code"`
	Message      string `json:"message"`
	ErrorDetails string `json:"error_details"`
}

type restOrder struct {
	OrderID            string             `json:"order_id"`
	ClientOrderID      string             `json:"client_order_id"`
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"`
	Status             string             `json:"status"`
	FilledSize         string             `json:"filled_size"`
	CreatedTime        string             `json:"created_time"`
	LastFillTime       string             `json:"last_fill_time"`
	OrderConfiguration orderConfiguration `json:"order_configuration"`
}

type listOrdersResponse struct {
	Orders  []restOrder `json:"orders"`
	HasNext bool        `json:"has_next"`
	Cursor  string      `json:"cursor"`
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type account struct {
	UUID             string `json:"uuid"`
	Currency         string `json:"currency"`
	AvailableBalance amount `json:"available_balance"`
	Hold             amount `json:"hold"`
}

type listAccountsResponse struct {
	Accounts []account `json:"accounts"`
	HasNext  bool      `json:"has_next"`
	Cursor   string    `json:"cursor"`
}

// WebSocket payloads.

type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids,omitempty"`
	Channel    string   `json:"channel"`
	JWT        string   `json:"jwt,omitempty"`
	APIKey     string   `json:"api_key,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Signature  string   `json:"signature,omitempty"`
}

type wsEnvelope struct {
	Channel     string `json:"channel"`
	Type        string `json:"type"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	SequenceNum uint64 `json:"sequence_num"`
}

type l2Message struct {
	Events []struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
		Updates   []struct {
			Side        string `json:"side"`
			PriceLevel  string `json:"price_level"`
			NewQuantity string `json:"new_quantity"`
		} `json:"updates"`
	} `json:"events"`
}

type userOrder struct {
	OrderID            string `json:"order_id"`
	ClientOrderID      string `json:"client_order_id"`
	ProductID          string `json:"product_id"`
	OrderSide          string `json:"order_side"`
	OrderType          string `json:"order_type"`
	Status             string `json:"status"`
	LimitPrice         string `json:"limit_price"`
	CumulativeQuantity string `json:"cumulative_quantity"`
	LeavesQuantity     string `json:"leaves_quantity"`
}

type userMessage struct {
	Events []struct {
		Type   string      `json:"type"`
		Orders []userOrder `json:"orders"`
	} `json:"events"`
}

func parseDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

func toSide(s string) models.OrderSide {
	if strings.EqualFold(s, "SELL") {
		return models.OrderSideSell
	}
	return models.OrderSideBuy
}

func fromSide(s models.OrderSide) string {
	if s == models.OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

func toStatus(status string, filled decimal.Decimal) models.OrderStatus {
	switch strings.ToUpper(status) {
	case "OPEN", "CANCEL_QUEUED", "EDIT_QUEUED":
		if filled.IsPositive() {
			return models.OrderStatusPartiallyFilled
		}
		return models.OrderStatusOpen
	case "FILLED":
		return models.OrderStatusFilled
	case "CANCELLED", "EXPIRED":
		return models.OrderStatusCancelled
	case "FAILED":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusPending
	}
}
