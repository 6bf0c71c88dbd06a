package aster

import (
	"fmt"
	"strconv"
	"time"

	"github.com/quantfall/liqhunter/internal/domain"
)

// ---------------------------------------------------------------------------
// Stream payloads. The feeds deliver loosely-typed JSON; everything is parsed
// here at the ingress boundary and converted to domain types, so untyped data
// never travels further in.
// ---------------------------------------------------------------------------

// StreamEnvelope carries the event discriminator common to all stream
// messages.
type StreamEnvelope struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
}

// ForceOrderMessage is one forced-liquidation event from the exchange-wide
// liquidation stream.
type ForceOrderMessage struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol       string `json:"s"`
		Side         string `json:"S"`
		OrigQty      string `json:"q"`
		Price        string `json:"p"`
		AvgPrice     string `json:"ap"`
		Status       string `json:"X"`
		TradeTime    int64  `json:"T"`
		FilledAccQty string `json:"z"`
	} `json:"o"`
}

// ToDomain converts the message into a canonical LiquidationEvent. The feed
// has no native event id, so one is synthesized from the order's identifying
// fields.
func (m *ForceOrderMessage) ToDomain() domain.LiquidationEvent {
	o := m.Order
	price := parseFloat(o.AvgPrice)
	if price == 0 {
		price = parseFloat(o.Price)
	}
	qty := parseFloat(o.FilledAccQty)
	if qty == 0 {
		qty = parseFloat(o.OrigQty)
	}
	return domain.LiquidationEvent{
		Symbol:    o.Symbol,
		Side:      domain.OrderSide(o.Side),
		Price:     price,
		Quantity:  qty,
		EventID:   fmt.Sprintf("%s-%d-%s", o.Symbol, o.TradeTime, o.OrigQty),
		EventTime: time.UnixMilli(m.EventTime),
	}
}

// MarkPriceMessage is one entry of the mark-price stream.
type MarkPriceMessage struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// OrderTradeUpdateMessage is an order/fill update from the user data stream.
type OrderTradeUpdateMessage struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Type          string `json:"o"`
		OrigQty       string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		StopPrice     string `json:"sp"`
		ExecType      string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastFilledQty string `json:"l"`
		FilledAccQty  string `json:"z"`
		LastFillPrice string `json:"L"`
		TradeTime     int64  `json:"T"`
		ReduceOnly    bool   `json:"R"`
		PositionSide  string `json:"ps"`
		RealizedPnL   string `json:"rp"`
	} `json:"o"`
}

// ToFill converts the update into a normalized Fill. The caller should only
// forward fills where HasFill reports true.
func (m *OrderTradeUpdateMessage) ToFill() domain.Fill {
	o := m.Order
	price := parseFloat(o.LastFillPrice)
	if price == 0 {
		price = parseFloat(o.AvgPrice)
	}
	return domain.Fill{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		PositionSide:  domain.PositionSide(o.PositionSide),
		Price:         price,
		Quantity:      parseFloat(o.LastFilledQty),
		RealizedPnL:   parseFloat(o.RealizedPnL),
		ReduceOnly:    o.ReduceOnly,
		OrderStatus:   domain.OrderStatus(o.Status),
		TradeTime:     time.UnixMilli(o.TradeTime),
	}
}

// HasFill reports whether the update carries an execution (vs. a pure status
// change such as NEW or CANCELED).
func (m *OrderTradeUpdateMessage) HasFill() bool {
	return m.Order.ExecType == "TRADE" && parseFloat(m.Order.LastFilledQty) > 0
}

// AccountUpdateMessage is a balance/position update from the user data
// stream.
type AccountUpdateMessage struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Account   struct {
		Balances []struct {
			Asset   string `json:"a"`
			Balance string `json:"wb"`
		} `json:"B"`
		Positions []struct {
			Symbol        string `json:"s"`
			PositionAmt   string `json:"pa"`
			EntryPrice    string `json:"ep"`
			UnrealizedPnL string `json:"up"`
			PositionSide  string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

// ToDomain converts the update into an AccountSnapshot. Position amounts are
// reported signed; the absolute value is taken since the side is explicit.
func (m *AccountUpdateMessage) ToDomain() domain.AccountSnapshot {
	snap := domain.AccountSnapshot{EventTime: time.UnixMilli(m.EventTime)}
	for _, b := range m.Account.Balances {
		if b.Asset == "USDT" {
			snap.Balance = parseFloat(b.Balance)
		}
	}
	for _, p := range m.Account.Positions {
		side := domain.PositionSide(p.PositionSide)
		if side != domain.PositionLong && side != domain.PositionShort {
			continue // BOTH entries only appear in one-way mode
		}
		qty := parseFloat(p.PositionAmt)
		if qty < 0 {
			qty = -qty
		}
		snap.Positions = append(snap.Positions, domain.AccountPosition{
			Symbol:        p.Symbol,
			PositionSide:  side,
			Quantity:      qty,
			EntryPrice:    parseFloat(p.EntryPrice),
			UnrealizedPnL: parseFloat(p.UnrealizedPnL),
		})
	}
	return snap
}

// ---------------------------------------------------------------------------
// REST payloads
// ---------------------------------------------------------------------------

// APIError is the exchange's error body for non-2xx responses and failed
// batch sub-orders.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aster: api error %d: %s", e.Code, e.Msg)
}

// Well-known exchange error codes.
const (
	codeUnknownOrder = -2011
	codeRateLimited  = -1003
)

// APIOrder is the order object returned by order placement and open-order
// queries.
type APIOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

// ToDomainRecord converts the API order into an OrderRecord.
func (o *APIOrder) ToDomainRecord() domain.OrderRecord {
	return domain.OrderRecord{
		ExchangeID:    o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		PositionSide:  domain.PositionSide(o.PositionSide),
		Type:          domain.OrderType(o.Type),
		Status:        domain.OrderStatus(o.Status),
		Price:         parseFloat(o.Price),
		StopPrice:     parseFloat(o.StopPrice),
		OrigQty:       parseFloat(o.OrigQty),
		ExecutedQty:   parseFloat(o.ExecutedQty),
		AvgPrice:      parseFloat(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		CreatedAt:     time.UnixMilli(o.Time),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
}

// ToDomainResult converts the API order into an OrderResult.
func (o *APIOrder) ToDomainResult() domain.OrderResult {
	status := domain.OrderStatus(o.Status)
	return domain.OrderResult{
		ExchangeID:    o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Status:        status,
		Success:       status != domain.OrderStatusRejected && status != domain.OrderStatusExpired,
	}
}

// APIExchangeInfo is the subset of the exchange-info response the bot needs.
type APIExchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// ToSpecs extracts per-symbol order filters for trading symbols.
func (i *APIExchangeInfo) ToSpecs() map[string]domain.SymbolSpec {
	specs := make(map[string]domain.SymbolSpec, len(i.Symbols))
	for _, s := range i.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		spec := domain.SymbolSpec{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				spec.TickSize = parseFloat(f.TickSize)
			case "LOT_SIZE":
				spec.StepSize = parseFloat(f.StepSize)
				spec.MinQty = parseFloat(f.MinQty)
			case "MIN_NOTIONAL":
				spec.MinNotional = parseFloat(f.MinNotional)
			}
		}
		specs[s.Symbol] = spec
	}
	return specs
}

// APIDepth is the order book snapshot returned by the depth endpoint.
// Levels are [price, quantity] string pairs.
type APIDepth struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

// Depth is the decoded top-of-book view used for entry sizing.
type Depth struct {
	BestBid    float64
	BestBidQty float64
	BestAsk    float64
	BestAskQty float64
	BidQtySum  float64
	AskQtySum  float64
}

// ToDepth decodes the string levels.
func (d *APIDepth) ToDepth() Depth {
	out := Depth{}
	for i, lvl := range d.Bids {
		if len(lvl) < 2 {
			continue
		}
		p, q := parseFloat(lvl[0]), parseFloat(lvl[1])
		if i == 0 {
			out.BestBid, out.BestBidQty = p, q
		}
		out.BidQtySum += q
	}
	for i, lvl := range d.Asks {
		if len(lvl) < 2 {
			continue
		}
		p, q := parseFloat(lvl[0]), parseFloat(lvl[1])
		if i == 0 {
			out.BestAsk, out.BestAskQty = p, q
		}
		out.AskQtySum += q
	}
	return out
}

// APIPositionRisk is one entry of the position-risk endpoint response.
type APIPositionRisk struct {
	Symbol        string `json:"symbol"`
	PositionAmt   string `json:"positionAmt"`
	EntryPrice    string `json:"entryPrice"`
	UnrealizedPnL string `json:"unRealizedProfit"`
	PositionSide  string `json:"positionSide"`
}

// APIListenKey is the response of the listen-key endpoint.
type APIListenKey struct {
	ListenKey string `json:"listenKey"`
}

// parseFloat converts an exchange decimal string, returning 0 for empty or
// malformed values.
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// formatFloat renders a float the way the exchange expects: plain decimal,
// no exponent, trailing zeros trimmed.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
