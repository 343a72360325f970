// Package wire holds the JSON payloads exchanged between the order API and its clients.
// Amounts travel as fixed two-place decimal strings.
package wire

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Pricing is the wire form of domain.PriceBreakdown.
type Pricing struct {
	ItemsTotal  string `json:"items_total"`
	ShippingFee string `json:"shipping_fee"`
	TaxAmount   string `json:"tax_amount"`
	GrandTotal  string `json:"grand_total"`
}

type LineItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Variant   string `json:"variant,omitempty"`
	Total     string `json:"total"`
}

type Destination struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type Payment struct {
	Provider       string    `json:"provider"`
	GatewayOrderID string    `json:"gateway_order_id"`
	PaymentID      string    `json:"payment_id"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// Order is the API representation of an order, including its derived status.
type Order struct {
	ID                string      `json:"id"`
	BuyerID           string      `json:"buyer_id"`
	Status            string      `json:"status"`
	LineItems         []LineItem  `json:"line_items"`
	Destination       Destination `json:"destination"`
	PaymentMethod     string      `json:"payment_method"`
	Currency          string      `json:"currency"`
	Pricing           Pricing     `json:"pricing"`
	Payment           *Payment    `json:"payment,omitempty"`
	IsPaid            bool        `json:"is_paid"`
	PaidAt            *time.Time  `json:"paid_at,omitempty"`
	IsDelivered       bool        `json:"is_delivered"`
	DeliveredAt       *time.Time  `json:"delivered_at,omitempty"`
	IsCancelled       bool        `json:"is_cancelled"`
	CancelledAt       *time.Time  `json:"cancelled_at,omitempty"`
	IsReturnRequested bool        `json:"is_return_requested"`
	ReturnRequestedAt *time.Time  `json:"return_requested_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

type OrderList struct {
	Items []Order `json:"items"`
}

type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Variant   string `json:"variant,omitempty"`
}

// CreateOrderRequest is the priced cart snapshot submitted by a buyer. Quoted, when set,
// must equal the server's own quote.
type CreateOrderRequest struct {
	Lines         []OrderLine `json:"lines"`
	Destination   Destination `json:"destination"`
	PaymentMethod string      `json:"payment_method"`
	Currency      string      `json:"currency,omitempty"`
	Quoted        *Pricing    `json:"quoted,omitempty"`
}

type CreateTransactionRequest struct {
	Provider string `json:"provider,omitempty"`
}

type Transaction struct {
	Provider       string `json:"provider"`
	GatewayOrderID string `json:"gateway_order_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	ReceiptRef     string `json:"receipt_ref"`
	ClientSecret   string `json:"client_secret,omitempty"`
}

// VerifyRequest carries the gateway callback fields the buyer's browser received.
type VerifyRequest struct {
	Provider       string `json:"provider,omitempty"`
	GatewayOrderID string `json:"gateway_order_id"`
	PaymentID      string `json:"payment_id"`
	Signature      string `json:"signature"`
}

type SalesPeriod struct {
	Period     string `json:"period"`
	TotalSales string `json:"total_sales"`
	OrderCount int    `json:"order_count"`
}

type Analytics struct {
	Periods []SalesPeriod `json:"periods"`
}

// FormatMoney renders an amount with two decimal places, or more for finer currencies.
func FormatMoney(amount decimal.Decimal) string {
	return domain.FormatAmount(amount)
}

// ParseMoney parses a wire amount. field names the value in the returned error.
func ParseMoney(field, value string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid amount %q", field, value)
	}
	return amount, nil
}

func FromPricing(p domain.PriceBreakdown) Pricing {
	return Pricing{
		ItemsTotal:  FormatMoney(p.ItemsTotal),
		ShippingFee: FormatMoney(p.ShippingFee),
		TaxAmount:   FormatMoney(p.TaxAmount),
		GrandTotal:  FormatMoney(p.GrandTotal),
	}
}

// Domain parses the breakdown back into decimals.
func (p Pricing) Domain() (domain.PriceBreakdown, error) {
	var (
		out domain.PriceBreakdown
		err error
	)
	if out.ItemsTotal, err = ParseMoney("items_total", p.ItemsTotal); err != nil {
		return domain.PriceBreakdown{}, err
	}
	if out.ShippingFee, err = ParseMoney("shipping_fee", p.ShippingFee); err != nil {
		return domain.PriceBreakdown{}, err
	}
	if out.TaxAmount, err = ParseMoney("tax_amount", p.TaxAmount); err != nil {
		return domain.PriceBreakdown{}, err
	}
	if out.GrandTotal, err = ParseMoney("grand_total", p.GrandTotal); err != nil {
		return domain.PriceBreakdown{}, err
	}
	return out, nil
}

func FromDestination(d domain.Destination) Destination {
	return Destination(d)
}

func (d Destination) Domain() domain.Destination {
	return domain.Destination(d)
}

func FromOrder(o domain.Order) Order {
	items := make([]LineItem, 0, len(o.LineItems))
	for _, item := range o.LineItems {
		items = append(items, LineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: FormatMoney(item.UnitPrice),
			Quantity:  item.Quantity,
			Variant:   item.Variant,
			Total:     FormatMoney(item.Total()),
		})
	}
	out := Order{
		ID:                o.ID,
		BuyerID:           o.BuyerID,
		Status:            string(o.Status()),
		LineItems:         items,
		Destination:       FromDestination(o.Destination),
		PaymentMethod:     string(o.PaymentMethod),
		Currency:          o.Currency,
		Pricing:           FromPricing(o.Pricing),
		IsPaid:            o.IsPaid,
		PaidAt:            o.PaidAt,
		IsDelivered:       o.IsDelivered,
		DeliveredAt:       o.DeliveredAt,
		IsCancelled:       o.IsCancelled,
		CancelledAt:       o.CancelledAt,
		IsReturnRequested: o.IsReturnRequested,
		ReturnRequestedAt: o.ReturnRequestedAt,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
	if o.Payment != nil {
		out.Payment = &Payment{
			Provider:       o.Payment.Provider,
			GatewayOrderID: o.Payment.GatewayOrderID,
			PaymentID:      o.Payment.PaymentID,
			Amount:         FormatMoney(o.Payment.Amount),
			Currency:       o.Payment.Currency,
			VerifiedAt:     o.Payment.VerifiedAt,
		}
	}
	return out
}

// Domain converts the payload back into a domain order. Status is recomputed from the flags.
func (o Order) Domain() (domain.Order, error) {
	pricing, err := o.Pricing.Domain()
	if err != nil {
		return domain.Order{}, err
	}
	items := make([]domain.LineItem, 0, len(o.LineItems))
	for i, item := range o.LineItems {
		price, err := ParseMoney(fmt.Sprintf("line_items[%d].unit_price", i), item.UnitPrice)
		if err != nil {
			return domain.Order{}, err
		}
		items = append(items, domain.LineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: price,
			Quantity:  item.Quantity,
			Variant:   item.Variant,
		})
	}
	out := domain.Order{
		ID:                o.ID,
		BuyerID:           o.BuyerID,
		LineItems:         items,
		Destination:       o.Destination.Domain(),
		PaymentMethod:     domain.PaymentMethod(o.PaymentMethod),
		Pricing:           pricing,
		Currency:          o.Currency,
		IsPaid:            o.IsPaid,
		PaidAt:            o.PaidAt,
		IsDelivered:       o.IsDelivered,
		DeliveredAt:       o.DeliveredAt,
		IsCancelled:       o.IsCancelled,
		CancelledAt:       o.CancelledAt,
		IsReturnRequested: o.IsReturnRequested,
		ReturnRequestedAt: o.ReturnRequestedAt,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
	if o.Payment != nil {
		amount, err := ParseMoney("payment.amount", o.Payment.Amount)
		if err != nil {
			return domain.Order{}, err
		}
		out.Payment = &domain.PaymentResult{
			Provider:       o.Payment.Provider,
			GatewayOrderID: o.Payment.GatewayOrderID,
			PaymentID:      o.Payment.PaymentID,
			Amount:         amount,
			Currency:       o.Payment.Currency,
			VerifiedAt:     o.Payment.VerifiedAt,
		}
	}
	return out, nil
}

func FromTransaction(t domain.GatewayTransaction) Transaction {
	return Transaction{
		Provider:       t.Provider,
		GatewayOrderID: t.GatewayOrderID,
		Amount:         FormatMoney(t.Amount),
		Currency:       t.Currency,
		ReceiptRef:     t.ReceiptRef,
		ClientSecret:   t.ClientSecret,
	}
}

func (t Transaction) Domain() (domain.GatewayTransaction, error) {
	amount, err := ParseMoney("amount", t.Amount)
	if err != nil {
		return domain.GatewayTransaction{}, err
	}
	return domain.GatewayTransaction{
		Provider:       t.Provider,
		GatewayOrderID: t.GatewayOrderID,
		Amount:         amount,
		Currency:       t.Currency,
		ReceiptRef:     t.ReceiptRef,
		ClientSecret:   t.ClientSecret,
	}, nil
}

func (v VerifyRequest) Domain() domain.GatewayConfirmation {
	return domain.GatewayConfirmation{
		Provider:       v.Provider,
		GatewayOrderID: v.GatewayOrderID,
		PaymentID:      v.PaymentID,
		Signature:      v.Signature,
	}
}

func FromConfirmation(c domain.GatewayConfirmation) VerifyRequest {
	return VerifyRequest{
		Provider:       c.Provider,
		GatewayOrderID: c.GatewayOrderID,
		PaymentID:      c.PaymentID,
		Signature:      c.Signature,
	}
}

func FromSalesPeriods(periods []domain.SalesPeriod) Analytics {
	out := Analytics{Periods: make([]SalesPeriod, 0, len(periods))}
	for _, p := range periods {
		out.Periods = append(out.Periods, SalesPeriod{
			Period:     p.Period,
			TotalSales: FormatMoney(p.TotalSales),
			OrderCount: p.OrderCount,
		})
	}
	return out
}
