package domain

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the stock-of-record view of a purchasable item.
type Product struct {
	ID        string
	Name      string
	UnitPrice decimal.Decimal
	Stock     int
	UpdatedAt time.Time
}

// CartLine is a single (product, variant) entry in a buyer's pending selection.
type CartLine struct {
	ProductID    string
	Name         string
	UnitPrice    decimal.Decimal
	StockCeiling int
	Quantity     int
	Variant      string
}

// Key identifies the line within a cart. Lines sharing a key are merged.
func (l CartLine) Key() LineKey {
	return LineKey{ProductID: l.ProductID, Variant: l.Variant}
}

// LineKey is the merge key for cart lines.
type LineKey struct {
	ProductID string
	Variant   string
}

// LineItem is the frozen copy of a cart line stored on an order.
type LineItem struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
	Variant   string
}

// Total returns the unrounded extended price of the line.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// LineItemsFromCart freezes cart lines into order line items.
func LineItemsFromCart(lines []CartLine) []LineItem {
	items := make([]LineItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, LineItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			Variant:   line.Variant,
		})
	}
	return items
}

// Destination is the shipping address captured at checkout.
type Destination struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// MissingFields lists the required destination fields that are blank.
func (d Destination) MissingFields() []string {
	var missing []string
	check := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	check("destination.recipient", d.Recipient)
	check("destination.line1", d.Line1)
	check("destination.city", d.City)
	check("destination.postal_code", d.PostalCode)
	check("destination.country", d.Country)
	return missing
}

// PaymentMethod names how the buyer intends to pay.
type PaymentMethod string

const (
	// PaymentMethodGateway routes payment through the HMAC-signed card gateway.
	PaymentMethodGateway PaymentMethod = "gateway"
	// PaymentMethodStripe routes payment through Stripe PaymentIntents.
	PaymentMethodStripe PaymentMethod = "stripe"
)

// OrderStatus is derived from the order's status flags and is never stored on its own.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusPaid            OrderStatus = "paid"
	OrderStatusDelivered       OrderStatus = "delivered"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusReturnRequested OrderStatus = "return_requested"
)

// Order is the server-of-record purchase created from a priced cart snapshot.
type Order struct {
	ID            string
	BuyerID       string
	LineItems     []LineItem
	Destination   Destination
	PaymentMethod PaymentMethod
	Pricing       PriceBreakdown
	Currency      string
	Payment       *PaymentResult

	IsPaid            bool
	PaidAt            *time.Time
	IsDelivered       bool
	DeliveredAt       *time.Time
	IsCancelled       bool
	CancelledAt       *time.Time
	IsReturnRequested bool
	ReturnRequestedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status collapses the status flags into a single lifecycle state.
func (o Order) Status() OrderStatus {
	switch {
	case o.IsCancelled:
		return OrderStatusCancelled
	case o.IsReturnRequested:
		return OrderStatusReturnRequested
	case o.IsDelivered:
		return OrderStatusDelivered
	case o.IsPaid:
		return OrderStatusPaid
	default:
		return OrderStatusCreated
	}
}

// GatewayTransaction bridges an unpaid order and the payment gateway's own record.
type GatewayTransaction struct {
	Provider       string
	GatewayOrderID string
	Amount         decimal.Decimal
	Currency       string
	ReceiptRef     string
	ClientSecret   string
}

// GatewayConfirmation carries the buyer-visible callback fields returned by the gateway UI.
type GatewayConfirmation struct {
	Provider       string
	GatewayOrderID string
	PaymentID      string
	Signature      string
}

// PaymentResult records a verified payment against an order.
type PaymentResult struct {
	Provider       string
	GatewayOrderID string
	PaymentID      string
	Amount         decimal.Decimal
	Currency       string
	VerifiedAt     time.Time
	// SignatureDigest is the hex SHA-256 of the signature that proved the payment.
	SignatureDigest string
}

// Matches reports whether the confirmation repeats the recorded payment, signature included.
func (p PaymentResult) Matches(c GatewayConfirmation) bool {
	if p.GatewayOrderID != strings.TrimSpace(c.GatewayOrderID) || p.PaymentID != strings.TrimSpace(c.PaymentID) {
		return false
	}
	if p.SignatureDigest == "" {
		return false
	}
	digest := SignatureDigest(c.Signature)
	return subtle.ConstantTimeCompare([]byte(p.SignatureDigest), []byte(digest)) == 1
}

// SignatureDigest hashes a gateway signature for storage alongside the payment.
func SignatureDigest(signature string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(signature)))
	return hex.EncodeToString(sum[:])
}

// SalesPeriod aggregates paid orders for one calendar month.
type SalesPeriod struct {
	Period     string
	TotalSales decimal.Decimal
	OrderCount int
}
