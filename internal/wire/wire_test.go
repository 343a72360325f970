package wire

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
)

func TestFromOrderFormatsMoneyAndStatus(t *testing.T) {
	paidAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:      "ord_1",
		BuyerID: "buyer-1",
		LineItems: []domain.LineItem{
			{ProductID: "p1", Name: "Seal", UnitPrice: decimal.NewFromInt(500), Quantity: 2},
		},
		PaymentMethod: domain.PaymentMethodGateway,
		Currency:      "USD",
		Pricing:       domain.Calculate(domain.DefaultPricingPolicy(), []domain.LineItem{{UnitPrice: decimal.NewFromInt(500), Quantity: 2}}),
		IsPaid:        true,
		PaidAt:        &paidAt,
	}

	payload := FromOrder(order)
	if payload.Status != "paid" {
		t.Fatalf("expected paid status, got %q", payload.Status)
	}
	if payload.Pricing.GrandTotal != "1250.00" || payload.Pricing.ShippingFee != "100.00" {
		t.Fatalf("unexpected pricing %+v", payload.Pricing)
	}
	if payload.LineItems[0].Total != "1000.00" {
		t.Fatalf("unexpected line total %q", payload.LineItems[0].Total)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(body), `"payment"`) || strings.Contains(string(body), "delivered_at") {
		t.Fatalf("expected empty optional fields to be omitted: %s", body)
	}

	back, err := payload.Domain()
	if err != nil {
		t.Fatalf("domain: %v", err)
	}
	if !back.Pricing.Equal(order.Pricing) || back.Status() != domain.OrderStatusPaid {
		t.Fatalf("unexpected round trip %+v", back)
	}
}

func TestPricingDomainRejectsInvalidAmount(t *testing.T) {
	_, err := Pricing{ItemsTotal: "10.00", ShippingFee: "abc", TaxAmount: "1.50", GrandTotal: "11.50"}.Domain()
	if err == nil || !strings.Contains(err.Error(), "shipping_fee") {
		t.Fatalf("expected shipping_fee error, got %v", err)
	}
}
