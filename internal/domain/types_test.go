package domain

import "testing"

func TestOrderStatus(t *testing.T) {
	tests := []struct {
		name  string
		order Order
		want  OrderStatus
	}{
		{"created", Order{}, OrderStatusCreated},
		{"paid", Order{IsPaid: true}, OrderStatusPaid},
		{"delivered", Order{IsPaid: true, IsDelivered: true}, OrderStatusDelivered},
		{"return requested", Order{IsPaid: true, IsDelivered: true, IsReturnRequested: true}, OrderStatusReturnRequested},
		{"cancelled unpaid", Order{IsCancelled: true}, OrderStatusCancelled},
		{"cancelled paid", Order{IsPaid: true, IsCancelled: true}, OrderStatusCancelled},
	}
	for _, tt := range tests {
		if got := tt.order.Status(); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestDestinationMissingFields(t *testing.T) {
	complete := Destination{Recipient: "Sato", Line1: "1-2-3", City: "Tokyo", PostalCode: "100-0001", Country: "JP"}
	if missing := complete.MissingFields(); len(missing) != 0 {
		t.Fatalf("expected no missing fields, got %v", missing)
	}

	missing := Destination{Recipient: "Sato", City: "  "}.MissingFields()
	want := []string{"destination.line1", "destination.city", "destination.postal_code", "destination.country"}
	if len(missing) != len(want) {
		t.Fatalf("expected %v, got %v", want, missing)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, missing)
		}
	}
}

func TestPaymentResultMatches(t *testing.T) {
	result := PaymentResult{GatewayOrderID: "gw_1", PaymentID: "pay_1", SignatureDigest: SignatureDigest("sig_1")}
	if !result.Matches(GatewayConfirmation{GatewayOrderID: " gw_1 ", PaymentID: "pay_1", Signature: "sig_1"}) {
		t.Fatal("expected confirmation to match stored payment")
	}
	if result.Matches(GatewayConfirmation{GatewayOrderID: "gw_1", PaymentID: "pay_2", Signature: "sig_1"}) {
		t.Fatal("expected different payment id not to match")
	}
	if result.Matches(GatewayConfirmation{GatewayOrderID: "gw_1", PaymentID: "pay_1", Signature: "forged"}) {
		t.Fatal("expected a different signature not to match")
	}
	legacy := PaymentResult{GatewayOrderID: "gw_1", PaymentID: "pay_1"}
	if legacy.Matches(GatewayConfirmation{GatewayOrderID: "gw_1", PaymentID: "pay_1", Signature: "sig_1"}) {
		t.Fatal("expected a payment without a stored digest never to match")
	}
}
