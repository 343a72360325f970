package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

const orderColumns = `id, buyer_id, destination, payment_method, currency,
	items_total, shipping_fee, tax_amount, grand_total,
	is_paid, paid_at, is_delivered, delivered_at, is_cancelled, cancelled_at,
	is_return_requested, return_requested_at,
	payment_provider, gateway_order_id, payment_id, payment_amount, payment_currency, payment_verified_at,
	payment_signature_digest, created_at, updated_at`

type orderRepository struct {
	pool *pgxpool.Pool
}

type destinationRecord struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (r *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	const op = "orders.insert"
	if len(order.LineItems) == 0 {
		return repositories.Wrap(op, fmt.Errorf("order %s has no line items", order.ID))
	}

	destination, err := json.Marshal(destinationRecord(order.Destination))
	if err != nil {
		return repositories.Wrap(op, fmt.Errorf("json.Marshal destination: %w", err))
	}

	_, err = withTx(ctx, r.pool, func(ctx context.Context, q querier) (struct{}, error) {
		payment := paymentColumns(order.Payment)
		if _, err := q.Exec(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			        $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
			order.ID, order.BuyerID, destination, string(order.PaymentMethod), order.Currency,
			order.Pricing.ItemsTotal, order.Pricing.ShippingFee, order.Pricing.TaxAmount, order.Pricing.GrandTotal,
			order.IsPaid, order.PaidAt, order.IsDelivered, order.DeliveredAt, order.IsCancelled, order.CancelledAt,
			order.IsReturnRequested, order.ReturnRequestedAt,
			payment.provider, payment.gatewayOrderID, payment.paymentID, payment.amount, payment.currency, payment.verifiedAt,
			payment.signatureDigest, order.CreatedAt, order.UpdatedAt,
		); err != nil {
			return struct{}{}, fmt.Errorf("insert order: %w", err)
		}

		batch := &pgx.Batch{}
		for i, item := range order.LineItems {
			batch.Queue(`
				INSERT INTO order_items (order_id, position, product_id, name, unit_price, quantity, variant)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				order.ID, i, item.ProductID, item.Name, item.UnitPrice, item.Quantity, item.Variant)
		}
		if err := q.SendBatch(ctx, batch).Close(); err != nil {
			return struct{}{}, fmt.Errorf("insert order items: %w", err)
		}
		return struct{}{}, nil
	})
	return classify(op, err)
}

func (r *orderRepository) Update(ctx context.Context, order domain.Order) error {
	const op = "orders.update"
	payment := paymentColumns(order.Payment)
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE orders SET
			is_paid = $2, paid_at = $3, is_delivered = $4, delivered_at = $5,
			is_cancelled = $6, cancelled_at = $7, is_return_requested = $8, return_requested_at = $9,
			payment_provider = $10, gateway_order_id = $11, payment_id = $12,
			payment_amount = $13, payment_currency = $14, payment_verified_at = $15,
			payment_signature_digest = $16, updated_at = $17
		WHERE id = $1`,
		order.ID, order.IsPaid, order.PaidAt, order.IsDelivered, order.DeliveredAt,
		order.IsCancelled, order.CancelledAt, order.IsReturnRequested, order.ReturnRequestedAt,
		payment.provider, payment.gatewayOrderID, payment.paymentID,
		payment.amount, payment.currency, payment.verifiedAt,
		payment.signatureDigest, order.UpdatedAt,
	)
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NewNotFound(op, fmt.Errorf("order %s not found", order.ID))
	}
	return nil
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find", `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

func (r *orderRepository) LockByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.lock", `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
}

func (r *orderRepository) findOne(ctx context.Context, op, query, orderID string) (domain.Order, error) {
	q := conn(ctx, r.pool)
	order, err := scanOrder(q.QueryRow(ctx, query, orderID))
	if err != nil {
		return domain.Order{}, classify(op, err)
	}
	items, err := r.loadItems(ctx, q, []string{order.ID})
	if err != nil {
		return domain.Order{}, classify(op, err)
	}
	order.LineItems = items[order.ID]
	return order, nil
}

func (r *orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	const op = "orders.list"
	q := conn(ctx, r.pool)

	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	rows, err := q.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE ($1 = '' OR buyer_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, filter.BuyerID, limit)
	if err != nil {
		return nil, classify(op, err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return nil, classify(op, err)
	}
	if len(orders) == 0 {
		return nil, nil
	}

	items, err := r.loadItems(ctx, q, lo.Map(orders, func(o domain.Order, _ int) string { return o.ID }))
	if err != nil {
		return nil, classify(op, err)
	}
	for i := range orders {
		orders[i].LineItems = items[orders[i].ID]
	}
	return orders, nil
}

func (r *orderRepository) SalesByMonth(ctx context.Context, filter repositories.SalesFilter) ([]domain.SalesPeriod, error) {
	const op = "orders.sales"
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT to_char(date_trunc('month', paid_at AT TIME ZONE 'UTC'), 'YYYY-MM') AS period,
		       SUM(grand_total), COUNT(*)
		FROM orders
		WHERE is_paid AND NOT is_cancelled
		  AND ($1::timestamptz IS NULL OR paid_at >= $1)
		  AND ($2::timestamptz IS NULL OR paid_at < $2)
		GROUP BY period
		ORDER BY period`, optionalTime(filter.From), optionalTime(filter.To))
	if err != nil {
		return nil, classify(op, err)
	}
	periods, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SalesPeriod, error) {
		var p domain.SalesPeriod
		err := row.Scan(&p.Period, &p.TotalSales, &p.OrderCount)
		return p, err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return periods, nil
}

func (r *orderRepository) loadItems(ctx context.Context, q querier, orderIDs []string) (map[string][]domain.LineItem, error) {
	rows, err := q.Query(ctx, `
		SELECT order_id, product_id, name, unit_price, quantity, variant
		FROM order_items WHERE order_id = ANY($1)
		ORDER BY order_id, position`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.LineItem, len(orderIDs))
	for rows.Next() {
		var (
			orderID string
			item    domain.LineItem
		)
		if err := rows.Scan(&orderID, &item.ProductID, &item.Name, &item.UnitPrice, &item.Quantity, &item.Variant); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		out[orderID] = append(out[orderID], item)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o              domain.Order
		destination    []byte
		method         string
		provider       *string
		gatewayOrderID *string
		paymentID      *string
		paymentAmount  decimal.NullDecimal
		paymentCurr    *string
		verifiedAt     *time.Time
		sigDigest      *string
	)
	err := row.Scan(
		&o.ID, &o.BuyerID, &destination, &method, &o.Currency,
		&o.Pricing.ItemsTotal, &o.Pricing.ShippingFee, &o.Pricing.TaxAmount, &o.Pricing.GrandTotal,
		&o.IsPaid, &o.PaidAt, &o.IsDelivered, &o.DeliveredAt, &o.IsCancelled, &o.CancelledAt,
		&o.IsReturnRequested, &o.ReturnRequestedAt,
		&provider, &gatewayOrderID, &paymentID, &paymentAmount, &paymentCurr, &verifiedAt,
		&sigDigest, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	var dest destinationRecord
	if err := json.Unmarshal(destination, &dest); err != nil {
		return domain.Order{}, fmt.Errorf("json.Unmarshal destination: %w", err)
	}
	o.Destination = domain.Destination(dest)
	o.PaymentMethod = domain.PaymentMethod(method)

	if paymentID != nil {
		o.Payment = &domain.PaymentResult{
			Provider:        lo.FromPtr(provider),
			GatewayOrderID:  lo.FromPtr(gatewayOrderID),
			PaymentID:       *paymentID,
			Amount:          paymentAmount.Decimal,
			Currency:        lo.FromPtr(paymentCurr),
			VerifiedAt:      lo.FromPtr(verifiedAt),
			SignatureDigest: lo.FromPtr(sigDigest),
		}
	}
	return o, nil
}

type paymentRow struct {
	provider        *string
	gatewayOrderID  *string
	paymentID       *string
	amount          decimal.NullDecimal
	currency        *string
	verifiedAt      *time.Time
	signatureDigest *string
}

func paymentColumns(p *domain.PaymentResult) paymentRow {
	if p == nil {
		return paymentRow{}
	}
	return paymentRow{
		provider:        lo.ToPtr(p.Provider),
		gatewayOrderID:  lo.ToPtr(p.GatewayOrderID),
		paymentID:       lo.ToPtr(p.PaymentID),
		amount:          decimal.NullDecimal{Decimal: p.Amount, Valid: true},
		currency:        lo.ToPtr(p.Currency),
		verifiedAt:      lo.ToPtr(p.VerifiedAt),
		signatureDigest: lo.EmptyableToPtr(p.SignatureDigest),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
