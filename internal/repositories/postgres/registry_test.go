package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/goleak"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
	"github.com/hanko-field/checkout/internal/repositories/postgres"
)

type registrySuite struct {
	suite.Suite

	registry  *postgres.Registry
	container testcontainers.Container
}

func TestRegistrySuite(t *testing.T) {
	testcontainers.SkipIfProviderIsNotHealthy(t)
	defer goleak.VerifyNone(t)

	suite.Run(t, new(registrySuite))
}

func (s *registrySuite) SetupSuite() {
	ctx := s.T().Context()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("checkout"),
		tcpostgres.WithUsername("checkout"),
		tcpostgres.WithPassword("checkout"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.Require().NoError(postgres.Migrate(dsn))

	pool, err := postgres.Connect(ctx, dsn, 4)
	s.Require().NoError(err)

	s.registry, err = postgres.NewRegistry(pool)
	s.Require().NoError(err)
}

func (s *registrySuite) TearDownSuite() {
	ctx := context.Background()
	if s.registry != nil {
		s.NoError(s.registry.Close(ctx))
	}
	if s.container != nil {
		s.NoError(s.container.Terminate(ctx))
	}
}

func (s *registrySuite) TestOrderRoundTrip() {
	ctx := s.T().Context()
	order := fakeOrder(gofakeit.UUID(), time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))

	s.Require().NoError(s.registry.Orders().Insert(ctx, order))

	got, err := s.registry.Orders().FindByID(ctx, order.ID)
	s.Require().NoError(err)
	s.Empty(cmp.Diff(order, got, orderCmpOpts()...))

	err = s.registry.Orders().Insert(ctx, order)
	s.True(isConflict(err), "duplicate insert: %v", err)
}

func (s *registrySuite) TestUpdatePersistsPaymentAndFlags() {
	ctx := s.T().Context()
	now := time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)
	order := fakeOrder(gofakeit.UUID(), now.Add(-time.Hour))
	s.Require().NoError(s.registry.Orders().Insert(ctx, order))

	order.IsPaid = true
	order.PaidAt = &now
	order.UpdatedAt = now
	order.Payment = &domain.PaymentResult{
		Provider:        "gateway",
		GatewayOrderID:  "gw_" + gofakeit.LetterN(10),
		PaymentID:       "pay_" + gofakeit.LetterN(10),
		Amount:          order.Pricing.GrandTotal,
		Currency:        "USD",
		VerifiedAt:      now,
		SignatureDigest: domain.SignatureDigest(gofakeit.LetterN(32)),
	}

	err := s.registry.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.registry.Orders().LockByID(ctx, order.ID); err != nil {
			return err
		}
		return s.registry.Orders().Update(ctx, order)
	})
	s.Require().NoError(err)

	got, err := s.registry.Orders().FindByID(ctx, order.ID)
	s.Require().NoError(err)
	s.Empty(cmp.Diff(order, got, orderCmpOpts()...))
	s.Equal(domain.OrderStatusPaid, got.Status())

	missing := order
	missing.ID = "ord_missing"
	err = s.registry.Orders().Update(ctx, missing)
	s.True(isNotFound(err), "update of missing order: %v", err)
}

func (s *registrySuite) TestDecrementStockRollsBackWithTransaction() {
	ctx := s.T().Context()
	product := domain.Product{
		ID:        "prd_" + gofakeit.LetterN(8),
		Name:      gofakeit.ProductName(),
		UnitPrice: decimal.RequireFromString("12.50"),
		Stock:     3,
	}
	s.Require().NoError(s.registry.Products().Upsert(ctx, product))

	sentinel := errors.New("abort")
	err := s.registry.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.registry.Products().DecrementStock(ctx, product.ID, 2); err != nil {
			return err
		}
		return sentinel
	})
	s.ErrorIs(err, sentinel)

	products, err := s.registry.Products().FindByIDs(ctx, []string{product.ID})
	s.Require().NoError(err)
	s.Require().Len(products, 1)
	s.Equal(3, products[0].Stock)

	_, err = s.registry.Products().DecrementStock(ctx, product.ID, 4)
	var invErr *repositories.InventoryError
	s.Require().ErrorAs(err, &invErr)
	s.Equal(repositories.InventoryErrorInsufficientStock, invErr.Code)
	s.Equal(3, invErr.Available)

	_, err = s.registry.Products().DecrementStock(ctx, "prd_unknown", 1)
	s.Require().ErrorAs(err, &invErr)
	s.Equal(repositories.InventoryErrorProductNotFound, invErr.Code)

	updated, err := s.registry.Products().DecrementStock(ctx, product.ID, 3)
	s.Require().NoError(err)
	s.Zero(updated.Stock)
}

func (s *registrySuite) TestListAndSales() {
	ctx := s.T().Context()
	buyer := gofakeit.UUID()
	base := time.Date(2031, 1, 15, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		order := fakeOrder(buyer, base.Add(time.Duration(i)*time.Hour))
		paidAt := base.AddDate(0, i, 0)
		order.IsPaid = true
		order.PaidAt = &paidAt
		if i == 2 {
			order.IsCancelled = true
			order.CancelledAt = &paidAt
		}
		s.Require().NoError(s.registry.Orders().Insert(ctx, order))
		ids = append(ids, order.ID)
	}

	listed, err := s.registry.Orders().List(ctx, repositories.OrderListFilter{BuyerID: buyer})
	s.Require().NoError(err)
	s.Require().Len(listed, 3)
	s.Equal(ids[2], listed[0].ID)
	s.Equal(ids[0], listed[2].ID)
	s.NotEmpty(listed[0].LineItems)

	limited, err := s.registry.Orders().List(ctx, repositories.OrderListFilter{BuyerID: buyer, Limit: 1})
	s.Require().NoError(err)
	s.Len(limited, 1)

	periods, err := s.registry.Orders().SalesByMonth(ctx, repositories.SalesFilter{
		From: time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2032, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	s.Require().NoError(err)
	s.Require().Len(periods, 2)
	s.Equal("2031-01", periods[0].Period)
	s.Equal("2031-02", periods[1].Period)
	s.Equal(1, periods[0].OrderCount)
	s.True(periods[0].TotalSales.Equal(listed[2].Pricing.GrandTotal))
}

func (s *registrySuite) TestHealth() {
	report, err := s.registry.Health().Collect(s.T().Context())
	s.Require().NoError(err)
	s.Equal(repositories.HealthStatusOK, report.Status)
}

func fakeOrder(buyerID string, createdAt time.Time) domain.Order {
	items := []domain.LineItem{
		{
			ProductID: "prd_" + gofakeit.LetterN(8),
			Name:      gofakeit.ProductName(),
			UnitPrice: decimal.NewFromFloat(gofakeit.Price(1, 500)).Round(2),
			Quantity:  gofakeit.IntRange(1, 4),
		},
		{
			ProductID: "prd_" + gofakeit.LetterN(8),
			Name:      gofakeit.ProductName(),
			UnitPrice: decimal.NewFromFloat(gofakeit.Price(1, 500)).Round(2),
			Quantity:  1,
			Variant:   gofakeit.Color(),
		},
	}
	return domain.Order{
		ID:      "ord_" + gofakeit.LetterN(20),
		BuyerID: buyerID,
		Destination: domain.Destination{
			Recipient:  gofakeit.Name(),
			Line1:      gofakeit.Street(),
			City:       gofakeit.City(),
			PostalCode: gofakeit.Zip(),
			Country:    "US",
		},
		PaymentMethod: domain.PaymentMethodGateway,
		Pricing:       domain.Calculate(domain.DefaultPricingPolicy(), items),
		Currency:      "USD",
		LineItems:     items,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func orderCmpOpts() []cmp.Option {
	return []cmp.Option{
		cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) }),
		cmpopts.EquateApproxTime(time.Microsecond),
		cmpopts.EquateEmpty(),
	}
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
