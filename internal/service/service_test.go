package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/venuehub/orderd/internal/catalog"
	"github.com/venuehub/orderd/internal/model"
	"github.com/venuehub/orderd/internal/payment"
	"github.com/venuehub/orderd/internal/repository"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type stubRepo struct {
	venue    *model.Venue
	venueErr error

	items  []model.CatalogItem
	groups []model.AddonGroup

	seq          int64
	nextSeqErr   error
	nextSeqCalls int

	createErr   error
	createFails int
	createCalls int
	created     []*model.Order

	order    *model.Order
	orderErr error

	appendStatusErr error

	markPaidCalls  int
	markPaidTxID   string
	markPaidErr    error
	markFailedID   string
	markFailedHits int
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) NextSequence(ctx context.Context, dateKey string) (int64, error) {
	s.nextSeqCalls++
	if s.nextSeqErr != nil {
		return 0, s.nextSeqErr
	}
	s.seq++
	return s.seq, nil
}

func (s *stubRepo) GetVenueBySlug(ctx context.Context, slug string) (*model.Venue, error) {
	if s.venueErr != nil {
		return nil, s.venueErr
	}
	return s.venue, nil
}

func (s *stubRepo) FindItemsByKeys(ctx context.Context, venueID int64, keys []string) ([]model.CatalogItem, error) {
	return s.items, nil
}

func (s *stubRepo) FindAddonGroupsByKeys(ctx context.Context, venueID int64, keys []string) ([]model.AddonGroup, error) {
	return s.groups, nil
}

func (s *stubRepo) CreateOrder(ctx context.Context, o *model.Order) error {
	s.createCalls++
	if s.createFails > 0 {
		s.createFails--
		return fmt.Errorf("%w: %s", repository.ErrDuplicateOrderNumber, o.Number)
	}
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, o)
	return nil
}

func (s *stubRepo) GetOrderByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	if s.orderErr != nil {
		return nil, s.orderErr
	}
	return s.order, nil
}

func (s *stubRepo) ListActiveOrders(ctx context.Context, limit int) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) AppendStatus(ctx context.Context, id uuid.UUID, status model.OrderStatus, actor *int64, at time.Time) (*model.Order, error) {
	if s.appendStatusErr != nil {
		return nil, s.appendStatusErr
	}
	return s.order, nil
}

func (s *stubRepo) MarkPaid(ctx context.Context, id uuid.UUID, transactionID string, paidAt time.Time, cardLast4, cardBrand string) (*model.Order, error) {
	s.markPaidCalls++
	s.markPaidTxID = transactionID
	if s.markPaidErr != nil {
		return nil, s.markPaidErr
	}
	return s.order, nil
}

func (s *stubRepo) MarkPaymentFailed(ctx context.Context, id uuid.UUID, transactionID string) error {
	s.markFailedHits++
	s.markFailedID = transactionID
	return nil
}

type stubGateway struct {
	result *payment.Result
	err    error
	calls  int
}

func (g *stubGateway) Authorize(ctx context.Context, order *model.Order) (*payment.Result, error) {
	g.calls++
	return g.result, g.err
}

func testVenue() *model.Venue {
	return &model.Venue{
		ID:                    1,
		Slug:                  "venxrev",
		Currency:              "AED",
		PaymentMethods:        []model.PaymentMethod{model.PaymentMethodCOD, model.PaymentMethodCard},
		DeliveryEnabled:       true,
		VATPercent:            dec("5"),
		DeliveryFee:           dec("7"),
		MinOrder:              dec("10"),
		MemberDiscountPercent: dec("15"),
		IsOpen:                true,
		Timezone:              "UTC",
		OperatingHours: map[string]model.DayWindow{
			"monday":    {Open: "10:00", Close: "23:00"},
			"tuesday":   {Open: "10:00", Close: "23:00"},
			"wednesday": {Open: "10:00", Close: "23:00"},
			"thursday":  {Open: "10:00", Close: "23:00"},
			"friday":    {Open: "13:00", Close: "23:30"},
			"saturday":  {Open: "10:00", Close: "23:30"},
			"sunday":    {Open: "10:00", Close: "23:00"},
		},
	}
}

func testRepo() *stubRepo {
	return &stubRepo{
		venue: testVenue(),
		items: []model.CatalogItem{
			{Key: "shawarma", Name: model.LocalizedName{EN: "Shawarma"}, Price: dec("18"), Available: true},
		},
	}
}

// Вторник, 12:00 UTC — внутри окна работы тестового заведения.
var testNow = time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo *stubRepo, gateways map[model.PaymentMethod]payment.Gateway) *Service {
	svc := NewService(repo, gateways, "VENXREV")
	svc.now = func() time.Time { return testNow }
	return svc
}

func pickupRequest() CreateOrderRequest {
	return CreateOrderRequest{
		VenueSlug:     "venxrev",
		Channel:       model.ChannelQR,
		Customer:      model.Customer{Phone: "+971501234567"},
		Fulfillment:   model.Fulfillment{Type: model.FulfillmentPickup},
		PaymentMethod: model.PaymentMethodCOD,
		Items: []catalog.ItemRequest{
			{ItemKey: "shawarma", Quantity: 1},
		},
	}
}

func TestCreateOrder_Success(t *testing.T) {
	repo := testRepo()
	svc := newTestService(repo, nil)

	res, err := svc.CreateOrder(context.Background(), pickupRequest())
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	if res.OrderNumber != "VENXREV-001-01092026" {
		t.Fatalf("order number = %s, want VENXREV-001-01092026", res.OrderNumber)
	}
	if !res.Total.Equal(dec("18.9")) {
		t.Fatalf("total = %s, want 18.9", res.Total)
	}
	if res.Currency != "AED" {
		t.Fatalf("currency = %s, want AED", res.Currency)
	}

	if len(repo.created) != 1 {
		t.Fatalf("persisted orders = %d, want 1", len(repo.created))
	}
	o := repo.created[0]
	if o.CurrentStatus != model.OrderStatusPending {
		t.Fatalf("status = %s, want PENDING", o.CurrentStatus)
	}
	if len(o.Timeline) != 1 || o.Timeline[0].Status != model.OrderStatusPending {
		t.Fatalf("timeline must hold exactly one PENDING entry, got %+v", o.Timeline)
	}
	if o.Payment.Status != model.PaymentStatusPending {
		t.Fatalf("payment status = %s, want PENDING", o.Payment.Status)
	}
	if !o.Totals.DeliveryFee.IsZero() {
		t.Fatalf("pickup order must not carry delivery fee, got %s", o.Totals.DeliveryFee)
	}
}

func TestCreateOrder_DistinctNumbers(t *testing.T) {
	repo := testRepo()
	svc := newTestService(repo, nil)

	first, err := svc.CreateOrder(context.Background(), pickupRequest())
	if err != nil {
		t.Fatalf("first CreateOrder error: %v", err)
	}
	second, err := svc.CreateOrder(context.Background(), pickupRequest())
	if err != nil {
		t.Fatalf("second CreateOrder error: %v", err)
	}

	if first.OrderNumber == second.OrderNumber {
		t.Fatalf("order numbers must differ, both are %s", first.OrderNumber)
	}
}

func TestCreateOrder_DeliveryFeeAddedAfterTax(t *testing.T) {
	repo := testRepo()
	svc := newTestService(repo, nil)

	req := pickupRequest()
	req.Fulfillment = model.Fulfillment{Type: model.FulfillmentDelivery, Address: "Marina, 12"}
	req.PaymentMethod = model.PaymentMethodCOD

	res, err := svc.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	// 18 + 5% НДС = 18.90, плюс доставка 7 без налога = 25.90.
	if !res.Total.Equal(dec("25.9")) {
		t.Fatalf("total = %s, want 25.9", res.Total)
	}
	o := repo.created[0]
	if !o.Totals.DeliveryFee.Equal(dec("7")) {
		t.Fatalf("delivery fee = %s, want 7", o.Totals.DeliveryFee)
	}
	if !o.Totals.VAT.Equal(dec("0.9")) {
		t.Fatalf("vat = %s, want 0.9 (fee must not be taxed)", o.Totals.VAT)
	}
}

func TestCreateOrder_ShopManuallyClosed(t *testing.T) {
	repo := testRepo()
	repo.venue.IsOpen = false
	svc := newTestService(repo, nil)

	_, err := svc.CreateOrder(context.Background(), pickupRequest())

	var closed *ShopClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("expected ShopClosedError, got %v", err)
	}
	if repo.createCalls != 0 || repo.nextSeqCalls != 0 {
		t.Fatalf("closed shop must not allocate or persist anything")
	}
}

func TestCreateOrder_OutsideOperatingHours(t *testing.T) {
	repo := testRepo()
	svc := newTestService(repo, nil)
	svc.now = func() time.Time {
		// 08:00 — до открытия.
		return time.Date(2026, time.September, 1, 8, 0, 0, 0, time.UTC)
	}

	_, err := svc.CreateOrder(context.Background(), pickupRequest())

	var closed *ShopClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("expected ShopClosedError, got %v", err)
	}
	if closed.NextOpen == nil {
		t.Fatalf("error must carry the next open window")
	}
	wantOpen := time.Date(2026, time.September, 1, 10, 0, 0, 0, time.UTC)
	if !closed.NextOpen.Equal(wantOpen) {
		t.Fatalf("next open = %s, want %s", closed.NextOpen, wantOpen)
	}
	if repo.createCalls != 0 {
		t.Fatalf("no order must be created outside operating hours")
	}
}

func TestCreateOrder_ClosedDayPointsToNextDay(t *testing.T) {
	repo := testRepo()
	repo.venue.OperatingHours["tuesday"] = model.DayWindow{Closed: true}
	svc := newTestService(repo, nil)

	_, err := svc.CreateOrder(context.Background(), pickupRequest())

	var closed *ShopClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("expected ShopClosedError, got %v", err)
	}
	if closed.NextOpen == nil {
		t.Fatalf("error must carry the next open window")
	}
	wantOpen := time.Date(2026, time.September, 2, 10, 0, 0, 0, time.UTC)
	if !closed.NextOpen.Equal(wantOpen) {
		t.Fatalf("next open = %s, want %s", closed.NextOpen, wantOpen)
	}
}

func TestCreateOrder_DeliveryDisabled(t *testing.T) {
	repo := testRepo()
	repo.venue.DeliveryEnabled = false
	svc := newTestService(repo, nil)

	req := pickupRequest()
	req.Fulfillment = model.Fulfillment{Type: model.FulfillmentDelivery, Address: "Marina, 12"}

	_, err := svc.CreateOrder(context.Background(), req)
	if !errors.Is(err, ErrDeliveryUnavailable) {
		t.Fatalf("expected ErrDeliveryUnavailable, got %v", err)
	}
}

func TestCreateOrder_PaymentMethodNotAccepted(t *testing.T) {
	repo := testRepo()
	repo.venue.PaymentMethods = []model.PaymentMethod{model.PaymentMethodCOD}
	svc := newTestService(repo, nil)

	req := pickupRequest()
	req.PaymentMethod = model.PaymentMethodCard

	_, err := svc.CreateOrder(context.Background(), req)
	if !errors.Is(err, ErrPaymentMethodNotAccepted) {
		t.Fatalf("expected ErrPaymentMethodNotAccepted, got %v", err)
	}
}

func TestCreateOrder_WalletAcceptedWithCard(t *testing.T) {
	repo := testRepo()
	svc := newTestService(repo, nil)

	req := pickupRequest()
	req.PaymentMethod = model.PaymentMethodApplePay

	if _, err := svc.CreateOrder(context.Background(), req); err != nil {
		t.Fatalf("wallet must be accepted when venue takes CARD: %v", err)
	}
}

func TestCreateOrder_MinimumOrderNotMet(t *testing.T) {
	repo := testRepo()
	repo.venue.MinOrder = dec("100")
	svc := newTestService(repo, nil)

	_, err := svc.CreateOrder(context.Background(), pickupRequest())

	var minErr *MinOrderError
	if !errors.As(err, &minErr) {
		t.Fatalf("expected MinOrderError, got %v", err)
	}
	if repo.createCalls != 0 {
		t.Fatalf("no order must be created below the minimum")
	}
}

func TestCreateOrder_UnknownItem(t *testing.T) {
	repo := testRepo()
	repo.items = nil
	svc := newTestService(repo, nil)

	_, err := svc.CreateOrder(context.Background(), pickupRequest())
	if !errors.Is(err, catalog.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if repo.createCalls != 0 {
		t.Fatalf("no order must be created for unknown items")
	}
}

func TestCreateOrder_RetriesOnNumberCollision(t *testing.T) {
	repo := testRepo()
	repo.createFails = 2
	svc := newTestService(repo, nil)

	res, err := svc.CreateOrder(context.Background(), pickupRequest())
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	if repo.nextSeqCalls != 3 {
		t.Fatalf("sequence allocations = %d, want 3 (fresh number per attempt)", repo.nextSeqCalls)
	}
	if res.OrderNumber != "VENXREV-003-01092026" {
		t.Fatalf("order number = %s, want VENXREV-003-01092026", res.OrderNumber)
	}
}

func TestCreateOrder_CollisionRetriesBounded(t *testing.T) {
	repo := testRepo()
	repo.createFails = 100
	svc := newTestService(repo, nil)

	_, err := svc.CreateOrder(context.Background(), pickupRequest())
	if !errors.Is(err, ErrOrderCreationFailed) {
		t.Fatalf("expected ErrOrderCreationFailed, got %v", err)
	}
	if repo.createCalls > 4 {
		t.Fatalf("create attempts = %d, want at most 4", repo.createCalls)
	}
}

func TestFormatOrderNumber_PaddingIsMinimumWidth(t *testing.T) {
	tests := []struct {
		seq  int64
		want string
	}{
		{1, "VENXREV-001-01092026"},
		{42, "VENXREV-042-01092026"},
		{999, "VENXREV-999-01092026"},
		{1000, "VENXREV-1000-01092026"},
	}

	for _, tt := range tests {
		got := formatOrderNumber("VENXREV", tt.seq, "01092026")
		if got != tt.want {
			t.Fatalf("formatOrderNumber(%d) = %s, want %s", tt.seq, got, tt.want)
		}
	}
}

func paidOrder(status model.PaymentStatus) *model.Order {
	return &model.Order{
		ID:     uuid.New(),
		Number: "VENXREV-001-01092026",
		Payment: model.Payment{
			Method: model.PaymentMethodCard,
			Status: status,
		},
		Fulfillment:   model.Fulfillment{Type: model.FulfillmentPickup},
		Totals:        model.Totals{Total: dec("25.20")},
		CurrentStatus: model.OrderStatusPending,
	}
}

func TestAuthorizePayment_Success(t *testing.T) {
	repo := testRepo()
	repo.order = paidOrder(model.PaymentStatusPending)

	gw := &stubGateway{result: &payment.Result{
		Success:       true,
		TransactionID: "TXN-CARD-1",
		Status:        payment.StatusSuccess,
		CardLast4:     "4242",
	}}
	svc := newTestService(repo, map[model.PaymentMethod]payment.Gateway{
		model.PaymentMethodCard: gw,
	})

	res, err := svc.AuthorizePayment(context.Background(), repo.order.ID, model.PaymentMethodCard, dec("25.20"))
	if err != nil {
		t.Fatalf("AuthorizePayment error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if repo.markPaidCalls != 1 || repo.markPaidTxID != "TXN-CARD-1" {
		t.Fatalf("MarkPaid calls = %d with tx %q, want 1 with TXN-CARD-1", repo.markPaidCalls, repo.markPaidTxID)
	}
}

func TestAuthorizePayment_AlreadyPaid(t *testing.T) {
	repo := testRepo()
	repo.order = paidOrder(model.PaymentStatusPaid)

	gw := &stubGateway{result: &payment.Result{Success: true, Status: payment.StatusSuccess}}
	svc := newTestService(repo, map[model.PaymentMethod]payment.Gateway{
		model.PaymentMethodCard: gw,
	})

	_, err := svc.AuthorizePayment(context.Background(), repo.order.ID, model.PaymentMethodCard, dec("25.20"))
	if !errors.Is(err, repository.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
	if gw.calls != 0 {
		t.Fatalf("gateway must not be called for a paid order")
	}
	if repo.markPaidCalls != 0 {
		t.Fatalf("paid order must not be re-confirmed")
	}
}

func TestAuthorizePayment_AmountMismatch(t *testing.T) {
	repo := testRepo()
	repo.order = paidOrder(model.PaymentStatusPending)

	gw := &stubGateway{result: &payment.Result{Success: true, Status: payment.StatusSuccess}}
	svc := newTestService(repo, map[model.PaymentMethod]payment.Gateway{
		model.PaymentMethodCard: gw,
	})

	_, err := svc.AuthorizePayment(context.Background(), repo.order.ID, model.PaymentMethodCard, dec("20.00"))
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if gw.calls != 0 || repo.markPaidCalls != 0 || repo.markFailedHits != 0 {
		t.Fatalf("amount mismatch must fail closed with no side effects")
	}
}

func TestAuthorizePayment_AmountWithinTolerance(t *testing.T) {
	repo := testRepo()
	repo.order = paidOrder(model.PaymentStatusPending)

	gw := &stubGateway{result: &payment.Result{
		Success:       true,
		TransactionID: "TXN-CARD-2",
		Status:        payment.StatusSuccess,
	}}
	svc := newTestService(repo, map[model.PaymentMethod]payment.Gateway{
		model.PaymentMethodCard: gw,
	})

	_, err := svc.AuthorizePayment(context.Background(), repo.order.ID, model.PaymentMethodCard, dec("25.21"))
	if err != nil {
		t.Fatalf("difference of 0.01 must be tolerated, got %v", err)
	}
}

func TestAuthorizePayment_MethodMismatch(t *testing.T) {
	repo := testRepo()
	repo.order = paidOrder(model.PaymentStatusPending)

	svc := newTestService(repo, map[model.PaymentMethod]payment.Gateway{})

	_, err := svc.AuthorizePayment(context.Background(), repo.order.ID, model.PaymentMethodCOD, dec("25.20"))
	if !errors.Is(err, ErrPaymentMethodMismatch) {
		t.Fatalf("expected ErrPaymentMethodMismatch, got %v", err)
	}
}

func TestAuthorizePayment_GatewayDecline(t *testing.T) {
	repo := testRepo()
	repo.order = paidOrder(model.PaymentStatusPending)

	gw := &stubGateway{result: &payment.Result{
		Success:       false,
		TransactionID: "TXN-CARD-3",
		Status:        payment.StatusFailed,
		Message:       "card declined",
	}}
	svc := newTestService(repo, map[model.PaymentMethod]payment.Gateway{
		model.PaymentMethodCard: gw,
	})

	res, err := svc.AuthorizePayment(context.Background(), repo.order.ID, model.PaymentMethodCard, dec("25.20"))
	if err != nil {
		t.Fatalf("AuthorizePayment error: %v", err)
	}
	if res.Success {
		t.Fatalf("declined payment must not report success")
	}
	if repo.markFailedHits != 1 || repo.markFailedID != "TXN-CARD-3" {
		t.Fatalf("decline must be recorded as FAILED")
	}
	if repo.markPaidCalls != 0 {
		t.Fatalf("declined payment must not confirm the order")
	}
}

func TestAuthorizePayment_GatewayErrorLeavesOrderUntouched(t *testing.T) {
	repo := testRepo()
	repo.order = paidOrder(model.PaymentStatusPending)

	gw := &stubGateway{err: context.DeadlineExceeded}
	svc := newTestService(repo, map[model.PaymentMethod]payment.Gateway{
		model.PaymentMethodCard: gw,
	})

	_, err := svc.AuthorizePayment(context.Background(), repo.order.ID, model.PaymentMethodCard, dec("25.20"))
	if err == nil {
		t.Fatalf("expected error on gateway timeout")
	}
	if repo.markPaidCalls != 0 || repo.markFailedHits != 0 {
		t.Fatalf("gateway timeout must not change payment state")
	}
}

func TestAuthorizePayment_CODStaysPending(t *testing.T) {
	repo := testRepo()
	order := paidOrder(model.PaymentStatusPending)
	order.Payment.Method = model.PaymentMethodCOD
	repo.order = order

	gw := &stubGateway{result: &payment.Result{Success: true, Status: payment.StatusPending}}
	svc := newTestService(repo, map[model.PaymentMethod]payment.Gateway{
		model.PaymentMethodCOD: gw,
	})

	res, err := svc.AuthorizePayment(context.Background(), order.ID, model.PaymentMethodCOD, dec("25.20"))
	if err != nil {
		t.Fatalf("AuthorizePayment error: %v", err)
	}
	if !res.Success {
		t.Fatalf("COD authorize must succeed")
	}
	if repo.markPaidCalls != 0 {
		t.Fatalf("COD must not confirm the order at checkout")
	}
}
