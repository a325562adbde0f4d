// Package service реализует бизнес-логику сервиса заказов: создание заказа,
// переходы статусов и подтверждение оплаты.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/venuehub/orderd/internal/catalog"
	"github.com/venuehub/orderd/internal/model"
	"github.com/venuehub/orderd/internal/payment"
	"github.com/venuehub/orderd/internal/pricing"
	"github.com/venuehub/orderd/internal/repository"
)

// ErrDeliveryUnavailable возвращается, если доставка не включена для заведения.
var (
	ErrDeliveryUnavailable = errors.New("delivery not available")
	// ErrPaymentMethodNotAccepted возвращается, если заведение не принимает способ оплаты.
	ErrPaymentMethodNotAccepted = errors.New("payment method not accepted")
	// ErrOrderCreationFailed возвращается после исчерпания повторов создания заказа.
	ErrOrderCreationFailed = errors.New("order creation failed")
	// ErrAmountMismatch возвращается, если сумма оплаты не совпадает с итогом заказа.
	ErrAmountMismatch = errors.New("payment amount does not match order total")
	// ErrPaymentMethodMismatch возвращается, если способ оплаты не совпадает с заказом.
	ErrPaymentMethodMismatch = errors.New("payment method does not match order")
	// ErrUnsupportedPaymentMethod возвращается при неизвестном способе оплаты.
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
)

// ShopClosedError возвращается при заказе в закрытое заведение.
// NextOpen указывает ближайшее окно работы, если оно известно.
type ShopClosedError struct {
	NextOpen *time.Time
}

func (e *ShopClosedError) Error() string {
	if e.NextOpen != nil {
		return fmt.Sprintf("shop is closed, opens at %s", e.NextOpen.Format(time.RFC3339))
	}
	return "shop is closed"
}

// MinOrderError возвращается, если сумма заказа меньше минимальной.
type MinOrderError struct {
	Minimum  decimal.Decimal
	Currency string
}

func (e *MinOrderError) Error() string {
	return fmt.Sprintf("minimum order is %s %s", e.Currency, e.Minimum)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	NextSequence(ctx context.Context, dateKey string) (int64, error)
	GetVenueBySlug(ctx context.Context, slug string) (*model.Venue, error)
	FindItemsByKeys(ctx context.Context, venueID int64, keys []string) ([]model.CatalogItem, error)
	FindAddonGroupsByKeys(ctx context.Context, venueID int64, keys []string) ([]model.AddonGroup, error)
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrderByID(ctx context.Context, id uuid.UUID) (*model.Order, error)
	ListActiveOrders(ctx context.Context, limit int) ([]model.Order, error)
	AppendStatus(ctx context.Context, id uuid.UUID, status model.OrderStatus, actor *int64, at time.Time) (*model.Order, error)
	MarkPaid(ctx context.Context, id uuid.UUID, transactionID string, paidAt time.Time, cardLast4, cardBrand string) (*model.Order, error)
	MarkPaymentFailed(ctx context.Context, id uuid.UUID, transactionID string) error
}

const (
	createAttempts  = 3
	createBackoff   = 50 * time.Millisecond
	activeOrdersMax = 100
)

// Допуск на сверку суммы оплаты: одна минорная единица валюты.
var amountTolerance = decimal.RequireFromString("0.01")

// Service содержит бизнес-логику сервиса заказов. Единственный писатель
// агрегата заказа.
type Service struct {
	repo     Repository
	resolver *catalog.Resolver
	gateways map[model.PaymentMethod]payment.Gateway
	prefix   string
	now      func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием, платёжными
// бэкендами и префиксом номеров заказов.
func NewService(repo Repository, gateways map[model.PaymentMethod]payment.Gateway, prefix string) *Service {
	return &Service{
		repo:     repo,
		resolver: catalog.NewResolver(repo),
		gateways: gateways,
		prefix:   prefix,
		now:      time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateOrderRequest описывает запрос на создание заказа.
type CreateOrderRequest struct {
	VenueSlug     string
	Channel       model.Channel
	Customer      model.Customer
	Fulfillment   model.Fulfillment
	PaymentMethod model.PaymentMethod
	Items         []catalog.ItemRequest
	IsMember      bool
}

// CreateOrderResult — публичный результат создания заказа.
type CreateOrderResult struct {
	OrderID       uuid.UUID
	OrderNumber   string
	Total         decimal.Decimal
	Currency      string
	PaymentMethod model.PaymentMethod
}

// CreateOrder создаёт заказ: проверяет доступность заведения, фиксирует
// позиции по текущему каталогу, считает итоги, выделяет номер и сохраняет
// заказ в статусе PENDING. Создание атомарно: при любой ошибке ничего не
// сохраняется.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	venue, err := s.repo.GetVenueBySlug(ctx, req.VenueSlug)
	if err != nil {
		return nil, err
	}

	loc := venueLocation(venue)
	now := s.now().In(loc)

	if err := checkOpen(venue, now); err != nil {
		return nil, err
	}

	if req.Fulfillment.Type == model.FulfillmentDelivery && !venue.DeliveryEnabled {
		return nil, ErrDeliveryUnavailable
	}

	if !venue.AcceptsPaymentMethod(req.PaymentMethod) {
		return nil, fmt.Errorf("%w: %s", ErrPaymentMethodNotAccepted, req.PaymentMethod)
	}

	items, err := s.resolver.Resolve(ctx, venue.ID, req.Items)
	if err != nil {
		return nil, err
	}

	deliveryFee := decimal.Zero
	if req.Fulfillment.Type == model.FulfillmentDelivery {
		deliveryFee = venue.DeliveryFee
	}

	totals := pricing.ComputeTotals(items, pricing.Rules{
		VATPercent:            venue.VATPercent,
		MemberDiscountPercent: venue.MemberDiscountPercent,
	}, req.IsMember, deliveryFee)

	if totals.Subtotal.LessThan(venue.MinOrder) {
		return nil, &MinOrderError{Minimum: venue.MinOrder, Currency: venue.Currency}
	}

	dateKey := now.Format("02012006")

	// Коллизия номера структурно невозможна при атомарном счётчике, но
	// уникальное ограничение на вставке всё равно трактуется как
	// ретраибельное условие: номер выделяется заново, с паузой между
	// попытками и жёстким пределом.
	var created *model.Order
	backoff := retry.WithMaxRetries(createAttempts, retry.NewFibonacci(createBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		seq, err := s.repo.NextSequence(ctx, dateKey)
		if err != nil {
			return err
		}

		createdAt := s.now().UTC()
		o := &model.Order{
			ID:       uuid.New(),
			VenueID:  venue.ID,
			Number:   formatOrderNumber(s.prefix, seq, dateKey),
			Channel:  req.Channel,
			Customer: req.Customer,
			Fulfillment: req.Fulfillment,
			Payment: model.Payment{
				Method: req.PaymentMethod,
				Status: model.PaymentStatusPending,
			},
			Items:    items,
			Totals:   totals,
			IsMember: req.IsMember,
			Timeline: []model.TimelineEntry{
				{Status: model.OrderStatusPending, At: createdAt},
			},
			CurrentStatus: model.OrderStatusPending,
			CreatedAt:     createdAt,
		}

		if err := s.repo.CreateOrder(ctx, o); err != nil {
			if errors.Is(err, repository.ErrDuplicateOrderNumber) {
				return retry.RetryableError(err)
			}
			return err
		}

		created = o
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateOrderNumber) {
			return nil, fmt.Errorf("%w: %v", ErrOrderCreationFailed, err)
		}
		return nil, err
	}

	return &CreateOrderResult{
		OrderID:       created.ID,
		OrderNumber:   created.Number,
		Total:         created.Totals.Total,
		Currency:      venue.Currency,
		PaymentMethod: created.Payment.Method,
	}, nil
}

// formatOrderNumber собирает публичный номер заказа PREFIX-SEQ-DDMMYYYY.
// Номер дополняется нулями до 3 цифр; последовательности за пределами 999
// печатаются полностью, дополнение задаёт минимальную ширину.
func formatOrderNumber(prefix string, seq int64, dateKey string) string {
	return fmt.Sprintf("%s-%03d-%s", prefix, seq, dateKey)
}

func venueLocation(v *model.Venue) *time.Location {
	loc, err := time.LoadLocation(v.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// checkOpen проверяет ручной флаг и окно работы заведения для текущего дня
// недели в его часовом поясе.
func checkOpen(v *model.Venue, now time.Time) error {
	if !v.IsOpen {
		return &ShopClosedError{}
	}

	window, ok := v.WindowFor(now)
	if !ok || window.Closed {
		return &ShopClosedError{NextOpen: nextOpen(v, now)}
	}

	open, err1 := windowTime(now, window.Open)
	close, err2 := windowTime(now, window.Close)
	if err1 != nil || err2 != nil {
		return &ShopClosedError{}
	}

	if now.Before(open) || !now.Before(close) {
		return &ShopClosedError{NextOpen: nextOpen(v, now)}
	}

	return nil
}

// nextOpen находит ближайшее начало окна работы в течение недели вперёд.
func nextOpen(v *model.Venue, now time.Time) *time.Time {
	for d := 0; d <= 7; d++ {
		day := now.AddDate(0, 0, d)
		window, ok := v.WindowFor(day)
		if !ok || window.Closed {
			continue
		}
		open, err := windowTime(day, window.Open)
		if err != nil {
			continue
		}
		if open.After(now) {
			return &open
		}
	}
	return nil
}

func windowTime(day time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse window time %q: %w", hhmm, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}

// GetOrder возвращает заказ с журналом статусов.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return s.repo.GetOrderByID(ctx, id)
}

// ListActiveOrders возвращает незавершённые заказы для панели персонала.
func (s *Service) ListActiveOrders(ctx context.Context) ([]model.Order, error) {
	return s.repo.ListActiveOrders(ctx, activeOrdersMax)
}

// AdvanceStatus переводит заказ в новый статус. Недопустимый переход
// отклоняется с ошибкой, журнал не изменяется.
func (s *Service) AdvanceStatus(ctx context.Context, id uuid.UUID, status model.OrderStatus, actor *int64) (*model.Order, error) {
	return s.repo.AppendStatus(ctx, id, status, actor, s.now().UTC())
}

// AuthorizePayment проводит авторизацию оплаты заказа. Сумма сверяется с
// зафиксированным итогом заказа; повторная авторизация оплаченного заказа
// отклоняется без обращения к шлюзу. Успешная авторизация атомарно
// переводит заказ в CONFIRMED и помечает оплату PAID.
func (s *Service) AuthorizePayment(ctx context.Context, orderID uuid.UUID, method model.PaymentMethod, amount decimal.Decimal) (*payment.Result, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Payment.Status == model.PaymentStatusPaid {
		return nil, repository.ErrAlreadyPaid
	}

	if method != order.Payment.Method {
		return nil, fmt.Errorf("%w: order expects %s", ErrPaymentMethodMismatch, order.Payment.Method)
	}

	if amount.Sub(order.Totals.Total).Abs().GreaterThan(amountTolerance) {
		return nil, fmt.Errorf("%w: got %s, order total %s", ErrAmountMismatch, amount, order.Totals.Total)
	}

	gateway, ok := s.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPaymentMethod, method)
	}

	// Блокировки на время обращения к шлюзу не держатся: вызов внешний
	// и медленный. Таймаут шлюза оставляет заказ нетронутым.
	result, err := gateway.Authorize(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("authorize payment: %w", err)
	}

	if !result.Success {
		if err := s.repo.MarkPaymentFailed(ctx, orderID, result.TransactionID); err != nil {
			return nil, err
		}
		return result, nil
	}

	// COD подтверждается при выдаче заказа, а не при оформлении.
	if result.Status == payment.StatusPending {
		return result, nil
	}

	if _, err := s.repo.MarkPaid(ctx, orderID, result.TransactionID, s.now().UTC(), result.CardLast4, result.CardBrand); err != nil {
		return nil, err
	}

	return result, nil
}
