// Package handler содержит HTTP-обработчики API сервиса заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/venuehub/orderd/internal/catalog"
	"github.com/venuehub/orderd/internal/middleware"
	"github.com/venuehub/orderd/internal/model"
	"github.com/venuehub/orderd/internal/payment"
	"github.com/venuehub/orderd/internal/repository"
	"github.com/venuehub/orderd/internal/service"
	"github.com/venuehub/orderd/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, req service.CreateOrderRequest) (*service.CreateOrderResult, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	ListActiveOrders(ctx context.Context) ([]model.Order, error)
	AdvanceStatus(ctx context.Context, id uuid.UUID, status model.OrderStatus, actor *int64) (*model.Order, error)
	AuthorizePayment(ctx context.Context, orderID uuid.UUID, method model.PaymentMethod, amount decimal.Decimal) (*payment.Result, error)
}

// Handler реализует HTTP-обработчики API сервиса заказов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type customerRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type fulfillmentRequest struct {
	Type    string   `json:"type"`
	Address string   `json:"address"`
	Notes   string   `json:"notes"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
}

type addonRequest struct {
	GroupKey  string `json:"group_key"`
	OptionKey string `json:"option_key"`
}

type orderItemRequest struct {
	ItemKey        string         `json:"item_key"`
	Quantity       int            `json:"qty"`
	SelectedAddons []addonRequest `json:"selected_addons"`
}

type createOrderRequest struct {
	Venue         string             `json:"venue"`
	Channel       string             `json:"channel"`
	Customer      customerRequest    `json:"customer"`
	Fulfillment   fulfillmentRequest `json:"fulfillment"`
	PaymentMethod string             `json:"payment_method"`
	IsMember      bool               `json:"is_member"`
	Items         []orderItemRequest `json:"items"`
}

func (r *createOrderRequest) validate() error {
	if r.Venue == "" {
		return errors.New("venue is required")
	}
	switch model.Channel(r.Channel) {
	case model.ChannelQR, model.ChannelWeb:
	default:
		return errors.New("channel must be QR or WEB")
	}
	if !validation.IsValidPhone(r.Customer.Phone) {
		return errors.New("customer phone must be a valid UAE number")
	}
	switch model.FulfillmentType(r.Fulfillment.Type) {
	case model.FulfillmentPickup:
	case model.FulfillmentDelivery:
		if r.Fulfillment.Address == "" {
			return errors.New("delivery address is required")
		}
	default:
		return errors.New("fulfillment type must be PICKUP or DELIVERY")
	}
	if !isKnownPaymentMethod(model.PaymentMethod(r.PaymentMethod)) {
		return errors.New("unknown payment method")
	}
	if len(r.Items) == 0 {
		return errors.New("order must contain at least one item")
	}
	for _, item := range r.Items {
		if item.ItemKey == "" {
			return errors.New("item key is required")
		}
		if item.Quantity < 1 {
			return errors.New("item quantity must be at least 1")
		}
	}
	return nil
}

func isKnownPaymentMethod(m model.PaymentMethod) bool {
	switch m {
	case model.PaymentMethodCOD, model.PaymentMethodCard, model.PaymentMethodApplePay, model.PaymentMethodGooglePay:
		return true
	}
	return false
}

type createOrderResponse struct {
	OrderID       string  `json:"order_id"`
	OrderNumber   string  `json:"order_number"`
	Total         float64 `json:"total"`
	Currency      string  `json:"currency"`
	PaymentMethod string  `json:"payment_method"`
}

// CreateOrder создаёт новый заказ.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	items := make([]catalog.ItemRequest, 0, len(req.Items))
	for _, item := range req.Items {
		addons := make([]catalog.AddonRequest, 0, len(item.SelectedAddons))
		for _, a := range item.SelectedAddons {
			addons = append(addons, catalog.AddonRequest{GroupKey: a.GroupKey, OptionKey: a.OptionKey})
		}
		items = append(items, catalog.ItemRequest{
			ItemKey:        item.ItemKey,
			Quantity:       item.Quantity,
			SelectedAddons: addons,
		})
	}

	result, err := h.service.CreateOrder(r.Context(), service.CreateOrderRequest{
		VenueSlug: req.Venue,
		Channel:   model.Channel(req.Channel),
		Customer: model.Customer{
			Name:  req.Customer.Name,
			Phone: req.Customer.Phone,
		},
		Fulfillment: model.Fulfillment{
			Type:    model.FulfillmentType(req.Fulfillment.Type),
			Address: req.Fulfillment.Address,
			Notes:   req.Fulfillment.Notes,
			Lat:     req.Fulfillment.Lat,
			Lng:     req.Fulfillment.Lng,
		},
		PaymentMethod: model.PaymentMethod(req.PaymentMethod),
		IsMember:      req.IsMember,
		Items:         items,
	})
	if err != nil {
		h.writeCreateOrderError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(createOrderResponse{
		OrderID:       result.OrderID.String(),
		OrderNumber:   result.OrderNumber,
		Total:         result.Total.InexactFloat64(),
		Currency:      result.Currency,
		PaymentMethod: string(result.PaymentMethod),
	}); err != nil {
		h.logger.Error("encode create order response", zap.Error(err))
	}
}

func (h *Handler) writeCreateOrderError(w http.ResponseWriter, err error) {
	var shopClosed *service.ShopClosedError
	var minOrder *service.MinOrderError

	switch {
	case errors.Is(err, repository.ErrVenueNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &shopClosed),
		errors.As(err, &minOrder),
		errors.Is(err, service.ErrDeliveryUnavailable),
		errors.Is(err, service.ErrPaymentMethodNotAccepted),
		errors.Is(err, catalog.ErrItemNotFound),
		errors.Is(err, catalog.ErrAddonNotFound),
		errors.Is(err, catalog.ErrItemUnavailable):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrOrderCreationFailed):
		h.logger.Error("create order retries exhausted", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	default:
		h.logger.Error("create order error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type addonResponse struct {
	GroupKey  string              `json:"group_key"`
	OptionKey string              `json:"option_key"`
	Name      model.LocalizedName `json:"name"`
	Price     float64             `json:"price"`
}

type itemResponse struct {
	ItemKey        string              `json:"item_key"`
	Name           model.LocalizedName `json:"name"`
	Price          float64             `json:"price"`
	Quantity       int                 `json:"qty"`
	SelectedAddons []addonResponse     `json:"selected_addons"`
}

type totalsResponse struct {
	Subtotal    float64 `json:"subtotal"`
	Discount    float64 `json:"discount"`
	VAT         float64 `json:"vat"`
	DeliveryFee float64 `json:"delivery_fee"`
	Total       float64 `json:"total"`
}

type paymentResponse struct {
	Method        string `json:"method"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	PaidAt        string `json:"paid_at,omitempty"`
	CardLast4     string `json:"card_last4,omitempty"`
	CardBrand     string `json:"card_brand,omitempty"`
}

type fulfillmentResponse struct {
	Type    string   `json:"type"`
	Address string   `json:"address,omitempty"`
	Notes   string   `json:"notes,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

type timelineEntryResponse struct {
	Status string `json:"status"`
	At     string `json:"at"`
	Actor  *int64 `json:"actor,omitempty"`
}

type orderResponse struct {
	OrderID     string                  `json:"order_id"`
	OrderNumber string                  `json:"order_number"`
	Status      string                  `json:"status"`
	Channel     string                  `json:"channel"`
	Customer    customerRequest         `json:"customer"`
	Fulfillment fulfillmentResponse     `json:"fulfillment"`
	Payment     paymentResponse         `json:"payment"`
	Items       []itemResponse          `json:"items"`
	Totals      totalsResponse          `json:"totals"`
	IsMember    bool                    `json:"is_member"`
	Timeline    []timelineEntryResponse `json:"timeline"`
	CreatedAt   string                  `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	items := make([]itemResponse, 0, len(o.Items))
	for _, item := range o.Items {
		addons := make([]addonResponse, 0, len(item.SelectedAddons))
		for _, a := range item.SelectedAddons {
			addons = append(addons, addonResponse{
				GroupKey:  a.GroupKey,
				OptionKey: a.OptionKey,
				Name:      a.Name,
				Price:     a.Price.InexactFloat64(),
			})
		}
		items = append(items, itemResponse{
			ItemKey:        item.ItemKey,
			Name:           item.Name,
			Price:          item.Price.InexactFloat64(),
			Quantity:       item.Quantity,
			SelectedAddons: addons,
		})
	}

	timeline := make([]timelineEntryResponse, 0, len(o.Timeline))
	for _, entry := range o.Timeline {
		timeline = append(timeline, timelineEntryResponse{
			Status: string(entry.Status),
			At:     entry.At.Format(time.RFC3339),
			Actor:  entry.Actor,
		})
	}

	resp := orderResponse{
		OrderID:     o.ID.String(),
		OrderNumber: o.Number,
		Status:      string(o.CurrentStatus),
		Channel:     string(o.Channel),
		Customer: customerRequest{
			Name:  o.Customer.Name,
			Phone: o.Customer.Phone,
		},
		Fulfillment: fulfillmentResponse{
			Type:    string(o.Fulfillment.Type),
			Address: o.Fulfillment.Address,
			Notes:   o.Fulfillment.Notes,
			Lat:     o.Fulfillment.Lat,
			Lng:     o.Fulfillment.Lng,
		},
		Payment: paymentResponse{
			Method:        string(o.Payment.Method),
			Status:        string(o.Payment.Status),
			TransactionID: o.Payment.TransactionID,
			CardLast4:     o.Payment.CardLast4,
			CardBrand:     o.Payment.CardBrand,
		},
		Items: items,
		Totals: totalsResponse{
			Subtotal:    o.Totals.Subtotal.InexactFloat64(),
			Discount:    o.Totals.Discount.InexactFloat64(),
			VAT:         o.Totals.VAT.InexactFloat64(),
			DeliveryFee: o.Totals.DeliveryFee.InexactFloat64(),
			Total:       o.Totals.Total.InexactFloat64(),
		},
		IsMember:  o.IsMember,
		Timeline:  timeline,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
	}

	if o.Payment.PaidAt != nil {
		resp.Payment.PaidAt = o.Payment.PaidAt.Format(time.RFC3339)
	}

	return resp
}

// GetOrderStatus возвращает полный снимок заказа с журналом статусов.
func (h *Handler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.String("orderID", orderID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toOrderResponse(order)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// ListActiveOrders возвращает незавершённые заказы для панели персонала.
func (h *Handler) ListActiveOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListActiveOrders(r.Context())
	if err != nil {
		h.logger.Error("list active orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type advanceStatusRequest struct {
	Status string `json:"status"`
}

// AdvanceStatus переводит заказ в новый статус от имени аутентифицированного
// сотрудника.
func (h *Handler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	staffID, ok := middleware.GetStaffIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	var req advanceStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidStatus(req.Status) {
		http.Error(w, "unknown order status", http.StatusBadRequest)
		return
	}

	order, err := h.service.AdvanceStatus(r.Context(), orderID, model.OrderStatus(req.Status), &staffID)
	if err != nil {
		var transition *validation.TransitionError
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.As(err, &transition):
			http.Error(w, transition.Error(), http.StatusConflict)
		default:
			h.logger.Error("advance status error", zap.Error(err), zap.String("orderID", orderID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toOrderResponse(order)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type authorizePaymentRequest struct {
	OrderID string  `json:"order_id"`
	Method  string  `json:"method"`
	Amount  float64 `json:"amount"`
}

// AuthorizePayment проводит авторизацию оплаты заказа.
func (h *Handler) AuthorizePayment(w http.ResponseWriter, r *http.Request) {
	var req authorizePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	if !isKnownPaymentMethod(model.PaymentMethod(req.Method)) {
		http.Error(w, "unknown payment method", http.StatusBadRequest)
		return
	}

	if req.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	result, err := h.service.AuthorizePayment(r.Context(), orderID, model.PaymentMethod(req.Method), decimal.NewFromFloat(req.Amount))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrAlreadyPaid):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, service.ErrAmountMismatch),
			errors.Is(err, service.ErrPaymentMethodMismatch),
			errors.Is(err, service.ErrUnsupportedPaymentMethod):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("authorize payment error", zap.Error(err), zap.String("orderID", orderID.String()))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
