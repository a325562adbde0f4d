// Package model содержит доменные сущности сервиса заказов.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus описывает статус заказа в жизненном цикле.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "PENDING"
	OrderStatusConfirmed      OrderStatus = "CONFIRMED"
	OrderStatusPreparing      OrderStatus = "PREPARING"
	OrderStatusReady          OrderStatus = "READY"
	OrderStatusOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	OrderStatusCompleted      OrderStatus = "COMPLETED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
)

// Channel описывает канал, через который оформлен заказ.
type Channel string

const (
	ChannelQR  Channel = "QR"
	ChannelWeb Channel = "WEB"
)

// FulfillmentType описывает способ получения заказа.
type FulfillmentType string

const (
	FulfillmentPickup   FulfillmentType = "PICKUP"
	FulfillmentDelivery FulfillmentType = "DELIVERY"
)

// PaymentMethod описывает способ оплаты заказа.
type PaymentMethod string

const (
	PaymentMethodCOD       PaymentMethod = "COD"
	PaymentMethodCard      PaymentMethod = "CARD"
	PaymentMethodApplePay  PaymentMethod = "APPLE_PAY"
	PaymentMethodGooglePay PaymentMethod = "GOOGLE_PAY"
)

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// LocalizedName содержит название на двух языках меню.
type LocalizedName struct {
	EN string `json:"name_en"`
	AR string `json:"name_ar"`
}

// AddonSnapshot — зафиксированная на момент заказа опция добавки.
type AddonSnapshot struct {
	GroupKey  string          `json:"group_key"`
	OptionKey string          `json:"option_key"`
	Name      LocalizedName   `json:"name"`
	Price     decimal.Decimal `json:"price"`
}

// LineItem — зафиксированная на момент заказа позиция каталога.
// После создания заказа позиция никогда не меняется: исторические заказы
// отражают цены на момент покупки, даже если каталог изменился.
type LineItem struct {
	ItemKey        string          `json:"item_key"`
	Name           LocalizedName   `json:"name"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int             `json:"qty"`
	SelectedAddons []AddonSnapshot `json:"selected_addons"`
}

// Totals содержит разбивку стоимости заказа. Вычисляется один раз при
// создании заказа и далее не пересчитывается.
type Totals struct {
	Subtotal    decimal.Decimal
	Discount    decimal.Decimal
	VAT         decimal.Decimal
	DeliveryFee decimal.Decimal
	Total       decimal.Decimal
}

// Customer содержит контактные данные клиента.
type Customer struct {
	Name  string
	Phone string
}

// Fulfillment описывает параметры получения заказа.
type Fulfillment struct {
	Type    FulfillmentType
	Address string
	Notes   string
	Lat     *float64
	Lng     *float64
}

// Payment содержит сведения об оплате заказа.
type Payment struct {
	Method        PaymentMethod
	Status        PaymentStatus
	TransactionID string
	PaidAt        *time.Time
	CardLast4     string
	CardBrand     string
}

// TimelineEntry — запись журнала смены статусов заказа.
type TimelineEntry struct {
	Status OrderStatus
	At     time.Time
	Actor  *int64
}

// Order — агрегат заказа. Создаётся один раз в статусе PENDING, далее
// меняется только операциями смены статуса: запись добавляется в журнал,
// CurrentStatus обновляется, прежние записи не редактируются.
type Order struct {
	ID            uuid.UUID
	VenueID       int64
	Number        string
	Channel       Channel
	Customer      Customer
	Fulfillment   Fulfillment
	Payment       Payment
	Items         []LineItem
	Totals        Totals
	IsMember      bool
	Timeline      []TimelineEntry
	CurrentStatus OrderStatus
	CreatedAt     time.Time
}

// DayWindow описывает часы работы заведения в один день недели.
type DayWindow struct {
	Open   string `json:"open"`
	Close  string `json:"close"`
	Closed bool   `json:"closed"`
}

// Venue — конфигурация заведения. Сервис заказов читает её заново на каждый
// запрос и никогда не изменяет.
type Venue struct {
	ID                    int64
	Slug                  string
	Name                  LocalizedName
	Currency              string
	PaymentMethods        []PaymentMethod
	DeliveryEnabled       bool
	VATPercent            decimal.Decimal
	DeliveryFee           decimal.Decimal
	MinOrder              decimal.Decimal
	MemberDiscountPercent decimal.Decimal
	IsOpen                bool
	Timezone              string
	OperatingHours        map[string]DayWindow
}

// AcceptsPaymentMethod проверяет, принимает ли заведение указанный способ
// оплаты. Кошельковые методы принимаются вместе с CARD: конфигурация
// заведения хранит только COD и CARD.
func (v *Venue) AcceptsPaymentMethod(m PaymentMethod) bool {
	check := m
	if m == PaymentMethodApplePay || m == PaymentMethodGooglePay {
		check = PaymentMethodCard
	}
	for _, pm := range v.PaymentMethods {
		if pm == check {
			return true
		}
	}
	return false
}

// WindowFor возвращает часы работы заведения для дня недели указанного времени.
func (v *Venue) WindowFor(t time.Time) (DayWindow, bool) {
	w, ok := v.OperatingHours[strings.ToLower(t.Weekday().String())]
	return w, ok
}

// CatalogItem — позиция каталога заведения.
type CatalogItem struct {
	Key       string
	Name      LocalizedName
	Price     decimal.Decimal
	Available bool
}

// AddonOption — опция внутри группы добавок.
type AddonOption struct {
	Key   string
	Name  LocalizedName
	Price decimal.Decimal
}

// AddonGroup — группа добавок каталога.
type AddonGroup struct {
	Key     string
	Name    LocalizedName
	Options []AddonOption
}

// Option возвращает опцию группы по ключу.
func (g *AddonGroup) Option(key string) (AddonOption, bool) {
	for _, o := range g.Options {
		if o.Key == key {
			return o, true
		}
	}
	return AddonOption{}, false
}
