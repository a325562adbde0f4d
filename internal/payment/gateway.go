// Package payment предоставляет адаптеры платёжного шлюза для разных
// способов оплаты за единым контрактом авторизации.
package payment

import (
	"context"

	"github.com/venuehub/orderd/internal/model"
)

// Статусы результата авторизации, возвращаемые шлюзом.
const (
	StatusSuccess = "SUCCESS"
	StatusPending = "PENDING"
	StatusFailed  = "FAILED"
)

// Result описывает результат авторизации платежа.
type Result struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	CardLast4     string `json:"card_last4,omitempty"`
	CardBrand     string `json:"card_brand,omitempty"`
}

// Gateway — контракт бэкенда оплаты. Каждый способ оплаты реализует его
// по-своему; менеджер заказов выбирает бэкенд по методу заказа.
type Gateway interface {
	Authorize(ctx context.Context, order *model.Order) (*Result, error)
}

// Config содержит параметры подключения к платёжному шлюзу.
type Config struct {
	Address string
	// Mode: "demo" — имитация успешной авторизации без внешних вызовов,
	// "production" — реальный вызов шлюза.
	Mode string
}

// NewGateways создаёт бэкенды для всех поддерживаемых способов оплаты.
func NewGateways(cfg Config) map[model.PaymentMethod]Gateway {
	return map[model.PaymentMethod]Gateway{
		model.PaymentMethodCOD:       &codGateway{},
		model.PaymentMethodCard:      newRemoteGateway(model.PaymentMethodCard, cfg),
		model.PaymentMethodApplePay:  newRemoteGateway(model.PaymentMethodApplePay, cfg),
		model.PaymentMethodGooglePay: newRemoteGateway(model.PaymentMethodGooglePay, cfg),
	}
}

// codGateway — оплата наличными при получении. Внешних вызовов нет,
// оплата остаётся PENDING до выдачи заказа и закрывается вне системы.
type codGateway struct{}

func (g *codGateway) Authorize(ctx context.Context, order *model.Order) (*Result, error) {
	return &Result{
		Success: true,
		Status:  StatusPending,
		Message: "cash on delivery, settled at fulfillment",
	}, nil
}
