package validation

import (
	"fmt"

	"github.com/venuehub/orderd/internal/model"
)

// TransitionError возвращается при попытке недопустимого перехода статуса.
type TransitionError struct {
	From model.OrderStatus
	To   model.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

// CanTransition проверяет допустимость перехода статуса заказа с учётом
// способа получения. Из COMPLETED и CANCELLED переходов нет, CANCELLED
// достижим только из PENDING.
func CanTransition(from, to model.OrderStatus, fulfillment model.FulfillmentType) bool {
	switch from {
	case model.OrderStatusPending:
		return to == model.OrderStatusConfirmed || to == model.OrderStatusCancelled
	case model.OrderStatusConfirmed:
		return to == model.OrderStatusPreparing
	case model.OrderStatusPreparing:
		return to == model.OrderStatusReady
	case model.OrderStatusReady:
		if fulfillment == model.FulfillmentDelivery {
			return to == model.OrderStatusOutForDelivery
		}
		return to == model.OrderStatusCompleted
	case model.OrderStatusOutForDelivery:
		return to == model.OrderStatusCompleted
	default:
		return false
	}
}

// CheckTransition возвращает TransitionError, если переход недопустим.
func CheckTransition(from, to model.OrderStatus, fulfillment model.FulfillmentType) error {
	if !CanTransition(from, to, fulfillment) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// IsValidStatus проверяет, что строка является известным статусом заказа.
func IsValidStatus(s string) bool {
	switch model.OrderStatus(s) {
	case model.OrderStatusPending,
		model.OrderStatusConfirmed,
		model.OrderStatusPreparing,
		model.OrderStatusReady,
		model.OrderStatusOutForDelivery,
		model.OrderStatusCompleted,
		model.OrderStatusCancelled:
		return true
	default:
		return false
	}
}
