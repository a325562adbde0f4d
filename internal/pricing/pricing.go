// Package pricing реализует расчёт стоимости заказа.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/venuehub/orderd/internal/model"
)

// Rules содержит тарифные правила заведения, участвующие в расчёте.
type Rules struct {
	VATPercent            decimal.Decimal
	MemberDiscountPercent decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// ComputeTotals вычисляет разбивку стоимости заказа. Функция чистая:
// одинаковые входные данные всегда дают одинаковый результат.
//
// Стоимость позиции — (цена + сумма добавок) * количество. Скидка участника
// применяется к промежуточной сумме, НДС начисляется на сумму после скидки.
// Плата за доставку не облагается НДС и не дисконтируется: она добавляется
// к итогу после налога. Каждая денежная величина округляется до 2 знаков
// один раз, в конце собственной формулы, по правилу half-away-from-zero;
// итог не пересобирается из уже округлённых компонентов.
func ComputeTotals(items []model.LineItem, rules Rules, isMember bool, deliveryFee decimal.Decimal) model.Totals {
	subtotal := decimal.Zero
	for _, item := range items {
		line := item.Price
		for _, addon := range item.SelectedAddons {
			line = line.Add(addon.Price)
		}
		subtotal = subtotal.Add(line.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	discount := decimal.Zero
	if isMember {
		discount = subtotal.Mul(rules.MemberDiscountPercent).Div(hundred)
	}

	afterDiscount := subtotal.Sub(discount)
	vat := afterDiscount.Mul(rules.VATPercent).Div(hundred)
	total := afterDiscount.Add(vat).Add(deliveryFee)

	return model.Totals{
		Subtotal:    subtotal.Round(2),
		Discount:    discount.Round(2),
		VAT:         vat.Round(2),
		DeliveryFee: deliveryFee.Round(2),
		Total:       total.Round(2),
	}
}
