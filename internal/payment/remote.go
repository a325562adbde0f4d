package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/venuehub/orderd/internal/model"
)

// remoteGateway выполняет авторизацию карточных и кошельковых платежей.
// В режиме demo внешний вызов имитируется; в режиме production запрос
// уходит на настоящий шлюз.
type remoteGateway struct {
	method  model.PaymentMethod
	baseURL string
	mode    string
	client  *retryablehttp.Client
}

func newRemoteGateway(method model.PaymentMethod, cfg Config) *remoteGateway {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	return &remoteGateway{
		method:  method,
		baseURL: strings.TrimRight(cfg.Address, "/"),
		mode:    cfg.Mode,
		client:  client,
	}
}

type authorizeRequest struct {
	MerchantReference string `json:"merchant_reference"`
	Method            string `json:"method"`
	// Amount в минорных единицах валюты.
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Authorize проводит авторизацию платежа по зафиксированной сумме заказа.
func (g *remoteGateway) Authorize(ctx context.Context, order *model.Order) (*Result, error) {
	if g.mode != "production" {
		return g.demoAuthorize(order), nil
	}

	if g.baseURL == "" {
		return nil, fmt.Errorf("payment gateway not configured")
	}

	base := g.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	payload, err := json.Marshal(authorizeRequest{
		MerchantReference: order.Number,
		Method:            string(g.method),
		Amount:            order.Totals.Total.Shift(2).IntPart(),
		Currency:          "AED",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		base+"/api/payments/authorize", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

func (g *remoteGateway) demoAuthorize(order *model.Order) *Result {
	result := &Result{
		Success:       true,
		TransactionID: mockTransactionID(g.method),
		Status:        StatusSuccess,
		Message:       fmt.Sprintf("%s payment successful (demo)", g.method),
	}

	// Кошельковые методы не раскрывают данные карты.
	if g.method == model.PaymentMethodCard {
		result.CardLast4 = "4242"
		result.CardBrand = "VISA"
	}

	return result
}

func mockTransactionID(method model.PaymentMethod) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("TXN-%s-%s", method, strings.ToUpper(suffix))
}
