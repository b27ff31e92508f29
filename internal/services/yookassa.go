package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const yooKassaAPI = "https://api.yookassa.ru/v3"

type PaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

type CreatePaymentRequest struct {
	OrderID     string
	TelegramID  int64
	AmountRub   decimal.Decimal
	Description string
}

type YooKassa struct {
	ShopID    string
	SecretKey string
	ReturnURL string
	BaseURL   string
	HTTP      *http.Client
}

func NewYooKassa(shopID, secretKey, returnURL string) *YooKassa {
	return &YooKassa{
		ShopID:    shopID,
		SecretKey: secretKey,
		ReturnURL: returnURL,
		BaseURL:   yooKassaAPI,
		HTTP:      &http.Client{Timeout: 15 * time.Second},
	}
}

// CreatePayment создаёт платёж. order_id уходит в metadata и в Idempotence-Key,
// поэтому повтор запроса не создаст второй платёж.
func (y *YooKassa) CreatePayment(ctx context.Context, req CreatePaymentRequest) (PaymentResponse, error) {
	body := map[string]any{
		"amount":       map[string]string{"value": req.AmountRub.StringFixed(2), "currency": "RUB"},
		"confirmation": map[string]string{"type": "redirect", "return_url": y.ReturnURL},
		"capture":      true,
		"description":  req.Description,
		"metadata": map[string]string{
			"order_id":    req.OrderID,
			"telegram_id": strconv.FormatInt(req.TelegramID, 10),
		},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return PaymentResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, y.BaseURL+"/payments", bytes.NewReader(jsonBody))
	if err != nil {
		return PaymentResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotence-Key", req.OrderID)
	httpReq.SetBasicAuth(y.ShopID, y.SecretKey)

	resp, err := y.HTTP.Do(httpReq)
	if err != nil {
		return PaymentResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return PaymentResponse{}, fmt.Errorf("yookassa: status %d: %s", resp.StatusCode, msg)
	}
	var pr PaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return PaymentResponse{}, fmt.Errorf("yookassa: decode response: %w", err)
	}
	return pr, nil
}
