package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	apperrors "nebulapanel-backend/internal/errors"
	"nebulapanel-backend/internal/settings"
)

const defaultRazorpayAPI = "https://api.razorpay.com"

// RazorpayGateway uses Razorpay payment links: create a link pointing back
// at our callback, confirm by re-fetching the link status.
type RazorpayGateway struct {
	settings   *settings.Store
	httpClient *http.Client
}

func NewRazorpayGateway(s *settings.Store) *RazorpayGateway {
	return &RazorpayGateway{
		settings: s,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (g *RazorpayGateway) Name() string { return "razorpay" }

func (g *RazorpayGateway) Configured() bool {
	if !g.settings.GetBool("razorpay_enabled", false) {
		return false
	}
	return g.settings.Get("razorpay_key_id", "") != "" && g.settings.Get("razorpay_key_secret", "") != ""
}

func (g *RazorpayGateway) baseURL() string {
	return g.settings.Get("razorpay_base_url", defaultRazorpayAPI)
}

func (g *RazorpayGateway) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal req payload: %w", err)
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL()+path, body)
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.SetBasicAuth(g.settings.Get("razorpay_key_id", ""), g.settings.Get("razorpay_key_secret", ""))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("razorpay error %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (g *RazorpayGateway) Initiate(ctx context.Context, order OrderContext) (*InitiateResult, error) {
	if !g.Configured() {
		return nil, apperrors.ErrGatewayNotConfigured
	}

	payload := map[string]interface{}{
		// Razorpay amounts are in the smallest currency unit.
		"amount":          int64(math.Round(order.Amount * 100)),
		"currency":        order.Currency,
		"reference_id":    order.OrderID,
		"description":     order.Description,
		"callback_url":    fmt.Sprintf("%s?order_id=%s", order.CallbackURL, order.OrderID),
		"callback_method": "get",
	}

	var result struct {
		ID       string `json:"id"`
		ShortURL string `json:"short_url"`
		Status   string `json:"status"`
	}
	if err := g.do(ctx, http.MethodPost, "/v1/payment_links", payload, &result); err != nil {
		return nil, err
	}
	if result.ShortURL == "" {
		return nil, fmt.Errorf("razorpay payment link %s has no url", result.ID)
	}

	return &InitiateResult{
		Mode:        ModeRedirect,
		RedirectURL: result.ShortURL,
		Reference:   result.ID,
	}, nil
}

func (g *RazorpayGateway) Confirm(ctx context.Context, reference string) (*ConfirmResult, error) {
	if !g.Configured() {
		return nil, apperrors.ErrGatewayNotConfigured
	}

	var result struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		AmountPaid int64  `json:"amount_paid"`
	}
	if err := g.do(ctx, http.MethodGet, "/v1/payment_links/"+reference, nil, &result); err != nil {
		return nil, err
	}

	return &ConfirmResult{
		Settled:        result.Status == "paid",
		AmountCaptured: float64(result.AmountPaid) / 100,
		TransactionID:  result.ID,
	}, nil
}
