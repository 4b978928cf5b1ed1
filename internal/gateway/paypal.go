package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "nebulapanel-backend/internal/errors"
	"nebulapanel-backend/internal/settings"
)

const defaultPayPalAPI = "https://api-m.sandbox.paypal.com"

// PayPalGateway creates a PayPal order for approval and captures it when the
// user is redirected back with our merchant order id.
type PayPalGateway struct {
	settings   *settings.Store
	httpClient *http.Client
}

func NewPayPalGateway(s *settings.Store) *PayPalGateway {
	return &PayPalGateway{
		settings: s,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (g *PayPalGateway) Name() string { return "paypal" }

func (g *PayPalGateway) Configured() bool {
	if !g.settings.GetBool("paypal_enabled", false) {
		return false
	}
	return g.settings.Get("paypal_client_id", "") != "" && g.settings.Get("paypal_client_secret", "") != ""
}

func (g *PayPalGateway) baseURL() string {
	return g.settings.Get("paypal_base_url", defaultPayPalAPI)
}

func (g *PayPalGateway) accessToken(ctx context.Context) (string, error) {
	auth := base64.StdEncoding.EncodeToString(
		[]byte(g.settings.Get("paypal_client_id", "") + ":" + g.settings.Get("paypal_client_secret", "")),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL()+"/v1/oauth2/token",
		bytes.NewBufferString("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("paypal token error %d: %s", resp.StatusCode, string(b))
	}

	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	return res.AccessToken, nil
}

type paypalLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

func (g *PayPalGateway) Initiate(ctx context.Context, order OrderContext) (*InitiateResult, error) {
	if !g.Configured() {
		return nil, apperrors.ErrGatewayNotConfigured
	}

	accessToken, err := g.accessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get paypal access token: %w", err)
	}

	returnURL := fmt.Sprintf("%s?order_id=%s", order.CallbackURL, url.QueryEscape(order.OrderID))
	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{
			{
				"reference_id": order.OrderID,
				"description":  order.Description,
				"amount": map[string]string{
					"currency_code": order.Currency,
					"value":         fmt.Sprintf("%.2f", order.Amount),
				},
			},
		},
		"application_context": map[string]string{
			"return_url": returnURL,
			"cancel_url": returnURL + "&cancelled=1",
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal req payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL()+"/v2/checkout/orders", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("paypal error %d: %s", resp.StatusCode, string(b))
	}

	var result struct {
		ID     string       `json:"id"`
		Status string       `json:"status"`
		Links  []paypalLink `json:"links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode paypal response: %w", err)
	}

	approveURL := ""
	for _, link := range result.Links {
		if link.Rel == "approve" {
			approveURL = link.Href
		}
	}
	if approveURL == "" {
		return nil, fmt.Errorf("paypal order %s has no approve link", result.ID)
	}

	return &InitiateResult{
		Mode:        ModeRedirect,
		RedirectURL: approveURL,
		Reference:   result.ID,
	}, nil
}

func (g *PayPalGateway) Confirm(ctx context.Context, reference string) (*ConfirmResult, error) {
	if !g.Configured() {
		return nil, apperrors.ErrGatewayNotConfigured
	}

	accessToken, err := g.accessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get paypal access token: %w", err)
	}

	captureURL := fmt.Sprintf("%s/v2/checkout/orders/%s/capture", g.baseURL(), reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, captureURL, bytes.NewBufferString("{}"))
	if err != nil {
		return nil, fmt.Errorf("create capture request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paypal capture request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// A declined or abandoned payment is a normal outcome, not an
		// infrastructure error.
		return &ConfirmResult{Settled: false}, nil
	}

	var result struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		PurchaseUnits []struct {
			Payments struct {
				Captures []struct {
					ID     string `json:"id"`
					Amount struct {
						Value string `json:"value"`
					} `json:"amount"`
				} `json:"captures"`
			} `json:"payments"`
		} `json:"purchase_units"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode capture response: %w", err)
	}

	out := &ConfirmResult{Settled: result.Status == "COMPLETED", TransactionID: result.ID}
	if len(result.PurchaseUnits) > 0 {
		captures := result.PurchaseUnits[0].Payments.Captures
		if len(captures) > 0 {
			out.TransactionID = captures[0].ID
			fmt.Sscanf(captures[0].Amount.Value, "%f", &out.AmountCaptured)
		}
	}
	return out, nil
}
