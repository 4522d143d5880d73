package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	StripeName           = "stripe"
	stripeDefaultBaseURL = "https://api.stripe.com"
)

// StripeConfig holds Stripe credentials and fee terms.
type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	BaseURL          string
	Currency         string
	FeeBasisPoints   int64
	FeeFixedCents    int64
	WebhookTolerance time.Duration
}

// StripeClient uses payment intents: the browser confirms the intent and
// Stripe reports success through a webhook or a status poll.
type StripeClient struct {
	config     StripeConfig
	httpClient *http.Client
	now        func() time.Time
}

func NewStripeClient(cfg StripeConfig, httpClient *http.Client) *StripeClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = stripeDefaultBaseURL
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.WebhookTolerance == 0 {
		cfg.WebhookTolerance = 5 * time.Minute
	}
	return &StripeClient{config: cfg, httpClient: httpClient, now: time.Now}
}

func (s *StripeClient) Name() string { return StripeName }

// ProcessingFee applies percentage-plus-fixed pricing, rounded half up.
func (s *StripeClient) ProcessingFee(amountCents int64) int64 {
	if amountCents <= 0 {
		return 0
	}
	return (amountCents*s.config.FeeBasisPoints+5000)/10000 + s.config.FeeFixedCents
}

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type stripeIntent struct {
	ID             string `json:"id"`
	ClientSecret   string `json:"client_secret"`
	Amount         int64  `json:"amount"`
	AmountReceived int64  `json:"amount_received"`
	Status         string `json:"status"`
	Customer       string `json:"customer"`
	LatestCharge   string `json:"latest_charge"`
}

type stripeCharge struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	AmountCaptured int64  `json:"amount_captured"`
	AmountRefunded int64  `json:"amount_refunded"`
	Captured       bool   `json:"captured"`
	Status         string `json:"status"`
	Created        int64  `json:"created"`
	PaymentIntent  string `json:"payment_intent"`
}

type stripeCustomerList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (s *StripeClient) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	endpoint := strings.TrimRight(s.config.BaseURL, "/") + path
	var body io.Reader
	if method == http.MethodGet {
		if len(form) > 0 {
			endpoint += "?" + form.Encode()
		}
	} else {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.config.SecretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request to stripe: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading stripe response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var se stripeError
		_ = json.Unmarshal(raw, &se)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, se.Error.Message)
		}
		if se.Error.Type == "card_error" {
			return fmt.Errorf("%w: %s", ErrDeclined, se.Error.Message)
		}
		return &APIError{Gateway: StripeName, StatusCode: resp.StatusCode, Code: se.Error.Code, Message: se.Error.Message}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("error decoding stripe response: %w", err)
		}
	}
	return nil
}

func (s *StripeClient) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	currency := req.Currency
	if currency == "" {
		currency = s.config.Currency
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(currency))
	form.Set("description", req.Description)
	form.Set("payment_method_types[]", "card")
	if req.Email != "" {
		form.Set("receipt_email", req.Email)
	}
	if req.CustomerID != "" {
		form.Set("customer", req.CustomerID)
	}

	var pi stripeIntent
	if err := s.do(ctx, http.MethodPost, "/v1/payment_intents", form, req.IdempotencyKey, &pi); err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	return &Intent{ID: pi.ID, ClientToken: pi.ClientSecret, CustomerID: pi.Customer, AmountCents: pi.Amount}, nil
}

func (s *StripeClient) GetOrCreateCustomer(ctx context.Context, email string) (string, error) {
	var list stripeCustomerList
	query := url.Values{"query": {fmt.Sprintf("email:'%s'", strings.ReplaceAll(email, "'", "\\'"))}, "limit": {"1"}}
	if err := s.do(ctx, http.MethodGet, "/v1/customers/search", query, "", &list); err != nil {
		return "", fmt.Errorf("failed to look up customer: %w", err)
	}
	if len(list.Data) > 0 {
		return list.Data[0].ID, nil
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/customers", url.Values{"email": {email}}, "", &created); err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	return created.ID, nil
}

func (s *StripeClient) fetchIntent(ctx context.Context, intentID string) (*stripeIntent, error) {
	var pi stripeIntent
	if err := s.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil, "", &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (s *StripeClient) GetCharge(ctx context.Context, ref ChargeRef) (*Charge, error) {
	chargeID := ref.ChargeID
	if chargeID == "" {
		pi, err := s.fetchIntent(ctx, ref.IntentID)
		if err != nil {
			return nil, fmt.Errorf("failed to get payment intent: %w", err)
		}
		if pi.LatestCharge == "" {
			return &Charge{State: StatePending, AuthorizedCents: pi.Amount}, nil
		}
		chargeID = pi.LatestCharge
	}

	var ch stripeCharge
	if err := s.do(ctx, http.MethodGet, "/v1/charges/"+url.PathEscape(chargeID), nil, "", &ch); err != nil {
		return nil, fmt.Errorf("failed to get charge: %w", err)
	}
	return &Charge{
		ID:              ch.ID,
		State:           stripeChargeState(ch),
		AuthorizedCents: ch.Amount,
		SettledCents:    ch.AmountCaptured,
		RefundedCents:   ch.AmountRefunded,
		SubmittedAt:     time.Unix(ch.Created, 0).UTC(),
	}, nil
}

func stripeChargeState(ch stripeCharge) SettlementState {
	switch {
	case ch.Status == "succeeded" && ch.Captured:
		return StateSettled
	case ch.Status == "succeeded":
		return StatePendingSettlement
	case ch.Status == "pending":
		return StatePending
	default:
		return StateInvalid
	}
}

func (s *StripeClient) Refund(ctx context.Context, ref ChargeRef, amountCents int64, idempotencyKey string) (*RefundResult, error) {
	form := url.Values{"amount": {strconv.FormatInt(amountCents, 10)}}
	if ref.IntentID != "" {
		form.Set("payment_intent", ref.IntentID)
	} else {
		form.Set("charge", ref.ChargeID)
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/refunds", form, idempotencyKey, &refund); err != nil {
		return nil, fmt.Errorf("failed to refund: %w", err)
	}
	return &RefundResult{ID: refund.ID}, nil
}

// Void cancels an uncaptured intent.
func (s *StripeClient) Void(ctx context.Context, ref ChargeRef, idempotencyKey string) error {
	if ref.IntentID == "" {
		return fmt.Errorf("%w: stripe voids require an intent id", ErrUnsupported)
	}
	path := "/v1/payment_intents/" + url.PathEscape(ref.IntentID) + "/cancel"
	if err := s.do(ctx, http.MethodPost, path, url.Values{}, idempotencyKey, nil); err != nil {
		return fmt.Errorf("failed to cancel payment intent: %w", err)
	}
	return nil
}

func (s *StripeClient) IntentStatus(ctx context.Context, intentID string) (*Confirmation, error) {
	pi, err := s.fetchIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	if pi.Status != "succeeded" {
		return nil, nil
	}
	return &Confirmation{IntentID: pi.ID, ChargeID: pi.LatestCharge, AmountCaptured: pi.AmountReceived}, nil
}

func (s *StripeClient) VerifyWebhook(header http.Header, body []byte) error {
	return verifyStripeSignature(header.Get("Stripe-Signature"), body, s.config.WebhookSecret, s.config.WebhookTolerance, s.now())
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (s *StripeClient) ParseConfirmation(body []byte) (*Confirmation, error) {
	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("error decoding stripe event: %w", err)
	}
	if event.Type != "payment_intent.succeeded" {
		return nil, nil
	}
	var pi stripeIntent
	if err := json.Unmarshal(event.Data.Object, &pi); err != nil {
		return nil, fmt.Errorf("error decoding payment intent: %w", err)
	}
	return &Confirmation{IntentID: pi.ID, ChargeID: pi.LatestCharge, AmountCaptured: pi.AmountReceived}, nil
}
